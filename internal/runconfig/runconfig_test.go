package runconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	xerrors "PhoneAgent-Web/internal/errors"
)

func TestDefaultsReadEnvironment(t *testing.T) {
	t.Setenv("PHONE_AGENT_MODEL", "custom-model")
	t.Setenv("PHONE_AGENT_MAX_STEPS", "7")
	t.Setenv("PHONE_AGENT_DEVICE_ID", "emulator-5554")

	doc := Defaults()
	if doc[KeyModel] != "custom-model" || doc[KeyMaxSteps] != 7 || doc[KeyDeviceID] != "emulator-5554" {
		t.Fatalf("environment not applied: %+v", doc)
	}
	if doc[KeyBaseURL] == "" || doc[KeyLang] == "" {
		t.Fatalf("fallbacks missing: %+v", doc)
	}
}

func TestFileStoreCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	store, err := NewFileStore(path, WithDefaults(func() Document {
		return Document{KeyModel: "m", KeyMaxSteps: 3}
	}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc[KeyModel] != "m" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should be created: %v", err)
	}

	again, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	params, err := ParseParams(again)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.MaxSteps != 3 {
		t.Fatalf("max steps from JSON = %d", params.MaxSteps)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, _ := NewFileStore(path)
	if _, err := store.Load(context.Background()); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestParseParamsValidation(t *testing.T) {
	cases := map[string]Document{
		"non-integer max_steps": {KeyMaxSteps: "many"},
		"fractional max_steps":  {KeyMaxSteps: 2.5},
		"zero max_steps":        {KeyMaxSteps: 0},
		"unknown device type":   {KeyDeviceType: "usb"},
		"non-string model":      {KeyModel: 12.0},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(doc)
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
			if xerrors.HTTPStatus(err) != 422 {
				t.Fatalf("unexpected status %d", xerrors.HTTPStatus(err))
			}
		})
	}
}

func TestParseParamsDefaultsMissingFields(t *testing.T) {
	params, err := ParseParams(Document{KeyMaxSteps: "12", KeyDeviceType: "HDC"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.MaxSteps != 12 || params.DeviceType != DeviceHDC || params.Lang != "cn" || params.APIKey != "EMPTY" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestUpdateDoesNotAffectEarlierSnapshot(t *testing.T) {
	svc, err := NewService(NewMemoryStore(Document{KeyModel: "first", KeyMaxSteps: 5}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()

	snapshot, err := svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.Update(ctx, Document{KeyModel: "second"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if snapshot.Model != "first" {
		t.Fatalf("snapshot mutated: %+v", snapshot)
	}
	latest, _ := svc.Resolve(ctx)
	if latest.Model != "second" || latest.MaxSteps != 5 {
		t.Fatalf("update not merged: %+v", latest)
	}
}

func TestBackToBackSnapshotsAreEqual(t *testing.T) {
	svc, _ := NewService(NewMemoryStore(nil))

	a, err := svc.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := svc.Resolve(context.Background())
	if a != b {
		t.Fatalf("snapshots differ: %+v vs %+v", a, b)
	}
}

func TestUpdateRejectsInvalidPatch(t *testing.T) {
	store := NewMemoryStore(Document{KeyMaxSteps: 5})
	svc, _ := NewService(store)
	if _, err := svc.Update(context.Background(), Document{KeyMaxSteps: -1}); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
	doc, _ := store.Load(context.Background())
	if doc[KeyMaxSteps] != 5 {
		t.Fatalf("invalid patch must not be persisted: %+v", doc)
	}
}

func TestUpdateClearsEmptyDeviceID(t *testing.T) {
	svc, _ := NewService(NewMemoryStore(Document{KeyDeviceID: "abc", KeyMaxSteps: 1}))
	doc, err := svc.Update(context.Background(), Document{KeyDeviceID: ""})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if doc[KeyDeviceID] != nil {
		t.Fatalf("device id should be cleared: %+v", doc)
	}
}

func TestMySQLStoreRejectsEmptyDSN(t *testing.T) {
	if _, err := NewMySQLStore(context.Background(), " "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRedisStoreRejectsEmptyAddress(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestFieldCodecPreservesTypes(t *testing.T) {
	fields, err := encodeFields(Document{KeyMaxSteps: 9, KeyDeviceID: nil, KeyModel: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}
	doc, err := decodeFields(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	params, err := ParseParams(doc)
	if err != nil || params.MaxSteps != 9 || params.DeviceID != "" || params.Model != "x" {
		t.Fatalf("unexpected params: %+v %v", params, err)
	}
}
