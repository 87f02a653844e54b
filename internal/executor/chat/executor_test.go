package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/internal/stream"
)

func TestExecuteSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "打开相机应用"}},
			},
			"usage": map[string]any{"total_tokens": 12},
		})
	}))
	defer srv.Close()

	ex := New(Config{HTTPClient: srv.Client()})
	ch := stream.NewChannel()
	ctx, restore := capture.Install(context.Background(), ch, capture.Discard())
	result, err := ex.Execute(ctx, "open camera", runconfig.Params{BaseURL: srv.URL + "/v1/", Model: "autoglm-phone-9b", APIKey: "secret", Lang: "cn"})
	restore()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "打开相机应用" {
		t.Fatalf("result = %q", result)
	}
	if captured.Path != "/v1/chat/completions" || captured.Authorization != "Bearer secret" {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Body["model"] != "autoglm-phone-9b" {
		t.Fatalf("model missing: %+v", captured.Body)
	}

	ch.Push(stream.End())
	var progress []string
	for {
		item, _ := ch.Pop(context.Background())
		if item.Kind == stream.KindEnd {
			break
		}
		progress = append(progress, item.Text)
	}
	if len(progress) != 2 || !strings.Contains(progress[1], "tokens=12") {
		t.Fatalf("unexpected progress output: %q", progress)
	}
}

func TestExecuteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex := New(Config{HTTPClient: srv.Client()})
	_, err := ex.Execute(context.Background(), "task", runconfig.Params{BaseURL: srv.URL, Model: "m"})
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected EXECUTOR_FAILURE, got %v", err)
	}
	if !strings.Contains(xerrors.MessageOf(err), "503") {
		t.Fatalf("status missing from message: %v", err)
	}
}

func TestExecuteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ex := New(Config{HTTPClient: srv.Client()})
	if _, err := ex.Execute(context.Background(), "task", runconfig.Params{BaseURL: srv.URL}); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func TestExecuteRequiresBaseURL(t *testing.T) {
	ex := New(Config{Timeout: time.Second})
	if _, err := ex.Execute(context.Background(), "task", runconfig.Params{}); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}
