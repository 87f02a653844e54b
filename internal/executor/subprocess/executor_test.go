package subprocess

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/internal/stream"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func drainChunks(ch *stream.Channel) string {
	ch.Push(stream.End())
	var b strings.Builder
	for {
		item, _ := ch.Pop(context.Background())
		if item.Kind == stream.KindEnd {
			return b.String()
		}
		b.WriteString(item.Text)
	}
}

func TestArgs(t *testing.T) {
	params := runconfig.Params{BaseURL: "http://x/v1", Model: "m", APIKey: "k", DeviceType: runconfig.DeviceADB, MaxSteps: 5, Lang: "en"}
	got := Args("open camera", params)
	want := []string{"--base-url", "http://x/v1", "--model", "m", "--apikey", "k", "--device-type", "adb", "--max-steps", "5", "--lang", "en", "--", "open camera"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %q", got)
	}

	params.DeviceID = "emulator-5554"
	if got := Args("t", params); got[8] != "--device-id" || got[9] != "emulator-5554" {
		t.Fatalf("device id missing: %q", got)
	}
}

func TestExecuteStreamsOutputAndReadsResult(t *testing.T) {
	script := writeScript(t, `
echo "step 1: $9"
echo "warn" 1>&2
printf 'finished %s' "$4" > "$PHONE_AGENT_RESULT_FILE"
`)
	ex, err := New(Config{Python: "sh", Script: script})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var console bytes.Buffer
	ch := stream.NewChannel()
	ctx, restore := capture.Install(context.Background(), ch, capture.Sink{Out: &console, Err: &console})
	result, err := ex.Execute(ctx, "open camera", runconfig.Params{Model: "demo", DeviceType: runconfig.DeviceADB, MaxSteps: 1, Lang: "cn"})
	restore()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "finished demo" {
		t.Fatalf("result = %q", result)
	}
	out := drainChunks(ch)
	if !strings.Contains(out, "step 1:") || !strings.Contains(out, "warn") {
		t.Fatalf("output not captured: %q", out)
	}
	if console.Len() == 0 {
		t.Fatalf("console sink not written")
	}
}

func TestExecuteReportsExitCode(t *testing.T) {
	script := writeScript(t, `
echo "adb: device offline" 1>&2
exit 3
`)
	ex, _ := New(Config{Python: "sh", Script: script})
	_, err := ex.Execute(context.Background(), "task", runconfig.Params{MaxSteps: 1})
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected EXECUTOR_FAILURE, got %v", err)
	}
	msg := xerrors.MessageOf(err)
	if !strings.Contains(msg, "exit code 3") || !strings.Contains(msg, "device offline") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestExecutePassesDashTaskAsPositional(t *testing.T) {
	script := writeScript(t, `
for arg; do prev=$last; last=$arg; done
printf '%s|%s' "$prev" "$last" > "$PHONE_AGENT_RESULT_FILE"
`)
	ex, _ := New(Config{Python: "sh", Script: script})
	for _, task := range []string{"-h", "-打开相机"} {
		result, err := ex.Execute(context.Background(), task, runconfig.Params{MaxSteps: 1})
		if err != nil {
			t.Fatalf("execute %q: %v", task, err)
		}
		if result != "--|"+task {
			t.Fatalf("task %q not passed after separator: %q", task, result)
		}
	}
}

func TestExecuteWithoutResultFileReturnsEmpty(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	ex, _ := New(Config{Python: "sh", Script: script})
	result, err := ex.Execute(context.Background(), "task", runconfig.Params{MaxSteps: 1})
	if err != nil || result != "" {
		t.Fatalf("result=%q err=%v", result, err)
	}
}

func TestNewRequiresScript(t *testing.T) {
	if _, err := New(Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestTailWriterKeepsLastBytes(t *testing.T) {
	w := &tailWriter{limit: 8}
	_, _ = w.Write([]byte("first line\nsecond"))
	if got := w.lastLine(); got != "second" {
		t.Fatalf("last line = %q", got)
	}
	if w.buf.Len() != 8 {
		t.Fatalf("buffer length = %d", w.buf.Len())
	}
}
