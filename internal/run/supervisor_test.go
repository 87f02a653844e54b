package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/notify"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/internal/sse"
)

var testParams = runconfig.Params{Model: "autoglm-phone-9b", MaxSteps: 100, DeviceID: "emulator-5554"}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[Status]int
}

func (o *countingObserver) RunStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) RunFinished(status Status, _ time.Duration, _, _ int) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = make(map[Status]int)
	}
	o.finished[status]++
	o.mu.Unlock()
}

func newTestSupervisor(t *testing.T, exec ExecutorFunc, opts ...Option) *Supervisor {
	t.Helper()
	base := []Option{WithOriginalSink(capture.Discard())}
	s, err := NewSupervisor(exec, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return s
}

func collectEvents(t *testing.T, r *Run) []sse.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	enc := sse.NewEncoder(r.Channel())
	var events []sse.Event
	for {
		ev, err := enc.Next(ctx)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		events = append(events, ev)
	}
}

func kinds(events []sse.Event) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = ev.Kind
	}
	return strings.Join(parts, ",")
}

func TestSuccessfulRunStreamsOutputThenResult(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, task string, _ runconfig.Params) (string, error) {
		fmt.Fprintf(capture.Stdout(ctx), "step 1: launching\n")
		return "done", nil
	})

	r, err := s.Start(context.Background(), "open camera", testParams)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := collectEvents(t, r)
	want := []sse.Event{
		{Kind: sse.KindMessage, Data: "step 1: launching"},
		{Kind: sse.KindResult, Data: "done"},
		{Kind: sse.KindDone, Data: "done"},
	}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events = %+v", events)
	}

	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if r.Status() != StatusSucceeded {
		t.Fatalf("status = %s", r.Status())
	}
}

func TestFailedRunEmitsSingleErrorEvent(t *testing.T) {
	s := newTestSupervisor(t, func(context.Context, string, runconfig.Params) (string, error) {
		return "", errors.New("device disconnected")
	})
	r, err := s.Start(context.Background(), "open camera", testParams)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events := collectEvents(t, r)
	if kinds(events) != "error,done" {
		t.Fatalf("kinds = %s", kinds(events))
	}
	if events[0].Data != "device disconnected" {
		t.Fatalf("error payload = %q", events[0].Data)
	}
}

func TestCodedErrorUsesDetail(t *testing.T) {
	s := newTestSupervisor(t, func(context.Context, string, runconfig.Params) (string, error) {
		return "", xerrors.New(xerrors.CodeDeviceFailure, "adb 未找到设备")
	})
	r, _ := s.Start(context.Background(), "task", testParams)
	events := collectEvents(t, r)
	if events[0].Kind != sse.KindError || events[0].Data != "adb 未找到设备" {
		t.Fatalf("unexpected error event: %+v", events[0])
	}
}

func TestEmptyErrorMessageIsReplaced(t *testing.T) {
	s := newTestSupervisor(t, func(context.Context, string, runconfig.Params) (string, error) {
		return "", errors.New("  ")
	})
	r, _ := s.Start(context.Background(), "task", testParams)
	events := collectEvents(t, r)
	if events[0].Kind != sse.KindError || strings.TrimSpace(events[0].Data) == "" {
		t.Fatalf("error event must carry a description: %+v", events[0])
	}
}

func TestPanicBecomesErrorEvent(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		fmt.Fprintln(capture.Stdout(ctx), "before panic")
		panic("screen locked")
	})
	r, _ := s.Start(context.Background(), "task", testParams)
	events := collectEvents(t, r)
	if kinds(events) != "message,error,done" {
		t.Fatalf("kinds = %s", kinds(events))
	}
	if !strings.Contains(events[1].Data, "screen locked") {
		t.Fatalf("panic value missing: %q", events[1].Data)
	}
	<-r.Done()
	if r.Status() != StatusFailed {
		t.Fatalf("status = %s", r.Status())
	}
}

func TestOutputOrderIsPreserved(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		fmt.Fprint(capture.Stdout(ctx), "A\n")
		fmt.Fprint(capture.Stderr(ctx), "B\n")
		fmt.Fprint(capture.Stdout(ctx), "C\nD")
		return "ok", nil
	})
	r, _ := s.Start(context.Background(), "task", testParams)
	var lines []string
	for _, ev := range collectEvents(t, r) {
		if ev.Kind == sse.KindMessage {
			lines = append(lines, ev.Data)
		}
	}
	if strings.Join(lines, "") != "ABCD" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestEmptyTaskCreatesNoRun(t *testing.T) {
	called := false
	store := NewMemoryStore(0)
	s := newTestSupervisor(t, func(context.Context, string, runconfig.Params) (string, error) {
		called = true
		return "", nil
	}, WithStore(store))

	for _, task := range []string{"", "   \n"} {
		r, err := s.Start(context.Background(), task, testParams)
		if r != nil || xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("task %q: run=%v err=%v", task, r, err)
		}
	}
	records, _ := store.List(context.Background(), ListOptions{})
	if len(records) != 0 || called || s.Active() != 0 {
		t.Fatalf("no run should exist: records=%d called=%v", len(records), called)
	}
}

func TestRunSurvivesRequestCancellation(t *testing.T) {
	release := make(chan struct{})
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "finished", nil
	})

	reqCtx, cancel := context.WithCancel(context.Background())
	r, err := s.Start(reqCtx, "task", testParams)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	close(release)

	events := collectEvents(t, r)
	if kinds(events) != "result,done" || events[0].Data != "finished" {
		t.Fatalf("events = %+v", events)
	}
}

func TestMaxDurationFailsRun(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, WithMaxDuration(20*time.Millisecond))

	r, _ := s.Start(context.Background(), "task", testParams)
	events := collectEvents(t, r)
	if kinds(events) != "error,done" {
		t.Fatalf("kinds = %s", kinds(events))
	}
	if !strings.Contains(events[0].Data, "最长时长") {
		t.Fatalf("timeout message missing: %q", events[0].Data)
	}
}

func TestLateWritesAfterReturnAreNotStreamed(t *testing.T) {
	leaked := make(chan io.Writer, 1)
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		leaked <- capture.Stdout(ctx)
		return "ok", nil
	})
	r, _ := s.Start(context.Background(), "task", testParams)
	<-r.Done()
	fmt.Fprintln(<-leaked, "too late")

	events := collectEvents(t, r)
	if kinds(events) != "result,done" {
		t.Fatalf("kinds = %s", kinds(events))
	}
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, task string, _ runconfig.Params) (string, error) {
		for i := 0; i < 50; i++ {
			fmt.Fprintln(capture.Stdout(ctx), task)
		}
		return task, nil
	})

	runs := make([]*Run, 0, 4)
	for _, task := range []string{"alpha", "beta", "gamma", "delta"} {
		r, err := s.Start(context.Background(), task, testParams)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		runs = append(runs, r)
	}
	for _, r := range runs {
		for _, ev := range collectEvents(t, r) {
			if ev.Kind == sse.KindMessage && ev.Data != r.Task {
				t.Fatalf("run %s received %q", r.Task, ev.Data)
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if s.Active() != 0 {
		t.Fatalf("active = %d", s.Active())
	}
}

func TestFinishedRunIsRecordedAndPublished(t *testing.T) {
	store := NewMemoryStore(0)
	pub := notify.NewMemoryPublisher(10)
	obs := &countingObserver{}
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		fmt.Fprint(capture.Stdout(ctx), "one\ntwo\n")
		return "42", nil
	}, WithStore(store), WithNotifier(pub), WithObserver(obs))

	r, _ := s.Start(context.Background(), "count", testParams)
	<-r.Done()

	record, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusSucceeded || record.Result != "42" || record.Chunks != 1 || record.DeviceID != "emulator-5554" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.FinishedAt.IsZero() {
		t.Fatalf("finished time not recorded")
	}

	events := pub.Events()
	if len(events) != 1 || events[0].RunID != r.ID || events[0].Status != string(StatusSucceeded) {
		t.Fatalf("unexpected notifications: %+v", events)
	}
	if obs.started != 1 || obs.finished[StatusSucceeded] != 1 {
		t.Fatalf("observer counts: %+v", obs)
	}
}

type slowUpdateStore struct {
	Store
	delay time.Duration
}

func (s slowUpdateStore) Update(ctx context.Context, id string, mutate func(*Record)) error {
	time.Sleep(s.delay)
	return s.Store.Update(ctx, id, mutate)
}

func TestRecordIsFinalWhenDoneIsStreamed(t *testing.T) {
	store := slowUpdateStore{Store: NewMemoryStore(0), delay: 20 * time.Millisecond}
	s := newTestSupervisor(t, func(context.Context, string, runconfig.Params) (string, error) {
		return "ok", nil
	}, WithStore(store))

	r, _ := s.Start(context.Background(), "task", testParams)
	events := collectEvents(t, r)
	if kinds(events) != "result,done" {
		t.Fatalf("unexpected events: %s", kinds(events))
	}
	record, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != StatusSucceeded || record.FinishedAt.IsZero() {
		t.Fatalf("record not final after done: %+v", record)
	}
	<-r.Done()
}

func TestExecuteCollectsOutput(t *testing.T) {
	s := newTestSupervisor(t, func(ctx context.Context, _ string, _ runconfig.Params) (string, error) {
		fmt.Fprintln(capture.Stdout(ctx), "working")
		return "ok", nil
	})
	outcome, lines, err := s.Execute(context.Background(), "task", testParams)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcome.OK || outcome.Result != "ok" || len(lines) != 1 || lines[0] != "working" {
		t.Fatalf("outcome=%+v lines=%q", outcome, lines)
	}

	if _, _, err := s.Execute(context.Background(), " ", testParams); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestNewSupervisorRequiresExecutor(t *testing.T) {
	if _, err := NewSupervisor(nil); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected INITIALIZATION_FAILURE, got %v", err)
	}
}
