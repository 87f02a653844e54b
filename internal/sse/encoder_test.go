package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"PhoneAgent-Web/internal/stream"
)

func encodeAll(t *testing.T, ch *stream.Channel) (string, []Event) {
	t.Helper()
	enc := NewEncoder(ch)
	var buf bytes.Buffer
	var events []Event
	for {
		ev, err := enc.Next(context.Background())
		if err == io.EOF {
			return buf.String(), events
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if _, err := ev.WriteTo(&buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		events = append(events, ev)
	}
}

func TestEncoderSuccessfulRun(t *testing.T) {
	ch := stream.NewChannel()
	ch.Push(stream.Chunk("step 1: launching\n", stream.SourceOut))
	ch.Push(stream.Result("done"))
	ch.Push(stream.End())

	body, _ := encodeAll(t, ch)
	want := "data: step 1: launching\n\n" +
		"event: result\ndata: done\n\n" +
		"event: done\ndata: done\n\n"
	if body != want {
		t.Fatalf("unexpected body:\n%q\nwant\n%q", body, want)
	}
}

func TestEncoderFailedRunWithoutOutput(t *testing.T) {
	ch := stream.NewChannel()
	ch.Push(stream.Error("device disconnected"))
	ch.Push(stream.End())

	body, _ := encodeAll(t, ch)
	want := "event: error\ndata: device disconnected\n\nevent: done\ndata: done\n\n"
	if body != want {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestEncoderSplitsChunksIntoLines(t *testing.T) {
	ch := stream.NewChannel()
	ch.Push(stream.Chunk("a\nb\r\nc\rd", stream.SourceOut))
	ch.Push(stream.Chunk("no break", stream.SourceErr))
	ch.Push(stream.Chunk("trailing\n", stream.SourceOut))
	ch.Push(stream.End())

	_, events := encodeAll(t, ch)
	var lines []string
	for _, ev := range events {
		if ev.Kind == KindMessage {
			lines = append(lines, ev.Data)
		}
	}
	want := []string{"a", "b", "c", "d", "no break", "trailing"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	if last := events[len(events)-1]; last.Kind != KindDone {
		t.Fatalf("last event must be done, got %+v", last)
	}
}

func TestEncoderKeepsPendingLinesAcrossCancellation(t *testing.T) {
	ch := stream.NewChannel()
	enc := NewEncoder(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := enc.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	ch.Push(stream.Chunk("x\ny\n", stream.SourceOut))
	first, err := enc.Next(context.Background())
	if err != nil || first.Data != "x" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := enc.Next(context.Background())
	if err != nil || second.Data != "y" {
		t.Fatalf("second = %+v, %v", second, err)
	}
}

func TestEventWriteToMultilinePayload(t *testing.T) {
	var buf bytes.Buffer
	if _, err := (Event{Kind: KindError, Data: "line1\nline2"}).WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "event: error\ndata: line1\ndata: line2\n\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}

	parsed, err := Parse(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 1 || parsed[0].Kind != KindError || parsed[0].Data != "line1\nline2" {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestParseSkipsComments(t *testing.T) {
	input := ": ping\n\ndata: hello\n\nevent: done\ndata: done\n\n"
	events, err := Parse(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Event{{Kind: KindMessage, Data: "hello"}, {Kind: KindDone, Data: "done"}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v", events)
	}
}

func TestReaderYieldsEventsIncrementally(t *testing.T) {
	r := NewReader(bytes.NewBufferString("data: a\n\nevent: result\ndata: ok\n\ndata: partial\n"))
	first, err := r.Next()
	if err != nil || first != (Event{Kind: KindMessage, Data: "a"}) {
		t.Fatalf("first = %+v err=%v", first, err)
	}
	second, err := r.Next()
	if err != nil || second != (Event{Kind: KindResult, Data: "ok"}) {
		t.Fatalf("second = %+v err=%v", second, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("unterminated event should be dropped, got %v", err)
	}
}

func TestCollect(t *testing.T) {
	ch := stream.NewChannel()
	ch.Push(stream.Chunk("one\ntwo\n", stream.SourceOut))
	ch.Push(stream.Result("ok"))
	ch.Push(stream.End())

	outcome, lines, err := Collect(context.Background(), ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !outcome.OK || outcome.Result != "ok" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if strings.Join(lines, "\n") != "one\ntwo" {
		t.Fatalf("unexpected lines: %q", lines)
	}

	empty := stream.NewChannel()
	empty.Push(stream.End())
	outcome, _, err = Collect(context.Background(), empty)
	if err != nil || outcome.OK || outcome.Message == "" {
		t.Fatalf("run without outcome must be a failure: %+v %v", outcome, err)
	}
}
