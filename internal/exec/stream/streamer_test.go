package stream_test

import (
	"fmt"
	"testing"
	"time"

	"runlab/internal/exec/model"
	"runlab/internal/exec/stream"
	appErr "runlab/pkg/errors"
)

func collect(t *testing.T, sub *stream.Subscription, n int) []model.Event {
	t.Helper()
	out := make([]model.Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishOrderingAndSeq(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-1")

	sub, err := s.Subscribe("exec-1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	s.Publish("exec-1", model.EventStatus, model.StatusQueued, "", "")
	s.Publish("exec-1", model.EventOutput, "", model.StreamStdout, "hello\n")
	s.Publish("exec-1", model.EventCompleted, model.StatusCompleted, "", "")

	events := collect(t, sub, 3)
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
	if events[1].Data != "hello\n" {
		t.Fatalf("unexpected output payload %q", events[1].Data)
	}
	if !events[2].IsTerminal() {
		t.Fatal("last event should be terminal")
	}

	// Terminal event closes the stream.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestSubscribeUnknownExecution(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	_, err := s.Subscribe("missing", 0)
	if appErr.GetCode(err) != appErr.ExecutionNotFound {
		t.Fatalf("expected ExecutionNotFound, got %v", err)
	}
}

func TestReplayFromSeq(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-2")
	for i := 0; i < 10; i++ {
		s.Publish("exec-2", model.EventOutput, "", model.StreamStdout, fmt.Sprintf("line-%d", i))
	}

	sub, err := s.Subscribe("exec-2", 6)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	events := collect(t, sub, 5)
	if events[0].Seq != 6 {
		t.Fatalf("expected replay to start at seq 6, got %d", events[0].Seq)
	}
	if events[4].Seq != 10 {
		t.Fatalf("expected replay to end at seq 10, got %d", events[4].Seq)
	}
}

func TestReplayAfterTerminal(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-3")
	s.Publish("exec-3", model.EventOutput, "", model.StreamStdout, "out")
	s.Publish("exec-3", model.EventCompleted, model.StatusCompleted, "", "")

	sub, err := s.Subscribe("exec-3", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events := collect(t, sub, 2)
	if len(events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(events))
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after replay of ended stream")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestProducerNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-4")

	sub, err := s.Subscribe("exec-4", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Never read from sub; publishing far beyond the buffer must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			s.Publish("exec-4", model.EventOutput, "", model.StreamStdout, fmt.Sprintf("chunk-%d", i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The subscriber dropped oldest entries; what remains is the newest tail
	// in order.
	var got []model.Event
drain:
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		default:
			break drain
		}
	}
	if len(got) == 0 {
		t.Fatal("subscriber received nothing")
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("events out of order: %d then %d", got[i-1].Seq, got[i].Seq)
		}
	}
	if got[len(got)-1].Seq != 2000 {
		t.Fatalf("expected newest event retained, last seq %d", got[len(got)-1].Seq)
	}
}

func TestSingleTerminalEvent(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-5")
	s.Publish("exec-5", model.EventCompleted, model.StatusCompleted, "", "")
	// Anything after the terminal event is dropped.
	s.Publish("exec-5", model.EventFailed, model.StatusFailed, "", "")
	s.Publish("exec-5", model.EventOutput, "", model.StreamStdout, "late")

	sub, err := s.Subscribe("exec-5", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	events := collect(t, sub, 1)
	if len(events) != 1 || events[0].Type != model.EventCompleted {
		t.Fatalf("expected single completed event, got %+v", events)
	}
}

func TestRemoveClosesLiveSubscribers(t *testing.T) {
	t.Parallel()

	s := stream.NewStreamer()
	s.Open("exec-6")
	sub, err := s.Subscribe("exec-6", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s.Remove("exec-6", 0)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after remove")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after remove")
	}
	if _, err := s.Subscribe("exec-6", 0); err == nil {
		t.Fatal("expected subscribe to fail after remove")
	}
}
