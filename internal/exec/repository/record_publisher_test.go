package repository_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"runlab/internal/common/mq"
	"runlab/internal/exec/model"
	"runlab/internal/exec/repository"
)

// fakeProducer records published messages and optionally fails.
type fakeProducer struct {
	mu       sync.Mutex
	topics   []string
	messages []*mq.Message
	fail     bool
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("broker unavailable")
	}
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func TestPublishTerminalRecord(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	pub := repository.NewRecordPublisher(producer, "exec.status.final")

	exec := model.Execution{
		ID:        "e1",
		SessionID: "s1",
		Status:    model.StatusCompleted,
		ExitCode:  0,
	}
	pub.PublishTerminal(context.Background(), exec)

	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(producer.messages))
	}
	if producer.topics[0] != "exec.status.final" {
		t.Fatalf("unexpected topic %s", producer.topics[0])
	}

	msg := producer.messages[0]
	if msg.ID != "e1" {
		t.Fatalf("message id should be the execution id, got %s", msg.ID)
	}
	if sid, _ := msg.GetHeader("session_id"); sid != "s1" {
		t.Fatalf("unexpected session_id header %q", sid)
	}
	if status, _ := msg.GetHeader("status"); status != "completed" {
		t.Fatalf("unexpected status header %q", status)
	}

	var event model.StatusEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.Type != model.StatusEventFinal {
		t.Fatalf("expected final event type, got %s", event.Type)
	}
	if event.Execution.ID != "e1" || event.Execution.Status != model.StatusCompleted {
		t.Fatalf("unexpected embedded record %+v", event.Execution)
	}
}

func TestPublishTerminalSwallowsBrokerError(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{fail: true}
	pub := repository.NewRecordPublisher(producer, "exec.status.final")

	// Must not panic or propagate; terminal bookkeeping never fails on the
	// broker.
	pub.PublishTerminal(context.Background(), model.Execution{ID: "e1", Status: model.StatusFailed})
}
