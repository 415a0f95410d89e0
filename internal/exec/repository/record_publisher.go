package repository

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"runlab/internal/common/mq"
	"runlab/internal/exec/model"
	"runlab/pkg/utils/logger"
)

// RecordPublisher emits one terminal record per execution to the message
// queue for the progress-tracking consumers. Publishing is fire-and-forget:
// a publish failure is logged and never fails the execution.
type RecordPublisher struct {
	queue mq.Producer
	topic string
}

// NewRecordPublisher creates the publisher.
func NewRecordPublisher(queue mq.Producer, topic string) *RecordPublisher {
	return &RecordPublisher{queue: queue, topic: topic}
}

// PublishTerminal sends the final execution record. Call exactly once per
// execution, after the terminal state is persisted.
func (p *RecordPublisher) PublishTerminal(ctx context.Context, exec model.Execution) {
	event := model.StatusEvent{
		Type:      model.StatusEventFinal,
		Execution: exec,
		CreatedAt: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "encode terminal record failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}

	msg := mq.NewMessage(body)
	msg.ID = exec.ID
	msg.SetHeader("session_id", exec.SessionID)
	msg.SetHeader("status", string(exec.Status))

	if err := p.queue.Publish(ctx, p.topic, msg); err != nil {
		logger.Error(ctx, "publish terminal record failed",
			zap.String("execution_id", exec.ID), zap.String("topic", p.topic), zap.Error(err))
	}
}
