package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/progress"
)

// PublishSink publishes each event as a JSON message on a topic.
type PublishSink struct {
	pub    harvest.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink builds a sink publishing to topic through pub.
func NewPublishSink(pub harvest.Publisher, topic string, logger *zap.Logger) (*PublishSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes every event, continuing past failures, and returns the
// joined errors.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s: %w", evt.WorkID, evt.Stage, err))
			continue
		}
		s.logger.Debug("progress event published", zap.String("work_id", evt.WorkID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
