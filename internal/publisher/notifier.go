// Package publisher announces committed change events to downstream
// consumers.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// Notifier publishes change events to a single topic. Failures are logged
// and counted and never surface to the caller.
type Notifier struct {
	pub    harvest.Publisher
	topic  string
	logger *zap.Logger
}

// NewNotifier returns a Notifier. A nil pub disables publishing.
func NewNotifier(pub harvest.Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}
}

// Notify publishes event.
func (n *Notifier) Notify(ctx context.Context, event harvest.ChangeEvent) {
	if n == nil || n.pub == nil {
		return
	}
	id, err := n.pub.Publish(ctx, n.topic, event)
	if err != nil {
		metrics.ObservePublishFailure()
		n.logger.Warn("publish change event failed",
			zap.String("event_id", event.ID),
			zap.String("project", event.ProjectID),
			zap.String("source", event.SourceID),
			zap.String("path", event.Path),
			zap.Error(err),
		)
		return
	}
	n.logger.Debug("published change event", zap.String("event_id", event.ID), zap.String("message_id", id))
}
