package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/progress"
)

// LogSink emits one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failed harvests log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("work_id", evt.WorkID),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Key().String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("trigger", string(evt.Trigger)),
			zap.Time("ts", evt.TS),
		}
		if evt.Stage == progress.StageHarvestStart {
			s.logger.Info("harvest progress", fields...)
			continue
		}
		fields = append(fields,
			zap.Any("documents", evt.Documents),
			zap.Int("change_events", evt.ChangeEvents),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Stage == progress.StageHarvestError {
			s.logger.Warn("harvest progress", append(fields, zap.String("note", evt.Note))...)
			continue
		}
		s.logger.Info("harvest progress", fields...)
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
