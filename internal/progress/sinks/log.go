package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/chartsnap/internal/progress"
)

// LogSink writes pipeline events to zap. Routine slot and job transitions log
// at debug; stalls, failures and rejections are raised so they survive an
// info-level production logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger, or a no-op sink for nil.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume writes one entry per event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for i := range batch {
		evt := &batch[i]
		if ce := s.logger.Check(levelFor(evt.Stage), messageFor(evt.Stage)); ce != nil {
			ce.Write(eventFields(evt)...)
		}
	}
	return nil
}

// Close is a no-op; zap is synced by the owner of the logger.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageJobFailed, progress.StageJobStalled:
		return zapcore.WarnLevel
	case progress.StageAlertRejected, progress.StageJobRetried:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func messageFor(stage progress.Stage) string {
	switch stage {
	case progress.StageSlotCreated, progress.StageSlotDestroyed,
		progress.StageSlotAcquired, progress.StageSlotReleased:
		return "browser slot event"
	case progress.StageAlertRejected:
		return "alert rejected"
	default:
		return "capture job event"
	}
}

// eventFields skips identifiers the stage does not carry.
func eventFields(evt *progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("stage", string(evt.Stage)), zap.Time("event_ts", evt.TS))
	for _, kv := range [...]struct{ key, val string }{
		{"job_id", evt.JobID},
		{"tenant_id", evt.TenantID},
		{"slot_id", evt.SlotID},
		{"strategy", evt.Strategy},
		{"note", evt.Note},
	} {
		if kv.val != "" {
			fields = append(fields, zap.String(kv.key, kv.val))
		}
	}
	if evt.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", evt.Attempt))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	return fields
}
