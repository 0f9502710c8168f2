package events

import (
	"context"
	"log/slog"

	"github.com/inaiurai/escrow/internal/models"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (*LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, e models.Event) error {
	attrs := []any{
		"seq", e.Seq,
		"event_id", e.ID,
		"type", e.Type,
		"actor", e.Actor,
	}
	if e.ProjectID != 0 {
		attrs = append(attrs, "project_id", e.ProjectID)
	}
	if e.MilestoneID != 0 {
		attrs = append(attrs, "milestone_id", e.MilestoneID)
	}
	if e.NewStatus != "" {
		attrs = append(attrs, "old_status", e.OldStatus, "new_status", e.NewStatus)
	}
	if e.Amount != 0 {
		attrs = append(attrs, "amount", e.Amount)
	}
	if e.PlatformFee != 0 || e.PayeeAmount != 0 {
		attrs = append(attrs, "platform_fee", e.PlatformFee, "payee_amount", e.PayeeAmount)
	}
	s.logger.InfoContext(ctx, "escrow event", attrs...)
	return nil
}
