package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/inaiurai/escrow/internal/escrow"
	"github.com/inaiurai/escrow/internal/models"
)

// ProcessDueArgs triggers one automation sweep.
type ProcessDueArgs struct{}

func (ProcessDueArgs) Kind() string { return "process_due" }

func (ProcessDueArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

// Automation is the part of escrow.Service the sweep needs.
type Automation interface {
	DueMilestones(ctx context.Context) []models.MilestoneID
	ProcessDue(ctx context.Context, ids []models.MilestoneID) []escrow.Outcome
}

type ProcessDueWorker struct {
	river.WorkerDefaults[ProcessDueArgs]
	automation Automation
	logger     *slog.Logger
}

func NewProcessDueWorker(a Automation, logger *slog.Logger) *ProcessDueWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessDueWorker{automation: a, logger: logger}
}

// Work runs ProcessDue over every due milestone. Per-milestone failures are
// logged and do not fail the job; the next sweep picks them up again.
func (w *ProcessDueWorker) Work(ctx context.Context, _ *river.Job[ProcessDueArgs]) error {
	ids := w.automation.DueMilestones(ctx)
	if len(ids) == 0 {
		return nil
	}
	outcomes := w.automation.ProcessDue(ctx, ids)
	for _, o := range outcomes {
		if o.Action == escrow.ActionFailed {
			w.logger.Warn("automation failed", "milestone_id", o.MilestoneID, "error", o.Error)
		}
	}
	w.logger.Info("automation sweep", "due", len(ids), "summary", escrow.Summarize(outcomes))
	return ctx.Err()
}

// PeriodicJobs schedules the automation sweep every interval.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ProcessDueArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
