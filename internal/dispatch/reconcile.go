package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// ReconcileArgs triggers one reconciliation pass.
type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "render_reconcile" }

// InsertOpts keeps at most one pending reconcile job at a time.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true, ByState: []rivertype.JobState{
		rivertype.JobStateAvailable, rivertype.JobStatePending, rivertype.JobStateRunning, rivertype.JobStateScheduled,
	}}}
}

type Reconciler interface {
	ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	jobs      Reconciler
	olderThan time.Duration
	log       *slog.Logger
}

func NewReconcileWorker(jobs Reconciler, olderThan time.Duration, log *slog.Logger) *ReconcileWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileWorker{jobs: jobs, olderThan: olderThan, log: log}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	n, err := w.jobs.ReconcileStale(ctx, w.olderThan)
	if err != nil {
		w.log.Error("render reconcile failed", "error", err)
		return err
	}
	w.log.Debug("render reconcile pass", "enqueued", n)
	return nil
}

// PeriodicReconcile schedules ReconcileArgs every interval, starting at boot.
func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return ReconcileArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
