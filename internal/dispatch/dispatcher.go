// Package dispatch moves queued render jobs to the remote renderer through
// river: the Dispatcher publishes messages, RenderWorker delivers them and
// ReconcileWorker re-publishes jobs that were never picked up.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelcast/backend/internal/metrics"
)

const recordTimeout = 5 * time.Second

// RenderDispatchArgs is the queue message. RenderJobID is the only field the
// worker needs for correlation.
type RenderDispatchArgs struct {
	JobType     string    `json:"jobType"`
	RenderJobID uuid.UUID `json:"renderJobId"`
	RequestedAt time.Time `json:"requestedAt"`
	Retry       bool      `json:"retry,omitempty"`
}

func (RenderDispatchArgs) Kind() string { return "render_dispatch" }

// InsertFunc publishes one message. Provided by main using river.Client.Insert.
type InsertFunc func(ctx context.Context, args RenderDispatchArgs) error

// Recorder stores the outcome of each enqueue attempt on the job row.
type Recorder interface {
	RecordEnqueue(ctx context.Context, id uuid.UUID, enqueueErr error) error
}

type Dispatcher struct {
	insert   InsertFunc
	recorder Recorder
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewDispatcher(insert InsertFunc, recorder Recorder, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{insert: insert, recorder: recorder, timeout: timeout, now: time.Now, log: log}
}

// Enqueue publishes a dispatch message within the configured timeout and
// records the attempt. The job row is never moved out of queued here.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID uuid.UUID, retry bool) error {
	ictx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.insert(ictx, RenderDispatchArgs{
		JobType:     "render",
		RenderJobID: jobID,
		RequestedAt: d.now().UTC(),
		Retry:       retry,
	})
	cancel()

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer rcancel()
	if recErr := d.recorder.RecordEnqueue(rctx, jobID, err); recErr != nil {
		d.log.Warn("record enqueue outcome failed", "job_id", jobID, "error", recErr)
	}

	if err != nil {
		metrics.Enqueues.WithLabelValues("error").Inc()
		d.log.Warn("render dispatch enqueue failed; job left queued", "job_id", jobID, "error", err)
		return fmt.Errorf("enqueue render job %s: %w", jobID, err)
	}
	metrics.Enqueues.WithLabelValues("ok").Inc()
	return nil
}
