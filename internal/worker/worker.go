// Package worker runs the background loop that claims queued download
// jobs and hands them to the orchestrator one at a time.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/internal/storage"
)

// Processor runs one claimed job to its terminal status.
type Processor interface {
	ProcessClaimed(ctx context.Context, job *storage.DownloadJob) error
}

// Claimer hands out queued jobs with at-most-once semantics.
type Claimer interface {
	ClaimNextJob(ctx context.Context) (*storage.DownloadJob, bool, error)
}

// Worker polls the queue and processes claimed jobs sequentially. One
// worker handles one job at a time; scale out by running more instances,
// the claim step keeps them from colliding.
type Worker struct {
	claimer   Claimer
	processor Processor
	log       *logrus.Logger

	// IdleDelay is the pause after finding the queue empty.
	IdleDelay time.Duration
	// ErrorDelay is the backoff after a claim or storage error.
	ErrorDelay time.Duration
}

// New builds a worker with the default delays.
func New(claimer Claimer, processor Processor, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		claimer:    claimer,
		processor:  processor,
		log:        log,
		IdleDelay:  10 * time.Second,
		ErrorDelay: 30 * time.Second,
	}
}

// Run loops until the context is cancelled. Job failures are terminal
// states on the job itself, not loop errors; only claim failures slow the
// loop down.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("worker stopped")
			return err
		}

		job, ok, err := w.claimer.ClaimNextJob(ctx)
		switch {
		case err != nil:
			w.log.WithError(err).Error("claiming next job")
			if !w.sleep(ctx, w.ErrorDelay) {
				return ctx.Err()
			}
		case !ok:
			if !w.sleep(ctx, w.IdleDelay) {
				return ctx.Err()
			}
		default:
			if err := w.processor.ProcessClaimed(ctx, job); err != nil {
				w.log.WithError(err).WithField("job_id", job.ID).Error("processing job")
			}
		}
	}
}

// sleep waits for d or until cancellation, reporting whether the loop
// should continue.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
