// ============================================================================
// Consulta Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes jobs, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Look up the handler for the job type
//   3. Run it inside a span and a timeout context, recovering panics
//   4. Send result to resultCh
//   5. Repeat until taskCh is closed
//
// A result that cannot be delivered because the pool is stopping is
// dropped; the job stays in flight and is re-run after recovery.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/consulta-engine/pkg/types"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/consulta-engine/internal/worker"

// Worker represents a work execution unit
type Worker struct {
	id       string
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	registry *Registry
	tracer   trace.Tracer
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, registry *Registry) *Worker {
	return &Worker{
		id:       fmt.Sprintf("worker-%d", id),
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		registry: registry,
		tracer:   otel.Tracer(tracerName),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		timeout := task.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		outcome, err := w.execute(ctx, task.Job)
		cancel()

		result := Result{
			JobID:    task.Job.ID,
			Job:      task.Job,
			WorkerID: w.id,
			Success:  err == nil,
			Error:    err,
			Outcome:  outcome,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Warn("dropping result of stopping pool", "worker", w.id, "jobID", task.Job.ID)
		}
	}
}

// execute runs the registered handler inside a span
func (w *Worker) execute(ctx context.Context, job types.Job) (outcome Outcome, err error) {
	ctx, span := w.tracer.Start(ctx, job.Type,
		trace.WithAttributes(
			attribute.String("job.id", string(job.ID)),
			attribute.String("job.key", job.Key),
			attribute.String("job.target", job.TargetID),
			attribute.Int("job.attempt", job.Attempt),
			attribute.String("worker.id", w.id),
		))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			log.Error("handler panic", "worker", w.id, "jobID", job.ID, "type", job.Type, "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	h, ok := w.registry.Lookup(job.Type)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	return h.Handle(ctx, &job)
}
