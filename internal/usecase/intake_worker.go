package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultIntakeTick = 10 * time.Millisecond

// TradeTrigger is one fired trade request queued for registration.
type TradeTrigger struct {
	RequestID  string
	ReceivedAt time.Time
}

// TradeRegistrar is the part of TradeService the intake worker drives.
type TradeRegistrar interface {
	RegisterNewTrade(ctx context.Context) (int64, error)
}

type intakeJob struct {
	trigger TradeTrigger
	done    chan struct{}
	err     error
}

// IntakeWorker decouples webhook handling from trade execution. Enqueue never
// blocks; a fast tick loop dispatches each queued trigger onto its own
// goroutine and reaps finished ones. A panic escaping the loop itself is
// fatal and stops the worker, which aborts the process group.
type IntakeWorker struct {
	registrar TradeRegistrar
	logger    *zap.Logger
	tick      time.Duration

	mu    sync.Mutex
	queue []TradeTrigger
	jobs  []*intakeJob
}

func NewIntakeWorker(registrar TradeRegistrar, logger *zap.Logger, tick time.Duration) *IntakeWorker {
	if tick == 0 {
		tick = defaultIntakeTick
	}
	return &IntakeWorker{registrar: registrar, logger: logger, tick: tick}
}

// Enqueue appends the trigger and returns immediately.
func (w *IntakeWorker) Enqueue(trigger TradeTrigger) {
	w.mu.Lock()
	w.queue = append(w.queue, trigger)
	w.mu.Unlock()
	w.logger.Info("trade trigger queued", zap.String("request_id", trigger.RequestID))
}

// PendingCount reports queued triggers plus jobs still running.
func (w *IntakeWorker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) + len(w.jobs)
}

// Run ticks until ctx is cancelled. Any error out of the loop body is
// returned and should bring the process down.
func (w *IntakeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.iterate(ctx); err != nil {
				w.logger.Error("intake loop failed, shutting down", zap.Error(err))
				return err
			}
		}
	}
}

func (w *IntakeWorker) iterate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("intake loop panic: %v", r)
		}
	}()

	w.reapJobs()

	trigger, ok := w.dequeue()
	if !ok {
		return nil
	}
	w.dispatch(ctx, trigger)
	return nil
}

func (w *IntakeWorker) dequeue() (TradeTrigger, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return TradeTrigger{}, false
	}
	trigger := w.queue[0]
	w.queue = w.queue[1:]
	return trigger, true
}

// dispatch runs the registration on its own goroutine so a slow saga never
// stalls the tick loop. Panics inside the job are contained to the job.
func (w *IntakeWorker) dispatch(ctx context.Context, trigger TradeTrigger) {
	job := &intakeJob{trigger: trigger, done: make(chan struct{})}

	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()

	go func() {
		defer close(job.done)
		defer func() {
			if r := recover(); r != nil {
				job.err = fmt.Errorf("trade registration panic: %v", r)
			}
		}()
		_, job.err = w.registrar.RegisterNewTrade(ctx)
	}()
}

func (w *IntakeWorker) reapJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.jobs[:0]
	for _, job := range w.jobs {
		select {
		case <-job.done:
			if job.err != nil {
				w.logger.Error("trade registration failed",
					zap.String("request_id", job.trigger.RequestID),
					zap.Error(job.err))
			} else {
				w.logger.Debug("trade registration finished",
					zap.String("request_id", job.trigger.RequestID))
			}
		default:
			remaining = append(remaining, job)
		}
	}
	w.jobs = remaining
}
