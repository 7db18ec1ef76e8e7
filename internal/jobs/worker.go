package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/chainlance/internal/metrics"
)

type WorkerPool struct {
	repo         *Repository
	handlers     map[string]Handler
	logger       *slog.Logger
	workerCount  int
	pollInterval time.Duration
	backoff      func(attempt int) time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

type PoolOption func(*WorkerPool)

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *WorkerPool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithBackoff replaces BackoffDuration as the retry schedule.
func WithBackoff(fn func(attempt int) time.Duration) PoolOption {
	return func(p *WorkerPool) {
		if fn != nil {
			p.backoff = fn
		}
	}
}

func NewWorkerPool(repo *Repository, handlers map[string]Handler, logger *slog.Logger, workerCount int, opts ...PoolOption) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		repo:         repo,
		handlers:     handlers,
		logger:       logger,
		workerCount:  workerCount,
		pollInterval: 500 * time.Millisecond,
		backoff:      BackoffDuration,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start requeues jobs interrupted by a previous run and launches the worker
// goroutines.
func (p *WorkerPool) Start(ctx context.Context) {
	if n, err := p.repo.RequeueRunning(ctx); err != nil {
		p.logger.Error("requeue running jobs", slog.Any("error", err))
	} else if n > 0 {
		p.logger.Info("requeued interrupted jobs", slog.Int64("count", n))
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals workers to stop and waits for them
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// wait sleeps for d unless the pool is stopping. It reports whether the
// worker should keep going.
func (p *WorkerPool) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Info("worker stopping", slog.Int("id", id))
			return
		case <-ctx.Done():
			p.logger.Info("context canceled, worker exiting", slog.Int("id", id))
			return
		default:
		}

		job, err := p.repo.FetchNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("fetch job", slog.Any("error", err))
			}
			if !p.wait(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			if !p.wait(ctx, p.pollInterval) {
				return
			}
			continue
		}
		p.process(ctx, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, job *Job) {
	log := p.logger.With(slog.Int64("job_id", job.ID), slog.String("type", job.Type))

	h, ok := p.handlers[job.Type]
	if !ok {
		job.Status = StatusFailed
		job.LastError = "no handler"
		p.deadLetter(ctx, log, job)
		return
	}

	err := h(ctx, job)
	if err == nil {
		job.Status = StatusDone
		job.NextTryAt = nil
		if upErr := p.repo.UpdateJob(ctx, job); upErr != nil {
			log.Error("mark job done", slog.Any("error", upErr))
		}
		metrics.JobsTotal.WithLabelValues(job.Type, StatusDone).Inc()
		log.Debug("job done")
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if errors.Is(err, ErrPermanent) || job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		if !errors.Is(err, ErrPermanent) {
			log.Warn("job exhausted", slog.Any("error", ErrMaxAttempts), slog.Int("attempts", job.Attempts))
		}
		p.deadLetter(ctx, log, job)
		return
	}

	t := time.Now().Add(p.backoff(job.Attempts))
	job.NextTryAt = &t
	job.Status = StatusRetry
	if upErr := p.repo.UpdateJob(ctx, job); upErr != nil {
		log.Error("update job for retry", slog.Any("error", upErr))
	}
	metrics.JobsTotal.WithLabelValues(job.Type, StatusRetry).Inc()
	log.Info("job scheduled for retry", slog.Int("attempt", job.Attempts), slog.String("last_error", job.LastError))
}

func (p *WorkerPool) deadLetter(ctx context.Context, log *slog.Logger, job *Job) {
	if err := p.repo.MoveToDeadLetter(ctx, job); err != nil {
		log.Error("move to dead letter", slog.Any("error", err))
	}
	metrics.JobsTotal.WithLabelValues(job.Type, StatusFailed).Inc()
	log.Warn("job dead-lettered", slog.String("last_error", job.LastError))
}

// Enqueue convenience helper that creates a job and persists it
func (p *WorkerPool) Enqueue(ctx context.Context, typ string, payload any, priority int, maxAttempts int) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	j := &Job{Type: typ, Payload: b, Priority: priority, MaxAttempts: maxAttempts, ScheduledAt: time.Now()}
	return p.repo.Enqueue(ctx, j)
}

// EnqueueRefresh queues a refresh of account unless one is already pending.
// It returns 0 when the request was coalesced.
func (p *WorkerPool) EnqueueRefresh(ctx context.Context, account string, maxAttempts int) (int64, error) {
	b, err := json.Marshal(RefreshPayload{Account: account})
	if err != nil {
		return 0, err
	}
	pending, err := p.repo.HasPending(ctx, TypeRefresh, b)
	if err != nil {
		return 0, err
	}
	if pending {
		return 0, nil
	}
	return p.repo.Enqueue(ctx, &Job{Type: TypeRefresh, Payload: b, Priority: 10, MaxAttempts: maxAttempts, ScheduledAt: time.Now()})
}
