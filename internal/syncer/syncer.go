// Package syncer drains the durable write queue to the ingest endpoint when
// connectivity returns, on a schedule, or on demand.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/wellsync/wellsync/internal/metrics"
	"github.com/wellsync/wellsync/internal/queue"
	"github.com/wellsync/wellsync/pkg/model"
)

// Result summarizes one drain pass.
type Result struct {
	Attempted    int
	Succeeded    int
	Failed       int
	DeadLettered int
	// Skipped is set when another drain was already running.
	Skipped bool
}

// Coordinator delivers queued records one at a time. A record is removed
// only after the submitter confirmed it; a failure is recorded on the
// record and the pass moves on to the next one.
type Coordinator struct {
	queue     queue.Queue
	submitter Submitter
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger

	running atomic.Bool
	trigger chan string

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a coordinator over q.
func New(q queue.Queue, s Submitter, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		queue:     q,
		submitter: s,
		cfg:       cfg,
		logger:    logger.With("component", "syncer"),
		trigger:   make(chan string, 1),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// Drain attempts delivery of every live record, sequentially. It returns
// an error only when the queue cannot be listed or ctx ends; individual
// submission failures are counted in the result.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer c.running.Store(false)

	records, err := c.queue.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list queue: %w", err)
	}

	var res Result
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, model.WrapError(err)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return res, model.WrapError(err)
			}
		}

		res.Attempted++
		start := time.Now()
		err := c.submitter.Submit(ctx, rec)
		metrics.SyncLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			res.Succeeded++
			metrics.SyncRecords.WithLabelValues("ok").Inc()
			if err := c.queue.RemoveByID(ctx, rec.ID); err != nil {
				// The write is confirmed; the record will be re-sent and
				// deduplicated by its idempotency key.
				c.logger.Warn("Failed to remove delivered record", "id", rec.ID, "error", err)
			}
			continue
		}

		if model.IsCanceled(err) && ctx.Err() != nil {
			return res, model.WrapError(ctx.Err())
		}

		res.Failed++
		outcome := "retryable"
		if IsFatal(err) {
			outcome = "fatal"
		}
		metrics.SyncRecords.WithLabelValues(outcome).Inc()

		updated, markErr := c.queue.MarkFailed(ctx, rec.ID, err)
		if markErr != nil {
			c.logger.Warn("Failed to record attempt", "id", rec.ID, "error", markErr)
			continue
		}
		if updated.DeadLettered {
			res.DeadLettered++
		}
		c.logger.Debug("Record submission failed", "id", rec.ID, "attempts", updated.Attempts, "fatal", outcome == "fatal", "error", err)
	}

	if res.Attempted > 0 {
		c.logger.Info("Queue drained",
			"attempted", res.Attempted,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"dead_lettered", res.DeadLettered,
		)
	}
	return res, nil
}

// NotifyOnline requests a drain because connectivity was restored.
func (c *Coordinator) NotifyOnline() {
	c.Trigger("online")
}

// Trigger requests a drain from the background loop. Requests arriving
// while one is pending are merged.
func (c *Coordinator) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// Start runs the background loop until ctx ends or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return fmt.Errorf("syncer already started")
	}

	if c.cfg.Schedule != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(c.cfg.Schedule, func() { c.Trigger("schedule") }); err != nil {
			return fmt.Errorf("invalid sync schedule %q: %w", c.cfg.Schedule, err)
		}
		c.cron.Start()
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.loop(ctx, c.stop, c.stopped)
	c.logger.Info("Background sync started", "schedule", c.cfg.Schedule)
	return nil
}

func (c *Coordinator) loop(ctx context.Context, stop, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case reason := <-c.trigger:
			metrics.SyncRuns.WithLabelValues(reason).Inc()
			if _, err := c.Drain(ctx); err != nil && !model.IsCanceled(err) {
				c.logger.Warn("Drain failed", "trigger", reason, "error", err)
			}
		}
	}
}

// Stop ends the background loop and waits for an in-flight drain.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stop, stopped, cr := c.stop, c.stopped, c.cron
	c.stop, c.stopped, c.cron = nil, nil, nil
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if stop != nil {
		close(stop)
		<-stopped
	}
}
