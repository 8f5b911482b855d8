package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
)

// Handler processes one job. Returning nil acknowledges it; an error wrapped
// with Fatal dead-letters it; any other error schedules a retry until the
// job's MaxAttempts is reached.
type Handler func(ctx context.Context, job *Job) error

type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

type ConsumerConfig struct {
	Queue       string
	Concurrency int
	// Limiter caps how fast jobs are started across all workers of this
	// consumer. Nil, or a limiter with a non-positive rate, means unlimited.
	Limiter      *rate.Limiter
	JobTimeout   time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
}

type ConsumerStats struct {
	Queue        string `json:"queue"`
	Running      bool   `json:"running"`
	Concurrency  int    `json:"concurrency"`
	InFlight     int32  `json:"inFlight"`
	Succeeded    int64  `json:"succeeded"`
	Retried      int64  `json:"retried"`
	Deferred     int64  `json:"deferred"`
	DeadLettered int64  `json:"deadLettered"`
}

// leaseMargin is added to the job timeout so a lease never expires while the
// handler is still allowed to run.
const leaseMargin = 30 * time.Second

type Consumer struct {
	backend Backend
	cfg     ConsumerConfig
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	inFlight     atomic.Int32
	succeeded    atomic.Int64
	retried      atomic.Int64
	deferred     atomic.Int64
	deadLettered atomic.Int64

	now func() time.Time
}

func NewConsumer(backend Backend, cfg ConsumerConfig, handler Handler) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 2 * time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = time.Minute
	}
	if cfg.Retry.Jitter <= 0 {
		cfg.Retry.Jitter = 0.2
	}
	if cfg.Limiter != nil {
		// rate.NewLimiter(0, 0) would make every Wait fail.
		if cfg.Limiter.Limit() <= 0 {
			logger.Warnf("Ignoring non-positive rate limit for queue %s", cfg.Queue)
			cfg.Limiter = nil
		} else if cfg.Limiter.Burst() < 1 {
			cfg.Limiter.SetBurst(1)
		}
	}
	return &Consumer{
		backend: backend,
		cfg:     cfg,
		handler: handler,
		log:     logger.With("queue", cfg.Queue),
		now:     time.Now,
	}
}

// Start launches the worker goroutines. Jobs already running when ctx is
// cancelled see the cancellation through their own context.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return ErrNoHandler
	}
	if c.cfg.Queue == "" {
		return ErrEmptyQueue
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, c.stopCh, i)
	}

	c.log.Info().Int("concurrency", c.cfg.Concurrency).Msg("queue consumer started")
	return nil
}

// Stop stops claiming new jobs and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info().Msg("queue consumer stopped")
}

func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) Snapshot() ConsumerStats {
	return ConsumerStats{
		Queue:        c.cfg.Queue,
		Running:      c.IsRunning(),
		Concurrency:  c.cfg.Concurrency,
		InFlight:     c.inFlight.Load(),
		Succeeded:    c.succeeded.Load(),
		Retried:      c.retried.Load(),
		Deferred:     c.deferred.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

func (c *Consumer) lease() time.Duration {
	if c.cfg.JobTimeout > 0 {
		return c.cfg.JobTimeout + leaseMargin
	}
	return 5 * time.Minute
}

func (c *Consumer) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	defer c.wg.Done()

	// Per-worker RNG keeps jitter off the global source lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if c.cfg.Limiter != nil {
			if err := c.cfg.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error().Err(err).Msg("rate limiter wait failed")
				c.sleep(ctx, stopCh, c.cfg.PollInterval)
				continue
			}
		}

		job, err := c.backend.Claim(ctx, c.cfg.Queue, c.lease())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Error().Err(err).Msg("failed to claim job")
			}
			c.sleep(ctx, stopCh, c.cfg.PollInterval)
			continue
		}
		if job == nil {
			c.sleep(ctx, stopCh, c.cfg.PollInterval)
			continue
		}

		c.inFlight.Add(1)
		c.process(ctx, job, rng)
		c.inFlight.Add(-1)
	}
}

func (c *Consumer) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-t.C:
	}
}

func (c *Consumer) process(ctx context.Context, job *Job, rng *rand.Rand) {
	log := c.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()
	start := c.now()

	err := c.run(ctx, job)

	// Settle the job even if ctx was cancelled mid-run.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := c.backend.Ack(settleCtx, job); ackErr != nil {
			log.Warn().Err(ackErr).Msg("failed to acknowledge job")
			return
		}
		c.succeeded.Add(1)
		log.Debug().Dur("dur", time.Since(start)).Msg("job completed")
		return
	}

	if !IsFatal(err) && IsThrottled(err) && job.CanDefer() {
		delay := c.throttleDelay(err, rng)
		if dErr := c.backend.Defer(settleCtx, job, c.now().Add(delay), err.Error()); dErr != nil {
			log.Error().Err(dErr).Msg("failed to defer throttled job")
			return
		}
		c.deferred.Add(1)
		log.Debug().Err(err).Dur("delay", delay).Int("throttles", job.Throttles+1).Msg("job throttled, deferred")
		return
	}

	if IsFatal(err) || job.Attempt >= job.MaxAttempts {
		if dlErr := c.backend.DeadLetter(settleCtx, job, err.Error()); dlErr != nil {
			log.Error().Err(dlErr).Msg("failed to dead-letter job")
			return
		}
		c.deadLettered.Add(1)
		log.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("job dead-lettered")
		return
	}

	delay := c.backoff(job.Attempt, err, rng)
	if rErr := c.backend.Retry(settleCtx, job, c.now().Add(delay), err.Error()); rErr != nil {
		log.Error().Err(rErr).Msg("failed to schedule job retry")
		return
	}
	c.retried.Add(1)
	log.Warn().Err(err).Dur("delay", delay).Msg("job failed, retry scheduled")
}

func (c *Consumer) run(ctx context.Context, job *Job) (err error) {
	runCtx := ctx
	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.Error().Str("job_id", job.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("job handler panicked")
		}
	}()

	return c.handler(runCtx, job)
}

// throttleDelay spreads throttled jobs over [hint, 2*hint) so a burst that
// hit the same empty bucket does not come back in lockstep.
func (c *Consumer) throttleDelay(err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	d := c.cfg.Retry.Base
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d = ra.RetryAfter()
	}
	if rng != nil {
		d += time.Duration(rng.Float64() * float64(d))
	}
	if d > c.cfg.Retry.Max {
		d = c.cfg.Retry.Max
	}
	return d
}

// backoff returns the redelivery delay after the given attempt. A RetryAfter
// hint replaces the exponential schedule; both are capped at Retry.Max.
func (c *Consumer) backoff(attempt int, err error, rng *rand.Rand) time.Duration {
	p := c.cfg.Retry

	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > p.Max {
				break
			}
		}
	}
	if d > p.Max {
		d = p.Max
	}

	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}
