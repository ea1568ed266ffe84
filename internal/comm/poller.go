package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// OpenFunc opens the messenger of a link.
type OpenFunc func(ctx context.Context) (messenger.Messenger, error)

// PollerConfig holds configuration for a link poller. Zero values are taken
// from the link or from defaults.
type PollerConfig struct {
	// Workers is the number of concurrent operations (1 for sequential links)
	Workers int

	// Retries is the retry budget of each operation (0 = the link's budget)
	Retries int

	// RetryDelay is the base delay between retries (exponential backoff applied)
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff
	MaxRetryDelay time.Duration

	// RoundTripTimeout bounds one phase, which may span several reads
	RoundTripTimeout time.Duration

	// MaxPhaseIterations bounds how often a phase may repeat itself
	MaxPhaseIterations int

	// FailThreshold is the consecutive failures before a controller is failed
	FailThreshold int

	// ReopenDelay is the wait after a failed messenger open
	ReopenDelay time.Duration

	// BreakerTimeout is how long the open circuit breaker stays open
	BreakerTimeout time.Duration

	// MaxPending bounds the queue (0 = unbounded)
	MaxPending int
}

// PollerStats is a snapshot of poller counters.
type PollerStats struct {
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Reopens   uint64 `json:"reopens"`
	Expired   uint64 `json:"expired"`
	Drained   uint64 `json:"drained"`
	Cancelled uint64 `json:"cancelled"`
}

type pollerStats struct {
	completed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	reopens   atomic.Uint64
	expired   atomic.Uint64
	drained   atomic.Uint64
	cancelled atomic.Uint64
}

// Poller drains the operation queue of one link over its messenger.
type Poller struct {
	link    *domain.Link
	config  PollerConfig
	backoff Backoff
	open    OpenFunc
	sink    EventSink
	status  StatusPublisher
	logger  zerolog.Logger
	metrics *metrics.Registry
	queue   *OpQueue
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time

	mu         sync.Mutex
	msgr       messenger.Messenger
	linkStatus string

	started  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stats    pollerStats
}

// NewPoller creates a poller for link.
func NewPoller(
	link *domain.Link,
	config PollerConfig,
	open OpenFunc,
	sink EventSink,
	status StatusPublisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Poller {
	if config.Workers <= 0 {
		config.Workers = link.Workers
	}
	if config.Workers <= 0 || !link.Scheme().Concurrent() {
		config.Workers = 1
	}
	if config.Retries <= 0 {
		config.Retries = link.RetryBudget()
	}
	if config.FailThreshold <= 0 {
		config.FailThreshold = link.FailThreshold
	}
	if config.FailThreshold <= 0 {
		config.FailThreshold = domain.DefaultFailThreshold
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = 10 * time.Second
	}
	if config.RoundTripTimeout <= 0 {
		config.RoundTripTimeout = 4 * link.Timeout
		if config.RoundTripTimeout < 2*time.Second {
			config.RoundTripTimeout = 2 * time.Second
		}
	}
	if config.MaxPhaseIterations <= 0 {
		config.MaxPhaseIterations = 256
	}
	if config.ReopenDelay <= 0 {
		config.ReopenDelay = 5 * time.Second
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = NopSink{}
	}
	if status == nil {
		status = NopSink{}
	}

	p := &Poller{
		link:       link,
		config:     config,
		backoff:    Backoff{Base: config.RetryDelay, Max: config.MaxRetryDelay},
		open:       open,
		sink:       sink,
		status:     status,
		logger:     logger.With().Str("component", "poller").Str("link_id", link.ID).Logger(),
		metrics:    metricsReg,
		now:        time.Now,
		linkStatus: "CLOSED",
	}
	p.queue = NewOpQueue(config.MaxPending, p.expire)
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        link.ID,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Messenger circuit breaker state changed")
		},
	})
	return p
}

// Link returns the polled link.
func (p *Poller) Link() *domain.Link {
	return p.link
}

// Start launches the workers.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info().
		Str("uri", p.link.URI).
		Int("workers", p.config.Workers).
		Int("controllers", len(p.link.Controllers)).
		Msg("Starting link poller")

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(p.ctx)
	}
}

// Stop cancels the workers, waits for in-flight round trips, drains the
// queue and closes the messenger. Every drained operation gets a
// QUEUE_DRAINED event and its cleanup.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		drained := p.queue.Close()
		for _, op := range drained {
			p.sink.LogCommEvent(domain.EventQueueDrained, p.link.ID, op.controller.Drop, op.controller.ID)
			p.finish(op, domain.ErrQueueDrained)
			p.stats.drained.Add(1)
		}
		if len(drained) > 0 {
			p.logger.Info().Int("operations", len(drained)).Msg("Drained queue")
		}

		p.mu.Lock()
		if p.msgr != nil {
			p.msgr.Close()
			p.msgr = nil
		}
		p.linkStatus = "CLOSED"
		p.mu.Unlock()
		p.metrics.SetLinkConnected(p.link.ID, false)
		p.metrics.SetQueueDepth(p.link.ID, 0)
		p.logger.Info().Msg("Link poller stopped")
	})
}

// Enqueue queues op. COMMAND operations for failed controllers are rejected.
func (p *Poller) Enqueue(op *Operation) error {
	if op.priority == domain.PriorityCommand && op.controller.IsFailed() {
		return fmt.Errorf("%w: %s", domain.ErrControllerFailed, op.controller.ID)
	}
	if err := p.queue.Enqueue(op); err != nil {
		return err
	}
	p.metrics.SetQueueDepth(p.link.ID, p.queue.Len())
	return nil
}

// Cancel removes a pending operation. Operations already in flight are not
// affected.
func (p *Poller) Cancel(id string) bool {
	op, ok := p.queue.Remove(id)
	if !ok {
		return false
	}
	p.finish(op, domain.ErrCancelled)
	p.stats.cancelled.Add(1)
	p.metrics.SetQueueDepth(p.link.ID, p.queue.Len())
	return true
}

// Pending returns the queued operations in execution order.
func (p *Poller) Pending() []*Operation {
	return p.queue.Pending()
}

// Status returns the link status: OPEN, CLOSED or the last open error.
func (p *Poller) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkStatus
}

// Stats returns a snapshot of the poller counters.
func (p *Poller) Stats() PollerStats {
	return PollerStats{
		Completed: p.stats.completed.Load(),
		Failed:    p.stats.failed.Load(),
		Retries:   p.stats.retries.Load(),
		Reopens:   p.stats.reopens.Load(),
		Expired:   p.stats.expired.Load(),
		Drained:   p.stats.drained.Load(),
		Cancelled: p.stats.cancelled.Load(),
	}
}

func (p *Poller) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if _, err := p.messenger(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Dur("retry_in", p.config.ReopenDelay).Msg("Failed to open messenger")
			if sleep(ctx, p.config.ReopenDelay) != nil {
				return
			}
			continue
		}
		op, err := p.queue.Next(ctx)
		if err != nil {
			return
		}
		p.drive(ctx, op)
		p.queue.Done(op)
		p.metrics.SetQueueDepth(p.link.ID, p.queue.Len())
	}
}

// messenger returns the open messenger, opening it through the breaker.
func (p *Poller) messenger(ctx context.Context) (messenger.Messenger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgr != nil {
		return p.msgr, nil
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.open(ctx)
	})
	if err != nil {
		p.linkStatus = err.Error()
		p.metrics.SetLinkConnected(p.link.ID, false)
		if !domain.Tagged(err) {
			err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
		return nil, err
	}
	m, ok := res.(messenger.Messenger)
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: no messenger for %s", domain.ErrConnectionFailed, p.link.URI)
	}
	p.msgr = m
	p.linkStatus = "OPEN"
	p.metrics.SetLinkConnected(p.link.ID, true)
	p.logger.Debug().Msg("Messenger open")
	return p.msgr, nil
}

// invalidate closes m if it is still the current messenger so the next
// round trip reopens the link.
func (p *Poller) invalidate(m messenger.Messenger, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgr == nil || p.msgr != m {
		return
	}
	if err := p.msgr.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("Error closing messenger")
	}
	p.msgr = nil
	p.linkStatus = cause.Error()
	p.stats.reopens.Add(1)
	p.metrics.SetLinkConnected(p.link.ID, false)
}

// drive runs op's phase chain to completion.
func (p *Poller) drive(ctx context.Context, op *Operation) {
	c := op.controller
	logger := p.logger.With().
		Str("op_id", op.id).
		Str("controller_id", c.ID).
		Str("kind", op.kind).
		Logger()

	op.activate(p.now())
	var final error
	for {
		phase := op.currentPhase()
		if phase == nil {
			break
		}
		if ctx.Err() != nil {
			final = domain.ErrCancelled
			break
		}

		err := p.roundTrip(ctx, op, phase, logger)
		if err == nil {
			continue
		}

		kind := domain.Classify(err)
		p.commError(op, kind, err, logger)
		if !kind.Retryable() || op.Retries() >= p.config.Retries {
			final = err
			break
		}
		attempt := op.retried()
		p.stats.retries.Add(1)
		p.metrics.IncRetries(p.link.ID)
		delay := p.backoff.Delay(attempt)
		logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("phase", phase.Name()).
			Msg("Retrying phase")
		if sleep(ctx, delay) != nil {
			final = domain.ErrCancelled
			break
		}
	}
	p.complete(op, final, logger)
}

// roundTrip runs one phase. The round trip runs to completion even when
// ctx is cancelled so partial exchanges are never cut short.
func (p *Poller) roundTrip(ctx context.Context, op *Operation, phase *Phase, logger zerolog.Logger) error {
	m, err := p.messenger(ctx)
	if err != nil {
		return err
	}
	rtCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.RoundTripTimeout)
	defer cancel()

	next, err := runPhase(phase, NewMessage(rtCtx, m, op.controller, logger))
	if err != nil {
		p.resync(m, op.controller, err, logger)
		return err
	}
	if n := op.advance(next); n >= p.config.MaxPhaseIterations {
		return fmt.Errorf("%w: %s ran %d times", domain.ErrPhaseLoop, phase.Name(), n+1)
	}
	return nil
}

// resync resynchronizes the messenger after a failed round trip. Shared
// channels are drained or reopened; controller scoped messengers only
// discard the failed controller's exchange, as their transport reconnects
// per request.
func (p *Poller) resync(m messenger.Messenger, c *domain.Controller, err error, logger zerolog.Logger) {
	kind := domain.Classify(err)
	if scoped, ok := m.(messenger.ControllerScoped); ok {
		switch kind {
		case domain.KindTransport, domain.KindChecksum, domain.KindParsing, domain.KindTimeout:
			if derr := scoped.DrainController(c); derr != nil {
				logger.Debug().Err(derr).Msg("Drain failed")
			}
		}
		return
	}
	switch kind {
	case domain.KindTransport:
		p.invalidate(m, err)
	case domain.KindChecksum, domain.KindParsing:
		if derr := m.Drain(); derr != nil {
			logger.Debug().Err(derr).Msg("Drain failed")
		}
	}
}

func runPhase(phase *Phase, msg *Message) (next *Phase, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("%w: panic in phase %s: %v", domain.ErrProtocol, phase.Name(), r)
		}
	}()
	return phase.run(msg)
}

func (p *Poller) commError(op *Operation, kind domain.ErrorKind, err error, logger zerolog.Logger) {
	c := op.controller
	p.metrics.IncCommErrors(p.link.ID, kind.String())
	p.sink.LogCommEvent(domain.EventTypeFor(kind), p.link.ID, c.Drop, c.ID)
	logger.Warn().
		Err(err).
		Str("error_kind", kind.String()).
		Int("drop", c.Drop).
		Int("retries", op.Retries()).
		Msg("Comm error")
}

// complete updates controller status, emits status events and finally runs
// the operation's cleanups.
func (p *Poller) complete(op *Operation, final error, logger zerolog.Logger) {
	now := p.now()
	c := op.controller

	switch {
	case final == nil:
		if c.RecordSuccess(now) {
			p.sink.LogCommEvent(domain.EventCommRestored, p.link.ID, c.Drop, c.ID)
			logger.Info().Msg("Controller communication restored")
		}
	case errors.Is(final, domain.ErrCancelled):
	default:
		kind := domain.Classify(final)
		failedNow := false
		switch {
		case kind == domain.KindAuthorization:
			failedNow = c.MarkFailed(now, final.Error())
		case kind.CountsAgainstController():
			failedNow = c.RecordFailure(now, p.config.FailThreshold)
		}
		if failedNow {
			p.sink.LogCommEvent(domain.EventCommFailed, p.link.ID, c.Drop, c.ID)
			logger.Warn().Err(final).Msg("Controller marked failed")
		}
	}

	duration := op.elapsed(now)
	switch {
	case final == nil:
		p.stats.completed.Add(1)
	case errors.Is(final, domain.ErrCancelled):
		p.stats.cancelled.Add(1)
	default:
		p.stats.failed.Add(1)
	}
	p.metrics.IncOperation(p.link.ID, op.priority.String(), final == nil)
	p.metrics.ObserveOperationDuration(p.link.ID, duration.Seconds())
	p.metrics.SetFailedControllers(p.link.ID, p.failedCount())
	p.status.PublishStatus(c.Status())

	logger.Debug().
		Bool("success", final == nil).
		Dur("duration", duration).
		Int("retries", op.Retries()).
		Msg("Operation done")
	p.finish(op, final)
}

// finish runs op's cleanups, containing any panic they raise.
func (p *Poller) finish(op *Operation, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("op_id", op.id).
				Interface("panic", r).
				Msg("Operation cleanup panicked")
		}
	}()
	op.finish(err)
}

func (p *Poller) expire(op *Operation) {
	p.finish(op, domain.ErrExpired)
	p.stats.expired.Add(1)
	p.logger.Debug().
		Str("op_id", op.id).
		Str("controller_id", op.controller.ID).
		Str("kind", op.kind).
		Msg("Operation expired before it ran")
}

func (p *Poller) failedCount() int {
	n := 0
	for _, c := range p.link.Controllers {
		if c.IsFailed() {
			n++
		}
	}
	return n
}
