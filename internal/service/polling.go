// Package service orchestrates the link pollers: it builds a driver and a
// poller per link, schedules periodic sample polls, routes commands and
// serves the status feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
)

// Opener returns the messenger open function for a link.
type Opener func(link *domain.Link) comm.OpenFunc

// PollingService owns one poller per link and feeds them operations.
type PollingService struct {
	config    PollingConfig
	protocols *ProtocolManager
	sink      comm.EventSink
	status    comm.StatusPublisher
	logger    zerolog.Logger
	metrics   *metrics.Registry
	opener    Opener
	now       func() time.Time

	mu          sync.RWMutex
	links       map[string]*linkPoller
	controllers map[string]*linkPoller

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   pollingStats
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	// Poller is the base poller configuration; zero fields come from the link
	Poller comm.PollerConfig

	// ShutdownTimeout bounds Stop when the caller gives no deadline
	ShutdownTimeout time.Duration

	// HTTPClient is used by http(s) messengers
	HTTPClient *http.Client
}

// PollingStats is a snapshot of the scheduling counters.
type PollingStats struct {
	PollsScheduled uint64 `json:"polls_scheduled"`
	PollsSkipped   uint64 `json:"polls_skipped"`
	SetupsQueued   uint64 `json:"setups_queued"`
	CommandsQueued uint64 `json:"commands_queued"`
}

type pollingStats struct {
	pollsScheduled atomic.Uint64
	pollsSkipped   atomic.Uint64
	setupsQueued   atomic.Uint64
	commandsQueued atomic.Uint64
}

// linkPoller ties a link to its driver and poller.
type linkPoller struct {
	link     *domain.Link
	driver   comm.Driver
	poller   *comm.Poller
	stopChan chan struct{}
	stopOnce sync.Once
}

func (lp *linkPoller) stop() {
	lp.stopOnce.Do(func() { close(lp.stopChan) })
}

// LinkStatus holds the current status of a link.
type LinkStatus struct {
	ID          string             `json:"id"`
	URI         string             `json:"uri"`
	Protocol    domain.Protocol    `json:"protocol"`
	Status      string             `json:"status"`
	Controllers int                `json:"controllers"`
	Failed      int                `json:"failed"`
	Pending     []PendingOperation `json:"pending"`
	Stats       comm.PollerStats   `json:"stats"`
}

// PendingOperation describes a queued operation.
type PendingOperation struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Controller string `json:"controller"`
	Priority   string `json:"priority"`
	State      string `json:"state"`
}

// NewPollingService creates a new polling service.
func NewPollingService(
	config PollingConfig,
	protocols *ProtocolManager,
	sink comm.EventSink,
	status comm.StatusPublisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = comm.NopSink{}
	}
	if status == nil {
		status = comm.NopSink{}
	}
	s := &PollingService{
		config:      config,
		protocols:   protocols,
		sink:        sink,
		status:      status,
		logger:      logger.With().Str("component", "polling-service").Logger(),
		metrics:     metricsReg,
		now:         time.Now,
		links:       make(map[string]*linkPoller),
		controllers: make(map[string]*linkPoller),
	}
	s.opener = s.openMessenger
	return s
}

// SetOpener replaces how link messengers are opened. It must be called
// before links are registered.
func (s *PollingService) SetOpener(o Opener) {
	s.opener = o
}

func (s *PollingService) openMessenger(link *domain.Link) comm.OpenFunc {
	opts := messenger.Options{
		Timeout:    link.Timeout,
		Token:      link.Token,
		HTTPClient: s.config.HTTPClient,
	}
	return func(ctx context.Context) (messenger.Messenger, error) {
		return messenger.Open(ctx, link.URI, opts)
	}
}

// Start launches the pollers of every registered link.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info().
		Int("links", len(s.links)).
		Int("controllers", len(s.controllers)).
		Msg("Starting polling service")

	for _, lp := range s.links {
		s.startLink(lp)
	}
	return nil
}

// Stop halts the schedulers and drains every poller.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()

	s.mu.RLock()
	pollers := make([]*linkPoller, 0, len(s.links))
	for _, lp := range s.links {
		pollers = append(pollers, lp)
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		var stopWg sync.WaitGroup
		for _, lp := range pollers {
			stopWg.Add(1)
			go func(lp *linkPoller) {
				defer stopWg.Done()
				lp.stop()
				lp.poller.Stop()
			}(lp)
		}
		stopWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info().Msg("All link pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for link pollers to stop")
		err = ctx.Err()
	}
	s.started.Store(false)
	return err
}

// RegisterLink creates the driver and poller of link and, when the service
// is running, starts polling it.
func (s *PollingService) RegisterLink(link *domain.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrLinkExists, link.ID)
	}
	for _, c := range link.Controllers {
		if owner, dup := s.controllers[c.ID]; dup {
			return fmt.Errorf("%w: %s already on link %s", domain.ErrDuplicateController, c.ID, owner.link.ID)
		}
	}

	driver, err := s.protocols.Driver(link, s.sink)
	if err != nil {
		return err
	}

	lp := &linkPoller{
		link:     link,
		driver:   driver,
		poller:   comm.NewPoller(link, s.config.Poller, s.opener(link), s.sink, s.status, s.logger, s.metrics),
		stopChan: make(chan struct{}),
	}
	s.links[link.ID] = lp
	for _, c := range link.Controllers {
		s.controllers[c.ID] = lp
	}

	s.logger.Info().
		Str("link_id", link.ID).
		Str("uri", link.URI).
		Str("protocol", string(link.Protocol)).
		Int("controllers", len(link.Controllers)).
		Msg("Registered link")

	if s.started.Load() {
		s.startLink(lp)
	}
	return nil
}

// UnregisterLink stops polling a link. Pending operations are drained with a
// QUEUE_DRAINED event each.
func (s *PollingService) UnregisterLink(linkID string) error {
	s.mu.Lock()
	lp, exists := s.links[linkID]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrLinkNotFound, linkID)
	}
	delete(s.links, linkID)
	for _, c := range lp.link.Controllers {
		delete(s.controllers, c.ID)
	}
	s.mu.Unlock()

	lp.stop()
	lp.poller.Stop()

	s.logger.Info().Str("link_id", linkID).Msg("Unregistered link")
	return nil
}

// startLink starts the poller, queues a setup query for every controller
// and launches one scheduler per sample period. Caller holds mu.
func (s *PollingService) startLink(lp *linkPoller) {
	lp.poller.Start(s.ctx)

	for _, c := range lp.link.Controllers {
		if op := lp.driver.SetupOperation(c); op != nil {
			if err := lp.poller.Enqueue(op); err != nil {
				s.logger.Debug().Err(err).Str("controller_id", c.ID).Msg("Setup query not queued")
				continue
			}
			s.stats.setupsQueued.Add(1)
		}
	}

	for _, period := range lp.link.Periods {
		s.wg.Add(1)
		go s.schedule(lp, period)
	}
}

// schedule polls every controller of the link at each period boundary.
func (s *PollingService) schedule(lp *linkPoller, period time.Duration) {
	defer s.wg.Done()

	logger := s.logger.With().Str("link_id", lp.link.ID).Dur("period", period).Logger()
	logger.Debug().Msg("Starting poll scheduler")

	for {
		next := comm.PeriodStamp(s.now(), period).Add(period)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-lp.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			s.pollLink(lp, period, next)
		}
	}
}

// pollLink queues the sample operation for the period ending at stamp on
// every controller of the link.
func (s *PollingService) pollLink(lp *linkPoller, period time.Duration, stamp time.Time) {
	for _, c := range lp.link.Controllers {
		op := lp.driver.PollOperation(c, period, stamp)
		if op == nil {
			continue
		}
		if err := lp.poller.Enqueue(op); err != nil {
			s.stats.pollsSkipped.Add(1)
			if errors.Is(err, domain.ErrDuplicateOperation) || errors.Is(err, domain.ErrQueueFull) {
				s.logger.Debug().
					Err(err).
					Str("link_id", lp.link.ID).
					Str("controller_id", c.ID).
					Str("kind", op.Kind()).
					Msg("Poll skipped")
				continue
			}
			s.logger.Warn().Err(err).Str("controller_id", c.ID).Msg("Failed to queue poll")
			continue
		}
		s.stats.pollsScheduled.Add(1)
	}
}

func (s *PollingService) linkFor(controllerID string) (*linkPoller, *domain.Controller, error) {
	s.mu.RLock()
	lp, ok := s.controllers[controllerID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrControllerNotFound, controllerID)
	}
	c, ok := lp.link.Controller(controllerID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrControllerNotFound, controllerID)
	}
	return lp, c, nil
}

// Enqueue queues op on the link owning its controller.
func (s *PollingService) Enqueue(op *comm.Operation) error {
	lp, _, err := s.linkFor(op.Controller().ID)
	if err != nil {
		return err
	}
	return lp.poller.Enqueue(op)
}

// Cancel removes a pending operation from whichever link holds it.
func (s *PollingService) Cancel(opID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lp := range s.links {
		if lp.poller.Cancel(opID) {
			return true
		}
	}
	return false
}

// Command builds and queues a COMMAND operation for a controller. onDone
// runs as a cleanup once the operation finishes.
func (s *PollingService) Command(controllerID string, cmd comm.Command, onDone ...func(*comm.Operation)) (*comm.Operation, error) {
	if !s.started.Load() {
		return nil, domain.ErrServiceNotStarted
	}
	lp, c, err := s.linkFor(controllerID)
	if err != nil {
		return nil, err
	}
	op, err := lp.driver.CommandOperation(c, cmd)
	if err != nil {
		return nil, err
	}
	for _, fn := range onDone {
		op.OnCleanup(fn)
	}
	if err := lp.poller.Enqueue(op); err != nil {
		return nil, err
	}
	s.stats.commandsQueued.Add(1)
	s.logger.Info().
		Str("controller_id", controllerID).
		Str("command", cmd.Name).
		Str("op_id", op.ID()).
		Msg("Command queued")
	return op, nil
}

// ControllerStatus returns the status feed record of a controller.
func (s *PollingService) ControllerStatus(controllerID string) (domain.ControllerStatus, error) {
	_, c, err := s.linkFor(controllerID)
	if err != nil {
		return domain.ControllerStatus{}, err
	}
	return c.Status(), nil
}

// Controllers returns the status of every controller, ordered by id.
func (s *PollingService) Controllers() []domain.ControllerStatus {
	s.mu.RLock()
	out := make([]domain.ControllerStatus, 0, len(s.controllers))
	for _, lp := range s.links {
		for _, c := range lp.link.Controllers {
			out = append(out, c.Status())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinkStatus returns the status of one link.
func (s *PollingService) LinkStatus(linkID string) (LinkStatus, error) {
	s.mu.RLock()
	lp, ok := s.links[linkID]
	s.mu.RUnlock()
	if !ok {
		return LinkStatus{}, fmt.Errorf("%w: %s", domain.ErrLinkNotFound, linkID)
	}
	return linkStatus(lp), nil
}

// Links returns the status of every link, ordered by id.
func (s *PollingService) Links() []LinkStatus {
	s.mu.RLock()
	out := make([]LinkStatus, 0, len(s.links))
	for _, lp := range s.links {
		out = append(out, linkStatus(lp))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func linkStatus(lp *linkPoller) LinkStatus {
	st := LinkStatus{
		ID:          lp.link.ID,
		URI:         lp.link.URI,
		Protocol:    lp.link.Protocol,
		Status:      lp.poller.Status(),
		Controllers: len(lp.link.Controllers),
		Stats:       lp.poller.Stats(),
	}
	for _, c := range lp.link.Controllers {
		if c.IsFailed() {
			st.Failed++
		}
	}
	pending := lp.poller.Pending()
	st.Pending = make([]PendingOperation, 0, len(pending))
	for _, op := range pending {
		st.Pending = append(st.Pending, PendingOperation{
			ID:         op.ID(),
			Kind:       op.Kind(),
			Controller: op.Controller().ID,
			Priority:   op.Priority().String(),
			State:      op.State().String(),
		})
	}
	return st
}

// Stats returns the scheduling counters.
func (s *PollingService) Stats() PollingStats {
	return PollingStats{
		PollsScheduled: s.stats.pollsScheduled.Load(),
		PollsSkipped:   s.stats.pollsSkipped.Load(),
		SetupsQueued:   s.stats.setupsQueued.Load(),
		CommandsQueued: s.stats.commandsQueued.Load(),
	}
}

// HealthCheck fails when the service is stopped or no link is open.
func (s *PollingService) HealthCheck(ctx context.Context) error {
	if !s.started.Load() {
		return domain.ErrServiceNotStarted
	}
	links := s.Links()
	if len(links) == 0 {
		return nil
	}
	for _, l := range links {
		if l.Status == "OPEN" {
			return nil
		}
	}
	return fmt.Errorf("no link open: %s: %s", links[0].ID, links[0].Status)
}

// StatusHandler serves links, controllers and counters as JSON.
func (s *PollingService) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"links":       s.Links(),
		"controllers": s.Controllers(),
		"stats":       s.Stats(),
	})
}

// ControllerHandler serves the status of the controller named by the {id}
// path value.
func (s *PollingService) ControllerHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.ControllerStatus(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
