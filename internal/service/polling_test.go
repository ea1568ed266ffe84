package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

const protocolFake domain.Protocol = "fake"

// nullMessenger accepts every request and returns an empty response.
type nullMessenger struct{}

func (nullMessenger) Output(context.Context, *domain.Controller) (io.Writer, error) {
	return io.Discard, nil
}

func (nullMessenger) Input(context.Context, *domain.Controller) (io.Reader, error) {
	return strings.NewReader(""), nil
}

func (nullMessenger) Drain() error { return nil }
func (nullMessenger) Close() error { return nil }

type fakeDriver struct{}

func (fakeDriver) Protocol() domain.Protocol { return protocolFake }

func (fakeDriver) PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *comm.Operation {
	return comm.NewOperation(comm.SampleKind(period), c, domain.PriorityForPeriod(period),
		comm.NewPhase("sample", func(*comm.Message) (*comm.Phase, error) { return nil, nil }))
}

func (fakeDriver) SetupOperation(c *domain.Controller) *comm.Operation {
	return comm.NewOperation("setup", c, domain.PriorityPollLow,
		comm.NewPhase("query version", func(msg *comm.Message) (*comm.Phase, error) {
			msg.Controller().SetSetup("fake v1")
			return nil, nil
		}))
}

func (fakeDriver) CommandOperation(c *domain.Controller, cmd comm.Command) (*comm.Operation, error) {
	switch cmd.Name {
	case "reset":
		return comm.NewOperation("command-reset", c, domain.PriorityCommand,
			comm.NewPhase("reset", func(*comm.Message) (*comm.Phase, error) { return nil, nil })), nil
	case "fail":
		return comm.NewOperation("command-fail", c, domain.PriorityCommand,
			comm.NewPhase("fail", func(*comm.Message) (*comm.Phase, error) {
				return nil, fmt.Errorf("%w: negative acknowledge", domain.ErrProtocol)
			})), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCommand, cmd.Name)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (s *recordingSink) LogCommEvent(et domain.EventType, _ string, _ int, _ string) {
	s.mu.Lock()
	s.events = append(s.events, et)
	s.mu.Unlock()
}

func (s *recordingSink) LogSampleData(string, domain.SampleSet) {}

func (s *recordingSink) count(et domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == et {
			n++
		}
	}
	return n
}

func testLink(id string, controllers ...string) *domain.Link {
	link := &domain.Link{ID: id, URI: "tcp://127.0.0.1:4001", Protocol: protocolFake}
	for i, c := range controllers {
		link.Controllers = append(link.Controllers, &domain.Controller{ID: c, Drop: i + 1})
	}
	link.ApplyDefaults()
	return link
}

func testService(sink comm.EventSink) *PollingService {
	pm := NewProtocolManager()
	pm.Register(protocolFake, func(*domain.Link, comm.EventSink) (comm.Driver, error) {
		return fakeDriver{}, nil
	})
	s := NewPollingService(PollingConfig{ShutdownTimeout: 2 * time.Second}, pm, sink, nil, zerolog.Nop(), nil)
	s.SetOpener(func(*domain.Link) comm.OpenFunc {
		return func(context.Context) (messenger.Messenger, error) { return nullMessenger{}, nil }
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterLinkErrors(t *testing.T) {
	s := testService(nil)
	if err := s.RegisterLink(testLink("L1", "C1", "C2")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		link    *domain.Link
		wantErr error
	}{
		{name: "duplicate link", link: testLink("L1", "C9"), wantErr: domain.ErrLinkExists},
		{name: "controller on two links", link: testLink("L2", "C2"), wantErr: domain.ErrDuplicateController},
		{
			name:    "unknown protocol",
			link:    &domain.Link{ID: "L3", URI: "tcp://h:1", Protocol: "smoke-signal", Controllers: []*domain.Controller{{ID: "C3"}}},
			wantErr: domain.ErrProtocolNotRegistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RegisterLink(tt.link); !errors.Is(err, tt.wantErr) {
				t.Fatalf("RegisterLink() = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if err := s.UnregisterLink("L9"); !errors.Is(err, domain.ErrLinkNotFound) {
		t.Errorf("UnregisterLink() = %v", err)
	}
}

func TestStartQueuesSetup(t *testing.T) {
	s := testService(nil)
	if err := s.RegisterLink(testLink("L1", "C1", "C2")); err != nil {
		t.Fatal(err)
	}
	if err := s.HealthCheck(context.Background()); !errors.Is(err, domain.ErrServiceNotStarted) {
		t.Errorf("HealthCheck before start = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	for _, id := range []string{"C1", "C2"} {
		waitFor(t, id+" setup", func() bool {
			st, err := s.ControllerStatus(id)
			return err == nil && st.Setup == "fake v1"
		})
	}
	if got := s.Stats().SetupsQueued; got != 2 {
		t.Errorf("setups queued = %d, want 2", got)
	}
	waitFor(t, "link open", func() bool { return s.HealthCheck(context.Background()) == nil })
}

func TestPollLinkSkipsDuplicates(t *testing.T) {
	sink := &recordingSink{}
	s := testService(sink)
	if err := s.RegisterLink(testLink("L1", "C1", "C2")); err != nil {
		t.Fatal(err)
	}
	lp := s.links["L1"]
	stamp := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	// the poller is not started, so operations stay queued
	s.pollLink(lp, domain.Period30Sec, stamp)
	s.pollLink(lp, domain.Period30Sec, stamp.Add(domain.Period30Sec))

	st := s.Stats()
	if st.PollsScheduled != 2 || st.PollsSkipped != 2 {
		t.Errorf("stats = %+v", st)
	}
	ls, err := s.LinkStatus("L1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ls.Pending) != 2 || ls.Pending[0].Priority != "DATA_30_SEC" || ls.Pending[0].Kind != "sample-30s" {
		t.Fatalf("pending = %+v", ls.Pending)
	}

	if !s.Cancel(ls.Pending[0].ID) {
		t.Error("Cancel() = false for pending operation")
	}
	if s.Cancel(ls.Pending[0].ID) {
		t.Error("Cancel() = true twice")
	}

	if err := s.UnregisterLink("L1"); err != nil {
		t.Fatal(err)
	}
	if got := sink.count(domain.EventQueueDrained); got != 1 {
		t.Errorf("QUEUE_DRAINED events = %d, want 1", got)
	}
	if _, err := s.ControllerStatus("C1"); !errors.Is(err, domain.ErrControllerNotFound) {
		t.Errorf("ControllerStatus after unregister = %v", err)
	}
}

func TestCommand(t *testing.T) {
	s := testService(nil)
	if err := s.RegisterLink(testLink("L1", "C1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Command("C1", comm.Command{Name: "reset"}); !errors.Is(err, domain.ErrServiceNotStarted) {
		t.Fatalf("Command before start = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	done := make(chan bool, 1)
	if _, err := s.Command("C1", comm.Command{Name: "reset"}, func(op *comm.Operation) { done <- op.Success() }); err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Error("reset failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not complete")
	}

	tests := []struct {
		controller string
		command    string
		wantErr    error
	}{
		{"C1", "selfdestruct", domain.ErrUnsupportedCommand},
		{"C9", "reset", domain.ErrControllerNotFound},
	}
	for _, tt := range tests {
		if _, err := s.Command(tt.controller, comm.Command{Name: tt.command}); !errors.Is(err, tt.wantErr) {
			t.Errorf("Command(%s, %s) = %v, want %v", tt.controller, tt.command, err, tt.wantErr)
		}
	}
}

func TestStatusHandlers(t *testing.T) {
	s := testService(nil)
	if err := s.RegisterLink(testLink("L1", "C1")); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	body := rec.Body.String()
	for _, want := range []string{`"id":"L1"`, `"id":"C1"`, `"polls_scheduled":0`} {
		if !strings.Contains(body, want) {
			t.Errorf("status body %s missing %s", body, want)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status/controllers/{id}", s.ControllerHandler)
	tests := []struct {
		path string
		code int
	}{
		{"/status/controllers/C1", http.StatusOK},
		{"/status/controllers/C7", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
		}
	}
}

func TestDefaultProtocols(t *testing.T) {
	pm := DefaultProtocols()
	if got := strings.Join(pm.Protocols(), ","); got != "detector,modbus-rtu,ntcip,parking-json" {
		t.Errorf("protocols = %s", got)
	}
	link := &domain.Link{ID: "L1", URI: "tcp://h:1", Protocol: domain.ProtocolDetector, Controllers: []*domain.Controller{{ID: "D1", Drop: 1}}}
	d, err := pm.Driver(link, comm.NopSink{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Protocol() != domain.ProtocolDetector {
		t.Errorf("driver protocol = %s", d.Protocol())
	}
}
