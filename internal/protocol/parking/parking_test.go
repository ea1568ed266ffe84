package parking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

func TestOccupancyDecode(t *testing.T) {
	tests := []struct {
		name    string
		inputs  int
		body    string
		want    []int
		wantErr error
	}{
		{
			name:   "available slot",
			inputs: 5,
			body:   `{"1":{"available":true,"duration":12}}`,
			want:   []int{Vacant, domain.MissingData, domain.MissingData, domain.MissingData, domain.MissingData},
		},
		{
			name:   "missing key 5",
			inputs: 5,
			body:   `{"1":{"available":true,"duration":1},"2":{"available":false,"duration":40},"3":{"available":true,"duration":0},"4":{"available":false,"duration":7}}`,
			want:   []int{Vacant, Occupied, Vacant, Occupied, domain.MissingData},
		},
		{
			name:   "out of range keys ignored",
			inputs: 2,
			body:   `{"0":{"available":true},"2":{"available":false},"9":{"available":true}}`,
			want:   []int{domain.MissingData, Occupied},
		},
		{
			name:    "non numeric key",
			inputs:  2,
			body:    `{"a":{"available":true}}`,
			wantErr: domain.ErrParsing,
		},
		{
			name:    "truncated body",
			inputs:  2,
			body:    `{"1":{"available":tr`,
			wantErr: domain.ErrParsing,
		},
		{
			name:    "no slots",
			inputs:  0,
			body:    `{}`,
			wantErr: domain.ErrProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &domain.Controller{ID: "P1", Inputs: tt.inputs}
			prop := &OccupancyProperty{}
			err := prop.DecodeQuery(c, strings.NewReader(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeQuery() = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeQuery: %v", err)
			}
			if !reflect.DeepEqual(prop.Slots(), tt.want) {
				t.Errorf("slots = %v, want %v", prop.Slots(), tt.want)
			}
		})
	}
}

type recordSink struct {
	mu      sync.Mutex
	events  []domain.EventType
	samples []domain.SampleSet
}

func (s *recordSink) LogCommEvent(et domain.EventType, _ string, _ int, _ string) {
	s.mu.Lock()
	s.events = append(s.events, et)
	s.mu.Unlock()
}

func (s *recordSink) LogSampleData(_ string, ss domain.SampleSet) {
	s.mu.Lock()
	s.samples = append(s.samples, ss)
	s.mu.Unlock()
}

func (s *recordSink) has(et domain.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == et {
			return true
		}
	}
	return false
}

func newPoller(t *testing.T, srv *httptest.Server, sink *recordSink) (*comm.Poller, *domain.Link) {
	t.Helper()
	link := &domain.Link{
		ID:          "park",
		URI:         srv.URL,
		Protocol:    domain.ProtocolParkingJSON,
		Timeout:     time.Second,
		Retries:     domain.RetryCount(3),
		Token:       "secret",
		Controllers: []*domain.Controller{{ID: "P1", Path: "/lot/a", Inputs: 5}},
	}
	link.ApplyDefaults()
	open := func(ctx context.Context) (messenger.Messenger, error) {
		return messenger.Open(ctx, link.URI, messenger.Options{Timeout: link.Timeout, Token: link.Token})
	}
	p := comm.NewPoller(link, comm.PollerConfig{RetryDelay: time.Millisecond}, open, sink, nil, zerolog.Nop(), nil)
	t.Cleanup(p.Stop)
	return p, link
}

func run(t *testing.T, p *comm.Poller, op *comm.Operation) *comm.Operation {
	t.Helper()
	done := make(chan *comm.Operation, 1)
	op.OnCleanup(func(op *comm.Operation) { done <- op })
	if err := p.Enqueue(op); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Start(context.Background())
	select {
	case op := <-done:
		return op
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation")
		return nil
	}
}

func TestPollOccupancy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lot/a" || r.Header.Get(messenger.TokenHeader) != "secret" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"1":{"available":true,"duration":12},"2":{"available":false,"duration":3}}`))
	}))
	defer srv.Close()

	sink := &recordSink{}
	p, link := newPoller(t, srv, sink)
	drv, _ := NewDriver(link, sink)

	stamp := comm.PeriodStamp(time.Now(), domain.Period5Min)
	op := run(t, p, drv.PollOperation(link.Controllers[0], domain.Period5Min, stamp))
	if !op.Success() {
		t.Fatalf("poll failed: %v", op.Err())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) != 1 {
		t.Fatalf("sample sets = %d, want 1", len(sink.samples))
	}
	ss := sink.samples[0]
	want := []int{Vacant, Occupied, domain.MissingData, domain.MissingData, domain.MissingData}
	if !reflect.DeepEqual(ss.Samples, want) {
		t.Errorf("samples = %v, want %v", ss.Samples, want)
	}
	if ss.PeriodSec != 300 || ss.MaxValid != MaxValid {
		t.Errorf("sample set = %+v", ss)
	}
}

func TestUnauthorizedFailsController(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := &recordSink{}
	p, link := newPoller(t, srv, sink)
	drv, _ := NewDriver(link, sink)
	c := link.Controllers[0]

	op := run(t, p, drv.PollOperation(c, domain.Period30Sec, time.Now()))
	if op.Success() {
		t.Fatal("poll should fail")
	}
	if !errors.Is(op.Err(), domain.ErrUnauthorized) {
		t.Errorf("Err() = %v, want ErrUnauthorized", op.Err())
	}
	if op.Retries() != 0 || hits.Load() != 1 {
		t.Errorf("retries = %d, requests = %d; want no retry", op.Retries(), hits.Load())
	}
	if !c.IsFailed() {
		t.Error("controller should be failed")
	}
	if !sink.has(domain.EventAuthError) {
		t.Error("AUTH_ERROR not logged")
	}
}

func TestPollWithoutSlotsSendsNoRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sink := &recordSink{}
	p, link := newPoller(t, srv, sink)
	drv, _ := NewDriver(link, sink)
	c := link.Controllers[0]
	c.Inputs = 0

	op := run(t, p, drv.PollOperation(c, domain.Period30Sec, time.Now()))
	if !errors.Is(op.Err(), domain.ErrProtocol) {
		t.Fatalf("Err() = %v, want ErrProtocol", op.Err())
	}
	if hits.Load() != 0 {
		t.Errorf("requests = %d, want 0", hits.Load())
	}
}

func TestCommandUnsupported(t *testing.T) {
	drv, _ := NewDriver(nil, nil)
	if _, err := drv.CommandOperation(&domain.Controller{ID: "P1"}, comm.Command{Name: "reset"}); !errors.Is(err, domain.ErrUnsupportedCommand) {
		t.Errorf("CommandOperation() = %v", err)
	}
	if drv.SetupOperation(&domain.Controller{ID: "P1"}) != nil {
		t.Error("setup should be unsupported")
	}
}
