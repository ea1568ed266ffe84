package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCheckerStatus(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("broker unreachable") })

	tests := []struct {
		name        string
		mqtt        Check
		links       Check
		wantStatus  string
		wantHealth  int
		wantReady   int
		wantMessage string
	}{
		{name: "all healthy", mqtt: ok, links: ok, wantStatus: StatusHealthy, wantHealth: 200, wantReady: 200},
		{name: "optional down", mqtt: down, links: ok, wantStatus: StatusDegraded, wantHealth: 503, wantReady: 200, wantMessage: "broker unreachable"},
		{name: "critical down", mqtt: ok, links: down, wantStatus: StatusUnhealthy, wantHealth: 503, wantReady: 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(Config{ServiceName: "commd", ServiceVersion: "test"}, zerolog.Nop())
			c.AddCheck("mqtt", tt.mqtt, false)
			c.AddCheck("links", tt.links, true)

			if got := c.Run(context.Background()).Status; got != tt.wantStatus {
				t.Errorf("status = %q, want %q", got, tt.wantStatus)
			}

			rec := httptest.NewRecorder()
			c.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantHealth {
				t.Errorf("/health = %d, want %d", rec.Code, tt.wantHealth)
			}
			if tt.wantMessage != "" && !strings.Contains(rec.Body.String(), tt.wantMessage) {
				t.Errorf("body %s missing %q", rec.Body.String(), tt.wantMessage)
			}

			rec = httptest.NewRecorder()
			c.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if rec.Code != tt.wantReady {
				t.Errorf("/health/ready = %d, want %d", rec.Code, tt.wantReady)
			}
		})
	}
}

func TestLiveHandler(t *testing.T) {
	c := NewChecker(Config{}, zerolog.Nop())
	c.AddCheck("links", CheckFunc(func(context.Context) error { return errors.New("down") }), true)
	rec := httptest.NewRecorder()
	c.LiveHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("live = %d %s", rec.Code, rec.Body.String())
	}
}
