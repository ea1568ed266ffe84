// Package domain contains the core entities of the communication engine.
// These are protocol-agnostic and shared by every transport and codec.
package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Scheme is the transport named by a link URI.
type Scheme string

const (
	SchemeSerial Scheme = "serial"
	SchemeTCP    Scheme = "tcp"
	SchemeUDP    Scheme = "udp"
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
)

// Concurrent reports whether independent sessions may share the transport.
func (s Scheme) Concurrent() bool {
	return s == SchemeHTTP || s == SchemeHTTPS
}

// Protocol names a controller protocol driver.
type Protocol string

const (
	ProtocolDetector    Protocol = "detector"
	ProtocolParkingJSON Protocol = "parking-json"
	ProtocolModbusRTU   Protocol = "modbus-rtu"
	ProtocolNTCIP       Protocol = "ntcip"
)

const (
	DefaultTimeout       = 750 * time.Millisecond
	DefaultRetries       = 3
	DefaultFailThreshold = 3
	MaxWorkers           = 8
)

// Link is a transport endpoint addressing one or more controllers.
type Link struct {
	// ID is the unique identifier for this link
	ID string `json:"id" yaml:"id"`

	// URI is the transport endpoint, e.g. "tcp://10.0.0.5:4001"
	URI string `json:"uri" yaml:"uri"`

	// Protocol selects the codec driver for every controller on the link
	Protocol Protocol `json:"protocol" yaml:"protocol"`

	// Timeout bounds each read from the messenger
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Retries is the retry budget for each operation; nil takes DefaultRetries
	// and an explicit 0 disables retries
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// FailThreshold is the number of consecutive failed operations before
	// a controller is marked failed
	FailThreshold int `json:"fail_threshold" yaml:"fail_threshold"`

	// Workers is the number of concurrent sessions (http/https only)
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// Periods are the sample polling periods assigned to the link
	Periods []time.Duration `json:"periods,omitempty" yaml:"periods,omitempty"`

	// Token is injected as x-access-token on http/https requests
	Token string `json:"-" yaml:"token,omitempty"`

	// Options holds protocol specific settings
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`

	// Controllers reachable through this link
	Controllers []*Controller `json:"controllers" yaml:"controllers"`
}

// Scheme returns the transport scheme of the link URI.
func (l *Link) Scheme() Scheme {
	u, err := url.Parse(l.URI)
	if err != nil {
		return ""
	}
	return Scheme(strings.ToLower(u.Scheme))
}

// RetryCount returns a retry budget suitable for Link.Retries.
func RetryCount(n int) *int {
	return &n
}

// RetryBudget returns the configured retry budget.
func (l *Link) RetryBudget() int {
	if l.Retries == nil {
		return DefaultRetries
	}
	return *l.Retries
}

// ApplyDefaults fills unset tuning values.
func (l *Link) ApplyDefaults() {
	if l.Timeout == 0 {
		l.Timeout = DefaultTimeout
	}
	if l.Retries == nil {
		l.Retries = RetryCount(DefaultRetries)
	}
	if l.FailThreshold == 0 {
		l.FailThreshold = DefaultFailThreshold
	}
	if l.Workers <= 0 || !l.Scheme().Concurrent() {
		l.Workers = 1
	}
	if l.Workers > MaxWorkers {
		l.Workers = MaxWorkers
	}
	for _, c := range l.Controllers {
		c.link = l.ID
	}
}

// Validate performs validation on the link configuration.
func (l *Link) Validate() error {
	if l.ID == "" {
		return ErrLinkIDRequired
	}
	if l.URI == "" {
		return ErrLinkURIRequired
	}
	switch l.Scheme() {
	case SchemeSerial, SchemeTCP, SchemeUDP, SchemeHTTP, SchemeHTTPS:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, l.URI)
	}
	if l.Protocol == "" {
		return ErrProtocolRequired
	}
	if l.Timeout != 0 && l.Timeout < 10*time.Millisecond {
		return ErrTimeoutTooShort
	}
	if l.Retries != nil && *l.Retries < 0 {
		return ErrNegativeRetries
	}
	for _, p := range l.Periods {
		if p < time.Second {
			return ErrPollPeriodTooShort
		}
	}
	if len(l.Controllers) == 0 {
		return ErrNoControllers
	}
	seen := make(map[string]struct{}, len(l.Controllers))
	for _, c := range l.Controllers {
		if c.ID == "" {
			return ErrControllerIDRequired
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateController, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.Drop < 0 || c.Drop > MaxDrop {
			return fmt.Errorf("%w: %s drop %d", ErrInvalidDropAddress, c.ID, c.Drop)
		}
	}
	return nil
}

// Controller returns the controller with the given id.
func (l *Link) Controller(id string) (*Controller, bool) {
	for _, c := range l.Controllers {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}
