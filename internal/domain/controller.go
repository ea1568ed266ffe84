package domain

import (
	"sync"
	"time"
)

// MaxDrop is the highest drop address accepted on a multidrop link.
const MaxDrop = 65535

// Controller is an addressable field device reachable through a Link.
// Configuration fields are fixed after load; status fields are only touched
// through the methods below.
type Controller struct {
	// ID is the unique identifier for this controller
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Drop is the multidrop or slave address
	Drop int `json:"drop" yaml:"drop"`

	// Path is appended to the link URI for network protocols
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Inputs is the number of detector pins or parking slots
	Inputs int `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Password is a per-controller credential (SNMP community, API token)
	Password string `json:"-" yaml:"password,omitempty"`

	link string

	mu          sync.RWMutex
	failed      bool
	failCount   int
	lastFail    time.Time
	lastSuccess time.Time
	setup       string
	maint       string
	failReason  string
}

// ControllerStatus is the status feed record of a controller.
type ControllerStatus struct {
	ID            string `json:"id"`
	Link          string `json:"link"`
	Failed        bool   `json:"failed"`
	LastFailMs    int64  `json:"last_fail_ms"`
	LastSuccessMs int64  `json:"last_success_ms,omitempty"`
	FailCount     int    `json:"fail_count"`
	Setup         string `json:"setup_string"`
	Maint         string `json:"maint_status,omitempty"`
	FailReason    string `json:"fail_reason,omitempty"`
}

// LinkID returns the id of the owning link.
func (c *Controller) LinkID() string {
	return c.link
}

// SetLink records the owning link id.
func (c *Controller) SetLink(id string) {
	c.link = id
}

// RecordSuccess clears the failure count and the failed flag.
// It reports whether the controller was failed before.
func (c *Controller) RecordSuccess(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	restored := c.failed
	c.failed = false
	c.failCount = 0
	c.failReason = ""
	c.lastSuccess = now
	return restored
}

// RecordFailure counts a failed operation. It reports whether this failure
// moved the controller into the failed state.
func (c *Controller) RecordFailure(now time.Time, threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	c.lastFail = now
	if c.failed {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	if c.failCount >= threshold {
		c.failed = true
		return true
	}
	return false
}

// MarkFailed sets the failed flag regardless of the failure count. It
// reports whether the flag changed.
func (c *Controller) MarkFailed(now time.Time, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFail = now
	c.failReason = reason
	if c.failed {
		return false
	}
	c.failed = true
	return true
}

// IsFailed reports whether the controller is failed.
func (c *Controller) IsFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// SetSetup stores the setup (version) string read from the device.
func (c *Controller) SetSetup(s string) {
	c.mu.Lock()
	c.setup = s
	c.mu.Unlock()
}

// SetMaintStatus stores the maintenance status read from the device.
func (c *Controller) SetMaintStatus(s string) {
	c.mu.Lock()
	c.maint = s
	c.mu.Unlock()
}

// Status returns a snapshot for the status feed.
func (c *Controller) Status() ControllerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := ControllerStatus{
		ID:         c.ID,
		Link:       c.link,
		Failed:     c.failed,
		FailCount:  c.failCount,
		Setup:      c.setup,
		Maint:      c.maint,
		FailReason: c.failReason,
	}
	if !c.lastFail.IsZero() {
		st.LastFailMs = c.lastFail.UnixMilli()
	}
	if !c.lastSuccess.IsZero() {
		st.LastSuccessMs = c.lastSuccess.UnixMilli()
	}
	return st
}
