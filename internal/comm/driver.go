package comm

import (
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// Command is a user-issued request for a controller, e.g. a detector reset.
type Command struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Driver builds operations for one controller protocol.
type Driver interface {
	// Protocol returns the protocol name the driver serves.
	Protocol() domain.Protocol

	// PollOperation returns the periodic sample operation for the period
	// ending at stamp, or nil when the protocol has nothing to sample.
	PollOperation(c *domain.Controller, period time.Duration, stamp time.Time) *Operation

	// SetupOperation returns the operation that reads setup/version
	// information, or nil when unsupported.
	SetupOperation(c *domain.Controller) *Operation

	// CommandOperation returns a COMMAND priority operation for cmd.
	CommandOperation(c *domain.Controller, cmd Command) (*Operation, error)
}

// SampleKind returns the operation kind used for a sample poll period.
func SampleKind(period time.Duration) string {
	return "sample-" + period.String()
}

// PeriodStamp rounds now down to the end of the last complete period.
func PeriodStamp(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	return now.Truncate(period)
}
