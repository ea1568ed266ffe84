package domain

import (
	"fmt"
	"time"
)

// Priority is the scheduling class of an operation. Lower values run first.
type Priority int

const (
	// PriorityCommand is for user-issued commands (camera moves, resets).
	PriorityCommand Priority = iota
	PriorityPollHigh
	PriorityPollLow
	PriorityData30Sec
	PriorityData5Min
	// PriorityDownload is for bulk configuration pushes.
	PriorityDownload
)

var priorityNames = [...]string{
	PriorityCommand:   "COMMAND",
	PriorityPollHigh:  "POLL_HIGH",
	PriorityPollLow:   "POLL_LOW",
	PriorityData30Sec: "DATA_30_SEC",
	PriorityData5Min:  "DATA_5_MIN",
	PriorityDownload:  "DOWNLOAD",
}

// String returns the priority class name.
func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("PRIORITY_%d", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	return p >= PriorityCommand && p <= PriorityDownload
}

// Higher reports whether p is scheduled ahead of other.
func (p Priority) Higher(other Priority) bool {
	return p < other
}

const (
	Period30Sec = 30 * time.Second
	Period5Min  = 5 * time.Minute
)

// PriorityForPeriod returns the priority class used for a sample poll with
// the given period.
func PriorityForPeriod(period time.Duration) Priority {
	switch period {
	case Period30Sec:
		return PriorityData30Sec
	case Period5Min:
		return PriorityData5Min
	default:
		return PriorityPollLow
	}
}
