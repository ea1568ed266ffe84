package domain

import (
	"time"
)

// EventType identifies a communication event written to the event log.
type EventType string

const (
	EventCommError        EventType = "COMM_ERROR"
	EventPollTimeoutError EventType = "POLL_TIMEOUT_ERROR"
	EventChecksumError    EventType = "CHECKSUM_ERROR"
	EventParsingError     EventType = "PARSING_ERROR"
	EventProtocolError    EventType = "PROTOCOL_ERROR"
	EventAuthError        EventType = "AUTH_ERROR"
	EventCommFailed       EventType = "COMM_FAILED"
	EventCommRestored     EventType = "COMM_RESTORED"
	EventQueueDrained     EventType = "QUEUE_DRAINED"
)

// EventTypeFor returns the event logged for a failure of the given kind.
func EventTypeFor(k ErrorKind) EventType {
	switch k {
	case KindTimeout:
		return EventPollTimeoutError
	case KindChecksum:
		return EventChecksumError
	case KindParsing:
		return EventParsingError
	case KindProtocol:
		return EventProtocolError
	case KindAuthorization:
		return EventAuthError
	case KindNone, KindTransport:
		return EventCommError
	default:
		return EventCommError
	}
}

// MissingData marks a sample slot with no valid reading.
const MissingData = -1

// SampleSet is one batch of periodic samples read from a controller.
type SampleSet struct {
	// Timestamp is the end of the sample period
	Timestamp time.Time `json:"timestamp"`

	// PeriodSec is the sample period in seconds
	PeriodSec int `json:"period_sec"`

	// StartPin is the first input pin the samples belong to (1-based)
	StartPin int `json:"start_pin"`

	// Samples holds one value per pin, MissingData where unknown
	Samples []int `json:"samples"`

	// MaxValid is the largest value considered valid
	MaxValid int `json:"max_valid"`
}

// Clamp replaces values outside [0, MaxValid] with MissingData.
func (s *SampleSet) Clamp() {
	for i, v := range s.Samples {
		if v < 0 || v > s.MaxValid {
			s.Samples[i] = MissingData
		}
	}
}

// CommEvent is one entry of the comm event log.
type CommEvent struct {
	Time         time.Time `json:"time"`
	Type         EventType `json:"event"`
	LinkID       string    `json:"link_id"`
	Drop         int       `json:"drop"`
	ControllerID string    `json:"controller_id"`
}

// SampleRecord is a sample set tagged with the controller it was read from.
type SampleRecord struct {
	ControllerID string `json:"controller_id"`
	SampleSet
}

// Record holds either an event or a sample record headed for the event store.
type Record struct {
	Event  *CommEvent
	Sample *SampleRecord
}

// EventBatch collects records for one database write.
type EventBatch struct {
	Events  []CommEvent
	Samples []SampleRecord
	created time.Time
}

// NewEventBatch creates an empty batch sized for capacity records.
func NewEventBatch(capacity int) *EventBatch {
	return &EventBatch{
		Events:  make([]CommEvent, 0, capacity),
		created: time.Now(),
	}
}

// Add appends r to the batch.
func (b *EventBatch) Add(r Record) {
	if r.Event != nil {
		b.Events = append(b.Events, *r.Event)
	}
	if r.Sample != nil {
		b.Samples = append(b.Samples, *r.Sample)
	}
}

// Size returns the number of records in the batch.
func (b *EventBatch) Size() int {
	return len(b.Events) + len(b.Samples)
}

// Age returns the time since the batch was created.
func (b *EventBatch) Age() time.Duration {
	return time.Since(b.created)
}
