package comm

import (
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

// EventSink receives comm events and sample data from operation cleanups.
type EventSink interface {
	LogCommEvent(et domain.EventType, linkID string, drop int, controllerID string)
	LogSampleData(controllerID string, s domain.SampleSet)
}

// StatusPublisher receives controller status changes.
type StatusPublisher interface {
	PublishStatus(st domain.ControllerStatus)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) LogCommEvent(domain.EventType, string, int, string) {}
func (NopSink) LogSampleData(string, domain.SampleSet)             {}
func (NopSink) PublishStatus(domain.ControllerStatus)              {}

// MultiSink fans out to several sinks.
type MultiSink []EventSink

func (m MultiSink) LogCommEvent(et domain.EventType, linkID string, drop int, controllerID string) {
	for _, s := range m {
		s.LogCommEvent(et, linkID, drop, controllerID)
	}
}

func (m MultiSink) LogSampleData(controllerID string, s domain.SampleSet) {
	for _, sink := range m {
		sink.LogSampleData(controllerID, s)
	}
}

// MultiPublisher fans out status to several publishers.
type MultiPublisher []StatusPublisher

func (m MultiPublisher) PublishStatus(st domain.ControllerStatus) {
	for _, p := range m {
		p.PublishStatus(st)
	}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs at debug level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "event-log").Logger()}
}

func (s *LogSink) LogCommEvent(et domain.EventType, linkID string, drop int, controllerID string) {
	s.logger.Debug().
		Str("event", string(et)).
		Str("link_id", linkID).
		Int("drop", drop).
		Str("controller_id", controllerID).
		Msg("Comm event")
}

func (s *LogSink) LogSampleData(controllerID string, ss domain.SampleSet) {
	s.logger.Debug().
		Str("controller_id", controllerID).
		Time("stamp", ss.Timestamp).
		Int("period_sec", ss.PeriodSec).
		Int("start_pin", ss.StartPin).
		Ints("samples", ss.Samples).
		Msg("Sample data")
}
