package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Configuration errors
var (
	ErrLinkIDRequired        = errors.New("link id is required")
	ErrLinkURIRequired       = errors.New("link uri is required")
	ErrUnsupportedScheme     = errors.New("unsupported uri scheme")
	ErrProtocolRequired      = errors.New("protocol is required")
	ErrNoControllers         = errors.New("link has no controllers")
	ErrControllerIDRequired  = errors.New("controller id is required")
	ErrDuplicateController   = errors.New("duplicate controller id")
	ErrInvalidDropAddress    = errors.New("invalid drop address")
	ErrTimeoutTooShort       = errors.New("timeout must be at least 10ms")
	ErrPollPeriodTooShort    = errors.New("poll period must be at least 1s")
	ErrNegativeRetries       = errors.New("retries must not be negative")
	ErrLinkExists            = errors.New("link already registered")
	ErrLinkNotFound          = errors.New("link not found")
	ErrControllerNotFound    = errors.New("controller not found")
	ErrProtocolNotRegistered = errors.New("protocol not registered")
	ErrUnsupportedCommand    = errors.New("unsupported command")
	ErrServiceNotStarted     = errors.New("service not started")
)

// Communication errors. Every failure raised while talking to a controller
// wraps one of these so Classify can route it.
var (
	ErrTimeout          = errors.New("read timed out")
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrParsing          = errors.New("parsing error")
	ErrChecksum         = fmt.Errorf("%w: checksum mismatch", ErrParsing)
	ErrProtocol         = errors.New("protocol error")
	ErrUnauthorized     = errors.New("authorization rejected")
)

// Engine errors
var (
	ErrQueueClosed        = errors.New("operation queue closed")
	ErrQueueFull          = errors.New("operation queue full")
	ErrDuplicateOperation = errors.New("operation already queued")
	ErrControllerFailed   = errors.New("controller failed")
	ErrPhaseLoop          = errors.New("phase repeated too many times")
	ErrCancelled          = errors.New("operation cancelled")
	ErrExpired            = errors.New("operation expired")
	ErrQueueDrained       = errors.New("queue drained")
)

// Service errors
var (
	ErrMQTTConnectionFailed = errors.New("failed to connect to MQTT broker")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTPublishFailed    = errors.New("failed to publish MQTT message")
	ErrMQTTSubscribeFailed  = errors.New("failed to subscribe to MQTT topic")
	ErrInvalidTopic         = errors.New("invalid topic")
	ErrDBConnectionFailed   = errors.New("failed to connect to database")
	ErrDBWriteFailed        = errors.New("failed to write to database")
	ErrSinkStopped          = errors.New("event sink stopped")
)

// ErrorKind is the routing class of a communication failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTimeout
	KindTransport
	KindChecksum
	KindParsing
	KindProtocol
	KindAuthorization
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindChecksum:
		return "checksum"
	case KindParsing:
		return "parsing"
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may re-drive
// the same phase.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindTransport, KindChecksum, KindParsing:
		return true
	case KindNone, KindProtocol, KindAuthorization:
		return false
	default:
		return false
	}
}

// CountsAgainstController reports whether a failure of this kind is the
// device's fault and so counts toward its failed threshold.
func (k ErrorKind) CountsAgainstController() bool {
	switch k {
	case KindTimeout, KindTransport, KindChecksum, KindParsing, KindAuthorization:
		return true
	default:
		return false
	}
}

// Classify maps an error onto its ErrorKind. Errors that carry no sentinel
// are treated as transport failures.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindAuthorization
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrPhaseLoop):
		return KindProtocol
	case errors.Is(err, ErrChecksum):
		return KindChecksum
	case errors.Is(err, ErrParsing):
		return KindParsing
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

// Tagged reports whether err already wraps a communication sentinel, so
// codecs can pass it through without re-wrapping.
func Tagged(err error) bool {
	for _, s := range []error{
		ErrTimeout, ErrConnectionFailed, ErrConnectionClosed,
		ErrChecksum, ErrParsing, ErrProtocol, ErrUnauthorized,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
