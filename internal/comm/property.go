// Package comm is the device communication engine: operations built from
// phases, a per-link priority queue and the poller that drives operations
// over a messenger with retry and failure policy.
package comm

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/mnit-rtmc/iris-sub027/internal/adapter/messenger"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

// Property encodes one request and decodes its response.
//
// EncodeQuery failures are local precondition problems and should wrap
// domain.ErrProtocol. DecodeQuery failures are device faults and should wrap
// domain.ErrParsing or domain.ErrChecksum. Unwrapped errors are classified
// by the Message.
type Property interface {
	EncodeQuery(c *domain.Controller, w io.Writer) error
	DecodeQuery(c *domain.Controller, r io.Reader) error
}

// StoreProperty is a Property that can also write a value to the device.
type StoreProperty interface {
	EncodeStore(c *domain.Controller, w io.Writer) error
	DecodeStore(c *domain.Controller, r io.Reader) error
}

// Message binds one messenger and controller for the round trips of a
// single phase.
type Message struct {
	ctx    context.Context
	m      messenger.Messenger
	c      *domain.Controller
	logger zerolog.Logger
}

// NewMessage creates a message.
func NewMessage(ctx context.Context, m messenger.Messenger, c *domain.Controller, logger zerolog.Logger) *Message {
	return &Message{ctx: ctx, m: m, c: c, logger: logger}
}

// Context returns the round trip context.
func (msg *Message) Context() context.Context {
	return msg.ctx
}

// Controller returns the addressed controller.
func (msg *Message) Controller() *domain.Controller {
	return msg.c
}

// Logger returns the operation scoped logger.
func (msg *Message) Logger() zerolog.Logger {
	return msg.logger
}

// Messenger returns the underlying messenger.
func (msg *Message) Messenger() messenger.Messenger {
	return msg.m
}

// Query sends the property's query request and decodes the response.
func (msg *Message) Query(p Property) error {
	return msg.exchange(p.EncodeQuery, p.DecodeQuery)
}

// Store sends the property's store request and decodes the response.
func (msg *Message) Store(p StoreProperty) error {
	return msg.exchange(p.EncodeStore, p.DecodeStore)
}

func (msg *Message) exchange(
	encode func(*domain.Controller, io.Writer) error,
	decode func(*domain.Controller, io.Reader) error,
) error {
	// encoded before the messenger is touched so a local precondition
	// failure never reaches the wire, even on request/response transports
	var buf bytes.Buffer
	if err := encode(msg.c, &buf); err != nil {
		return tagErr(domain.ErrProtocol, err)
	}
	w, err := msg.m.Output(msg.ctx, msg.c)
	if err != nil {
		return err
	}
	if w != nil {
		// frames go out in a single write so datagram transports keep them whole
		msg.logger.Trace().Hex("tx", buf.Bytes()).Msg("Sending request")
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	r, err := msg.m.Input(msg.ctx, msg.c)
	if err != nil {
		return err
	}
	if err := decode(msg.c, r); err != nil {
		return tagErr(domain.ErrParsing, err)
	}
	return nil
}

// tagErr wraps err with sentinel unless it already carries one.
func tagErr(sentinel, err error) error {
	if domain.Tagged(err) {
		return err
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
