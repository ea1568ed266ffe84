// Package modbus implements Modbus RTU on a multidrop link. Framing and
// CRC-16 come from the goburrow RTU packager; the link messenger carries
// the bytes so retry and failure policy stay with the poller.
package modbus

import (
	"errors"
	"fmt"
	"io"

	"github.com/goburrow/modbus"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	minSlave = 1
	maxSlave = 247

	exceptionBit  = 0x80
	exceptionSize = 5
	writeEchoSize = 8
	maxADU        = 256
)

// transporter sends one ADU over the messenger of a phase and reads back
// a complete response frame. It checks the slave id and CRC itself so the
// errors carry the right comm sentinel.
type transporter struct {
	msg      *comm.Message
	packager modbus.Packager
}

func (t *transporter) Send(req []byte) ([]byte, error) {
	ctx, c := t.msg.Context(), t.msg.Controller()
	w, err := t.msg.Messenger().Output(ctx, c)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: modbus needs a byte stream transport", domain.ErrProtocol)
	}
	logger := t.msg.Logger()
	logger.Trace().Hex("tx", req).Msg("Sending request")
	if _, err := w.Write(req); err != nil {
		return nil, err
	}
	r, err := t.msg.Messenger().Input(ctx, c)
	if err != nil {
		return nil, err
	}
	resp, err := readADU(r, req)
	if err != nil {
		return nil, err
	}
	logger.Trace().Hex("rx", resp).Msg("Received response")
	if _, err := t.packager.Decode(resp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChecksum, err)
	}
	return resp, nil
}

// readADU reads the response to req: a normal reply or a 5 byte exception.
func readADU(r io.Reader, req []byte) ([]byte, error) {
	buf := make([]byte, 2, maxADU)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, shortRead(err)
	}
	if buf[0] != req[0] {
		return nil, fmt.Errorf("%w: response from slave %d, expected %d", domain.ErrParsing, buf[0], req[0])
	}

	var size int
	switch fn := buf[1]; fn {
	case req[1] | exceptionBit:
		size = exceptionSize
	case req[1]:
		switch fn {
		case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
			buf = buf[:3]
			if _, err := io.ReadFull(r, buf[2:3]); err != nil {
				return nil, shortRead(err)
			}
			size = 3 + int(buf[2]) + 2
		case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
			size = writeEchoSize
		default:
			return nil, fmt.Errorf("%w: unsupported function %#02x", domain.ErrProtocol, fn)
		}
	default:
		return nil, fmt.Errorf("%w: function %#02x, expected %#02x", domain.ErrParsing, fn, req[1])
	}

	if size > maxADU {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", domain.ErrParsing, size, maxADU)
	}
	n := len(buf)
	buf = buf[:size]
	if _, err := io.ReadFull(r, buf[n:]); err != nil {
		return nil, shortRead(err)
	}
	return buf, nil
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: short response", domain.ErrParsing)
	}
	return err
}

// classify maps a client error onto the comm sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", domain.ErrProtocol, mbErr)
	}
	if domain.Tagged(err) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrParsing, err)
}

// client returns a modbus client addressing the controller of msg.
func client(msg *comm.Message) (modbus.Client, error) {
	c := msg.Controller()
	if c.Drop < minSlave || c.Drop > maxSlave {
		return nil, fmt.Errorf("%w: invalid slave address %d", domain.ErrProtocol, c.Drop)
	}
	handler := modbus.NewRTUClientHandler("")
	handler.SlaveId = byte(c.Drop)
	return modbus.NewClient2(handler, &transporter{msg: msg, packager: handler}), nil
}
