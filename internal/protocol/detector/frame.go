// Package detector implements a binary multidrop vehicle detector protocol.
//
// Every message is a frame:
//
//	[len][drop][opcode][data...][checksum]
//
// where len counts the payload bytes (drop, opcode and data) and the
// checksum trailer is computed over the payload.
package detector

import (
	"fmt"
	"io"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const (
	OpSamples byte = 0x30
	OpVersion byte = 0x01
	OpModule  byte = 0x10
	OpReset   byte = 0x7F
)

const (
	minPayload = 2
	maxPayload = 255
)

// Frame is one decoded message.
type Frame struct {
	Drop   byte
	Opcode byte
	Data   []byte
}

// Payload returns drop, opcode and data as sent on the wire.
func (f Frame) Payload() []byte {
	p := make([]byte, 0, minPayload+len(f.Data))
	p = append(p, f.Drop, f.Opcode)
	return append(p, f.Data...)
}

// Encode returns the framed bytes.
func (f Frame) Encode(sum Checksum) ([]byte, error) {
	payload := f.Payload()
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", domain.ErrProtocol, len(payload))
	}
	buf := make([]byte, 0, len(payload)+2)
	buf = append(buf, byte(len(payload)))
	buf = append(buf, payload...)
	return append(buf, sum(payload)), nil
}

// ReadFrame reads and verifies one frame.
func ReadFrame(r io.Reader, sum Checksum) (Frame, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(hdr[0])
	if n < minPayload {
		return Frame{}, fmt.Errorf("%w: frame length %d", domain.ErrParsing, n)
	}
	body := make([]byte, n+1)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Frame{}, fmt.Errorf("%w: short frame", domain.ErrParsing)
		}
		return Frame{}, err
	}
	payload, trailer := body[:n], body[n]
	if want := sum(payload); want != trailer {
		return Frame{}, fmt.Errorf("%w: trailer %#02x, computed %#02x", domain.ErrChecksum, trailer, want)
	}
	return Frame{Drop: payload[0], Opcode: payload[1], Data: payload[2:]}, nil
}

// expect reads a frame and checks it answers a request to drop with opcode.
func expect(r io.Reader, sum Checksum, drop, opcode byte) (Frame, error) {
	f, err := ReadFrame(r, sum)
	if err != nil {
		return f, err
	}
	if f.Drop != drop {
		return f, fmt.Errorf("%w: response from drop %d, expected %d", domain.ErrParsing, f.Drop, drop)
	}
	if f.Opcode != opcode {
		return f, fmt.Errorf("%w: opcode %#02x, expected %#02x", domain.ErrParsing, f.Opcode, opcode)
	}
	return f, nil
}
