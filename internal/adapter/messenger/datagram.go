package messenger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

const maxDatagram = 65507

// DatagramMessenger sends each request as one datagram and reads exactly one
// datagram as the response.
type DatagramMessenger struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	closed  bool
}

// DialDatagram opens a connected udp socket.
func DialDatagram(ctx context.Context, addr string, opts Options) (*DatagramMessenger, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return NewDatagram(conn, opts.Timeout), nil
}

// NewDatagram wraps a connected packet socket.
func NewDatagram(conn net.Conn, timeout time.Duration) *DatagramMessenger {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &DatagramMessenger{conn: conn, timeout: timeout}
}

func (m *DatagramMessenger) live() (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrConnectionClosed
	}
	return m.conn, nil
}

// Output returns a writer that sends each Write as one datagram.
func (m *DatagramMessenger) Output(ctx context.Context, _ *domain.Controller) (io.Writer, error) {
	conn, err := m.live()
	if err != nil {
		return nil, err
	}
	return &datagramWriter{ctx: ctx, conn: conn, timeout: m.timeout}, nil
}

// Input returns a reader over the next received datagram.
func (m *DatagramMessenger) Input(ctx context.Context, _ *domain.Controller) (io.Reader, error) {
	conn, err := m.live()
	if err != nil {
		return nil, err
	}
	return &datagramReader{ctx: ctx, conn: conn, timeout: m.timeout}, nil
}

// Drain discards any queued datagrams.
func (m *DatagramMessenger) Drain() error {
	conn, err := m.live()
	if err != nil {
		return err
	}
	return drainConn(conn)
}

// Close closes the socket.
func (m *DatagramMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.conn.Close()
}

// datagramWriter sends each Write as a single datagram.
type datagramWriter struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
}

func (w *datagramWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(readDeadline(w.ctx, w.timeout)); err != nil {
		return 0, translateWriteErr(err)
	}
	n, err := w.conn.Write(p)
	if err != nil {
		return n, translateWriteErr(err)
	}
	return n, nil
}

// datagramReader receives one datagram on first Read, then serves it until EOF.
type datagramReader struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
	buf     *bytes.Reader
}

func (r *datagramReader) Read(p []byte) (int, error) {
	if r.buf == nil {
		if err := r.conn.SetReadDeadline(readDeadline(r.ctx, r.timeout)); err != nil {
			return 0, translateReadErr(err)
		}
		pkt := make([]byte, maxDatagram)
		n, err := r.conn.Read(pkt)
		if err != nil {
			return 0, translateReadErr(err)
		}
		r.buf = bytes.NewReader(pkt[:n])
	}
	return r.buf.Read(p)
}
