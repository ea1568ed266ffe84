package messenger

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// StreamMessenger shares one connection between every controller on a
// multidrop link. Controller addressing lives in the protocol bytes.
type StreamMessenger struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	closed  bool
}

// DialStream connects a tcp stream messenger.
func DialStream(ctx context.Context, addr string, opts Options) (*StreamMessenger, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, connectTimeout(opts.Timeout))
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return NewStream(conn, opts.Timeout), nil
}

// NewStream wraps an established connection.
func NewStream(conn net.Conn, timeout time.Duration) *StreamMessenger {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &StreamMessenger{conn: conn, timeout: timeout}
}

func (m *StreamMessenger) live() (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrConnectionClosed
	}
	return m.conn, nil
}

// Output returns a writer bound to the shared connection.
func (m *StreamMessenger) Output(ctx context.Context, _ *domain.Controller) (io.Writer, error) {
	conn, err := m.live()
	if err != nil {
		return nil, err
	}
	return &connWriter{ctx: ctx, conn: conn, timeout: m.timeout}, nil
}

// Input returns a reader that applies the read timeout to every Read.
func (m *StreamMessenger) Input(ctx context.Context, _ *domain.Controller) (io.Reader, error) {
	conn, err := m.live()
	if err != nil {
		return nil, err
	}
	return &connReader{ctx: ctx, conn: conn, timeout: m.timeout}, nil
}

// Drain reads and discards whatever is pending on the connection.
func (m *StreamMessenger) Drain() error {
	conn, err := m.live()
	if err != nil {
		return err
	}
	return drainConn(conn)
}

// Close closes the connection. Further calls return ErrConnectionClosed.
func (m *StreamMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.conn.Close()
}

type connReader struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
}

func (r *connReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(readDeadline(r.ctx, r.timeout)); err != nil {
		return 0, translateReadErr(err)
	}
	n, err := r.conn.Read(p)
	if err != nil {
		return n, translateReadErr(err)
	}
	return n, nil
}

type connWriter struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
}

func (w *connWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(readDeadline(w.ctx, w.timeout)); err != nil {
		return 0, translateWriteErr(err)
	}
	n, err := w.conn.Write(p)
	if err != nil {
		return n, translateWriteErr(err)
	}
	return n, nil
}

func drainConn(conn net.Conn) error {
	buf := make([]byte, 512)
	total := 0
	for total < drainLimit {
		if err := conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
			return translateReadErr(err)
		}
		n, err := conn.Read(buf)
		total += n
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return translateReadErr(err)
		}
	}
	return nil
}

func connectTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// connects get a longer allowance than single reads
	return 4 * timeout
}
