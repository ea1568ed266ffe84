// Package messenger provides the transports a link uses to reach its
// controllers: shared streams (tcp, serial), datagrams (udp) and
// request/response http(s).
package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// Messenger owns the physical channel of one link.
type Messenger interface {
	// Output returns the byte sink for a request to the controller. A nil
	// writer means the transport sends the request atomically in Input.
	Output(ctx context.Context, c *domain.Controller) (io.Writer, error)

	// Input returns the byte source for the controller's response.
	Input(ctx context.Context, c *domain.Controller) (io.Reader, error)

	// Drain discards unread bytes after a desynchronized exchange.
	Drain() error

	// Close releases the channel.
	Close() error
}

// ControllerScoped is implemented by messengers whose exchanges are
// independent per controller. A failed exchange is drained for its
// controller alone and never invalidates the shared messenger.
type ControllerScoped interface {
	DrainController(c *domain.Controller) error
}

// Options configures a messenger.
type Options struct {
	// Timeout bounds each read
	Timeout time.Duration

	// Token is injected as the x-access-token header on http(s) requests
	Token string

	// HTTPClient overrides the client used by http(s) messengers
	HTTPClient *http.Client
}

const (
	defaultTimeout = 750 * time.Millisecond
	drainWait      = 20 * time.Millisecond
	drainLimit     = 64 * 1024
)

// Open creates the messenger for a link URI.
func Open(ctx context.Context, uri string, opts Options) (Messenger, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	var m Messenger
	switch domain.Scheme(strings.ToLower(u.Scheme)) {
	case domain.SchemeTCP:
		m, err = DialStream(ctx, u.Host, opts)
	case domain.SchemeUDP:
		m, err = DialDatagram(ctx, u.Host, opts)
	case domain.SchemeSerial:
		m, err = OpenSerial(u, opts)
	case domain.SchemeHTTP, domain.SchemeHTTPS:
		m = NewHTTP(u, opts)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedScheme, u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// translateReadErr maps socket read errors onto the domain sentinels.
func translateReadErr(err error) error {
	if err == nil || domain.Tagged(err) {
		return err
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	// EOF, reset and closed sockets all mean the peer is gone
	return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
}

func translateWriteErr(err error) error {
	if err == nil || domain.Tagged(err) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: write: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: write: %v", domain.ErrConnectionClosed, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// readDeadline returns the earlier of now+timeout and the context deadline.
func readDeadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
