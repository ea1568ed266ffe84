package messenger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// TokenHeader carries the bearer token on every request.
const TokenHeader = "x-access-token"

// HTTPMessenger issues one GET per Input call. It has no request stream;
// Output always returns a nil writer. Each controller's response body is
// tracked on its own so concurrent sessions never disturb each other.
type HTTPMessenger struct {
	base   *url.URL
	token  string
	client *http.Client

	mu     sync.Mutex
	bodies map[*domain.Controller]io.ReadCloser
	closed bool
}

// NewHTTP creates an http(s) messenger rooted at base.
func NewHTTP(base *url.URL, opts Options) *HTTPMessenger {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPMessenger{
		base:   base,
		token:  opts.Token,
		client: client,
		bodies: make(map[*domain.Controller]io.ReadCloser),
	}
}

// Output returns nil: the request is built and sent atomically by Input.
func (m *HTTPMessenger) Output(_ context.Context, _ *domain.Controller) (io.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrConnectionClosed
	}
	return nil, nil
}

// URL returns the request URL for a controller.
func (m *HTTPMessenger) URL(c *domain.Controller) string {
	u := *m.base
	if c != nil && c.Path != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Path, "/")
	}
	return u.String()
}

// Input performs the GET and returns the response body. A 401 or 403 is
// reported as ErrUnauthorized.
func (m *HTTPMessenger) Input(ctx context.Context, c *domain.Controller) (io.Reader, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	if prev, ok := m.bodies[c]; ok {
		prev.Close()
		delete(m.bodies, c)
	}
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL(c), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	token := m.token
	if c != nil && c.Password != "" {
		token = c.Password
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectionFailed, resp.Status)
	}

	m.mu.Lock()
	m.bodies[c] = resp.Body
	m.mu.Unlock()
	return &bodyReader{body: resp.Body}, nil
}

// DrainController discards and closes the outstanding response body of c.
// Bodies of other controllers are left alone.
func (m *HTTPMessenger) DrainController(c *domain.Controller) error {
	m.mu.Lock()
	body, ok := m.bodies[c]
	delete(m.bodies, c)
	m.mu.Unlock()
	if ok {
		io.Copy(io.Discard, io.LimitReader(body, drainLimit))
		body.Close()
	}
	return nil
}

// Drain closes every outstanding response body.
func (m *HTTPMessenger) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, body := range m.bodies {
		io.Copy(io.Discard, io.LimitReader(body, drainLimit))
		body.Close()
		delete(m.bodies, c)
	}
	return nil
}

// Close drains outstanding bodies and releases idle connections.
func (m *HTTPMessenger) Close() error {
	m.Drain()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.client.CloseIdleConnections()
	return nil
}

type bodyReader struct {
	body io.Reader
}

func (r *bodyReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && err != io.EOF {
		return n, translateReadErr(err)
	}
	return n, err
}
