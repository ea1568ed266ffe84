package messenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/goburrow/serial"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

// SerialMessenger drives a multidrop serial line.
type SerialMessenger struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	closed bool
}

// SerialConfig parses port settings from a URI such as
// serial:///dev/ttyUSB0?baud=9600&parity=N&data=8&stop=1.
func SerialConfig(u *url.URL, opts Options) (*serial.Config, error) {
	cfg := &serial.Config{
		Address:  u.Path,
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  opts.Timeout,
	}
	if cfg.Address == "" {
		cfg.Address = u.Opaque
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: serial device path missing", domain.ErrConnectionFailed)
	}
	q := u.Query()
	for key, dst := range map[string]*int{"baud": &cfg.BaudRate, "data": &cfg.DataBits, "stop": &cfg.StopBits} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: bad %s %q", domain.ErrConnectionFailed, key, v)
			}
			*dst = n
		}
	}
	if p := q.Get("parity"); p != "" {
		cfg.Parity = strings.ToUpper(p)
	}
	return cfg, nil
}

// OpenSerial opens the serial port named by the URI path.
func OpenSerial(u *url.URL, opts Options) (*SerialMessenger, error) {
	cfg, err := SerialConfig(u, opts)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return NewSerial(port), nil
}

// NewSerial wraps an open port. The port must apply its own read timeout.
func NewSerial(port io.ReadWriteCloser) *SerialMessenger {
	return &SerialMessenger{port: port}
}

func (m *SerialMessenger) live() (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, domain.ErrConnectionClosed
	}
	return m.port, nil
}

// Output returns the port writer.
func (m *SerialMessenger) Output(_ context.Context, _ *domain.Controller) (io.Writer, error) {
	port, err := m.live()
	if err != nil {
		return nil, err
	}
	return serialIO{port}, nil
}

// Input returns the port reader.
func (m *SerialMessenger) Input(_ context.Context, _ *domain.Controller) (io.Reader, error) {
	port, err := m.live()
	if err != nil {
		return nil, err
	}
	return serialIO{port}, nil
}

// Drain reads until the port times out.
func (m *SerialMessenger) Drain() error {
	port, err := m.live()
	if err != nil {
		return err
	}
	buf := make([]byte, 256)
	total := 0
	for total < drainLimit {
		n, err := port.Read(buf)
		total += n
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				return nil
			}
			return translateSerialErr(err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// Close closes the port.
func (m *SerialMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.port.Close()
}

type serialIO struct {
	port io.ReadWriteCloser
}

func (s serialIO) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, translateSerialErr(err)
	}
	return n, nil
}

func (s serialIO) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err != nil {
		return n, translateWriteErr(err)
	}
	return n, nil
}

func translateSerialErr(err error) error {
	if errors.Is(err, serial.ErrTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return translateReadErr(err)
}
