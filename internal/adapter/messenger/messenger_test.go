package messenger

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goburrow/serial"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
)

func TestStreamRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewStream(client, 200*time.Millisecond)
	defer m.Close()

	go func() {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		server.Write([]byte{buf[2], buf[1], buf[0]})
	}()

	ctx := context.Background()
	w, err := m.Output(ctx, nil)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if _, err := w.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, err := m.Input(ctx, nil)
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	got := make([]byte, 3)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if got[0] != 3 || got[2] != 1 {
		t.Errorf("got % x", got)
	}
}

func TestStreamReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewStream(client, 20*time.Millisecond)
	defer m.Close()

	r, err := m.Input(context.Background(), nil)
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	_, err = r.Read(make([]byte, 1))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if domain.Classify(err) != domain.KindTimeout {
		t.Errorf("Classify = %v", domain.Classify(err))
	}
}

func TestStreamPeerClosed(t *testing.T) {
	client, server := net.Pipe()
	m := NewStream(client, time.Second)
	defer m.Close()

	server.Close()
	r, _ := m.Input(context.Background(), nil)
	_, err := r.Read(make([]byte, 1))
	if !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("Read() error = %v, want ErrConnectionClosed", err)
	}
}

func TestStreamClosed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewStream(client, time.Second)
	m.Close()
	if _, err := m.Output(context.Background(), nil); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("Output after Close = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestStreamDrain(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := NewStream(client, 100*time.Millisecond)
	defer m.Close()

	go server.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	time.Sleep(10 * time.Millisecond)
	if err := m.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	r, _ := m.Input(context.Background(), nil)
	_, err := r.Read(make([]byte, 1))
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Read after drain = %v, want ErrTimeout", err)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, 64)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo(append([]byte("ack:"), buf[:n]...), addr)
	}()

	ctx := context.Background()
	m, err := DialDatagram(ctx, pc.LocalAddr().String(), Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("DialDatagram: %v", err)
	}
	defer m.Close()

	w, _ := m.Output(ctx, nil)
	if _, err := w.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, _ := m.Input(ctx, nil)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "ack:ping" {
		t.Errorf("got %q", got)
	}
}

func TestHTTPMessenger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get(TokenHeader) {
		case "good":
			w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
		case "busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/api")
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"authorized", "good", nil},
		{"unauthorized", "bad", domain.ErrUnauthorized},
		{"server error", "busy", domain.ErrConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewHTTP(base, Options{Token: tt.token, Timeout: time.Second})
			defer m.Close()

			c := &domain.Controller{ID: "P1", Path: "lot/7"}
			w, err := m.Output(ctx, c)
			if err != nil || w != nil {
				t.Fatalf("Output() = %v, %v; want nil writer", w, err)
			}
			r, err := m.Input(ctx, c)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Input() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Input: %v", err)
			}
			body, _ := io.ReadAll(r)
			if string(body) != `{"path":"/api/lot/7"}` {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestHTTPControllerTokenOverride(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(TokenHeader)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL)
	m := NewHTTP(base, Options{Token: "link"})
	defer m.Close()

	if _, err := m.Input(context.Background(), &domain.Controller{ID: "P1", Password: "ctl"}); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if seen != "ctl" {
		t.Errorf("token = %q, want controller password", seen)
	}
}

func TestHTTPDrainControllerIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lot":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL)
	m := NewHTTP(base, Options{Timeout: time.Second})
	defer m.Close()

	ctx := context.Background()
	a := &domain.Controller{ID: "A", Path: "a"}
	b := &domain.Controller{ID: "B", Path: "b"}
	ra, err := m.Input(ctx, a)
	if err != nil {
		t.Fatalf("Input(a): %v", err)
	}
	rb, err := m.Input(ctx, b)
	if err != nil {
		t.Fatalf("Input(b): %v", err)
	}

	if err := m.DrainController(b); err != nil {
		t.Fatalf("DrainController: %v", err)
	}
	body, err := io.ReadAll(ra)
	if err != nil {
		t.Fatalf("read a after draining b: %v", err)
	}
	if string(body) != `{"lot":"/a"}` {
		t.Errorf("body = %s", body)
	}
	if _, err := io.ReadAll(rb); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Errorf("read b after drain = %v, want ErrConnectionClosed", err)
	}
}

type fakePort struct {
	reads [][]byte
	err   error
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, p.err
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakePort) Close() error                { return nil }

func TestSerialTimeoutAndDrain(t *testing.T) {
	port := &fakePort{reads: [][]byte{{1, 2}, {3}}, err: serial.ErrTimeout}
	m := NewSerial(port)
	defer m.Close()

	if err := m.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	r, _ := m.Input(context.Background(), nil)
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestSerialConfig(t *testing.T) {
	u, _ := url.Parse("serial:///dev/ttyUSB0?baud=19200&parity=e&stop=2")
	cfg, err := SerialConfig(u, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("SerialConfig: %v", err)
	}
	if cfg.Address != "/dev/ttyUSB0" || cfg.BaudRate != 19200 || cfg.Parity != "E" || cfg.StopBits != 2 || cfg.DataBits != 8 {
		t.Errorf("cfg = %+v", cfg)
	}

	bad, _ := url.Parse("serial:///dev/ttyS0?baud=fast")
	if _, err := SerialConfig(bad, Options{}); !errors.Is(err, domain.ErrConnectionFailed) {
		t.Errorf("bad baud error = %v", err)
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "ftp://host", Options{})
	if !errors.Is(err, domain.ErrUnsupportedScheme) {
		t.Fatalf("Open() error = %v", err)
	}
}
