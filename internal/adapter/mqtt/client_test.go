package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/rs/zerolog"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePaho struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishes  []published
	handlers   map[string]paho.MessageHandler
}

func newFakePaho() *fakePaho {
	return &fakePaho{handlers: make(map[string]paho.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.connected = true
	}
	return doneToken(f.connectErr)
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken(nil)
}

func (f *fakePaho) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return doneToken(nil)
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, cb paho.MessageHandler) paho.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, cb)
	}
	return doneToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	return doneToken(nil)
}

func (f *fakePaho) AddRoute(string, paho.MessageHandler) {}

func (f *fakePaho) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (f *fakePaho) handler(filter string) paho.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[filter]
}

func (f *fakePaho) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.publishes...)
}

func testClient(pc paho.Client) *Client {
	return NewClientWith(pc, Config{TopicPrefix: "iris/controller/", QoS: 1, ConnectTimeout: time.Second}, zerolog.Nop(), nil)
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "ok"},
		{name: "refused", err: errors.New("not authorized"), wantErr: domain.ErrMQTTConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePaho()
			fp.connectErr = tt.err
			c := testClient(fp)
			err := c.Connect(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect() = %v, want %v", err, tt.wantErr)
			}
			if c.IsConnected() != (tt.wantErr == nil) {
				t.Errorf("IsConnected = %v", c.IsConnected())
			}
			if hc := c.HealthCheck(context.Background()); (hc == nil) != (tt.wantErr == nil) {
				t.Errorf("HealthCheck = %v", hc)
			}
		})
	}
}

func TestPublishOffline(t *testing.T) {
	c := testClient(newFakePaho())
	if err := c.Publish("x", []byte("y"), false); !errors.Is(err, domain.ErrMQTTNotConnected) {
		t.Fatalf("Publish() = %v", err)
	}
}

func TestPublishStatus(t *testing.T) {
	fp := newFakePaho()
	c := testClient(fp)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.PublishStatus(domain.ControllerStatus{ID: "D1", Link: "det-1", Failed: true, Setup: "v2.1"})

	sent := fp.sent()
	if len(sent) != 1 {
		t.Fatalf("published %d messages", len(sent))
	}
	if sent[0].topic != "iris/controller/D1/status" || !sent[0].retained {
		t.Errorf("published %+v", sent[0])
	}
	body := string(sent[0].payload)
	for _, want := range []string{`"id":"D1"`, `"failed":true`, `"setup_string":"v2.1"`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload %s missing %s", body, want)
		}
	}
}

func TestSubscribeRenewedOnConnect(t *testing.T) {
	fp := newFakePaho()
	c := testClient(fp)

	got := make(chan string, 1)
	if err := c.Subscribe("iris/controller/+/cmd/+", func(topic string, payload []byte, _ time.Time) {
		got <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatal(err)
	}
	if fp.handler("iris/controller/+/cmd/+") != nil {
		t.Fatal("subscribed while offline")
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.onConnect(fp)

	deadline := time.Now().Add(2 * time.Second)
	var h paho.MessageHandler
	for h == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		h = fp.handler("iris/controller/+/cmd/+")
	}
	if h == nil {
		t.Fatal("not resubscribed after connect")
	}

	h(fp, fakeMessage{topic: "iris/controller/D1/cmd/reset", payload: []byte("now")})
	select {
	case v := <-got:
		if v != "iris/controller/D1/cmd/reset=now" {
			t.Errorf("delivered %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	c.Unsubscribe("iris/controller/+/cmd/+")
	if fp.handler("iris/controller/+/cmd/+") != nil {
		t.Error("still subscribed")
	}
}
