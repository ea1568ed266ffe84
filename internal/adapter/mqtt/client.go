// Package mqtt connects the service to the MQTT broker: controller status is
// published as retained messages and user commands arrive on subscribed
// topics.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	publishTimeout    = 5 * time.Second
	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 5000
)

// Config contains MQTT client configuration
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	CleanSession   bool
}

// MessageHandler is called for each message received on a subscribed filter
type MessageHandler func(topic string, payload []byte, receivedAt time.Time)

// Client publishes controller status and delivers command messages.
type Client struct {
	config  Config
	client  paho.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	subsMu      sync.RWMutex
	subs        map[string]MessageHandler
	isConnected atomic.Bool

	published        atomic.Uint64
	publishErrors    atomic.Uint64
	messagesReceived atomic.Uint64
}

// NewClient creates a client for the configured broker. It does not connect.
func NewClient(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	c := newClient(config, logger, metricsReg)

	opts := paho.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetKeepAlive(config.KeepAlive).
		SetCleanSession(config.CleanSession).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(config.ReconnectDelay).
		SetMaxReconnectInterval(config.ReconnectDelay * 12).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	c.client = paho.NewClient(opts)
	return c
}

// NewClientWith wraps an existing paho client.
func NewClientWith(pc paho.Client, config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	c := newClient(config, logger, metricsReg)
	c.client = pc
	return c
}

func newClient(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Client {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "iris/controller"
	}
	config.TopicPrefix = strings.TrimSuffix(config.TopicPrefix, "/")
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-client").Logger(),
		metrics: metricsReg,
		subs:    make(map[string]MessageHandler),
	}
}

// Connect establishes connection to the MQTT broker. The client keeps
// retrying in the background when the first attempt times out.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().
		Str("broker", c.config.BrokerURL).
		Str("client_id", c.config.ClientID).
		Msg("Connecting to MQTT broker")

	token := c.client.Connect()
	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
	}
	c.isConnected.Store(true)
	return nil
}

// Subscribe registers handler for filter. The subscription is renewed after
// every reconnect.
func (c *Client) Subscribe(filter string, handler MessageHandler) error {
	c.subsMu.Lock()
	c.subs[filter] = handler
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(filter, handler)
}

func (c *Client) subscribe(filter string, handler MessageHandler) error {
	token := c.client.Subscribe(filter, c.config.QoS, c.deliver(handler))
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout", domain.ErrMQTTSubscribeFailed, filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrMQTTSubscribeFailed, filter, err)
	}
	c.logger.Info().Str("filter", filter).Msg("Subscribed to topic")
	return nil
}

// Unsubscribe removes the handler for filter.
func (c *Client) Unsubscribe(filter string) {
	c.subsMu.Lock()
	delete(c.subs, filter)
	c.subsMu.Unlock()

	if c.IsConnected() {
		c.client.Unsubscribe(filter).WaitTimeout(subscribeTimeout)
	}
}

func (c *Client) deliver(handler MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c.messagesReceived.Add(1)
		handler(msg.Topic(), msg.Payload(), time.Now())
	}
}

// Publish sends payload to topic and waits for the broker to accept it.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		c.publishErrors.Add(1)
		return domain.ErrMQTTNotConnected
	}
	token := c.client.Publish(topic, c.config.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.publishErrors.Add(1)
		return fmt.Errorf("%w: %s: timeout", domain.ErrMQTTPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		c.publishErrors.Add(1)
		return fmt.Errorf("%w: %s: %v", domain.ErrMQTTPublishFailed, topic, err)
	}
	c.published.Add(1)
	return nil
}

// StatusTopic returns the retained status topic of a controller.
func (c *Client) StatusTopic(controllerID string) string {
	return fmt.Sprintf("%s/%s/status", c.config.TopicPrefix, controllerID)
}

// TopicPrefix returns the configured topic prefix without trailing slash.
func (c *Client) TopicPrefix() string {
	return c.config.TopicPrefix
}

// PublishStatus sends the controller status as a retained JSON message.
// It does not wait for the broker, so comm workers are never held up by a
// slow connection.
func (c *Client) PublishStatus(st domain.ControllerStatus) {
	if !c.IsConnected() {
		c.logger.Debug().Str("controller_id", st.ID).Msg("Status not published, broker offline")
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		c.logger.Error().Err(err).Str("controller_id", st.ID).Msg("Failed to marshal status")
		return
	}
	topic := c.StatusTopic(st.ID)
	token := c.client.Publish(topic, c.config.QoS, true, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.publishErrors.Add(1)
			c.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to publish status")
			return
		}
		c.published.Add(1)
		c.metrics.IncStatusPublished()
	}()
}

// Disconnect cleanly disconnects from the broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	c.isConnected.Store(false)
	c.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.client.IsConnected()
}

// HealthCheck reports whether the broker connection is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() map[string]interface{} {
	c.subsMu.RLock()
	filters := make([]string, 0, len(c.subs))
	for f := range c.subs {
		filters = append(filters, f)
	}
	c.subsMu.RUnlock()

	return map[string]interface{}{
		"connected":         c.IsConnected(),
		"broker":            c.config.BrokerURL,
		"client_id":         c.config.ClientID,
		"filters":           filters,
		"published":         c.published.Load(),
		"publish_errors":    c.publishErrors.Load(),
		"messages_received": c.messagesReceived.Load(),
	}
}

// onConnect is called when connection is established
func (c *Client) onConnect(_ paho.Client) {
	c.isConnected.Store(true)
	c.logger.Info().Msg("Connected to MQTT broker")

	c.subsMu.RLock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for f, h := range c.subs {
		subs[f] = h
	}
	c.subsMu.RUnlock()

	// paho waits on the connect handler, so subscribing inline would stall
	go func() {
		for filter, handler := range subs {
			if err := c.subscribe(filter, handler); err != nil {
				c.logger.Error().Err(err).Msg("Failed to resubscribe after reconnection")
			}
		}
	}()
}

// onConnectionLost is called when connection is lost
func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.isConnected.Store(false)
	c.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}
