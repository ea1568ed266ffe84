package service

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/mnit-rtmc/iris-sub027/internal/adapter/mqtt"
	"github.com/mnit-rtmc/iris-sub027/internal/comm"
	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"github.com/mnit-rtmc/iris-sub027/internal/metrics"
	"github.com/rs/zerolog"
)

// CommandBus is the MQTT side of the command handler.
type CommandBus interface {
	Subscribe(filter string, handler mqtt.MessageHandler) error
	Unsubscribe(filter string)
	Publish(topic string, payload []byte, retained bool) error
	TopicPrefix() string
}

// CommandSubmitter queues commands for controllers.
type CommandSubmitter interface {
	Command(controllerID string, cmd comm.Command, onDone ...func(*comm.Operation)) (*comm.Operation, error)
}

// CommandHandler turns MQTT messages on {prefix}/{controller}/cmd/{command}
// into COMMAND operations and publishes the outcome on the same topic with
// a /response suffix.
type CommandHandler struct {
	bus       CommandBus
	submitter CommandSubmitter
	config    CommandConfig
	logger    zerolog.Logger
	metrics   *metrics.Registry
	stats     commandStats
	running   atomic.Bool
	wg        sync.WaitGroup

	// guards running against wg.Add in respond
	respMu sync.Mutex
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{EnableAcknowledgement: true}
}

type commandStats struct {
	received  atomic.Uint64
	queued    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// CommandRequest is the optional JSON form of a command payload. A payload
// that is not a JSON object is taken as the raw command value.
type CommandRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Value     string `json:"value,omitempty"`
}

// CommandResponse reports the outcome of a command.
type CommandResponse struct {
	RequestID   string    `json:"request_id,omitempty"`
	Controller  string    `json:"controller"`
	Command     string    `json:"command"`
	OperationID string    `json:"operation_id,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMs  int64     `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(
	bus CommandBus,
	submitter CommandSubmitter,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	return &CommandHandler{
		bus:       bus,
		submitter: submitter,
		config:    config,
		logger:    logger.With().Str("component", "command-handler").Logger(),
		metrics:   metricsReg,
	}
}

func (h *CommandHandler) filter() string {
	return h.bus.TopicPrefix() + "/+/cmd/+"
}

// Start subscribes to the command topics.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}
	if err := h.bus.Subscribe(h.filter(), h.handleMessage); err != nil {
		return err
	}
	h.running.Store(true)
	h.logger.Info().Str("filter", h.filter()).Msg("Command handler started")
	return nil
}

// Stop unsubscribes and waits for pending responses. Operations completing
// after Stop get no response.
func (h *CommandHandler) Stop() {
	if !h.running.Load() {
		return
	}
	h.bus.Unsubscribe(h.filter())
	h.respMu.Lock()
	h.running.Store(false)
	h.respMu.Unlock()
	h.wg.Wait()
	h.logger.Info().Msg("Command handler stopped")
}

// parseTopic splits {prefix}/{controller}/cmd/{command}.
func (h *CommandHandler) parseTopic(topic string) (controllerID, command string, err error) {
	rest, ok := strings.CutPrefix(topic, h.bus.TopicPrefix()+"/")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", domain.ErrInvalidTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "cmd" || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %s", domain.ErrInvalidTopic, topic)
	}
	return parts[0], parts[2], nil
}

func parsePayload(payload []byte) CommandRequest {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var req CommandRequest
		if err := json.Unmarshal(trimmed, &req); err == nil {
			return req
		}
	}
	return CommandRequest{Value: string(trimmed)}
}

func (h *CommandHandler) handleMessage(topic string, payload []byte, receivedAt time.Time) {
	h.stats.received.Add(1)

	controllerID, command, err := h.parseTopic(topic)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Invalid command topic format")
		h.stats.rejected.Add(1)
		h.metrics.IncCommand("invalid", "rejected")
		return
	}
	req := parsePayload(payload)
	resp := CommandResponse{RequestID: req.RequestID, Controller: controllerID, Command: command}

	op, err := h.submitter.Command(controllerID, comm.Command{Name: command, Value: req.Value}, func(op *comm.Operation) {
		resp := resp
		resp.OperationID = op.ID()
		resp.Success = op.Success()
		if !resp.Success {
			if err := op.Err(); err != nil {
				resp.Error = err.Error()
			}
			h.stats.failed.Add(1)
			h.metrics.IncCommand(command, "failed")
		} else {
			h.stats.succeeded.Add(1)
			h.metrics.IncCommand(command, "success")
		}
		h.respond(resp, receivedAt)
	})
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("controller_id", controllerID).
			Str("command", command).
			Msg("Command rejected")
		h.stats.rejected.Add(1)
		h.metrics.IncCommand(command, "rejected")
		resp.Error = err.Error()
		h.respond(resp, receivedAt)
		return
	}

	h.stats.queued.Add(1)
	h.metrics.IncCommand(command, "queued")
	h.logger.Debug().
		Str("controller_id", controllerID).
		Str("command", command).
		Str("op_id", op.ID()).
		Msg("Command accepted")
}

// respond publishes resp without holding up the caller, which may be a
// comm worker running operation cleanups.
func (h *CommandHandler) respond(resp CommandResponse, receivedAt time.Time) {
	if !h.config.EnableAcknowledgement {
		return
	}
	resp.Timestamp = time.Now()
	resp.DurationMs = resp.Timestamp.Sub(receivedAt).Milliseconds()

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	topic := fmt.Sprintf("%s/%s/cmd/%s/response", h.bus.TopicPrefix(), resp.Controller, resp.Command)

	h.respMu.Lock()
	if !h.running.Load() {
		h.respMu.Unlock()
		h.logger.Debug().Str("topic", topic).Msg("Handler stopped, response dropped")
		return
	}
	h.wg.Add(1)
	h.respMu.Unlock()
	go func() {
		defer h.wg.Done()
		if err := h.bus.Publish(topic, payload, false); err != nil {
			h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish response")
		}
	}()
}

// GetStats returns the command counters.
func (h *CommandHandler) GetStats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.received.Load(),
		"commands_queued":    h.stats.queued.Load(),
		"commands_succeeded": h.stats.succeeded.Load(),
		"commands_failed":    h.stats.failed.Load(),
		"commands_rejected":  h.stats.rejected.Load(),
	}
}
