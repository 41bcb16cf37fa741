package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
	"github.com/nerrad567/fleetbeat/internal/device"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/mqtt"
)

// heartbeatTimeout bounds one registry call made for an MQTT heartbeat.
const heartbeatTimeout = 5 * time.Second

// maxHeartbeatPayload caps the size of a heartbeat message, matching the
// HTTP body limit.
const maxHeartbeatPayload = 64 << 10

// Client is the part of *mqtt.Client the bridge uses. Tests use a fake.
type Client interface {
	// PublishDeviceStatus publishes a retained status event for a device.
	PublishDeviceStatus(deviceID string, payload []byte) error

	// ClearDeviceStatus drops a device's retained status.
	ClearDeviceStatus(deviceID string) error

	// SubscribeHeartbeats delivers every device heartbeat to handler.
	SubscribeHeartbeats(handler mqtt.HeartbeatHandler) error

	// UnsubscribeHeartbeats ends heartbeat delivery.
	UnsubscribeHeartbeats() error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Registry is the part of *device.Registry the bridge needs.
type Registry interface {
	Heartbeat(ctx context.Context, id, token string, beat device.Beat) (*device.Device, error)
	List() []device.Device
}

// Logger defines the logging interface used by the Bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds bridge settings. Topics and QoS come from the client.
type Config struct {
	// Now is the clock used to stamp resync events. Defaults to time.Now.
	Now func() time.Time
}

// HeartbeatMessage is the JSON body a device agent publishes on its
// heartbeat topic. It matches the HTTP heartbeat body.
type HeartbeatMessage struct {
	AuthToken  string         `json:"authToken"`
	SystemInfo map[string]any `json:"systemInfo,omitempty"`
	Status     string         `json:"status,omitempty"`
}

// Bridge relays registry events to retained MQTT status topics and feeds
// heartbeats received over MQTT into the registry.
type Bridge struct {
	client   Client
	registry Registry
	cfg      Config
	logger   Logger

	// baseCtx parents heartbeat calls made from MQTT callbacks, which carry
	// no context of their own.
	mu         sync.Mutex
	baseCtx    context.Context
	subscribed bool
}

// New creates a bridge. Call Start to begin ingesting heartbeats and Run to
// relay events.
func New(client Client, registry Registry, cfg Config) *Bridge {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   noopLogger{},
		baseCtx:  context.Background(),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.logger = logger
}

// Start subscribes to device heartbeats and publishes the current status
// of every registered device.
//
// The context is kept as the parent of heartbeat calls; cancelling it does
// not unsubscribe. Use Stop for that.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.client.SubscribeHeartbeats(b.HandleHeartbeat); err != nil {
		return fmt.Errorf("subscribe to heartbeats: %w", err)
	}

	b.mu.Lock()
	b.baseCtx = context.WithoutCancel(ctx)
	b.subscribed = true
	b.mu.Unlock()

	b.logger.Info("mqtt bridge started")
	b.Resync()
	return nil
}

// Stop removes the heartbeat subscription. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	subscribed := b.subscribed
	b.subscribed = false
	b.mu.Unlock()

	if !subscribed {
		return
	}
	if err := b.client.UnsubscribeHeartbeats(); err != nil {
		b.logger.Debug("mqtt unsubscribe failed", "error", err)
	}
	b.logger.Info("mqtt bridge stopped")
}

// Run publishes every event from obs until ctx is done or obs is closed.
func (b *Bridge) Run(ctx context.Context, obs *broadcast.Observer) error {
	return obs.Run(ctx, func(ev broadcast.Event) {
		if err := b.PublishEvent(ev); err != nil {
			b.logger.Warn("mqtt status publish failed", "device_id", ev.ID, "type", ev.Type, "error", err)
		}
	})
}

// Resync republishes the retained status of every device. It is called on
// Start and should be called again after a reconnect, since events
// published while disconnected are lost.
func (b *Bridge) Resync() {
	if !b.client.IsConnected() {
		return
	}
	now := b.cfg.Now().UTC()
	devices := b.registry.List()
	failed := 0
	for i := range devices {
		if err := b.PublishEvent(devices[i].Event(broadcast.EventDeviceUpdate, now)); err != nil {
			failed++
		}
	}
	if failed > 0 {
		b.logger.Warn("mqtt status resync incomplete", "devices", len(devices), "failed", failed)
		return
	}
	b.logger.Debug("mqtt status resynced", "devices", len(devices))
}

// PublishEvent writes ev to the device's retained status topic. A removal
// clears the topic on the broker instead.
func (b *Bridge) PublishEvent(ev broadcast.Event) error {
	if ev.Type == broadcast.EventDeviceRemoved {
		return b.client.ClearDeviceStatus(ev.ID)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return b.client.PublishDeviceStatus(ev.ID, payload)
}

// HandleHeartbeat processes one heartbeat message for device id. The id
// comes from the topic; the token from the payload.
//
// Rejected heartbeats return an error and change nothing. The error never
// includes the token.
func (b *Bridge) HandleHeartbeat(id string, payload []byte) error {
	if len(payload) > maxHeartbeatPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	var msg HeartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if msg.AuthToken == "" {
		return fmt.Errorf("%w: missing authToken", ErrInvalidPayload)
	}

	b.mu.Lock()
	parent := b.baseCtx
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, heartbeatTimeout)
	defer cancel()

	_, err := b.registry.Heartbeat(ctx, id, msg.AuthToken, device.Beat{
		SystemInfo: msg.SystemInfo,
		Status:     msg.Status,
	})
	switch {
	case err == nil:
		b.logger.Debug("mqtt heartbeat accepted", "device_id", id)
		return nil
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrInvalidCredentials):
		b.logger.Warn("mqtt heartbeat rejected", "device_id", id, "error", err)
		return err
	default:
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
}
