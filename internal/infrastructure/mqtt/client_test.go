package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleetbeat/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for unit tests. Nothing in
// this file dials the broker; see integration_test.go for that.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "fleetbeat-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "fleetbeat",
	}
}

// =============================================================================
// Options Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		wantURL    string
		wantUser   string
		wantTLS    bool
		wantRetryI time.Duration
		wantMaxI   time.Duration
	}{
		{
			name:       "plain tcp anonymous",
			mutate:     func(*config.MQTTConfig) {},
			wantURL:    "tcp://127.0.0.1:1883",
			wantRetryI: time.Second,
			wantMaxI:   5 * time.Second,
		},
		{
			name: "tls with credentials",
			mutate: func(c *config.MQTTConfig) {
				c.Broker.TLS = true
				c.Broker.Port = 8883
				c.Auth.Username = "registry"
				c.Auth.Password = "secret"
				c.Reconnect.MaxDelay = 60
			},
			wantURL:    "ssl://127.0.0.1:8883",
			wantUser:   "registry",
			wantTLS:    true,
			wantRetryI: time.Second,
			wantMaxI:   60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 || opts.Servers[0].String() != tt.wantURL {
				t.Fatalf("Servers = %v, want [%s]", opts.Servers, tt.wantURL)
			}
			if opts.ClientID != cfg.Broker.ClientID {
				t.Errorf("ClientID = %q, want %q", opts.ClientID, cfg.Broker.ClientID)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", opts.Username, tt.wantUser)
			}
			if (opts.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("TLSConfig set = %v, want %v", opts.TLSConfig != nil, tt.wantTLS)
			}
			if tt.wantTLS && opts.TLSConfig.MinVersion != tlsMinVersion {
				t.Errorf("TLS MinVersion = %x, want %x", opts.TLSConfig.MinVersion, tlsMinVersion)
			}
			if !opts.AutoReconnect || !opts.ConnectRetry {
				t.Error("auto reconnect and connect retry should be enabled")
			}
			if opts.ConnectRetryInterval != tt.wantRetryI {
				t.Errorf("ConnectRetryInterval = %v, want %v", opts.ConnectRetryInterval, tt.wantRetryI)
			}
			if opts.MaxReconnectInterval != tt.wantMaxI {
				t.Errorf("MaxReconnectInterval = %v, want %v", opts.MaxReconnectInterval, tt.wantMaxI)
			}
		})
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	configureLWT(opts, NewTopics("fleet-a"), cfg.Broker.ClientID)

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "fleet-a/registry/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d, want retained qos 1", opts.WillRetained, opts.WillQos)
	}

	var status registryStatus
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if status.Status != "offline" || status.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", status)
	}
	if status.ClientID != cfg.Broker.ClientID {
		t.Errorf("will clientId = %q, want %q", status.ClientID, cfg.Broker.ClientID)
	}
}

func TestStatusPayload(t *testing.T) {
	var status registryStatus
	if err := json.Unmarshal(statusPayload("reg-1", "online", ""), &status); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if status.Status != "online" || status.ClientID != "reg-1" {
		t.Errorf("payload = %+v", status)
	}
	if status.Reason != "" {
		t.Errorf("online payload should omit reason, got %q", status.Reason)
	}
	if _, err := time.Parse(time.RFC3339, status.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", status.Timestamp, err)
	}
}

// =============================================================================
// Disconnected Client Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	client := &Client{}

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{topics: NewTopics("fleetbeat")}

	tests := []struct {
		name    string
		publish func() error
		wantErr error
	}{
		{"empty device id", func() error { return client.PublishDeviceStatus("", []byte("{}")) }, ErrInvalidDeviceID},
		{"wildcard device id", func() error { return client.PublishHeartbeat("dev-+", []byte("{}")) }, ErrInvalidDeviceID},
		{"multi-level device id", func() error { return client.ClearDeviceStatus("a/b") }, ErrInvalidDeviceID},
		{"empty status", func() error { return client.PublishDeviceStatus("dev-1", nil) }, ErrPublishFailed},
		{"oversized payload", func() error { return client.PublishHeartbeat("dev-1", make([]byte, maxPayloadSize+1)) }, ErrPayloadTooLarge},
		{"status not connected", func() error { return client.PublishDeviceStatus("dev-1", []byte("{}")) }, ErrNotConnected},
		{"clear not connected", func() error { return client.ClearDeviceStatus("dev-1") }, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.publish(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeHeartbeats_Validation(t *testing.T) {
	client := &Client{topics: NewTopics("fleetbeat"), subscriptions: make(map[string]subscription)}

	if err := client.SubscribeHeartbeats(nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("SubscribeHeartbeats(nil) error = %v, want ErrSubscribeFailed", err)
	}
	handler := func(string, []byte) error { return nil }
	if err := client.SubscribeHeartbeats(handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeHeartbeats() error = %v, want ErrNotConnected", err)
	}
	if client.SubscribedToHeartbeats() {
		t.Error("failed subscribe left a tracked subscription")
	}
	if err := client.UnsubscribeHeartbeats(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("UnsubscribeHeartbeats() error = %v, want ErrNotConnected", err)
	}
}

func TestHeartbeatHandler_ExtractsDeviceID(t *testing.T) {
	client := &Client{topics: NewTopics("site-a")}

	var gotID string
	var gotPayload []byte
	handle := client.heartbeatHandler(func(id string, payload []byte) error {
		gotID, gotPayload = id, payload
		return nil
	})

	if err := handle("site-a/device/dev-7/heartbeat", []byte(`{"authToken":"x"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if gotID != "dev-7" || string(gotPayload) != `{"authToken":"x"}` {
		t.Errorf("got (%q, %q)", gotID, gotPayload)
	}

	gotID = ""
	for _, topic := range []string{
		"site-a/device/dev-7/status",
		"fleetbeat/device/dev-7/heartbeat",
		"site-a/device/a/b/heartbeat",
	} {
		if err := handle(topic, nil); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("handler(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
	if gotID != "" {
		t.Errorf("handler called for a foreign topic with id %q", gotID)
	}
}

func TestSetLogger(t *testing.T) {
	client := &Client{}
	if client.getLogger() != nil {
		t.Fatal("getLogger() should be nil before SetLogger")
	}
	client.SetLogger(&mockLogger{})
	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}
	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("fleetbeat")

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceStatus", topics.DeviceStatus("dev-1"), "fleetbeat/device/dev-1/status"},
		{"DeviceHeartbeat", topics.DeviceHeartbeat("dev-1"), "fleetbeat/device/dev-1/heartbeat"},
		{"RegistryStatus", topics.RegistryStatus(), "fleetbeat/registry/status"},
		{"AllDeviceHeartbeats", topics.AllDeviceHeartbeats(), "fleetbeat/device/+/heartbeat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestNewTopics_Prefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "fleetbeat/registry/status"},
		{"/", "fleetbeat/registry/status"},
		{"site-a/fleet/", "site-a/fleet/registry/status"},
	}
	for _, tt := range tests {
		if got := NewTopics(tt.prefix).RegistryStatus(); got != tt.want {
			t.Errorf("NewTopics(%q).RegistryStatus() = %q, want %q", tt.prefix, got, tt.want)
		}
	}

	if got := (Topics{}).DeviceStatus("x"); got != "fleetbeat/device/x/status" {
		t.Errorf("zero Topics DeviceStatus() = %q", got)
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	topics := NewTopics("fleetbeat")

	tests := []struct {
		topic  string
		kind   string
		wantID string
		wantOK bool
	}{
		{"fleetbeat/device/dev-1/heartbeat", "heartbeat", "dev-1", true},
		{"fleetbeat/device/dev-1/status", "status", "dev-1", true},
		{"fleetbeat/device/dev-1/status", "heartbeat", "", false},
		{"other/device/dev-1/heartbeat", "heartbeat", "", false},
		{"fleetbeat/device//heartbeat", "heartbeat", "", false},
		{"fleetbeat/device/a/b/heartbeat", "heartbeat", "", false},
		{"fleetbeat/registry/status", "status", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic+"/"+tt.kind, func(t *testing.T) {
			id, ok := topics.DeviceIDFromTopic(tt.topic, tt.kind)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DeviceIDFromTopic() = (%q, %v), want (%q, %v)", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct{}

func (mockLogger) Error(string, ...any) {}
func (mockLogger) Warn(string, ...any)  {}
