package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stratoline/acm-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "acm-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
		},
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("expected 1 broker, got %d", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://localhost:1883" {
		t.Errorf("broker URL = %q, want tcp://localhost:1883", got)
	}
	if opts.ClientID != "acm-test" {
		t.Errorf("client id = %q, want acm-test", opts.ClientID)
	}
	if !opts.AutoReconnect {
		t.Error("auto-reconnect should be enabled")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("scheme = %q, want ssl", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLS config should be set")
	}
}

func TestBuildStatusPayload(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		reason     string
		wantReason bool
	}{
		{"online without reason", "online", "", false},
		{"offline with reason", "offline", "graceful_shutdown", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := buildStatusPayload("acm-test", tt.status, tt.reason)

			var decoded map[string]string
			if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			if decoded["status"] != tt.status {
				t.Errorf("status = %q, want %q", decoded["status"], tt.status)
			}
			if decoded["client_id"] != "acm-test" {
				t.Errorf("client_id = %q, want acm-test", decoded["client_id"])
			}
			_, hasReason := decoded["reason"]
			if hasReason != tt.wantReason {
				t.Errorf("reason present = %v, want %v", hasReason, tt.wantReason)
			}
		})
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}

	if got := topics.Participant(); got != "acm/participant" {
		t.Errorf("Participant() = %q", got)
	}
	if got := topics.Runtime(); got != "acm/runtime" {
		t.Errorf("Runtime() = %q", got)
	}
	if !strings.HasPrefix(topics.SystemStatus(), "acm/") {
		t.Errorf("SystemStatus() = %q, want acm/ prefix", topics.SystemStatus())
	}
}

func TestPublishValidation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: got %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("acm/participant", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos: got %v, want ErrInvalidQoS", err)
	}

	big := make([]byte, maxPayloadSize+1)
	if err := c.Publish("acm/participant", big, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversized payload: got %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}

	if err := c.Subscribe("", 1, func(string, []byte) error { return nil }); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: got %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("acm/participant", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: got %v, want ErrSubscribeFailed", err)
	}
}
