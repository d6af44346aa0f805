package mq

import (
	"strings"
	"testing"

	"github.com/tinfoilcode/mqgo/internal/packets"
)

func TestMaxPayloadSizeEnforcement(t *testing.T) {
	tests := []struct {
		name           string
		maxPayloadSize int
		payloadSize    int
		wantError      bool
	}{
		{
			name:           "no limit set",
			maxPayloadSize: 0,
			payloadSize:    10000,
			wantError:      false,
		},
		{
			name:           "under limit",
			maxPayloadSize: 1024,
			payloadSize:    100,
			wantError:      false,
		},
		{
			name:           "at limit",
			maxPayloadSize: 200,
			payloadSize:    200,
			wantError:      false,
		},
		{
			name:           "exceeds limit",
			maxPayloadSize: 100,
			payloadSize:    200,
			wantError:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions("tcp://localhost:1883")
			opts.MaxPayloadSize = tt.maxPayloadSize
			c := &Client{
				opts:     opts,
				pending:  make(map[uint16]*pendingOp),
				outbound: newInflightTable(),
				inbound:  newInflightTable(),
				outgoing: make(chan packets.Packet, 10),
				stop:     make(chan struct{}),
			}

			token := c.Publish("test/topic", []byte(strings.Repeat("x", tt.payloadSize)))

			select {
			case <-token.Done():
				err := token.Error()
				if tt.wantError && err == nil {
					t.Error("expected error, got nil")
				}
				if !tt.wantError && err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.wantError && err != nil && !strings.Contains(err.Error(), "exceeds maximum") {
					t.Errorf("expected payload size error, got: %v", err)
				}
			default:
				if tt.wantError {
					t.Error("expected immediate error, token not completed")
				}
			}
		})
	}
}

func TestMaxTopicLengthEnforcement(t *testing.T) {
	opts := defaultOptions("tcp://localhost:1883")
	opts.MaxTopicLength = 10

	if err := validatePublishTopic("short", opts); err != nil {
		t.Errorf("validatePublishTopic(short) = %v, want nil", err)
	}
	if err := validatePublishTopic(strings.Repeat("t", 11), opts); err == nil {
		t.Error("validatePublishTopic accepted a topic over MaxTopicLength")
	}
	if err := validateSubscribeTopic(strings.Repeat("t", 11), opts); err == nil {
		t.Error("validateSubscribeTopic accepted a filter over MaxTopicLength")
	}
}

func TestEffectiveMaxInFlight(t *testing.T) {
	tests := []struct {
		name        string
		maxInFlight int
		want        int
	}{
		{"default", 0, 10},
		{"negative restores default", -1, 10},
		{"custom", 5, 5},
		{"reliable", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions("tcp://localhost:1883")
			opts.MaxInFlight = tt.maxInFlight
			c := &Client{opts: opts}
			if got := c.effectiveMaxInFlight(); got != tt.want {
				t.Errorf("effectiveMaxInFlight() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithReliable(t *testing.T) {
	opts := defaultOptions("tcp://localhost:1883")
	WithReliable()(opts)
	if opts.MaxInFlight != 1 {
		t.Fatalf("MaxInFlight = %d after WithReliable, want 1", opts.MaxInFlight)
	}
}
