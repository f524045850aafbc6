package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.WSAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 100, cfg.DefaultRingSize)
	assert.Equal(t, 10000, cfg.MaxRingSize)
	assert.Equal(t, 50, cfg.SubscriberQueueSize)
	assert.Equal(t, 3, cfg.SlowConsumerThreshold)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"dev-key", "demo-key", "test-123"}, cfg.APIKeys)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PUBSUB_WS_ADDR", ":9999")
	t.Setenv("PUBSUB_SUBSCRIBER_QUEUE_SIZE", "10")
	t.Setenv("PUBSUB_API_KEYS", "k1,k2")
	t.Setenv("PUBSUB_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.WSAddr)
	assert.Equal(t, 10, cfg.SubscriberQueueSize)
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		envKey string
		value  string
	}{
		{"zero queue size", "PUBSUB_SUBSCRIBER_QUEUE_SIZE", "0"},
		{"zero threshold", "PUBSUB_SLOW_CONSUMER_THRESHOLD", "0"},
		{"ring default above max", "PUBSUB_DEFAULT_RING_BUFFER_SIZE", "20000"},
		{"bad log level", "PUBSUB_LOG_LEVEL", "verbose"},
		{"bad log format", "PUBSUB_LOG_FORMAT", "xml"},
		{"cpu threshold above 100", "PUBSUB_CPU_REJECT_THRESHOLD", "150"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.envKey, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
