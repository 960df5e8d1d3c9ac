package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, slog.LevelInfo, cfg.Server.LogLevel)
	assert.Equal(t, 20*time.Millisecond, cfg.Token.ValidateTimeout)
	assert.Equal(t, time.Second, cfg.Token.CacheStaleness)
	assert.Equal(t, 2*time.Second, cfg.Exclusion.CacheStaleness)
	assert.Equal(t, 2, cfg.Token.Scheme)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Propagation.DefaultTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NSER_ADDR", ":9090")
	t.Setenv("NSER_LOG_LEVEL", "debug")
	t.Setenv("NSER_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("NSER_PROPAGATION_WORKERS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, slog.LevelDebug, cfg.Server.LogLevel)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Propagation.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]struct {
		key, value string
	}{
		"bad duration":       {"NSER_TOKEN_VALIDATE_TIMEOUT", "soon"},
		"bad integer":        {"NSER_PROPAGATION_WORKERS", "many"},
		"bad log format":     {"NSER_LOG_FORMAT", "xml"},
		"stale lookup cache": {"NSER_EXCLUSION_CACHE_STALENESS", "5s"},
		"webhook timeout":    {"NSER_PROPAGATION_WEBHOOK_TIMEOUT", "30s"},
		"unknown scheme":     {"NSER_TOKEN_SCHEME", "3"},
		"bad jitter":         {"NSER_PROPAGATION_JITTER", "1.5"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestClampWebhookTimeout(t *testing.T) {
	def := 5 * time.Second
	assert.Equal(t, def, ClampWebhookTimeout(0, def))
	assert.Equal(t, time.Second, ClampWebhookTimeout(10*time.Millisecond, def))
	assert.Equal(t, 10*time.Second, ClampWebhookTimeout(time.Minute, def))
	assert.Equal(t, 3*time.Second, ClampWebhookTimeout(3*time.Second, def))
}
