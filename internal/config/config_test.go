package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.NotEmpty(t, cfg.PodID)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, "broadcast-selected", cfg.TopicSelected)
	assert.Equal(t, "broadcast-group", cfg.TopicGroup)
	assert.Equal(t, 3, cfg.ConsumerMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 72*time.Hour, cfg.SessionRetention)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("POD_ID", "pod-7")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pod-7", cfg.PodID)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestStaleThreshold(t *testing.T) {
	cfg := Config{HeartbeatInterval: 30 * time.Second, StaleMultiplier: 3}
	assert.Equal(t, 90*time.Second, cfg.StaleThreshold())

	cfg.StaleMultiplier = 0
	assert.Equal(t, 90*time.Second, cfg.StaleThreshold())
}

func TestTopicAndGroupHelpers(t *testing.T) {
	cfg := Config{ConsumerGroupPrefix: "broadcast-hub", PodID: "pod-7"}
	assert.Equal(t, "broadcast-selected.dlt", cfg.DLTTopic("broadcast-selected"))
	assert.Equal(t, "broadcast-hub-pod-7", cfg.ConsumerGroup())
}

func TestEnvModes(t *testing.T) {
	assert.True(t, Config{AppEnv: "DEV"}.IsDev())
	assert.True(t, Config{AppEnv: "Prod"}.IsProd())
	assert.False(t, Config{AppEnv: "staging"}.IsDev())
	assert.False(t, Config{AppEnv: "staging"}.IsProd())
}
