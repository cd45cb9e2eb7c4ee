package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
node:
  id: 3
listener:
  enabled: true
  port: 2201
endpoints:
  - name: orders
    mode: durable
    max_parallelism: 4
  - name: audit
    mode: buffered
persistence:
  type: sqlite
database:
  sqlite:
    path: /tmp/postal.db
policy:
  max_attempts: 5
  rules:
    - name: back off on timeouts
      when: 'error.contains("timeout")'
      action: schedule
      delay: 30s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Node.ID)
	assert.Equal(t, "postal", cfg.Node.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.Listener.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Listener.ExchangeTimeout)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "durable", cfg.Endpoints[0].Mode)
	assert.Equal(t, 4, cfg.Endpoints[0].MaxParallelism)
	assert.Equal(t, "sqlite", cfg.Persistence.Type)
	assert.True(t, cfg.Persistence.Recovery.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Persistence.Recovery.HandledRetention)
	require.Len(t, cfg.Policy.Rules, 1)
	assert.Equal(t, 30*time.Second, cfg.Policy.Rules[0].Delay)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NODE_ID", "9")
	t.Setenv("LISTENER_EXCHANGE_TIMEOUT", "250ms")
	t.Setenv("PERSISTENCE_RECOVERY_HANDLED_RETENTION", "1h")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Node.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Listener.ExchangeTimeout)
	assert.Equal(t, time.Hour, cfg.Persistence.Recovery.HandledRetention)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Node:        NodeConfig{ID: 1},
		Server:      ServerConfig{Port: 8080, ReadTimeoutSeconds: 10, WriteTimeoutSeconds: 10},
		Persistence: PersistenceConfig{Type: "memory"},
	}
}

func TestValidateStatic(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "node zero reserved", mutate: func(c *Config) { c.Node.ID = 0 }, wantErr: "node.id"},
		{name: "unknown mode", mutate: func(c *Config) {
			c.Endpoints = []EndpointConfig{{Name: "a", Mode: "eventual"}}
		}, wantErr: "endpoints[0].mode"},
		{name: "duplicate endpoint", mutate: func(c *Config) {
			c.Endpoints = []EndpointConfig{{Name: "a"}, {Name: "a"}}
		}, wantErr: "duplicate endpoint"},
		{name: "bad forward address", mutate: func(c *Config) {
			c.Endpoints = []EndpointConfig{{Name: "a", ForwardTo: "nohost"}}
		}, wantErr: "forward_to"},
		{name: "postgres without settings", mutate: func(c *Config) { c.Persistence.Type = "postgres" }, wantErr: "database.postgres.host"},
		{name: "dedup without redis", mutate: func(c *Config) { c.Persistence.Dedup.Enabled = true }, wantErr: "persistence.dedup.enabled"},
		{name: "kafka sink without topic", mutate: func(c *Config) {
			c.DeadLetters.Kafka = KafkaSinkConfig{Enabled: true, Brokers: []string{"localhost:9092"}}
		}, wantErr: "dead_letters.kafka.topic"},
		{name: "schedule without delay", mutate: func(c *Config) {
			c.Policy.Rules = []RuleConfig{{When: "true", Action: "schedule"}}
		}, wantErr: "delay"},
		{name: "negative handled retention", mutate: func(c *Config) {
			c.Persistence.Recovery.HandledRetention = -time.Minute
		}, wantErr: "handled_retention"},
		{name: "unknown action", mutate: func(c *Config) {
			c.Policy.Rules = []RuleConfig{{When: "true", Action: "ignore"}}
		}, wantErr: "unknown action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
