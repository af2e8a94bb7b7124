package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 10000, cfg.Server.MaxConnections)
	assert.Equal(t, 100, cfg.Server.MaxSubscriptionsPerConn)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "mock", cfg.Engine.DataSource)
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "0.0.0.0:9090", cfg.MetricsAddr())
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klinehub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n  max_connections: 50\n"), 0o644))

	t.Setenv("WEBSOCKET_PORT", "7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port, "environment wins over YAML")
	assert.Equal(t, 50, cfg.Server.MaxConnections, "YAML wins over defaults")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"WEBSOCKET_PORT": "70000"}},
		{"bad balancing", map[string]string{"LOAD_BALANCING_STRATEGY": "random"}},
		{"bad discovery", map[string]string{"SERVICE_DISCOVERY_BACKEND": "zookeeper"}},
		{"bad source", map[string]string{"DATA_SOURCE": "csv"}},
		{"ssl without cert", map[string]string{"SSL_ENABLED": "true"}},
		{"auth without secret", map[string]string{"ENABLE_AUTH": "true"}},
		{"zero concurrency", map[string]string{"BATCH_CONCURRENCY": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestRedisAddr(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.internal")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
}

func TestYAMLParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
