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
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.HttpListenAddr)
	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.RateLimitInterval)
	assert.Equal(t, time.Second, cfg.UnitDelay)
	assert.Empty(t, cfg.DownstreamURL)
	assert.Empty(t, cfg.EtcdEndpoints)
	assert.Equal(t, "@every 30s", cfg.StatsSchedule)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("RATE_LIMIT_INTERVAL", "250ms")
	t.Setenv("ETCD_ENDPOINTS", "http://a:2379, http://b:2379")
	t.Setenv("ADMISSION_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.HttpListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimitInterval)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.EtcdEndpoints)
	assert.InDelta(t, 2.5, cfg.AdmissionRPS, 0.001)
}

func TestLoadExplicitListenAddrWinsOverPort(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("HTTP_LISTEN_ADDR", "127.0.0.1:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HttpListenAddr)
}

func TestValidate(t *testing.T) {
	base := Config{HttpListenAddr: ":5000", BatchSize: 3}
	require.NoError(t, base.Validate())

	bad := base
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.AdmissionRPS = 1
	bad.AdmissionBurst = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.RateLimitInterval = -time.Second
	assert.Error(t, bad.Validate())
}

func TestLoadRejectsInvalidBatchSize(t *testing.T) {
	t.Setenv("BATCH_SIZE", "0")
	_, err := Load()
	assert.Error(t, err)
}

// withConfigFile runs the test from a directory holding configs/config.yaml.
func withConfigFile(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(yaml), 0o644))
	t.Chdir(dir)
}

func TestLoadFromConfigFile(t *testing.T) {
	withConfigFile(t, "http_listen_addr: \":5000\"\nbatch_size: 4\nrate_limit_interval: 2s\n")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.HttpListenAddr)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.RateLimitInterval)
}

func TestLoadPortOverridesConfigFile(t *testing.T) {
	withConfigFile(t, "http_listen_addr: \":5000\"\n")
	t.Setenv("PORT", "8081")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HttpListenAddr)
}

func TestLoadListenAddrEnvWinsOverPortAndConfigFile(t *testing.T) {
	withConfigFile(t, "http_listen_addr: \":5000\"\n")
	t.Setenv("PORT", "8081")
	t.Setenv("HTTP_LISTEN_ADDR", "127.0.0.1:9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HttpListenAddr)
}
