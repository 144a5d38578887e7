package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8765, config.Server.Port)
	assert.Equal(t, 5, config.Bus.RetryLimit)
	assert.True(t, config.Embedding.Offline)
	assert.Equal(t, "UTC", config.Scheduler.TenantTimeZone)
	assert.Equal(t, "idle", config.Scheduler.StartupReset)
	assert.Equal(t, 1, config.Workers.DefaultCount)
}

func TestLoadConfigOverridesInOrder(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(base, []byte(`
[server]
port = 9000

[bus]
retry_limit = 3
`), 0o644))

	override := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9100
`), 0o644))

	config, err := LoadConfig(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, 3, config.Bus.RetryLimit)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`
[logging]
level = "shouting"
`), 0o644))

	_, err := LoadConfig(bad)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DB_URL_RW", "postgres://rw.example/colligo")
	t.Setenv("BUS_URL", "amqp://broker.example")
	t.Setenv("RETRY_LIMIT", "9")
	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("WORKER_COUNTS", "free/extraction=4,tenant:7/transform=2")

	config, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "postgres://rw.example/colligo", config.Database.URLRW)
	assert.Equal(t, "amqp://broker.example", config.Bus.URL)
	assert.Equal(t, 9, config.Bus.RetryLimit)
	assert.Equal(t, "test-key", config.Embedding.APIKey)
	assert.False(t, config.Embedding.Offline)
	assert.Equal(t, 4, config.Workers.Counts["free/extraction"])
	assert.Equal(t, 2, config.Workers.Counts["tenant:7/transform"])
}

func TestParseWorkerCounts(t *testing.T) {
	counts, err := ParseWorkerCounts("free/extraction=4, premium/extraction=8,tenant:3/embedding=1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"free/extraction":    4,
		"premium/extraction": 8,
		"tenant:3/embedding": 1,
	}, counts)

	_, err = ParseWorkerCounts("free/extraction")
	assert.Error(t, err)

	_, err = ParseWorkerCounts("free/extraction=-1")
	assert.Error(t, err)
}

func TestWorkerCount(t *testing.T) {
	config := DefaultConfig()
	config.Workers.Counts = map[string]int{"premium/extraction": 6}
	config.Workers.DefaultCount = 2

	assert.Equal(t, 6, config.WorkerCount("premium/extraction"))
	assert.Equal(t, 2, config.WorkerCount("free/extraction"))

	config.Workers.DefaultCount = 0
	assert.Equal(t, 1, config.WorkerCount("free/extraction"))
}
