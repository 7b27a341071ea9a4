package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// envSnapshot saves and clears ENTITYPLATFORM_ environment variables so
// tests never leak into each other.
func envSnapshot(t *testing.T) func() {
	t.Helper()
	saved := make(map[string]string)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, EnvPrefix+"_") {
			parts := strings.SplitN(env, "=", 2)
			key := parts[0]
			saved[key] = os.Getenv(key)
			_ = os.Unsetenv(key)
		}
	}
	return func() {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, EnvPrefix+"_") {
				parts := strings.SplitN(env, "=", 2)
				_ = os.Unsetenv(parts[0])
			}
		}
		for key, val := range saved {
			_ = os.Setenv(key, val)
		}
	}
}

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize())
	require.NotNil(t, v)
}

func TestDefaults(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	require.NoError(t, Initialize())

	require.Equal(t, 128, GetInt(KeyCacheL1Size))
	require.Equal(t, time.Hour, GetDuration(KeyCacheL2TTL))
	require.Equal(t, 200, GetInt(KeyAuditDrainBatchSize))
	require.Equal(t, 5, GetInt(KeyAuditMaxAttempts))
	require.Equal(t, 90, GetInt(KeyAuditRetentionDays))
	require.Equal(t, 5*time.Second, GetDuration(KeyTimerPollInterval))
	require.Equal(t, "mysql", GetString(KeySQLDriver))
}

func TestEnvironmentBinding(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	require.NoError(t, os.Setenv("ENTITYPLATFORM_SQL_DSN", "user:pass@tcp(db:3306)/entities"))
	defer os.Unsetenv("ENTITYPLATFORM_SQL_DSN")
	require.NoError(t, os.Setenv("ENTITYPLATFORM_AUDIT_MAX_ATTEMPTS", "9"))
	defer os.Unsetenv("ENTITYPLATFORM_AUDIT_MAX_ATTEMPTS")

	require.NoError(t, Initialize())
	require.Equal(t, "user:pass@tcp(db:3306)/entities", GetString(KeySQLDSN))
	require.Equal(t, 9, GetInt(KeyAuditMaxAttempts))
}

func TestConfigFile(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	tmpDir := t.TempDir()
	cfgDir := filepath.Join(tmpDir, ConfigDirName)
	require.NoError(t, os.MkdirAll(cfgDir, 0o750))

	content := "audit:\n  drain-batch-size: 50\nsql:\n  driver: dolt\n"
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(content), 0o600))

	t.Chdir(tmpDir)
	require.NoError(t, Initialize())

	require.Equal(t, 50, GetInt(KeyAuditDrainBatchSize))
	require.Equal(t, "dolt", GetString(KeySQLDriver))
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	tmpDir := t.TempDir()
	cfgDir := filepath.Join(tmpDir, ConfigDirName)
	require.NoError(t, os.MkdirAll(cfgDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("sql:\n  driver: dolt\n"), 0o600))
	t.Chdir(tmpDir)

	require.NoError(t, os.Setenv("ENTITYPLATFORM_SQL_DRIVER", "mysql"))
	defer os.Unsetenv("ENTITYPLATFORM_SQL_DRIVER")

	require.NoError(t, Initialize())
	require.Equal(t, "mysql", GetString(KeySQLDriver))
}
