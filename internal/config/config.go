// Package config loads entity-platform-core service configuration
// (cache TTLs, drain batch sizes, retention days, partition lookahead,
// timer poll interval) via spf13/viper, layering defaults, a YAML file
// and environment variables into one package-level viper instance, split
// across small per-concern files (cache.go/audit.go/timer.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// v is the package-level viper instance every Get/Set helper reads through.
var v *viper.Viper

// EnvPrefix is the environment-variable prefix (e.g. ENTITYPLATFORM_SQL_DSN)
// every config key can be overridden with.
const EnvPrefix = "ENTITYPLATFORM"

// ConfigDirName is the project-local directory Initialize looks for a
// config.yaml in.
const ConfigDirName = ".entityplatform"

// Initialize (re)builds the package viper instance: defaults, then
// config.yaml (if found under ./.entityplatform or an ancestor), then
// environment variables, in increasing precedence. Safe to call more
// than once (e.g. between table-driven test cases).
func Initialize() error {
	v = viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	registerCacheDefaults()
	registerAuditDefaults()
	registerTimerDefaults()
	registerSQLDefaults()

	if dir, err := findProjectConfigDir(ConfigDirName); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("config: read config.yaml: %w", err)
			}
		}
	}
	return nil
}

func findProjectConfigDir(name string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := cwd
	for {
		candidate := filepath.Join(dir, name)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config: no %s directory found above %s", name, cwd)
		}
		dir = parent
	}
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// GetString returns the string value of key.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns the bool value of key.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns the int value of key.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetDuration returns the time.Duration value of key.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// GetStringSlice returns the []string value of key.
func GetStringSlice(key string) []string { return ensure().GetStringSlice(key) }

// Set overrides key for the remainder of the process (or test). Primarily
// useful from tests and from cobra flag binding in cmd/entityplatformctl.
func Set(key string, value any) { ensure().Set(key, value) }
