// Package config implements the two-tier configuration of §1's ambient
// stack: process-wide settings read from the environment (REVFS_* vars,
// a LoadFromEnv/Validate convention, plus a per-repository revfs.yaml file
// holding the repo-format knobs §4.D/§4.I need at fs-open time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings sourced from the environment.
type Config struct {
	DataDir            string
	LogLevel           string
	LockDefaultTimeout int64 // seconds; 0 means locks never expire by default
}

// LoadFromEnv builds a Config from REVFS_DATA_DIR, REVFS_LOG_LEVEL and
// REVFS_LOCK_DEFAULT_TIMEOUT, applying defaults for anything unset.
func LoadFromEnv() (*Config, error) {
	c := &Config{
		DataDir:            ".",
		LogLevel:           "info",
		LockDefaultTimeout: 0,
	}
	if v := os.Getenv("REVFS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("REVFS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REVFS_LOCK_DEFAULT_TIMEOUT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: REVFS_LOCK_DEFAULT_TIMEOUT: %w", err)
		}
		c.LockDefaultTimeout = n
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects values LoadFromEnv or a caller-constructed Config
// cannot act on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unrecognized log level %q", c.LogLevel)
	}
	if c.LockDefaultTimeout < 0 {
		return fmt.Errorf("config: negative lock timeout %d", c.LockDefaultTimeout)
	}
	return nil
}

// RepoConfig is the repo-format knob set stored in a repository's
// revfs.yaml: a deltification window (recorded and shown by `revfs info`;
// the skip-deltification policy in pkg/repstore uses its own fixed
// threshold and does not read it), the default lock timeout applied when
// a caller doesn't specify one, and whether the
// branch/element layer (§4.J) is enabled for this repository.
type RepoConfig struct {
	DeltifyWindow      int   `yaml:"deltify_window"`
	LockDefaultTimeout int64 `yaml:"lock_default_timeout"`
	BranchLayerEnabled bool  `yaml:"branch_layer_enabled"`
}

// DefaultRepoConfig is what `revfs init` writes when the caller supplies
// no overrides.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		DeltifyWindow:      16,
		LockDefaultTimeout: 0,
		BranchLayerEnabled: true,
	}
}

const repoConfigFileName = "revfs.yaml"

// LoadRepoConfig reads <dataDir>/revfs.yaml, falling back to
// DefaultRepoConfig when the file doesn't exist. Environment settings
// win over file settings: a non-zero Config.LockDefaultTimeout overrides
// whatever revfs.yaml specifies, an "env wins" precedence for layered
// configuration.
func LoadRepoConfig(dataDir string, env *Config) (RepoConfig, error) {
	rc := DefaultRepoConfig()
	path := filepath.Join(dataDir, repoConfigFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&rc, env)
			return rc, nil
		}
		return rc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &rc); err != nil {
		return rc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	applyEnvOverrides(&rc, env)
	return rc, nil
}

// SaveRepoConfig writes rc to <dataDir>/revfs.yaml, as `revfs init` does
// at repository creation time.
func SaveRepoConfig(dataDir string, rc RepoConfig) error {
	raw, err := yaml.Marshal(rc)
	if err != nil {
		return err
	}
	path := filepath.Join(dataDir, repoConfigFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(rc *RepoConfig, env *Config) {
	if env != nil && env.LockDefaultTimeout != 0 {
		rc.LockDefaultTimeout = env.LockDefaultTimeout
	}
}
