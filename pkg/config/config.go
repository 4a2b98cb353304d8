package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the broker's full configuration surface (spec.md §6).
type Config struct {
	DataDir                   string        `yaml:"data_dir"`
	MaxKernels                int           `yaml:"max_kernels"`
	MemoryLimitBytesPerKernel int64         `yaml:"memory_limit_bytes_per_kernel"`
	DefaultTimeout            time.Duration `yaml:"default_timeout"`
	AssetMaxAge               time.Duration `yaml:"asset_max_age"`
	OrphanRing                int           `yaml:"orphan_ring"`
	PackageAllowlist          []string      `yaml:"package_allowlist"`
	AllowedRoot               string        `yaml:"allowed_root"`
	SessionToken              string        `yaml:"session_token"`
	ListenAddr                string        `yaml:"listen_addr"`
	KernelCommand             []string      `yaml:"kernel_command"`
}

// yamlShadow mirrors Config but with plain-number yaml fields for the two
// duration values, in whole seconds and hours, the same units as the
// DEFAULT_TIMEOUT and ASSET_MAX_AGE_HOURS environment variables.
type yamlShadow struct {
	DataDir                   string   `yaml:"data_dir"`
	MaxKernels                int      `yaml:"max_kernels"`
	MemoryLimitBytesPerKernel int64    `yaml:"memory_limit_bytes_per_kernel"`
	DefaultTimeoutSeconds     int      `yaml:"default_timeout_seconds"`
	AssetMaxAgeHours          int      `yaml:"asset_max_age_hours"`
	OrphanRing                int      `yaml:"orphan_ring"`
	PackageAllowlist          []string `yaml:"package_allowlist"`
	AllowedRoot               string   `yaml:"allowed_root"`
	SessionToken              string   `yaml:"session_token"`
	ListenAddr                string   `yaml:"listen_addr"`
	KernelCommand             []string `yaml:"kernel_command"`
}

// Default returns the configuration surface's documented defaults
// (spec.md §6) before environment or file overrides are applied.
func Default() *Config {
	dataDir, err := os.UserConfigDir()
	if err != nil || dataDir == "" {
		dataDir = "."
	}
	return &Config{
		DataDir:        filepath.Join(dataDir, "notebroker"),
		MaxKernels:     10,
		DefaultTimeout: 300 * time.Second,
		AssetMaxAge:    24 * time.Hour,
		OrphanRing:     1000,
		ListenAddr:     "127.0.0.1:8765",
		KernelCommand:  []string{"python3", "-u", "-m", "notebroker_kernel"},
	}
}

// Load builds a Config starting from Default, applying environment
// variables, then an optional YAML file at path (if non-empty and it
// exists). A missing SESSION_TOKEN is auto-generated, matching spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.applyFile(path); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if cfg.SessionToken == "" {
		cfg.SessionToken = uuid.NewString()
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v, ok := envInt("MAX_KERNELS"); ok {
		c.MaxKernels = v
	}
	if v, ok := envInt64("MEMORY_LIMIT_BYTES_PER_KERNEL"); ok {
		c.MemoryLimitBytesPerKernel = v
	}
	if v, ok := envInt("DEFAULT_TIMEOUT"); ok {
		c.DefaultTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("ASSET_MAX_AGE_HOURS"); ok {
		c.AssetMaxAge = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("ORPHAN_RING"); ok {
		c.OrphanRing = v
	}
	if v := os.Getenv("PACKAGE_ALLOWLIST"); v != "" {
		c.PackageAllowlist = strings.Split(v, ",")
	}
	if v := os.Getenv("ALLOWED_ROOT"); v != "" {
		c.AllowedRoot = v
	}
	if v := os.Getenv("SESSION_TOKEN"); v != "" {
		c.SessionToken = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	shadow := yamlShadow{
		DataDir:                   c.DataDir,
		MaxKernels:                c.MaxKernels,
		MemoryLimitBytesPerKernel: c.MemoryLimitBytesPerKernel,
		DefaultTimeoutSeconds:     int(c.DefaultTimeout / time.Second),
		AssetMaxAgeHours:          int(c.AssetMaxAge / time.Hour),
		OrphanRing:                c.OrphanRing,
		PackageAllowlist:          c.PackageAllowlist,
		AllowedRoot:               c.AllowedRoot,
		SessionToken:              c.SessionToken,
		ListenAddr:                c.ListenAddr,
		KernelCommand:             c.KernelCommand,
	}
	if err := yaml.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	c.DataDir = shadow.DataDir
	c.MaxKernels = shadow.MaxKernels
	c.MemoryLimitBytesPerKernel = shadow.MemoryLimitBytesPerKernel
	c.DefaultTimeout = time.Duration(shadow.DefaultTimeoutSeconds) * time.Second
	c.AssetMaxAge = time.Duration(shadow.AssetMaxAgeHours) * time.Hour
	c.OrphanRing = shadow.OrphanRing
	c.PackageAllowlist = shadow.PackageAllowlist
	c.AllowedRoot = shadow.AllowedRoot
	c.SessionToken = shadow.SessionToken
	c.ListenAddr = shadow.ListenAddr
	c.KernelCommand = shadow.KernelCommand
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
