// Package config loads the daemon configuration from a YAML file and fills
// in defaults so an empty file yields a runnable setup.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/ember/config.yaml"

// Duration wraps time.Duration so it can be written as "90s" or "5m" in
// YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level daemon configuration.
type Config struct {
	// DataDir is the root for all daemon state: the registry database,
	// snapshot store, per-VM overlays, base image cache and machine dirs.
	// Defaults to /var/lib/ember.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// SocketPath is the Unix socket the control API listens on.
	// Defaults to /run/ember/emberd.sock.
	SocketPath string `yaml:"socket_path"`

	Pool     PoolConfig     `yaml:"pool"`
	Audit    AuditConfig    `yaml:"audit"`
	VM       VMConfig       `yaml:"vm"`
	Firewall FirewallConfig `yaml:"firewall"`
}

// PoolConfig sizes the warm snapshot pool.
type PoolConfig struct {
	// TargetSize is how many warm snapshots the pool maintains.
	TargetSize int `yaml:"target_size"`

	// MaxAge is the staleness bound; a snapshot older than this is
	// refreshed when it returns to the pool. Defaults to 1h.
	MaxAge Duration `yaml:"max_age"`

	// WarmupParallelism bounds concurrent snapshot creation during warmup.
	WarmupParallelism int `yaml:"warmup_parallelism"`
}

// AuditConfig sizes the per-VM denial log.
type AuditConfig struct {
	// Capacity is the number of entries each VM's ring buffer holds.
	Capacity int `yaml:"capacity"`
}

// VMConfig describes the guest shape and its base image.
type VMConfig struct {
	VCPU     int `yaml:"vcpu"`
	MemoryMB int `yaml:"memory_mb"`

	// BootWait bounds how long a VM may take to expose its API socket.
	BootWait Duration `yaml:"boot_wait"`

	// BaseImageRef is an OCI reference for the kernel+rootfs bundle,
	// e.g. ghcr.io/ember/base:v3. When set, KernelPath and RootFSPath
	// are resolved from the pulled bundle.
	BaseImageRef string `yaml:"base_image_ref"`

	// KernelPath and RootFSPath point at local base images and take
	// precedence over BaseImageRef when both are set.
	KernelPath string `yaml:"kernel_path"`
	RootFSPath string `yaml:"rootfs_path"`
}

// FirewallConfig shapes the per-VM isolation chains.
type FirewallConfig struct {
	// AllowedCIDRs lists destinations VM traffic may reach, typically
	// just the control plane. Everything else is dropped.
	AllowedCIDRs []string `yaml:"allowed_cidrs"`

	// HookChains are the built-in chains the per-VM jump rules are
	// inserted into. Defaults to FORWARD and INPUT.
	HookChains []string `yaml:"hook_chains"`
}

// Load reads the config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/ember"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SocketPath == "" {
		c.SocketPath = "/run/ember/emberd.sock"
	}
	if c.Pool.TargetSize == 0 {
		c.Pool.TargetSize = 4
	}
	if c.Pool.MaxAge == 0 {
		c.Pool.MaxAge = Duration(time.Hour)
	}
	if c.Pool.WarmupParallelism == 0 {
		c.Pool.WarmupParallelism = 2
	}
	if c.Audit.Capacity == 0 {
		c.Audit.Capacity = 1024
	}
	if c.VM.VCPU == 0 {
		c.VM.VCPU = 2
	}
	if c.VM.MemoryMB == 0 {
		c.VM.MemoryMB = 512
	}
	if c.VM.BootWait == 0 {
		c.VM.BootWait = Duration(10 * time.Second)
	}
	if c.VM.BaseImageRef == "" && c.VM.KernelPath == "" && c.VM.RootFSPath == "" {
		c.VM.KernelPath = filepath.Join(c.BaseImageCache(), "vmlinux")
		c.VM.RootFSPath = filepath.Join(c.BaseImageCache(), "rootfs.ext4")
	}
	if len(c.Firewall.HookChains) == 0 {
		c.Firewall.HookChains = []string{"FORWARD", "INPUT"}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q (supported: debug, info, warn, error)", c.LogLevel)
	}

	if c.Pool.TargetSize < 0 {
		return fmt.Errorf("pool.target_size must not be negative")
	}
	if c.Audit.Capacity < 1 {
		return fmt.Errorf("audit.capacity must be at least 1")
	}
	if c.VM.BaseImageRef == "" && (c.VM.KernelPath == "" || c.VM.RootFSPath == "") {
		return fmt.Errorf("vm: either base_image_ref or both kernel_path and rootfs_path are required")
	}

	for _, cidr := range c.Firewall.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("firewall: invalid cidr %q: %w", cidr, err)
		}
	}
	return nil
}

// Derived paths under DataDir.

func (c *Config) DatabasePath() string   { return filepath.Join(c.DataDir, "ember.db") }
func (c *Config) SnapshotsDir() string   { return filepath.Join(c.DataDir, "snapshots") }
func (c *Config) OverlaysDir() string    { return filepath.Join(c.DataDir, "overlays") }
func (c *Config) MachinesDir() string    { return filepath.Join(c.DataDir, "machines") }
func (c *Config) BaseImageCache() string { return filepath.Join(c.DataDir, "base") }
