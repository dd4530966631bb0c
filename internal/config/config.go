package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// HardcodedBlockedPaths are credential locations that can never be mounted
// into a sandbox, regardless of user config.
var HardcodedBlockedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.config/gcloud",
	"~/.gnupg",
	"~/.password-store",
	"~/.docker/config.json",
	"~/.bashlet",
}

// Config represents the bashlet configuration
type Config struct {
	Defaults     Defaults `mapstructure:"defaults"`
	MicroVM      MicroVM  `mapstructure:"microvm"`
	Wasm         Wasm     `mapstructure:"wasm"`
	Assets       Assets   `mapstructure:"assets"`
	Log          Log      `mapstructure:"log"`
	BlockedPaths []string `mapstructure:"blocked_paths"`
}

// Defaults are applied when a caller leaves a field unset
type Defaults struct {
	Backend    string `mapstructure:"backend"`
	Workdir    string `mapstructure:"workdir"`
	Timeout    string `mapstructure:"timeout"`
	Memory     string `mapstructure:"memory"`
	VCPUs      int    `mapstructure:"vcpus"`
	Networking bool   `mapstructure:"networking"`
}

// MicroVM holds local overrides for the microVM backend. Empty paths
// mean the asset cache is used.
type MicroVM struct {
	BootTimeout string `mapstructure:"boot_timeout"`
	Kernel      string `mapstructure:"kernel"`
	Rootfs      string `mapstructure:"rootfs"`
	Binary      string `mapstructure:"binary"`
	// Agent is a guest agent binary written into each derived rootfs.
	Agent string `mapstructure:"agent"`
	// TapDevice is a pre-created tap interface used when networking is
	// enabled on firecracker.
	TapDevice string `mapstructure:"tap_device"`
}

// Wasm holds local overrides for the WASM backend
type Wasm struct {
	Package string `mapstructure:"package"`
}

// Assets controls download sources and integrity pins
type Assets struct {
	AllowUnpinned bool              `mapstructure:"allow_unpinned"`
	Digests       map[string]string `mapstructure:"digests"`
	URLs          map[string]string `mapstructure:"urls"`
}

// Log configures the process logger
type Log struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file (when present), BASHLET_* environment
// variables and defaults. An empty path means ~/.bashlet/config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("bashlet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.MicroVM.Kernel = expandPath(cfg.MicroVM.Kernel)
	cfg.MicroVM.Rootfs = expandPath(cfg.MicroVM.Rootfs)
	cfg.MicroVM.Binary = expandPath(cfg.MicroVM.Binary)
	cfg.MicroVM.Agent = expandPath(cfg.MicroVM.Agent)
	cfg.Wasm.Package = expandPath(cfg.Wasm.Package)
	cfg.BlockedPaths = mergeBlockedPaths(expandPaths(cfg.BlockedPaths), expandPaths(HardcodedBlockedPaths))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.backend", "auto")
	v.SetDefault("defaults.workdir", "/workspace")
	v.SetDefault("defaults.timeout", "300s")
	v.SetDefault("defaults.memory", "256MB")
	v.SetDefault("defaults.vcpus", 1)
	v.SetDefault("defaults.networking", false)

	v.SetDefault("microvm.boot_timeout", "30s")
	v.SetDefault("microvm.kernel", "")
	v.SetDefault("microvm.rootfs", "")
	v.SetDefault("microvm.binary", "")
	v.SetDefault("microvm.agent", "")
	v.SetDefault("microvm.tap_device", "")

	v.SetDefault("wasm.package", "")

	v.SetDefault("assets.allow_unpinned", false)
	v.SetDefault("assets.digests", map[string]string{})
	v.SetDefault("assets.urls", map[string]string{})

	v.SetDefault("log.level", "info")

	blocked := []string{
		"~/.mozilla",
		"~/.config/google-chrome",
		"~/.netrc",
		"~/.npmrc",
		"~/.pypirc",
		"~/.kube",
		"~/.config/gh",
		"~/.azure",
	}
	switch runtime.GOOS {
	case "darwin":
		blocked = append(blocked, "~/Library/Keychains")
	case "linux":
		blocked = append(blocked, "~/.local/share/keyrings")
	}
	v.SetDefault("blocked_paths", blocked)
}

func (c *Config) validate() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.BootTimeout(); err != nil {
		return err
	}
	if _, err := c.MemoryMiB(); err != nil {
		return err
	}
	if c.Defaults.VCPUs < 1 {
		return fmt.Errorf("invalid defaults.vcpus %d: must be at least 1", c.Defaults.VCPUs)
	}
	return nil
}

// Timeout returns the default per-command timeout.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Defaults.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid defaults.timeout %q: %w", c.Defaults.Timeout, err)
	}
	return d, nil
}

// BootTimeout returns how long a microVM may take to answer its first ping.
func (c *Config) BootTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.MicroVM.BootTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid microvm.boot_timeout %q: %w", c.MicroVM.BootTimeout, err)
	}
	return d, nil
}

// MemoryMiB returns the default guest memory in MiB.
func (c *Config) MemoryMiB() (int, error) {
	return ParseMemory(c.Defaults.Memory)
}

// ParseMemory converts "256MB", "2G" or a bare MiB count to MiB.
func ParseMemory(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	units := []struct {
		suffix string
		mul    int
	}{
		{"GIB", 1024}, {"GB", 1024}, {"G", 1024},
		{"MIB", 1}, {"MB", 1}, {"M", 1},
	}
	mul := 1
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mul = u.mul
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return n * mul, nil
}

// Dir returns the bashlet state directory (~/.bashlet). BASHLET_HOME overrides it.
func Dir() (string, error) {
	if dir := os.Getenv("BASHLET_HOME"); dir != "" {
		return expandPath(dir), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".bashlet"), nil
}

// CacheDir is where downloaded assets live.
func CacheDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// SessionsDir is where session records live.
func SessionsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

func expandPath(p string) string {
	if p == "" {
		return ""
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return expanded
}

func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, p := range paths {
		expanded[i] = expandPath(p)
	}
	return expanded
}

// mergeBlockedPaths puts hardcoded paths first and drops duplicates.
func mergeBlockedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	for _, list := range [][]string{hardcodedPaths, userPaths} {
		for _, p := range list {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			result = append(result, p)
		}
	}

	return result
}
