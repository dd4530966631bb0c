package sandbox

import (
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/bashlet/bashlet/internal/mount"
)

// DefaultWorkdir is the working directory used when Config.Workdir is empty.
const DefaultWorkdir = "/workspace"

// VMOptions are microVM specific overrides.
type VMOptions struct {
	VCPUs      int  `json:"vcpu_count,omitempty"`
	MemoryMiB  int  `json:"memory_mib,omitempty"`
	Networking bool `json:"enable_networking,omitempty"`
	// RootfsImage is a caller-owned persistent root filesystem. It is
	// booted in place and never copied or removed.
	RootfsImage string `json:"rootfs_image,omitempty"`
}

// Config is everything needed to construct one backend.
type Config struct {
	Mounts  []mount.Mount
	Env     []mount.EnvVar
	Workdir string
	// Timeout bounds every operation; zero means no limit.
	Timeout time.Duration
	Kind    Kind
	// InstanceID names instance-scoped storage. Empty means a fresh id.
	InstanceID string
	VM         VMOptions
}

// Clone returns a deep copy so a backend never aliases caller slices.
func (c Config) Clone() Config {
	c.Mounts = slices.Clone(c.Mounts)
	c.Env = slices.Clone(c.Env)
	return c
}

// WorkdirOrDefault returns Workdir, or DefaultWorkdir when unset.
func (c Config) WorkdirOrDefault() string {
	if c.Workdir == "" {
		return DefaultWorkdir
	}
	return c.Workdir
}

// Validate rejects malformed configuration before any engine starts.
// Host mount paths are checked for existence here and again at
// invocation time.
func (c Config) Validate() error {
	for _, m := range c.Mounts {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	for _, e := range c.Env {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	if c.Workdir != "" && !path.IsAbs(c.Workdir) {
		return fmt.Errorf("%w: workdir must be absolute: %s", ErrConfig, c.Workdir)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout cannot be negative", ErrConfig)
	}
	if c.VM.VCPUs < 0 || c.VM.MemoryMiB < 0 {
		return fmt.Errorf("%w: vcpu and memory overrides cannot be negative", ErrConfig)
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	return nil
}

// CheckMounts verifies every host path still exists. Backends call it at
// invocation time since directories can disappear between calls.
func CheckMounts(mounts []mount.Mount) error {
	for _, m := range mounts {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	return nil
}
