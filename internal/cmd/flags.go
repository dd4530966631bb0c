package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bashlet/bashlet/internal/config"
	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

// sandboxFlags are the configuration flags shared by exec and session
// create. Unset flags fall back to the config file defaults.
type sandboxFlags struct {
	fs *pflag.FlagSet

	mounts     []string
	env        []string
	workdir    string
	backend    string
	timeout    string
	memory     string
	vcpus      int
	networking bool
	rootfs     string
}

func (f *sandboxFlags) register(fs *pflag.FlagSet) {
	f.fs = fs
	fs.StringArrayVarP(&f.mounts, "mount", "m", []string{}, "mount host:guest[:ro] into the sandbox (repeatable)")
	fs.StringArrayVarP(&f.env, "env", "e", []string{}, "set KEY=VALUE in the sandbox (repeatable)")
	fs.StringVarP(&f.workdir, "workdir", "w", "", "working directory inside the sandbox")
	fs.StringVarP(&f.backend, "backend", "b", "", "backend: auto, wasm or microvm")
	fs.StringVarP(&f.timeout, "timeout", "t", "", "per-command timeout, e.g. 30s (0 disables)")
	fs.StringVar(&f.memory, "memory", "", "microVM memory, e.g. 512MB")
	fs.IntVar(&f.vcpus, "vcpus", 0, "microVM vCPU count")
	fs.BoolVar(&f.networking, "networking", false, "enable microVM networking")
	fs.StringVar(&f.rootfs, "rootfs-image", "", "persistent root filesystem image, booted in place")
}

// config resolves the flags against the configured defaults. Mounts
// under a blocked path are rejected.
func (f *sandboxFlags) config(a *app) (sandbox.Config, error) {
	var cfg sandbox.Config

	for _, spec := range f.mounts {
		m, err := mount.Parse(spec)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}
		cfg.Mounts = append(cfg.Mounts, *m)
	}
	if err := a.validator.CheckAll(cfg.Mounts); err != nil {
		return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}

	for _, spec := range f.env {
		e, err := mount.ParseEnv(spec)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}
		cfg.Env = append(cfg.Env, e)
	}

	// The built-in default stays implicit so backends can fall back from it.
	cfg.Workdir = f.workdir
	if cfg.Workdir == "" && a.cfg.Defaults.Workdir != sandbox.DefaultWorkdir {
		cfg.Workdir = a.cfg.Defaults.Workdir
	}

	backend := a.cfg.Defaults.Backend
	if f.backend != "" {
		backend = f.backend
	}
	kind, err := sandbox.ParseKind(backend)
	if err != nil {
		return cfg, err
	}
	cfg.Kind = kind

	if f.timeout != "" {
		if cfg.Timeout, err = time.ParseDuration(f.timeout); err != nil {
			return cfg, fmt.Errorf("%w: invalid timeout %q: %v", sandbox.ErrConfig, f.timeout, err)
		}
	} else if cfg.Timeout, err = a.cfg.Timeout(); err != nil {
		return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}

	if f.memory != "" {
		cfg.VM.MemoryMiB, err = config.ParseMemory(f.memory)
	} else {
		cfg.VM.MemoryMiB, err = a.cfg.MemoryMiB()
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}

	cfg.VM.VCPUs = a.cfg.Defaults.VCPUs
	if f.fs.Changed("vcpus") {
		if f.vcpus < 1 {
			return cfg, fmt.Errorf("%w: --vcpus must be at least 1", sandbox.ErrConfig)
		}
		cfg.VM.VCPUs = f.vcpus
	}

	cfg.VM.Networking = a.cfg.Defaults.Networking
	if f.fs.Changed("networking") {
		cfg.VM.Networking = f.networking
	}

	if f.rootfs != "" {
		p, err := homedir.Expand(f.rootfs)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}
		if cfg.VM.RootfsImage, err = filepath.Abs(p); err != nil {
			return cfg, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}
	}

	return cfg, cfg.Validate()
}
