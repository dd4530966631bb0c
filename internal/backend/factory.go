// Package backend selects and constructs sandbox backends.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/microvm"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/bashlet/bashlet/internal/wasm"
	"github.com/rs/zerolog"
)

// VirtCheck reports whether hardware virtualization is usable here and, if
// not, why.
type VirtCheck func() (ok bool, reason string)

// Factory builds backends from a sandbox.Config.
type Factory struct {
	Assets      microvm.Assets
	Log         zerolog.Logger
	BootTimeout time.Duration
	// VirtCheck defaults to DefaultVirtCheck.
	VirtCheck VirtCheck

	// WasmRuntime is a wasmer binary override.
	WasmRuntime string
	// VMM is a hypervisor binary override; empty means the asset cache.
	VMM string
	// Agent is injected into derived guest root filesystems.
	Agent string
	// TapDevice is handed to the firecracker driver for networking.
	TapDevice string
	// Driver overrides the platform microVM driver.
	Driver microvm.Driver
}

// Availability describes one backend on this host.
type Availability struct {
	Backend   sandbox.Kind `json:"backend"`
	Available bool         `json:"available"`
	Reason    string       `json:"reason,omitempty"`
	Default   bool         `json:"default"`
}

func (f *Factory) virtualization() (bool, string) {
	if f.VirtCheck != nil {
		return f.VirtCheck()
	}
	return DefaultVirtCheck()
}

// Resolve maps a requested kind to the backend that will run. Auto
// prefers the microVM when virtualization is available.
func (f *Factory) Resolve(kind sandbox.Kind) (sandbox.Kind, error) {
	switch kind {
	case sandbox.KindWasm:
		return sandbox.KindWasm, nil
	case sandbox.KindMicroVM:
		if ok, reason := f.virtualization(); !ok {
			return "", &sandbox.BackendUnavailableError{Backend: string(sandbox.KindMicroVM), Reason: reason}
		}
		return sandbox.KindMicroVM, nil
	case sandbox.KindAuto, "":
		if ok, reason := f.virtualization(); !ok {
			f.Log.Debug().Str("reason", reason).Msg("virtualization unavailable, using wasm")
			return sandbox.KindWasm, nil
		}
		return sandbox.KindMicroVM, nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q", sandbox.ErrConfig, kind)
	}
}

// New constructs the backend cfg asks for. The returned backend is
// ready to execute; the caller owns its Shutdown.
func (f *Factory) New(ctx context.Context, cfg sandbox.Config) (sandbox.Backend, error) {
	if f.Assets == nil {
		return nil, fmt.Errorf("%w: no asset manager configured", sandbox.ErrConfig)
	}
	kind, err := f.Resolve(cfg.Kind)
	if err != nil {
		return nil, err
	}
	cfg.Kind = kind

	f.Log.Debug().Str("backend", string(kind)).Msg("creating backend")
	switch kind {
	case sandbox.KindWasm:
		return wasm.New(ctx, cfg, wasm.Deps{Assets: f.Assets, Log: f.Log, Runtime: f.WasmRuntime})
	default:
		driver, err := f.driver()
		if err != nil {
			return nil, &sandbox.BackendUnavailableError{Backend: string(sandbox.KindMicroVM), Reason: err.Error()}
		}
		return microvm.New(ctx, cfg, microvm.Deps{
			Assets:      f.Assets,
			Driver:      driver,
			Log:         f.Log,
			BootTimeout: f.BootTimeout,
			Agent:       f.Agent,
		})
	}
}

func (f *Factory) driver() (microvm.Driver, error) {
	if f.Driver != nil {
		return f.Driver, nil
	}
	return microvm.DefaultDriver(f.resolveVMM, f.TapDevice)
}

func (f *Factory) resolveVMM(ctx context.Context) (string, error) {
	if f.VMM != "" {
		if _, err := os.Stat(f.VMM); err != nil {
			return "", fmt.Errorf("%w: hypervisor binary: %v", sandbox.ErrConfig, err)
		}
		return f.VMM, nil
	}
	return f.Assets.Ensure(ctx, artifacts.KindVMM)
}

// Available reports every backend and which one auto would pick.
func (f *Factory) Available() []Availability {
	ok, reason := f.virtualization()
	return []Availability{
		{Backend: sandbox.KindMicroVM, Available: ok, Reason: reason, Default: ok},
		{Backend: sandbox.KindWasm, Available: true, Default: !ok},
	}
}

// DefaultAgentPath looks for the guest agent next to the running
// executable. The guest is always linux, so off linux the binary carries
// a platform suffix. Empty means none was found.
func DefaultAgentPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	name := "bashlet-agent"
	if runtime.GOOS != "linux" {
		name += "-linux-" + runtime.GOARCH
	}
	path := filepath.Join(filepath.Dir(exe), name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
