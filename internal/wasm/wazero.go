package wasm

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// wazeroEngine runs a plain WASI shell module in process. The module is
// compiled once and instantiated per invocation.
type wazeroEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

func newWazeroEngine(ctx context.Context, pkg string) (*wazeroEngine, error) {
	bin, err := os.ReadFile(pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sandbox package: %v", sandbox.ErrConfig, err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: failed to instantiate WASI: %v", sandbox.ErrConfig, err)
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("%w: invalid sandbox module: %v", sandbox.ErrConfig, err)
	}
	return &wazeroEngine{runtime: rt, compiled: compiled}, nil
}

func (e *wazeroEngine) name() string { return "wazero" }

func (e *wazeroEngine) close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func (e *wazeroEngine) run(ctx context.Context, inv invocation) (*sandbox.CommandResult, error) {
	fsConfig := wazero.NewFSConfig()
	for _, m := range inv.mounts {
		if m.ReadOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
		} else {
			fsConfig = fsConfig.WithDirMount(m.HostPath, m.GuestPath)
		}
	}

	stdin := inv.stdin
	if stdin == nil {
		stdin = emptyReader{}
	}
	var stdout, stderr bytes.Buffer

	args := append([]string{"sh", "-c", inv.script, "sh"}, inv.args...)
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so invocations can overlap
		WithArgs(args...).
		WithStdin(stdin).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, kv := range inv.env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			cfg = cfg.WithEnv(k, v)
		}
	}

	code := 0
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: wasm module failed: %v", sandbox.ErrExecution, err)
		}
		code = int(exitErr.ExitCode())
	}
	return &sandbox.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
