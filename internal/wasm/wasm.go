// Package wasm runs commands inside a WASI sandbox. Every call is a fresh
// runtime invocation of the sandbox shell package, so nothing persists
// between calls beyond what lands in read-write mounts.
package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/syntax"
)

const backendName = "wasm"

var (
	magicWebc = []byte("\x00webc")
	magicWasm = []byte("\x00asm")
)

// Assets resolves cached artifacts to local paths.
type Assets interface {
	Ensure(ctx context.Context, kind artifacts.Kind) (string, error)
}

// Deps are the collaborators a Backend needs.
type Deps struct {
	Assets Assets
	Log    zerolog.Logger
	// Runtime is a wasmer binary to use instead of PATH or the cache.
	Runtime string
}

// invocation is one shell run inside the sandbox.
type invocation struct {
	script string
	args   []string
	stdin  io.Reader
	env    []string
	mounts []mount.Mount
}

type engine interface {
	run(ctx context.Context, inv invocation) (*sandbox.CommandResult, error)
	name() string
	close(ctx context.Context) error
}

// Backend executes commands with a WASI shell package.
type Backend struct {
	sandbox.Base

	cfg    sandbox.Config
	pkg    string
	engine engine
	log    zerolog.Logger
}

var _ sandbox.Backend = (*Backend)(nil)

// New resolves the sandbox package and prepares the engine that matches
// its format.
func New(ctx context.Context, cfg sandbox.Config, deps Deps) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	log := deps.Log.With().Str("component", "wasm").Logger()

	if deps.Assets == nil {
		return nil, fmt.Errorf("%w: no asset manager configured", sandbox.ErrConfig)
	}
	pkg, err := deps.Assets.Ensure(ctx, artifacts.KindSandboxPackage)
	if err != nil {
		return nil, err
	}

	format, err := sniff(pkg)
	if err != nil {
		return nil, err
	}

	var eng engine
	switch format {
	case "webc":
		runtime, err := resolveRuntime(ctx, deps)
		if err != nil {
			return nil, err
		}
		eng = &cliEngine{binary: runtime, pkg: pkg, log: log}
	case "wasm":
		eng, err = newWazeroEngine(ctx, pkg)
		if err != nil {
			return nil, err
		}
	}

	log.Debug().Str("package", pkg).Str("engine", eng.name()).Msg("wasm backend ready")
	return &Backend{cfg: cfg, pkg: pkg, engine: eng, log: log}, nil
}

// sniff identifies the package format from its leading bytes.
func sniff(pkg string) (string, error) {
	f, err := os.Open(pkg)
	if err != nil {
		return "", fmt.Errorf("%w: sandbox package unreadable: %v", sandbox.ErrConfig, err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 8)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, magicWebc):
		return "webc", nil
	case bytes.HasPrefix(head, magicWasm):
		return "wasm", nil
	default:
		return "", fmt.Errorf("%w: %s is not a webc or wasm module", sandbox.ErrConfig, pkg)
	}
}

func resolveRuntime(ctx context.Context, deps Deps) (string, error) {
	if deps.Runtime != "" {
		if _, err := os.Stat(deps.Runtime); err != nil {
			return "", fmt.Errorf("%w: wasm runtime not found: %v", sandbox.ErrConfig, err)
		}
		return deps.Runtime, nil
	}
	if p, err := lookPath("wasmer"); err == nil {
		return p, nil
	}
	return deps.Assets.Ensure(ctx, artifacts.KindWasmRuntime)
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{}
}

func (b *Backend) Info() sandbox.Info {
	return sandbox.Info{
		Backend: backendName,
		Running: true,
		Metadata: map[string]string{
			"engine":  b.engine.name(),
			"package": b.pkg,
			"workdir": b.cfg.WorkdirOrDefault(),
		},
	}
}

// Execute runs command through the sandbox shell.
func (b *Backend) Execute(ctx context.Context, command string) (*sandbox.CommandResult, error) {
	return b.run(ctx, command, nil, nil)
}

// ReadFile returns the contents of path inside the sandbox.
func (b *Backend) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := b.run(ctx, `cat -- "$1"`, []string{path}, nil)
	if err != nil {
		return "", err
	}
	if err := sandbox.CheckResult("read "+path, res); err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// WriteFile replaces path with content. The content travels on stdin.
func (b *Backend) WriteFile(ctx context.Context, path, content string) error {
	res, err := b.run(ctx, `cat > "$1"`, []string{path}, strings.NewReader(content))
	if err != nil {
		return err
	}
	return sandbox.CheckResult("write "+path, res)
}

// ListDir returns a long listing of path.
func (b *Backend) ListDir(ctx context.Context, path string) (string, error) {
	res, err := b.run(ctx, `ls -la -- "$1"`, []string{path}, nil)
	if err != nil {
		return "", err
	}
	if err := sandbox.CheckResult("list "+path, res); err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Shutdown releases the engine.
func (b *Backend) Shutdown(ctx context.Context) error {
	return b.engine.close(ctx)
}

func (b *Backend) run(ctx context.Context, script string, args []string, stdin io.Reader) (*sandbox.CommandResult, error) {
	if err := sandbox.CheckMounts(b.cfg.Mounts); err != nil {
		return nil, err
	}

	ctx, cancel := sandbox.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pre, err := prologue(b.cfg.WorkdirOrDefault(), b.cfg.Workdir != "")
	if err != nil {
		return nil, err
	}
	inv := invocation{
		script: pre + script,
		args:   args,
		stdin:  stdin,
		env:    mount.Environ(b.cfg.Env),
		mounts: b.cfg.Mounts,
	}
	res, err := b.engine.run(ctx, inv)
	if err != nil {
		if ctx.Err() != nil {
			return nil, sandbox.TimeoutError(ctx, err)
		}
		return nil, err
	}
	return res, nil
}

// prologue moves into workdir before the caller's script runs. An
// explicitly configured workdir must exist; the default falls back to /.
func prologue(workdir string, strict bool) (string, error) {
	q, err := syntax.Quote(workdir, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("%w: workdir %q: %v", sandbox.ErrConfig, workdir, err)
	}
	if strict {
		return "cd " + q + " || exit 1\n", nil
	}
	return "cd " + q + " 2>/dev/null || cd /\n", nil
}
