package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/rs/zerolog"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the
// runtime process has been killed.
const waitDelay = 2 * time.Second

var lookPath = exec.LookPath

// cliEngine drives the wasmer binary, one process per invocation.
type cliEngine struct {
	binary string
	pkg    string
	log    zerolog.Logger
}

func (e *cliEngine) name() string { return "wasmer" }

func (e *cliEngine) close(context.Context) error { return nil }

// argv builds the runtime arguments. The script and every caller value
// after it are discrete arguments; none is interpreted by a host shell.
func (e *cliEngine) argv(inv invocation) []string {
	args := []string{"run"}
	for _, m := range inv.mounts {
		vol := m.HostPath + ":" + m.GuestPath
		if m.ReadOnly {
			vol += ":ro"
		}
		args = append(args, "--volume", vol)
	}
	for _, kv := range inv.env {
		args = append(args, "--env", kv)
	}
	args = append(args, e.pkg, "--", "-c", inv.script, "sh")
	return append(args, inv.args...)
}

func (e *cliEngine) run(ctx context.Context, inv invocation) (*sandbox.CommandResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, e.binary, e.argv(inv)...)
	cmd.Stdin = inv.stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	killGroupOnCancel(cmd)

	start := time.Now()
	err := cmd.Run()
	e.log.Debug().Dur("elapsed", time.Since(start)).Int("stdout_len", stdout.Len()).Int("stderr_len", stderr.Len()).Msg("wasmer run finished")

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: failed to run wasm runtime %s: %v", sandbox.ErrConfig, e.binary, err)
		}
	}
	return &sandbox.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}, nil
}
