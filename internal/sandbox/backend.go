// Package sandbox defines the contract every isolation backend implements.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind selects an isolation engine.
type Kind string

const (
	KindAuto    Kind = "auto"
	KindWasm    Kind = "wasm"
	KindMicroVM Kind = "microvm"
)

// ParseKind accepts the canonical names plus the engine names used by
// older session records ("wasmer", "firecracker").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "wasm", "wasmer":
		return KindWasm, nil
	case "microvm", "firecracker", "vm":
		return KindMicroVM, nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q (want auto, wasm or microvm)", ErrConfig, s)
	}
}

// CommandResult is the outcome of a command that ran to completion.
// A non-zero ExitCode is a normal result; negative values mean the
// process was terminated by a signal.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Capabilities describes what a backend offers.
type Capabilities struct {
	NativeLinux  bool `json:"native_linux"`
	Networking   bool `json:"networking"`
	PersistentFS bool `json:"persistent_fs"`
}

// Info describes a live backend instance.
type Info struct {
	Backend    string            `json:"backend"`
	InstanceID string            `json:"instance_id,omitempty"`
	Running    bool              `json:"running"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Backend is one isolation engine configured for a single Config.
//
// Every blocking method honors ctx and the configured timeout. Owners
// must call Shutdown when done.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Info() Info

	Execute(ctx context.Context, command string) (*CommandResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	ListDir(ctx context.Context, path string) (string, error)

	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Base provides the default HealthCheck and Shutdown. Embed it in
// backends that have nothing to release.
type Base struct{}

// HealthCheck reports healthy.
func (Base) HealthCheck(context.Context) error { return nil }

// Shutdown does nothing.
func (Base) Shutdown(context.Context) error { return nil }

// WithTimeout bounds ctx by d. A zero d leaves ctx unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// CheckResult turns a failed inspection command into an execution error
// carrying its stderr.
func CheckResult(op string, res *CommandResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Errorf("%w: failed to %s: %s", ErrExecution, op, msg)
}
