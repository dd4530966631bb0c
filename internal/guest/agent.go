// Package guest is the agent that runs inside a microVM and executes host
// requests. It speaks the agentproto framing over vsock.
package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bashlet/bashlet/internal/agentproto"
	"github.com/rs/zerolog"
)

const (
	defaultShell = "/bin/sh"
	// maxOutput caps each captured stream so a reply always fits in a frame.
	maxOutput = 64 << 20
	waitDelay = time.Second
)

var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
	"TERM=dumb",
}

// Agent serves host requests. Connections are handled one at a time and
// requests on a connection in the order received.
type Agent struct {
	log   zerolog.Logger
	shell string

	env     []string
	applied string
}

// NewAgent returns an Agent that runs commands with /bin/sh.
func NewAgent(log zerolog.Logger) *Agent {
	return &Agent{log: log, shell: defaultShell}
}

// Serve accepts connections until ctx is done or the listener fails.
func (a *Agent) Serve(ctx context.Context, ln Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	a.log.Info().Str("addr", ln.Addr()).Msg("agent listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.serveConn(ctx, conn)
	}
}

func (a *Agent) serveConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer func() { _ = conn.Close() }()
	done := make(chan struct{})
	defer close(done)

	frames := make(chan agentproto.Request)
	go func() {
		defer close(frames)
		for {
			var req agentproto.Request
			if err := agentproto.ReadFrame(conn, &req); err != nil {
				if !errors.Is(err, io.EOF) {
					a.log.Warn().Err(err).Msg("failed to read request")
				}
				return
			}
			select {
			case frames <- req:
			case <-done:
				return
			}
		}
	}()

	a.log.Debug().Msg("host connected")
	for {
		var req agentproto.Request
		select {
		case r, ok := <-frames:
			if !ok {
				a.log.Debug().Msg("host disconnected")
				return
			}
			req = r
		case <-ctx.Done():
			return
		}

		resp := a.handle(ctx, req, frames)
		reapOrphans()
		if resp == nil {
			continue
		}
		if err := agentproto.WriteFrame(conn, resp); err != nil {
			a.log.Warn().Err(err).Msg("failed to write response")
			return
		}
	}
}

// handle answers one request. A nil response means nothing is sent.
func (a *Agent) handle(ctx context.Context, req agentproto.Request, frames <-chan agentproto.Request) *agentproto.Response {
	a.log.Debug().Str("type", string(req.Type)).Msg("request")

	switch req.Type {
	case agentproto.TypePing:
		return &agentproto.Response{Type: agentproto.TypePong}
	case agentproto.TypeSetup:
		return a.setup(ctx, req)
	case agentproto.TypeExecute:
		return a.execute(ctx, req, frames)
	case agentproto.TypeReadFile:
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return errorResponse(err)
		}
		return &agentproto.Response{Type: agentproto.TypeFile, Content: data}
	case agentproto.TypeWriteFile:
		if err := writeFile(req.Path, req.Content); err != nil {
			return errorResponse(err)
		}
		return &agentproto.Response{Type: agentproto.TypeOK}
	case agentproto.TypeListDir:
		return a.listDir(ctx, req.Path)
	case agentproto.TypeArchive:
		data, err := archiveDir(req.Path, agentproto.MaxFrameSize-4096)
		if err != nil {
			return errorResponse(err)
		}
		return &agentproto.Response{Type: agentproto.TypeFile, Content: data}
	case agentproto.TypeCancel:
		// Nothing is running; the command it targeted already replied.
		return nil
	default:
		return errorResponse(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func (a *Agent) setup(ctx context.Context, req agentproto.Request) *agentproto.Response {
	a.env = slices.Clone(req.Env)
	if req.Script == "" || req.Script == a.applied {
		return &agentproto.Response{Type: agentproto.TypeOK}
	}

	out, err := exec.CommandContext(ctx, a.shell, "-c", req.Script).CombinedOutput()
	if err != nil {
		return errorResponse(fmt.Errorf("setup failed: %v: %s", err, strings.TrimSpace(string(out))))
	}
	a.applied = req.Script
	a.log.Info().Msg("setup complete")
	return &agentproto.Response{Type: agentproto.TypeOK}
}

func (a *Agent) execute(ctx context.Context, req agentproto.Request, frames <-chan agentproto.Request) *agentproto.Response {
	workdir := req.Workdir
	if workdir == "" {
		workdir = "/"
	}
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return errorResponse(fmt.Errorf("failed to create workdir: %w", err))
	}

	stdout := &cappedBuffer{max: maxOutput}
	stderr := &cappedBuffer{max: maxOutput}

	cmd := exec.Command(a.shell, append([]string{"-c", req.Command, "sh"}, req.Args...)...)
	cmd.Dir = workdir
	cmd.Env = mergeEnv(baseEnv, a.env, req.Env)
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return errorResponse(fmt.Errorf("failed to start command: %w", err))
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	var timeout <-chan time.Time
	if req.TimeoutMS > 0 {
		t := time.NewTimer(time.Duration(req.TimeoutMS) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}

	killed := false
wait:
	for {
		select {
		case <-exited:
			break wait
		case <-timeout:
			a.log.Warn().Int64("timeout_ms", req.TimeoutMS).Msg("command timed out")
			killed = true
			killGroup(cmd)
			<-exited
			break wait
		case f, ok := <-frames:
			if !ok {
				killGroup(cmd)
				<-exited
				return nil
			}
			if f.Type != agentproto.TypeCancel {
				a.log.Warn().Str("type", string(f.Type)).Msg("dropping request received during execute")
				continue
			}
			a.log.Info().Msg("command canceled by host")
			killed = true
			killGroup(cmd)
			<-exited
			break wait
		case <-ctx.Done():
			killGroup(cmd)
			<-exited
			return nil
		}
	}

	code := cmd.ProcessState.ExitCode()
	if killed {
		code = -1
	}
	return &agentproto.Response{
		Type:     agentproto.TypeExecute,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
		TimedOut: killed,
	}
}

func (a *Agent) listDir(ctx context.Context, path string) *agentproto.Response {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ls", "-la", "--", path)
	cmd.Env = baseEnv
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return &agentproto.Response{Type: agentproto.TypeError, Message: msg}
	}
	return &agentproto.Response{Type: agentproto.TypeFile, Content: out}
}

func writeFile(path string, content []byte) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0644)
}

func errorResponse(err error) *agentproto.Response {
	return &agentproto.Response{Type: agentproto.TypeError, Message: err.Error()}
}

// mergeEnv concatenates KEY=VALUE lists; later keys win.
func mergeEnv(lists ...[]string) []string {
	var out []string
	index := map[string]int{}
	for _, list := range lists {
		for _, kv := range list {
			k, _, _ := strings.Cut(kv, "=")
			if i, ok := index[k]; ok {
				out[i] = kv
				continue
			}
			index[k] = len(out)
			out = append(out, kv)
		}
	}
	return out
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte { return c.buf.Bytes() }
