package guest

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bashlet/bashlet/internal/agentproto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startAgent runs an agent on a unix socket and returns a connected client.
func startAgent(t *testing.T) net.Conn {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires unix sockets and /bin/sh")
	}

	// Socket paths are length limited; t.TempDir can be too deep.
	dir, err := os.MkdirTemp("", "agent")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	ln, err := ListenUnix(filepath.Join(dir, "a.sock"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- NewAgent(zerolog.Nop()).Serve(ctx, ln) }()

	conn, err := net.Dial("unix", ln.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		assert.NoError(t, <-served)
	})
	return conn
}

// processesWith returns the pids whose command line contains needle.
func processesWith(t *testing.T, needle string) []string {
	t.Helper()
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("requires /proc")
	}
	entries, err := os.ReadDir("/proc")
	require.NoError(t, err)
	var pids []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if strings.Contains(string(bytes.ReplaceAll(data, []byte{0}, []byte{' '})), needle) {
			pids = append(pids, e.Name())
		}
	}
	return pids
}

func roundTrip(t *testing.T, conn net.Conn, req agentproto.Request) agentproto.Response {
	t.Helper()
	require.NoError(t, agentproto.WriteFrame(conn, req))
	var resp agentproto.Response
	require.NoError(t, agentproto.ReadFrame(conn, &resp))
	return resp
}

func TestPing(t *testing.T) {
	conn := startAgent(t)
	resp := roundTrip(t, conn, agentproto.Request{Type: agentproto.TypePing})
	assert.Equal(t, agentproto.TypePong, resp.Type)
}

func TestExecute(t *testing.T) {
	conn := startAgent(t)
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	workdir := filepath.Join(base, "created", "on", "demand")

	tests := []struct {
		name     string
		req      agentproto.Request
		stdout   string
		stderr   string
		exitCode int
	}{
		{
			name:   "stdout and stderr",
			req:    agentproto.Request{Command: "echo out; echo err >&2"},
			stdout: "out\n",
			stderr: "err\n",
		},
		{
			name:     "exit code",
			req:      agentproto.Request{Command: "exit 42"},
			exitCode: 42,
		},
		{
			name:   "workdir is created",
			req:    agentproto.Request{Command: "pwd", Workdir: workdir},
			stdout: workdir + "\n",
		},
		{
			name:   "positional args are not interpreted",
			req:    agentproto.Request{Command: `printf '%s' "$1"`, Args: []string{"$(id); `x`"}},
			stdout: "$(id); `x`",
		},
		{
			name:   "stdin",
			req:    agentproto.Request{Command: "cat", Stdin: []byte("piped")},
			stdout: "piped",
		},
		{
			name:   "request env",
			req:    agentproto.Request{Command: `echo "$FOO"`, Env: []string{"FOO=bar"}},
			stdout: "bar\n",
		},
		{
			name:   "binary output",
			req:    agentproto.Request{Command: `printf '\377\376'; printf '\342\202' >&2`},
			stdout: "\xff\xfe",
			stderr: "\xe2\x82",
		},
		{
			name:     "killed by signal",
			req:      agentproto.Request{Command: "kill -9 $$"},
			exitCode: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Type = agentproto.TypeExecute
			resp := roundTrip(t, conn, tt.req)
			require.Equal(t, agentproto.TypeExecute, resp.Type, resp.Message)
			assert.Equal(t, tt.stdout, string(resp.Stdout))
			assert.Equal(t, tt.stderr, string(resp.Stderr))
			assert.Equal(t, tt.exitCode, resp.ExitCode)
			assert.False(t, resp.TimedOut)
		})
	}
}

func TestSetupEnvApplies(t *testing.T) {
	conn := startAgent(t)
	marker := filepath.Join(t.TempDir(), "ran")

	resp := roundTrip(t, conn, agentproto.Request{
		Type:   agentproto.TypeSetup,
		Script: "echo x >> " + marker,
		Env:    []string{"SESSION=one", "SHARED=setup"},
	})
	require.Equal(t, agentproto.TypeOK, resp.Type, resp.Message)

	// Same script again is not rerun.
	resp = roundTrip(t, conn, agentproto.Request{
		Type:   agentproto.TypeSetup,
		Script: "echo x >> " + marker,
		Env:    []string{"SESSION=one", "SHARED=setup"},
	})
	require.Equal(t, agentproto.TypeOK, resp.Type)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))

	resp = roundTrip(t, conn, agentproto.Request{
		Type:    agentproto.TypeExecute,
		Command: `echo "$SESSION $SHARED"`,
		Env:     []string{"SHARED=request"},
	})
	assert.Equal(t, "one request\n", string(resp.Stdout))
}

func TestSetupFailure(t *testing.T) {
	conn := startAgent(t)
	resp := roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeSetup, Script: "echo broken >&2; exit 1"})
	assert.Equal(t, agentproto.TypeError, resp.Type)
	assert.Contains(t, resp.Message, "broken")
}

func TestExecuteTimeout(t *testing.T) {
	conn := startAgent(t)

	start := time.Now()
	resp := roundTrip(t, conn, agentproto.Request{
		Type:      agentproto.TypeExecute,
		Command:   "sleep 31.25 & sleep 31.25; echo never",
		TimeoutMS: 200,
	})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, -1, resp.ExitCode)
	assert.NotContains(t, string(resp.Stdout), "never")

	// Both the foreground and the background sleep are gone.
	assert.Eventually(t, func() bool {
		return len(processesWith(t, "sleep 31.25")) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The connection is still usable.
	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypePing})
	assert.Equal(t, agentproto.TypePong, resp.Type)
}

func TestExecuteCancel(t *testing.T) {
	conn := startAgent(t)

	require.NoError(t, agentproto.WriteFrame(conn, agentproto.Request{Type: agentproto.TypeExecute, Command: "sleep 30"}))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, agentproto.WriteFrame(conn, agentproto.Request{Type: agentproto.TypeCancel}))

	var resp agentproto.Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, agentproto.ReadFrame(conn, &resp))
	assert.Equal(t, agentproto.TypeExecute, resp.Type)
	assert.True(t, resp.TimedOut)
	assert.Equal(t, -1, resp.ExitCode)

	// A late cancel with nothing running gets no reply.
	require.NoError(t, agentproto.WriteFrame(conn, agentproto.Request{Type: agentproto.TypeCancel}))
	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypePing})
	assert.Equal(t, agentproto.TypePong, resp.Type)
}

func TestFileRequests(t *testing.T) {
	conn := startAgent(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "it's a file.txt")

	resp := roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeWriteFile, Path: path, Content: []byte("hello\n")})
	require.Equal(t, agentproto.TypeOK, resp.Type, resp.Message)

	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeReadFile, Path: path})
	require.Equal(t, agentproto.TypeFile, resp.Type)
	assert.Equal(t, "hello\n", string(resp.Content))

	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeListDir, Path: filepath.Dir(path)})
	require.Equal(t, agentproto.TypeFile, resp.Type, resp.Message)
	assert.Contains(t, string(resp.Content), "it's a file.txt")

	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeReadFile, Path: filepath.Join(dir, "missing")})
	assert.Equal(t, agentproto.TypeError, resp.Type)
	assert.Error(t, resp.Err())

	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeListDir, Path: filepath.Join(dir, "missing")})
	assert.Equal(t, agentproto.TypeError, resp.Type)

	resp = roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeWriteFile, Path: "relative.txt"})
	assert.Equal(t, agentproto.TypeError, resp.Type)
}

func TestArchive(t *testing.T) {
	conn := startAgent(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lost+found"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("A"), 0644))

	resp := roundTrip(t, conn, agentproto.Request{Type: agentproto.TypeArchive, Path: dir})
	require.Equal(t, agentproto.TypeFile, resp.Type, resp.Message)

	names := map[string]string{}
	tr := tar.NewReader(bytes.NewReader(resp.Content))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(body)
	}
	assert.Equal(t, map[string]string{"sub/": "", "sub/a.txt": "A"}, names)
}

func TestUnknownRequest(t *testing.T) {
	conn := startAgent(t)
	resp := roundTrip(t, conn, agentproto.Request{Type: "reboot"})
	assert.Equal(t, agentproto.TypeError, resp.Type)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, []string{"B=3"}, []string{"C=4", "A=5"})
	assert.Equal(t, []string{"A=5", "B=3", "C=4"}, got)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("def"))
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcd", string(b.Bytes()))
}
