package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/bashlet/bashlet/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default; cobra keeps values
// between executions of the same command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("BASHLET_HOME", home)
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out, logs bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&logs)
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	setupHome(t)
	project := t.TempDir()

	out, err := run(t, "session", "create",
		"--name", "dev",
		"--ttl", "1h",
		"--backend", "wasm",
		"--env", "CI=1",
		"--mount", project+":/workspace:ro",
	)
	require.NoError(t, err)

	var rec session.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "dev", rec.Name)
	assert.Equal(t, sandbox.KindWasm, rec.Backend)
	require.NotNil(t, rec.TTLSeconds)
	assert.EqualValues(t, 3600, *rec.TTLSeconds)
	require.Len(t, rec.Mounts, 1)
	assert.True(t, rec.Mounts[0].ReadOnly)
	assert.Empty(t, rec.Workdir)
	assert.EqualValues(t, 300, rec.TimeoutSeconds)

	_, err = run(t, "session", "create", "--name", "dev")
	assert.ErrorIs(t, err, session.ErrNameExists)

	out, err = run(t, "session", "list")
	require.NoError(t, err)
	var records []session.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)

	out, err = run(t, "session", "list", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, rec.ID)
	assert.Contains(t, out, "wasm")

	out, err = run(t, "session", "terminate", "dev")
	require.NoError(t, err)
	assert.Contains(t, out, `"terminated": true`)

	out, err = run(t, "session", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestSessionRunMissing(t *testing.T) {
	setupHome(t)
	_, err := run(t, "session", "run", "nope", "echo", "hi")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, "not_found", errorKind(err))
}

func TestSessionCreateBadTTL(t *testing.T) {
	setupHome(t)
	_, err := run(t, "session", "create", "--ttl", "soon")
	assert.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestExecRejectsBlockedMount(t *testing.T) {
	home := setupHome(t)
	secret := filepath.Join(home, "secret")
	require.NoError(t, os.MkdirAll(secret, 0700))
	cfgPath := filepath.Join(home, "custom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("blocked_paths:\n  - %s\n", secret)), 0600))

	_, err := run(t, "--config", cfgPath, "exec", "--mount", secret+":/workspace", "ls")
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestExecRejectsBadFlags(t *testing.T) {
	setupHome(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown flag", args: []string{"exec", "--bogus", "ls"}},
		{name: "missing command", args: []string{"exec"}},
		{name: "bad backend", args: []string{"exec", "--backend", "docker", "ls"}},
		{name: "bad timeout", args: []string{"exec", "--timeout", "soon", "ls"}},
		{name: "bad memory", args: []string{"exec", "--memory", "lots", "ls"}},
		{name: "zero vcpus", args: []string{"exec", "--vcpus", "0", "ls"}},
		{name: "relative workdir", args: []string{"exec", "--workdir", "tmp", "ls"}},
		{name: "bad env", args: []string{"exec", "--env", "=x", "ls"}},
		{name: "terminate needs a ref", args: []string{"session", "terminate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.ErrorIs(t, err, sandbox.ErrConfig)
		})
	}
}

func TestBackends(t *testing.T) {
	setupHome(t)
	out, err := run(t, "backends")
	require.NoError(t, err)

	var avail []struct {
		Backend   string `json:"backend"`
		Available bool   `json:"available"`
		Default   bool   `json:"default"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &avail))
	require.Len(t, avail, 2)
	assert.Equal(t, "wasm", avail[1].Backend)
	assert.True(t, avail[1].Available)
	assert.NotEqual(t, avail[0].Default, avail[1].Default)
}

func TestAssetsFetchUnknownKind(t *testing.T) {
	setupHome(t)
	_, err := run(t, "assets", "fetch", "bogus")
	assert.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestPrune(t *testing.T) {
	home := setupHome(t)
	instances := filepath.Join(home, "instances")
	for _, id := range []string{"vm-old", "vm-new", "s-gone"} {
		require.NoError(t, os.MkdirAll(filepath.Join(instances, id), 0755))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(instances, "vm-old"), old, old))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "sessions"), 0700))
	goneLock := filepath.Join(home, "sessions", "gone.lock")
	require.NoError(t, os.WriteFile(goneLock, nil, 0600))
	require.NoError(t, os.Chtimes(goneLock, old, old))

	out, err := run(t, "prune")
	require.NoError(t, err)

	var res pruneResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Instances)
	assert.Equal(t, 1, res.Locks)
	assert.False(t, res.Artifacts)

	assert.DirExists(t, filepath.Join(instances, "vm-new"))
	assert.NoDirExists(t, filepath.Join(instances, "vm-old"))
	assert.NoDirExists(t, filepath.Join(instances, "s-gone"))
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	WriteError(&buf, fmt.Errorf("%w: command killed after deadline", sandbox.ErrTimeout))

	var got map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "timeout", got["kind"])
	assert.Contains(t, got["error"], "deadline")

	assert.Equal(t, "name_exists", errorKind(fmt.Errorf("%w: dev", session.ErrNameExists)))
	assert.Equal(t, "not_found", errorKind(fmt.Errorf("%w: dev", session.ErrExpired)))
	assert.Equal(t, "config", errorKind(fmt.Errorf("%w: bad", sandbox.ErrConfig)))
}
