package microvm

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

// newRecordingServer serves a fake control API on a unix socket and
// returns the client for it plus the requests it saw.
func newRecordingServer(t *testing.T, fail map[string]int) (*apiClient, func() []recorded) {
	t.Helper()
	dir, err := os.MkdirTemp("", "fcapi")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "api.sock")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []recorded
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		if code, ok := fail[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"fault_message":"The requested operation is not supported"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return newAPIClient(sock, zerolog.Nop()), func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

func TestAPIClientRequests(t *testing.T) {
	c, calls := newRecordingServer(t, nil)
	ctx := context.Background()

	require.NoError(t, c.putBootSource(ctx, "/k/vmlinux", "console=ttyS0"))
	require.NoError(t, c.putMachineConfig(ctx, 2, 512))
	require.NoError(t, c.putDrive(ctx, "rootfs", "/r.ext4", true, false))
	require.NoError(t, c.putDrive(ctx, "mount0", "/i/mount0.ext4", false, true))
	require.NoError(t, c.putVsock(ctx, 3, "/i/vsock.sock"))
	require.NoError(t, c.putNetworkInterface(ctx, "eth0", "tap0"))
	require.NoError(t, c.action(ctx, "InstanceStart"))

	got := calls()
	require.Len(t, got, 7)
	for _, r := range got {
		assert.Equal(t, http.MethodPut, r.method)
	}
	assert.Equal(t, "/boot-source", got[0].path)
	assert.Equal(t, "/k/vmlinux", got[0].body["kernel_image_path"])
	assert.Equal(t, "console=ttyS0", got[0].body["boot_args"])
	assert.Equal(t, "/machine-config", got[1].path)
	assert.EqualValues(t, 2, got[1].body["vcpu_count"])
	assert.EqualValues(t, 512, got[1].body["mem_size_mib"])
	assert.Equal(t, false, got[1].body["smt"])
	assert.Equal(t, "/drives/rootfs", got[2].path)
	assert.Equal(t, "rootfs", got[2].body["drive_id"])
	assert.Equal(t, true, got[2].body["is_root_device"])
	assert.Equal(t, false, got[2].body["is_read_only"])
	assert.Equal(t, "/drives/mount0", got[3].path)
	assert.Equal(t, false, got[3].body["is_root_device"])
	assert.Equal(t, true, got[3].body["is_read_only"])
	assert.Equal(t, "/vsock", got[4].path)
	assert.EqualValues(t, 3, got[4].body["guest_cid"])
	assert.Equal(t, "/i/vsock.sock", got[4].body["uds_path"])
	assert.Equal(t, "/network-interfaces/eth0", got[5].path)
	assert.Equal(t, "eth0", got[5].body["iface_id"])
	assert.Equal(t, "tap0", got[5].body["host_dev_name"])
	assert.Equal(t, "/actions", got[6].path)
	assert.Equal(t, "InstanceStart", got[6].body["action_type"])
}

func TestAPIClientFault(t *testing.T) {
	c, _ := newRecordingServer(t, map[string]int{"/actions": http.StatusBadRequest})

	err := c.action(context.Background(), "SendCtrlAltDel")
	require.Error(t, err)
	assert.Equal(t, "PUT /actions: The requested operation is not supported", err.Error())
}

func TestAPIClientNoServer(t *testing.T) {
	c := newAPIClient(filepath.Join(t.TempDir(), "missing.sock"), zerolog.Nop())
	err := c.putMachineConfig(context.Background(), 1, 128)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUT /machine-config")
}
