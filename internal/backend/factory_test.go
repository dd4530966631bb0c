package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/microvm"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAssets fails every Ensure and remembers what was asked for.
type recordingAssets struct {
	mu    sync.Mutex
	kinds []artifacts.Kind
	paths map[artifacts.Kind]string
}

func (a *recordingAssets) Ensure(_ context.Context, kind artifacts.Kind) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, kind)
	if p, ok := a.paths[kind]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s not cached", sandbox.ErrAsset, kind)
}

func (a *recordingAssets) PrepareInstance(string) (string, error) { return os.TempDir(), nil }

func (a *recordingAssets) CreateInstanceRootfs(_ context.Context, _, base string) (string, error) {
	return base, nil
}

func (a *recordingAssets) CleanupInstance(string) error { return nil }

func (a *recordingAssets) requested() []artifacts.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]artifacts.Kind(nil), a.kinds...)
}

type refusingDriver struct{}

func (refusingDriver) Name() string                 { return "refusing" }
func (refusingDriver) ShareMode() microvm.ShareMode { return microvm.ShareBlock }
func (refusingDriver) Boot(context.Context, microvm.MachineSpec) (microvm.Machine, error) {
	return nil, errors.New("hypervisor said no")
}

func virt(ok bool) VirtCheck {
	return func() (bool, string) {
		if ok {
			return true, ""
		}
		return false, "no kvm in this test"
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		kind    sandbox.Kind
		virt    bool
		want    sandbox.Kind
		wantErr error
	}{
		{name: "auto with virtualization", kind: sandbox.KindAuto, virt: true, want: sandbox.KindMicroVM},
		{name: "auto without virtualization", kind: sandbox.KindAuto, virt: false, want: sandbox.KindWasm},
		{name: "empty is auto", kind: "", virt: false, want: sandbox.KindWasm},
		{name: "explicit wasm", kind: sandbox.KindWasm, virt: true, want: sandbox.KindWasm},
		{name: "explicit microvm", kind: sandbox.KindMicroVM, virt: true, want: sandbox.KindMicroVM},
		{name: "microvm unavailable", kind: sandbox.KindMicroVM, virt: false, wantErr: sandbox.ErrBackendUnavailable},
		{name: "unknown", kind: "docker", virt: true, wantErr: sandbox.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Factory{Log: zerolog.Nop(), VirtCheck: virt(tt.virt)}
			got, err := f.Resolve(tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveUnavailableReason(t *testing.T) {
	f := &Factory{Log: zerolog.Nop(), VirtCheck: virt(false)}
	_, err := f.Resolve(sandbox.KindMicroVM)

	var unavailable *sandbox.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "microvm", unavailable.Backend)
	assert.Equal(t, "no kvm in this test", unavailable.Reason)
}

func TestNewAutoFallsBackToWasm(t *testing.T) {
	assets := &recordingAssets{}
	f := &Factory{Assets: assets, Log: zerolog.Nop(), VirtCheck: virt(false)}

	_, err := f.New(context.Background(), sandbox.Config{Kind: sandbox.KindAuto})
	assert.ErrorIs(t, err, sandbox.ErrAsset)
	assert.Equal(t, []artifacts.Kind{artifacts.KindSandboxPackage}, assets.requested())
}

func TestNewMicroVM(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.ext4")
	require.NoError(t, os.WriteFile(kernel, nil, 0644))
	require.NoError(t, os.WriteFile(rootfs, nil, 0644))

	assets := &recordingAssets{paths: map[artifacts.Kind]string{
		artifacts.KindKernel: kernel,
		artifacts.KindRootfs: rootfs,
	}}
	f := &Factory{Assets: assets, Log: zerolog.Nop(), VirtCheck: virt(true), Driver: refusingDriver{}}

	_, err := f.New(context.Background(), sandbox.Config{Kind: sandbox.KindAuto})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrBoot)
	assert.Contains(t, err.Error(), "hypervisor said no")
	assert.Contains(t, assets.requested(), artifacts.KindKernel)
}

func TestNewRequiresAssets(t *testing.T) {
	f := &Factory{Log: zerolog.Nop(), VirtCheck: virt(true)}
	_, err := f.New(context.Background(), sandbox.Config{})
	assert.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestResolveVMM(t *testing.T) {
	assets := &recordingAssets{paths: map[artifacts.Kind]string{artifacts.KindVMM: "/cache/firecracker"}}
	f := &Factory{Assets: assets, Log: zerolog.Nop()}

	got, err := f.resolveVMM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/cache/firecracker", got)

	local := filepath.Join(t.TempDir(), "firecracker")
	require.NoError(t, os.WriteFile(local, nil, 0755))
	f.VMM = local
	got, err = f.resolveVMM(context.Background())
	require.NoError(t, err)
	assert.Equal(t, local, got)

	f.VMM = "/nonexistent/firecracker"
	_, err = f.resolveVMM(context.Background())
	assert.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestAvailable(t *testing.T) {
	f := &Factory{Log: zerolog.Nop(), VirtCheck: virt(false)}
	got := f.Available()
	require.Len(t, got, 2)

	assert.Equal(t, sandbox.KindMicroVM, got[0].Backend)
	assert.False(t, got[0].Available)
	assert.Equal(t, "no kvm in this test", got[0].Reason)
	assert.False(t, got[0].Default)

	assert.Equal(t, sandbox.KindWasm, got[1].Backend)
	assert.True(t, got[1].Available)
	assert.True(t, got[1].Default)

	f.VirtCheck = virt(true)
	got = f.Available()
	assert.True(t, got[0].Default)
	assert.False(t, got[1].Default)
}
