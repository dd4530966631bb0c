package microvm

import (
	"context"
	"net"

	"github.com/bashlet/bashlet/internal/mount"
	"github.com/rs/zerolog"
)

// ShareMode is how a driver exposes host directories to the guest.
type ShareMode int

const (
	// ShareBlock copies each directory into an ext4 image attached as a
	// virtio block device.
	ShareBlock ShareMode = iota
	// ShareVirtioFS shares directories live with virtio-fs.
	ShareVirtioFS
)

// Drive is an extra block device attached after the root device.
type Drive struct {
	ID       string
	Path     string
	ReadOnly bool
}

// MachineSpec is everything a driver needs to boot one VM.
type MachineSpec struct {
	InstanceID  string
	InstanceDir string
	Kernel      string
	Rootfs      string
	// BootArgs are appended to the driver's console and root arguments.
	BootArgs   string
	VCPUs      int
	MemoryMiB  int
	Networking bool
	Drives     []Drive
	// Shares are passed through with virtio-fs, tagged mount0, mount1...
	Shares []mount.Mount
	Log    zerolog.Logger
}

// VMMResolver returns the path of a hypervisor binary, fetching it if
// needed.
type VMMResolver func(ctx context.Context) (string, error)

// Driver boots machines on one hypervisor.
type Driver interface {
	Name() string
	ShareMode() ShareMode
	Boot(ctx context.Context, spec MachineSpec) (Machine, error)
}

// Machine is a booted VM.
type Machine interface {
	// Dial opens a stream to a guest vsock port.
	Dial(ctx context.Context, port uint32) (net.Conn, error)
	// Shutdown asks the guest to stop. It does not wait.
	Shutdown(ctx context.Context) error
	// Kill stops the VM immediately.
	Kill() error
	// Done is closed once the VM has exited.
	Done() <-chan struct{}
}
