package microvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/bashlet/bashlet/internal/mount"
	"github.com/rs/zerolog"
)

const vzBootArgs = "console=hvc0 root=/dev/vda rw rootwait"

// VZDriver boots machines in-process with Virtualization.framework.
type VZDriver struct{}

func (d *VZDriver) Name() string { return "vz" }

func (d *VZDriver) ShareMode() ShareMode { return ShareVirtioFS }

func (d *VZDriver) Boot(ctx context.Context, spec MachineSpec) (Machine, error) {
	if err := validateKernel(spec.Kernel); err != nil {
		return nil, err
	}
	if err := validateRootfs(spec.Rootfs); err != nil {
		return nil, err
	}

	cmdLine := vzBootArgs
	if spec.BootArgs != "" {
		cmdLine += " " + spec.BootArgs
	}
	bootLoader, err := vz.NewLinuxBootLoader(spec.Kernel, vz.WithCommandLine(cmdLine))
	if err != nil {
		return nil, fmt.Errorf("failed to create boot loader: %w", err)
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(spec.VCPUs),
		uint64(spec.MemoryMiB)*1024*1024,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM config: %w", err)
	}

	// Device order matters: entropy first.
	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to create entropy device: %w", err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})

	disk, err := vz.NewDiskImageStorageDeviceAttachment(spec.Rootfs, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk attachment: %w", err)
	}
	block, err := vz.NewVirtioBlockDeviceConfiguration(disk)
	if err != nil {
		return nil, fmt.Errorf("failed to create block device: %w", err)
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{block})

	serial, err := vz.NewFileSerialPortAttachment(filepath.Join(spec.InstanceDir, "console.log"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to create console log: %w", err)
	}
	console, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serial)
	if err != nil {
		return nil, fmt.Errorf("failed to create console: %w", err)
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{console})

	if spec.Networking {
		nat, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return nil, fmt.Errorf("failed to create NAT attachment: %w", err)
		}
		nic, err := vz.NewVirtioNetworkDeviceConfiguration(nat)
		if err != nil {
			return nil, fmt.Errorf("failed to create network device: %w", err)
		}
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{nic})
	}

	sock, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to create socket device: %w", err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{sock})

	shares, err := virtioFSDevices(spec.Shares)
	if err != nil {
		return nil, err
	}
	vmConfig.SetDirectorySharingDevicesVirtualMachineConfiguration(shares)

	valid, err := vmConfig.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid VM configuration: %w", err)
	}
	if !valid {
		return nil, errors.New("VM configuration validation failed")
	}

	vm, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual machine: %w", err)
	}

	m := &vzMachine{vm: vm, done: make(chan struct{}), log: spec.Log}
	go m.watch()

	if err := vm.Start(); err != nil {
		captureVZLogs(spec.Log)
		return nil, fmt.Errorf("failed to start VM: %w", err)
	}
	return m, nil
}

// virtioFSDevices shares each mount under tag mount<i>.
func virtioFSDevices(mounts []mount.Mount) ([]vz.DirectorySharingDeviceConfiguration, error) {
	var devices []vz.DirectorySharingDeviceConfiguration
	for i, m := range mounts {
		tag := fmt.Sprintf("mount%d", i)

		share, err := vz.NewSharedDirectory(m.HostPath, m.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared directory for %s: %w", m.HostPath, err)
		}
		single, err := vz.NewSingleDirectoryShare(share)
		if err != nil {
			return nil, fmt.Errorf("failed to create directory share for %s: %w", m.HostPath, err)
		}
		device, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
		if err != nil {
			return nil, fmt.Errorf("failed to create VirtioFS device for %s: %w", m.HostPath, err)
		}
		device.SetDirectoryShare(single)
		devices = append(devices, device)
	}
	return devices, nil
}

// captureVZLogs records recent Virtualization.framework logs after a
// failed start.
func captureVZLogs(log zerolog.Logger) {
	out, err := exec.Command("log", "show", "--predicate",
		"subsystem == 'com.apple.Virtualization'",
		"--last", "30s", "--style", "compact").CombinedOutput()
	if err != nil {
		log.Debug().Err(err).Msg("failed to capture VZ logs")
		return
	}
	if s := strings.TrimSpace(string(out)); s != "" {
		log.Debug().Str("vz_logs", s).Msg("Virtualization.framework logs")
	}
}

type vzMachine struct {
	vm       *vz.VirtualMachine
	done     chan struct{}
	doneOnce sync.Once
	log      zerolog.Logger
}

func (m *vzMachine) watch() {
	for state := range m.vm.StateChangedNotify() {
		m.log.Debug().Str("state", fmt.Sprint(state)).Msg("VM state changed")
		if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
			m.doneOnce.Do(func() { close(m.done) })
			return
		}
	}
}

func (m *vzMachine) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	devices := m.vm.SocketDevices()
	if len(devices) == 0 {
		return nil, errors.New("VM has no socket device")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return devices[0].Connect(port)
}

func (m *vzMachine) Shutdown(context.Context) error {
	if !m.vm.CanRequestStop() {
		return nil
	}
	_, err := m.vm.RequestStop()
	return err
}

func (m *vzMachine) Kill() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	if !m.vm.CanStop() {
		return nil
	}
	if err := m.vm.Stop(); err != nil {
		// Stopping races with the guest powering off.
		if !strings.Contains(err.Error(), "Invalid virtual machine state transition") {
			return fmt.Errorf("failed to stop VM: %w", err)
		}
	}
	return nil
}

func (m *vzMachine) Done() <-chan struct{} { return m.done }

// DefaultDriver returns the hypervisor driver for this host.
func DefaultDriver(VMMResolver, string) (Driver, error) {
	return &VZDriver{}, nil
}

