package microvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"github.com/rs/zerolog"
)

const (
	firecrackerBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	guestCID            = 3
	apiSocketTimeout    = 5 * time.Second
)

// FirecrackerDriver boots machines with a firecracker process per VM.
type FirecrackerDriver struct {
	VMM       VMMResolver
	TapDevice string
}

func (d *FirecrackerDriver) Name() string { return "firecracker" }

func (d *FirecrackerDriver) ShareMode() ShareMode { return ShareBlock }

func (d *FirecrackerDriver) Boot(ctx context.Context, spec MachineSpec) (Machine, error) {
	if spec.Networking && d.TapDevice == "" {
		return nil, errors.New("networking requires microvm.tap_device")
	}
	if err := validateKernel(spec.Kernel); err != nil {
		return nil, err
	}
	if err := validateRootfs(spec.Rootfs); err != nil {
		return nil, err
	}
	binary, err := d.VMM(ctx)
	if err != nil {
		return nil, err
	}

	apiSock := filepath.Join(spec.InstanceDir, "api.sock")
	vsockPath := filepath.Join(spec.InstanceDir, "vsock.sock")
	for _, p := range []string{apiSock, vsockPath} {
		_ = os.Remove(p)
	}

	logFile, err := os.Create(filepath.Join(spec.InstanceDir, "firecracker.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create vmm log: %w", err)
	}

	cmd := exec.Command(binary, "--api-sock", apiSock, "--id", spec.InstanceID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// The VMM never outlives its owner, even if Shutdown is skipped.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to start firecracker: %w", err)
	}

	m := &firecrackerMachine{
		cmd:       cmd,
		api:       newAPIClient(apiSock, spec.Log),
		vsockPath: vsockPath,
		done:      make(chan struct{}),
		log:       spec.Log,
	}
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		m.log.Debug().Err(err).Msg("firecracker exited")
		close(m.done)
	}()

	if err := m.configure(ctx, spec, d.TapDevice); err != nil {
		_ = m.Kill()
		<-m.done
		return nil, err
	}
	return m, nil
}

type firecrackerMachine struct {
	cmd       *exec.Cmd
	api       *apiClient
	vsockPath string
	done      chan struct{}
	log       zerolog.Logger
	killOnce  sync.Once
}

func (m *firecrackerMachine) configure(ctx context.Context, spec MachineSpec, tap string) error {
	if err := waitForSocket(ctx, filepath.Join(spec.InstanceDir, "api.sock"), m.done); err != nil {
		return err
	}

	args := firecrackerBootArgs
	if spec.BootArgs != "" {
		args += " " + spec.BootArgs
	}
	if err := m.api.putBootSource(ctx, spec.Kernel, args); err != nil {
		return err
	}
	if err := m.api.putMachineConfig(ctx, spec.VCPUs, spec.MemoryMiB); err != nil {
		return err
	}
	if err := m.api.putDrive(ctx, "rootfs", spec.Rootfs, true, false); err != nil {
		return err
	}
	for _, d := range spec.Drives {
		if err := m.api.putDrive(ctx, d.ID, d.Path, false, d.ReadOnly); err != nil {
			return err
		}
	}
	if err := m.api.putVsock(ctx, guestCID, m.vsockPath); err != nil {
		return err
	}
	if spec.Networking {
		if err := m.api.putNetworkInterface(ctx, "eth0", tap); err != nil {
			return err
		}
	}
	if err := m.api.action(ctx, models.InstanceActionInfoActionTypeInstanceStart); err != nil {
		return err
	}
	m.log.Debug().Int("pid", m.cmd.Process.Pid).Msg("firecracker instance started")
	return nil
}

// waitForSocket polls until the VMM has created its API socket.
func waitForSocket(ctx context.Context, path string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, apiSocketTimeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-exited:
			return errors.New("firecracker exited before its API socket appeared")
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for API socket %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *firecrackerMachine) Dial(ctx context.Context, port uint32) (net.Conn, error) {
	return fcvsock.DialContext(ctx, m.vsockPath, port)
}

// Shutdown sends Ctrl+Alt+Del; with reboot=k the guest kernel resets and
// firecracker exits.
func (m *firecrackerMachine) Shutdown(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	default:
	}
	return m.api.action(ctx, models.InstanceActionInfoActionTypeSendCtrlAltDel)
}

func (m *firecrackerMachine) Kill() error {
	var err error
	m.killOnce.Do(func() {
		select {
		case <-m.done:
			return
		default:
		}
		err = syscall.Kill(-m.cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			err = nil
		}
	})
	return err
}

func (m *firecrackerMachine) Done() <-chan struct{} { return m.done }

// DefaultDriver returns the hypervisor driver for this host.
func DefaultDriver(vmm VMMResolver, tapDevice string) (Driver, error) {
	return &FirecrackerDriver{VMM: vmm, TapDevice: tapDevice}, nil
}
