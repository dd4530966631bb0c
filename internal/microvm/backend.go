// Package microvm runs commands inside a hardware-virtualized guest. The
// host boots one VM per Backend, talks to the guest agent over vsock and
// tears everything down in Shutdown.
//
// Owners must call Shutdown. If a Backend becomes unreachable without it,
// a runtime cleanup kills the VM as a last resort; instance storage is
// then left for PruneInstances.
package microvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/bashlet/bashlet/internal/agentproto"
	"github.com/bashlet/bashlet/internal/artifacts"
	"github.com/bashlet/bashlet/internal/guest"
	"github.com/bashlet/bashlet/internal/mount"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	backendName = "microvm"

	defaultVCPUs       = 1
	defaultMemoryMiB   = 256
	defaultBootTimeout = 30 * time.Second

	dialInterval = 200 * time.Millisecond
	pingTimeout  = 2 * time.Second
	healthWait   = 5 * time.Second
)

var (
	// cancelGrace is how long the guest gets to kill and reap a command
	// after the host gives up on it.
	cancelGrace = 5 * time.Second
	// stopGrace bounds the wait for a graceful VM stop.
	stopGrace = 3 * time.Second
)

// Assets provides artifacts and instance storage.
type Assets interface {
	Ensure(ctx context.Context, kind artifacts.Kind) (string, error)
	PrepareInstance(id string) (string, error)
	CreateInstanceRootfs(ctx context.Context, id, base string) (string, error)
	CleanupInstance(id string) error
}

// Deps are the collaborators a Backend needs.
type Deps struct {
	Assets      Assets
	Driver      Driver
	Log         zerolog.Logger
	BootTimeout time.Duration
	// Agent is a guest agent binary injected into derived rootfs copies.
	// Empty means the image already carries one.
	Agent string
}

// writableShare is a read-write mount whose guest contents are copied
// back to the host at shutdown.
type writableShare struct {
	host  string
	guest string
	// snap is the host directory as the image was built from it.
	snap snapshot
}

// Backend is one microVM instance.
type Backend struct {
	cfg    sandbox.Config
	deps   Deps
	id     string
	log    zerolog.Logger
	rootfs string

	state    stateMachine
	machine  Machine
	conn     net.Conn
	writable []writableShare
	cleanup  runtime.Cleanup

	// mu serializes guest exchanges.
	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownErr  error
}

var _ sandbox.Backend = (*Backend)(nil)

// New boots a VM for cfg and waits until its agent is ready. On failure
// everything allocated is released before returning.
func New(ctx context.Context, cfg sandbox.Config, deps Deps) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Assets == nil || deps.Driver == nil {
		return nil, fmt.Errorf("%w: microvm backend needs assets and a driver", sandbox.ErrConfig)
	}
	cfg = cfg.Clone()
	if cfg.VM.VCPUs == 0 {
		cfg.VM.VCPUs = defaultVCPUs
	}
	if cfg.VM.MemoryMiB == 0 {
		cfg.VM.MemoryMiB = defaultMemoryMiB
	}
	if deps.BootTimeout <= 0 {
		deps.BootTimeout = defaultBootTimeout
	}

	id := cfg.InstanceID
	if id == "" {
		id = "vm-" + uuid.NewString()
	}

	b := &Backend{
		cfg:  cfg,
		deps: deps,
		id:   id,
		log:  deps.Log.With().Str("component", "microvm").Str("instance", id).Logger(),
	}

	if err := b.boot(ctx); err != nil {
		b.log.Warn().Err(err).Msg("boot failed")
		if cerr := b.teardown(context.WithoutCancel(ctx), false); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}
	return b, nil
}

func (b *Backend) boot(ctx context.Context) error {
	if err := b.state.transition(StateBooting); err != nil {
		return err
	}
	start := time.Now()

	kernel, err := b.deps.Assets.Ensure(ctx, artifacts.KindKernel)
	if err != nil {
		return err
	}

	dir, err := b.deps.Assets.PrepareInstance(b.id)
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrBoot, err)
	}

	if err := b.prepareRootfs(ctx); err != nil {
		return err
	}

	drives, shares, err := b.prepareShares(ctx, dir)
	if err != nil {
		return err
	}

	spec := MachineSpec{
		InstanceID:  b.id,
		InstanceDir: dir,
		Kernel:      kernel,
		Rootfs:      b.rootfs,
		BootArgs:    "init=" + AgentGuestPath,
		VCPUs:       b.cfg.VM.VCPUs,
		MemoryMiB:   b.cfg.VM.MemoryMiB,
		Networking:  b.cfg.VM.Networking,
		Drives:      drives,
		Log:         b.log,
	}
	if b.deps.Driver.ShareMode() == ShareVirtioFS {
		spec.Shares = b.cfg.Mounts
	}

	machine, err := b.deps.Driver.Boot(ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrBoot, b.deps.Driver.Name(), err)
	}
	b.machine = machine
	b.cleanup = runtime.AddCleanup(b, func(m Machine) { _ = m.Kill() }, machine)

	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	b.conn = conn

	script, err := guest.SetupScript(shares, b.cfg.WorkdirOrDefault())
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
	}
	resp, err := b.exchange(ctx, agentproto.Request{
		Type:   agentproto.TypeSetup,
		Script: script,
		Env:    mount.Environ(b.cfg.Env),
	})
	if err != nil {
		return fmt.Errorf("%w: guest setup: %w", sandbox.ErrBoot, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: guest setup: %v", sandbox.ErrBoot, err)
	}

	if err := b.state.transition(StateReady); err != nil {
		return err
	}
	b.log.Info().Dur("elapsed", time.Since(start)).Str("driver", b.deps.Driver.Name()).Msg("microvm ready")
	return nil
}

// prepareRootfs derives a writable rootfs for this instance, or uses the
// caller's persistent image in place.
func (b *Backend) prepareRootfs(ctx context.Context) error {
	if img := b.cfg.VM.RootfsImage; img != "" {
		if _, err := os.Stat(img); err != nil {
			return fmt.Errorf("%w: rootfs image: %v", sandbox.ErrConfig, err)
		}
		b.rootfs = img
		return nil
	}

	base, err := b.deps.Assets.Ensure(ctx, artifacts.KindRootfs)
	if err != nil {
		return err
	}
	rootfs, err := b.deps.Assets.CreateInstanceRootfs(ctx, b.id, base)
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrBoot, err)
	}
	b.rootfs = rootfs

	if b.deps.Agent != "" {
		if err := injectAgent(ctx, rootfs, b.deps.Agent); err != nil {
			return fmt.Errorf("%w: %v", sandbox.ErrBoot, err)
		}
	}
	return nil
}

// prepareShares turns mounts into drives or virtio-fs shares plus the
// guest-side mount list.
func (b *Backend) prepareShares(ctx context.Context, dir string) ([]Drive, []guest.Share, error) {
	var drives []Drive
	var shares []guest.Share

	for i, m := range b.cfg.Mounts {
		if err := m.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", sandbox.ErrConfig, err)
		}

		if b.deps.Driver.ShareMode() == ShareVirtioFS {
			shares = append(shares, guest.Share{
				Source:   fmt.Sprintf("mount%d", i),
				Target:   m.GuestPath,
				FSType:   guest.FSTypeVirtioFS,
				ReadOnly: m.ReadOnly,
			})
			continue
		}

		var snap snapshot
		if !m.ReadOnly {
			var err error
			if snap, err = takeSnapshot(m.HostPath); err != nil {
				return nil, nil, fmt.Errorf("%w: mount %s: %v", sandbox.ErrBoot, m, err)
			}
		}
		img := filepath.Join(dir, fmt.Sprintf("mount%d.ext4", i))
		if err := buildMountImage(ctx, m.HostPath, img, !m.ReadOnly); err != nil {
			return nil, nil, fmt.Errorf("%w: mount %s: %v", sandbox.ErrBoot, m, err)
		}
		drives = append(drives, Drive{ID: fmt.Sprintf("mount%d", i), Path: img, ReadOnly: m.ReadOnly})
		shares = append(shares, guest.Share{
			Source:   blockDevice(i + 1),
			Target:   m.GuestPath,
			FSType:   guest.FSTypeExt4,
			ReadOnly: m.ReadOnly,
		})
		if !m.ReadOnly {
			b.writable = append(b.writable, writableShare{host: m.HostPath, guest: m.GuestPath, snap: snap})
		}
	}
	return drives, shares, nil
}

// blockDevice names the n-th virtio block device; the root is /dev/vda.
func blockDevice(n int) string {
	name := ""
	for n++; n > 0; n = (n - 1) / 26 {
		name = string(rune('a'+(n-1)%26)) + name
	}
	return "/dev/vd" + name
}

// connect dials the agent until it answers a ping, the VM exits, or the
// boot timeout passes.
func (b *Backend) connect(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, b.deps.BootTimeout)
	defer cancel()
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := b.machine.Dial(ctx, agentproto.Port)
		if err == nil {
			if err = ping(conn); err == nil {
				b.log.Debug().Int("attempt", attempt).Msg("guest agent answered")
				return conn, nil
			}
			_ = conn.Close()
		}
		lastErr = err

		select {
		case <-b.machine.Done():
			return nil, fmt.Errorf("%w: VM exited before the guest agent became ready (last error: %v)", sandbox.ErrBoot, lastErr)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w: guest agent not ready after %s (last error: %v)", sandbox.ErrBoot, sandbox.ErrTimeout, b.deps.BootTimeout, lastErr)
			}
			return nil, fmt.Errorf("%w: boot canceled: %w", sandbox.ErrBoot, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ping runs the liveness handshake on a fresh connection. The
// connection is closed if the agent does not answer within pingTimeout.
func ping(conn net.Conn) error {
	errc := make(chan error, 1)
	go func() {
		if err := agentproto.WriteFrame(conn, agentproto.Request{Type: agentproto.TypePing}); err != nil {
			errc <- err
			return
		}
		var resp agentproto.Response
		if err := agentproto.ReadFrame(conn, &resp); err != nil {
			errc <- err
			return
		}
		if resp.Type != agentproto.TypePong {
			errc <- fmt.Errorf("unexpected handshake reply %q", resp.Type)
			return
		}
		errc <- nil
	}()

	timer := time.NewTimer(pingTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		return err
	case <-timer.C:
		_ = conn.Close()
		return errors.New("handshake timed out")
	}
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{
		NativeLinux:  true,
		Networking:   b.cfg.VM.Networking,
		PersistentFS: b.cfg.VM.RootfsImage != "",
	}
}

func (b *Backend) Info() sandbox.Info {
	state := b.state.current()
	return sandbox.Info{
		Backend:    backendName,
		InstanceID: b.id,
		Running:    state == StateReady || state == StateExecuting,
		Metadata: map[string]string{
			"driver":     b.deps.Driver.Name(),
			"state":      state.String(),
			"vcpus":      fmt.Sprint(b.cfg.VM.VCPUs),
			"memory_mib": fmt.Sprint(b.cfg.VM.MemoryMiB),
			"networking": fmt.Sprint(b.cfg.VM.Networking),
			"rootfs":     b.rootfs,
		},
	}
}

// Execute runs command in the guest.
func (b *Backend) Execute(ctx context.Context, command string) (*sandbox.CommandResult, error) {
	resp, err := b.call(ctx, agentproto.Request{
		Type:    agentproto.TypeExecute,
		Command: command,
		Workdir: b.cfg.WorkdirOrDefault(),
	})
	if err != nil {
		return nil, err
	}
	if resp.Type != agentproto.TypeExecute {
		return nil, fmt.Errorf("%w: unexpected reply %q to execute", sandbox.ErrCommunication, resp.Type)
	}
	return &sandbox.CommandResult{Stdout: string(resp.Stdout), Stderr: string(resp.Stderr), ExitCode: resp.ExitCode}, nil
}

// ReadFile returns the contents of an absolute guest path.
func (b *Backend) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := b.call(ctx, agentproto.Request{Type: agentproto.TypeReadFile, Path: path})
	if err != nil {
		return "", err
	}
	return string(resp.Content), nil
}

// WriteFile replaces a guest file, creating parent directories.
func (b *Backend) WriteFile(ctx context.Context, path, content string) error {
	_, err := b.call(ctx, agentproto.Request{Type: agentproto.TypeWriteFile, Path: path, Content: []byte(content)})
	return err
}

// ListDir returns a long listing of a guest directory.
func (b *Backend) ListDir(ctx context.Context, path string) (string, error) {
	resp, err := b.call(ctx, agentproto.Request{Type: agentproto.TypeListDir, Path: path})
	if err != nil {
		return "", err
	}
	return string(resp.Content), nil
}

// HealthCheck pings the guest agent.
func (b *Backend) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthWait)
	defer cancel()
	resp, err := b.call(ctx, agentproto.Request{Type: agentproto.TypePing})
	if err != nil {
		return err
	}
	if resp.Type != agentproto.TypePong {
		return fmt.Errorf("%w: unexpected reply %q to ping", sandbox.ErrCommunication, resp.Type)
	}
	return nil
}

// call performs one bounded request. The guest enforces the configured
// timeout itself; the host waits that long plus cancelGrace.
func (b *Backend) call(ctx context.Context, req agentproto.Request) (*agentproto.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.state.transition(StateExecuting); err != nil {
		return nil, fmt.Errorf("%w: instance %s is %s", sandbox.ErrCommunication, b.id, b.state.current())
	}
	defer func() { _ = b.state.transition(StateReady) }()

	if b.cfg.Timeout > 0 {
		req.TimeoutMS = b.cfg.Timeout.Milliseconds()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout+cancelGrace)
		defer cancel()
	}

	resp, err := b.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.TimedOut {
		return nil, fmt.Errorf("%w: command killed after %s", sandbox.ErrTimeout, b.cfg.Timeout)
	}
	if gerr := resp.Err(); gerr != nil {
		return nil, fmt.Errorf("%w: %s: %v", sandbox.ErrExecution, req.Type, gerr)
	}
	return resp, nil
}

type reply struct {
	resp agentproto.Response
	err  error
}

// exchange writes req and waits for its reply. If ctx ends first the
// guest is told to cancel and given cancelGrace to confirm; without a
// confirmation the VM is killed.
func (b *Backend) exchange(ctx context.Context, req agentproto.Request) (*agentproto.Response, error) {
	if err := agentproto.WriteFrame(b.conn, req); err != nil {
		b.terminate("write failed")
		return nil, fmt.Errorf("%w: %v", sandbox.ErrCommunication, err)
	}

	replies := make(chan reply, 1)
	go func() {
		var r reply
		r.err = agentproto.ReadFrame(b.conn, &r.resp)
		replies <- r
	}()

	select {
	case r := <-replies:
		return b.received(r)
	case <-b.machine.Done():
		b.terminate("vm exited")
		return nil, fmt.Errorf("%w: VM exited during %s", sandbox.ErrCommunication, req.Type)
	case <-ctx.Done():
	}

	b.log.Warn().Str("request", string(req.Type)).Err(ctx.Err()).Msg("canceling guest request")
	if err := agentproto.WriteFrame(b.conn, agentproto.Request{Type: agentproto.TypeCancel}); err != nil {
		b.terminate("cancel write failed")
		return nil, sandbox.TimeoutError(ctx, err)
	}

	timer := time.NewTimer(cancelGrace)
	defer timer.Stop()
	select {
	case r := <-replies:
		if _, err := b.received(r); err != nil {
			return nil, err
		}
		return nil, sandbox.TimeoutError(ctx, ctx.Err())
	case <-b.machine.Done():
		b.terminate("vm exited")
	case <-timer.C:
		b.terminate("guest unresponsive")
	}
	return nil, fmt.Errorf("%w: guest did not confirm cancel of %s; VM killed", sandbox.ErrTimeout, req.Type)
}

func (b *Backend) received(r reply) (*agentproto.Response, error) {
	if r.err != nil {
		b.terminate("read failed")
		return nil, fmt.Errorf("%w: %v", sandbox.ErrCommunication, r.err)
	}
	return &r.resp, nil
}

// terminate kills the VM after a protocol failure. Shutdown still has
// to run to release instance storage.
func (b *Backend) terminate(reason string) {
	b.log.Error().Str("reason", reason).Msg("terminating microvm")
	if err := b.machine.Kill(); err != nil {
		b.log.Warn().Err(err).Msg("failed to kill VM")
	}
	if err := b.state.transition(StateTerminated); err != nil {
		b.log.Debug().Err(err).Msg("state already final")
	}
}

// Shutdown syncs writable mounts back, stops the VM, removes instance
// storage and closes the connection. Every step runs regardless of
// earlier failures. Calling it again returns the first result.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.shutdownErr = b.teardown(ctx, true)
	})
	return b.shutdownErr
}

func (b *Backend) teardown(ctx context.Context, syncBack bool) error {
	var errs []error
	live := b.state.transition(StateShuttingDown) == nil

	if syncBack && live && b.conn != nil {
		for _, s := range b.writable {
			if err := b.syncShare(ctx, s); err != nil {
				errs = append(errs, fmt.Errorf("%w: sync %s: %v", sandbox.ErrShutdown, s.guest, err))
			}
		}
	}

	if b.machine != nil {
		if err := b.stopMachine(ctx); err != nil {
			errs = append(errs, err)
		}
		b.cleanup.Stop()
	}

	if err := b.deps.Assets.CleanupInstance(b.id); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", sandbox.ErrShutdown, err))
	}

	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			b.log.Debug().Err(err).Msg("connection close")
		}
	}

	if err := b.state.transition(StateTerminated); err != nil && b.state.current() != StateTerminated {
		errs = append(errs, err)
	}
	b.log.Debug().Msg("microvm terminated")
	return errors.Join(errs...)
}

func (b *Backend) stopMachine(ctx context.Context) error {
	select {
	case <-b.machine.Done():
		return nil
	default:
	}

	var errs []error
	if err := b.machine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: graceful stop: %v", sandbox.ErrShutdown, err))
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-b.machine.Done():
		return errors.Join(errs...)
	case <-timer.C:
		b.log.Warn().Dur("grace", stopGrace).Msg("VM did not stop, killing")
	case <-ctx.Done():
	}

	if err := b.machine.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("%w: kill: %v", sandbox.ErrShutdown, err))
	}
	return errors.Join(errs...)
}

func (b *Backend) syncShare(ctx context.Context, s writableShare) error {
	limit := b.cfg.Timeout
	if limit > 0 {
		limit += cancelGrace
	}
	ctx, cancel := sandbox.WithTimeout(ctx, limit)
	defer cancel()
	resp, err := b.exchange(ctx, agentproto.Request{Type: agentproto.TypeArchive, Path: s.guest})
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return syncFromArchive(resp.Content, s.host, s.snap)
}
