package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// InstanceDir returns the per-instance working directory. It holds the
// writable rootfs copy, mount images and hypervisor sockets.
func (m *Manager) InstanceDir(id string) string {
	return filepath.Join(m.opts.InstancesDir, id)
}

// PrepareInstance creates the instance directory.
func (m *Manager) PrepareInstance(id string) (string, error) {
	if err := validInstanceID(id); err != nil {
		return "", err
	}
	dir := m.InstanceDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create instance directory: %w", err)
	}
	return dir, nil
}

// CreateInstanceRootfs derives a writable copy of base for one instance,
// copy-on-write when the filesystem supports it.
func (m *Manager) CreateInstanceRootfs(ctx context.Context, id, base string) (string, error) {
	dir, err := m.PrepareInstance(id)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "rootfs.ext4")

	cmd := exec.CommandContext(ctx, "cp", "--reflink=auto", base, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		m.log.Debug().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("reflink copy unavailable, copying")
		if err := copyFile(ctx, base, dest); err != nil {
			return "", fmt.Errorf("failed to copy rootfs: %w", err)
		}
	}
	return dest, nil
}

// CleanupInstance removes everything derived for instance id. Removing an
// instance that does not exist is not an error.
func (m *Manager) CleanupInstance(id string) error {
	if err := validInstanceID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(m.InstanceDir(id)); err != nil {
		return fmt.Errorf("failed to clean up instance %s: %w", id, err)
	}
	return nil
}

// ListInstances returns the ids of instance directories on disk.
func (m *Manager) ListInstances() ([]string, error) {
	entries, err := os.ReadDir(m.opts.InstancesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// PruneInstances removes every instance directory for which keep returns
// false and reports how many were removed.
func (m *Manager) PruneInstances(keep func(id string) bool) (int, error) {
	ids, err := m.ListInstances()
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, id := range ids {
		if keep != nil && keep(id) {
			continue
		}
		if err := m.CleanupInstance(id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func validInstanceID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid instance id %q", id)
	}
	return nil
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
