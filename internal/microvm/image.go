package microvm

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// AgentGuestPath is where the agent lives in the guest rootfs.
	AgentGuestPath = "/sbin/bashlet-agent"

	imageMinBytes  = 64 << 20
	imageHeadroom  = 256 << 20
	imageBlockSize = 4096
)

// buildMountImage creates an ext4 image at img populated with the
// contents of dir. Writable images get extra headroom.
func buildMountImage(ctx context.Context, dir, img string, writable bool) error {
	used, err := dirSize(dir)
	if err != nil {
		return fmt.Errorf("failed to size %s: %w", dir, err)
	}
	size := used + used/2 + imageMinBytes
	if writable {
		size += imageHeadroom
	}
	size = (size + imageBlockSize - 1) / imageBlockSize * imageBlockSize

	f, err := os.Create(img)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-F", "-L", "bashlet", "-d", dir, img).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.ext4 failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Every entry costs at least an inode and a block.
		total += max(info.Size(), imageBlockSize)
		return nil
	})
	return total, err
}

// injectAgent writes the agent binary into an ext4 rootfs image without
// mounting it.
func injectAgent(ctx context.Context, rootfs, agent string) error {
	if _, err := os.Stat(agent); err != nil {
		return fmt.Errorf("guest agent binary: %w", err)
	}
	steps := []string{
		"rm " + AgentGuestPath,
		fmt.Sprintf("write %q %s", agent, AgentGuestPath),
		"set_inode_field " + AgentGuestPath + " mode 0100755",
	}
	for i, req := range steps {
		out, err := exec.CommandContext(ctx, "debugfs", "-w", "-R", req, rootfs).CombinedOutput()
		// The first rm fails on images that never had an agent.
		if err != nil && i > 0 {
			return fmt.Errorf("debugfs %q failed: %v: %s", req, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
