package guest

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type initMount struct {
	source, target, fstype string
	flags                  uintptr
	data                   string
}

var initMounts = []initMount{
	{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC, ""},
	{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC, ""},
	{"devtmpfs", "/dev", "devtmpfs", unix.MS_NOSUID, "mode=0755"},
	{"tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=1777"},
	{"tmpfs", "/run", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=0755"},
}

// InitSystem prepares a minimal userland when the agent is PID 1: the
// kernel pseudo filesystems, scratch tmpfs mounts, a writable root and
// a hostname.
func InitSystem() error {
	if err := unix.Mount("", "/", "", unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("failed to remount root read-write: %w", err)
	}
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", m.target, err)
		}
		err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data)
		if err != nil && !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("failed to mount %s: %w", m.target, err)
		}
	}
	return unix.Sethostname([]byte("bashlet"))
}

// PowerOff flushes filesystems and halts the machine. It returns only on
// failure.
func PowerOff() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}
