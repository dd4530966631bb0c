package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

// DefaultVirtCheck checks that /dev/kvm is readable and writable.
func DefaultVirtCheck() (bool, string) {
	if err := unix.Access(kvmDevice, unix.R_OK|unix.W_OK); err != nil {
		return false, fmt.Sprintf("%s not accessible: %v", kvmDevice, err)
	}
	return true, ""
}
