package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultVirtCheck checks the Hypervisor.framework support flag.
func DefaultVirtCheck() (bool, string) {
	v, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		return false, fmt.Sprintf("kern.hv_support unreadable: %v", err)
	}
	if v != 1 {
		return false, "Hypervisor.framework not supported on this machine"
	}
	return true, ""
}
