//go:build !linux && !darwin

package backend

import "runtime"

// DefaultVirtCheck reports that no hypervisor is supported on this OS.
func DefaultVirtCheck() (bool, string) {
	return false, "microVMs are not supported on " + runtime.GOOS
}
