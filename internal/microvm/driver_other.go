//go:build !linux && !darwin

package microvm

import (
	"errors"
	"runtime"
)

// DefaultDriver reports that no hypervisor driver exists for this host.
func DefaultDriver(VMMResolver, string) (Driver, error) {
	return nil, errors.New("microVMs are not supported on " + runtime.GOOS)
}
