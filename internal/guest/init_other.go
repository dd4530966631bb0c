//go:build !linux

package guest

import (
	"errors"
	"runtime"
)

// InitSystem is only meaningful inside a linux guest.
func InitSystem() error {
	return errors.New("init is not supported on " + runtime.GOOS)
}

// PowerOff is only meaningful inside a linux guest.
func PowerOff() error {
	return errors.New("power off is not supported on " + runtime.GOOS)
}
