//go:build !linux

package guest

import (
	"errors"
	"runtime"
)

// ListenVsock is only available on linux guests.
func ListenVsock(uint32) (Listener, error) {
	return nil, errors.New("vsock is not supported on " + runtime.GOOS)
}
