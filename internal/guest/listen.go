package guest

import (
	"io"
	"net"
)

// Listener yields host connections.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	Addr() string
}

type unixListener struct {
	ln net.Listener
}

// ListenUnix listens on a unix socket. Used for tests and for running
// the agent outside a VM.
func ListenUnix(path string) (Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &unixListener{ln: ln}, nil
}

func (l *unixListener) Accept() (io.ReadWriteCloser, error) { return l.ln.Accept() }
func (l *unixListener) Close() error                        { return l.ln.Close() }
func (l *unixListener) Addr() string                        { return l.ln.Addr().String() }
