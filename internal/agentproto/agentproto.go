// Package agentproto is the wire protocol between the host and the guest
// agent running inside a microVM.
//
// Each message is a frame: a 4-byte big-endian payload length followed by
// a CBOR-encoded Request or Response. Exchanges are strictly sequential;
// the only frame a host may send while a request is in flight is Cancel.
package agentproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Port is the vsock port the guest agent listens on.
const Port uint32 = 5000

// MaxFrameSize bounds a single frame. Archive responses for read-write
// mount sync-back are the largest frames in practice.
const MaxFrameSize = 256 << 20

// Type discriminates requests and responses.
type Type string

const (
	TypePing      Type = "ping"
	TypeSetup     Type = "setup"
	TypeExecute   Type = "execute"
	TypeReadFile  Type = "read_file"
	TypeWriteFile Type = "write_file"
	TypeListDir   Type = "list_dir"
	TypeArchive   Type = "archive"
	TypeCancel    Type = "cancel"

	TypePong  Type = "pong"
	TypeOK    Type = "ok"
	TypeFile  Type = "file"
	TypeError Type = "error"
)

// Request is sent by the host.
type Request struct {
	Type Type `cbor:"type"`

	// setup
	Script string   `cbor:"script,omitempty"`
	Env    []string `cbor:"env,omitempty"`

	// execute
	Command   string   `cbor:"command,omitempty"`
	Workdir   string   `cbor:"workdir,omitempty"`
	Args      []string `cbor:"args,omitempty"`
	Stdin     []byte   `cbor:"stdin,omitempty"`
	TimeoutMS int64    `cbor:"timeout_ms,omitempty"`

	// read_file, write_file, list_dir, archive
	Path    string `cbor:"path,omitempty"`
	Content []byte `cbor:"content,omitempty"`
}

// Response is sent by the guest.
type Response struct {
	Type Type `cbor:"type"`

	// Command output is raw bytes; programs may print anything.
	Stdout   []byte `cbor:"stdout,omitempty"`
	Stderr   []byte `cbor:"stderr,omitempty"`
	ExitCode int    `cbor:"exit_code"`
	TimedOut bool   `cbor:"timed_out,omitempty"`

	Content []byte `cbor:"content,omitempty"`
	Message string `cbor:"message,omitempty"`
}

// Err returns the guest-reported error, if the response is one.
func (r *Response) Err() error {
	if r.Type != TypeError {
		return nil
	}
	return &GuestError{Message: r.Message}
}

// GuestError is a failure reported by the agent for a well-formed request.
type GuestError struct {
	Message string
}

func (e *GuestError) Error() string { return "guest agent: " + e.Message }

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("agentproto: frame too large")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("agentproto: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored so either side can add fields. Paths and
	// error messages come from the filesystem and need not be UTF-8.
	decMode, err = cbor.DecOptions{UTF8: cbor.UTF8DecodeInvalid}.DecMode()
	if err != nil {
		panic("agentproto: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteFrame encodes v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and decodes it into v. A clean EOF before
// the header is returned as io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read frame body: %w", err)
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
