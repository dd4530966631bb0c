package mount

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Mount maps a host directory into the sandbox.
type Mount struct {
	HostPath  string `json:"host_path"`  // Expanded absolute host path
	GuestPath string `json:"guest_path"` // Absolute path inside the sandbox
	ReadOnly  bool   `json:"readonly"`
}

// String renders the mount in the same form Parse accepts.
func (m Mount) String() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	return m.HostPath + ":" + m.GuestPath + ":" + mode
}

// Parse parses a mount specification string into a Mount.
//
// Formats:
//   - "/src" -> {HostPath: "/src", GuestPath: "/src", ReadOnly: false}
//   - "/src:ro" -> {HostPath: "/src", GuestPath: "/src", ReadOnly: true}
//   - "~/src:/workspace" -> {HostPath: expanded, GuestPath: "/workspace", ReadOnly: false}
//   - "/src:/workspace:ro" -> {HostPath: "/src", GuestPath: "/workspace", ReadOnly: true}
//
// Mounts are read-write unless ":ro" is given. The guest path is taken
// verbatim and must be absolute.
func Parse(spec string) (*Mount, error) {
	if spec == "" {
		return nil, fmt.Errorf("mount specification cannot be empty")
	}

	parts := strings.Split(spec, ":")

	hostPath, err := expandPath(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid host path: %w", err)
	}
	m := &Mount{HostPath: hostPath}

	switch len(parts) {
	case 1:
		m.GuestPath = hostPath
	case 2:
		if parts[1] == "ro" || parts[1] == "rw" {
			m.GuestPath = hostPath
			m.ReadOnly = parts[1] == "ro"
		} else {
			m.GuestPath = parts[1]
		}
	case 3:
		m.GuestPath = parts[1]
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
			m.ReadOnly = false
		default:
			return nil, fmt.Errorf("invalid mode '%s': must be 'ro' or 'rw'", parts[2])
		}
	default:
		return nil, fmt.Errorf("invalid mount specification: too many colons")
	}

	if err := checkGuestPath(m.GuestPath); err != nil {
		return nil, err
	}
	m.GuestPath = path.Clean(m.GuestPath)

	return m, nil
}

// Validate checks the mount at invocation time: the guest path must be
// absolute and the host path must be an existing, readable directory.
func (m Mount) Validate() error {
	if err := checkGuestPath(m.GuestPath); err != nil {
		return err
	}
	if m.HostPath == "" {
		return fmt.Errorf("mount host path cannot be empty")
	}

	info, err := os.Stat(m.HostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount path not found: %s", m.HostPath)
		}
		return fmt.Errorf("failed to stat mount path %s: %w", m.HostPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount path is not a directory: %s", m.HostPath)
	}

	f, err := os.Open(m.HostPath)
	if err != nil {
		return fmt.Errorf("mount path not readable: %s: %w", m.HostPath, err)
	}
	return f.Close()
}

func checkGuestPath(p string) error {
	if p == "" {
		return fmt.Errorf("guest path cannot be empty")
	}
	if !path.IsAbs(p) {
		return fmt.Errorf("guest path must be absolute: %s", p)
	}
	return nil
}

// expandPath expands ~ to home directory and returns an absolute path
func expandPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("failed to expand path: %w", err)
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to convert to absolute path: %w", err)
	}

	return filepath.Clean(abs), nil
}
