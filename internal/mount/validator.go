package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Validator rejects mounts whose host path falls under a protected directory.
type Validator struct {
	blocked []string // resolved absolute paths
}

// NewValidator expands and resolves every blocked path once so later
// comparisons are against real paths (/etc vs /private/etc on macOS).
func NewValidator(blockedPaths []string) (*Validator, error) {
	resolved := make([]string, 0, len(blockedPaths))

	for _, p := range blockedPaths {
		if p == "" {
			continue
		}
		abs, err := expandPath(p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand blocked path '%s': %w", p, err)
		}
		resolved = append(resolved, realPath(abs))
	}

	return &Validator{blocked: resolved}, nil
}

// Check returns an error if the mount's host path is under or equal to
// any blocked path, following symlinks on the host side.
func (v *Validator) Check(m Mount) error {
	source, err := homedir.Expand(m.HostPath)
	if err != nil {
		source = m.HostPath
	}
	if abs, err := filepath.Abs(source); err == nil {
		source = abs
	}
	real := realPath(source)

	for _, blocked := range v.blocked {
		if !isUnderOrEqual(real, blocked) {
			continue
		}
		if real != source {
			return fmt.Errorf("mount blocked: %s resolves to protected path %s", m.HostPath, blocked)
		}
		return fmt.Errorf("mount blocked: %s is a protected path", blocked)
	}

	return nil
}

// CheckAll runs Check over every mount and returns the first failure.
func (v *Validator) CheckAll(mounts []Mount) error {
	for _, m := range mounts {
		if err := v.Check(m); err != nil {
			return err
		}
	}
	return nil
}

func realPath(p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// Not existing yet; compare on the cleaned path.
		return filepath.Clean(p)
	}
	return resolved
}

// isUnderOrEqual treats "/home/u/.sshrc" as outside "/home/u/.ssh".
func isUnderOrEqual(testPath, basePath string) bool {
	if testPath == basePath {
		return true
	}
	prefix := basePath
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(testPath, prefix)
}
