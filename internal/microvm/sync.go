package microvm

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// snapshot records a host directory as it was when its mount image was
// built, keyed by path relative to the directory.
type snapshot map[string]fileState

type fileState struct {
	typ   fs.FileMode
	size  int64
	mtime time.Time
}

func takeSnapshot(dir string) (snapshot, error) {
	snap := snapshot{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		snap[rel] = fileState{typ: info.Mode().Type(), size: info.Size(), mtime: info.ModTime()}
		return nil
	})
	return snap, err
}

// unchanged reports whether a host entry is still what the guest was
// given. Directories only need to match in type.
func (s snapshot) unchanged(rel string, info fs.FileInfo) bool {
	st, ok := s[rel]
	if !ok || st.typ != info.Mode().Type() {
		return false
	}
	if info.IsDir() {
		return true
	}
	return st.size == info.Size() && st.mtime.Equal(info.ModTime())
}

// guestKept reports whether a regular archive entry is the file the
// guest was given, unmodified. Image timestamps have second precision.
func (s snapshot) guestKept(rel string, hdr *tar.Header) bool {
	st, ok := s[rel]
	return ok && st.typ.IsRegular() && st.size == hdr.Size && st.mtime.Unix() == hdr.ModTime.Unix()
}

// syncFromArchive mirrors a guest directory tar onto dst. Entries the
// guest created or modified are written to the host. A host entry absent
// from the archive is removed only if snap shows it was handed to the
// guest and the host has not changed it since; anything created on the
// host after snap was taken is left alone. Entries that would land
// outside dst are rejected.
func syncFromArchive(data []byte, dst string, snap snapshot) error {
	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		rel, err := confine(hdr.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(root, rel)
		if err := checkParents(root, target); err != nil {
			return err
		}
		seen[rel] = true

		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if info, err := os.Lstat(target); err == nil && !info.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			if err := os.Chmod(target, mode|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if snap.guestKept(rel, hdr) {
				// Keeps host edits made while the guest ran.
				continue
			}
			if err := replaceFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.RemoveAll(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and hard links are not synced.
		}
	}

	return prune(root, seen, snap)
}

// confine cleans an archive name and rejects absolute or escaping paths.
func confine(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return clean, nil
}

// checkParents rejects targets whose parent resolves outside root, as
// happens when an earlier entry planted a symlink.
func checkParents(root, target string) error {
	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if parent != root && !strings.HasPrefix(parent, root+string(filepath.Separator)) {
		return fmt.Errorf("archive entry escapes destination through a symlink: %s", target)
	}
	return nil
}

func replaceFile(target string, r io.Reader, mode fs.FileMode) error {
	if info, err := os.Lstat(target); err == nil && !info.Mode().IsRegular() {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".sync-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func prune(root string, seen map[string]bool, snap snapshot) error {
	var files, dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		if rel == "lost+found" && d.IsDir() {
			return filepath.SkipDir
		}
		if seen[rel] {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if !snap.unchanged(rel, info) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range files {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	// Deepest first; a directory still holding host-side entries stays.
	for i := len(dirs) - 1; i >= 0; i-- {
		if left, err := os.ReadDir(dirs[i]); err != nil || len(left) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
