package microvm

import (
	"fmt"
	"io"
	"os"
)

// validateKernel checks for an ELF vmlinux or an ARM64 Image header.
func validateKernel(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open kernel: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 64)
	n, err := io.ReadFull(f, header)
	if n < 4 {
		return fmt.Errorf("cannot read kernel header: %v", err)
	}

	if header[0] == 0x7F && header[1] == 'E' && header[2] == 'L' && header[3] == 'F' {
		return nil
	}
	// ARM64 Image: "ARM\x64" at offset 56.
	if n >= 60 && header[56] == 'A' && header[57] == 'R' && header[58] == 'M' && header[59] == 0x64 {
		return nil
	}
	return fmt.Errorf("kernel is not a valid ELF or ARM64 Image file (header: %x)", header[:min(n, 8)])
}

// validateRootfs checks for the ext4 superblock magic.
func validateRootfs(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open rootfs: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Superblock at 1024, magic at offset 0x38 within it.
	magic := make([]byte, 2)
	if _, err := f.ReadAt(magic, 1080); err != nil {
		return fmt.Errorf("cannot read ext4 magic: %w", err)
	}
	if magic[0] != 0x53 || magic[1] != 0xEF {
		return fmt.Errorf("rootfs is not valid ext4 (magic: %x)", magic)
	}
	return nil
}
