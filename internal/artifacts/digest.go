package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

// Supported digest algorithms.
const (
	AlgoSHA256 = "sha256"
	AlgoBLAKE3 = "blake3"
)

// ErrDigestMismatch means a file's content does not match its expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// Digest is an algorithm-qualified content hash, written "sha256:<hex>".
type Digest struct {
	Algo string
	Hex  string
}

// ParseDigest parses "algo:hex". A bare 64-character hex string is
// taken as sha256.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	algo, value, ok := strings.Cut(s, ":")
	if !ok {
		algo, value = AlgoSHA256, s
	}
	if algo != AlgoSHA256 && algo != AlgoBLAKE3 {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return Digest{}, fmt.Errorf("invalid %s digest %q: want 64 hex characters", algo, value)
	}
	return Digest{Algo: algo, Hex: value}, nil
}

// parseChecksumFile finds the sha256 of name in sha256sum output
// ("<hex>  <file>" per line, "*" marking binary mode). A file holding a
// single bare digest applies to any name.
func parseChecksumFile(data []byte, name string) (Digest, error) {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 1 && len(lines) == 1:
			return ParseDigest(AlgoSHA256 + ":" + fields[0])
		case len(fields) >= 2 && path.Base(strings.TrimPrefix(fields[1], "*")) == name:
			return ParseDigest(AlgoSHA256 + ":" + fields[0])
		}
	}
	return Digest{}, fmt.Errorf("no checksum for %s", name)
}

func (d Digest) String() string {
	if d.Algo == "" {
		return ""
	}
	return d.Algo + ":" + d.Hex
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool { return d.Hex == "" }

func newHasher(algo string) (hash.Hash, error) {
	switch algo {
	case AlgoSHA256, "":
		return sha256.New(), nil
	case AlgoBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}

// HashReader streams r through the named algorithm.
func HashReader(r io.Reader, algo string) (Digest, error) {
	if algo == "" {
		algo = AlgoSHA256
	}
	h, err := newHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("failed to hash: %w", err)
	}
	return Digest{Algo: algo, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// HashFile computes the digest of the file at path.
func HashFile(path, algo string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer func() { _ = f.Close() }()
	return HashReader(f, algo)
}

// verifyFile recomputes path's digest and compares it with want.
func verifyFile(path string, want Digest) error {
	got, err := HashFile(path, want.Algo)
	if err != nil {
		return err
	}
	if got.Hex != want.Hex {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, path, want, got)
	}
	return nil
}
