package artifacts

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// extract writes the payload of the downloaded file src into dst
// according to the artifact's archive format.
func extract(a Artifact, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	switch a.Archive {
	case ArchiveTarGz:
		err = extractTarMember(in, out, a.Members)
	case ArchiveZstd:
		err = decompressZstd(in, out)
	default:
		_, err = io.Copy(out, in)
	}

	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func decompressZstd(r io.Reader, w io.Writer) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open zstd stream: %w", err)
	}
	defer dec.Close()
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("failed to decompress zstd stream: %w", err)
	}
	return nil
}

// extractTarMember copies the first regular file matching one of members
// (in preference order) out of a gzipped tarball. Entries are matched on
// their cleaned path, ignoring a single leading directory component when
// the archive wraps everything in a top-level folder.
func extractTarMember(r io.Reader, w io.Writer, members []string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	best := len(members)
	var found bool

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		rank := memberRank(hdr.Name, members)
		if rank < 0 || rank >= best {
			continue
		}
		// A better match replaces anything written so far.
		if f, ok := w.(*os.File); ok && found {
			if err := f.Truncate(0); err != nil {
				return err
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		if _, err := io.Copy(w, tr); err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		best, found = rank, true
		if rank == 0 {
			break
		}
	}

	if !found {
		return fmt.Errorf("none of %s found in archive", strings.Join(members, ", "))
	}
	return nil
}

func memberRank(name string, members []string) int {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	stripped := name
	if _, rest, ok := strings.Cut(name, "/"); ok {
		stripped = rest
	}
	for i, m := range members {
		if name == m || stripped == m {
			return i
		}
	}
	return -1
}
