// Package artifacts fetches, verifies and caches the binaries and images
// the sandbox backends depend on.
//
// Cache layout, one subtree per platform:
//
//	<cache>/<os>-<arch>/<kind>/<file>
//	<cache>/<os>-<arch>/<kind>/<file>.meta.json
//	<cache>/<os>-<arch>/<kind>/<file>.lock
//
// A cached file is used only when its recomputed digest matches the
// digest recorded in its meta file, and the recorded source digest
// matches the current pin.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bashlet/bashlet/internal/fslock"
	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/rs/zerolog"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// ErrUnpinned is returned for an artifact without a pinned digest when
// unpinned downloads are not allowed.
var ErrUnpinned = errors.New("artifact has no pinned digest")

// Options configures a Manager.
type Options struct {
	CacheDir     string
	InstancesDir string
	Client       *http.Client
	Log          zerolog.Logger
	Platform     Platform

	// URLs and Digests override the built-in catalog, keyed by Kind.
	URLs    map[string]string
	Digests map[string]string
	// Local maps kinds to user-supplied files used as-is.
	Local map[Kind]string
	// AllowUnpinned accepts artifacts without a pin, recording the first
	// download's digest and enforcing it afterwards.
	AllowUnpinned bool

	Attempts int
	Backoff  time.Duration
}

// Manager handles artifact download and storage.
type Manager struct {
	opts    Options
	log     zerolog.Logger
	catalog func(Kind, Platform) (Artifact, error)
}

type entryMeta struct {
	SourceURL    string    `json:"source_url"`
	SourceDigest string    `json:"source_digest"`
	ChecksumURL  string    `json:"checksum_url,omitempty"`
	Digest       string    `json:"digest"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// NewManager creates the cache directories and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("artifact cache directory is required")
	}
	if opts.InstancesDir == "" {
		opts.InstancesDir = filepath.Join(filepath.Dir(opts.CacheDir), "instances")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.Platform == (Platform{}) {
		opts.Platform = CurrentPlatform()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	for _, dir := range []string{opts.CacheDir, opts.InstancesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
		}
	}

	return &Manager{
		opts:    opts,
		log:     opts.Log.With().Str("component", "assets").Logger(),
		catalog: DefaultArtifact,
	}, nil
}

// Dir returns the cache root.
func (m *Manager) Dir() string { return m.opts.CacheDir }

// Platform returns the platform the manager resolves artifacts for.
func (m *Manager) Platform() Platform { return m.opts.Platform }

// Artifact resolves kind through the catalog and configured overrides.
func (m *Manager) Artifact(kind Kind) (Artifact, error) {
	a, err := m.catalog(kind, m.opts.Platform)
	if err != nil && m.opts.URLs[string(kind)] == "" {
		return Artifact{}, fmt.Errorf("%w: %v", sandbox.ErrAsset, err)
	}
	if a.FileName == "" {
		a.FileName = string(kind)
	}
	a.Kind, a.Platform = kind, m.opts.Platform
	return a.withOverrides(m.opts.URLs, m.opts.Digests), nil
}

// Path returns where kind is cached, whether or not it is present.
func (m *Manager) Path(kind Kind) (string, error) {
	a, err := m.Artifact(kind)
	if err != nil {
		return "", err
	}
	return m.entryPath(a), nil
}

func (m *Manager) entryPath(a Artifact) string {
	return filepath.Join(m.opts.CacheDir, a.Platform.Key(), string(a.Kind), a.FileName)
}

// Ensure returns the path of a verified copy of kind, downloading it when
// the cache has no valid entry.
func (m *Manager) Ensure(ctx context.Context, kind Kind) (string, error) {
	if local := m.opts.Local[kind]; local != "" {
		if _, err := os.Stat(local); err != nil {
			return "", fmt.Errorf("%w: configured %s %s: %v", sandbox.ErrAsset, kind, local, err)
		}
		return local, nil
	}

	a, err := m.Artifact(kind)
	if err != nil {
		return "", err
	}

	var pin Digest
	if a.Digest != "" {
		if pin, err = ParseDigest(a.Digest); err != nil {
			return "", fmt.Errorf("%w: %s pin: %v", sandbox.ErrAsset, kind, err)
		}
	} else if a.ChecksumURL == "" && !m.opts.AllowUnpinned {
		return "", fmt.Errorf("%w: %w: %s (set assets.digests.%s or assets.allow_unpinned)",
			sandbox.ErrAsset, ErrUnpinned, kind, kind)
	}

	target := m.entryPath(a)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create cache directory: %v", sandbox.ErrAsset, err)
	}

	lock, err := fslock.Acquire(ctx, target+".lock")
	if err != nil {
		return "", fmt.Errorf("%w: %v", sandbox.ErrAsset, err)
	}
	defer func() { _ = lock.Release() }()

	log := m.log.With().Str("kind", string(kind)).Str("platform", a.Platform.Key()).Logger()

	if err := m.verifyEntry(a, target, pin); err == nil {
		log.Debug().Str("path", target).Msg("using cached artifact")
		return target, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("cached artifact failed verification, downloading again")
	}
	_ = os.Remove(target)
	_ = os.Remove(metaPath(target))

	if pin.IsZero() && a.ChecksumURL != "" {
		if pin, err = m.publishedDigest(ctx, a, filepath.Dir(target), log); err != nil {
			return "", fmt.Errorf("%w: %s pin: %w", sandbox.ErrAsset, kind, err)
		}
	}
	if err := m.fetch(ctx, a, target, pin, log); err != nil {
		return "", fmt.Errorf("%w: %s: %w", sandbox.ErrAsset, kind, err)
	}
	return target, nil
}

// verifyEntry checks a cached file against its meta record and the pin.
func (m *Manager) verifyEntry(a Artifact, target string, pin Digest) error {
	data, err := os.ReadFile(metaPath(target))
	if err != nil {
		return err
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("corrupt meta record: %w", err)
	}
	if meta.SourceURL != a.URL {
		return fmt.Errorf("cached from %s, now sourced from %s", meta.SourceURL, a.URL)
	}
	if !pin.IsZero() && meta.SourceDigest != pin.String() {
		return fmt.Errorf("cached with %s, pin is now %s", meta.SourceDigest, pin)
	}
	if pin.IsZero() && meta.ChecksumURL != a.ChecksumURL {
		return fmt.Errorf("cached against checksum %q, now pinned by %q", meta.ChecksumURL, a.ChecksumURL)
	}
	want, err := ParseDigest(meta.Digest)
	if err != nil {
		return fmt.Errorf("corrupt meta record: %w", err)
	}
	return verifyFile(target, want)
}

// fetch downloads, verifies and installs a into target. The caller holds
// the target's lock.
func (m *Manager) fetch(ctx context.Context, a Artifact, target string, pin Digest, log zerolog.Logger) error {
	dir := filepath.Dir(target)

	download, err := m.downloadWithRetry(ctx, a.URL, dir, log)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(download) }()

	algo := pin.Algo
	if algo == "" {
		algo = AlgoSHA256
	}
	source, err := HashFile(download, algo)
	if err != nil {
		return fmt.Errorf("failed to hash download: %w", err)
	}
	if !pin.IsZero() && source.Hex != pin.Hex {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrDigestMismatch, a.URL, pin, source)
	}
	if pin.IsZero() {
		log.Warn().Str("digest", source.String()).Msg("accepted unpinned artifact; digest recorded for future verification")
	}

	payload := download
	if a.Archive != ArchiveNone {
		payload = download + ".extracted"
		defer func() { _ = os.Remove(payload) }()
		if err := extract(a, download, payload); err != nil {
			return err
		}
	}

	mode := os.FileMode(0644)
	if a.Executable {
		mode = 0755
	}
	if err := os.Chmod(payload, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	digest := source
	if payload != download {
		if digest, err = HashFile(payload, algo); err != nil {
			return fmt.Errorf("failed to hash extracted file: %w", err)
		}
	}

	if err := os.Rename(payload, target); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", a.Kind, err)
	}

	meta := entryMeta{
		SourceURL:    a.URL,
		SourceDigest: source.String(),
		Digest:       digest.String(),
		FetchedAt:    time.Now().UTC(),
	}
	if a.Digest == "" {
		meta.ChecksumURL = a.ChecksumURL
	}
	if err := writeMeta(target, meta); err != nil {
		_ = os.Remove(target)
		return err
	}

	log.Info().Str("path", target).Str("digest", digest.String()).Msg("artifact cached")
	return nil
}

// maxChecksumFile bounds a vendor checksum download.
const maxChecksumFile = 64 << 10

// publishedDigest fetches the vendor checksum file for a and returns the
// digest it lists for the download.
func (m *Manager) publishedDigest(ctx context.Context, a Artifact, dir string, log zerolog.Logger) (Digest, error) {
	file, err := m.downloadWithRetry(ctx, a.ChecksumURL, dir, log)
	if err != nil {
		return Digest{}, err
	}
	defer func() { _ = os.Remove(file) }()

	f, err := os.Open(file)
	if err != nil {
		return Digest{}, err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, maxChecksumFile+1))
	if err != nil {
		return Digest{}, err
	}
	if len(data) > maxChecksumFile {
		return Digest{}, fmt.Errorf("checksum file %s is too large", a.ChecksumURL)
	}
	name := path.Base(a.URL)
	if u, err := url.Parse(a.URL); err == nil {
		name = path.Base(u.Path)
	}
	d, err := parseChecksumFile(data, name)
	if err != nil {
		return Digest{}, fmt.Errorf("%s: %w", a.ChecksumURL, err)
	}
	log.Debug().Str("digest", d.String()).Str("checksums", a.ChecksumURL).Msg("resolved published digest")
	return d, nil
}

type httpStatusError struct {
	URL    string
	Status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Status)
}

// transient reports whether a failed download is worth retrying:
// connection errors, 429 and 5xx.
func transient(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) downloadWithRetry(ctx context.Context, url, dir string, log zerolog.Logger) (string, error) {
	var lastErr error
	backoff := m.opts.Backoff

	for attempt := 0; attempt < m.opts.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		path, err := m.download(ctx, url, dir, log)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !transient(err) || ctx.Err() != nil {
			return "", err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("download failed, retrying")
	}
	return "", lastErr
}

// download streams url into a fresh temp file in dir.
func (m *Manager) download(ctx context.Context, url, dir string, log zerolog.Logger) (string, error) {
	log.Info().Str("url", url).Msg("downloading artifact")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{URL: url, Status: resp.StatusCode}
	}

	f, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write download: %w", err)
	}

	log.Debug().Int64("bytes", written).Msg("download complete")
	return f.Name(), nil
}

func metaPath(target string) string { return target + ".meta.json" }

func writeMeta(target string, meta entryMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := metaPath(target) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write meta record: %w", err)
	}
	if err := os.Rename(tmp, metaPath(target)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to finalize meta record: %w", err)
	}
	return nil
}

// Clean removes every cached artifact for every platform.
func (m *Manager) Clean() error {
	if err := os.RemoveAll(m.opts.CacheDir); err != nil {
		return fmt.Errorf("failed to clean artifacts: %w", err)
	}
	return os.MkdirAll(m.opts.CacheDir, 0755)
}
