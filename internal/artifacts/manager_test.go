package artifacts

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// fileServer serves fixed bodies by path and counts requests per path.
type fileServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string][]byte
	fails  map[string]int // remaining 500s before success
	hits   map[string]int
}

func newFileServer(t *testing.T) *fileServer {
	fs := &fileServer{bodies: map[string][]byte{}, fails: map[string]int{}, hits: map[string]int{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.hits[r.URL.Path]++
		body, ok := fs.bodies[r.URL.Path]
		fail := fs.fails[r.URL.Path]
		if fail > 0 {
			fs.fails[r.URL.Path]--
		}
		fs.mu.Unlock()

		switch {
		case fail > 0:
			http.Error(w, "try again", http.StatusServiceUnavailable)
		case !ok:
			http.NotFound(w, r)
		default:
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) count(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[path]
}

func newTestManager(t *testing.T, catalog map[Kind]Artifact, mutate func(*Options)) *Manager {
	root := t.TempDir()
	opts := Options{
		CacheDir:     filepath.Join(root, "cache"),
		InstancesDir: filepath.Join(root, "instances"),
		Log:          zerolog.Nop(),
		Platform:     Platform{OS: "linux", Arch: "amd64"},
		Backoff:      time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	m.catalog = func(k Kind, p Platform) (Artifact, error) {
		a, ok := catalog[k]
		if !ok {
			return Artifact{Kind: k}, assert.AnError
		}
		a.Kind, a.Platform = k, p
		return a, nil
	}
	return m
}

func TestEnsureDownloadsAndCaches(t *testing.T) {
	srv := newFileServer(t)
	body := []byte("kernel image bytes")
	srv.bodies["/vmlinux"] = body

	m := newTestManager(t, map[Kind]Artifact{
		KindKernel: {URL: srv.URL + "/vmlinux", Digest: sha(body), FileName: "vmlinux"},
	}, nil)

	path, err := m.Ensure(context.Background(), KindKernel)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Dir(), "linux-amd64", "kernel", "vmlinux"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Second call is served from the cache.
	again, err := m.Ensure(context.Background(), KindKernel)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, srv.count("/vmlinux"))

	// No temp files are left behind next to the entry.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"vmlinux", "vmlinux.meta.json", "vmlinux.lock"}, names)
}

func TestEnsureRedownloadsCorruptedEntry(t *testing.T) {
	srv := newFileServer(t)
	body := []byte("#!/bin/sh\necho genuine\n")
	srv.bodies["/firecracker"] = body

	m := newTestManager(t, map[Kind]Artifact{
		KindVMM: {URL: srv.URL + "/firecracker", Digest: sha(body), FileName: "firecracker", Executable: true},
	}, nil)

	path, err := m.Ensure(context.Background(), KindVMM)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho tampered\n"), 0755))

	path, err = m.Ensure(context.Background(), KindVMM)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, 2, srv.count("/firecracker"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestEnsureRejectsDigestMismatch(t *testing.T) {
	srv := newFileServer(t)
	srv.bodies["/rootfs"] = []byte("evil")

	m := newTestManager(t, map[Kind]Artifact{
		KindRootfs: {URL: srv.URL + "/rootfs", Digest: sha([]byte("good")), FileName: "rootfs.ext4"},
	}, nil)

	_, err := m.Ensure(context.Background(), KindRootfs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.ErrorIs(t, err, sandbox.ErrAsset)

	path, err := m.Path(KindRootfs)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "mismatched download must never reach the cache")
	// Mismatches are not retried.
	assert.Equal(t, 1, srv.count("/rootfs"))
}

func TestEnsureRetriesTransientFailures(t *testing.T) {
	srv := newFileServer(t)
	body := []byte("payload")
	srv.bodies["/flaky"] = body
	srv.fails["/flaky"] = 2

	m := newTestManager(t, map[Kind]Artifact{
		KindKernel: {URL: srv.URL + "/flaky", Digest: sha(body), FileName: "vmlinux"},
		KindRootfs: {URL: srv.URL + "/missing", Digest: sha(body), FileName: "rootfs.ext4"},
	}, nil)

	_, err := m.Ensure(context.Background(), KindKernel)
	require.NoError(t, err)
	assert.Equal(t, 3, srv.count("/flaky"))

	_, err = m.Ensure(context.Background(), KindRootfs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Equal(t, 1, srv.count("/missing"), "client errors are permanent")
}

func TestEnsureUnpinned(t *testing.T) {
	srv := newFileServer(t)
	srv.bodies["/rootfs"] = []byte("image")
	catalog := map[Kind]Artifact{KindRootfs: {URL: srv.URL + "/rootfs", FileName: "rootfs.ext4"}}

	t.Run("refused by default", func(t *testing.T) {
		m := newTestManager(t, catalog, nil)
		_, err := m.Ensure(context.Background(), KindRootfs)
		assert.ErrorIs(t, err, ErrUnpinned)
		assert.ErrorIs(t, err, sandbox.ErrAsset)
	})

	t.Run("trust on first use", func(t *testing.T) {
		m := newTestManager(t, catalog, func(o *Options) { o.AllowUnpinned = true })
		path, err := m.Ensure(context.Background(), KindRootfs)
		require.NoError(t, err)

		// The recorded digest still guards the entry.
		require.NoError(t, os.WriteFile(path, []byte("changed"), 0644))
		before := srv.count("/rootfs")
		_, err = m.Ensure(context.Background(), KindRootfs)
		require.NoError(t, err)
		assert.Equal(t, before+1, srv.count("/rootfs"))
	})
}

func TestEnsurePublishedChecksum(t *testing.T) {
	var tgz bytes.Buffer
	gz := gzip.NewWriter(&tgz)
	tw := tar.NewWriter(gz)
	content := "#!/bin/sh\necho firecracker\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "release-v1-x86_64/firecracker-v1-x86_64", Mode: 0755, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	vmm := func(srv *fileServer) map[Kind]Artifact {
		return map[Kind]Artifact{KindVMM: {
			URL:         srv.URL + "/fc.tgz",
			ChecksumURL: srv.URL + "/fc.tgz.sha256.txt",
			Archive:     ArchiveTarGz,
			Members:     []string{"firecracker-v1-x86_64"},
			FileName:    "firecracker",
			Executable:  true,
		}}
	}

	t.Run("verified", func(t *testing.T) {
		srv := newFileServer(t)
		srv.bodies["/fc.tgz"] = tgz.Bytes()
		srv.bodies["/fc.tgz.sha256.txt"] = []byte(strings.TrimPrefix(sha(tgz.Bytes()), "sha256:") + "  fc.tgz\n")
		m := newTestManager(t, vmm(srv), nil)

		path, err := m.Ensure(context.Background(), KindVMM)
		require.NoError(t, err)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(got))

		// A cached entry needs neither file again.
		_, err = m.Ensure(context.Background(), KindVMM)
		require.NoError(t, err)
		assert.Equal(t, 1, srv.count("/fc.tgz"))
		assert.Equal(t, 1, srv.count("/fc.tgz.sha256.txt"))
	})

	t.Run("mismatch", func(t *testing.T) {
		srv := newFileServer(t)
		srv.bodies["/fc.tgz"] = tgz.Bytes()
		srv.bodies["/fc.tgz.sha256.txt"] = []byte(strings.Repeat("0", 64) + "  fc.tgz\n")
		m := newTestManager(t, vmm(srv), nil)

		_, err := m.Ensure(context.Background(), KindVMM)
		assert.ErrorIs(t, err, ErrDigestMismatch)
		assert.ErrorIs(t, err, sandbox.ErrAsset)
	})

	t.Run("checksum unavailable", func(t *testing.T) {
		srv := newFileServer(t)
		srv.bodies["/fc.tgz"] = tgz.Bytes()
		m := newTestManager(t, vmm(srv), nil)

		_, err := m.Ensure(context.Background(), KindVMM)
		assert.ErrorIs(t, err, sandbox.ErrAsset)
		assert.Zero(t, srv.count("/fc.tgz"), "nothing is downloaded without a pin")
	})

	t.Run("configured digest wins", func(t *testing.T) {
		srv := newFileServer(t)
		srv.bodies["/fc.tgz"] = tgz.Bytes()
		m := newTestManager(t, vmm(srv), func(o *Options) {
			o.Digests = map[string]string{"vmm": sha(tgz.Bytes())}
		})

		_, err := m.Ensure(context.Background(), KindVMM)
		require.NoError(t, err)
		assert.Zero(t, srv.count("/fc.tgz.sha256.txt"))
	})
}

func TestEnsureBlake3Pin(t *testing.T) {
	srv := newFileServer(t)
	body := []byte("blake3 pinned")
	srv.bodies["/pkg"] = body
	sum := blake3.Sum256(body)

	m := newTestManager(t, map[Kind]Artifact{
		KindSandboxPackage: {URL: srv.URL + "/pkg", Digest: "blake3:" + hex.EncodeToString(sum[:]), FileName: "bash.webc"},
	}, nil)

	_, err := m.Ensure(context.Background(), KindSandboxPackage)
	require.NoError(t, err)
}

func TestEnsureExtractsTarball(t *testing.T) {
	var tgz bytes.Buffer
	gz := gzip.NewWriter(&tgz)
	tw := tar.NewWriter(gz)
	for name, content := range map[string]string{
		"LICENSE":    "mit",
		"bin/wasmer": "#!/bin/sh\necho wasmer\n",
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0755, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	srv := newFileServer(t)
	srv.bodies["/wasmer.tar.gz"] = tgz.Bytes()

	m := newTestManager(t, map[Kind]Artifact{
		KindWasmRuntime: {
			URL:        srv.URL + "/wasmer.tar.gz",
			Digest:     sha(tgz.Bytes()),
			Archive:    ArchiveTarGz,
			Members:    []string{"bin/wasmer", "wasmer"},
			FileName:   "wasmer",
			Executable: true,
		},
	}, nil)

	path, err := m.Ensure(context.Background(), KindWasmRuntime)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho wasmer\n", string(got))

	// The extracted file is verified on reuse.
	_, err = m.Ensure(context.Background(), KindWasmRuntime)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.count("/wasmer.tar.gz"))
}

func TestEnsureURLOverrideWithZstd(t *testing.T) {
	raw := bytes.Repeat([]byte("ext4"), 1024)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	srv := newFileServer(t)
	srv.bodies["/custom.ext4.zst"] = compressed

	m := newTestManager(t, map[Kind]Artifact{
		KindRootfs: {URL: "https://example.invalid/rootfs.ext4", Digest: sha([]byte("builtin")), FileName: "rootfs.ext4"},
	}, func(o *Options) {
		o.URLs = map[string]string{"rootfs": srv.URL + "/custom.ext4.zst"}
		o.Digests = map[string]string{"rootfs": sha(compressed)}
	})

	path, err := m.Ensure(context.Background(), KindRootfs)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestEnsureConcurrentSingleDownload(t *testing.T) {
	srv := newFileServer(t)
	body := bytes.Repeat([]byte("x"), 1<<20)
	srv.bodies["/big"] = body

	m := newTestManager(t, map[Kind]Artifact{
		KindRootfs: {URL: srv.URL + "/big", Digest: sha(body), FileName: "rootfs.ext4"},
	}, nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Ensure(context.Background(), KindRootfs); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, srv.count("/big"))
}

func TestEnsureLocalOverride(t *testing.T) {
	local := filepath.Join(t.TempDir(), "vmlinux")
	require.NoError(t, os.WriteFile(local, []byte("k"), 0644))

	m := newTestManager(t, nil, func(o *Options) {
		o.Local = map[Kind]string{KindKernel: local, KindRootfs: "/does/not/exist"}
	})

	path, err := m.Ensure(context.Background(), KindKernel)
	require.NoError(t, err)
	assert.Equal(t, local, path)

	_, err = m.Ensure(context.Background(), KindRootfs)
	assert.ErrorIs(t, err, sandbox.ErrAsset)
}

func TestEnsureUnknownKind(t *testing.T) {
	m := newTestManager(t, nil, nil)
	_, err := m.Ensure(context.Background(), KindKernel)
	assert.ErrorIs(t, err, sandbox.ErrAsset)
}

func TestClean(t *testing.T) {
	m := newTestManager(t, nil, nil)
	stale := filepath.Join(m.Dir(), "linux-amd64", "kernel", "vmlinux")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	require.NoError(t, m.Clean())
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.Dir())
	assert.NoError(t, err)
}
