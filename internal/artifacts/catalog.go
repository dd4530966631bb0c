package artifacts

import (
	"fmt"
	"path"
	"runtime"
	"strings"
)

// Kind names an artifact a backend depends on.
type Kind string

const (
	KindVMM            Kind = "vmm"             // firecracker binary
	KindWasmRuntime    Kind = "wasm-runtime"    // wasmer binary
	KindKernel         Kind = "kernel"          // guest kernel image
	KindRootfs         Kind = "rootfs"          // guest root filesystem
	KindSandboxPackage Kind = "sandbox-package" // bash webc package
)

// Kinds lists every artifact kind in a stable order.
var Kinds = []Kind{KindVMM, KindWasmRuntime, KindKernel, KindRootfs, KindSandboxPackage}

// Pinned versions.
const (
	FirecrackerVersion = "v1.10.1"
	WasmerVersion      = "v6.0.0"
)

const (
	quickstartBase = "https://s3.amazonaws.com/spec.ccfc.min/img/quickstart_guide"
	bashWebcURL    = "https://cdn.wasmer.io/webcimages/6616eee914dd95cb9751a0ef1d17a908055176781bc0b6090e33da5bbc325417.webc"
	// The webc CDN is content addressed; the object name is its sha256.
	bashWebcDigest = "sha256:6616eee914dd95cb9751a0ef1d17a908055176781bc0b6090e33da5bbc325417"
)

// Platform identifies the host an artifact runs on (or, for guest
// images, the architecture it was built for).
type Platform struct {
	OS   string
	Arch string
}

// CurrentPlatform returns the platform of the running binary.
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// Key is the cache subdirectory name, e.g. "linux-amd64".
func (p Platform) Key() string {
	return p.OS + "-" + p.Arch
}

// machineArch maps GOARCH to the uname -m spelling used by firecracker.
func (p Platform) machineArch() (string, error) {
	switch p.Arch {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "aarch64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", p.Arch)
	}
}

// Archive is the container format of a download.
type Archive string

const (
	ArchiveNone  Archive = ""
	ArchiveTarGz Archive = "tar.gz"
	ArchiveZstd  Archive = "zst"
)

// archiveFromURL infers the container format of a download from its name.
func archiveFromURL(u string) Archive {
	name := strings.ToLower(path.Base(u))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return ArchiveTarGz
	case strings.HasSuffix(name, ".zst"):
		return ArchiveZstd
	default:
		return ArchiveNone
	}
}

// Artifact describes where a kind comes from and how to verify it.
type Artifact struct {
	Kind     Kind
	Platform Platform
	URL      string
	// Digest pins the downloaded bytes.
	Digest string
	// ChecksumURL names a sha256sum file the vendor publishes next to the
	// download. It pins the download when Digest is empty.
	ChecksumURL string
	// Archive is the download's container; the cached file is what is
	// extracted from it.
	Archive Archive
	// Members are candidate paths of the wanted file inside a tar archive.
	Members    []string
	FileName   string
	Executable bool
}

// DefaultArtifact returns the built-in source for kind on p.
func DefaultArtifact(kind Kind, p Platform) (Artifact, error) {
	a := Artifact{Kind: kind, Platform: p}

	switch kind {
	case KindVMM:
		if p.OS != "linux" {
			return a, fmt.Errorf("firecracker is only available on linux, not %s", p.OS)
		}
		arch, err := p.machineArch()
		if err != nil {
			return a, err
		}
		binary := fmt.Sprintf("firecracker-%s-%s", FirecrackerVersion, arch)
		a.URL = fmt.Sprintf("https://github.com/firecracker-microvm/firecracker/releases/download/%s/%s.tgz",
			FirecrackerVersion, binary)
		a.ChecksumURL = a.URL + ".sha256.txt"
		a.Archive = ArchiveTarGz
		a.Members = []string{fmt.Sprintf("release-%s-%s/%s", FirecrackerVersion, arch, binary), binary}
		a.FileName = "firecracker"
		a.Executable = true

	case KindWasmRuntime:
		if p.OS != "linux" && p.OS != "darwin" {
			return a, fmt.Errorf("wasmer releases are not published for %s", p.OS)
		}
		if p.Arch != "amd64" && p.Arch != "arm64" {
			return a, fmt.Errorf("unsupported architecture: %s", p.Arch)
		}
		arch := p.Arch
		if p.OS == "linux" && arch == "arm64" {
			arch = "aarch64"
		}
		a.URL = fmt.Sprintf("https://github.com/wasmerio/wasmer/releases/download/%s/wasmer-%s-%s.tar.gz",
			WasmerVersion, p.OS, arch)
		a.Archive = ArchiveTarGz
		a.Members = []string{"bin/wasmer", "wasmer"}
		a.FileName = "wasmer"
		a.Executable = true

	case KindKernel, KindRootfs:
		// Guest images are built for the guest architecture, which is the
		// host architecture on both supported hypervisors.
		arch, err := p.machineArch()
		if err != nil {
			return a, err
		}
		if p.OS != "linux" {
			return a, fmt.Errorf("no published %s for %s guests; configure a local image", kind, p.Key())
		}
		if kind == KindKernel {
			a.URL = fmt.Sprintf("%s/%s/kernels/vmlinux.bin", quickstartBase, arch)
			a.FileName = "vmlinux"
		} else {
			a.URL = fmt.Sprintf("%s/%s/rootfs/bionic.rootfs.ext4", quickstartBase, arch)
			a.FileName = "rootfs.ext4"
		}

	case KindSandboxPackage:
		a.URL = bashWebcURL
		a.Digest = bashWebcDigest
		a.FileName = "bash.webc"

	default:
		return a, fmt.Errorf("unknown artifact kind %q", kind)
	}

	return a, nil
}

// Pinned reports whether the download can be verified against a digest
// that does not come from the download itself.
func (a Artifact) Pinned() bool {
	return a.Digest != "" || a.ChecksumURL != ""
}

// withOverrides applies configured URL and digest overrides. A new URL
// without a new digest drops the built-in pin, which no longer applies.
func (a Artifact) withOverrides(urls, digests map[string]string) Artifact {
	if u := urls[string(a.Kind)]; u != "" && u != a.URL {
		a.URL = u
		a.Digest = ""
		a.ChecksumURL = ""
		a.Archive = archiveFromURL(u)
		if a.Archive == ArchiveTarGz && len(a.Members) == 0 {
			a.Members = []string{a.FileName}
		}
	}
	if d := digests[string(a.Kind)]; d != "" {
		a.Digest = d
	}
	return a
}
