package guest

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Share is a host directory exposed to the guest, either as a block
// device holding a filesystem image or as a virtio-fs tag.
type Share struct {
	// Source is a block device such as /dev/vdb, or a virtio-fs tag.
	Source   string
	Target   string
	FSType   string
	ReadOnly bool
}

const (
	FSTypeExt4     = "ext4"
	FSTypeVirtioFS = "virtiofs"
)

func quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("cannot quote %q: %w", s, err)
	}
	return q, nil
}

// SetupScript generates the script the agent runs once after boot to
// mount shares and create the working directory.
func SetupScript(shares []Share, workdir string) (string, error) {
	var sb strings.Builder

	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("set -e\n\n")

	for i, s := range shares {
		target, err := quote(s.Target)
		if err != nil {
			return "", err
		}
		source := s.Source
		if source == "" {
			source = fmt.Sprintf("mount%d", i)
		}
		src, err := quote(source)
		if err != nil {
			return "", err
		}
		fstype := s.FSType
		if fstype == "" {
			fstype = FSTypeExt4
		}

		opts := "rw"
		if s.ReadOnly {
			opts = "ro"
		}

		fmt.Fprintf(&sb, "mkdir -p %s\n", target)
		fmt.Fprintf(&sb, "mount -t %s -o %s %s %s\n", fstype, opts, src, target)
	}

	if workdir != "" {
		wd, err := quote(workdir)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\nmkdir -p %s\n", wd)
	}

	return sb.String(), nil
}
