//go:build linux

package qemu

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// DiskMode selects how an instance derives its private boot disk from the
// shared base image. The base image is never written.
type DiskMode string

const (
	// DiskOverlay creates a qcow2 overlay backed by the base image.
	DiskOverlay DiskMode = "overlay"
	// DiskCopy copies the base image into the working directory.
	DiskCopy DiskMode = "copy"
	// DiskNone boots without a disk.
	DiskNone DiskMode = "none"
)

// provisionDisk materializes the instance disk in workdir and returns its
// path, or "" for DiskNone.
func provisionDisk(ctx context.Context, mode DiskMode, qemuImg, base, workdir string) (string, error) {
	if mode == DiskNone {
		return "", nil
	}
	if base == "" {
		return "", fmt.Errorf("disk mode %s needs a base image: %w", mode, errdefs.ErrInvalidArgument)
	}
	if _, err := os.Stat(base); err != nil {
		return "", fmt.Errorf("base image %s: %w", base, errdefs.ErrNotFound)
	}

	dst := filepath.Join(workdir, imageName)
	logger := log.G(ctx).WithFields(log.Fields{"base": base, "image": dst, "mode": mode})

	switch mode {
	case DiskOverlay:
		abs, err := filepath.Abs(base)
		if err != nil {
			return "", err
		}
		//nolint:gosec // qemu-img path comes from configuration.
		cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-b", abs, "-F", "qcow2", dst)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("qemu-img create overlay: %w: %s", err, strings.TrimSpace(string(out)))
		}
	case DiskCopy:
		if err := copyFile(base, dst); err != nil {
			return "", fmt.Errorf("copy base image: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown disk mode %q: %w", mode, errdefs.ErrInvalidArgument)
	}

	logger.Debug("qemu: disk provisioned")
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
