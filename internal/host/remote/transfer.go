package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/sftp"
)

// DefaultExcludes skips editor backup files.
var DefaultExcludes = []string{"*~"}

type transferOptions struct {
	sudo     bool
	excludes []string
}

// TransferOption customizes TransferIn.
type TransferOption func(*transferOptions)

// WithSudo stages the tree in a scratch directory and installs it with
// sudo, for destinations the login user cannot write. The mirror semantics
// of TransferIn are unchanged.
func WithSudo() TransferOption {
	return func(o *transferOptions) { o.sudo = true }
}

// WithExcludes replaces DefaultExcludes. Patterns match base names with
// path.Match syntax.
func WithExcludes(patterns ...string) TransferOption {
	return func(o *transferOptions) { o.excludes = patterns }
}

// TransferIn makes remoteParent/<base of local> an exact copy of local.
// Remote files absent locally are deleted; excluded names are neither
// copied nor deleted. Modes and modification times are preserved, and
// files whose size and mtime already match are skipped. As with rsync, a
// trailing slash on local copies the directory's contents into
// remoteParent itself.
func (c *Client) TransferIn(ctx context.Context, local, remoteParent string, opts ...TransferOption) error {
	o := transferOptions{excludes: DefaultExcludes}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Lstat(local)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", local, err)
	}

	dest := remoteParent
	if !strings.HasSuffix(local, "/") || !info.IsDir() {
		dest = path.Join(remoteParent, filepath.Base(local))
	}

	logger := log.G(ctx).WithFields(log.Fields{"addr": c.addr, "src": local, "dest": dest, "sudo": o.sudo})
	logger.Debug("remote: transfer in")

	if o.sudo {
		return c.transferSudo(ctx, local, info, dest, o)
	}

	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	m := &mirror{ctx: ctx, sftp: s, excludes: o.excludes}
	if info.IsDir() {
		if err := s.MkdirAll(remoteParent); err != nil {
			return fmt.Errorf("create %s: %w", remoteParent, err)
		}
		return m.dir(local, dest)
	}
	return m.file(local, info, dest)
}

// transferSudo mirrors into a scratch directory owned by the login user,
// then replaces dest with it as root. A directory destination is copied
// into the scratch directory first, so the mirror sees (and keeps) the
// excluded names already present in dest.
func (c *Client) transferSudo(ctx context.Context, local string, info os.FileInfo, dest string, o transferOptions) error {
	res, err := c.ExecuteChecked(ctx, "mktemp -d")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	staging := strings.TrimSpace(string(res.Stdout))
	defer func() {
		if _, err := c.Execute(context.WithoutCancel(ctx), "sudo rm -rf "+shellQuote(staging)); err != nil {
			log.G(ctx).WithError(err).Debug("remote: failed to remove staging dir")
		}
	}()

	staged := path.Join(staging, path.Base(dest))
	if info.IsDir() {
		seed := fmt.Sprintf(`if sudo test -d %[1]s; then sudo cp -a %[1]s %[2]s && sudo chown -R "$(id -u):$(id -g)" %[2]s; fi`,
			shellQuote(dest), shellQuote(staged))
		if _, err := c.ExecuteChecked(ctx, seed); err != nil {
			return fmt.Errorf("stage current %s: %w", dest, err)
		}
	}

	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	m := &mirror{ctx: ctx, sftp: s, excludes: o.excludes}
	if info.IsDir() {
		err = m.dir(local, staged)
	} else {
		err = m.file(local, info, staged)
	}
	if err != nil {
		return err
	}

	install := fmt.Sprintf("sudo mkdir -p %s && sudo rm -rf %s && sudo cp -a %s %s",
		shellQuote(path.Dir(dest)), shellQuote(dest), shellQuote(staged), shellQuote(dest))
	if _, err := c.ExecuteChecked(ctx, install); err != nil {
		return fmt.Errorf("install %s: %w", dest, err)
	}
	return nil
}

type mirror struct {
	ctx      context.Context
	sftp     *sftp.Client
	excludes []string
}

func (m *mirror) excluded(name string) bool {
	for _, p := range m.excludes {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (m *mirror) dir(local, remote string) error {
	if err := m.ctx.Err(); err != nil {
		return err
	}

	if st, err := m.sftp.Lstat(remote); err == nil && !st.IsDir() {
		if err := m.sftp.Remove(remote); err != nil {
			return fmt.Errorf("replace %s with directory: %w", remote, err)
		}
	}
	if err := m.sftp.MkdirAll(remote); err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}

	entries, err := os.ReadDir(local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if m.excluded(e.Name()) {
			continue
		}
		keep[e.Name()] = struct{}{}
		lp := filepath.Join(local, e.Name())
		rp := path.Join(remote, e.Name())
		info, err := os.Lstat(lp)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			err = m.dir(lp, rp)
		case info.Mode()&fs.ModeSymlink != 0:
			err = m.symlink(lp, rp)
		case info.Mode().IsRegular():
			err = m.file(lp, info, rp)
		default:
			log.G(m.ctx).WithField("path", lp).Debug("remote: skipping special file")
		}
		if err != nil {
			return err
		}
	}

	remoteEntries, err := m.sftp.ReadDir(remote)
	if err != nil {
		return fmt.Errorf("list %s: %w", remote, err)
	}
	for _, re := range remoteEntries {
		if _, ok := keep[re.Name()]; ok || m.excluded(re.Name()) {
			continue
		}
		if err := m.removeAll(path.Join(remote, re.Name())); err != nil {
			return err
		}
	}

	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	return m.attrs(remote, info)
}

func (m *mirror) file(local string, info os.FileInfo, remote string) error {
	if st, err := m.sftp.Lstat(remote); err == nil {
		if st.Mode().IsRegular() && st.Size() == info.Size() && st.ModTime().Unix() == info.ModTime().Unix() {
			return m.attrs(remote, info)
		}
		if st.IsDir() {
			if err := m.removeAll(remote); err != nil {
				return err
			}
		}
	}

	if err := copyTo(m.sftp, local, remote); err != nil {
		return err
	}
	return m.attrs(remote, info)
}

func (m *mirror) symlink(local, remote string) error {
	target, err := os.Readlink(local)
	if err != nil {
		return err
	}
	if st, err := m.sftp.Lstat(remote); err == nil {
		if st.Mode()&fs.ModeSymlink != 0 {
			if cur, err := m.sftp.ReadLink(remote); err == nil && cur == target {
				return nil
			}
		}
		if err := m.removeAll(remote); err != nil {
			return err
		}
	}
	if err := m.sftp.Symlink(target, remote); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", remote, target, err)
	}
	return nil
}

func (m *mirror) attrs(remote string, info os.FileInfo) error {
	if err := m.sftp.Chmod(remote, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", remote, err)
	}
	if err := m.sftp.Chtimes(remote, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes %s: %w", remote, err)
	}
	return nil
}

func (m *mirror) removeAll(remote string) error {
	st, err := m.sftp.Lstat(remote)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if st.IsDir() {
		entries, err := m.sftp.ReadDir(remote)
		if err != nil {
			return fmt.Errorf("list %s: %w", remote, err)
		}
		for _, e := range entries {
			if err := m.removeAll(path.Join(remote, e.Name())); err != nil {
				return err
			}
		}
		if err := m.sftp.RemoveDirectory(remote); err != nil {
			return fmt.Errorf("remove %s: %w", remote, err)
		}
		return nil
	}
	if err := m.sftp.Remove(remote); err != nil {
		return fmt.Errorf("remove %s: %w", remote, err)
	}
	return nil
}

func copyTo(s *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := s.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return dst.Close()
}

// Put copies a single local file to remote. Parent directories must exist.
func (c *Client) Put(ctx context.Context, local, remote string) error {
	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("put %s: %w", local, err)
	}
	log.G(ctx).WithFields(log.Fields{"addr": c.addr, "src": local, "dest": remote}).Debug("remote: put")
	if err := copyTo(s, local, remote); err != nil {
		return err
	}
	return s.Chmod(remote, info.Mode().Perm())
}

// Get copies a single remote file to local.
func (c *Client) Get(ctx context.Context, remote, local string) error {
	s, err := c.sftpClient()
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{"addr": c.addr, "src": remote, "dest": local}).Debug("remote: get")

	src, err := s.Open(remote)
	if err != nil {
		return fmt.Errorf("open %s: %w", remote, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("read %s: %w", remote, err)
	}
	return dst.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
