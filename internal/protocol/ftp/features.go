package ftp

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/batch"
	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
)

// deleter removes directory trees with one RemoveDirRecur each.
type deleter struct {
	c *Client
}

func (d *deleter) Delete(ctx context.Context, files []remote.Path, cb batch.Callback, opts ...batch.Option) error {
	return batch.Run(ctx, files, func(ctx context.Context, p remote.Path) error {
		if err := d.c.ensure("delete", p); err != nil {
			return err
		}
		if p.IsDirectory() {
			return translate("delete", p.Abs(), d.c.conn.RemoveDirRecur(p.Abs()))
		}
		return d.c.Delete(ctx, p)
	}, cb, opts...)
}

// copier spools the source to a local temporary file, since the control
// connection cannot run a download and an upload at once.
type copier struct {
	c *Client
	r feature.Resolver
}

func (cp *copier) Copy(ctx context.Context, src, dst remote.Path) error {
	if err := feature.CheckParent(ctx, cp.r.Attributes(), dst); err != nil {
		return err
	}
	fs := afero.NewOsFs()
	spool, err := afero.TempFile(fs, "", "ferry-ftp-copy-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	name := spool.Name()
	spool.Close()
	defer fs.Remove(name)

	if err := feature.Fetch(ctx, cp.r, fs, src, name); err != nil {
		return err
	}
	if err := feature.Put(ctx, cp.r, fs, name, dst); err != nil {
		return err
	}
	info, err := fs.Stat(name)
	if err != nil {
		return err
	}
	cp.c.log.WithField("bytes", info.Size()).Debugf("copied %s to %s", src, dst)
	return nil
}

// home is the directory the server puts the login in.
type home struct {
	c    *Client
	host remote.Host
}

func (h *home) Find(ctx context.Context) (remote.Path, error) {
	if err := h.c.ensure("home", remote.Path{}); err != nil {
		return remote.Path{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.Path{}, remote.Translate("home", "", err)
	}
	wd, err := h.c.conn.CurrentDir()
	if err != nil {
		h.c.log.WithError(err).Debug("PWD failed")
		return feature.DefaultHome(h.host), nil
	}
	dp := strings.TrimPrefix(h.host.DefaultPath(), "~/")
	switch {
	case dp == "":
		return remote.NewPath(wd, remote.TypeDirectory), nil
	case path.IsAbs(dp):
		return remote.NewPath(dp, remote.TypeDirectory), nil
	}
	return remote.NewPath(path.Join(wd, dp), remote.TypeDirectory), nil
}
