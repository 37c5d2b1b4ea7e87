package local

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
)

// copier duplicates files inside the filesystem without going through the
// session's Read and Write capabilities.
type copier struct {
	c *Client
	r feature.Resolver
}

func (cp *copier) Copy(ctx context.Context, src, dst remote.Path) error {
	if err := feature.CheckParent(ctx, cp.r.Attributes(), dst); err != nil {
		return err
	}
	in, err := cp.c.fs.Open(src.Abs())
	if err != nil {
		return remote.Translate("copy", src.Abs(), err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return remote.Translate("copy", src.Abs(), err)
	}
	out, err := cp.c.fs.OpenFile(dst.Abs(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return remote.Translate("copy", dst.Abs(), err)
	}
	status := transfer.NewStatus().WithLength(info.Size())
	if _, err := transfer.NewCopier(status, status).Transfer(ctx, in, out); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// compressor runs the archive codec on the filesystem itself.
type compressor struct {
	c *Client
}

func entries(workdir remote.Path, files []remote.Path) (string, []string) {
	base := workdir.Abs()
	for _, f := range files {
		if !f.IsChildOf(workdir) {
			base = "/"
			break
		}
	}
	baseDir := remote.NewPath(base, remote.TypeDirectory)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, strings.TrimPrefix(archive.Entry(baseDir, f), "/"))
	}
	return base, names
}

func (z *compressor) Archive(ctx context.Context, a archive.Archive, workdir remote.Path, files []remote.Path, progress feature.Progress) (remote.Path, error) {
	if len(files) == 0 {
		return remote.Path{}, fmt.Errorf("nothing to archive")
	}
	if err := ctx.Err(); err != nil {
		return remote.Path{}, remote.Translate("archive", workdir.Abs(), err)
	}
	target := a.Path(files)
	base, names := entries(workdir, files)
	if progress != nil {
		progress("Archiving " + target.Name())
	}
	out, err := z.c.fs.Create(target.Abs())
	if err != nil {
		return remote.Path{}, remote.Translate("archive", target.Abs(), err)
	}
	if err := a.Create(z.c.fs, base, names, out); err != nil {
		out.Close()
		z.c.fs.Remove(target.Abs())
		return remote.Path{}, remote.Translate("archive", target.Abs(), err)
	}
	if err := out.Close(); err != nil {
		return remote.Path{}, err
	}
	return target, nil
}

func (z *compressor) Unarchive(ctx context.Context, a archive.Archive, file remote.Path, progress feature.Progress) error {
	if err := ctx.Err(); err != nil {
		return remote.Translate("unarchive", file.Abs(), err)
	}
	in, err := z.c.fs.Open(file.Abs())
	if err != nil {
		return remote.Translate("unarchive", file.Abs(), err)
	}
	defer in.Close()
	if progress != nil {
		progress("Expanding " + file.Name())
	}
	if _, err := a.Extract(z.c.fs, in, a.Expanded(file).Abs()); err != nil {
		return fmt.Errorf("failed to expand %s: %w", file, err)
	}
	return nil
}
