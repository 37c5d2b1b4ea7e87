package feature

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
)

const (
	stagedFiles   = "/files"
	stagedArchive = "/archive"
)

// staging returns a scratch filesystem rooted in a fresh temporary directory.
func staging() (afero.Fs, func(), error) {
	dir, err := os.MkdirTemp("", "ferry-archive-")
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	fs := afero.NewBasePathFs(afero.NewOsFs(), dir)
	for _, d := range []string{stagedFiles, stagedArchive} {
		if err := fs.MkdirAll(d, 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, func() {}, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	return fs, func() { os.RemoveAll(dir) }, nil
}

// defaultCompress stages files locally, runs the local codec and uploads the
// result.
type defaultCompress struct {
	r Resolver
}

func notify(progress Progress, format string, args ...any) {
	if progress != nil {
		progress(fmt.Sprintf(format, args...))
	}
}

func (d *defaultCompress) Archive(ctx context.Context, a archive.Archive, workdir remote.Path, files []remote.Path, progress Progress) (remote.Path, error) {
	if len(files) == 0 {
		return remote.Path{}, fmt.Errorf("nothing to archive")
	}
	fs, cleanup, err := staging()
	if err != nil {
		return remote.Path{}, err
	}
	defer cleanup()

	names := make([]string, 0, len(files))
	for _, f := range files {
		name := strings.TrimPrefix(archive.Entry(workdir, f), "/")
		notify(progress, "Downloading %s", f.Name())
		if err := Fetch(ctx, d.r, fs, f, path.Join(stagedFiles, name)); err != nil {
			return remote.Path{}, err
		}
		names = append(names, name)
	}

	target := a.Path(files)
	local := path.Join(stagedArchive, target.Name())
	notify(progress, "Archiving %s", target.Name())
	out, err := fs.Create(local)
	if err != nil {
		return remote.Path{}, fmt.Errorf("failed to create archive: %w", err)
	}
	if err := a.Create(fs, stagedFiles, names, out); err != nil {
		out.Close()
		return remote.Path{}, fmt.Errorf("failed to create %s archive: %w", a, err)
	}
	if err := out.Close(); err != nil {
		return remote.Path{}, fmt.Errorf("failed to create archive: %w", err)
	}

	notify(progress, "Uploading %s", target.Name())
	if err := Put(ctx, d.r, fs, local, target); err != nil {
		return remote.Path{}, err
	}
	if err := verify(ctx, d.r, target); err != nil {
		return remote.Path{}, err
	}
	return target, nil
}

func (d *defaultCompress) Unarchive(ctx context.Context, a archive.Archive, file remote.Path, progress Progress) error {
	fs, cleanup, err := staging()
	if err != nil {
		return err
	}
	defer cleanup()

	local := path.Join(stagedArchive, file.Name())
	notify(progress, "Downloading %s", file.Name())
	if err := Fetch(ctx, d.r, fs, file.WithType(remote.TypeFile), local); err != nil {
		return err
	}
	in, err := fs.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	notify(progress, "Expanding %s", file.Name())
	names, err := a.Extract(fs, in, stagedFiles)
	in.Close()
	if err != nil {
		return fmt.Errorf("failed to expand %s: %w", file, err)
	}

	dest := a.Expanded(file)
	for _, name := range names {
		staged := path.Join(stagedFiles, name)
		info, err := fs.Stat(staged)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if info.IsDir() {
			if err := MkdirAll(ctx, d.r, remote.NewPath(path.Join(dest.Abs(), name), remote.TypeDirectory)); err != nil {
				return err
			}
			continue
		}
		target := remote.NewPath(path.Join(dest.Abs(), name), remote.TypeFile)
		if err := MkdirAll(ctx, d.r, target.Parent()); err != nil {
			return err
		}
		notify(progress, "Uploading %s", target.Name())
		if err := Put(ctx, d.r, fs, staged, target); err != nil {
			return err
		}
		if err := verify(ctx, d.r, target); err != nil {
			return err
		}
	}
	return nil
}

func verify(ctx context.Context, r Resolver, p remote.Path) error {
	exists, err := r.Find().Find(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return remote.Errorf(remote.ErrNotFound, "verify", p.Abs(), "missing after upload")
	}
	return nil
}

// Fetch downloads p, recursively for directories, to local on fs.
func Fetch(ctx context.Context, r Resolver, fs afero.Fs, p remote.Path, local string) error {
	if p.IsDirectory() {
		if err := fs.MkdirAll(local, 0o755); err != nil {
			return err
		}
		children, err := r.Client().List(ctx, p)
		if err != nil {
			return remote.Translate("list", p.Abs(), err)
		}
		for _, child := range children.Items() {
			if err := Fetch(ctx, r, fs, child, path.Join(local, child.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	status := transfer.NewStatus()
	in, err := r.Read().Read(ctx, p, status)
	if err != nil {
		return err
	}
	defer transfer.CloseQuietly(in)
	out, err := fs.Create(local)
	if err != nil {
		return err
	}
	if _, err := transfer.NewCopier(status, nil).Transfer(ctx, in, out); err != nil {
		out.Close()
		return fmt.Errorf("failed to download %s: %w", p, err)
	}
	return out.Close()
}

// Put uploads local on fs to target, overwriting it.
func Put(ctx context.Context, r Resolver, fs afero.Fs, local string, target remote.Path) error {
	in, err := fs.Open(local)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	status := transfer.NewStatus().WithLength(info.Size())
	out, err := r.Write().Write(ctx, target, status)
	if err != nil {
		return err
	}
	if _, err := transfer.NewCopier(nil, status).Transfer(ctx, in, out); err != nil {
		transfer.Abort(out, err)
		return fmt.Errorf("failed to upload %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return remote.Translate("upload", target.Abs(), err)
	}
	return nil
}

// MkdirAll creates dir and any missing parents.
func MkdirAll(ctx context.Context, r Resolver, dir remote.Path) error {
	if dir.IsRoot() {
		return nil
	}
	exists, err := r.Find().Find(ctx, dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := MkdirAll(ctx, r, dir.Parent()); err != nil {
		return err
	}
	if err := r.Client().Mkdir(ctx, dir); err != nil {
		return remote.Translate("mkdir", dir.Abs(), err)
	}
	return nil
}
