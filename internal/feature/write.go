package feature

import (
	"context"
	"errors"
	"io"

	"github.com/jaywantadh/ferry/internal/cache"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

type defaultWrite struct {
	r Resolver
}

// ResolveAppend answers Write.Append from the listing of the parent of p,
// listed through list when c has no snapshot.
func ResolveAppend(ctx context.Context, list func(context.Context, remote.Path) (remote.List, error), p remote.Path, knownLength int64, c *cache.PathCache) (Append, error) {
	entry, found, cached := c.Lookup(p)
	if !cached {
		listing, err := list(ctx, p.Parent())
		if err != nil {
			err = remote.Translate("list", p.Parent().Abs(), err)
			if errors.Is(err, remote.ErrNotFound) {
				return Append{}, nil
			}
			return Append{}, err
		}
		c.Put(p.Parent(), listing)
		entry, found = listing.Get(p)
	}
	if !found || !entry.IsFile() {
		return Append{}, nil
	}
	size := entry.Attributes().Size
	if knownLength >= 0 && size > knownLength {
		return Append{Size: size}, nil
	}
	return Append{Append: true, Size: size}, nil
}

func (w *defaultWrite) Append(ctx context.Context, p remote.Path, knownLength int64, c *cache.PathCache) (Append, error) {
	return ResolveAppend(ctx, w.r.Client().List, p, knownLength, c)
}

// CheckParent fails with remote.ErrAccessDenied unless the parent of p is an
// existing directory.
func CheckParent(ctx context.Context, attrs Attributes, p remote.Path) error {
	parent := p.Parent()
	if parent.IsRoot() {
		return nil
	}
	a, err := attrs.Find(ctx, parent)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return remote.Wrap(remote.ErrAccessDenied, "write", p.Abs(), err)
		}
		return err
	}
	if !a.Mode.IsDir() {
		return remote.Errorf(remote.ErrAccessDenied, "write", p.Abs(), "%s is not a directory", parent.Abs())
	}
	return nil
}

// ResolveExists records in status whether p exists when an append left it
// unresolved.
func ResolveExists(ctx context.Context, attrs Attributes, p remote.Path, status *transfer.Status) error {
	if _, resolved := status.Exists(); resolved || !status.IsAppend() {
		return nil
	}
	a, err := attrs.Find(ctx, p)
	switch {
	case err == nil:
		status.WithRemote(a.Size)
	case errors.Is(err, remote.ErrNotFound):
		status.WithExists(false)
	default:
		return err
	}
	return nil
}

func (w *defaultWrite) Write(ctx context.Context, p remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	if err := CheckParent(ctx, w.r.Attributes(), p); err != nil {
		return nil, err
	}
	if err := ResolveExists(ctx, w.r.Attributes(), p, status); err != nil {
		return nil, err
	}
	offset, truncate, err := status.WriteWindow()
	if err != nil {
		return nil, err
	}
	out, err := w.r.Client().OpenWrite(ctx, p, transport.WriteOptions{
		Offset:   offset,
		Truncate: truncate,
		Length:   status.Length(),
	})
	if err != nil {
		return nil, remote.Translate("write", p.Abs(), err)
	}
	return out, nil
}

type noResume struct {
	w Write
}

// NoResume wraps w for transports that cannot write at an offset: Append
// still reports the remote size but never offers to resume.
func NoResume(w Write) Write { return noResume{w: w} }

func (n noResume) Write(ctx context.Context, p remote.Path, status *transfer.Status) (io.WriteCloser, error) {
	return n.w.Write(ctx, p, status)
}

func (n noResume) Append(ctx context.Context, p remote.Path, knownLength int64, c *cache.PathCache) (Append, error) {
	a, err := n.w.Append(ctx, p, knownLength, c)
	if err != nil {
		return Append{}, err
	}
	return Append{Size: a.Size}, nil
}
