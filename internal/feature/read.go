package feature

import (
	"context"
	"io"

	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

type defaultRead struct {
	r Resolver
}

func (d *defaultRead) Read(ctx context.Context, p remote.Path, status *transfer.Status) (io.ReadCloser, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	skip, length := status.ReadWindow()
	var (
		in  io.ReadCloser
		err error
	)
	if rr, ok := d.r.Client().(transport.RangeReader); ok && length > 0 {
		in, err = rr.OpenRange(ctx, p, skip, length)
	} else {
		in, err = d.r.Client().OpenRead(ctx, p, skip)
	}
	if err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	return Limit(in, length), nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// Limit caps rc at length bytes. A negative length returns rc unchanged.
func Limit(rc io.ReadCloser, length int64) io.ReadCloser {
	if length < 0 {
		return rc
	}
	return limitedReadCloser{Reader: io.LimitReader(rc, length), Closer: rc}
}
