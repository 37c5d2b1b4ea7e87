package feature

import (
	"context"
	"fmt"

	"github.com/jaywantadh/ferry/internal/batch"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
)

type defaultCopy struct {
	r Resolver
}

// Copy streams src into dst through the Read and Write capabilities.
func (d *defaultCopy) Copy(ctx context.Context, src, dst remote.Path) error {
	attrs, err := d.r.Attributes().Find(ctx, src)
	if err != nil {
		return err
	}
	readStatus := transfer.NewStatus().WithLength(attrs.Size)
	writeStatus := transfer.NewStatus().WithLength(attrs.Size)

	in, err := d.r.Read().Read(ctx, src, readStatus)
	if err != nil {
		return err
	}
	defer transfer.CloseQuietly(in)

	out, err := d.r.Write().Write(ctx, dst, writeStatus)
	if err != nil {
		return err
	}
	if _, err := transfer.NewCopier(readStatus, writeStatus).Transfer(ctx, in, out); err != nil {
		transfer.Abort(out, err)
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return remote.Translate("copy", dst.Abs(), err)
	}
	writeStatus.SetComplete()
	return nil
}

// Pair is one copy job.
type Pair struct {
	Src remote.Path
	Dst remote.Path
}

// CopyAll copies every pair in order. cb receives the destination after its
// copy succeeded.
func CopyAll(ctx context.Context, c Copy, pairs []Pair, cb batch.Callback, opts ...batch.Option) error {
	targets := make([]remote.Path, len(pairs))
	for i, p := range pairs {
		targets[i] = p.Dst
	}
	return batch.RunIndexed(ctx, targets, func(ctx context.Context, i int, dst remote.Path) error {
		return c.Copy(ctx, pairs[i].Src, dst)
	}, cb, opts...)
}
