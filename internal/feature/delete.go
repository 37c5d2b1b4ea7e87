package feature

import (
	"context"

	"github.com/jaywantadh/ferry/internal/batch"
	"github.com/jaywantadh/ferry/internal/remote"
)

type defaultDelete struct {
	r Resolver
}

func (d *defaultDelete) Delete(ctx context.Context, files []remote.Path, cb batch.Callback, opts ...batch.Option) error {
	return batch.Run(ctx, files, d.remove, cb, opts...)
}

// remove deletes p, the contents of a directory first.
func (d *defaultDelete) remove(ctx context.Context, p remote.Path) error {
	client := d.r.Client()
	if p.IsDirectory() {
		children, err := client.List(ctx, p)
		if err != nil {
			return remote.Translate("delete", p.Abs(), err)
		}
		for _, child := range children.Items() {
			if err := ctx.Err(); err != nil {
				return remote.Translate("delete", p.Abs(), err)
			}
			if err := d.remove(ctx, child); err != nil {
				return err
			}
		}
	}
	if err := client.Delete(ctx, p); err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	return nil
}
