package dav

import (
	"context"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
)

// copier duplicates objects with a server side COPY.
type copier struct {
	c *Client
	r feature.Resolver
}

func (cp *copier) Copy(ctx context.Context, src, dst remote.Path) error {
	if err := cp.c.ensure("copy", src); err != nil {
		return err
	}
	if err := feature.CheckParent(ctx, cp.r.Attributes(), dst); err != nil {
		return err
	}
	return cp.c.destination(ctx, "COPY", src, dst)
}
