package feature

import (
	"context"
	"errors"

	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
)

type defaultAttributes struct {
	r Resolver
}

func (d *defaultAttributes) Find(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	a, err := d.r.Client().Stat(ctx, p)
	if err != nil {
		return remote.Attributes{}, remote.Translate("stat", p.Abs(), err)
	}
	return a, nil
}

type defaultFind struct {
	r Resolver
}

// Exists maps a lookup through attrs to a boolean. remote.ErrNotFound is a
// negative answer, not an error.
func Exists(ctx context.Context, attrs Attributes, p remote.Path) (bool, error) {
	if p.IsRoot() {
		return true, nil
	}
	_, err := attrs.Find(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, remote.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (d *defaultFind) Find(ctx context.Context, p remote.Path) (bool, error) {
	return Exists(ctx, d.r.Attributes(), p)
}

type defaultTouch struct {
	r Resolver
}

func (d *defaultTouch) Touch(ctx context.Context, p remote.Path) error {
	exists, err := d.r.Find().Find(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	out, err := d.r.Write().Write(ctx, p, transfer.NewStatus().WithLength(0))
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return remote.Translate("touch", p.Abs(), err)
	}
	return nil
}

type defaultHome struct {
	r Resolver
}

func (d *defaultHome) Find(context.Context) (remote.Path, error) {
	return DefaultHome(d.r.Host()), nil
}

// DefaultHome is the default path of host, or the root.
func DefaultHome(host remote.Host) remote.Path {
	if dp := host.DefaultPath(); dp != "" {
		return remote.NewPath(dp, remote.TypeDirectory)
	}
	return remote.NewPath("/", remote.TypeDirectory)
}
