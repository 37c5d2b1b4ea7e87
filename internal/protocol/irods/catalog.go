package irods

import (
	"context"
	"fmt"
	"io"
	iofs "io/fs"

	irodsfs "github.com/cyverse/go-irodsclient/fs"
	"github.com/cyverse/go-irodsclient/irods/types"
)

const applicationName = "ferry"

// catalog is a FileSystem backed by go-irodsclient.
type catalog struct {
	fs       *irodsfs.FileSystem
	resource string
}

type dialed struct {
	fs  *irodsfs.FileSystem
	err error
}

// Dial logs in with native authentication and checks the zone is readable.
func Dial(ctx context.Context, a Account) (FileSystem, error) {
	account, err := types.CreateIRODSAccount(a.Host, a.Port, a.User, a.Zone, types.AuthSchemeNative, a.Password, a.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to create irods account: %w", err)
	}
	ch := make(chan dialed, 1)
	go func() {
		fs, err := irodsfs.NewFileSystemWithDefault(account, applicationName)
		if err == nil {
			if _, err = fs.Stat("/" + a.Zone); err != nil {
				fs.Release()
				fs, err = nil, fmt.Errorf("failed to open zone %s: %w", a.Zone, err)
			}
		}
		ch <- dialed{fs: fs, err: err}
	}()
	select {
	case d := <-ch:
		if d.err != nil {
			return nil, d.err
		}
		return &catalog{fs: d.fs, resource: a.Resource}, nil
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.fs != nil {
				d.fs.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

func classify(err error) error {
	if err != nil && types.IsFileNotFoundError(err) {
		return fmt.Errorf("%w: %w", iofs.ErrNotExist, err)
	}
	return err
}

func entry(e *irodsfs.Entry) Entry {
	return Entry{Path: e.Path, Dir: e.Type == irodsfs.DirectoryEntry, Size: e.Size, ModTime: e.ModifyTime}
}

func (c *catalog) Stat(p string) (Entry, error) {
	e, err := c.fs.Stat(p)
	if err != nil {
		return Entry{}, classify(err)
	}
	return entry(e), nil
}

func (c *catalog) List(dir string) ([]Entry, error) {
	entries, err := c.fs.List(dir)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry(e))
	}
	return out, nil
}

func (c *catalog) Open(p string) (File, error) {
	h, err := c.fs.OpenFile(p, c.resource, "r")
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (c *catalog) Create(p string, appendTo bool) (io.WriteCloser, error) {
	if appendTo {
		h, err := c.fs.OpenFile(p, c.resource, "a")
		if err != nil {
			return nil, classify(err)
		}
		return h, nil
	}
	h, err := c.fs.CreateFile(p, c.resource, "w")
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (c *catalog) MakeDir(p string) error    { return classify(c.fs.MakeDir(p, false)) }
func (c *catalog) RemoveFile(p string) error { return classify(c.fs.RemoveFile(p, true)) }
func (c *catalog) RemoveDir(p string) error  { return classify(c.fs.RemoveDir(p, false, true)) }

func (c *catalog) Rename(from, to string, dir bool) error {
	if dir {
		return classify(c.fs.RenameDir(from, to))
	}
	return classify(c.fs.RenameFile(from, to))
}

func (c *catalog) CopyFile(from, to string) error {
	return classify(c.fs.CopyFileToFile(from, to, true))
}

func (c *catalog) Release() { c.fs.Release() }
