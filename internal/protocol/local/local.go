// Package local serves file:// and mem:// hosts from an afero filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Client implements transport.Client on an afero filesystem.
type Client struct {
	host       remote.Host
	fs         afero.Fs
	connected  bool
	transcript transport.Transcript
	log        *logrus.Entry
}

// New returns a client for host backed by fs.
func New(host remote.Host, fs afero.Fs) *Client {
	return &Client{
		host:       host,
		fs:         fs,
		transcript: transport.DiscardTranscript,
		log:        logging.For("local").WithField("host", host.String()),
	}
}

// NewOS returns a client on the operating system filesystem. A root other
// than "" or "/" confines the client below it.
func NewOS(host remote.Host, root string) *Client {
	var fs afero.Fs = afero.NewOsFs()
	if root != "" && root != "/" {
		fs = afero.NewBasePathFs(fs, root)
	}
	return New(host, fs)
}

// NewMemory returns a client on a fresh in-memory filesystem.
func NewMemory(host remote.Host) *Client {
	return New(host, afero.NewMemMapFs())
}

// Fs exposes the backing filesystem.
func (c *Client) Fs() afero.Fs { return c.fs }

func (c *Client) ensure(op string, p remote.Path) error {
	if !c.connected {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not connected")
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, _ transport.HostKeyVerifier, transcript transport.Transcript) error {
	if err := ctx.Err(); err != nil {
		return remote.Translate("connect", "", err)
	}
	c.transcript = transport.OrDiscard(transcript)
	c.transcript.Log(true, "open "+c.fs.Name())
	c.connected = true
	return nil
}

// Authenticate accepts any credentials; access is governed by the filesystem.
func (c *Client) Authenticate(ctx context.Context, _ remote.Credentials) error {
	return ctx.Err()
}

func attributes(info os.FileInfo) remote.Attributes {
	return remote.Attributes{Size: info.Size(), ModTime: info.ModTime(), Mode: info.Mode()}
}

func pathType(info os.FileInfo) remote.PathType {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return remote.TypeSymlink
	case info.IsDir():
		return remote.TypeDirectory
	}
	return remote.TypeFile
}

func (c *Client) Stat(_ context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	info, err := c.fs.Stat(p.Abs())
	if err != nil {
		return remote.Attributes{}, remote.Translate("stat", p.Abs(), err)
	}
	return attributes(info), nil
}

func (c *Client) List(_ context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	c.transcript.Log(true, "list "+dir.Abs())
	infos, err := afero.ReadDir(c.fs, dir.Abs())
	if err != nil {
		return remote.List{}, remote.Translate("list", dir.Abs(), err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	items := make([]remote.Path, 0, len(infos))
	for _, info := range infos {
		items = append(items, remote.Child(dir, info.Name(), pathType(info)).WithAttributes(attributes(info)))
	}
	return remote.NewList(items...), nil
}

func (c *Client) OpenRead(_ context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	c.transcript.Log(true, fmt.Sprintf("read %s at %d", p.Abs(), offset))
	f, err := c.fs.Open(p.Abs())
	if err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s to %d: %w", p, offset, err)
		}
	}
	return f, nil
}

func (c *Client) OpenWrite(_ context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	c.transcript.Log(true, fmt.Sprintf("write %s at %d truncate=%t", p.Abs(), opts.Offset, opts.Truncate))
	flags := os.O_WRONLY | os.O_CREATE
	if opts.Truncate {
		flags |= os.O_TRUNC
	}
	f, err := c.fs.OpenFile(p.Abs(), flags, 0o644)
	if err != nil {
		return nil, remote.Translate("write", p.Abs(), err)
	}
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s to %d: %w", p, opts.Offset, err)
		}
	}
	return f, nil
}

func (c *Client) Delete(_ context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	c.transcript.Log(true, "delete "+p.Abs())
	if _, err := c.fs.Stat(p.Abs()); err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	return remote.Translate("delete", p.Abs(), c.fs.Remove(p.Abs()))
}

func (c *Client) Mkdir(_ context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	c.transcript.Log(true, "mkdir "+p.Abs())
	return remote.Translate("mkdir", p.Abs(), c.fs.Mkdir(p.Abs(), 0o755))
}

func (c *Client) Rename(_ context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	c.transcript.Log(true, "rename "+from.Abs()+" "+to.Abs())
	return remote.Translate("rename", from.Abs(), c.fs.Rename(from.Abs(), to.Abs()))
}

func (c *Client) Close() error {
	if c.connected {
		c.transcript.Log(true, "close")
	}
	c.connected = false
	return nil
}

// Feature serves copy and compress directly on the filesystem.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindCopy:
		return &copier{c: c, r: r}, true
	case feature.KindCompress:
		return &compressor{c: c}, true
	}
	return nil, false
}
