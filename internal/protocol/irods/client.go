// Package irods serves irods:// hosts. Paths are catalog paths below the
// zone, e.g. /tempZone/home/rods/f.
package irods

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// DefaultZone is used when neither the config nor the host path names one.
const DefaultZone = "tempZone"

// Entry is one catalog object.
type Entry struct {
	Path    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// File is an open data object.
type File interface {
	io.ReaderAt
	io.Closer
}

// FileSystem is the part of a catalog connection the client relies on.
// Missing objects are reported as fs.ErrNotExist.
type FileSystem interface {
	Stat(p string) (Entry, error)
	List(dir string) ([]Entry, error)
	Open(p string) (File, error)
	// Create opens p for writing, appending to it or truncating it.
	Create(p string, appendTo bool) (io.WriteCloser, error)
	MakeDir(p string) error
	RemoveFile(p string) error
	RemoveDir(p string) error
	Rename(from, to string, dir bool) error
	// CopyFile duplicates a data object inside the catalog.
	CopyFile(from, to string) error
	Release()
}

// Account is what a catalog login needs.
type Account struct {
	Host     string
	Port     int
	Zone     string
	User     string
	Password string
	Resource string
}

// Dialer logs in to the catalog.
type Dialer func(ctx context.Context, a Account) (FileSystem, error)

// Config tunes the client.
type Config struct {
	Zone string
	// Resource is the storage resource new data objects are placed on.
	Resource string
	Timeout  time.Duration
	// Dial defaults to Dial.
	Dial Dialer
}

// Client implements transport.Client over a catalog FileSystem.
type Client struct {
	host       remote.Host
	cfg        Config
	fs         FileSystem
	connected  bool
	user       string
	transcript transport.Transcript
	log        *logrus.Entry
}

// New returns an unconnected client for host.
func New(host remote.Host, cfg Config) *Client {
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	return &Client{
		host:       host,
		cfg:        cfg,
		transcript: transport.DiscardTranscript,
		log:        logging.For("irods").WithField("host", host.String()),
	}
}

// Zone returns the zone logins go to.
func (c *Client) Zone() string {
	if c.cfg.Zone != "" {
		return c.cfg.Zone
	}
	if first, _, _ := strings.Cut(strings.TrimPrefix(c.host.DefaultPath(), "/"), "/"); first != "" {
		return first
	}
	return DefaultZone
}

func (c *Client) ensure(op string, p remote.Path) error {
	if c.fs == nil {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not logged in")
	}
	return nil
}

// Connect checks the catalog port answers. The catalog protocol binds the
// connection to the account, so the session itself starts at login.
func (c *Client) Connect(ctx context.Context, _ transport.HostKeyVerifier, transcript transport.Transcript) error {
	if err := ctx.Err(); err != nil {
		return remote.Translate("connect", "", err)
	}
	c.transcript = transport.OrDiscard(transcript)
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.host.Address())
	if err != nil {
		return remote.Translate("connect", "", fmt.Errorf("failed to dial %s: %w", c.host.Address(), err))
	}
	conn.Close()
	c.transcript.Log(true, "connect "+c.host.Address())
	c.connected = true
	return nil
}

// Authenticate logs in with native authentication. Failures other than
// timeouts and interrupts are login failures.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) error {
	if !c.connected {
		return remote.Errorf(remote.ErrIllegalState, "authenticate", "", "not connected")
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	account := Account{
		Host:     c.host.Hostname(),
		Port:     c.host.Port(),
		Zone:     c.Zone(),
		User:     creds.Username(),
		Password: creds.Secret(),
		Resource: c.cfg.Resource,
	}
	c.transcript.Log(true, "login "+account.User+"#"+account.Zone)
	fs, err := c.cfg.Dial(ctx, account)
	if err != nil {
		err = remote.Translate("authenticate", "", err)
		if remote.KindOf(err) == nil {
			err = remote.Wrap(remote.ErrLoginFailure, "authenticate", "", err)
		}
		c.transcript.Log(false, err.Error())
		return err
	}
	c.transcript.Log(false, "authenticated")
	c.fs = fs
	c.user = account.User
	return nil
}

func attributes(e Entry) remote.Attributes {
	if e.Dir {
		return remote.Attributes{ModTime: e.ModTime, Mode: os.ModeDir | 0o755}
	}
	return remote.Attributes{Size: e.Size, ModTime: e.ModTime, Mode: 0o644}
}

func pathType(e Entry) remote.PathType {
	if e.Dir {
		return remote.TypeDirectory
	}
	return remote.TypeFile
}

func (c *Client) Stat(_ context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	e, err := c.fs.Stat(p.Abs())
	if err != nil {
		return remote.Attributes{}, remote.Translate("stat", p.Abs(), err)
	}
	return attributes(e), nil
}

func (c *Client) List(_ context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	c.transcript.Log(true, "list "+dir.Abs())
	entries, err := c.fs.List(dir.Abs())
	if err != nil {
		return remote.List{}, remote.Translate("list", dir.Abs(), err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	items := make([]remote.Path, 0, len(entries))
	for _, e := range entries {
		items = append(items, remote.Child(dir, path.Base(e.Path), pathType(e)).WithAttributes(attributes(e)))
	}
	return remote.NewList(items...), nil
}

type section struct {
	*io.SectionReader
	io.Closer
}

func (c *Client) OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	return c.OpenRange(ctx, p, offset, -1)
}

// OpenRange reads the data object at explicit offsets.
func (c *Client) OpenRange(_ context.Context, p remote.Path, offset, length int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	c.transcript.Log(true, fmt.Sprintf("read %s at %d", p.Abs(), offset))
	e, err := c.fs.Stat(p.Abs())
	if err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	if offset > e.Size {
		return nil, remote.Errorf(remote.ErrInvalidResume, "read", p.Abs(), "offset %d past size %d", offset, e.Size)
	}
	n := e.Size - offset
	if length >= 0 && length < n {
		n = length
	}
	f, err := c.fs.Open(p.Abs())
	if err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	return section{SectionReader: io.NewSectionReader(f, offset, n), Closer: f}, nil
}

// upload writes a fresh object to a hidden sibling and renames it over the
// target on Close. Appends go straight to the target.
type upload struct {
	c      *Client
	target remote.Path
	temp   string
	w      io.WriteCloser
	once   sync.Once
	err    error
}

func (u *upload) Write(b []byte) (int, error) { return u.w.Write(b) }

func (u *upload) Close() error {
	u.once.Do(func() {
		u.err = remote.Translate("write", u.target.Abs(), u.w.Close())
		if u.temp == "" {
			return
		}
		if u.err == nil {
			u.err = u.commit()
		}
		if u.err != nil {
			u.discard()
		}
	})
	return u.err
}

func (u *upload) Abort(cause error) error {
	var err error
	u.once.Do(func() {
		u.w.Close()
		u.err = cause
		if u.temp != "" {
			err = u.discard()
		}
	})
	return err
}

func (u *upload) commit() error {
	target := u.target.Abs()
	if _, err := u.c.fs.Stat(target); err == nil {
		if err := u.c.fs.RemoveFile(target); err != nil {
			return remote.Translate("write", target, err)
		}
	}
	return remote.Translate("write", target, u.c.fs.Rename(u.temp, target, false))
}

func (u *upload) discard() error {
	err := u.c.fs.RemoveFile(u.temp)
	if err = remote.Translate("delete", u.temp, err); err != nil && !errors.Is(err, remote.ErrNotFound) {
		u.c.log.WithError(err).Warn("failed to delete partial upload")
		return err
	}
	return nil
}

// OpenWrite appends when the offset is the current size of the object and
// otherwise replaces it.
func (c *Client) OpenWrite(_ context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	c.transcript.Log(true, fmt.Sprintf("write %s at %d truncate=%t", p.Abs(), opts.Offset, opts.Truncate))
	if opts.Offset > 0 && !opts.Truncate {
		e, err := c.fs.Stat(p.Abs())
		if err != nil {
			return nil, remote.Translate("write", p.Abs(), err)
		}
		if e.Size != opts.Offset {
			return nil, remote.Errorf(remote.ErrInvalidResume, "write", p.Abs(), "offset %d differs from size %d", opts.Offset, e.Size)
		}
		w, err := c.fs.Create(p.Abs(), true)
		if err != nil {
			return nil, remote.Translate("write", p.Abs(), err)
		}
		return &upload{c: c, target: p, w: w}, nil
	}
	if opts.Offset > 0 {
		return nil, remote.Errorf(remote.ErrUnsupported, "write", p.Abs(), "cannot write at offset %d", opts.Offset)
	}
	temp := path.Join(p.Parent().Abs(), fmt.Sprintf(".%s.%s.part", p.Name(), uuid.NewString()[:8]))
	w, err := c.fs.Create(temp, false)
	if err != nil {
		return nil, remote.Translate("write", p.Abs(), err)
	}
	return &upload{c: c, target: p, temp: temp, w: w}, nil
}

func (c *Client) Delete(_ context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	c.transcript.Log(true, "delete "+p.Abs())
	e, err := c.fs.Stat(p.Abs())
	if err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	if e.Dir {
		return remote.Translate("delete", p.Abs(), c.fs.RemoveDir(p.Abs()))
	}
	return remote.Translate("delete", p.Abs(), c.fs.RemoveFile(p.Abs()))
}

func (c *Client) Mkdir(_ context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	c.transcript.Log(true, "mkdir "+p.Abs())
	return remote.Translate("mkdir", p.Abs(), c.fs.MakeDir(p.Abs()))
}

func (c *Client) Rename(_ context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	c.transcript.Log(true, "rename "+from.Abs()+" "+to.Abs())
	e, err := c.fs.Stat(from.Abs())
	if err != nil {
		return remote.Translate("rename", from.Abs(), err)
	}
	return remote.Translate("rename", from.Abs(), c.fs.Rename(from.Abs(), to.Abs(), e.Dir))
}

func (c *Client) Close() error {
	if c.fs != nil {
		c.transcript.Log(true, "logout")
		c.fs.Release()
	}
	c.fs = nil
	c.connected = false
	return nil
}

// Feature copies inside the catalog and starts sessions in the user's
// home collection.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindCopy:
		return &copier{c: c, r: r}, true
	case feature.KindHome:
		return &home{c: c}, true
	}
	return nil, false
}

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
	cp.c.transcript.Log(true, "copy "+src.Abs()+" "+dst.Abs())
	return remote.Translate("copy", src.Abs(), cp.c.fs.CopyFile(src.Abs(), dst.Abs()))
}

type home struct {
	c *Client
}

func (h *home) Find(context.Context) (remote.Path, error) {
	if h.c.host.DefaultPath() != "" {
		return feature.DefaultHome(h.c.host), nil
	}
	return remote.NewPath(path.Join("/", h.c.Zone(), "home", h.c.user), remote.TypeDirectory), nil
}
