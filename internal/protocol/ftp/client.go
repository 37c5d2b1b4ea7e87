// Package ftp serves ftp:// and ftps:// hosts with github.com/jlaffaye/ftp.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// ImplicitTLSPort is the port on which ftps speaks TLS from the first byte.
const ImplicitTLSPort = 990

// Config tunes the control connection.
type Config struct {
	Timeout time.Duration
}

// Client implements transport.Client on one FTP control connection. Only
// one data transfer can be open at a time.
type Client struct {
	host       remote.Host
	cfg        Config
	conn       *ftp.ServerConn
	loggedIn   bool
	transcript transport.Transcript
	log        *logrus.Entry
}

// New returns an unconnected client for host.
func New(host remote.Host, cfg Config) *Client {
	return &Client{
		host:       host,
		cfg:        cfg,
		transcript: transport.DiscardTranscript,
		log:        logging.For("ftp").WithField("host", host.String()),
	}
}

// translate maps FTP reply codes onto the error taxonomy.
func translate(op, p string, err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		switch reply.Code {
		case ftp.StatusNotLoggedIn:
			return remote.Wrap(remote.ErrLoginFailure, op, p, err)
		case ftp.StatusFileUnavailable:
			return remote.Wrap(remote.ErrNotFound, op, p, err)
		case ftp.StatusFileActionIgnored, ftp.StatusBadFileName:
			return remote.Wrap(remote.ErrAccessDenied, op, p, err)
		case ftp.StatusNotAvailable:
			return remote.Wrap(remote.ErrInterrupted, op, p, err)
		}
	}
	return remote.Translate(op, p, err)
}

func (c *Client) ensure(op string, p remote.Path) error {
	if c.conn == nil || !c.loggedIn {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not logged in")
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	c.transcript = transport.OrDiscard(transcript)
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDebugOutput(&transcriptWriter{t: c.transcript}),
	}
	if c.cfg.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(c.cfg.Timeout))
	}
	if c.host.Protocol() == remote.ProtocolFTPS {
		tlsConfig := transport.TLSConfig(c.host, verifier)
		if c.host.Port() == ImplicitTLSPort {
			opts = append(opts, ftp.DialWithTLS(tlsConfig))
		} else {
			opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
		}
	}

	conn, err := ftp.Dial(c.host.Address(), opts...)
	if err != nil {
		if errors.Is(err, remote.ErrHostKeyMismatch) {
			return err
		}
		return translate("connect", "", fmt.Errorf("failed to dial %s: %w", c.host.Address(), err))
	}
	c.conn = conn
	return nil
}

func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) error {
	if c.conn == nil {
		return remote.Errorf(remote.ErrIllegalState, "authenticate", "", "not connected")
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("authenticate", "", err)
	}
	user, secret := creds.Username(), creds.Secret()
	if creds.IsAnonymous() {
		user = "anonymous"
		if secret == "" {
			secret = "anonymous@"
		}
	}
	if err := c.conn.Login(user, secret); err != nil {
		err = translate("authenticate", "", err)
		if !errors.Is(err, remote.ErrInterrupted) && !errors.Is(err, remote.ErrConnectionTimeout) {
			return remote.Wrap(remote.ErrLoginFailure, "authenticate", "", err)
		}
		return err
	}
	c.loggedIn = true
	return nil
}

func attributes(e *ftp.Entry) remote.Attributes {
	attrs := remote.Attributes{Size: int64(e.Size), ModTime: e.Time, Mode: 0o644}
	if e.Type == ftp.EntryTypeFolder {
		attrs.Mode = os.ModeDir | 0o755
		attrs.Size = 0
	}
	return attrs
}

func pathType(e *ftp.Entry) remote.PathType {
	switch e.Type {
	case ftp.EntryTypeFolder:
		return remote.TypeDirectory
	case ftp.EntryTypeLink:
		return remote.TypeSymlink
	}
	return remote.TypeFile
}

// Stat finds p in the listing of its parent, which every server supports.
func (c *Client) Stat(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	if p.IsRoot() {
		return remote.Attributes{Mode: os.ModeDir | 0o755}, nil
	}
	list, err := c.List(ctx, p.Parent())
	if err != nil {
		return remote.Attributes{}, err
	}
	for _, item := range list.Items() {
		if item.Name() == p.Name() {
			return item.Attributes(), nil
		}
	}
	return remote.Attributes{}, remote.Errorf(remote.ErrNotFound, "stat", p.Abs(), "no such file")
}

func (c *Client) List(ctx context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.List{}, remote.Translate("list", dir.Abs(), err)
	}
	entries, err := c.conn.List(dir.Abs())
	if err != nil {
		return remote.List{}, translate("list", dir.Abs(), err)
	}
	items := make([]remote.Path, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		items = append(items, remote.Child(dir, e.Name, pathType(e)).WithAttributes(attributes(e)))
	}
	return remote.NewList(items...), nil
}

func (c *Client) OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	resp, err := c.conn.RetrFrom(p.Abs(), uint64(offset))
	if err != nil {
		return nil, translate("read", p.Abs(), err)
	}
	return resp, nil
}

// upload feeds a STOR running in the background.
type upload struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (u *upload) Write(b []byte) (int, error) { return u.pw.Write(b) }

func (u *upload) Close() error {
	u.once.Do(func() {
		u.pw.Close()
		u.err = <-u.done
	})
	return u.err
}

// OpenWrite stores p through a pipe. STOR replaces the file; a positive
// offset restarts the upload there.
func (c *Client) OpenWrite(ctx context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, remote.Translate("write", p.Abs(), err)
	}
	pr, pw := io.Pipe()
	u := &upload{pw: pw, done: make(chan error, 1)}
	go func() {
		var err error
		if opts.Offset > 0 {
			err = c.conn.StorFrom(p.Abs(), pr, uint64(opts.Offset))
		} else {
			err = c.conn.Stor(p.Abs(), pr)
		}
		if err != nil {
			err = translate("write", p.Abs(), err)
		}
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

func (c *Client) Delete(ctx context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	if p.IsDirectory() {
		return translate("delete", p.Abs(), c.conn.RemoveDir(p.Abs()))
	}
	return translate("delete", p.Abs(), c.conn.Delete(p.Abs()))
}

func (c *Client) Mkdir(ctx context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("mkdir", p.Abs(), err)
	}
	return translate("mkdir", p.Abs(), c.conn.MakeDir(p.Abs()))
}

func (c *Client) Rename(ctx context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("rename", from.Abs(), err)
	}
	return translate("rename", from.Abs(), c.conn.Rename(from.Abs(), to.Abs()))
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.loggedIn = false
	if err := conn.Quit(); err != nil {
		c.log.WithError(err).Debug("quit failed")
	}
	return nil
}

// Feature serves delete, copy and home with FTP commands.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindDelete:
		return &deleter{c: c}, true
	case feature.KindCopy:
		return &copier{c: c, r: r}, true
	case feature.KindHome:
		return &home{c: c, host: r.Host()}, true
	}
	return nil, false
}

// transcriptWriter turns the debug stream of the control connection into
// transcript lines. Passwords are masked.
type transcriptWriter struct {
	mu      sync.Mutex
	t       transport.Transcript
	pending string
}

func (w *transcriptWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += string(b)
	for {
		i := strings.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(w.pending[:i], "\r")
		w.pending = w.pending[i+1:]
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
			line = "PASS ********"
		}
		w.t.Log(!isReply(line), line)
	}
	return len(b), nil
}

func isReply(line string) bool {
	if len(line) < 3 {
		return false
	}
	for _, r := range line[:3] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
