// Package sftp serves sftp:// hosts over an SSH connection.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Config tunes the SSH handshake.
type Config struct {
	Timeout       time.Duration
	LoginAttempts int
	Signers       []ssh.Signer
}

type handshake struct {
	conn  ssh.Conn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request
	err   error
}

// Client implements transport.Client with github.com/pkg/sftp.
//
// The SSH handshake runs in the background from Connect: it stops once the
// host key is verified and resumes when Authenticate hands over a password.
// The username is part of the handshake and cannot change after Connect.
type Client struct {
	host remote.Host
	cfg  Config
	log  *logrus.Entry

	transcript transport.Transcript
	conn       net.Conn
	ssh        *ssh.Client
	sftp       *pkgsftp.Client

	secrets   chan string
	rejected  chan struct{}
	result    chan handshake
	done      chan struct{}
	closeOnce sync.Once
	asked     int
	failed    error
}

// New returns an unconnected client for host.
func New(host remote.Host, cfg Config) *Client {
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = 3
	}
	return &Client{
		host:       host,
		cfg:        cfg,
		log:        logging.For("sftp").WithField("host", host.String()),
		transcript: transport.DiscardTranscript,
		secrets:    make(chan string, 1),
		rejected:   make(chan struct{}, 1),
		result:     make(chan handshake, 1),
		done:       make(chan struct{}),
	}
}

func (c *Client) ensure(op string, p remote.Path) error {
	if c.sftp == nil {
		return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "not logged in")
	}
	return nil
}

// password feeds the handshake. Every call after the first means the server
// rejected the previous secret.
func (c *Client) password() (string, error) {
	if c.asked > 0 {
		select {
		case c.rejected <- struct{}{}:
		default:
		}
	}
	c.asked++
	select {
	case secret := <-c.secrets:
		return secret, nil
	case <-c.done:
		return "", errors.New("client closed")
	}
}

func (c *Client) Connect(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	c.transcript = transport.OrDiscard(transcript)
	address := c.host.Address()
	c.transcript.Log(true, "connect "+address)

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return remote.Translate("connect", "", fmt.Errorf("failed to dial %s: %w", address, err))
	}
	c.conn = conn

	checked := make(chan error, 1)
	auth := make([]ssh.AuthMethod, 0, 2)
	if len(c.cfg.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(c.cfg.Signers...))
	}
	auth = append(auth, ssh.RetryableAuthMethod(ssh.PasswordCallback(c.password), c.cfg.LoginAttempts))
	config := &ssh.ClientConfig{
		User:    c.host.Credentials().Username(),
		Auth:    auth,
		Timeout: c.cfg.Timeout,
		HostKeyCallback: func(hostname string, addr net.Addr, key ssh.PublicKey) error {
			id := transport.Identity{
				Hostname:    c.host.Hostname(),
				Address:     hostname,
				Remote:      addr,
				Algorithm:   key.Type(),
				Fingerprint: ssh.FingerprintSHA256(key),
				Raw:         key.Marshal(),
			}
			c.transcript.Log(false, "host key "+id.Algorithm+" "+id.Fingerprint)
			var err error
			if verifier != nil {
				err = verifier.Verify(c.host, id)
			}
			checked <- err
			return err
		},
	}

	go func() {
		sconn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
		c.result <- handshake{conn: sconn, chans: chans, reqs: reqs, err: err}
	}()

	select {
	case err := <-checked:
		if err != nil {
			conn.Close()
			return remote.Wrap(remote.ErrHostKeyMismatch, "connect", "", err)
		}
		return nil
	case h := <-c.result:
		conn.Close()
		select {
		case err := <-checked:
			if err != nil {
				return remote.Wrap(remote.ErrHostKeyMismatch, "connect", "", err)
			}
		default:
		}
		if h.err == nil {
			h.conn.Close()
			return remote.Errorf(remote.ErrIllegalState, "connect", "", "handshake without host key")
		}
		return remote.Translate("connect", "", fmt.Errorf("ssh handshake failed: %w", h.err))
	case <-ctx.Done():
		conn.Close()
		return remote.Translate("connect", "", ctx.Err())
	}
}

// Authenticate completes the handshake with creds. A rejected secret leaves
// the handshake waiting for the next one until the attempts are used up.
func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) error {
	if c.sftp != nil {
		return nil
	}
	if c.failed != nil {
		return c.failed
	}
	if c.conn == nil {
		return remote.Errorf(remote.ErrIllegalState, "authenticate", "", "not connected")
	}
	if user := c.host.Credentials().Username(); creds.Username() != user {
		return remote.Errorf(remote.ErrLoginFailure, "authenticate", "", "username is fixed to %q for this connection", user)
	}

	select {
	case c.secrets <- creds.Secret():
	default:
	}
	c.transcript.Log(true, "auth "+creds.String())

	select {
	case <-c.rejected:
		c.drainSecret()
		return remote.Errorf(remote.ErrLoginFailure, "authenticate", "", "password rejected for %s", creds.Username())
	case h := <-c.result:
		if h.err != nil {
			c.failed = remote.Wrap(remote.ErrLoginFailure, "authenticate", "", h.err)
			return c.failed
		}
		return c.open(h)
	case <-ctx.Done():
		c.drainSecret()
		return remote.Translate("authenticate", "", ctx.Err())
	}
}

func (c *Client) drainSecret() {
	select {
	case <-c.secrets:
	default:
	}
}

func (c *Client) open(h handshake) error {
	c.ssh = ssh.NewClient(h.conn, h.chans, h.reqs)
	client, err := pkgsftp.NewClient(c.ssh)
	if err != nil {
		c.ssh.Close()
		c.ssh = nil
		return fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	c.sftp = client
	c.transcript.Log(false, "sftp ready")
	c.log.Debug("authenticated")
	return nil
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

func (c *Client) Stat(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	if err := c.ensure("stat", p); err != nil {
		return remote.Attributes{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.Attributes{}, remote.Translate("stat", p.Abs(), err)
	}
	info, err := c.sftp.Stat(p.Abs())
	if err != nil {
		return remote.Attributes{}, remote.Translate("stat", p.Abs(), err)
	}
	return attributes(info), nil
}

func (c *Client) List(ctx context.Context, dir remote.Path) (remote.List, error) {
	if err := c.ensure("list", dir); err != nil {
		return remote.List{}, err
	}
	if err := ctx.Err(); err != nil {
		return remote.List{}, remote.Translate("list", dir.Abs(), err)
	}
	c.transcript.Log(true, "readdir "+dir.Abs())
	infos, err := c.sftp.ReadDir(dir.Abs())
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

func (c *Client) OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error) {
	if err := c.ensure("read", p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, remote.Translate("read", p.Abs(), err)
	}
	c.transcript.Log(true, fmt.Sprintf("open %s at %d", p.Abs(), offset))
	f, err := c.sftp.Open(p.Abs())
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

func (c *Client) OpenWrite(ctx context.Context, p remote.Path, opts transport.WriteOptions) (io.WriteCloser, error) {
	if err := c.ensure("write", p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, remote.Translate("write", p.Abs(), err)
	}
	c.transcript.Log(true, fmt.Sprintf("open %s for write at %d truncate=%t", p.Abs(), opts.Offset, opts.Truncate))
	flags := os.O_WRONLY | os.O_CREATE
	if opts.Truncate {
		flags |= os.O_TRUNC
	}
	f, err := c.sftp.OpenFile(p.Abs(), flags)
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

func (c *Client) Delete(ctx context.Context, p remote.Path) error {
	if err := c.ensure("delete", p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("delete", p.Abs(), err)
	}
	c.transcript.Log(true, "remove "+p.Abs())
	if p.IsDirectory() {
		return remote.Translate("delete", p.Abs(), c.sftp.RemoveDirectory(p.Abs()))
	}
	return remote.Translate("delete", p.Abs(), c.sftp.Remove(p.Abs()))
}

func (c *Client) Mkdir(ctx context.Context, p remote.Path) error {
	if err := c.ensure("mkdir", p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("mkdir", p.Abs(), err)
	}
	c.transcript.Log(true, "mkdir "+p.Abs())
	return remote.Translate("mkdir", p.Abs(), c.sftp.Mkdir(p.Abs()))
}

func (c *Client) Rename(ctx context.Context, from, to remote.Path) error {
	if err := c.ensure("rename", from); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return remote.Translate("rename", from.Abs(), err)
	}
	c.transcript.Log(true, "rename "+from.Abs()+" "+to.Abs())
	return remote.Translate("rename", from.Abs(), c.sftp.Rename(from.Abs(), to.Abs()))
}

// Close tears down the sftp subsystem and the SSH connection. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.sftp != nil {
			c.sftp.Close()
		}
		switch {
		case c.ssh != nil:
			err = c.ssh.Close()
		case c.conn != nil:
			err = c.conn.Close()
		}
		c.transcript.Log(true, "close")
	})
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Feature runs archives on the server and asks it for the home directory.
func (c *Client) Feature(kind feature.Kind, r feature.Resolver) (any, bool) {
	switch kind {
	case feature.KindCompress:
		return &compressor{c: c, r: r}, true
	case feature.KindHome:
		return &home{c: c, host: r.Host()}, true
	}
	return nil, false
}
