// Package remote holds the value types shared by every layer of the transfer
// engine: endpoints, credentials, paths and the error taxonomy.
package remote

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Protocol identifies the wire protocol of a Host by its URL scheme.
type Protocol string

const (
	ProtocolFile  Protocol = "file"
	ProtocolMem   Protocol = "mem"
	ProtocolSFTP  Protocol = "sftp"
	ProtocolFTP   Protocol = "ftp"
	ProtocolFTPS  Protocol = "ftps"
	ProtocolDAV   Protocol = "dav"
	ProtocolDAVS  Protocol = "davs"
	ProtocolS3    Protocol = "s3"
	ProtocolIRODS Protocol = "irods"
)

// DefaultPort returns the well-known port of the protocol, 0 if none.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSFTP:
		return 22
	case ProtocolFTP:
		return 21
	case ProtocolFTPS:
		return 990
	case ProtocolDAV:
		return 80
	case ProtocolDAVS, ProtocolS3:
		return 443
	case ProtocolIRODS:
		return 1247
	}
	return 0
}

// Secure reports whether the protocol encrypts its transport.
func (p Protocol) Secure() bool {
	switch p {
	case ProtocolSFTP, ProtocolFTPS, ProtocolDAVS, ProtocolS3:
		return true
	}
	return false
}

// Credentials are opaque to the engine. The secret is never rendered.
type Credentials struct {
	username string
	secret   string
}

// NewCredentials returns credentials for username with the given secret.
func NewCredentials(username, secret string) Credentials {
	return Credentials{username: username, secret: secret}
}

func (c Credentials) Username() string { return c.username }
func (c Credentials) Secret() string   { return c.secret }

// HasSecret reports whether a secret was supplied.
func (c Credentials) HasSecret() bool { return c.secret != "" }

// IsAnonymous reports whether no user or the anonymous FTP user is set.
func (c Credentials) IsAnonymous() bool {
	return c.username == "" || c.username == "anonymous"
}

// WithSecret returns a copy with the secret replaced.
func (c Credentials) WithSecret(secret string) Credentials {
	c.secret = secret
	return c
}

func (c Credentials) String() string {
	if c.secret == "" {
		return c.username
	}
	return c.username + ":********"
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string { return fmt.Sprintf("remote.Credentials{%q}", c.String()) }

// Host describes one logical endpoint. It is immutable after construction.
type Host struct {
	protocol    Protocol
	hostname    string
	port        int
	credentials Credentials
	defaultPath string
}

// HostOption customizes NewHost.
type HostOption func(*Host)

// WithPort overrides the protocol default port.
func WithPort(port int) HostOption {
	return func(h *Host) { h.port = port }
}

// WithDefaultPath sets the directory a session starts in.
func WithDefaultPath(p string) HostOption {
	return func(h *Host) { h.defaultPath = p }
}

// NewHost returns a Host for hostname using protocol.
func NewHost(protocol Protocol, hostname string, creds Credentials, opts ...HostOption) Host {
	h := Host{
		protocol:    protocol,
		hostname:    hostname,
		port:        protocol.DefaultPort(),
		credentials: creds,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

func (h Host) Protocol() Protocol       { return h.protocol }
func (h Host) Hostname() string         { return h.hostname }
func (h Host) Port() int                { return h.port }
func (h Host) Credentials() Credentials { return h.credentials }
func (h Host) DefaultPath() string      { return h.defaultPath }

// WithCredentials returns a copy of h using creds.
func (h Host) WithCredentials(creds Credentials) Host {
	h.credentials = creds
	return h
}

// Address returns host:port for dialing.
func (h Host) Address() string {
	return net.JoinHostPort(h.hostname, strconv.Itoa(h.port))
}

// URL renders p on this host, e.g. sftp://u@example.net/my/documentroot/f.
func (h Host) URL(p Path) string {
	u := url.URL{Scheme: string(h.protocol), Host: h.hostname, Path: p.Abs()}
	if h.port != 0 && h.port != h.protocol.DefaultPort() {
		u.Host = h.Address()
	}
	if h.credentials.username != "" {
		u.User = url.User(h.credentials.username)
	}
	return u.String()
}

func (h Host) String() string {
	return h.URL(NewPath("/", TypeDirectory))
}

// ParseHost parses scheme://[user[:secret]@]host[:port][/path]. The path
// becomes the default path of the returned Host.
func ParseHost(raw string) (Host, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Host{}, fmt.Errorf("failed to parse host url: %w", err)
	}
	protocol := Protocol(strings.ToLower(u.Scheme))
	switch protocol {
	case ProtocolFile, ProtocolMem, ProtocolSFTP, ProtocolFTP, ProtocolFTPS, ProtocolDAV, ProtocolDAVS, ProtocolS3, ProtocolIRODS:
	default:
		return Host{}, fmt.Errorf("unknown protocol %q", u.Scheme)
	}

	var creds Credentials
	if u.User != nil {
		secret, _ := u.User.Password()
		creds = NewCredentials(u.User.Username(), secret)
	}

	opts := []HostOption{}
	if u.Port() != "" {
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return Host{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
		opts = append(opts, WithPort(port))
	}
	if u.Path != "" && u.Path != "/" {
		opts = append(opts, WithDefaultPath(u.Path))
	}
	return NewHost(protocol, u.Hostname(), creds, opts...), nil
}
