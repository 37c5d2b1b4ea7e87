// Package transporttest provides an in-memory transport.Client that exposes
// primitives only, so sessions built on it resolve every capability to its
// generic implementation.
package transporttest

import (
	"context"
	"sync"

	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/protocol/local"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
)

// Memory is a transport.Client over an afero MemMapFs. The embedded client
// interface hides the native capabilities of the local backend.
type Memory struct {
	transport.Client

	Fs       afero.Fs
	Identity transport.Identity

	// Username and Password, when set, are the only accepted credentials.
	Username string
	Password string
	// ConnectErr is returned by Connect when set.
	ConnectErr error

	mu     sync.Mutex
	calls  map[string]int
	closed bool
}

// NewMemory returns a Memory for host with an empty filesystem.
func NewMemory(host remote.Host) *Memory {
	fs := afero.NewMemMapFs()
	return &Memory{
		Client: local.New(host, fs),
		Fs:     fs,
		Identity: transport.Identity{
			Hostname:    host.Hostname(),
			Address:     host.Address(),
			Algorithm:   "ssh-ed25519",
			Fingerprint: transport.Fingerprint([]byte(host.Hostname())),
		},
		calls: make(map[string]int),
	}
}

// Factory returns a transport.Factory always handing out m.
func (m *Memory) Factory() transport.Factory {
	return func(remote.Host) (transport.Client, error) { return m, nil }
}

func (m *Memory) count(op string) {
	m.mu.Lock()
	m.calls[op]++
	m.mu.Unlock()
}

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) Connect(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	m.count("connect")
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	if verifier != nil {
		if err := verifier.Verify(remote.NewHost(remote.ProtocolMem, m.Identity.Hostname, remote.Credentials{}), m.Identity); err != nil {
			return remote.Wrap(remote.ErrHostKeyMismatch, "connect", "", err)
		}
	}
	return m.Client.Connect(ctx, verifier, transcript)
}

func (m *Memory) Authenticate(ctx context.Context, creds remote.Credentials) error {
	m.count("authenticate")
	if err := ctx.Err(); err != nil {
		return remote.Translate("authenticate", "", err)
	}
	if m.Username == "" && m.Password == "" {
		return nil
	}
	if creds.Username() != m.Username || creds.Secret() != m.Password {
		return remote.Errorf(remote.ErrLoginFailure, "authenticate", "", "rejected %s", creds)
	}
	return nil
}

func (m *Memory) Stat(ctx context.Context, p remote.Path) (remote.Attributes, error) {
	m.count("stat")
	return m.Client.Stat(ctx, p)
}

func (m *Memory) List(ctx context.Context, dir remote.Path) (remote.List, error) {
	m.count("list")
	return m.Client.List(ctx, dir)
}

func (m *Memory) Delete(ctx context.Context, p remote.Path) error {
	m.count("delete")
	return m.Client.Delete(ctx, p)
}

func (m *Memory) Close() error {
	m.count("close")
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Client.Close()
}
