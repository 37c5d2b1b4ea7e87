package sftp_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/protocol/sftp"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

type server struct {
	addr   *net.TCPAddr
	signer ssh.Signer
	root   string
}

func startServer(t *testing.T, password string) *server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == "u" && string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return &server{addr: ln.Addr().(*net.TCPAddr), signer: signer, root: t.TempDir()}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			if ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				srv, err := pkgsftp.NewServer(ch)
				if err != nil {
					return
				}
				srv.Serve()
			}()
		case "exec":
			var payload struct{ Command string }
			if ssh.Unmarshal(req.Payload, &payload) != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				cmd := exec.Command("sh", "-c", payload.Command)
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				status := 0
				if err := cmd.Run(); err != nil {
					status = 1
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						status = exitErr.ExitCode()
					}
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *server) host(creds remote.Credentials) remote.Host {
	return remote.NewHost(remote.ProtocolSFTP, s.addr.IP.String(), creds,
		remote.WithPort(s.addr.Port), remote.WithDefaultPath(s.root))
}

func newSession(h remote.Host) *session.Session {
	return session.New(h, func(h remote.Host) (transport.Client, error) {
		return sftp.New(h, sftp.Config{Timeout: 5 * time.Second}), nil
	}, session.WithTimeout(5*time.Second))
}

func login(t *testing.T, srv *server) *session.Session {
	t.Helper()
	ctx := context.Background()
	s := newSession(srv.host(remote.NewCredentials("u", "secret")))
	require.NoError(t, s.Open(ctx, transport.AcceptAnyHostKey, nil))
	require.NoError(t, s.Login(ctx, nil, nil))
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *session.Session, p remote.Path, status *transfer.Status, data string) {
	t.Helper()
	out, err := s.Write().Write(context.Background(), p, status)
	require.NoError(t, err)
	_, err = transfer.NewCopier(nil, status).Transfer(context.Background(), strings.NewReader(data), out)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func TestSessionRoundTrip(t *testing.T) {
	srv := startServer(t, "secret")
	s := login(t, srv)
	ctx := context.Background()
	assert.Equal(t, srv.root, s.Workdir().Abs())

	p := remote.Child(s.Workdir(), "a.txt", remote.TypeFile)
	put(t, s, p, transfer.NewStatus().WithLength(3), "abc")

	resume, err := s.Write().Append(ctx, p, 6, nil)
	require.NoError(t, err)
	assert.True(t, resume.Append)
	assert.Equal(t, int64(3), resume.Size)
	put(t, s, p, transfer.NewStatus().WithLength(6).WithAppend(true).WithOffset(resume.Size), "def")

	data, err := os.ReadFile(filepath.Join(srv.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	in, err := s.Read().Read(ctx, p, transfer.NewStatus().WithSkip(2).WithLength(3))
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	assert.Equal(t, "cde", string(got))

	list, err := s.Client().List(ctx, s.Workdir())
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	assert.Equal(t, int64(6), list.Items()[0].Attributes().Size)

	require.NoError(t, s.Delete().Delete(ctx, []remote.Path{p}, nil))
	exists, err := s.Find().Find(ctx, p)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMissingFileIsNotFound(t *testing.T) {
	srv := startServer(t, "secret")
	s := login(t, srv)
	_, err := s.Read().Read(context.Background(), remote.Child(s.Workdir(), "nope", remote.TypeFile), transfer.NewStatus())
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestWriteMissingParentIsAccessDenied(t *testing.T) {
	srv := startServer(t, "secret")
	s := login(t, srv)
	p := remote.NewPath(filepath.Join(srv.root, "missing", "f"), remote.TypeFile)
	_, err := s.Write().Write(context.Background(), p, transfer.NewStatus())
	assert.ErrorIs(t, err, remote.ErrAccessDenied)
}

func TestRejectedHostKey(t *testing.T) {
	srv := startServer(t, "secret")
	s := newSession(srv.host(remote.NewCredentials("u", "secret")))
	err := s.Open(context.Background(), transport.RejectHostKeys, nil)
	assert.ErrorIs(t, err, remote.ErrHostKeyMismatch)
	assert.Equal(t, session.Disconnected, s.State())
}

func TestPinnedHostKey(t *testing.T) {
	srv := startServer(t, "secret")
	s := newSession(srv.host(remote.NewCredentials("u", "secret")))
	defer s.Close()
	pin := transport.PinnedHostKey(ssh.FingerprintSHA256(srv.signer.PublicKey()))
	require.NoError(t, s.Open(context.Background(), pin, nil))
}

func TestLoginReprompts(t *testing.T) {
	srv := startServer(t, "secret")
	ctx := context.Background()
	s := newSession(srv.host(remote.NewCredentials("u", "wrong")))
	defer s.Close()
	require.NoError(t, s.Open(ctx, transport.AcceptAnyHostKey, nil))

	calls := 0
	prompt := transport.PromptFunc(func(context.Context, remote.Host, string) (remote.Credentials, error) {
		calls++
		return remote.NewCredentials("u", "secret"), nil
	})
	require.NoError(t, s.Login(ctx, nil, prompt))
	assert.Equal(t, 1, calls)
	assert.Equal(t, session.Ready, s.State())
}

func TestLoginFailureWithoutPrompt(t *testing.T) {
	srv := startServer(t, "secret")
	ctx := context.Background()
	s := newSession(srv.host(remote.NewCredentials("u", "wrong")))
	defer s.Close()
	require.NoError(t, s.Open(ctx, transport.AcceptAnyHostKey, nil))
	assert.ErrorIs(t, s.Login(ctx, nil, nil), remote.ErrLoginFailure)
}

func TestKnownHosts(t *testing.T) {
	srv := startServer(t, "secret")
	dir := t.TempDir()

	known := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr.String())}, srv.signer.PublicKey())
	require.NoError(t, os.WriteFile(known, []byte(line+"\n"), 0o600))
	verifier, err := sftp.KnownHosts(known)
	require.NoError(t, err)
	s := newSession(srv.host(remote.NewCredentials("u", "secret")))
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), verifier, nil))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	verifier, err = sftp.KnownHosts(empty)
	require.NoError(t, err)
	other := newSession(srv.host(remote.NewCredentials("u", "secret")))
	err = other.Open(context.Background(), verifier, nil)
	assert.ErrorIs(t, err, remote.ErrHostKeyMismatch)
}

func TestNativeCompress(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not installed")
	}
	srv := startServer(t, "secret")
	s := login(t, srv)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(srv.root, "a.txt"), []byte("alpha"), 0o644))
	files := []remote.Path{remote.Child(s.Workdir(), "a.txt", remote.TypeFile)}

	target, err := s.Compress().Archive(ctx, archive.TarGz, s.Workdir(), files, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(srv.root, "a.txt.tar.gz"), target.Abs())

	require.NoError(t, os.Remove(filepath.Join(srv.root, "a.txt")))
	require.NoError(t, s.Compress().Unarchive(ctx, archive.TarGz, target, nil))
	data, err := os.ReadFile(filepath.Join(srv.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}
