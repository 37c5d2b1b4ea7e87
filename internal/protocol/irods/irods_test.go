package irods_test

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ferry/internal/protocol/irods"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

// memCatalog keeps a zone in memory.
type memCatalog struct {
	mu       sync.Mutex
	fs       afero.Fs
	copies   int
	released bool
}

func newCatalog(t *testing.T) *memCatalog {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/tempZone/home/rods", 0o755))
	return &memCatalog{fs: fs}
}

func (m *memCatalog) Stat(p string) (irods.Entry, error) {
	info, err := m.fs.Stat(p)
	if err != nil {
		return irods.Entry{}, err
	}
	return irods.Entry{Path: p, Dir: info.IsDir(), Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (m *memCatalog) List(dir string) ([]irods.Entry, error) {
	infos, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return nil, err
	}
	entries := make([]irods.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, irods.Entry{Path: path.Join(dir, info.Name()), Dir: info.IsDir(), Size: info.Size()})
	}
	return entries, nil
}

func (m *memCatalog) Open(p string) (irods.File, error) { return m.fs.Open(p) }

func (m *memCatalog) Create(p string, appendTo bool) (io.WriteCloser, error) {
	if _, err := m.fs.Stat(path.Dir(p)); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendTo {
		flags = os.O_WRONLY | os.O_APPEND
	}
	return m.fs.OpenFile(p, flags, 0o644)
}

func (m *memCatalog) MakeDir(p string) error {
	if _, err := m.fs.Stat(path.Dir(p)); err != nil {
		return err
	}
	return m.fs.Mkdir(p, 0o755)
}

func (m *memCatalog) RemoveFile(p string) error { return m.fs.Remove(p) }
func (m *memCatalog) RemoveDir(p string) error  { return m.fs.Remove(p) }

func (m *memCatalog) Rename(from, to string, _ bool) error { return m.fs.Rename(from, to) }

func (m *memCatalog) CopyFile(from, to string) error {
	m.mu.Lock()
	m.copies++
	m.mu.Unlock()
	data, err := afero.ReadFile(m.fs, from)
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, to, data, 0o644)
}

func (m *memCatalog) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
}

// listen accepts and drops connections, standing in for the catalog port.
func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type dialer struct {
	catalog *memCatalog
	account irods.Account
}

func (d *dialer) dial(_ context.Context, a irods.Account) (irods.FileSystem, error) {
	d.account = a
	if a.Password != "secret" {
		return nil, errors.New("CAT_INVALID_AUTHENTICATION")
	}
	return d.catalog, nil
}

func newSession(t *testing.T, d *dialer, cfg irods.Config, creds remote.Credentials, opts ...remote.HostOption) *session.Session {
	t.Helper()
	cfg.Dial = d.dial
	opts = append(opts, remote.WithPort(listen(t)))
	host := remote.NewHost(remote.ProtocolIRODS, "127.0.0.1", creds, opts...)
	return session.New(host, func(h remote.Host) (transport.Client, error) {
		return irods.New(h, cfg), nil
	})
}

func login(t *testing.T) (*session.Session, *memCatalog) {
	t.Helper()
	d := &dialer{catalog: newCatalog(t)}
	s := newSession(t, d, irods.Config{}, remote.NewCredentials("rods", "secret"), remote.WithDefaultPath("/tempZone/home/rods"))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, nil, nil))
	require.NoError(t, s.Login(ctx, nil, nil))
	t.Cleanup(func() { s.Close() })
	return s, d.catalog
}

func put(t *testing.T, s *session.Session, p remote.Path, data string) {
	t.Helper()
	status := transfer.NewStatus().WithLength(int64(len(data)))
	out, err := s.Write().Write(context.Background(), p, status)
	require.NoError(t, err)
	_, err = transfer.NewCopier(nil, status).Transfer(context.Background(), strings.NewReader(data), out)
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func get(t *testing.T, s *session.Session, p remote.Path, status *transfer.Status) string {
	t.Helper()
	in, err := s.Read().Read(context.Background(), p, status)
	require.NoError(t, err)
	defer in.Close()
	data, err := io.ReadAll(in)
	require.NoError(t, err)
	return string(data)
}

func file(p string) remote.Path { return remote.NewPath(p, remote.TypeFile) }
func dir(p string) remote.Path  { return remote.NewPath(p, remote.TypeDirectory) }

func TestLoginUsesZoneOfDefaultPath(t *testing.T) {
	d := &dialer{catalog: newCatalog(t)}
	s := newSession(t, d, irods.Config{Resource: "demoResc"}, remote.NewCredentials("rods", "secret"), remote.WithDefaultPath("/tempZone/home/rods"))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, nil, nil))
	require.NoError(t, s.Login(ctx, nil, nil))
	defer s.Close()

	assert.Equal(t, "127.0.0.1", d.account.Host)
	assert.Equal(t, "tempZone", d.account.Zone)
	assert.Equal(t, "rods", d.account.User)
	assert.Equal(t, "demoResc", d.account.Resource)

	home, err := s.Home().Find(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/tempZone/home/rods", home.Abs())
}

func TestHomeInConfiguredZone(t *testing.T) {
	d := &dialer{catalog: newCatalog(t)}
	s := newSession(t, d, irods.Config{Zone: "z"}, remote.NewCredentials("alice", "secret"))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, nil, nil))
	require.NoError(t, s.Login(ctx, nil, nil))
	defer s.Close()

	home, err := s.Home().Find(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/z/home/alice", home.Abs())
}

func TestLoginFailure(t *testing.T) {
	d := &dialer{catalog: newCatalog(t)}
	s := newSession(t, d, irods.Config{}, remote.NewCredentials("rods", "wrong"))
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, nil, nil))
	err := s.Login(ctx, nil, nil)
	assert.ErrorIs(t, err, remote.ErrLoginFailure)
}

func TestConnectCanceled(t *testing.T) {
	client := irods.New(remote.NewHost(remote.ProtocolIRODS, "127.0.0.1", remote.Credentials{}), irods.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Connect(ctx, nil, nil), remote.ErrInterrupted)
}

func TestReadWrite(t *testing.T) {
	s, _ := login(t)
	p := file("/tempZone/home/rods/a b.txt")
	put(t, s, p, "abcdef")

	assert.Equal(t, "abcdef", get(t, s, p, transfer.NewStatus()))
	assert.Equal(t, "cde", get(t, s, p, transfer.NewStatus().WithSkip(2).WithLength(3)))

	list, err := s.Client().List(context.Background(), dir("/tempZone/home/rods"))
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	assert.Equal(t, "/tempZone/home/rods/a b.txt", list.Items()[0].Abs())
	assert.Equal(t, int64(6), list.Items()[0].Attributes().Size)

	put(t, s, p, "xy")
	assert.Equal(t, "xy", get(t, s, p, transfer.NewStatus()))
}

func TestAppendAtSize(t *testing.T) {
	s, catalog := login(t)
	ctx := context.Background()
	p := file("/tempZone/home/rods/f")
	put(t, s, p, "abc")

	out, err := s.Client().OpenWrite(ctx, p, transport.WriteOptions{Offset: 3, Length: 3})
	require.NoError(t, err)
	_, err = io.WriteString(out, "def")
	require.NoError(t, err)
	require.NoError(t, out.Close())
	data, err := afero.ReadFile(catalog.fs, "/tempZone/home/rods/f")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	_, err = s.Client().OpenWrite(ctx, p, transport.WriteOptions{Offset: 2, Length: 1})
	assert.ErrorIs(t, err, remote.ErrInvalidResume)
}

func TestReadPastEnd(t *testing.T) {
	s, _ := login(t)
	p := file("/tempZone/home/rods/f")
	put(t, s, p, "abc")

	_, err := s.Client().OpenRead(context.Background(), p, 4)
	assert.ErrorIs(t, err, remote.ErrInvalidResume)
}

func TestCopyInCatalog(t *testing.T) {
	s, catalog := login(t)
	ctx := context.Background()
	src := file("/tempZone/home/rods/test")
	dst := file("/tempZone/home/rods/copy")
	put(t, s, src, "copy me")

	require.NoError(t, s.Copy().Copy(ctx, src, dst))
	assert.Equal(t, 1, catalog.copies)
	for _, p := range []remote.Path{src, dst} {
		found, err := s.Find().Find(ctx, p)
		require.NoError(t, err)
		assert.True(t, found, p.Abs())
	}
	assert.Equal(t, "copy me", get(t, s, dst, transfer.NewStatus()))
}

func TestCopyToMissingParent(t *testing.T) {
	s, catalog := login(t)
	src := file("/tempZone/home/rods/test")
	put(t, s, src, "x")

	err := s.Copy().Copy(context.Background(), src, file("/tempZone/home/rods/none/copy"))
	assert.ErrorIs(t, err, remote.ErrAccessDenied)
	assert.Zero(t, catalog.copies)
}

func TestMissing(t *testing.T) {
	s, _ := login(t)
	ctx := context.Background()
	p := file("/tempZone/home/rods/none")

	found, err := s.Find().Find(ctx, p)
	require.NoError(t, err)
	assert.False(t, found)
	_, err = s.Client().Stat(ctx, p)
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestDeleteTree(t *testing.T) {
	s, catalog := login(t)
	ctx := context.Background()
	tree := dir("/tempZone/home/rods/tree")
	require.NoError(t, s.Client().Mkdir(ctx, tree))
	put(t, s, remote.Child(tree, "a", remote.TypeFile), "a")

	require.NoError(t, s.Delete().Delete(ctx, []remote.Path{tree}, nil))
	_, err := catalog.fs.Stat("/tempZone/home/rods/tree")
	assert.True(t, os.IsNotExist(err))
}

func TestCanceledUploadKeepsTarget(t *testing.T) {
	s, catalog := login(t)
	ctx := context.Background()
	p := file("/tempZone/home/rods/f")
	put(t, s, p, "original-content")

	status := transfer.NewStatus().WithLength(12)
	status.AddListener(func(int64) { status.Cancel() })
	out, err := s.Write().Write(ctx, p, status)
	require.NoError(t, err)
	_, err = transfer.NewCopier(nil, status).WithBufferSize(4).Transfer(ctx, strings.NewReader("new-data-xyz"), out)
	require.ErrorIs(t, err, remote.ErrInterrupted)
	transfer.Abort(out, err)

	assert.Equal(t, "original-content", get(t, s, p, transfer.NewStatus()))
	infos, err := afero.ReadDir(catalog.fs, "/tempZone/home/rods")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "f", infos[0].Name())
}

func TestCloseReleases(t *testing.T) {
	s, catalog := login(t)
	require.NoError(t, s.Close())
	catalog.mu.Lock()
	defer catalog.mu.Unlock()
	assert.True(t, catalog.released)
}
