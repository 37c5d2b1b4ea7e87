package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/ferry/internal/journal"
	"github.com/jaywantadh/ferry/internal/protocol/local"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

var host = remote.NewHost(remote.ProtocolMem, "scratch", remote.Credentials{})

func factory(fs afero.Fs) transport.Factory {
	return func(h remote.Host) (transport.Client, error) {
		return local.New(h, fs), nil
	}
}

type env struct {
	remote afero.Fs
	local  afero.Fs
	s      *session.Session
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{remote: afero.NewMemMapFs(), local: afero.NewMemMapFs()}
	require.NoError(t, e.remote.MkdirAll("/up", 0o755))
	e.s = session.New(host, factory(e.remote))
	ctx := context.Background()
	require.NoError(t, e.s.Open(ctx, nil, nil))
	require.NoError(t, e.s.Login(ctx, nil, nil))
	t.Cleanup(func() { Disconnect(e.s) })
	return e
}

func (e *env) opts() Options {
	return Options{Fs: e.local, BufferSize: 4}
}

func read(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return string(data)
}

func file(p string) remote.Path { return remote.NewPath(p, remote.TypeFile) }

func TestUploadAndDownload(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(e.local, "/src.txt", []byte("hello world"), 0o644))

	var seen int64
	opts := e.opts()
	opts.Listener = func(delta int64) { seen += delta }
	res, err := Upload(ctx, e.s, "/src.txt", file("/up/dst.txt"), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Transferred)
	assert.Equal(t, int64(11), seen)
	assert.Equal(t, "hello world", read(t, e.remote, "/up/dst.txt"))

	res, err = Download(ctx, e.s, file("/up/dst.txt"), "/back.txt", e.opts())
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)
	assert.Equal(t, "hello world", read(t, e.local, "/back.txt"))
}

func TestUploadDirectoryFails(t *testing.T) {
	e := setup(t)
	require.NoError(t, e.local.MkdirAll("/dir", 0o755))
	_, err := Upload(context.Background(), e.s, "/dir", file("/up/dir"), e.opts())
	assert.Error(t, err)
}

func TestUploadResumesPartialRemote(t *testing.T) {
	e := setup(t)
	require.NoError(t, afero.WriteFile(e.local, "/src.txt", []byte("hello world"), 0o644))
	require.NoError(t, afero.WriteFile(e.remote, "/up/dst.txt", []byte("hello "), 0o644))

	opts := e.opts()
	opts.Resume = true
	res, err := Upload(context.Background(), e.s, "/src.txt", file("/up/dst.txt"), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Offset)
	assert.Equal(t, int64(5), res.Transferred)
	assert.Equal(t, "hello world", read(t, e.remote, "/up/dst.txt"))
}

func TestUploadLargerRemoteStartsOver(t *testing.T) {
	e := setup(t)
	require.NoError(t, afero.WriteFile(e.local, "/src.txt", []byte("abc"), 0o644))
	require.NoError(t, afero.WriteFile(e.remote, "/up/dst.txt", []byte("something longer"), 0o644))

	opts := e.opts()
	opts.Resume = true
	res, err := Upload(context.Background(), e.s, "/src.txt", file("/up/dst.txt"), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)
	assert.Equal(t, "abc", read(t, e.remote, "/up/dst.txt"))
}

func TestUploadResumeNeedsMatchingCheckpoint(t *testing.T) {
	e := setup(t)
	store, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, afero.WriteFile(e.local, "/src.txt", []byte("hello world"), 0o644))
	target := file("/up/dst.txt")

	opts := e.opts()
	opts.Resume = true
	opts.Journal = store

	// a checkpoint of some other version of the file
	_, err = store.Put(journal.Checkpoint{Direction: journal.Upload, URL: e.s.URL(target), Local: "/src.txt", Length: 99})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(e.remote, "/up/dst.txt", []byte("HELLO "), 0o644))
	res, err := Upload(context.Background(), e.s, "/src.txt", target, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)
	assert.Equal(t, "hello world", read(t, e.remote, "/up/dst.txt"))
	_, err = store.Find(journal.Upload, e.s.URL(target), "/src.txt")
	assert.ErrorIs(t, err, journal.ErrNotFound)

	info, err := e.local.Stat("/src.txt")
	require.NoError(t, err)
	_, err = store.Put(journal.Checkpoint{
		Direction:    journal.Upload,
		URL:          e.s.URL(target),
		Local:        "/src.txt",
		Length:       info.Size(),
		LocalModTime: info.ModTime(),
		Transferred:  6,
	})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(e.remote, "/up/dst.txt", []byte("hello "), 0o644))
	res, err = Upload(context.Background(), e.s, "/src.txt", target, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Offset)
	assert.Equal(t, "hello world", read(t, e.remote, "/up/dst.txt"))
}

func TestInterruptedUploadKeepsCheckpoint(t *testing.T) {
	e := setup(t)
	store, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, afero.WriteFile(e.local, "/src.txt", []byte("hello world"), 0o644))
	target := file("/up/dst.txt")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := e.opts()
	opts.Journal = store
	_, err = Upload(ctx, e.s, "/src.txt", target, opts)
	assert.ErrorIs(t, err, remote.ErrInterrupted)

	cp, err := store.Find(journal.Upload, e.s.URL(target), "/src.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), cp.Length)
	assert.Equal(t, int64(0), cp.Transferred)
}

func TestDownloadResumesLocalPartial(t *testing.T) {
	e := setup(t)
	require.NoError(t, afero.WriteFile(e.remote, "/up/f", []byte("hello world"), 0o644))
	require.NoError(t, afero.WriteFile(e.local, "/f", []byte("hello "), 0o644))

	opts := e.opts()
	opts.Resume = true
	res, err := Download(context.Background(), e.s, file("/up/f"), "/f", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Offset)
	assert.Equal(t, int64(5), res.Transferred)
	assert.Equal(t, "hello world", read(t, e.local, "/f"))

	res, err = Download(context.Background(), e.s, file("/up/f"), "/f", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Offset)
	assert.Equal(t, int64(0), res.Transferred)
	assert.Equal(t, "hello world", read(t, e.local, "/f"))
}

func TestDownloadStaleCheckpointStartsOver(t *testing.T) {
	e := setup(t)
	store, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, afero.WriteFile(e.remote, "/up/f", []byte("HELLO WORLD"), 0o644))
	require.NoError(t, afero.WriteFile(e.local, "/f", []byte("hello "), 0o644))
	_, err = store.Put(journal.Checkpoint{Direction: journal.Download, URL: e.s.URL(file("/up/f")), Local: "/f", Length: 20})
	require.NoError(t, err)

	opts := e.opts()
	opts.Resume = true
	opts.Journal = store
	res, err := Download(context.Background(), e.s, file("/up/f"), "/f", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)
	assert.Equal(t, "HELLO WORLD", read(t, e.local, "/f"))
}

func TestDownloadWithoutResumeTruncates(t *testing.T) {
	e := setup(t)
	require.NoError(t, afero.WriteFile(e.remote, "/up/f", []byte("new"), 0o644))
	require.NoError(t, afero.WriteFile(e.local, "/f", []byte("old content"), 0o644))

	_, err := Download(context.Background(), e.s, file("/up/f"), "/f", e.opts())
	require.NoError(t, err)
	assert.Equal(t, "new", read(t, e.local, "/f"))
}

func TestDownloadMissing(t *testing.T) {
	e := setup(t)
	_, err := Download(context.Background(), e.s, file("/up/none"), "/none", e.opts())
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestPoolRunsEveryJob(t *testing.T) {
	remoteFs, localFs := afero.NewMemMapFs(), afero.NewMemMapFs()
	require.NoError(t, remoteFs.MkdirAll("/up", 0o755))
	var jobs []Job
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("/f%d", i)
		require.NoError(t, afero.WriteFile(localFs, name, []byte(name), 0o644))
		jobs = append(jobs, Job{Direction: journal.Upload, Local: name, Remote: file("/up" + name)})
	}
	jobs = append(jobs, Job{ID: "missing", Direction: journal.Upload, Local: "/none", Remote: file("/up/none")})

	pool := NewPool(host, factory(remoteFs), 3, Options{Fs: localFs})
	results, err := pool.Run(context.Background(), jobs)
	require.Error(t, err)
	require.Len(t, results, 7)
	for i, r := range results[:6] {
		require.NoError(t, r.Err)
		name := fmt.Sprintf("/f%d", i)
		assert.Equal(t, name, read(t, remoteFs, "/up"+name))
	}
	assert.Error(t, results[6].Err)

	progress, ok := pool.Tracker().Get("missing")
	require.True(t, ok)
	assert.Equal(t, transfer.StateFailed, progress.State)
	progress, ok = pool.Tracker().Get(results[0].Job.ID)
	require.True(t, ok)
	assert.Equal(t, transfer.StateCompleted, progress.State)
	assert.Equal(t, int64(3), progress.BytesDone)
}

func TestPoolStopsWhenSessionFails(t *testing.T) {
	broken := func(remote.Host) (transport.Client, error) {
		return nil, errors.New("no route")
	}
	jobs := []Job{
		{Direction: journal.Download, Local: "/a", Remote: file("/a")},
		{Direction: journal.Download, Local: "/b", Remote: file("/b")},
	}
	pool := NewPool(host, broken, 2, Options{Fs: afero.NewMemMapFs()})
	results, err := pool.Run(context.Background(), jobs)
	require.Error(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, remote.ErrInterrupted)
		progress, ok := pool.Tracker().Get(r.Job.ID)
		require.True(t, ok)
		assert.Equal(t, transfer.StateCancelled, progress.State)
	}
}

func TestDisconnect(t *testing.T) {
	e := setup(t)
	assert.Equal(t, "Disconnecting scratch", Activity(e.s))
	require.NoError(t, Disconnect(e.s))
	assert.Equal(t, session.Closed, e.s.State())
	require.NoError(t, Disconnect(e.s))
}
