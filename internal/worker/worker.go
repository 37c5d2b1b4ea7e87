// Package worker drives whole-file transfers between the local machine and
// a session, with resume and journal checkpoints.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jaywantadh/ferry/internal/cache"
	"github.com/jaywantadh/ferry/internal/journal"
	"github.com/jaywantadh/ferry/internal/metrics"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Options tune a single transfer.
type Options struct {
	// Resume continues a partial transfer instead of starting over.
	Resume bool
	// Journal stores checkpoints. A checkpoint left by an earlier attempt
	// must still match the source for the transfer to resume.
	Journal    *journal.Store
	BufferSize int
	// Fs is the local filesystem, the OS one when nil.
	Fs       afero.Fs
	Cache    *cache.PathCache
	Listener transfer.Listener
}

func (o Options) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// Result describes a finished transfer.
type Result struct {
	// Offset is the byte the transfer resumed at, 0 for a fresh one.
	Offset      int64
	Transferred int64
	Duration    time.Duration
	// Rate is the throughput of the bytes moved in this run, per second.
	Rate float64
}

type run struct {
	ctx       context.Context
	s         *session.Session
	opts      Options
	direction journal.Direction
	url       string
	local     string
	log       *logrus.Entry
	started   time.Time
}

func newRun(ctx context.Context, s *session.Session, direction journal.Direction, p remote.Path, local string, opts Options) *run {
	url := s.URL(p)
	return &run{
		ctx:       ctx,
		s:         s,
		opts:      opts,
		direction: direction,
		url:       url,
		local:     local,
		log:       logging.For("worker").WithFields(logrus.Fields{"direction": direction, "url": url, "local": local}),
		started:   time.Now(),
	}
}

func (r *run) protocol() string { return string(r.s.Host().Protocol()) }

func (r *run) status(s *transfer.Status) *transfer.Status {
	s.AddListener(func(delta int64) {
		metrics.AddBytes(string(r.direction), r.protocol(), delta)
	})
	if r.opts.Listener != nil {
		s.AddListener(r.opts.Listener)
	}
	return s
}

// checkpoint returns the stored checkpoint, or the zero one.
func (r *run) checkpoint() (journal.Checkpoint, bool) {
	if r.opts.Journal == nil {
		return journal.Checkpoint{}, false
	}
	cp, err := r.opts.Journal.Find(r.direction, r.url, r.local)
	if err != nil {
		if !errors.Is(err, journal.ErrNotFound) {
			r.log.WithError(err).Warn("failed to read checkpoint")
		}
		return journal.Checkpoint{}, false
	}
	return cp, true
}

func (r *run) save(cp journal.Checkpoint) journal.Checkpoint {
	if r.opts.Journal == nil {
		return cp
	}
	saved, err := r.opts.Journal.Put(cp)
	if err != nil {
		r.log.WithError(err).Warn("failed to write checkpoint")
		return cp
	}
	return saved
}

// finish records the outcome and drops the checkpoint of a completed
// transfer.
func (r *run) finish(cp journal.Checkpoint, result *Result, err error) {
	result.Duration = time.Since(r.started)
	metrics.RecordOperation(r.protocol(), string(r.direction), result.Duration)
	outcome := "success"
	switch {
	case errors.Is(err, remote.ErrInterrupted):
		outcome = "interrupted"
	case err != nil:
		outcome = "error"
	}
	metrics.RecordTransfer(string(r.direction), r.protocol(), outcome, result.Duration)

	if err != nil {
		cp.Transferred = result.Offset + result.Transferred
		r.save(cp)
		r.log.WithError(err).WithField("transferred", cp.Transferred).Warn("transfer failed")
		return
	}
	if r.opts.Journal != nil && cp.ID != uuid.Nil {
		if derr := r.opts.Journal.Delete(cp.ID); derr != nil {
			r.log.WithError(derr).Warn("failed to drop checkpoint")
		}
	}
	r.log.WithField("bytes", result.Transferred).Info("transfer complete")
}

// Upload copies the local file to target.
func Upload(ctx context.Context, s *session.Session, local string, target remote.Path, opts Options) (Result, error) {
	r := newRun(ctx, s, journal.Upload, target, local, opts)
	fs := opts.fs()
	info, err := fs.Stat(local)
	if err != nil {
		return Result{}, fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if info.IsDir() {
		return Result{}, fmt.Errorf("%s is a directory", local)
	}
	length := info.Size()

	var offset int64
	if opts.Resume {
		if offset, err = r.uploadOffset(target, info); err != nil {
			return Result{}, err
		}
	}
	cp := r.save(journal.Checkpoint{
		Direction:    journal.Upload,
		URL:          r.url,
		Local:        local,
		Length:       length,
		LocalModTime: info.ModTime(),
		Transferred:  offset,
	})
	result := Result{Offset: offset}

	status := r.status(transfer.NewStatus().WithLength(length - offset))
	if offset > 0 {
		status.WithAppend(true).WithOffset(offset).WithRemote(offset)
	}
	meter := transfer.NewMeter(nil, status)
	err = r.upload(fs, target, status, offset, &result)
	result.Rate = meter.Rate()
	r.finish(cp, &result, err)
	return result, err
}

// uploadOffset asks the remote how much of target exists. A checkpoint of
// the interrupted upload must match the local file.
func (r *run) uploadOffset(target remote.Path, info os.FileInfo) (int64, error) {
	a, err := r.s.Write().Append(r.ctx, target, info.Size(), r.opts.Cache)
	if err != nil {
		return 0, err
	}
	if !a.Append || a.Size == 0 {
		return 0, nil
	}
	if cp, ok := r.checkpoint(); ok && !cp.Matches(info) {
		r.log.Info("local file changed since the last attempt, starting over")
		return 0, nil
	}
	r.log.WithField("offset", a.Size).Info("resuming upload")
	return a.Size, nil
}

func (r *run) upload(fs afero.Fs, target remote.Path, status *transfer.Status, offset int64, result *Result) error {
	in, err := fs.Open(r.local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", r.local, err)
	}
	defer in.Close()

	out, err := r.s.Write().Write(r.ctx, target, status)
	if err != nil {
		return err
	}
	n, err := transfer.NewCopier(nil, status).
		WithOffset(offset).
		WithBufferSize(r.opts.BufferSize).
		Transfer(r.ctx, in, out)
	result.Transferred = n
	if err != nil {
		transfer.Abort(out, err)
		return err
	}
	if err := out.Close(); err != nil {
		return remote.Translate("upload", target.Abs(), err)
	}
	r.opts.Cache.Invalidate(target.Parent())
	status.SetComplete()
	return nil
}

// Download copies src to the local file. A resumed download keeps the
// local partial file and skips its size on the remote.
func Download(ctx context.Context, s *session.Session, src remote.Path, local string, opts Options) (Result, error) {
	r := newRun(ctx, s, journal.Download, src, local, opts)
	fs := opts.fs()
	attrs, err := s.Attributes().Find(ctx, src)
	if err != nil {
		return Result{}, err
	}
	size := attrs.Size

	var offset int64
	if opts.Resume {
		offset = r.downloadOffset(fs, size)
	}
	cp := r.save(journal.Checkpoint{
		Direction:   journal.Download,
		URL:         r.url,
		Local:       local,
		Length:      size,
		Transferred: offset,
	})
	result := Result{Offset: offset}
	if offset > 0 && offset == size {
		r.finish(cp, &result, nil)
		return result, nil
	}

	status := r.status(transfer.NewStatus().WithSkip(offset))
	meter := transfer.NewMeter(nil, status)
	err = r.download(fs, src, status, offset, &result)
	result.Rate = meter.Rate()
	r.finish(cp, &result, err)
	return result, err
}

// downloadOffset is the size of the local partial file when it can still
// be a prefix of a remote object of size bytes.
func (r *run) downloadOffset(fs afero.Fs, size int64) int64 {
	info, err := fs.Stat(r.local)
	if err != nil || info.IsDir() || info.Size() > size {
		return 0
	}
	if cp, ok := r.checkpoint(); ok && cp.Length != size {
		r.log.Info("remote file changed since the last attempt, starting over")
		return 0
	}
	if info.Size() > 0 {
		r.log.WithField("offset", info.Size()).Info("resuming download")
	}
	return info.Size()
}

func (r *run) download(fs afero.Fs, src remote.Path, status *transfer.Status, offset int64, result *Result) error {
	in, err := r.s.Read().Read(r.ctx, src, status)
	if err != nil {
		return err
	}
	defer transfer.CloseQuietly(in)

	flags := os.O_WRONLY | os.O_CREATE
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := fs.OpenFile(r.local, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", r.local, err)
	}
	n, err := transfer.NewCopier(status, nil).
		WithBufferSize(r.opts.BufferSize).
		Transfer(r.ctx, in, out)
	result.Transferred = n
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", r.local, err)
	}
	status.SetComplete()
	return nil
}
