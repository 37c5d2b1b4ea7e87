package worker

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jaywantadh/ferry/internal/cache"
	"github.com/jaywantadh/ferry/internal/journal"
	"github.com/jaywantadh/ferry/internal/metrics"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// Job is one file to move.
type Job struct {
	ID        string
	Direction journal.Direction
	Local     string
	Remote    remote.Path
}

// JobResult is the outcome of a Job.
type JobResult struct {
	Job    Job
	Result Result
	Err    error
}

// Pool runs jobs on several sessions to the same host. Every worker opens
// its own session; sessions are never shared between workers.
type Pool struct {
	host        remote.Host
	factory     transport.Factory
	workers     int
	opts        Options
	cacheSize   int
	sessionOpts []session.Option
	verifier    transport.HostKeyVerifier
	transcript  transport.Transcript
	store       transport.CredentialStore
	prompt      transport.LoginPrompt
	tracker     *transfer.Tracker
	log         *logrus.Entry
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithSessionOptions are passed to every session.
func WithSessionOptions(opts ...session.Option) PoolOption {
	return func(p *Pool) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// WithVerifier sets the host key verifier for every session.
func WithVerifier(v transport.HostKeyVerifier) PoolOption {
	return func(p *Pool) { p.verifier = v }
}

// WithTranscript logs every session's protocol exchange to t.
func WithTranscript(t transport.Transcript) PoolOption {
	return func(p *Pool) { p.transcript = t }
}

// WithLogin sets the credential store and prompt used at login.
func WithLogin(store transport.CredentialStore, prompt transport.LoginPrompt) PoolOption {
	return func(p *Pool) {
		p.store = store
		p.prompt = prompt
	}
}

// WithTracker reports per-job progress to t.
func WithTracker(t *transfer.Tracker) PoolOption {
	return func(p *Pool) { p.tracker = t }
}

// WithCacheSize bounds the listing cache each job gets.
func WithCacheSize(n int) PoolOption {
	return func(p *Pool) { p.cacheSize = n }
}

// NewPool returns a pool of workers sessions to host.
func NewPool(host remote.Host, factory transport.Factory, workers int, opts Options, popts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		host:      host,
		factory:   factory,
		workers:   workers,
		opts:      opts,
		cacheSize: 100,
		tracker:   transfer.NewTracker(nil),
		log:       logging.For("pool").WithField("host", host.String()),
	}
	for _, opt := range popts {
		opt(p)
	}
	return p
}

// Tracker returns the progress tracker of the pool.
func (p *Pool) Tracker() *transfer.Tracker { return p.tracker }

// Run executes jobs and returns one result per job in input order. Job
// failures are reported in the results and combined in the returned error;
// a session that cannot connect or log in stops the whole run.
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
		results[i].Job = jobs[i]
		p.tracker.Start(jobs[i].ID, path.Base(jobs[i].Local), -1)
	}

	queue := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for i := range jobs {
			select {
			case queue <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(p.workers, len(jobs))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s := session.New(p.host, p.factory, p.sessionOpts...)
			defer Disconnect(s)
			if err := s.Open(gctx, p.verifier, p.transcript); err != nil {
				return err
			}
			if err := s.Login(gctx, p.store, p.prompt); err != nil {
				return err
			}
			for i := range queue {
				results[i].Result, results[i].Err = p.runJob(gctx, s, jobs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.cancelPending(results, err)
		return results, fmt.Errorf("worker pool stopped: %w", err)
	}

	var errs error
	for _, r := range results {
		errs = multierr.Append(errs, r.Err)
	}
	return results, errs
}

func (p *Pool) runJob(ctx context.Context, s *session.Session, job Job) (Result, error) {
	opts := p.opts
	opts.Cache = cache.New(p.cacheSize)
	opts.Listener = p.tracker.Listener(job.ID)

	var (
		result Result
		err    error
	)
	switch job.Direction {
	case journal.Upload:
		result, err = Upload(ctx, s, job.Local, job.Remote, opts)
	case journal.Download:
		result, err = Download(ctx, s, job.Remote, job.Local, opts)
	default:
		err = fmt.Errorf("unknown direction %q", job.Direction)
	}
	metrics.RecordBatchItem(string(job.Direction), err == nil)

	state := transfer.StateCompleted
	if err != nil {
		state = transfer.StateFailed
		p.log.WithError(err).WithField("job", job.ID).Warn("job failed")
	}
	p.tracker.Finish(job.ID, state, err)
	return result, err
}

// cancelPending marks the jobs that never finished.
func (p *Pool) cancelPending(results []JobResult, cause error) {
	for i := range results {
		progress, ok := p.tracker.Get(results[i].Job.ID)
		if ok && !progress.State.Done() {
			p.tracker.Finish(results[i].Job.ID, transfer.StateCancelled, cause)
			if results[i].Err == nil {
				results[i].Err = remote.Wrap(remote.ErrInterrupted, "pool", results[i].Job.Remote.Abs(), cause)
			}
		}
	}
}
