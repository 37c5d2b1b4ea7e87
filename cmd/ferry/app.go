package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/ferry/config"
	"github.com/jaywantadh/ferry/internal/journal"
	"github.com/jaywantadh/ferry/internal/metrics"
	"github.com/jaywantadh/ferry/internal/protocol"
	"github.com/jaywantadh/ferry/internal/protocol/sftp"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/session"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/internal/worker"
	"github.com/jaywantadh/ferry/pkg/env"
	"github.com/jaywantadh/ferry/pkg/httpserver"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// runtime is the state shared by the commands of one invocation.
type runtime struct {
	cfg      *config.AppConfig
	insecure bool
	pinned   string
	debug    bool
	prompt   *terminalPrompt
	metrics  *httpserver.Server
	journal  *journal.Store
}

func newApp() *cli.App {
	rt := &runtime{prompt: newTerminalPrompt(os.Stdin, os.Stderr)}
	return &cli.App{
		Name:  "ferry",
		Usage: "Move files between this machine and SFTP, FTP, WebDAV and S3 hosts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: env.GetEnv("CONFIG_DIR", "."), Usage: "directory holding config.yaml"},
			&cli.BoolFlag{Name: "debug", Usage: "log protocol transcripts and debug output"},
			&cli.DurationFlag{Name: "timeout", Usage: "connect and read timeout"},
			&cli.IntFlag{Name: "workers", Usage: "parallel sessions for push"},
			&cli.StringFlag{Name: "known-hosts", Usage: "OpenSSH known_hosts file"},
			&cli.StringFlag{Name: "fingerprint", Usage: "accept only the host key or certificate with this SHA256 fingerprint"},
			&cli.StringFlag{Name: "identity", Aliases: []string{"i"}, Usage: "private key for SFTP login"},
			&cli.StringFlag{Name: "journal", Usage: "directory of the resume journal"},
			&cli.StringFlag{Name: "s3-endpoint", Usage: "S3 compatible endpoint URL"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
			&cli.BoolFlag{Name: "insecure", Usage: "accept any host key or certificate"},
		},
		Before: rt.before,
		After:  rt.after,
		Commands: []*cli.Command{
			rt.lsCommand(),
			rt.statCommand(),
			rt.getCommand(),
			rt.putCommand(),
			rt.rmCommand(),
			rt.cpCommand(),
			rt.archiveCommand(),
			rt.unarchiveCommand(),
			rt.pushCommand(),
			rt.journalCommand(),
		},
	}
}

func (rt *runtime) before(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("known-hosts") {
		cfg.KnownHostsFile = c.String("known-hosts")
	}
	if c.IsSet("identity") {
		cfg.IdentityFile = c.String("identity")
	}
	if c.IsSet("journal") {
		cfg.JournalPath = c.String("journal")
	}
	if c.IsSet("s3-endpoint") {
		cfg.S3Endpoint = c.String("s3-endpoint")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	rt.cfg = cfg
	rt.insecure = c.Bool("insecure")
	rt.pinned = c.String("fingerprint")
	rt.debug = c.Bool("debug")

	logging.InitLogger(rt.debug)
	logging.Log.SetOutput(os.Stderr)
	if !rt.debug {
		if err := logging.SetLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}

	if cfg.MetricsAddr != "" {
		srv, err := httpserver.Start(cfg.MetricsAddr, metrics.Handler())
		if err != nil {
			return err
		}
		rt.metrics = srv
	}
	return nil
}

func (rt *runtime) after(*cli.Context) error {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.metrics.Shutdown(ctx)
	}
	if rt.journal != nil {
		return rt.journal.Close()
	}
	return nil
}

// openJournal opens the journal on first use.
func (rt *runtime) openJournal() (*journal.Store, error) {
	if rt.journal == nil {
		store, err := journal.Open(rt.cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		rt.journal = store
	}
	return rt.journal, nil
}

func (rt *runtime) factory() transport.Factory {
	return protocol.Factory(protocol.FromConfig(rt.cfg))
}

func (rt *runtime) sessionOptions() []session.Option {
	return []session.Option{
		session.WithLoginAttempts(rt.cfg.LoginAttempts),
		session.WithTimeout(rt.cfg.Timeout),
	}
}

// verifier picks the host identity check for host.
func (rt *runtime) verifier(host remote.Host) (transport.HostKeyVerifier, error) {
	if rt.insecure {
		return transport.AcceptAnyHostKey, nil
	}
	if rt.pinned != "" {
		return transport.PinnedHostKey(rt.pinned), nil
	}
	if host.Protocol() != remote.ProtocolSFTP {
		// TLS hosts are checked against the system roots
		return nil, nil
	}
	file := rt.cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no known_hosts file: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	return sftp.KnownHosts(file)
}

func (rt *runtime) transcript() transport.Transcript {
	if rt.debug {
		return transport.LogTranscript(logging.For("transcript"))
	}
	return nil
}

// connect opens a ready session to the host of raw and returns it with the
// path raw names. The path type is looked up on the host; a missing path
// is returned as a file.
func (rt *runtime) connect(ctx context.Context, raw string) (*session.Session, remote.Path, error) {
	host, err := remote.ParseHost(raw)
	if err != nil {
		return nil, remote.Path{}, err
	}
	verifier, err := rt.verifier(host)
	if err != nil {
		return nil, remote.Path{}, err
	}
	s := session.New(host, rt.factory(), rt.sessionOptions()...)
	if err := s.Open(ctx, verifier, rt.transcript()); err != nil {
		return nil, remote.Path{}, err
	}
	if err := s.Login(ctx, rt.prompt.store, rt.prompt); err != nil {
		worker.Disconnect(s)
		return nil, remote.Path{}, err
	}
	p, err := lookup(ctx, s, host.DefaultPath())
	if err != nil {
		worker.Disconnect(s)
		return nil, remote.Path{}, err
	}
	return s, p, nil
}

func lookup(ctx context.Context, s *session.Session, abs string) (remote.Path, error) {
	p := remote.NewPath(abs, remote.TypeDirectory)
	if p.IsRoot() {
		return p, nil
	}
	attrs, err := s.Attributes().Find(ctx, p)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return p.WithType(remote.TypeFile), nil
	case err != nil:
		return remote.Path{}, err
	case attrs.Mode.IsDir():
		return p.WithAttributes(attrs), nil
	}
	return p.WithType(remote.TypeFile).WithAttributes(attrs), nil
}
