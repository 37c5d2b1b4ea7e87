// Package session drives one connection to a host through its lifecycle and
// resolves the capabilities offered on top of it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/metrics"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
	"github.com/jaywantadh/ferry/pkg/logging"
)

// DefaultLoginAttempts bounds authentication attempts per Login.
const DefaultLoginAttempts = 3

// Session owns exactly one transport client. It runs one logical operation
// at a time; the mutex only guards its own state.
type Session struct {
	mu       sync.Mutex
	host     remote.Host
	factory  transport.Factory
	client   transport.Client
	state    State
	workdir  remote.Path
	features map[feature.Kind]any

	attempts int
	timeout  time.Duration
	log      *logrus.Entry
}

// Option customizes a Session.
type Option func(*Session)

// WithLoginAttempts bounds the authentication attempts of Login.
func WithLoginAttempts(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithTimeout bounds Open. Zero leaves it to the context.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// New returns a disconnected Session for host. factory builds the client
// when the session is opened.
func New(host remote.Host, factory transport.Factory, opts ...Option) *Session {
	s := &Session{
		host:     host,
		factory:  factory,
		state:    Disconnected,
		workdir:  feature.DefaultHome(host),
		features: make(map[feature.Kind]any),
		attempts: DefaultLoginAttempts,
		log:      logging.For("session").WithField("host", host.String()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) protocol() string { return string(s.host.Protocol()) }

// Open connects the transport. It is legal only in Disconnected; a failure
// returns there with the transport released.
func (s *Session) Open(ctx context.Context, verifier transport.HostKeyVerifier, transcript transport.Transcript) error {
	s.mu.Lock()
	if s.state != Disconnected {
		state := s.state
		s.mu.Unlock()
		return remote.Errorf(remote.ErrIllegalState, "open", "", "session is %s", state)
	}
	s.state = Connecting
	s.mu.Unlock()

	s.log.Debug("connecting")
	client, err := s.factory(s.host)
	if err != nil {
		s.setState(Connecting, Disconnected)
		metrics.RecordSession(s.protocol(), "open", false)
		return fmt.Errorf("failed to create client: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := client.Connect(ctx, verifier, transport.OrDiscard(transcript)); err != nil {
		closeClient(s.log, client)
		s.setState(Connecting, Disconnected)
		metrics.RecordSession(s.protocol(), "open", false)
		err = remote.Translate("open", "", err)
		s.log.WithError(err).Warn("connect failed")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		// closed while connecting
		closeClient(s.log, client)
		return remote.Errorf(remote.ErrInterrupted, "open", "", "session %s while connecting", s.state)
	}
	s.client = client
	s.features = make(map[feature.Kind]any)
	s.state = Connected
	metrics.RecordSession(s.protocol(), "open", true)
	s.log.Info("connected")
	return nil
}

func (s *Session) setState(from, to State) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

func closeClient(log *logrus.Entry, c transport.Client) {
	if err := c.Close(); err != nil {
		log.WithError(err).Debug("failed to release transport")
	}
}

// Login authenticates with, in order, the host secret, the store and the
// prompt. Rejected credentials are prompted for again until the attempts
// are used up. It is legal only in Connected.
func (s *Session) Login(ctx context.Context, store transport.CredentialStore, prompt transport.LoginPrompt) error {
	s.mu.Lock()
	if s.state != Connected {
		state := s.state
		s.mu.Unlock()
		return remote.Errorf(remote.ErrIllegalState, "login", "", "session is %s", state)
	}
	s.state = Authenticating
	client := s.client
	s.mu.Unlock()

	creds, err := s.authenticate(ctx, client, store, prompt)
	if err != nil {
		s.setState(Authenticating, Connected)
		metrics.RecordSession(s.protocol(), "login", false)
		s.log.WithError(err).Warn("login failed")
		return err
	}

	s.mu.Lock()
	if s.state != Authenticating {
		state := s.state
		s.mu.Unlock()
		return remote.Errorf(remote.ErrInterrupted, "login", "", "session %s while authenticating", state)
	}
	s.host = s.host.WithCredentials(creds.WithSecret(""))
	s.state = Ready
	s.mu.Unlock()
	metrics.RecordSession(s.protocol(), "login", true)

	home, err := s.Home().Find(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to find home directory")
		home = feature.DefaultHome(s.host)
	}
	s.mu.Lock()
	s.workdir = home
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"user": creds.Username(), "workdir": home.Abs()}).Info("logged in")
	return nil
}

func (s *Session) authenticate(ctx context.Context, client transport.Client, store transport.CredentialStore, prompt transport.LoginPrompt) (remote.Credentials, error) {
	creds := s.host.Credentials()
	known := creds.HasSecret() || creds.IsAnonymous()
	if !known && store != nil {
		if saved, ok := store.Find(s.host); ok {
			if saved.Username() == "" {
				saved = remote.NewCredentials(creds.Username(), saved.Secret())
			}
			creds, known = saved, true
		}
	}

	reason := fmt.Sprintf("Login to %s", s.host.Hostname())
	for attempt := 0; attempt < s.attempts; attempt++ {
		// without a prompt the host credentials are tried as they are,
		// e.g. for public key authentication
		if !known && prompt != nil {
			answer, err := prompt.Prompt(ctx, s.host, reason)
			if err != nil {
				return creds, remote.Wrap(remote.ErrLoginCanceled, "login", "", err)
			}
			if ctx.Err() != nil {
				return creds, remote.Wrap(remote.ErrLoginCanceled, "login", "", ctx.Err())
			}
			creds = answer
		}

		err := client.Authenticate(ctx, creds)
		if err == nil {
			return creds, nil
		}
		err = remote.Translate("login", "", err)
		if !errors.Is(err, remote.ErrLoginFailure) {
			if errors.Is(err, remote.ErrInterrupted) {
				return creds, remote.Wrap(remote.ErrLoginCanceled, "login", "", err)
			}
			return creds, err
		}
		s.log.WithField("attempt", attempt+1).Debug("credentials rejected")
		reason = fmt.Sprintf("Login %s with username %q failed", s.host.Hostname(), creds.Username())
		known = false
		if prompt == nil {
			return creds, err
		}
	}
	return creds, remote.Errorf(remote.ErrLoginFailure, "login", "", "giving up after %d attempts", s.attempts)
}

// Close releases the transport. It is idempotent and always ends in Closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	s.client = nil
	s.state = Closed
	s.features = make(map[feature.Kind]any)
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		s.log.WithError(err).Warn("failed to release transport")
		return fmt.Errorf("failed to close session: %w", err)
	}
	s.log.Debug("closed")
	return nil
}

// Client returns the transport. Without one every call fails with
// remote.ErrIllegalState.
func (s *Session) Client() transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return closedClient{state: s.state}
	}
	return s.client
}

func (s *Session) Host() remote.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Workdir is the working directory found at login.
func (s *Session) Workdir() remote.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workdir
}

// URL renders p on the session's host.
func (s *Session) URL(p remote.Path) string {
	return s.Host().URL(p)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.Host(), s.State())
}
