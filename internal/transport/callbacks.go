package transport

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/ferry/internal/remote"
)

// Identity is the public identity a server presented during connect.
type Identity struct {
	Hostname    string
	Address     string
	Remote      net.Addr
	Algorithm   string
	Fingerprint string
	Raw         []byte
}

// Fingerprint formats the SHA256 digest of raw the way OpenSSH prints it.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

// HostKeyVerifier accepts or rejects a server identity. Rejection must
// return an error; the transport reports it as remote.ErrHostKeyMismatch.
type HostKeyVerifier interface {
	Verify(host remote.Host, id Identity) error
}

// VerifierFunc adapts a function to HostKeyVerifier.
type VerifierFunc func(host remote.Host, id Identity) error

func (f VerifierFunc) Verify(host remote.Host, id Identity) error { return f(host, id) }

// AcceptAnyHostKey trusts every identity.
var AcceptAnyHostKey HostKeyVerifier = VerifierFunc(func(remote.Host, Identity) error { return nil })

// RejectHostKeys rejects every identity.
var RejectHostKeys HostKeyVerifier = VerifierFunc(func(host remote.Host, id Identity) error {
	return remote.Errorf(remote.ErrHostKeyMismatch, "verify", "", "%s presented %s %s", host.Hostname(), id.Algorithm, id.Fingerprint)
})

// PinnedHostKey accepts only the identity with the given fingerprint.
func PinnedHostKey(fingerprint string) HostKeyVerifier {
	return VerifierFunc(func(host remote.Host, id Identity) error {
		if id.Fingerprint == fingerprint {
			return nil
		}
		return remote.Errorf(remote.ErrHostKeyMismatch, "verify", "", "%s presented %s, expected %s", host.Hostname(), id.Fingerprint, fingerprint)
	})
}

// CredentialStore looks up saved secrets for a host.
type CredentialStore interface {
	Find(host remote.Host) (remote.Credentials, bool)
}

type disabledStore struct{}

func (disabledStore) Find(remote.Host) (remote.Credentials, bool) { return remote.Credentials{}, false }

// DisabledCredentialStore never finds anything.
var DisabledCredentialStore CredentialStore = disabledStore{}

// MemoryStore is a CredentialStore keyed by hostname.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]remote.Credentials
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]remote.Credentials)}
}

func (s *MemoryStore) Save(host remote.Host, creds remote.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[host.Hostname()] = creds
}

func (s *MemoryStore) Find(host remote.Host) (remote.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.secrets[host.Hostname()]
	return c, ok
}

// LoginPrompt asks the user for credentials. reason explains why, e.g. a
// previous rejection. Returning remote.ErrLoginCanceled aborts the login.
type LoginPrompt interface {
	Prompt(ctx context.Context, host remote.Host, reason string) (remote.Credentials, error)
}

// PromptFunc adapts a function to LoginPrompt.
type PromptFunc func(ctx context.Context, host remote.Host, reason string) (remote.Credentials, error)

func (f PromptFunc) Prompt(ctx context.Context, host remote.Host, reason string) (remote.Credentials, error) {
	return f(ctx, host, reason)
}

// DisabledLoginPrompt cancels every prompt.
var DisabledLoginPrompt LoginPrompt = PromptFunc(func(context.Context, remote.Host, string) (remote.Credentials, error) {
	return remote.Credentials{}, remote.Wrap(remote.ErrLoginCanceled, "prompt", "", nil)
})

// Transcript receives protocol level request and response lines.
type Transcript interface {
	Log(request bool, message string)
}

type discard struct{}

func (discard) Log(bool, string) {}

// DiscardTranscript drops everything.
var DiscardTranscript Transcript = discard{}

type logTranscript struct {
	entry *logrus.Entry
}

// LogTranscript writes lines at debug level to entry, tagged by direction.
func LogTranscript(entry *logrus.Entry) Transcript {
	return logTranscript{entry: entry}
}

func (l logTranscript) Log(request bool, message string) {
	dir := "<"
	if request {
		dir = ">"
	}
	l.entry.WithField("dir", dir).Debug(message)
}

// OrDiscard returns t, or DiscardTranscript when t is nil.
func OrDiscard(t Transcript) Transcript {
	if t == nil {
		return DiscardTranscript
	}
	return t
}
