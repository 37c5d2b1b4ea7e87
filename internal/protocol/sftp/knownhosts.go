package sftp

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
)

// KnownHosts returns a verifier backed by OpenSSH known_hosts files.
func KnownHosts(files ...string) (transport.HostKeyVerifier, error) {
	callback, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to read known hosts: %w", err)
	}
	return transport.VerifierFunc(func(host remote.Host, id transport.Identity) error {
		key, err := ssh.ParsePublicKey(id.Raw)
		if err != nil {
			return remote.Wrap(remote.ErrHostKeyMismatch, "verify", "", err)
		}
		addr := id.Remote
		if addr == nil {
			addr = &net.TCPAddr{}
		}
		err = callback(id.Address, addr, key)
		var keyErr *knownhosts.KeyError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &keyErr) && len(keyErr.Want) == 0:
			return remote.Errorf(remote.ErrHostKeyMismatch, "verify", "", "%s is not a known host (%s %s)", host.Hostname(), id.Algorithm, id.Fingerprint)
		}
		return remote.Wrap(remote.ErrHostKeyMismatch, "verify", "", err)
	}), nil
}

// LoadSigners parses unencrypted private key files for public key
// authentication.
func LoadSigners(files ...string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(files))
	for _, f := range files {
		pem, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", f, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", f, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
