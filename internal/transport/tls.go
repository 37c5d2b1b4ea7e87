package transport

import (
	"crypto/tls"
	"errors"

	"github.com/jaywantadh/ferry/internal/remote"
)

// TLSConfig returns a client configuration that hands the server leaf
// certificate to verifier. When verifier is nil the system roots decide.
// A rejection by verifier surfaces as remote.ErrHostKeyMismatch.
func TLSConfig(host remote.Host, verifier HostKeyVerifier) *tls.Config {
	cfg := &tls.Config{
		ServerName: host.Hostname(),
		MinVersion: tls.VersionTLS12,
	}
	if verifier == nil {
		return cfg
	}
	// the verifier replaces chain validation
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return remote.Errorf(remote.ErrHostKeyMismatch, "tls", "", "no certificate presented")
		}
		leaf := cs.PeerCertificates[0]
		id := Identity{
			Hostname:    host.Hostname(),
			Address:     host.Address(),
			Algorithm:   leaf.PublicKeyAlgorithm.String(),
			Fingerprint: Fingerprint(leaf.Raw),
			Raw:         leaf.Raw,
		}
		if err := verifier.Verify(host, id); err != nil {
			if errors.Is(err, remote.ErrHostKeyMismatch) {
				return err
			}
			return remote.Wrap(remote.ErrHostKeyMismatch, "tls", "", err)
		}
		return nil
	}
	return cfg
}
