// Package protocol picks the transport backend for a host.
package protocol

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"github.com/jaywantadh/ferry/config"
	"github.com/jaywantadh/ferry/internal/protocol/dav"
	"github.com/jaywantadh/ferry/internal/protocol/ftp"
	"github.com/jaywantadh/ferry/internal/protocol/irods"
	"github.com/jaywantadh/ferry/internal/protocol/local"
	"github.com/jaywantadh/ferry/internal/protocol/s3"
	"github.com/jaywantadh/ferry/internal/protocol/sftp"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
)

// Options configures every backend.
type Options struct {
	Timeout       time.Duration
	LoginAttempts int
	// IdentityFiles are private keys offered before password login on SFTP.
	IdentityFiles []string
	S3Region      string
	S3Endpoint    string
	IRODSZone     string
	IRODSResource string
	// Memory backs mem:// hosts; nil gives every client its own filesystem.
	Memory afero.Fs
}

// FromConfig derives Options from the application configuration.
func FromConfig(cfg *config.AppConfig) Options {
	opts := Options{
		Timeout:       cfg.Timeout,
		LoginAttempts: cfg.LoginAttempts,
		S3Region:      cfg.S3Region,
		S3Endpoint:    cfg.S3Endpoint,
		IRODSZone:     cfg.IRODSZone,
		IRODSResource: cfg.IRODSResource,
	}
	if cfg.IdentityFile != "" {
		opts.IdentityFiles = []string{cfg.IdentityFile}
	}
	return opts
}

// New returns an unconnected client for host.
func New(host remote.Host, opts Options) (transport.Client, error) {
	switch host.Protocol() {
	case remote.ProtocolFile:
		return local.NewOS(host, ""), nil
	case remote.ProtocolMem:
		if opts.Memory != nil {
			return local.New(host, opts.Memory), nil
		}
		return local.NewMemory(host), nil
	case remote.ProtocolSFTP:
		var signers []ssh.Signer
		if len(opts.IdentityFiles) > 0 {
			var err error
			if signers, err = sftp.LoadSigners(opts.IdentityFiles...); err != nil {
				return nil, err
			}
		}
		return sftp.New(host, sftp.Config{Timeout: opts.Timeout, LoginAttempts: opts.LoginAttempts, Signers: signers}), nil
	case remote.ProtocolFTP, remote.ProtocolFTPS:
		return ftp.New(host, ftp.Config{Timeout: opts.Timeout}), nil
	case remote.ProtocolDAV, remote.ProtocolDAVS:
		return dav.New(host, dav.Config{Timeout: opts.Timeout}), nil
	case remote.ProtocolS3:
		return s3.New(host, s3.Config{Region: opts.S3Region, Endpoint: opts.S3Endpoint, Timeout: opts.Timeout}), nil
	case remote.ProtocolIRODS:
		return irods.New(host, irods.Config{Zone: opts.IRODSZone, Resource: opts.IRODSResource, Timeout: opts.Timeout}), nil
	}
	return nil, remote.Wrap(remote.ErrUnsupported, "connect", "", fmt.Errorf("no backend for protocol %q", host.Protocol()))
}

// Factory binds opts into a transport.Factory for sessions.
func Factory(opts Options) transport.Factory {
	return func(host remote.Host) (transport.Client, error) {
		return New(host, opts)
	}
}
