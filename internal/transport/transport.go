// Package transport defines the per-protocol client contract the engine is
// built on, and the callbacks a session hands to it.
package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/jaywantadh/ferry/internal/remote"
)

// WriteOptions position a write stream.
type WriteOptions struct {
	// Offset is the byte in the remote object the stream starts at.
	Offset int64
	// Truncate empties or creates the object before writing.
	Truncate bool
	// Length is the number of bytes that will be written, -1 if unknown.
	Length int64
}

// Client is one physical connection to a remote host. It exposes primitives
// only; richer operations are built on top of it by the feature package.
// A Client is not safe for concurrent use.
type Client interface {
	// Connect establishes the transport and verifies the host identity.
	Connect(ctx context.Context, verifier HostKeyVerifier, transcript Transcript) error
	// Authenticate logs in with creds. Rejected credentials yield
	// remote.ErrLoginFailure.
	Authenticate(ctx context.Context, creds remote.Credentials) error

	Stat(ctx context.Context, p remote.Path) (remote.Attributes, error)
	List(ctx context.Context, dir remote.Path) (remote.List, error)
	// OpenRead returns a stream positioned at offset.
	OpenRead(ctx context.Context, p remote.Path, offset int64) (io.ReadCloser, error)
	// OpenWrite returns a stream; closing it finalizes the remote object.
	OpenWrite(ctx context.Context, p remote.Path, opts WriteOptions) (io.WriteCloser, error)
	// Delete removes one file or one empty directory.
	Delete(ctx context.Context, p remote.Path) error
	Mkdir(ctx context.Context, p remote.Path) error
	Rename(ctx context.Context, from, to remote.Path) error

	Close() error
}

// RangeReader is implemented by clients that can bound a read on the wire.
type RangeReader interface {
	// OpenRange returns a stream of at most length bytes starting at offset.
	OpenRange(ctx context.Context, p remote.Path, offset, length int64) (io.ReadCloser, error)
}

// ByteRange renders the HTTP Range of length bytes from offset; a negative
// length leaves the range open. It is empty when the whole object is read.
func ByteRange(offset, length int64) string {
	switch {
	case length > 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return ""
}

// Factory builds the Client for a host.
type Factory func(host remote.Host) (Client, error)
