// Package feature defines the capabilities a session offers on top of the
// transport primitives, and generic implementations of each of them built
// from primitives and other capabilities only.
package feature

import (
	"context"
	"io"

	"github.com/jaywantadh/ferry/internal/archive"
	"github.com/jaywantadh/ferry/internal/batch"
	"github.com/jaywantadh/ferry/internal/cache"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transfer"
	"github.com/jaywantadh/ferry/internal/transport"
)

// Kind names a capability.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindDelete
	KindFind
	KindTouch
	KindCopy
	KindCompress
	KindAttributes
	KindHome
)

// Kinds lists every capability kind.
func Kinds() []Kind {
	return []Kind{KindRead, KindWrite, KindDelete, KindFind, KindTouch, KindCopy, KindCompress, KindAttributes, KindHome}
}

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindDelete:
		return "delete"
	case KindFind:
		return "find"
	case KindTouch:
		return "touch"
	case KindCopy:
		return "copy"
	case KindCompress:
		return "compress"
	case KindAttributes:
		return "attributes"
	case KindHome:
		return "home"
	}
	return "unknown"
}

// Read opens remote objects for reading.
type Read interface {
	// Read opens p, discarding status.Skip bytes and delivering at most
	// status.Length bytes after that when the length is known.
	Read(ctx context.Context, p remote.Path, status *transfer.Status) (io.ReadCloser, error)
}

// Append is the answer of Write.Append.
type Append struct {
	Append bool
	Size   int64
}

// Write opens remote objects for writing.
type Write interface {
	// Write returns a stream honoring the window of status. It fails with
	// remote.ErrAccessDenied, and no stream, when the parent is missing.
	Write(ctx context.Context, p remote.Path, status *transfer.Status) (io.WriteCloser, error)
	// Append reports whether a write of knownLength bytes (-1 if unknown)
	// to p can resume, and from which size. It only populates c.
	Append(ctx context.Context, p remote.Path, knownLength int64, c *cache.PathCache) (Append, error)
}

// Find answers existence queries. A missing object is not an error.
type Find interface {
	Find(ctx context.Context, p remote.Path) (bool, error)
}

// Attributes returns the metadata of an object.
type Attributes interface {
	Find(ctx context.Context, p remote.Path) (remote.Attributes, error)
}

// Touch creates an empty file unless it exists.
type Touch interface {
	Touch(ctx context.Context, p remote.Path) error
}

// Copy duplicates an object on the same host.
type Copy interface {
	Copy(ctx context.Context, src, dst remote.Path) error
}

// Delete removes objects, directories with their contents.
type Delete interface {
	Delete(ctx context.Context, files []remote.Path, cb batch.Callback, opts ...batch.Option) error
}

// Progress receives human readable status messages.
type Progress func(message string)

// Compress builds and expands archives next to the archived files.
type Compress interface {
	Archive(ctx context.Context, a archive.Archive, workdir remote.Path, files []remote.Path, progress Progress) (remote.Path, error)
	Unarchive(ctx context.Context, a archive.Archive, file remote.Path, progress Progress) error
}

// Home finds the directory a session starts in.
type Home interface {
	Find(ctx context.Context) (remote.Path, error)
}

// Resolver hands out a session's client and its resolved capabilities.
type Resolver interface {
	Host() remote.Host
	Client() transport.Client
	Read() Read
	Write() Write
	Delete() Delete
	Find() Find
	Touch() Touch
	Copy() Copy
	Compress() Compress
	Attributes() Attributes
	Home() Home
}

// Provider is implemented by clients with native capabilities. Feature
// returns false for kinds the generic implementation should serve.
type Provider interface {
	Feature(kind Kind, r Resolver) (any, bool)
}

// Default returns the generic implementation of kind.
func Default(kind Kind, r Resolver) any {
	switch kind {
	case KindRead:
		return &defaultRead{r: r}
	case KindWrite:
		return &defaultWrite{r: r}
	case KindDelete:
		return &defaultDelete{r: r}
	case KindFind:
		return &defaultFind{r: r}
	case KindTouch:
		return &defaultTouch{r: r}
	case KindCopy:
		return &defaultCopy{r: r}
	case KindCompress:
		return &defaultCompress{r: r}
	case KindAttributes:
		return &defaultAttributes{r: r}
	case KindHome:
		return &defaultHome{r: r}
	}
	return nil
}

// Valid reports whether impl implements the interface of kind.
func Valid(kind Kind, impl any) bool {
	var ok bool
	switch kind {
	case KindRead:
		_, ok = impl.(Read)
	case KindWrite:
		_, ok = impl.(Write)
	case KindDelete:
		_, ok = impl.(Delete)
	case KindFind:
		_, ok = impl.(Find)
	case KindTouch:
		_, ok = impl.(Touch)
	case KindCopy:
		_, ok = impl.(Copy)
	case KindCompress:
		_, ok = impl.(Compress)
	case KindAttributes:
		_, ok = impl.(Attributes)
	case KindHome:
		_, ok = impl.(Home)
	}
	return ok
}
