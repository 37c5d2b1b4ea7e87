package transfer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jaywantadh/ferry/internal/remote"
)

// Listener receives the number of bytes added to a Status.
type Listener func(delta int64)

// Status describes the byte window of a single read or write and carries its
// progress counters. Builders are meant to be called before the transfer
// starts; counters and the cancel flag are safe for concurrent use.
type Status struct {
	length   int64
	offset   int64
	skip     int64
	append   bool
	exists   bool
	resolved bool
	// size of the existing remote object, -1 when unknown
	remoteSize int64

	transferred atomic.Int64
	canceled    atomic.Bool
	complete    atomic.Bool

	mu        sync.Mutex
	listeners []Listener
}

// NewStatus returns a Status for a fresh transfer of unknown length.
func NewStatus() *Status {
	return &Status{length: -1, remoteSize: -1}
}

// WithLength sets the total bytes this operation concerns, -1 if unknown.
func (s *Status) WithLength(n int64) *Status {
	s.length = n
	return s
}

// WithOffset sets the starting byte in the remote object.
func (s *Status) WithOffset(n int64) *Status {
	s.offset = n
	return s
}

// WithSkip sets the bytes to discard from the source before the first byte.
func (s *Status) WithSkip(n int64) *Status {
	s.skip = n
	return s
}

// WithAppend marks the write as a continuation of an existing object.
func (s *Status) WithAppend(v bool) *Status {
	s.append = v
	return s
}

// WithExists records the outcome of an existence check. The remote size stays
// unknown.
func (s *Status) WithExists(exists bool) *Status {
	s.exists = exists
	s.resolved = true
	if !exists {
		s.remoteSize = -1
	}
	return s
}

// WithRemote records an existing remote object of the given size.
func (s *Status) WithRemote(size int64) *Status {
	s.exists = true
	s.resolved = true
	s.remoteSize = size
	return s
}

// AddListener registers l for byte deltas.
func (s *Status) AddListener(l Listener) *Status {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return s
}

func (s *Status) Length() int64  { return s.length }
func (s *Status) Offset() int64  { return s.offset }
func (s *Status) Skip() int64    { return s.skip }
func (s *Status) IsAppend() bool { return s.append }

// Exists reports the recorded existence and whether it was resolved at all.
func (s *Status) Exists() (exists, resolved bool) {
	return s.exists, s.resolved
}

// RemoteSize is the recorded size of the existing object, -1 if unknown.
func (s *Status) RemoteSize() int64 { return s.remoteSize }

// Validate checks the field invariants.
func (s *Status) Validate() error {
	if s.length < -1 {
		return fmt.Errorf("invalid length %d", s.length)
	}
	if s.offset < 0 {
		return fmt.Errorf("invalid offset %d", s.offset)
	}
	if s.skip < 0 {
		return fmt.Errorf("invalid skip %d", s.skip)
	}
	if s.offset > 0 && !s.append {
		return remote.Errorf(remote.ErrInvalidResume, "validate", "", "offset %d without append", s.offset)
	}
	return nil
}

// WriteWindow decides where a write stream starts and whether the remote
// object is truncated first.
//
//	append=false                      → offset 0, truncate
//	append=true, existence unresolved → handled as non-existing
//	append=true, not existing         → offset 0 fresh write, offset>0 ErrInvalidResume
//	append=true, existing             → positioned at offset, remote smaller than offset ErrInvalidResume
//
// An existing object of unknown size trusts the offset.
func (s *Status) WriteWindow() (offset int64, truncate bool, err error) {
	if err := s.Validate(); err != nil {
		return 0, false, err
	}
	if !s.append {
		return 0, true, nil
	}
	if !s.resolved || !s.exists {
		if s.offset > 0 {
			return 0, false, remote.Errorf(remote.ErrInvalidResume, "write", "",
				"resume at offset %d but remote object does not exist", s.offset)
		}
		return 0, true, nil
	}
	if s.remoteSize >= 0 && s.remoteSize < s.offset {
		return 0, false, remote.Errorf(remote.ErrInvalidResume, "write", "",
			"resume at offset %d but remote object has %d bytes", s.offset, s.remoteSize)
	}
	return s.offset, false, nil
}

// ReadWindow returns the bytes to skip and the upper bound on bytes to deliver
// after the skip, -1 for unbounded.
func (s *Status) ReadWindow() (skip, length int64) {
	return s.skip, s.length
}

// AddTransferred adds n to the transferred counter and notifies listeners.
func (s *Status) AddTransferred(n int64) {
	if n == 0 {
		return
	}
	s.transferred.Add(n)
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	for _, l := range listeners {
		l(n)
	}
}

func (s *Status) Transferred() int64 { return s.transferred.Load() }

// Cancel asks the copier to stop before its next read.
func (s *Status) Cancel()          { s.canceled.Store(true) }
func (s *Status) IsCanceled() bool { return s.canceled.Load() }

// SetComplete marks the transfer finished.
func (s *Status) SetComplete()     { s.complete.Store(true) }
func (s *Status) IsComplete() bool { return s.complete.Load() }

func (s *Status) String() string {
	return fmt.Sprintf("status{length=%d offset=%d skip=%d append=%t exists=%t resolved=%t transferred=%d}",
		s.length, s.offset, s.skip, s.append, s.exists, s.resolved, s.Transferred())
}
