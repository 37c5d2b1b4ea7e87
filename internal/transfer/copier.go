package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jaywantadh/ferry/internal/remote"
)

// DefaultBufferSize is used when no buffer size is configured.
const DefaultBufferSize = 32 * 1024

type flusher interface {
	Flush() error
}

// Copier moves bytes from a source to a destination stream, updating the
// read and write Status after every buffer. It closes neither stream.
type Copier struct {
	read   *Status
	write  *Status
	offset int64
	limit  int64
	buffer int
}

// NewCopier returns a Copier reporting progress to read and write. Either may
// be nil.
func NewCopier(read, write *Status) *Copier {
	if read == nil {
		read = NewStatus()
	}
	if write == nil {
		write = NewStatus()
	}
	return &Copier{read: read, write: write, limit: -1, buffer: DefaultBufferSize}
}

// WithOffset skips n source bytes before copying.
func (c *Copier) WithOffset(n int64) *Copier {
	c.offset = n
	return c
}

// WithLimit copies at most n bytes, -1 for unbounded.
func (c *Copier) WithLimit(n int64) *Copier {
	c.limit = n
	return c
}

// WithBufferSize sets the size of the copy buffer.
func (c *Copier) WithBufferSize(n int) *Copier {
	if n > 0 {
		c.buffer = n
	}
	return c
}

func (c *Copier) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return remote.Wrap(remote.ErrInterrupted, "copy", "", err)
	}
	if c.read.IsCanceled() || c.write.IsCanceled() {
		return remote.Wrap(remote.ErrInterrupted, "copy", "", errors.New("transfer canceled"))
	}
	return nil
}

// Transfer copies from in to out and returns the number of bytes written.
// Cancellation is checked before every read and reported as ErrInterrupted.
func (c *Copier) Transfer(ctx context.Context, in io.Reader, out io.Writer) (int64, error) {
	if c.offset > 0 {
		if err := c.skip(ctx, in); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, c.buffer)
	var written int64
	for {
		if err := c.interrupted(ctx); err != nil {
			return written, err
		}
		want := int64(len(buf))
		if c.limit >= 0 {
			remaining := c.limit - written
			if remaining <= 0 {
				break
			}
			if remaining < want {
				want = remaining
			}
		}

		n, rerr := in.Read(buf[:want])
		if n > 0 {
			w, werr := out.Write(buf[:n])
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if w > 0 {
				written += int64(w)
			}
			if werr != nil {
				c.add(int64(w))
				return written, fmt.Errorf("failed to write: %w", werr)
			}
			if f, ok := out.(flusher); ok {
				if err := f.Flush(); err != nil {
					c.add(int64(w))
					return written, fmt.Errorf("failed to flush: %w", err)
				}
			}
			c.add(int64(w))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read: %w", rerr)
		}
	}
	return written, nil
}

func (c *Copier) add(n int64) {
	c.read.AddTransferred(n)
	c.write.AddTransferred(n)
}

func (c *Copier) skip(ctx context.Context, in io.Reader) error {
	if s, ok := in.(io.Seeker); ok {
		if seeked, err := c.seek(s); seeked {
			return err
		}
	}
	buf := make([]byte, c.buffer)
	var skipped int64
	for skipped < c.offset {
		if err := c.interrupted(ctx); err != nil {
			return err
		}
		n, err := io.ReadFull(in, buf[:min(int64(len(buf)), c.offset-skipped)])
		skipped += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return remote.Errorf(remote.ErrInvalidResume, "copy", "", "source ended after %d of %d skipped bytes", skipped, c.offset)
		}
		if err != nil {
			return fmt.Errorf("failed to skip %d bytes: %w", c.offset, err)
		}
	}
	return nil
}

// seek moves s past the offset. It reports false when s cannot seek after
// all, leaving its position alone.
func (c *Copier) seek(s io.Seeker) (bool, error) {
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, nil
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return false, nil
	}
	if pos+c.offset > end {
		s.Seek(pos, io.SeekStart)
		return true, remote.Errorf(remote.ErrInvalidResume, "copy", "", "cannot skip %d bytes, only %d left", c.offset, end-pos)
	}
	if _, err := s.Seek(pos+c.offset, io.SeekStart); err != nil {
		return true, fmt.Errorf("failed to skip %d bytes: %w", c.offset, err)
	}
	return true, nil
}
