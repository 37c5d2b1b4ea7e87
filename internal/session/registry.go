package session

import (
	"context"
	"io"

	"github.com/jaywantadh/ferry/internal/feature"
	"github.com/jaywantadh/ferry/internal/metrics"
	"github.com/jaywantadh/ferry/internal/remote"
	"github.com/jaywantadh/ferry/internal/transport"
)

// Feature returns the implementation of kind: the client's native one when
// it provides it, the generic one otherwise. Resolutions are cached once a
// client exists. It never returns nil.
func (s *Session) Feature(kind feature.Kind) any {
	s.mu.Lock()
	if impl, ok := s.features[kind]; ok {
		s.mu.Unlock()
		return impl
	}
	client := s.client
	s.mu.Unlock()

	var impl any
	native := false
	if p, ok := client.(feature.Provider); ok {
		if candidate, ok := p.Feature(kind, s); ok && feature.Valid(kind, candidate) {
			impl, native = candidate, true
		}
	}
	if impl == nil {
		impl = feature.Default(kind, s)
	}
	if client == nil {
		return impl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.features[kind]; ok {
		return existing
	}
	if s.client != client {
		return impl
	}
	s.features[kind] = impl
	metrics.RecordFeature(s.protocol(), kind.String(), native)
	s.log.WithField("kind", kind.String()).WithField("native", native).Debug("resolved feature")
	return impl
}

func (s *Session) Read() feature.Read     { return s.Feature(feature.KindRead).(feature.Read) }
func (s *Session) Write() feature.Write   { return s.Feature(feature.KindWrite).(feature.Write) }
func (s *Session) Delete() feature.Delete { return s.Feature(feature.KindDelete).(feature.Delete) }
func (s *Session) Find() feature.Find     { return s.Feature(feature.KindFind).(feature.Find) }
func (s *Session) Touch() feature.Touch   { return s.Feature(feature.KindTouch).(feature.Touch) }
func (s *Session) Copy() feature.Copy     { return s.Feature(feature.KindCopy).(feature.Copy) }
func (s *Session) Home() feature.Home     { return s.Feature(feature.KindHome).(feature.Home) }

func (s *Session) Compress() feature.Compress {
	return s.Feature(feature.KindCompress).(feature.Compress)
}

func (s *Session) Attributes() feature.Attributes {
	return s.Feature(feature.KindAttributes).(feature.Attributes)
}

// closedClient stands in for the transport of a session that has none.
type closedClient struct {
	state State
}

func (c closedClient) err(op string, p remote.Path) error {
	return remote.Errorf(remote.ErrIllegalState, op, p.Abs(), "session is %s", c.state)
}

func (c closedClient) Connect(context.Context, transport.HostKeyVerifier, transport.Transcript) error {
	return c.err("connect", remote.Path{})
}

func (c closedClient) Authenticate(context.Context, remote.Credentials) error {
	return c.err("authenticate", remote.Path{})
}

func (c closedClient) Stat(_ context.Context, p remote.Path) (remote.Attributes, error) {
	return remote.Attributes{}, c.err("stat", p)
}

func (c closedClient) List(_ context.Context, p remote.Path) (remote.List, error) {
	return remote.List{}, c.err("list", p)
}

func (c closedClient) OpenRead(_ context.Context, p remote.Path, _ int64) (io.ReadCloser, error) {
	return nil, c.err("read", p)
}

func (c closedClient) OpenWrite(_ context.Context, p remote.Path, _ transport.WriteOptions) (io.WriteCloser, error) {
	return nil, c.err("write", p)
}

func (c closedClient) Delete(_ context.Context, p remote.Path) error { return c.err("delete", p) }
func (c closedClient) Mkdir(_ context.Context, p remote.Path) error  { return c.err("mkdir", p) }

func (c closedClient) Rename(_ context.Context, from, _ remote.Path) error {
	return c.err("rename", from)
}

func (c closedClient) Close() error { return nil }
