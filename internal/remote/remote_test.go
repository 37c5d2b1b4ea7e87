package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathNormalization(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"a/b", "/a/b"},
		{"/a/b/", "/a/b"},
		{"/a/./b/../c", "/a/c"},
		{"\\a\\b", "/a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewPath(tt.in, TypeFile).Abs(), "input %q", tt.in)
	}
}

func TestPathParentAndName(t *testing.T) {
	p := NewPath("/my/documentroot/f", TypeFile)
	assert.Equal(t, "f", p.Name())
	assert.Equal(t, "/my/documentroot", p.Parent().Abs())
	assert.True(t, p.Parent().IsDirectory())

	root := NewPath("/", TypeDirectory)
	assert.True(t, root.Parent().Equal(root))
	assert.Equal(t, "/", root.Name())

	child := Child(p.Parent(), "g", TypeFile)
	assert.Equal(t, "/my/documentroot/g", child.Abs())
	assert.True(t, child.IsChildOf(p.Parent()))
	assert.True(t, child.IsChildOf(root))
	assert.False(t, NewPath("/my/documentrootx", TypeFile).IsChildOf(p.Parent()))
}

func TestPathEqualityIgnoresType(t *testing.T) {
	a := NewPath("/x", TypeFile)
	b := NewPath("/x/", TypeDirectory).WithAttributes(Attributes{Size: 3})
	assert.True(t, a.Equal(b))
}

func TestListLookup(t *testing.T) {
	f := NewPath("/d/f", TypeFile).WithAttributes(Attributes{Size: 4})
	l := NewList(NewPath("/d/a", TypeFile), f)

	got, ok := l.Get(NewPath("/d/f", TypeFile))
	require.True(t, ok)
	assert.Equal(t, int64(4), got.Attributes().Size)
	assert.False(t, l.Contains(NewPath("/d/g", TypeFile)))
	assert.Equal(t, 2, l.Len())
}

func TestParseHost(t *testing.T) {
	h, err := ParseHost("sftp://u:p@example.net:2222/home/u")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSFTP, h.Protocol())
	assert.Equal(t, "example.net", h.Hostname())
	assert.Equal(t, 2222, h.Port())
	assert.Equal(t, "u", h.Credentials().Username())
	assert.Equal(t, "p", h.Credentials().Secret())
	assert.Equal(t, "/home/u", h.DefaultPath())
	assert.Equal(t, "example.net:2222", h.Address())

	h, err = ParseHost("ftp://example.net")
	require.NoError(t, err)
	assert.Equal(t, 21, h.Port())
	assert.True(t, h.Credentials().IsAnonymous())

	h, err = ParseHost("irods://rods@data.example.net/tempZone/home/rods")
	require.NoError(t, err)
	assert.Equal(t, ProtocolIRODS, h.Protocol())
	assert.Equal(t, 1247, h.Port())

	_, err = ParseHost("gopher://example.net")
	assert.Error(t, err)
}

func TestHostURL(t *testing.T) {
	h := NewHost(ProtocolSFTP, "example.net", NewCredentials("u", "secret"))
	assert.Equal(t, "sftp://u@example.net/my/documentroot/f", h.URL(NewPath("/my/documentroot/f", TypeFile)))

	h = NewHost(ProtocolDAV, "example.net", Credentials{}, WithPort(8080))
	assert.Equal(t, "dav://example.net:8080/a", h.URL(NewPath("/a", TypeFile)))
}

func TestCredentialsRedacted(t *testing.T) {
	c := NewCredentials("u", "hunter2")
	assert.NotContains(t, c.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v %#v", c, c), "hunter2")
	assert.Equal(t, "hunter2", c.Secret())
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("550 no such file")
	err := Wrap(ErrNotFound, "read", "/a", cause)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, ErrNotFound, KindOf(fmt.Errorf("outer: %w", err)))
	assert.Contains(t, err.Error(), "/a")
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, Translate("op", "/a", nil))
	assert.ErrorIs(t, Translate("op", "/a", os.ErrNotExist), ErrNotFound)
	assert.ErrorIs(t, Translate("op", "/a", os.ErrPermission), ErrAccessDenied)
	assert.ErrorIs(t, Translate("op", "/a", context.Canceled), ErrInterrupted)
	assert.ErrorIs(t, Translate("op", "/a", context.DeadlineExceeded), ErrConnectionTimeout)
	assert.True(t, IsRetryable(Translate("op", "/a", context.DeadlineExceeded)))

	classified := Wrap(ErrUnsupported, "write", "/a", nil)
	assert.Same(t, classified, Translate("op", "/b", classified))

	plain := errors.New("boom")
	assert.Equal(t, plain, Translate("op", "/a", plain))
	assert.Nil(t, KindOf(plain))
}
