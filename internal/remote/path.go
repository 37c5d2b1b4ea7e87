package remote

import (
	"os"
	"path"
	"strings"
	"time"
)

// PathType classifies a remote entry.
type PathType uint8

const (
	TypeFile PathType = iota
	TypeDirectory
	TypeSymlink
)

func (t PathType) String() string {
	switch t {
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	}
	return "file"
}

// Attributes are the metadata a listing or stat returns for an entry.
type Attributes struct {
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

// Path is an absolute remote path with its type. Its parent is derived from
// the path string; there is no pointer back to a parent value.
type Path struct {
	abs   string
	typ   PathType
	attrs Attributes
}

// NewPath normalizes abs (leading slash, no trailing slash, no dot segments).
func NewPath(abs string, typ PathType) Path {
	return Path{abs: Normalize(abs), typ: typ}
}

// Child returns the entry name inside directory parent.
func Child(parent Path, name string, typ PathType) Path {
	return NewPath(path.Join(parent.abs, name), typ)
}

// Normalize cleans p into an absolute slash separated path.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func (p Path) Abs() string            { return p.abs }
func (p Path) Type() PathType         { return p.typ }
func (p Path) Attributes() Attributes { return p.attrs }
func (p Path) IsFile() bool           { return p.typ == TypeFile }
func (p Path) IsDirectory() bool      { return p.typ == TypeDirectory }
func (p Path) IsSymlink() bool        { return p.typ == TypeSymlink }
func (p Path) IsRoot() bool           { return p.abs == "/" }

// Name returns the last element, "/" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return "/"
	}
	return path.Base(p.abs)
}

// Parent returns the containing directory. The root is its own parent.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	return Path{abs: path.Dir(p.abs), typ: TypeDirectory}
}

// Equal compares normalized absolute paths; type and attributes are ignored.
func (p Path) Equal(o Path) bool { return p.abs == o.abs }

// WithAttributes returns a copy carrying attrs.
func (p Path) WithAttributes(attrs Attributes) Path {
	p.attrs = attrs
	return p
}

// WithType returns a copy with the entry type replaced.
func (p Path) WithType(typ PathType) Path {
	p.typ = typ
	return p
}

// IsChildOf reports whether p lies strictly below dir.
func (p Path) IsChildOf(dir Path) bool {
	if dir.IsRoot() {
		return !p.IsRoot()
	}
	return strings.HasPrefix(p.abs, dir.abs+"/")
}

func (p Path) String() string { return p.abs }

// List is an ordered directory listing.
type List struct {
	items []Path
}

// NewList returns a listing of items in the given order.
func NewList(items ...Path) List {
	return List{items: items}
}

func (l List) Items() []Path { return l.items }
func (l List) Len() int      { return len(l.items) }

// Get returns the listed entry equal to p.
func (l List) Get(p Path) (Path, bool) {
	for _, item := range l.items {
		if item.Equal(p) {
			return item, true
		}
	}
	return Path{}, false
}

// Contains reports whether p is listed.
func (l List) Contains(p Path) bool {
	_, ok := l.Get(p)
	return ok
}
