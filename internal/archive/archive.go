// Package archive knows the supported archive formats: how archives are named,
// the shell commands that build them on a remote host and a local codec.
package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/jaywantadh/ferry/internal/remote"
)

// Format identifies the container and compression of an archive.
type Format int

const (
	FormatTar Format = iota
	FormatTarGz
	FormatTarLz4
	FormatZip
)

// Archive is one known archive kind.
type Archive struct {
	name   string
	ext    string
	format Format
	create string
	expand string
}

var (
	Tar    = Archive{"tar", "tar", FormatTar, "tar -cpf {archive} {files}", "tar -xpf {archive}"}
	TarGz  = Archive{"tar.gz", "tar.gz", FormatTarGz, "tar -czpf {archive} {files}", "tar -xzpf {archive}"}
	Tgz    = Archive{"tgz", "tgz", FormatTarGz, "tar -czpf {archive} {files}", "tar -xzpf {archive}"}
	TarLz4 = Archive{"tar.lz4", "tar.lz4", FormatTarLz4, "tar -cpf - {files} | lz4 -q -z -f - {archive}", "lz4 -q -d -c {archive} | tar -xpf -"}
	Zip    = Archive{"zip", "zip", FormatZip, "zip -qr {archive} {files}", "unzip -qo {archive}"}
)

// DefaultName is the archive base name when several files are archived.
const DefaultName = "Archive"

// Known returns every supported archive.
func Known() []Archive {
	return []Archive{Tar, TarGz, Tgz, TarLz4, Zip}
}

// ByName looks up an archive by its name, e.g. "tar.gz".
func ByName(name string) (Archive, bool) {
	for _, a := range Known() {
		if strings.EqualFold(a.name, name) {
			return a, true
		}
	}
	return Archive{}, false
}

// ForFile returns the archive matching the extension of filename.
func ForFile(filename string) (Archive, bool) {
	lower := strings.ToLower(filename)
	var match Archive
	found := false
	for _, a := range Known() {
		if strings.HasSuffix(lower, "."+a.ext) && len(a.ext) > len(match.ext) {
			match, found = a, true
		}
	}
	return match, found
}

func (a Archive) Name() string   { return a.name }
func (a Archive) Ext() string    { return a.ext }
func (a Archive) Format() Format { return a.format }
func (a Archive) String() string { return a.name }

// Path names the archive built from files: <dir>/<name>.<ext> for a single
// file, <dir>/Archive.<ext> otherwise, dir being the parent of the first file.
func (a Archive) Path(files []remote.Path) remote.Path {
	if len(files) == 0 {
		return remote.NewPath("/"+DefaultName+"."+a.ext, remote.TypeFile)
	}
	parent := files[0].Parent()
	name := DefaultName
	if len(files) == 1 {
		name = files[0].Name()
	}
	return remote.Child(parent, name+"."+a.ext, remote.TypeFile)
}

// Expanded returns the directory an archive expands into.
func (a Archive) Expanded(archive remote.Path) remote.Path {
	return archive.Parent()
}

// Entry returns the name of file relative to workdir, or its absolute path
// when it lies outside.
func Entry(workdir, file remote.Path) string {
	if file.IsChildOf(workdir) {
		rel := strings.TrimPrefix(file.Abs(), workdir.Abs())
		return strings.TrimPrefix(rel, "/")
	}
	return file.Abs()
}

// CompressCommand returns the shell command that archives files below
// workdir on a POSIX host.
func (a Archive) CompressCommand(workdir remote.Path, files []remote.Path) string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, Quote(Entry(workdir, f)))
	}
	cmd := strings.NewReplacer(
		"{archive}", Quote(Entry(workdir, a.Path(files))),
		"{files}", strings.Join(names, " "),
	).Replace(a.create)
	return fmt.Sprintf("cd %s && %s", Quote(workdir.Abs()), cmd)
}

// DecompressCommand returns the shell command that expands archive next to
// itself on a POSIX host.
func (a Archive) DecompressCommand(archive remote.Path) string {
	cmd := strings.ReplaceAll(a.expand, "{archive}", Quote(archive.Name()))
	return fmt.Sprintf("cd %s && %s", Quote(a.Expanded(archive).Abs()), cmd)
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Clean validates an entry name read from an archive and returns it relative
// to the extraction directory.
func Clean(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return cleaned, nil
}
