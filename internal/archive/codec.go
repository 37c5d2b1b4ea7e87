package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
)

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tgz": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// ShouldSkipCompression reports whether name is already compressed media that
// is stored rather than deflated.
func ShouldSkipCompression(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return skipExtensions[ext]
}

// Create writes an archive of names, relative to baseDir on fsys, to w.
// Directories are added recursively.
func (a Archive) Create(fsys afero.Fs, baseDir string, names []string, w io.Writer) error {
	switch a.format {
	case FormatZip:
		return createZip(fsys, baseDir, names, w)
	case FormatTarGz:
		gz := gzip.NewWriter(w)
		if err := createTar(fsys, baseDir, names, gz); err != nil {
			return err
		}
		return gz.Close()
	case FormatTarLz4:
		zw := lz4.NewWriter(w)
		if err := createTar(fsys, baseDir, names, zw); err != nil {
			return err
		}
		return zw.Close()
	default:
		return createTar(fsys, baseDir, names, w)
	}
}

// Extract expands the archive read from r into destDir on fsys and returns
// the extracted entry names. Entries escaping destDir are rejected.
func (a Archive) Extract(fsys afero.Fs, r io.Reader, destDir string) ([]string, error) {
	switch a.format {
	case FormatZip:
		return extractZip(fsys, r, destDir)
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		return extractTar(fsys, gz, destDir)
	case FormatTarLz4:
		return extractTar(fsys, lz4.NewReader(r), destDir)
	default:
		return extractTar(fsys, r, destDir)
	}
}

type walkFunc func(rel string, info os.FileInfo) error

func walk(fsys afero.Fs, baseDir string, names []string, fn walkFunc) error {
	for _, name := range names {
		root := filepath.Join(baseDir, filepath.FromSlash(name))
		err := afero.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(baseDir, p)
			if err != nil {
				return err
			}
			return fn(filepath.ToSlash(rel), info)
		})
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}
	return nil
}

func createTar(fsys afero.Fs, baseDir string, names []string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := walk(fsys, baseDir, names, func(rel string, info os.FileInfo) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(fsys, filepath.Join(baseDir, filepath.FromSlash(rel)), tw)
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func createZip(fsys afero.Fs, baseDir string, names []string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := walk(fsys, baseDir, names, func(rel string, info os.FileInfo) error {
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
			hdr.Method = zip.Store
		} else if ShouldSkipCompression(rel) {
			hdr.Method = zip.Store
		} else {
			hdr.Method = zip.Deflate
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(fsys, filepath.Join(baseDir, filepath.FromSlash(rel)), fw)
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func copyFile(fsys afero.Fs, name string, w io.Writer) error {
	f, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func extractTar(fsys afero.Fs, r io.Reader, destDir string) ([]string, error) {
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("failed to read tar entry: %w", err)
		}
		rel, err := Clean(hdr.Name)
		if err != nil {
			return names, err
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return names, err
			}
		case tar.TypeReg:
			if err := writeFile(fsys, target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return names, err
			}
		default:
			continue
		}
		names = append(names, rel)
	}
}

func extractZip(fsys afero.Fs, r io.Reader, destDir string) ([]string, error) {
	// zip needs random access to its central directory
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read zip archive: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	var names []string
	for _, f := range zr.File {
		rel, err := Clean(f.Name)
		if err != nil {
			return names, err
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return names, err
			}
			names = append(names, rel)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return names, err
		}
		err = writeFile(fsys, target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return names, err
		}
		names = append(names, rel)
	}
	return names, nil
}

func writeFile(fsys afero.Fs, target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := fsys.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}
	return f.Close()
}
