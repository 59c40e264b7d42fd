// Package archive reads archive and compressed files through a single
// forward-only decoder abstraction. It bundles format and filter detection,
// per-format entry walkers, the positioned Reader, an LRU pool of warm
// Readers, and the side buffers that convert short backward seeks into byte
// copies.
package archive

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// logger is the package-level logger for archive operations
var logger = slog.Default()

// SetLogger sets the logger for the archive package
func SetLogger(l *slog.Logger) {
	logger = l
}

// Format identifies the container format of an archive file.
type Format int

const (
	FormatRaw Format = iota // a bare compressed stream, no entry list
	FormatTar
	FormatZip
	FormatRar
	Format7z
	FormatCpio
	FormatAr
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatTar:
		return "tar"
	case FormatZip:
		return "zip"
	case FormatRar:
		return "rar"
	case Format7z:
		return "7z"
	case FormatCpio:
		return "cpio"
	case FormatAr:
		return "ar"
	}
	return "unknown"
}

// Filter identifies one decompression layer wrapped around the container.
type Filter int

const (
	FilterGzip Filter = iota
	FilterBzip2
	FilterXz
	FilterZstd
	FilterLz4
)

func (f Filter) String() string {
	switch f {
	case FilterGzip:
		return "gzip"
	case FilterBzip2:
		return "bzip2"
	case FilterXz:
		return "xz"
	case FilterZstd:
		return "zstd"
	case FilterLz4:
		return "lz4"
	}
	return "unknown"
}

// Desc describes one archive file for the lifetime of the process: where it
// is, what it is, and how to decode it.
type Desc struct {
	// Path is the canonicalised absolute path of the archive file. The
	// command line may give a relative name and the FUSE host may change
	// the working directory, so all opens go through this path.
	Path string

	// LogPath is the path as the user gave it, for log messages.
	LogPath string

	// Size is the archive file's size in bytes.
	Size int64

	// Format is the detected container format.
	Format Format

	// Filters is the detected decompression chain, outermost first.
	Filters []Filter

	// Password is the decryption passphrase, empty for none.
	Password string

	// InnerName names the sole entry of a raw archive: the basename of
	// Path minus its final dot suffix.
	InnerName string

	// Redact suppresses the archive path and entry pathnames in log
	// output.
	Redact bool
}

func (d *Desc) redactedPath() string {
	if d.Redact {
		return "(redacted)"
	}
	return d.LogPath
}

func (d *Desc) redactedName(name string) string {
	if d.Redact {
		return "(redacted)"
	}
	return name
}

// Raw reports whether the file is a bare compressed stream rather than a
// container with an entry list.
func (d *Desc) Raw() bool {
	return d.Format == FormatRaw
}

// InnerName returns the basename of path with the final dot suffix removed;
// "/foo/bar.ext0.ext1" yields "bar.ext0". A basename with no dot is returned
// unchanged.
func InnerName(path string) string {
	base := filepath.Base(path)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// Detect canonicalises path, opens the file and classifies it by magic
// bytes, peeling decompression filters to find the container inside.
// scratch, when non-nil, is used as the probe buffer for the outermost
// layer. A file with no recognisable container and no filter comes back as
// FormatRaw with no Filters; mounting such a file is refused later.
func Detect(path string, scratch []byte) (*Desc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	format, filters, err := sniff(f, scratch, 0)
	if err != nil {
		return nil, err
	}

	return &Desc{
		Path:      abs,
		LogPath:   path,
		Size:      info.Size(),
		Format:    format,
		Filters:   filters,
		InnerName: InnerName(abs),
	}, nil
}
