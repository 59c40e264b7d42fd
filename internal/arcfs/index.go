// Package arcfs mounts a single archive or compressed file as a read-only
// FUSE filesystem. The archive is scanned once up front into an in-memory
// directory tree; after that every stat and readdir is answered from the
// tree, and file reads are served by a pool of forward-only decoders helped
// along by a small side-buffer cache.
package arcfs

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"syscall"

	"github.com/yamatt/arcfs/internal/archive"
	"github.com/yamatt/arcfs/internal/fstree"
)

// logger is the package-level logger for arcfs operations
var logger = slog.Default()

// SetLogger sets the logger for the arcfs package and its helpers
func SetLogger(l *slog.Logger) {
	logger = l
	archive.SetLogger(l)
	fstree.SetLogger(l)
}

// Options configures a mount.
type Options struct {
	// ArchivePath is the archive file, as given on the command line.
	ArchivePath string

	// MountPoint is the directory to mount at.
	MountPoint string

	// Password is the decryption passphrase, empty for none.
	Password string

	// Quiet suppresses progress reporting.
	Quiet bool

	// Redact replaces the archive path and entry pathnames in log
	// output.
	Redact bool

	// UID and GID are reported as the owner of every inode.
	UID uint32
	GID uint32

	// FuseOptions are passed through to the FUSE mount verbatim.
	FuseOptions []string

	// Debug enables FUSE protocol tracing.
	Debug bool
}

// Index is the outcome of the probe stage: an opened, classified archive
// positioned at its first non-directory entry, ready to be built into a
// tree. Splitting probe from build lets the process report a meaningful
// exit code for unreadable or encrypted archives before any mountpoint
// exists.
type Index struct {
	Desc *archive.Desc
	Tree *fstree.Tree

	bufs     *archive.SideBuffers
	walker   archive.Walker
	progress *progressReporter

	// index is the entry index of current.
	index   int64
	current *archive.Header

	// probeConsumed is how many bytes the encryption probe read from
	// the first entry's content.
	probeConsumed int64
}

// Probe opens and classifies the archive and scans forward to the first
// non-directory entry, detecting empty, raw and encrypted archives. All
// failures carry a *MountError exit code.
func Probe(o Options) (*Index, error) {
	bufs := archive.NewSideBuffers()

	desc, err := archive.Detect(o.ArchivePath, bufs.Data(archive.StagingBuffer))
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, &MountError{Code: ExitCannotOpenArchive, Err: err}
		}
		return nil, &MountError{Code: ExitInvalidArchiveHeader, Err: err}
	}
	desc.Password = o.Password
	desc.Redact = o.Redact

	ix := &Index{
		Desc:     desc,
		Tree:     fstree.New(),
		bufs:     bufs,
		progress: newProgressReporter(o.Quiet),
		index:    -1,
	}
	ix.Tree.Redact = o.Redact

	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, &MountError{Code: ExitCannotOpenArchive, Err: err}
	}
	counting := archive.NewCountingFile(f, desc.Size)
	counting.Progress = ix.progress.update

	w, err := archive.NewWalker(desc, counting)
	if err != nil {
		if code := classifyContentsError(err); code != ExitInvalidArchiveContents {
			return nil, &MountError{Code: code, Err: err}
		}
		logger.Error("invalid archive", "archive", ix.redactPath(), "error", err)
		return nil, &MountError{Code: ExitInvalidArchiveHeader, Err: err}
	}
	ix.walker = w

	// Scan headers past pure-directory entries. An archive with no
	// other entries mounts as just the root.
	for {
		hdr, err := w.Next()
		if err == io.EOF {
			return ix, nil
		}
		if err != nil {
			logger.Error("invalid archive", "archive", ix.redactPath(), "error", err)
			ix.close()
			return nil, &MountError{Code: ExitInvalidArchiveHeader, Err: err}
		}
		ix.index++
		if hdr.IsDir() {
			continue
		}
		ix.current = hdr
		break
	}

	if desc.Raw() {
		// A raw archive must have at least one decompression filter;
		// without one this is an arbitrary binary file, not something
		// to mount.
		if len(desc.Filters) == 0 {
			logger.Error("invalid raw archive", "archive", ix.redactPath())
			ix.close()
			return nil, mountErr(ExitInvalidRawArchive, "invalid raw archive %s", desc.Path)
		}
		return ix, nil
	}

	// Reading the first byte of the first entry reveals whether a
	// passphrase is needed.
	n, err := w.Read(ix.bufs.Data(archive.SinkBuffer)[:1])
	ix.probeConsumed = int64(n)
	if err != nil && err != io.EOF {
		logger.Error("could not read archive entry", "archive", ix.redactPath(), "error", err)
		code := classifyContentsError(err)
		ix.close()
		return nil, &MountError{Code: code, Err: err}
	}
	return ix, nil
}

// Build walks the remaining entries into the tree, resuming from the entry
// the probe already read without re-reading its header. It closes the
// archive descriptor afterwards; serving reads opens fresh ones.
func (ix *Index) Build() error {
	defer ix.close()

	hdr := ix.current
	for hdr != nil {
		if !hdr.IsDir() {
			if err := ix.insertEntry(hdr); err != nil {
				return err
			}
		}
		ix.probeConsumed = 0

		next, err := ix.walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Error("invalid archive", "archive", ix.redactPath(), "error", err)
			return mountErr(ExitGenericFailure, "invalid archive %s: %w", ix.Desc.Path, err)
		}
		ix.index++
		hdr = next
	}

	ix.progress.finish()
	return nil
}

func (ix *Index) insertEntry(hdr *archive.Header) error {
	name := hdr.Name
	if ix.Desc.Raw() && ix.Desc.InnerName != "" && name == "data" {
		name = ix.Desc.InnerName
	}
	pathname, ok := fstree.Normalize(name)
	if !ok {
		logger.Error("invalid pathname in archive",
			"archive", ix.redactPath(), "path", ix.redactName(hdr.Name))
		return nil
	}

	switch hdr.Mode & syscall.S_IFMT {
	case syscall.S_IFREG, syscall.S_IFLNK:
	default:
		logger.Error("irregular file type in archive",
			"archive", ix.redactPath(), "path", ix.redactName(pathname))
		return nil
	}

	if hdr.Mode&syscall.S_IFMT == syscall.S_IFLNK && hdr.Linkname == "" {
		logger.Error("empty link in archive",
			"archive", ix.redactPath(), "path", ix.redactName(pathname))
		return nil
	}

	size := hdr.Size
	if !hdr.SizeKnown {
		// The format does not record the decompressed size; find out
		// by decompressing the entry into the sink buffer.
		size = ix.probeConsumed
		sink := ix.bufs.Data(archive.SinkBuffer)
		for {
			n, err := ix.walker.Read(sink)
			size += int64(n)
			if err == io.EOF {
				break
			}
			if err != nil {
				logger.Error("could not decompress archive",
					"archive", ix.redactPath(), "error", err)
				return mountErr(ExitGenericFailure, "could not decompress %s: %w", ix.Desc.Path, err)
			}
			if n == 0 {
				break
			}
		}
	}

	return ix.Tree.InsertLeaf(pathname, hdr.Linkname, ix.index, size, hdr.ModTime, hdr.Mode)
}

func (ix *Index) close() {
	if ix.walker != nil {
		_ = ix.walker.Close()
		ix.walker = nil
	}
}

func (ix *Index) redactPath() string {
	if ix.Desc.Redact {
		return "(redacted)"
	}
	return ix.Desc.LogPath
}

func (ix *Index) redactName(name string) string {
	if ix.Desc.Redact {
		return "(redacted)"
	}
	return name
}
