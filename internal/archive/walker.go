package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"syscall"
	"time"

	"github.com/blakesmith/ar"
	"github.com/bodgit/sevenzip"
	"github.com/cavaliergopher/cpio"
	"github.com/nwaples/rardecode/v2"
	"github.com/yeka/zip"
)

// Header describes one archive entry as it comes off the header stream.
type Header struct {
	// Name is the entry's pathname as recorded in the archive.
	Name string

	// Linkname is the symlink target, empty for non-symlinks.
	Linkname string

	// Size is the entry's decompressed size in bytes. Only meaningful
	// when SizeKnown is true; raw streams and some formats do not record
	// it in the header.
	Size int64

	// SizeKnown reports whether Size was set by the format.
	SizeKnown bool

	// Mode holds POSIX file-type and permission bits. A zero file type
	// marks entries the filesystem cannot represent (hardlinks, pax
	// metadata records).
	Mode uint32

	// ModTime is the entry's modification time.
	ModTime time.Time
}

// IsDir reports whether the header describes a directory.
func (h *Header) IsDir() bool {
	return h.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// Walker iterates an archive's entries strictly forward: Next moves to the
// following header, Read drains the current entry's decompressed bytes.
type Walker interface {
	Next() (*Header, error)
	Read(p []byte) (int, error)
	Close() error
}

// File is the open archive file a Walker decodes from. Each Walker owns its
// File and closes it.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// NewWalker constructs the Walker matching the descriptor's detected format
// and filter chain, positioned before the first entry. It takes ownership
// of f.
func NewWalker(d *Desc, f File) (Walker, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	switch d.Format {
	case FormatZip:
		zr, err := zip.NewReader(f, d.Size)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zip: %w", err)
		}
		return &zipWalker{files: zr.File, password: d.Password, file: f}, nil

	case Format7z:
		zr, err := sevenzip.NewReaderWithPassword(f, d.Size, d.Password)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &sevenZipWalker{files: zr.File, file: f}, nil

	case FormatRar:
		var opts []rardecode.Option
		if d.Password != "" {
			opts = append(opts, rardecode.Password(d.Password))
		}
		rr, err := rardecode.NewReader(f, opts...)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &rarWalker{rr: rr, file: f}, nil
	}

	r, closers, err := openFilterChain(f, d.Filters)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	switch d.Format {
	case FormatTar:
		return &tarWalker{tr: tar.NewReader(r), file: f, closers: closers}, nil
	case FormatCpio:
		return &cpioWalker{cr: cpio.NewReader(r), file: f, closers: closers}, nil
	case FormatAr:
		return &arWalker{ar: ar.NewReader(r), file: f, closers: closers}, nil
	case FormatRaw:
		return &rawWalker{r: r, file: f, closers: closers}, nil
	}

	closeAll(closers)
	_ = f.Close()
	return nil, fmt.Errorf("unsupported archive format %q", d.Format)
}

// unixMode converts an fs.FileMode to POSIX type and permission bits.
func unixMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		bits |= syscall.S_IFLNK
	case m&fs.ModeCharDevice != 0:
		bits |= syscall.S_IFCHR
	case m&fs.ModeDevice != 0:
		bits |= syscall.S_IFBLK
	case m&fs.ModeNamedPipe != 0:
		bits |= syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		bits |= syscall.S_IFSOCK
	default:
		bits |= syscall.S_IFREG
	}
	return bits
}

// ---- tar

type tarWalker struct {
	tr      *tar.Reader
	file    File
	closers []io.Closer
}

func (w *tarWalker) Next() (*Header, error) {
	hdr, err := w.tr.Next()
	if err != nil {
		return nil, err
	}

	h := &Header{
		Name:      hdr.Name,
		Size:      hdr.Size,
		SizeKnown: true,
		ModTime:   hdr.ModTime,
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		h.Mode = unixMode(hdr.FileInfo().Mode())
	case tar.TypeDir:
		h.Mode = unixMode(hdr.FileInfo().Mode())
	case tar.TypeSymlink:
		h.Mode = uint32(hdr.FileInfo().Mode().Perm()) | syscall.S_IFLNK
		h.Linkname = hdr.Linkname
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		h.Mode = unixMode(hdr.FileInfo().Mode())
	default:
		// Hardlinks and pax metadata records have no place in the
		// tree; Mode 0 makes the indexing pass skip them.
		h.Mode = 0
	}
	return h, nil
}

func (w *tarWalker) Read(p []byte) (int, error) {
	return w.tr.Read(p)
}

func (w *tarWalker) Close() error {
	closeAll(w.closers)
	return w.file.Close()
}

// ---- zip

type zipWalker struct {
	files    []*zip.File
	password string
	file     File
	i        int
	cur      io.ReadCloser
}

func (w *zipWalker) Next() (*Header, error) {
	if w.cur != nil {
		_ = w.cur.Close()
		w.cur = nil
	}
	if w.i >= len(w.files) {
		return nil, io.EOF
	}
	f := w.files[w.i]
	w.i++

	mode := f.Mode()
	h := &Header{
		Name:      f.Name,
		Size:      int64(f.UncompressedSize64),
		SizeKnown: true,
		Mode:      unixMode(mode),
		ModTime:   f.ModTime(),
	}
	if mode&fs.ModeSymlink != 0 {
		target, err := w.readAll(f)
		if err != nil {
			return nil, err
		}
		h.Linkname = string(target)
	}
	return h, nil
}

func (w *zipWalker) open(f *zip.File) (io.ReadCloser, error) {
	if f.IsEncrypted() {
		if w.password == "" {
			return nil, errors.New("passphrase required for zip entry")
		}
		f.SetPassword(w.password)
	}
	return f.Open()
}

func (w *zipWalker) readAll(f *zip.File) ([]byte, error) {
	rc, err := w.open(f)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

func (w *zipWalker) Read(p []byte) (int, error) {
	if w.i == 0 {
		return 0, errors.New("zip: read before first entry")
	}
	if w.cur == nil {
		rc, err := w.open(w.files[w.i-1])
		if err != nil {
			return 0, err
		}
		w.cur = rc
	}
	return w.cur.Read(p)
}

func (w *zipWalker) Close() error {
	if w.cur != nil {
		_ = w.cur.Close()
	}
	return w.file.Close()
}

// ---- 7z

type sevenZipWalker struct {
	files []*sevenzip.File
	file  File
	i     int
	cur   io.ReadCloser
}

func (w *sevenZipWalker) Next() (*Header, error) {
	if w.cur != nil {
		_ = w.cur.Close()
		w.cur = nil
	}
	if w.i >= len(w.files) {
		return nil, io.EOF
	}
	f := w.files[w.i]
	w.i++

	info := f.FileInfo()
	h := &Header{
		Name:      f.Name,
		Size:      info.Size(),
		SizeKnown: true,
		Mode:      unixMode(info.Mode()),
		ModTime:   f.Modified,
	}
	return h, nil
}

func (w *sevenZipWalker) Read(p []byte) (int, error) {
	if w.i == 0 {
		return 0, errors.New("7z: read before first entry")
	}
	if w.cur == nil {
		rc, err := w.files[w.i-1].Open()
		if err != nil {
			return 0, err
		}
		w.cur = rc
	}
	return w.cur.Read(p)
}

func (w *sevenZipWalker) Close() error {
	if w.cur != nil {
		_ = w.cur.Close()
	}
	return w.file.Close()
}

// ---- rar

type rarWalker struct {
	rr   *rardecode.Reader
	file File
}

func (w *rarWalker) Next() (*Header, error) {
	hdr, err := w.rr.Next()
	if err != nil {
		return nil, err
	}

	h := &Header{
		Name:      hdr.Name,
		Size:      hdr.UnPackedSize,
		SizeKnown: hdr.UnPackedSize >= 0,
		ModTime:   hdr.ModificationTime,
	}
	if hdr.IsDir {
		h.Mode = syscall.S_IFDIR | 0o755
	} else {
		h.Mode = syscall.S_IFREG | 0o644
	}
	return h, nil
}

func (w *rarWalker) Read(p []byte) (int, error) {
	return w.rr.Read(p)
}

func (w *rarWalker) Close() error {
	return w.file.Close()
}

// ---- cpio

type cpioWalker struct {
	cr      *cpio.Reader
	file    File
	closers []io.Closer
}

func (w *cpioWalker) Next() (*Header, error) {
	hdr, err := w.cr.Next()
	if err != nil {
		return nil, err
	}

	perm := uint32(hdr.Mode & cpio.ModePerm)
	h := &Header{
		Name:      hdr.Name,
		Size:      hdr.Size,
		SizeKnown: true,
		ModTime:   hdr.ModTime,
	}
	switch hdr.Mode & syscall.S_IFMT {
	case cpio.TypeDir:
		h.Mode = perm | syscall.S_IFDIR
	case cpio.TypeSymlink:
		h.Mode = perm | syscall.S_IFLNK
		h.Linkname = hdr.Linkname
		if h.Linkname == "" && hdr.Size > 0 {
			// The newc format stores the target as the entry body.
			target := make([]byte, hdr.Size)
			if _, err := io.ReadFull(w.cr, target); err != nil {
				return nil, err
			}
			h.Linkname = string(target)
		}
	case cpio.TypeReg:
		h.Mode = perm | syscall.S_IFREG
	default:
		h.Mode = 0
	}
	return h, nil
}

func (w *cpioWalker) Read(p []byte) (int, error) {
	return w.cr.Read(p)
}

func (w *cpioWalker) Close() error {
	closeAll(w.closers)
	return w.file.Close()
}

// ---- ar

type arWalker struct {
	ar      *ar.Reader
	file    File
	closers []io.Closer
}

func (w *arWalker) Next() (*Header, error) {
	hdr, err := w.ar.Next()
	if err != nil {
		return nil, err
	}

	return &Header{
		Name:      hdr.Name,
		Size:      hdr.Size,
		SizeKnown: true,
		Mode:      uint32(hdr.Mode&0o777) | syscall.S_IFREG,
		ModTime:   hdr.ModTime,
	}, nil
}

func (w *arWalker) Read(p []byte) (int, error) {
	return w.ar.Read(p)
}

func (w *arWalker) Close() error {
	closeAll(w.closers)
	return w.file.Close()
}

// ---- raw

// rawWalker presents a bare compressed stream as an archive with a single
// entry named "data", matching what entry-less formats conventionally call
// their payload. The indexing pass substitutes the archive's inner name.
type rawWalker struct {
	r         io.Reader
	file      File
	closers   []io.Closer
	delivered bool
}

func (w *rawWalker) Next() (*Header, error) {
	if w.delivered {
		return nil, io.EOF
	}
	w.delivered = true
	return &Header{
		Name:    "data",
		Mode:    syscall.S_IFREG | 0o644,
		ModTime: time.Unix(0, 0),
	}, nil
}

func (w *rawWalker) Read(p []byte) (int, error) {
	if !w.delivered {
		return 0, errors.New("raw: read before first entry")
	}
	return w.r.Read(p)
}

func (w *rawWalker) Close() error {
	closeAll(w.closers)
	return w.file.Close()
}
