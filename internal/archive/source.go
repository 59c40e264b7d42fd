package archive

import "os"

// Open opens the archive file for a Walker.
func Open(d *Desc) (File, error) {
	return os.Open(d.Path)
}

// CountingFile wraps the archive file used by the indexing pass and tracks
// the read position plus its high-water mark. Compared against the file
// size, the high-water mark proxies how much of the archive has been
// processed; that is what drives the progress report, and it matters most
// for raw archives that need a complete decompression pass to discover
// their decompressed size.
type CountingFile struct {
	f        *os.File
	size     int64
	position int64
	hwm      int64

	// Progress, when set, is invoked after every read with the
	// high-water mark and the file size.
	Progress func(hwm, size int64)
}

// NewCountingFile wraps f, whose total size is size.
func NewCountingFile(f *os.File, size int64) *CountingFile {
	return &CountingFile{f: f, size: size}
}

// HighWaterMark returns the largest file position seen so far.
func (c *CountingFile) HighWaterMark() int64 {
	return c.hwm
}

func (c *CountingFile) advance(pos int64) {
	c.position = pos
	if c.hwm < pos {
		c.hwm = pos
	}
	if c.Progress != nil {
		c.Progress(c.hwm, c.size)
	}
}

func (c *CountingFile) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	c.advance(c.position + int64(n))
	return n, err
}

func (c *CountingFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.f.ReadAt(p, off)
	c.advance(off + int64(n))
	return n, err
}

func (c *CountingFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	c.advance(pos)
	return pos, nil
}

func (c *CountingFile) Close() error {
	return c.f.Close()
}
