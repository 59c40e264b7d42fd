package archive

import (
	"fmt"
	"io"
)

// Reader is a forward-only decoder positioned at a byte offset within an
// entry of the archive. Moving to a later entry or a later offset is
// cheap-ish; moving backwards is impossible and callers handle it by
// acquiring a different Reader.
type Reader struct {
	desc   *Desc
	walker Walker

	index  int64
	offset int64
	header *Header
}

// NewReader opens a fresh decoder over the archive. The returned Reader is
// positioned before the first entry.
func NewReader(d *Desc) (*Reader, error) {
	f, err := Open(d)
	if err != nil {
		return nil, err
	}
	w, err := NewWalker(d, f)
	if err != nil {
		return nil, err
	}
	return &Reader{desc: d, walker: w, index: -1}, nil
}

// Index returns the entry index the Reader is positioned at, -1 before the
// first AdvanceIndex.
func (r *Reader) Index() int64 {
	return r.index
}

// Offset returns the byte offset within the current entry.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Header returns the current entry's header, nil before the first
// AdvanceIndex.
func (r *Reader) Header() *Header {
	return r.header
}

// Close releases the decoder and its file descriptor.
func (r *Reader) Close() error {
	return r.walker.Close()
}

// AdvanceIndex walks the header stream forward until positioned at the
// want'th entry, resetting the offset to zero at each header. Hitting EOF
// first means the archive changed on disk since it was indexed.
func (r *Reader) AdvanceIndex(want int64) error {
	for r.index < want {
		hdr, err := r.walker.Next()
		if err == io.EOF {
			logger.Error("inconsistent archive", "archive", r.desc.redactedPath())
			return fmt.Errorf("inconsistent archive %s", r.desc.Path)
		}
		if err != nil {
			logger.Error("invalid archive", "archive", r.desc.redactedPath(), "error", err)
			return err
		}
		r.index++
		r.offset = 0
		r.header = hdr
	}
	return nil
}

// AdvanceOffset decompresses forward until positioned at the want'th byte
// of the current entry, filling an acquired side buffer as it goes. The
// first chunk is sized so that the last chunk lands exactly at want with a
// full buffer behind it: advancing 260 KiB with 128 KiB buffers reads
// 4+128+128, not 128+128+4. The committed metadata then covers the window
// right before want, maximising the chance that the following reads hit
// the side buffer.
func (r *Reader) AdvanceOffset(want int64, path string, bufs *SideBuffers) error {
	if want < r.offset {
		return fmt.Errorf("cannot seek backwards from %d to %d", r.offset, want)
	}
	if want == r.offset {
		return nil
	}

	sb := bufs.Acquire()
	data := bufs.Data(sb)
	for want > r.offset {
		start := r.offset
		chunk := want - start
		if chunk > SideBufferSize {
			chunk %= SideBufferSize
			if chunk == 0 {
				chunk = SideBufferSize
			}
		}

		n, err := r.Read(data[:chunk], path)
		if err != nil {
			bufs.Invalidate(sb)
			return err
		}
		bufs.Commit(sb, r.index, start, int64(n))
		if int64(n) < chunk {
			bufs.Invalidate(sb)
			return fmt.Errorf("unexpected end of entry %s at offset %d", path, r.offset)
		}
	}
	return nil
}

// Read fills dst from the current position, decompressing as much as dst
// holds or the entry has left, and advances the offset. The pathname is
// used for log messages.
func (r *Reader) Read(dst []byte, path string) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := r.walker.Read(dst[total:])
		if n > len(dst)-total {
			// More data than buffer space means internal state is
			// corrupt; no local recovery is sound.
			panic("archive: decoder returned more bytes than requested")
		}
		total += n
		r.offset += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Error("could not serve entry",
				"path", r.desc.redactedName(path),
				"archive", r.desc.redactedPath(),
				"error", err)
			return total, err
		}
	}
	return total, nil
}
