package archive

import "math"

// NumSideBuffers is how many side buffers a mount holds.
const NumSideBuffers = 8

// SideBufferSize is the capacity of each side buffer. 128 KiB matches the
// largest read size the kernel typically issues, so one buffer can satisfy
// one whole read.
const SideBufferSize = 128 * 1024

// Two buffers are reserved while the indexing pass runs: one stages probe
// bytes during format detection, the other is the sink that unknown-size
// entries are decompressed into.
const (
	StagingBuffer = 0
	SinkBuffer    = 1
)

type sideBufferMeta struct {
	index    int64
	offset   int64
	length   int64
	priority uint64
}

// contains reports whether the buffer holds [offset, offset+length) of the
// given entry. A negative stored length never matches.
func (m *sideBufferMeta) contains(index, offset, length int64) bool {
	if m.index < 0 || m.index != index || m.offset > offset {
		return false
	}
	o := offset - m.offset
	return m.length >= o && m.length-o >= length
}

// SideBuffers is a fixed pool of byte buffers with LRU metadata. During
// forward skips they are the destination for decompressed bytes; because
// those bytes are valid entry content, keeping them (and their metadata)
// lets some subsequent reads be served by a copy instead of another trip
// through the decompressor. In particular, kernel readahead can deliver
// logically consecutive reads out of order; the side buffer filled while
// serving the first-to-arrive request salvages the second.
type SideBuffers struct {
	data    [NumSideBuffers][]byte
	meta    [NumSideBuffers]sideBufferMeta
	nextLRU uint64
}

// NewSideBuffers returns a pool with every buffer invalid.
func NewSideBuffers() *SideBuffers {
	b := &SideBuffers{}
	for i := range b.data {
		b.data[i] = make([]byte, SideBufferSize)
		b.meta[i] = sideBufferMeta{index: -1, offset: -1, length: -1}
	}
	return b
}

// Acquire returns the least recently used buffer, invalidated and marked so
// that it will not be chosen again until its metadata is committed.
func (b *SideBuffers) Acquire() int {
	oldest := 0
	oldestPriority := b.meta[0].priority
	for i := 1; i < NumSideBuffers; i++ {
		if oldestPriority > b.meta[i].priority {
			oldestPriority = b.meta[i].priority
			oldest = i
		}
	}
	b.meta[oldest] = sideBufferMeta{index: -1, offset: -1, length: -1, priority: math.MaxUint64}
	return oldest
}

// Data returns buffer i's backing bytes.
func (b *SideBuffers) Data(i int) []byte {
	return b.data[i]
}

// Commit records that buffer i now holds bytes [offset, offset+length) of
// the given entry, and bumps its LRU priority.
func (b *SideBuffers) Commit(i int, index, offset, length int64) {
	b.nextLRU++
	b.meta[i] = sideBufferMeta{index: index, offset: offset, length: length, priority: b.nextLRU}
}

// Invalidate marks buffer i empty, releasing an acquired buffer whose fill
// failed.
func (b *SideBuffers) Invalidate(i int) {
	b.meta[i] = sideBufferMeta{index: -1, offset: -1, length: -1}
}

// Lookup copies len(dst) bytes at offset of the given entry into dst if
// some valid buffer fully covers that range. When several do, the one
// holding the longest run wins. A hit bumps the buffer's LRU priority.
func (b *SideBuffers) Lookup(index, offset int64, dst []byte) bool {
	best := -1
	bestLength := int64(-1)
	for i := range b.meta {
		m := &b.meta[i]
		if m.length > bestLength && m.contains(index, offset, int64(len(dst))) {
			best = i
			bestLength = m.length
		}
	}
	if best < 0 {
		return false
	}
	b.nextLRU++
	b.meta[best].priority = b.nextLRU
	copy(dst, b.data[best][offset-b.meta[best].offset:])
	return true
}
