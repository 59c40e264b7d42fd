package archive

import "errors"

var errNegativeIndex = errors.New("negative entry index")

// NumSavedReaders is how many warm Readers a pool keeps.
const NumSavedReaders = 8

// ReaderPool is an LRU cache of warm Readers. The decoders only move
// forward, so a saved Reader can serve any entry index at or after its
// current position. If a program reads entries 60, 40 and 50 in that order,
// a naive implementation walks 150 headers in total; reusing the Reader
// left at entry 40 for entry 50 makes it 110. When every file of an
// archive is copied out in natural order, pooling makes the overall work
// linear instead of quadratic.
//
// Reuse eligibility is decided by entry index alone, never by pathname.
type ReaderPool struct {
	desc *Desc

	// open constructs a fresh Reader. Tests substitute it.
	open func() (*Reader, error)

	slots [NumSavedReaders]struct {
		r        *Reader
		priority uint64
	}
	nextPriority uint64
}

// NewReaderPool returns an empty pool for the archive.
func NewReaderPool(d *Desc) *ReaderPool {
	return &ReaderPool{
		desc: d,
		open: func() (*Reader, error) { return NewReader(d) },
	}
}

// Acquire returns a Reader positioned at the start of the want'th entry.
// Among saved Readers at (index, offset) <= (want, 0), the closest from
// below is taken from the pool; with none eligible a fresh Reader is
// opened. Either way the Reader is advanced to want before returning.
func (p *ReaderPool) Acquire(want int64) (*Reader, error) {
	if want < 0 {
		return nil, errNegativeIndex
	}

	best := -1
	bestIndex, bestOffset := int64(-1), int64(-1)
	for i := range p.slots {
		r := p.slots[i].r
		if r == nil {
			continue
		}
		if tupleLess(bestIndex, bestOffset, r.index, r.offset) &&
			!tupleLess(want, 0, r.index, r.offset) {
			best = i
			bestIndex, bestOffset = r.index, r.offset
		}
	}

	var r *Reader
	if best >= 0 {
		r = p.slots[best].r
		p.slots[best].r = nil
		p.slots[best].priority = 0
	} else {
		var err error
		r, err = p.open()
		if err != nil {
			return nil, err
		}
	}

	if err := r.AdvanceIndex(want); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Release stores r in the slot with the lowest LRU priority, closing
// whatever Reader that slot held, and assigns r a fresh priority.
func (p *ReaderPool) Release(r *Reader) {
	oldest := 0
	oldestPriority := p.slots[0].priority
	for i := 1; i < NumSavedReaders; i++ {
		if oldestPriority > p.slots[i].priority {
			oldestPriority = p.slots[i].priority
			oldest = i
		}
	}
	if p.slots[oldest].r != nil {
		_ = p.slots[oldest].r.Close()
	}
	p.nextPriority++
	p.slots[oldest].r = r
	p.slots[oldest].priority = p.nextPriority
}

// Close destroys every saved Reader.
func (p *ReaderPool) Close() {
	for i := range p.slots {
		if p.slots[i].r != nil {
			_ = p.slots[i].r.Close()
			p.slots[i].r = nil
		}
	}
}

// tupleLess reports (a1, a2) < (b1, b2) lexicographically.
func tupleLess(a1, a2, b1, b2 int64) bool {
	return a1 < b1 || (a1 == b1 && a2 < b2)
}
