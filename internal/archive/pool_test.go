package archive

import (
	"io"
	"syscall"
	"testing"
)

// countingWalker is an endless header stream that tallies Next calls, for
// measuring how much work reader acquisition does.
type countingWalker struct {
	count  *int
	closed bool
}

func (w *countingWalker) Next() (*Header, error) {
	*w.count++
	return &Header{Mode: syscall.S_IFREG | 0o644, SizeKnown: true}, nil
}

func (w *countingWalker) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (w *countingWalker) Close() error {
	w.closed = true
	return nil
}

func newTestPool(headerReads, constructed *int) *ReaderPool {
	d := &Desc{Path: "/nonexistent/test.tar", LogPath: "test.tar"}
	p := NewReaderPool(d)
	p.open = func() (*Reader, error) {
		*constructed++
		return &Reader{desc: d, walker: &countingWalker{count: headerReads}, index: -1}, nil
	}
	return p
}

func TestPoolReusesClosestReaderBelow(t *testing.T) {
	var headerReads, constructed int
	p := newTestPool(&headerReads, &constructed)

	// Reading entries 60, 40, 50 in that order: the reader parked at 40
	// serves 50, so the total header walk is 61+41+10 instead of
	// 61+41+51.
	r, err := p.Acquire(60)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(r)
	if headerReads != 61 || constructed != 1 {
		t.Fatalf("after entry 60: reads=%d constructed=%d", headerReads, constructed)
	}

	r, err = p.Acquire(40)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(r)
	if headerReads != 102 || constructed != 2 {
		t.Fatalf("after entry 40: reads=%d constructed=%d", headerReads, constructed)
	}

	r, err = p.Acquire(50)
	if err != nil {
		t.Fatal(err)
	}
	if headerReads != 112 || constructed != 2 {
		t.Fatalf("after entry 50: reads=%d constructed=%d", headerReads, constructed)
	}
	if r.Index() != 50 {
		t.Errorf("reader index = %d, want 50", r.Index())
	}
	p.Release(r)
}

func TestPoolReleaseThenReacquireIsFree(t *testing.T) {
	var headerReads, constructed int
	p := newTestPool(&headerReads, &constructed)

	r, err := p.Acquire(10)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(r)
	readsBefore := headerReads

	r, err = p.Acquire(10)
	if err != nil {
		t.Fatal(err)
	}
	if headerReads != readsBefore || constructed != 1 {
		t.Errorf("reacquiring the same entry cost reads=%d constructed=%d",
			headerReads-readsBefore, constructed)
	}
	p.Release(r)
}

func TestPoolSkipsReaderPastEntryStart(t *testing.T) {
	var headerReads, constructed int
	p := newTestPool(&headerReads, &constructed)

	// A reader at (50, 5) is past (50, 0) and must not serve entry 50.
	d := &Desc{Path: "/nonexistent/test.tar"}
	parked := &Reader{desc: d, walker: &countingWalker{count: &headerReads}, index: 50, offset: 5}
	p.Release(parked)

	r, err := p.Acquire(50)
	if err != nil {
		t.Fatal(err)
	}
	if constructed != 1 || headerReads != 51 {
		t.Errorf("reads=%d constructed=%d, want a fresh reader walking 51 headers",
			headerReads, constructed)
	}
	p.Release(r)
}

func TestPoolNegativeIndex(t *testing.T) {
	var headerReads, constructed int
	p := newTestPool(&headerReads, &constructed)
	if _, err := p.Acquire(-1); err == nil {
		t.Error("expected an error for a negative entry index")
	}
}

func TestPoolReleaseEvictsOldest(t *testing.T) {
	var headerReads, constructed int
	p := newTestPool(&headerReads, &constructed)

	walkers := make([]*countingWalker, 0, NumSavedReaders+1)
	d := &Desc{Path: "/nonexistent/test.tar"}
	for i := 0; i <= NumSavedReaders; i++ {
		w := &countingWalker{count: &headerReads}
		walkers = append(walkers, w)
		p.Release(&Reader{desc: d, walker: w, index: int64(i)})
	}

	if !walkers[0].closed {
		t.Error("the oldest saved reader should have been closed on eviction")
	}
	for i := 1; i <= NumSavedReaders; i++ {
		if walkers[i].closed {
			t.Errorf("reader %d was closed but should still be pooled", i)
		}
	}
}
