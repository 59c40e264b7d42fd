package archive

import (
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/xi2/xz"
)

// openFilter wraps r in one decompression layer. The returned closers, if
// any, must be closed when the stream is done with.
func openFilter(r io.Reader, f Filter) (io.Reader, []io.Closer, error) {
	switch f {
	case FilterGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return gr, []io.Closer{gr}, nil
	case FilterBzip2:
		return bzip2.NewReader(r), nil, nil
	case FilterXz:
		xr, err := xz.NewReader(r, xz.DefaultDictMax)
		if err != nil {
			return nil, nil, err
		}
		return xr, nil, nil
	case FilterZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		rc := zr.IOReadCloser()
		return rc, []io.Closer{rc}, nil
	case FilterLz4:
		return lz4.NewReader(r), nil, nil
	}
	return r, nil, nil
}

// openFilterChain applies filters outermost-first around r.
func openFilterChain(r io.Reader, filters []Filter) (io.Reader, []io.Closer, error) {
	var closers []io.Closer
	for _, f := range filters {
		fr, fc, err := openFilter(r, f)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		closers = append(closers, fc...)
		r = fr
	}
	return r, closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}
