package archive

import (
	"bytes"
	"fmt"
	"io"
)

// sniffLen is how many bytes each detection layer reads. The tar magic sits
// at offset 257, so anything past ~512 is headroom.
const sniffLen = 1024

// maxFilterDepth bounds how many compression layers detection will peel
// (e.g. foo.tar.gz.zst is two).
const maxFilterDepth = 3

// sniff classifies the stream r by magic bytes. Container formats that need
// random access (zip, rar, 7z) are only recognised on the outermost layer;
// inside a filter chain only streamable containers (tar, cpio, ar) are
// looked for, and anything else is a raw compressed stream.
func sniff(r io.Reader, scratch []byte, depth int) (Format, []Filter, error) {
	if scratch == nil || len(scratch) < sniffLen {
		scratch = make([]byte, sniffLen)
	}
	n, err := io.ReadFull(r, scratch[:sniffLen])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, nil, err
	}
	p := scratch[:n]

	if depth == 0 {
		if f, ok := outerContainer(p); ok {
			return f, nil, nil
		}
	} else if f, ok := streamContainer(p); ok {
		return f, nil, nil
	}

	filter, ok := filterMagic(p)
	if !ok {
		return FormatRaw, nil, nil
	}
	if depth == maxFilterDepth {
		return FormatRaw, []Filter{filter}, nil
	}

	// Decompress the head of the stream and look again. The prefix is
	// copied because scratch is reused by the recursive call.
	head := append([]byte(nil), p...)
	fr, closer, err := openFilter(io.MultiReader(bytes.NewReader(head), r), filter)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", filter, err)
	}
	defer closeAll(closer)

	format, inner, err := sniff(fr, nil, depth+1)
	if err != nil {
		return 0, nil, err
	}
	return format, append([]Filter{filter}, inner...), nil
}

// outerContainer matches container formats by magic bytes in the raw file.
func outerContainer(p []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(p, []byte("PK\x03\x04")),
		bytes.HasPrefix(p, []byte("PK\x05\x06")):
		return FormatZip, true
	case bytes.HasPrefix(p, []byte("Rar!\x1a\x07")):
		return FormatRar, true
	case bytes.HasPrefix(p, []byte("7z\xbc\xaf\x27\x1c")):
		return Format7z, true
	}
	return streamContainer(p)
}

// streamContainer matches the container formats that can be read through a
// forward-only filter chain.
func streamContainer(p []byte) (Format, bool) {
	switch {
	case len(p) >= 262 && string(p[257:262]) == "ustar":
		return FormatTar, true
	case bytes.HasPrefix(p, []byte("070701")),
		bytes.HasPrefix(p, []byte("070702")),
		bytes.HasPrefix(p, []byte("070707")):
		return FormatCpio, true
	case len(p) >= 2 && p[0] == 0xc7 && p[1] == 0x71:
		return FormatCpio, true
	case bytes.HasPrefix(p, []byte("!<arch>\n")):
		return FormatAr, true
	}
	return 0, false
}

// filterMagic matches the supported compression filters by magic bytes.
func filterMagic(p []byte) (Filter, bool) {
	switch {
	case bytes.HasPrefix(p, []byte{0x1f, 0x8b}):
		return FilterGzip, true
	case bytes.HasPrefix(p, []byte("BZh")):
		return FilterBzip2, true
	case bytes.HasPrefix(p, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return FilterXz, true
	case bytes.HasPrefix(p, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return FilterZstd, true
	case bytes.HasPrefix(p, []byte{0x04, 0x22, 0x4d, 0x18}):
		return FilterLz4, true
	}
	return 0, false
}
