package arcfs

import (
	"archive/tar"
	stdzip "archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	yekazip "github.com/yeka/zip"

	"github.com/yamatt/arcfs/internal/archive"
)

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type tarEntry struct {
	name     string
	content  string
	linkname string
	typeflag byte
	mode     int64
}

func tarBytes(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			Size:     int64(len(e.content)),
			ModTime:  time.Unix(1700000000, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildIndex(t *testing.T, path string) *Index {
	t.Helper()
	ix, err := Probe(Options{ArchivePath: path, Quiet: true})
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if err := ix.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return ix
}

// newTestMount wires a mount context without a kernel mount, so read paths
// can be exercised directly.
func newTestMount(ix *Index) *mountContext {
	return &mountContext{
		desc:    ix.Desc,
		tree:    ix.Tree,
		readers: archive.NewReaderPool(ix.Desc),
		bufs:    ix.bufs,
	}
}

func readAt(t *testing.T, mc *mountContext, h *fileHandle, off int64, length int) []byte {
	t.Helper()
	dst := make([]byte, length)
	n, errno := mc.read(h, dst, off)
	if errno != 0 {
		t.Fatalf("read at %d failed: %v", off, errno)
	}
	return dst[:n]
}

func TestZipScenario(t *testing.T) {
	mtime := time.Date(2023, 5, 4, 12, 30, 2, 0, time.UTC)
	var buf bytes.Buffer
	zw := stdzip.NewWriter(&buf)
	w, err := zw.CreateHeader(&stdzip.FileHeader{Name: "a.txt", Modified: mtime})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	path := writeTestFile(t, "t.zip", buf.Bytes())
	ix := buildIndex(t, path)

	n := ix.Tree.LookupPath("/a.txt")
	if n == nil {
		t.Fatal("missing /a.txt")
	}
	if n.Size != 6 {
		t.Errorf("size = %d, want 6", n.Size)
	}
	if n.Mode&syscall.S_IFMT != syscall.S_IFREG {
		t.Errorf("mode = %o, want a regular file", n.Mode)
	}
	if n.MTime.Unix() != mtime.Unix() {
		t.Errorf("mtime = %v, want %v", n.MTime, mtime)
	}
	if got := ix.Tree.NodeCount(); got != 2 {
		t.Errorf("node count = %d, want 2", got)
	}
	if got := ix.Tree.BlockCount(); got != 3 {
		t.Errorf("block count = %d, want 3", got)
	}
	children := ix.Tree.Root.Children()
	if len(children) != 1 || children[0].RelName != "a.txt" {
		t.Errorf("root children = %v", children)
	}

	mc := newTestMount(ix)
	h, errno := mc.open(n, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("open failed: %v", errno)
	}
	defer mc.release(h)

	if got := readAt(t, mc, h, 0, 6); string(got) != "hello\n" {
		t.Errorf("content = %q, want %q", got, "hello\n")
	}
	if got := readAt(t, mc, h, 6, 10); len(got) != 0 {
		t.Errorf("read at size returned %d bytes, want 0", len(got))
	}
	if got := readAt(t, mc, h, 100, 10); len(got) != 0 {
		t.Errorf("read past size returned %d bytes, want 0", len(got))
	}
}

func TestOpenChecks(t *testing.T) {
	path := writeTestFile(t, "t.tar", tarBytes(t, []tarEntry{
		{name: "dir/f", content: "x"},
	}))
	ix := buildIndex(t, path)
	mc := newTestMount(ix)

	dir := ix.Tree.LookupPath("/dir")
	if _, errno := mc.open(dir, syscall.O_RDONLY); errno != syscall.EISDIR {
		t.Errorf("opening a directory = %v, want EISDIR", errno)
	}

	file := ix.Tree.LookupPath("/dir/f")
	if _, errno := mc.open(file, syscall.O_WRONLY); errno != syscall.EACCES {
		t.Errorf("opening for write = %v, want EACCES", errno)
	}
	if _, errno := mc.open(file, syscall.O_RDWR); errno != syscall.EACCES {
		t.Errorf("opening read-write = %v, want EACCES", errno)
	}
}

func TestRawGzipUsesInnerName(t *testing.T) {
	path := writeTestFile(t, "foo.txt.gz", gzipBytes(t, []byte("abc")))
	ix := buildIndex(t, path)

	if !ix.Desc.Raw() {
		t.Fatal("expected a raw archive")
	}
	if ix.Tree.LookupPath("/data") != nil {
		t.Error("raw entry should not be served as /data")
	}
	n := ix.Tree.LookupPath("/foo.txt")
	if n == nil {
		t.Fatal("missing /foo.txt")
	}
	if n.Size != 3 {
		t.Errorf("size = %d, want 3", n.Size)
	}

	mc := newTestMount(ix)
	h, errno := mc.open(n, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("open failed: %v", errno)
	}
	defer mc.release(h)
	if got := readAt(t, mc, h, 0, 3); string(got) != "abc" {
		t.Errorf("content = %q, want %q", got, "abc")
	}
}

func TestReaddirInsertionOrder(t *testing.T) {
	path := writeTestFile(t, "t.tar", tarBytes(t, []tarEntry{
		{name: "dir/c", content: "1"},
		{name: "dir/a", content: "2"},
		{name: "dir/b", content: "3"},
	}))
	ix := buildIndex(t, path)

	var got []string
	for _, c := range ix.Tree.LookupPath("/dir").Children() {
		got = append(got, c.RelName)
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("children = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("children = %v, want %v", got, want)
		}
	}
}

func TestPlainFileRefused(t *testing.T) {
	path := writeTestFile(t, "t.bin", []byte("no compression magic here"))
	_, err := Probe(Options{ArchivePath: path, Quiet: true})
	var me *MountError
	if !errors.As(err, &me) || me.Code != ExitInvalidRawArchive {
		t.Fatalf("Probe = %v, want exit code %d", err, ExitInvalidRawArchive)
	}
}

func TestMissingArchive(t *testing.T) {
	_, err := Probe(Options{ArchivePath: filepath.Join(t.TempDir(), "absent.tar"), Quiet: true})
	var me *MountError
	if !errors.As(err, &me) || me.Code != ExitCannotOpenArchive {
		t.Fatalf("Probe = %v, want exit code %d", err, ExitCannotOpenArchive)
	}
}

func TestEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	zw := stdzip.NewWriter(&buf)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := writeTestFile(t, "empty.zip", buf.Bytes())
	ix := buildIndex(t, path)

	if got := ix.Tree.NodeCount(); got != 1 {
		t.Errorf("node count = %d, want just the root", got)
	}
	if len(ix.Tree.Root.Children()) != 0 {
		t.Error("root should have no children")
	}
}

func TestInvalidPathnamesRejected(t *testing.T) {
	path := writeTestFile(t, "t.tar", tarBytes(t, []tarEntry{
		{name: "../evil", content: "x"},
		{name: "a/./b", content: "y"},
		{name: "ok.txt", content: "fine"},
	}))
	ix := buildIndex(t, path)

	if got := ix.Tree.NodeCount(); got != 2 {
		t.Errorf("node count = %d, want root plus ok.txt", got)
	}
	if ix.Tree.LookupPath("/ok.txt") == nil {
		t.Error("missing /ok.txt")
	}
}

func TestSymlinks(t *testing.T) {
	path := writeTestFile(t, "t.tar", tarBytes(t, []tarEntry{
		{name: "a.txt", content: "hello"},
		{name: "good", typeflag: tar.TypeSymlink, linkname: "a.txt", mode: 0o777},
		{name: "empty", typeflag: tar.TypeSymlink, linkname: ""},
	}))
	ix := buildIndex(t, path)

	good := ix.Tree.LookupPath("/good")
	if good == nil || !good.IsSymlink() || good.Symlink != "a.txt" {
		t.Errorf("symlink node = %+v", good)
	}
	if ix.Tree.LookupPath("/empty") != nil {
		t.Error("a symlink with an empty target must be rejected")
	}
}

func TestOutOfOrderReadsAndBackwardSeek(t *testing.T) {
	content := make([]byte, 200_000)
	for i := range content {
		content[i] = byte(i*11 + 5)
	}
	path := writeTestFile(t, "big.tar.gz", gzipBytes(t, tarBytes(t, []tarEntry{
		{name: "big.bin", content: string(content)},
	})))
	ix := buildIndex(t, path)

	n := ix.Tree.LookupPath("/big.bin")
	if n == nil || n.Size != int64(len(content)) {
		t.Fatalf("bad node for /big.bin: %+v", n)
	}

	mc := newTestMount(ix)
	h, errno := mc.open(n, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("open failed: %v", errno)
	}
	defer mc.release(h)

	// A read deep into the file skips forward, leaving a side buffer
	// covering the window behind it.
	if got := readAt(t, mc, h, 150_000, 1024); !bytes.Equal(got, content[150_000:151_024]) {
		t.Error("forward read returned wrong bytes")
	}

	// An earlier offset inside the skipped window is served from the
	// side buffer without touching the decoder.
	offsetBefore := h.r.Offset()
	if got := readAt(t, mc, h, 100_000, 1024); !bytes.Equal(got, content[100_000:101_024]) {
		t.Error("side-buffered read returned wrong bytes")
	}
	if h.r.Offset() != offsetBefore {
		t.Error("a side-buffer hit must not move the reader")
	}

	// An offset before everything cached forces a fresh reader.
	if got := readAt(t, mc, h, 0, 1024); !bytes.Equal(got, content[:1024]) {
		t.Error("backward read returned wrong bytes")
	}

	// Reads in arbitrary order all come back byte-identical.
	for _, off := range []int64{42_000, 199_000, 7, 150_000} {
		want := content[off : off+512]
		if got := readAt(t, mc, h, off, 512); !bytes.Equal(got, want) {
			t.Errorf("read at %d returned wrong bytes", off)
		}
	}
}

func encryptedZipBytes(t *testing.T, name, content, password string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := yekazip.NewWriter(&buf)
	w, err := zw.Encrypt(name, password, yekazip.AES256Encryption)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEncryptedZip(t *testing.T) {
	path := writeTestFile(t, "secret.zip", encryptedZipBytes(t, "a.txt", "hello\n", "letmein"))

	_, err := Probe(Options{ArchivePath: path, Quiet: true})
	var me *MountError
	if !errors.As(err, &me) || me.Code != ExitPassphraseRequired {
		t.Fatalf("Probe without password = %v, want exit code %d", err, ExitPassphraseRequired)
	}

	_, err = Probe(Options{ArchivePath: path, Quiet: true, Password: "wrong"})
	if !errors.As(err, &me) || me.Code != ExitPassphraseIncorrect {
		t.Fatalf("Probe with wrong password = %v, want exit code %d", err, ExitPassphraseIncorrect)
	}

	ix, err := Probe(Options{ArchivePath: path, Quiet: true, Password: "letmein"})
	if err != nil {
		t.Fatalf("Probe with correct password failed: %v", err)
	}
	if err := ix.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	n := ix.Tree.LookupPath("/a.txt")
	if n == nil || n.Size != 6 {
		t.Fatalf("bad node for /a.txt: %+v", n)
	}

	mc := newTestMount(ix)
	h, errno := mc.open(n, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("open failed: %v", errno)
	}
	defer mc.release(h)
	if got := readAt(t, mc, h, 0, 6); string(got) != "hello\n" {
		t.Errorf("content = %q, want %q", got, "hello\n")
	}
}

func TestDirectoryModeSynthesis(t *testing.T) {
	path := writeTestFile(t, "t.tar", tarBytes(t, []tarEntry{
		{name: "d/f", content: "x", mode: 0o640},
	}))
	ix := buildIndex(t, path)

	// Leaf rx bits are 0o440; the read bits shift down to execute bits,
	// giving the synthesized directory 0o550.
	d := ix.Tree.LookupPath("/d")
	want := uint32(syscall.S_IFDIR | 0o550)
	if d.Mode != want {
		t.Errorf("dir mode = %o, want %o", d.Mode, want)
	}
}
