package arcfs

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/yamatt/arcfs/internal/archive"
	"github.com/yamatt/arcfs/internal/fstree"
)

// mountContext is the state shared by every filesystem handler: the
// directory tree, the reader pool and the side buffers. FUSE serving is
// single-threaded, but go-fuse may still deliver release on another
// goroutine, so the pools are guarded by one mutex rather than by the
// serving thread alone.
type mountContext struct {
	mu      sync.Mutex
	desc    *archive.Desc
	tree    *fstree.Tree
	readers *archive.ReaderPool
	bufs    *archive.SideBuffers
	uid     uint32
	gid     uint32
}

// fileHandle is one open file: a Reader checked out of the pool for as long
// as the kernel keeps the file open.
type fileHandle struct {
	mc *mountContext
	r  *archive.Reader
}

func (mc *mountContext) open(n *fstree.Node, flags uint32) (*fileHandle, syscall.Errno) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if n.IsDir() {
		return nil, syscall.EISDIR
	}
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, syscall.EACCES
	}
	if n.Index < 0 {
		return nil, syscall.EIO
	}

	r, err := mc.readers.Acquire(n.Index)
	if err != nil {
		return nil, syscall.EIO
	}
	return &fileHandle{mc: mc, r: r}, 0
}

func (mc *mountContext) read(h *fileHandle, dst []byte, off int64) (int, syscall.Errno) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if off < 0 {
		return 0, syscall.EINVAL
	}
	if h.r == nil {
		return 0, syscall.EIO
	}

	n := mc.tree.NodeAt(h.r.Index())
	if n == nil || n.Size < 0 {
		return 0, syscall.EIO
	}
	if off >= n.Size {
		return 0, 0
	}
	if int64(len(dst)) > n.Size-off {
		dst = dst[:n.Size-off]
	}
	if len(dst) == 0 {
		return 0, 0
	}

	if mc.bufs.Lookup(h.r.Index(), off, dst) {
		return len(dst), 0
	}

	// The decoder cannot seek backwards. Swap in a freshly acquired
	// Reader for the same entry and give the old one back to the pool:
	// a sibling read may still be positioned right behind it.
	if off < h.r.Offset() {
		fresh, err := mc.readers.Acquire(h.r.Index())
		if err != nil {
			return 0, syscall.EIO
		}
		old := h.r
		h.r = fresh
		mc.readers.Release(old)
	}

	path := n.Path()
	if err := h.r.AdvanceOffset(off, path, mc.bufs); err != nil {
		return 0, syscall.EIO
	}
	got, err := h.r.Read(dst, path)
	if err != nil {
		return 0, syscall.EIO
	}
	return got, 0
}

func (mc *mountContext) release(h *fileHandle) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if h.r != nil {
		mc.readers.Release(h.r)
		h.r = nil
	}
}

// archiveNode binds one tree node into the FUSE inode space. The concrete
// node types below add the operations that make sense for their file type.
type archiveNode struct {
	fs.Inode
	mc *mountContext
	n  *fstree.Node
}

type dirNode struct {
	archiveNode
}

type fileNode struct {
	archiveNode
}

type linkNode struct {
	archiveNode
}

// rootNode populates the whole inode tree when the filesystem is mounted;
// the namespace is immutable afterwards.
type rootNode struct {
	dirNode
}

var _ fs.NodeOnAdder = (*rootNode)(nil)
var _ fs.NodeGetattrer = (*archiveNode)(nil)
var _ fs.NodeStatfser = (*archiveNode)(nil)
var _ fs.NodeReaddirer = (*dirNode)(nil)
var _ fs.NodeOpener = (*fileNode)(nil)
var _ fs.NodeReadlinker = (*linkNode)(nil)
var _ fs.FileReader = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	r.addChildren(ctx, &r.Inode, r.n)
}

func (r *rootNode) addChildren(ctx context.Context, parent *fs.Inode, n *fstree.Node) {
	for _, c := range n.Children() {
		var embedder fs.InodeEmbedder
		switch {
		case c.IsDir():
			embedder = &dirNode{archiveNode{mc: r.mc, n: c}}
		case c.IsSymlink():
			embedder = &linkNode{archiveNode{mc: r.mc, n: c}}
		default:
			embedder = &fileNode{archiveNode{mc: r.mc, n: c}}
		}
		child := parent.NewPersistentInode(ctx, embedder, fs.StableAttr{
			Mode: c.Mode & syscall.S_IFMT,
			Ino:  c.Ino,
		})
		parent.AddChild(c.RelName, child, true)
		if c.IsDir() {
			r.addChildren(ctx, child, c)
		}
	}
}

func (a *archiveNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = a.n.Mode
	out.Nlink = 1
	out.Size = uint64(a.n.Size)
	out.Blocks = uint64(a.n.Blocks())
	out.Blksize = fstree.BlockSize
	out.Owner = fuse.Owner{Uid: a.mc.uid, Gid: a.mc.gid}
	out.Ino = a.n.Ino
	if mt := a.n.MTime.Unix(); mt > 0 {
		out.Mtime = uint64(mt)
	}
	return 0
}

func (a *archiveNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = fstree.BlockSize
	out.Frsize = fstree.BlockSize
	out.Blocks = uint64(a.mc.tree.BlockCount())
	out.Bfree = 0
	out.Bavail = 0
	out.Files = uint64(a.mc.tree.NodeCount())
	out.Ffree = 0
	out.NameLen = 255
	return 0
}

// Readdir lists the directory's children in the order the archive's
// entries created them.
func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children := d.n.Children()
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{
			Name: c.RelName,
			Mode: c.Mode & syscall.S_IFMT,
			Ino:  c.Ino,
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, errno := f.mc.open(f.n, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return h, fuse.FOPEN_KEEP_CACHE, 0
}

func (l *linkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	if l.n.Symlink == "" {
		return nil, syscall.ENOLINK
	}
	return []byte(l.n.Symlink), 0
}

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, errno := h.mc.read(h, dest, off)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mc.release(h)
	return 0
}
