// Package fstree holds the in-memory directory tree that an archive is
// indexed into. Every entry the indexing pass accepts becomes a Node; the
// tree then serves every stat, readdir and lookup for the lifetime of the
// mount without touching the archive again.
package fstree

import (
	"log/slog"
	"strings"
	"syscall"
	"time"
)

// logger is the package-level logger for fstree operations
var logger = slog.Default()

// SetLogger sets the logger for the fstree package
func SetLogger(l *slog.Logger) {
	logger = l
}

// BlockSize is the pseudo block size reported through getattr and statfs.
// Each directory entry also accounts for one block of its parent's size.
const BlockSize = 512

// Node is one file, directory or symlink in the virtual filesystem.
type Node struct {
	// RelName is the last pathname fragment, with no slashes.
	RelName string

	// Symlink is the link target. Empty iff the node is not a symlink.
	Symlink string

	// Index is the entry's position in the archive's header stream.
	// Directories and the root are synthesized and carry -1.
	Index int64

	// Size is the byte size for regular files. For directories it is
	// BlockSize per direct child.
	Size int64

	// MTime is the entry's modification time. A directory's mtime is the
	// newest mtime of any of its descendants.
	MTime time.Time

	// Mode holds POSIX file-type and permission bits. A directory's
	// permissions accumulate read/execute bits from its descendants.
	Mode uint32

	// Ino is a stable inode number, assigned in insertion order.
	Ino uint64

	Parent   *Node
	children []*Node
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// IsSymlink reports whether the node is a symlink.
func (n *Node) IsSymlink() bool {
	return n.Mode&syscall.S_IFMT == syscall.S_IFLNK
}

// Blocks returns the node's size in BlockSize units, rounded up.
func (n *Node) Blocks() int64 {
	return (n.Size + BlockSize - 1) / BlockSize
}

// Children returns the node's direct children in insertion order. The
// returned slice is owned by the node and must not be modified.
func (n *Node) Children() []*Node {
	return n.children
}

// Path returns the node's absolute pathname.
func (n *Node) Path() string {
	if n.Parent == nil {
		return "/"
	}
	var parts []string
	for ; n.Parent != nil; n = n.Parent {
		parts = append(parts, n.RelName)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

func (n *Node) addChild(c *Node) {
	c.Parent = n
	n.Size += BlockSize
	n.children = append(n.children, c)
}

// Tree is the complete namespace of one indexed archive: a pathname map, a
// positional entry-index map and the block accounting behind statfs.
type Tree struct {
	Root *Node

	// Redact suppresses pathnames in log output.
	Redact bool

	byName  map[string]*Node
	byIndex []*Node

	blockCount int64
	nextIno    uint64
}

// New returns a tree holding only the root directory.
func New() *Tree {
	t := &Tree{
		byName:     make(map[string]*Node),
		blockCount: 1,
		nextIno:    1,
	}
	t.Root = &Node{
		Index: -1,
		MTime: time.Unix(0, 0),
		Mode:  syscall.S_IFDIR,
		Ino:   t.nextIno,
	}
	t.byName["/"] = t.Root
	return t
}

// LookupPath returns the node for an absolute pathname, or nil.
func (t *Tree) LookupPath(p string) *Node {
	return t.byName[p]
}

// NodeAt returns the node whose archive entry index is i, or nil. Indices
// that belonged to directory entries or rejected entries have no node.
func (t *Tree) NodeAt(i int64) *Node {
	if i < 0 || i >= int64(len(t.byIndex)) {
		return nil
	}
	return t.byIndex[i]
}

// NodeCount returns the number of nodes in the tree, including the root.
func (t *Tree) NodeCount() int {
	return len(t.byName)
}

// BlockCount returns the total number of BlockSize blocks accounted to the
// tree, for statfs.
func (t *Tree) BlockCount() int64 {
	return t.blockCount
}

func (t *Tree) redact(s string) string {
	if t.Redact {
		return "(redacted)"
	}
	return s
}

// InsertLeaf inserts one regular file or symlink at an absolute pathname,
// creating missing intermediate directories. Every ancestor's mtime is
// raised to the leaf's mtime and its mode accumulates the leaf's
// read/execute bits. A pathname that is already taken drops the new entry
// with a warning; the first entry wins.
func (t *Tree) InsertLeaf(pathname, symlink string, index, size int64, mtime time.Time, mode uint32) error {
	if index < 0 {
		logger.Error("negative entry index", "path", t.redact(pathname))
		return syscall.EIO
	}
	if pathname == "" || pathname[0] != '/' {
		return nil
	}

	rxBits := mode & 0o555
	rBits := rxBits & 0o444
	branchMode := rxBits | rBits>>2 | syscall.S_IFDIR
	leafMode := rxBits | syscall.S_IFREG
	if symlink != "" {
		leafMode = rxBits | syscall.S_IFLNK
	}

	parent := t.Root
	rest := pathname[1:]
	consumed := 1
	for {
		if parent.MTime.Before(mtime) {
			parent.MTime = mtime
		}
		parent.Mode |= branchMode

		frag := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			frag = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		abs := pathname[:consumed+len(frag)]
		consumed += len(frag) + 1

		if rest == "" {
			// The terminal fragment names the leaf itself.
			if _, taken := t.byName[abs]; taken {
				logger.Warn("name collision", "path", t.redact(abs))
				return nil
			}
			t.nextIno++
			n := &Node{
				RelName: frag,
				Symlink: symlink,
				Index:   index,
				Size:    size,
				MTime:   mtime,
				Mode:    leafMode,
				Ino:     t.nextIno,
			}
			t.byName[abs] = n
			parent.addChild(n)
			t.blockCount += n.Blocks() + 1

			for int64(len(t.byIndex)) < index {
				t.byIndex = append(t.byIndex, nil)
			}
			t.byIndex = append(t.byIndex, n)
			return nil
		}

		n := t.byName[abs]
		if n != nil {
			if !n.IsDir() {
				logger.Warn("name collision", "path", t.redact(abs))
				return nil
			}
		} else {
			t.nextIno++
			n = &Node{
				RelName: frag,
				Index:   -1,
				MTime:   mtime,
				Mode:    branchMode,
				Ino:     t.nextIno,
			}
			t.byName[abs] = n
			parent.addChild(n)
			t.blockCount++
		}
		parent = n
	}
}
