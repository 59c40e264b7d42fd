package arcfs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/yamatt/arcfs/internal/archive"
)

// attrValidDuration is how long the kernel may cache attributes and entry
// lookups. The tree never changes, so a long timeout only reduces traffic.
const attrValidDuration = time.Minute

// Server is a live mount.
type Server struct {
	*fuse.Server

	mc      *mountContext
	watcher *archiveWatcher
}

// Mount serves a built index at the mountpoint. Serving is single-threaded;
// the side-buffer and reader-swapping protocol relies on reads not
// interleaving.
func Mount(ix *Index, o Options) (*Server, error) {
	mc := &mountContext{
		desc:    ix.Desc,
		tree:    ix.Tree,
		readers: archive.NewReaderPool(ix.Desc),
		bufs:    ix.bufs,
		uid:     o.UID,
		gid:     o.GID,
	}
	root := &rootNode{dirNode{archiveNode{mc: mc, n: ix.Tree.Root}}}

	timeout := attrValidDuration
	options := append([]string{"ro"}, o.FuseOptions...)
	server, err := fs.Mount(o.MountPoint, root, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:         o.ArchivePath,
			Name:           "arcfs",
			Options:        options,
			SingleThreaded: true,
			Debug:          o.Debug,
		},
	})
	if err != nil {
		return nil, err
	}

	s := &Server{Server: server, mc: mc}
	if w, err := watchArchive(ix.Desc); err == nil {
		s.watcher = w
	} else {
		logger.Debug("could not watch archive", "error", err)
	}
	return s, nil
}

// Close releases the mount's resources after the server has finished
// serving.
func (s *Server) Close() {
	if s.watcher != nil {
		s.watcher.close()
	}
	s.mc.mu.Lock()
	defer s.mc.mu.Unlock()
	s.mc.readers.Close()
}
