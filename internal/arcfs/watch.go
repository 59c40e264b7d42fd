package arcfs

import (
	"github.com/fsnotify/fsnotify"

	"github.com/yamatt/arcfs/internal/archive"
)

// archiveWatcher warns when the archive file changes on disk while it is
// mounted. The tree and the pooled decoders assume the file is immutable; a
// modified archive surfaces later as inconsistent reads, and the warning
// names the cause up front.
type archiveWatcher struct {
	w *fsnotify.Watcher
}

func watchArchive(desc *archive.Desc) (*archiveWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(desc.Path); err != nil {
		_ = w.Close()
		return nil, err
	}

	redacted := desc.LogPath
	if desc.Redact {
		redacted = "(redacted)"
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					logger.Warn("archive changed on disk, mounted contents may be inconsistent",
						"archive", redacted, "op", event.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Debug("archive watcher error", "error", err)
			}
		}
	}()

	return &archiveWatcher{w: w}, nil
}

func (a *archiveWatcher) close() {
	_ = a.w.Close()
}
