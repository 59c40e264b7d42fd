package arcfs

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// progressReporter surfaces how far the indexing pass has read into the
// archive, at most once a second: an overwriting progress bar when stderr
// is a terminal, log records otherwise.
type progressReporter struct {
	bar       *progressbar.ProgressBar
	last      time.Time
	displayed bool
}

func newProgressReporter(quiet bool) *progressReporter {
	if quiet {
		return nil
	}
	p := &progressReporter{}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		p.bar = progressbar.NewOptions64(1,
			progressbar.OptionSetDescription("loading"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(time.Second),
			progressbar.OptionClearOnFinish(),
		)
	}
	return p
}

func (p *progressReporter) update(hwm, size int64) {
	if p == nil || size <= 0 {
		return
	}
	if hwm > size {
		hwm = size
	}
	if p.bar != nil {
		p.bar.ChangeMax64(size)
		_ = p.bar.Set64(hwm)
		p.displayed = true
		return
	}
	if time.Since(p.last) < time.Second {
		return
	}
	p.last = time.Now()
	logger.Info("loading", "percent", 100*hwm/size)
	p.displayed = true
}

func (p *progressReporter) finish() {
	if p == nil || !p.displayed {
		return
	}
	if p.bar != nil {
		_ = p.bar.Finish()
		return
	}
	logger.Info("loading", "percent", 100)
}
