package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/deskrelay/internal/logger"
)

var ErrNoFrame = errors.New("no frame available")

// DirCapture serves the newest JPEG in a directory as the screen. Something
// else (a screenshot uploader, a cron job) writes the files.
type DirCapture struct {
	Dir      string
	Debounce time.Duration
}

func NewDirCapture(dir string) *DirCapture {
	return &DirCapture{Dir: dir, Debounce: 200 * time.Millisecond}
}

func (d *DirCapture) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := d.newest()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	return data, nil
}

func (d *DirCapture) newest() (string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return "", fmt.Errorf("read capture dir: %w", err)
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !isJPEG(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		if best == "" || info.ModTime().After(bestMod) ||
			(info.ModTime().Equal(bestMod) && e.Name() > filepath.Base(best)) {
			best = filepath.Join(d.Dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best == "" {
		return "", ErrNoFrame
	}
	return best, nil
}

// Watch calls onFrame whenever a JPEG lands in the directory, coalescing
// bursts of writes. It falls back to polling if the directory cannot be
// watched. Watch blocks until ctx is done.
func (d *DirCapture) Watch(ctx context.Context, onFrame func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, polling capture dir", "dir", d.Dir, "err", err)
		return d.poll(ctx, onFrame)
	}
	defer watcher.Close()
	if err := watcher.Add(d.Dir); err != nil {
		logger.Warn("capture dir watch failed, polling instead", "dir", d.Dir, "err", err)
		return d.poll(ctx, onFrame)
	}
	return d.watchEvents(ctx, watcher, onFrame)
}

func (d *DirCapture) watchEvents(ctx context.Context, watcher *fsnotify.Watcher, onFrame func()) error {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isJPEG(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(d.Debounce, onFrame)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("capture dir watch error", "dir", d.Dir, "err", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *DirCapture) poll(ctx context.Context, onFrame func()) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last string
	var lastMod time.Time
	for {
		select {
		case <-ticker.C:
			path, err := d.newest()
			if err != nil {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if path != last || !info.ModTime().Equal(lastMod) {
				last, lastMod = path, info.ModTime()
				onFrame()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isJPEG(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
