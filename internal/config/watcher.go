package config

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dare/pkg/logx"
)

type Op int

const (
	Added Op = iota + 1
	Modified
	Removed
	Renamed
	// Resync asks the consumer to rescan the whole directory, e.g. after
	// the watcher overflowed or restarted and may have missed events.
	Resync
)

func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case Resync:
		return "resync"
	default:
		return "unknown"
	}
}

// Change is one observed change to a job file. Path is canonical (absolute
// and cleaned). For Renamed, Path is the old name; the new name arrives as
// its own Added change.
type Change struct {
	Op   Op
	Path string
}

// CanonicalPath is the identity a job file is tracked under.
func CanonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// ListJobFiles returns the canonical paths of every job file in dir, sorted.
func ListJobFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsConfigFile(e.Name()) {
			continue
		}
		out = append(out, CanonicalPath(filepath.Join(dir, e.Name())))
	}
	slices.Sort(out)
	return out, nil
}

// Watcher reports changes to job files in one directory.
type Watcher struct {
	dir string
	log logx.Logger
}

func NewWatcher(dir string, log logx.Logger) *Watcher {
	return &Watcher{dir: dir, log: log}
}

// Watch delivers changes to out until ctx is done. Events are not
// debounced; editors often emit several per save.
func (w *Watcher) Watch(ctx context.Context, out chan<- Change) error {
	dir := w.dir

	// When fsnotify gets into a bad state (common on Windows + certain editors),
	// the watcher may stop delivering events or close its channels.
	// Self-heal by recreating the watcher with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
	emit := func(c Change) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	restarted := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			w.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		w.log.Debug("config watcher started", logx.String("dir", dir))
		if restarted && !emit(Change{Op: Resync}) {
			_ = fw.Close()
			return nil
		}

		// inner loop: runs until watcher breaks, then outer loop recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				c, ok := translate(ev)
				if !ok {
					continue
				}
				w.log.Debug("config change detected", logx.String("path", c.Path), logx.String("op", c.Op.String()))
				if !emit(c) {
					_ = fw.Close()
					return nil
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; rescan once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					w.log.Warn("config watch overflow; forcing resync", logx.Err(err), logx.String("dir", dir))
					if !emit(Change{Op: Resync}) {
						_ = fw.Close()
						return nil
					}
					continue
				}
				w.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				// Some fsnotify backends surface watcher closure via an error.
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		restarted = true
		wait := nextWait()
		w.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}

func translate(ev fsnotify.Event) (Change, bool) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || !IsConfigFile(name) {
		return Change{}, false
	}
	path := CanonicalPath(ev.Name)
	switch {
	case ev.Op.Has(fsnotify.Create):
		return Change{Op: Added, Path: path}, true
	case ev.Op.Has(fsnotify.Write):
		return Change{Op: Modified, Path: path}, true
	case ev.Op.Has(fsnotify.Remove):
		return Change{Op: Removed, Path: path}, true
	case ev.Op.Has(fsnotify.Rename):
		return Change{Op: Renamed, Path: path}, true
	}
	return Change{}, false
}
