// Package watch publishes change events for the file root.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/notify"
)

const defaultDebounce = 250 * time.Millisecond

// Change is one coalesced filesystem change under the root.
type Change struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

type Watcher struct {
	root     string
	notifier notify.Notifier
	log      zerolog.Logger
	debounce time.Duration
}

func New(root string, notifier notify.Notifier, log zerolog.Logger) *Watcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Watcher{root: root, notifier: notifier, log: log, debounce: defaultDebounce}
}

// Run watches the root and its visible subdirectories until ctx is done.
// Bursts of events for the same path are coalesced into one notification.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.log.Info().Str("root", w.root).Msg("file watcher started")

	pending := map[string]string{}
	flush := time.NewTicker(w.debounce)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			w.emit(ctx, pending)
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify events channel closed")
			}
			rel, ok := w.relevant(event.Name)
			if !ok {
				continue
			}
			op := classify(event.Op)
			if op == "" {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.log.Warn().Err(err).Str("path", rel).Msg("watch new directory")
					}
				}
			}
			w.log.Debug().Str("op", event.Op.String()).Str("path", rel).Msg("fsnotify event")
			pending[rel] = merge(pending[rel], op)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed")
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		case <-flush.C:
			w.emit(ctx, pending)
			clear(pending)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("walk %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// relevant maps an absolute event path to its root-relative form and drops
// hidden entries, including in-flight upload temp files.
func (w *Watcher) relevant(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return rel, true
}

func classify(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return "removed"
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	default:
		return ""
	}
}

// merge folds a new op into the one already pending for a path.
func merge(prev, next string) string {
	switch {
	case prev == "":
		return next
	case prev == "created" && next == "modified":
		return "created"
	default:
		return next
	}
}

func (w *Watcher) emit(ctx context.Context, pending map[string]string) {
	if len(pending) == 0 {
		return
	}
	changes := make([]Change, 0, len(pending))
	for p, op := range pending {
		changes = append(changes, Change{Path: p, Op: op})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	note := notify.NewEvent(notify.TopicFiles, "files.changed", map[string]any{"changes": changes})
	notify.Emit(context.WithoutCancel(ctx), w.notifier, w.log, note)
}
