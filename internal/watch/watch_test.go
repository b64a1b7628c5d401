package watch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
)

type recorder struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (r *recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

// changes flattens every recorded files.changed event.
func (r *recorder) changes(t *testing.T) map[string]string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]string{}
	for _, n := range r.notes {
		var ev struct {
			Event string `json:"event"`
			Data  struct {
				Changes []Change `json:"changes"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(n.Payload, &ev))
		require.Equal(t, notify.TopicFiles, n.Topic)
		for _, c := range ev.Data.Changes {
			out[c.Path] = c.Op
		}
	}
	return out
}

func TestWatcherReportsChangesUnderRoot(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w := New(root, rec, zerolog.Nop())
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".upload-1.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("y"), 0o644))

	require.Eventually(t, func() bool {
		c := rec.changes(t)
		return c["a.txt"] != "" && c["sub/b.txt"] != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, rec.changes(t), ".upload-1.tmp")

	cancel()
	require.NoError(t, <-done)
}

func TestRelevantSkipsHiddenAndOutside(t *testing.T) {
	w := New("/srv/files", nil, zerolog.Nop())
	rel, ok := w.relevant("/srv/files/docs/a.txt")
	assert.True(t, ok)
	assert.Equal(t, "docs/a.txt", rel)

	for _, p := range []string{"/srv/files", "/srv/other/a.txt", "/srv/files/.git/HEAD", "/srv/files/.upload-9.tmp"} {
		_, ok := w.relevant(p)
		assert.False(t, ok, p)
	}
}

func TestClassifyAndMerge(t *testing.T) {
	assert.Equal(t, "created", classify(fsnotify.Create))
	assert.Equal(t, "modified", classify(fsnotify.Write))
	assert.Equal(t, "removed", classify(fsnotify.Rename))
	assert.Equal(t, "", classify(fsnotify.Chmod))

	assert.Equal(t, "created", merge("created", "modified"))
	assert.Equal(t, "removed", merge("created", "removed"))
	assert.Equal(t, "modified", merge("", "modified"))
}
