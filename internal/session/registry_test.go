package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/tmux"
)

type fakeTerminal struct {
	mu          sync.Mutex
	exists      bool
	tmuxID      string
	created     time.Time
	seq         int
	createCalls atomic.Int32
	createDelay time.Duration
	existsErr   error
}

func (f *fakeTerminal) SessionExists(_ context.Context, target string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.exists && (target == "=main" || target == f.tmuxID), nil
}

func (f *fakeTerminal) CreateSession(_ context.Context, name, _ string) error {
	f.createCalls.Add(1)
	time.Sleep(f.createDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists {
		return errors.New("duplicate session: " + name)
	}
	f.seq++
	f.exists = true
	f.tmuxID = fmt.Sprintf("$%d", f.seq)
	f.created = time.Unix(1700000000+int64(f.seq), 0).UTC()
	return nil
}

func (f *fakeTerminal) DescribeSession(_ context.Context, target string) (tmux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return tmux.SessionInfo{}, tmux.ErrSessionNotFound
	}
	return tmux.SessionInfo{TmuxID: f.tmuxID, Name: "main", CreatedAt: f.created, CurrentPath: "/work"}, nil
}

func (f *fakeTerminal) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = false
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func newRegistry(term Terminal, notifier notify.Notifier) *Registry {
	cfg := config.DefaultConfig().Session
	return NewRegistry(term, cfg, notifier, zerolog.Nop())
}

func TestGetWithoutSessionIsUnavailable(t *testing.T) {
	r := newRegistry(&fakeTerminal{}, nil)
	_, err := r.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSessionUnavailable))
}

func TestGetAdoptsExistingSession(t *testing.T) {
	term := &fakeTerminal{exists: true, tmuxID: "$7", created: time.Unix(1700000000, 0).UTC()}
	r := newRegistry(term, nil)

	s, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "$7", s.TmuxID)
	assert.True(t, s.Alive)
	assert.Equal(t, int64(1), s.Epoch)
	assert.Equal(t, DeriveSessionID("main", "$7", s.CreatedAt, 1), s.SessionID)
	assert.Zero(t, term.createCalls.Load())
}

func TestEnsureCreatesOnceUnderConcurrency(t *testing.T) {
	term := &fakeTerminal{createDelay: 20 * time.Millisecond}
	notes := &recordingNotifier{}
	r := newRegistry(term, notes)

	const callers = 20
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Ensure(context.Background())
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			ids[i] = s.SessionID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), term.createCalls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	require.Len(t, notes.notes, 1)
	assert.Equal(t, "session", notes.notes[0].Topic)
	assert.Contains(t, string(notes.notes[0].Payload), "session.created")
}

func TestEnsureRecreatesAfterExternalKill(t *testing.T) {
	term := &fakeTerminal{}
	r := newRegistry(term, nil)
	r.livenessTTL = 0

	first, err := r.Ensure(context.Background())
	require.NoError(t, err)

	term.kill()
	_, err = r.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSessionUnavailable))
	snap, ok := r.Snapshot()
	require.True(t, ok)
	assert.False(t, snap.Alive)

	second, err := r.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(2), second.Epoch)
	assert.Equal(t, int32(2), term.createCalls.Load())
}

func TestInvalidateOnlyMatchingSession(t *testing.T) {
	term := &fakeTerminal{exists: true, tmuxID: "$1"}
	r := newRegistry(term, nil)
	s, err := r.Get(context.Background())
	require.NoError(t, err)

	r.Invalidate("other")
	snap, _ := r.Snapshot()
	assert.True(t, snap.Alive)

	r.Invalidate(s.SessionID)
	snap, _ = r.Snapshot()
	assert.False(t, snap.Alive)
}

func TestEnsureSurfacesTerminalFailure(t *testing.T) {
	term := &fakeTerminal{existsErr: errors.New("exec: tmux not found")}
	r := newRegistry(term, nil)
	_, err := r.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSessionUnavailable))
}

func TestDeriveSessionIDChangesWithEpoch(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := DeriveSessionID("main", "$1", at, 1)
	assert.Equal(t, a, DeriveSessionID("main", "$1", at, 1))
	assert.NotEqual(t, a, DeriveSessionID("main", "$1", at, 2))
	assert.Len(t, a, 64)
}
