// Package session owns the single shared tmux session the gateway drives.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/tmux"
)

const defaultLivenessTTL = 2 * time.Second

// Terminal is the part of the tmux layer the registry needs.
type Terminal interface {
	SessionExists(ctx context.Context, target string) (bool, error)
	CreateSession(ctx context.Context, name, workDir string) error
	DescribeSession(ctx context.Context, target string) (tmux.SessionInfo, error)
}

type Registry struct {
	term     Terminal
	cfg      config.SessionConfig
	notifier notify.Notifier
	log      zerolog.Logger

	mu        sync.Mutex
	current   *model.Session
	checkedAt time.Time
	epoch     int64

	group       singleflight.Group
	livenessTTL time.Duration
	now         func() time.Time
}

func NewRegistry(term Terminal, cfg config.SessionConfig, notifier notify.Notifier, log zerolog.Logger) *Registry {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Registry{
		term:        term,
		cfg:         cfg,
		notifier:    notifier,
		log:         log,
		livenessTTL: defaultLivenessTTL,
		now:         time.Now,
	}
}

// DeriveSessionID hashes the fields that identify one incarnation of the
// session. A recreated tmux session gets a new id.
func DeriveSessionID(name, tmuxID string, createdAt time.Time, epoch int64) string {
	payload := fmt.Sprintf("%s|%s|%d|%d", name, tmuxID, createdAt.UTC().Unix(), epoch)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// Get returns the current session. Liveness is re-polled when the last check
// is older than the liveness TTL. A session that tmux already runs under the
// configured name is adopted. ErrSessionUnavailable means nothing is running.
func (r *Registry) Get(ctx context.Context) (model.Session, error) {
	r.mu.Lock()
	cur := r.current
	fresh := cur != nil && cur.Alive && r.now().Sub(r.checkedAt) < r.livenessTTL
	r.mu.Unlock()
	if fresh {
		return *cur, nil
	}
	if cur != nil && cur.Alive {
		ok, err := r.term.SessionExists(ctx, cur.TmuxID)
		if err != nil {
			return model.Session{}, model.NewError(model.KindSessionUnavailable, "", err)
		}
		if ok {
			r.mu.Lock()
			if r.current != nil && r.current.SessionID == cur.SessionID {
				r.checkedAt = r.now()
			}
			r.mu.Unlock()
			return *cur, nil
		}
		r.Invalidate(cur.SessionID)
	}
	s, found, err := r.adopt(ctx)
	if err != nil {
		return model.Session{}, err
	}
	if !found {
		if cur != nil {
			dead := *cur
			dead.Alive = false
			return dead, model.NewError(model.KindSessionUnavailable, "", errors.New("session is not running"))
		}
		return model.Session{}, model.NewError(model.KindSessionUnavailable, "", errors.New("session is not running"))
	}
	return s, nil
}

// Ensure returns a live session, creating it when missing or dead. Concurrent
// callers share one creation attempt.
func (r *Registry) Ensure(ctx context.Context) (model.Session, error) {
	if s, err := r.Get(ctx); err == nil {
		return s, nil
	} else if !errors.Is(err, model.ErrSessionUnavailable) {
		return model.Session{}, err
	}

	ch := r.group.DoChan("ensure", func() (any, error) {
		// Detached so one caller giving up does not abort creation for the rest.
		timeout := r.cfg.CommandTimeout * 3
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return r.create(cctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Session{}, res.Err
		}
		return res.Val.(model.Session), nil
	case <-ctx.Done():
		return model.Session{}, model.NewError(model.KindSessionUnavailable, model.ReasonTimeout, ctx.Err())
	}
}

func (r *Registry) create(ctx context.Context) (model.Session, error) {
	// Double-check: another flight may have finished between Get and here.
	r.mu.Lock()
	if r.current != nil && r.current.Alive && r.now().Sub(r.checkedAt) < r.livenessTTL {
		s := *r.current
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	if s, found, err := r.adopt(ctx); err != nil {
		return model.Session{}, err
	} else if found {
		return s, nil
	}

	if err := r.term.CreateSession(ctx, r.cfg.Name, r.cfg.WorkDir); err != nil {
		// Lost a race with an external creator; adopt it instead.
		if s, found, aerr := r.adopt(ctx); aerr == nil && found {
			return s, nil
		}
		return model.Session{}, model.NewError(model.KindSessionUnavailable, "", err)
	}
	s, found, err := r.adopt(ctx)
	if err != nil {
		return model.Session{}, err
	}
	if !found {
		return model.Session{}, model.NewError(model.KindSessionUnavailable, "", errors.New("session vanished after creation"))
	}
	r.log.Info().Str("session_id", s.SessionID).Str("tmux_id", s.TmuxID).Int64("epoch", s.Epoch).Msg("session created")
	notify.Emit(ctx, r.notifier, r.log, notify.NewEvent(notify.TopicSession, "session.created", map[string]any{
		"session_id": s.SessionID,
		"name":       s.Name,
		"epoch":      s.Epoch,
	}))
	return s, nil
}

// adopt looks up the configured session by exact name and installs it in the
// slot. found is false when tmux has no such session.
func (r *Registry) adopt(ctx context.Context) (model.Session, bool, error) {
	target := "=" + r.cfg.Name
	ok, err := r.term.SessionExists(ctx, target)
	if err != nil {
		return model.Session{}, false, model.NewError(model.KindSessionUnavailable, "", err)
	}
	if !ok {
		return model.Session{}, false, nil
	}
	info, err := r.term.DescribeSession(ctx, target)
	if err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			return model.Session{}, false, nil
		}
		return model.Session{}, false, model.NewError(model.KindSessionUnavailable, "", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.Alive && r.current.TmuxID == info.TmuxID && r.current.CreatedAt.Equal(info.CreatedAt) {
		r.checkedAt = r.now()
		return *r.current, true, nil
	}
	r.epoch++
	s := model.Session{
		Name:      info.Name,
		TmuxID:    info.TmuxID,
		Alive:     true,
		WorkDir:   info.CurrentPath,
		Epoch:     r.epoch,
		CreatedAt: info.CreatedAt,
	}
	s.SessionID = DeriveSessionID(s.Name, s.TmuxID, s.CreatedAt, s.Epoch)
	r.current = &s
	r.checkedAt = r.now()
	return s, true, nil
}

// Invalidate marks the slot dead when it still holds sessionID. An empty id
// invalidates whatever is current.
func (r *Registry) Invalidate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	if sessionID != "" && r.current.SessionID != sessionID {
		return
	}
	r.current.Alive = false
	r.log.Warn().Str("session_id", r.current.SessionID).Msg("session invalidated")
}

// Snapshot returns the slot without touching tmux.
func (r *Registry) Snapshot() (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return model.Session{}, false
	}
	return *r.current, true
}
