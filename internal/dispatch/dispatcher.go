// Package dispatch delivers validated commands to the shared session, one at
// a time per session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/security"
	"github.com/g960059/tmuxgate/internal/tmux"
)

type Terminal interface {
	SendKeystrokes(ctx context.Context, target, text string) error
	CapturePane(ctx context.Context, target string, lines int) (string, error)
}

type Sessions interface {
	Get(ctx context.Context) (model.Session, error)
	Ensure(ctx context.Context) (model.Session, error)
	Invalidate(sessionID string)
}

// Store persists the dispatch audit trail.
type Store interface {
	InsertDispatch(ctx context.Context, rec model.DispatchRecord) error
	FinishDispatch(ctx context.Context, dispatchID string, result model.DispatchResult, finishedAt time.Time, errorCode *string) error
}

type Result struct {
	DispatchID string
	SessionID  string
	Accepted   bool
	// OutputRef names the pane whose capture shows the command's output.
	OutputRef string
}

type Dispatcher struct {
	term     Terminal
	sessions Sessions
	store    Store
	notifier notify.Notifier
	log      zerolog.Logger

	timeout     time.Duration
	outputLines int
	locks       *keyedLocks
	now         func() time.Time
}

func New(term Terminal, sessions Sessions, store Store, notifier notify.Notifier, cfg config.SessionConfig, log zerolog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		term:        term,
		sessions:    sessions,
		store:       store,
		notifier:    notifier,
		log:         log,
		timeout:     timeout,
		outputLines: cfg.OutputLines,
		locks:       newKeyedLocks(),
		now:         time.Now,
	}
}

// Dispatch types cmd into the session. Delivery runs under the dispatch
// timeout and ignores the caller's cancellation once started.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.CommandRequest, cmd command.Validated) (Result, error) {
	if cmd.IsZero() {
		return Result{}, model.NewError(model.KindRejectedCommand, model.ReasonEmpty, nil)
	}
	if !req.Principal.Valid() {
		return Result{}, model.NewError(model.KindUnauthenticated, "", errors.New("dispatch without principal"))
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	sess, err := d.sessions.Ensure(dctx)
	if err != nil {
		return Result{}, asKind(err, model.KindSessionUnavailable)
	}

	origin := req.Origin
	if origin == "" {
		origin = req.Principal.Origin
	}
	rec := model.DispatchRecord{
		DispatchID:      uuid.NewString(),
		SessionID:       sess.SessionID,
		Principal:       req.Principal.Name,
		Origin:          origin,
		CommandRedacted: security.RedactCommand(cmd.Argv()),
		PolicyVersion:   cmd.PolicyVersion(),
		StartedAt:       d.now().UTC(),
		Result:          model.DispatchPending,
	}
	if err := d.store.InsertDispatch(dctx, rec); err != nil {
		return Result{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("record dispatch: %w", err))
	}

	sess, deliverErr := d.deliver(dctx, sess, cmd.String())
	d.finish(dctx, rec, sess, deliverErr)
	if deliverErr != nil {
		return Result{DispatchID: rec.DispatchID, SessionID: sess.SessionID}, deliverErr
	}
	return Result{
		DispatchID: rec.DispatchID,
		SessionID:  sess.SessionID,
		Accepted:   true,
		OutputRef:  sess.TmuxID,
	}, nil
}

// deliver holds the per-session lock for the whole send, including one
// recreation attempt when tmux reports the session gone.
func (d *Dispatcher) deliver(ctx context.Context, sess model.Session, text string) (model.Session, error) {
	unlock, err := d.locks.acquire(ctx, sess.Name)
	if err != nil {
		return sess, model.NewError(model.KindDispatchFailed, model.ReasonTimeout, err)
	}
	defer unlock()

	err = d.term.SendKeystrokes(ctx, sess.TmuxID, text)
	if errors.Is(err, tmux.ErrSessionNotFound) {
		d.sessions.Invalidate(sess.SessionID)
		recreated, ensureErr := d.sessions.Ensure(ctx)
		if ensureErr != nil {
			return sess, asKind(ensureErr, model.KindSessionUnavailable)
		}
		sess = recreated
		err = d.term.SendKeystrokes(ctx, sess.TmuxID, text)
		if errors.Is(err, tmux.ErrSessionNotFound) {
			d.sessions.Invalidate(sess.SessionID)
			return sess, model.NewError(model.KindSessionUnavailable, "", err)
		}
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return sess, model.NewError(model.KindDispatchFailed, model.ReasonTimeout, err)
		}
		return sess, model.NewError(model.KindDispatchFailed, "", err)
	}
	return sess, nil
}

func (d *Dispatcher) finish(ctx context.Context, rec model.DispatchRecord, sess model.Session, deliverErr error) {
	result := model.DispatchCompleted
	event := "command.dispatched"
	var code *string
	if deliverErr != nil {
		result = model.DispatchFailure
		event = "command.failed"
		c := string(model.KindOf(deliverErr))
		code = &c
	}
	if err := d.store.FinishDispatch(context.WithoutCancel(ctx), rec.DispatchID, result, d.now().UTC(), code); err != nil {
		d.log.Error().Err(err).Str("dispatch_id", rec.DispatchID).Msg("failed to finish dispatch record")
	}
	logEv := d.log.Info()
	if deliverErr != nil {
		logEv = d.log.Warn().Err(deliverErr)
	}
	logEv.Str("dispatch_id", rec.DispatchID).
		Str("session_id", sess.SessionID).
		Str("principal", rec.Principal).
		Str("origin", string(rec.Origin)).
		Str("policy_version", rec.PolicyVersion).
		Msg(event)

	data := map[string]any{
		"dispatch_id": rec.DispatchID,
		"session_id":  sess.SessionID,
		"principal":   rec.Principal,
		"origin":      rec.Origin,
		"command":     rec.CommandRedacted,
	}
	if code != nil {
		data["error"] = *code
	}
	notify.Emit(context.WithoutCancel(ctx), d.notifier, d.log, notify.NewEvent(notify.TopicCommand, event, data))
}

// Output captures the last lines of the session pane. It never creates a
// session.
func (d *Dispatcher) Output(ctx context.Context, lines int) (string, model.Session, error) {
	sess, err := d.sessions.Get(ctx)
	if err != nil {
		return "", sess, asKind(err, model.KindSessionUnavailable)
	}
	if lines <= 0 {
		lines = d.outputLines
	}
	out, err := d.term.CapturePane(ctx, sess.TmuxID, lines)
	if err != nil {
		if errors.Is(err, tmux.ErrSessionNotFound) {
			d.sessions.Invalidate(sess.SessionID)
			return "", sess, model.NewError(model.KindSessionUnavailable, "", err)
		}
		return "", sess, model.NewError(model.KindIOFailure, "", err)
	}
	return out, sess, nil
}

// asKind keeps an already classified error and classifies anything else.
func asKind(err error, kind model.ErrorKind) error {
	if model.KindOf(err) != "" {
		return err
	}
	return model.NewError(kind, "", err)
}
