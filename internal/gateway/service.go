// Package gateway maps authenticated requests onto the dispatcher, scheduler,
// and file store. It owns auditing and per-principal limits; the components
// own the rules.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/db"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/logging"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/pathguard"
	"github.com/g960059/tmuxgate/internal/ratelimit"
	"github.com/g960059/tmuxgate/internal/security"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxListEntries   = 10000
)

type Validator interface {
	Validate(raw string) (command.Validated, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req model.CommandRequest, cmd command.Validated) (dispatch.Result, error)
	Output(ctx context.Context, lines int) (string, model.Session, error)
}

type Sessions interface {
	Get(ctx context.Context) (model.Session, error)
	Snapshot() (model.Session, bool)
}

type Scheduler interface {
	Schedule(ctx context.Context, principal model.Principal, raw, when string) (model.ScheduledTask, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	Status(ctx context.Context, taskID string) (model.ScheduledTask, error)
	List(ctx context.Context, limit int) ([]model.ScheduledTask, error)
}

type Files interface {
	Guard() *pathguard.Guard
	Put(ctx context.Context, r pathguard.Resolved, src io.Reader, maxBytes int64) (model.StoredFile, error)
	Get(r pathguard.Resolved) (io.ReadCloser, model.StoredFile, error)
	List(r pathguard.Resolved) (iter.Seq2[model.FileEntry, error], error)
}

type DispatchLog interface {
	ListDispatches(ctx context.Context, limit int) ([]model.DispatchRecord, error)
	GetDispatch(ctx context.Context, dispatchID string) (model.DispatchRecord, error)
}

// Broker is the live notification connection, nil when MQTT is disabled.
type Broker interface {
	Connected() bool
}

type Deps struct {
	Validator  Validator
	Dispatcher Dispatcher
	Sessions   Sessions
	Scheduler  Scheduler
	Files      Files
	Dispatches DispatchLog
	Notifier   notify.Notifier
	Broker     Broker
	Limits     ratelimit.Set
}

type Service struct {
	validator  Validator
	dispatcher Dispatcher
	sessions   Sessions
	scheduler  Scheduler
	files      Files
	dispatches DispatchLog
	notifier   notify.Notifier
	broker     Broker
	limits     ratelimit.Set
	log        zerolog.Logger
	now        func() time.Time
}

func New(d Deps, log zerolog.Logger) *Service {
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Service{
		validator:  d.Validator,
		dispatcher: d.Dispatcher,
		sessions:   d.Sessions,
		scheduler:  d.Scheduler,
		files:      d.Files,
		dispatches: d.Dispatches,
		notifier:   n,
		broker:     d.Broker,
		limits:     d.Limits,
		log:        log,
		now:        time.Now,
	}
}

var errNoPrincipal = model.NewError(model.KindUnauthenticated, "", errors.New("missing principal"))

func (s *Service) audit(op string, p model.Principal, detail string, err error) {
	logging.Audit(s.log, logging.AuditEntry{Operation: op, Principal: p, Detail: detail, Err: err})
}

// remoteLimitKey is the single budget shared by all broker commands. The
// publisher picks the origin, so it cannot select a bucket.
const remoteLimitKey = "broker"

func limitKey(p model.Principal) string {
	if p.Origin == model.OriginBroker {
		return remoteLimitKey
	}
	return p.Name
}

// allow charges one event to p's bucket in l.
func allow(l *ratelimit.Limiter, p model.Principal) error {
	key := limitKey(p)
	if l.Allow(key) {
		return nil
	}
	return &model.Error{Kind: model.KindRateLimited, RetryAfter: l.RetryAfter(key)}
}

// SubmitCommand validates raw and dispatches it to the session.
func (s *Service) SubmitCommand(ctx context.Context, p model.Principal, raw string) (res dispatch.Result, err error) {
	detail := ""
	defer func() { s.audit("command.submit", p, detail, err) }()
	if !p.Valid() {
		return dispatch.Result{}, errNoPrincipal
	}
	if err := allow(s.limits.Commands, p); err != nil {
		return dispatch.Result{}, err
	}
	cmd, err := s.validator.Validate(raw)
	if err != nil {
		return dispatch.Result{}, err
	}
	detail = security.RedactCommand(cmd.Argv())
	return s.dispatcher.Dispatch(ctx, model.CommandRequest{
		Raw:         raw,
		SubmittedAt: s.now().UTC(),
		Origin:      p.Origin,
		Principal:   p,
	}, cmd)
}

func (s *Service) Schedule(ctx context.Context, p model.Principal, raw, when string) (task model.ScheduledTask, err error) {
	defer func() { s.audit("task.schedule", p, task.TaskID, err) }()
	if !p.Valid() {
		return model.ScheduledTask{}, errNoPrincipal
	}
	if err := allow(s.limits.Commands, p); err != nil {
		return model.ScheduledTask{}, err
	}
	return s.scheduler.Schedule(ctx, p, raw, when)
}

func (s *Service) CancelTask(ctx context.Context, p model.Principal, taskID string) (cancelled bool, err error) {
	defer func() { s.audit("task.cancel", p, taskID, err) }()
	if !p.Valid() {
		return false, errNoPrincipal
	}
	return s.scheduler.Cancel(ctx, strings.TrimSpace(taskID))
}

func (s *Service) TaskStatus(ctx context.Context, p model.Principal, taskID string) (model.ScheduledTask, error) {
	if !p.Valid() {
		return model.ScheduledTask{}, errNoPrincipal
	}
	return s.scheduler.Status(ctx, strings.TrimSpace(taskID))
}

func (s *Service) ListTasks(ctx context.Context, p model.Principal, limit int) ([]model.ScheduledTask, error) {
	if !p.Valid() {
		return nil, errNoPrincipal
	}
	return s.scheduler.List(ctx, clampLimit(limit))
}

// Upload stores src as dir/filename under the file root.
func (s *Service) Upload(ctx context.Context, p model.Principal, dir, filename string, src io.Reader) (sf model.StoredFile, err error) {
	defer func() { s.audit("file.upload", p, sf.RelPath, err) }()
	if !p.Valid() {
		return model.StoredFile{}, errNoPrincipal
	}
	if err := allow(s.limits.Uploads, p); err != nil {
		return model.StoredFile{}, err
	}
	name, err := pathguard.SanitizeFilename(filename)
	if err != nil {
		return model.StoredFile{}, err
	}
	r, err := s.files.Guard().Resolve(path.Join(strings.TrimSpace(dir), name))
	if err != nil {
		return model.StoredFile{}, err
	}
	return s.files.Put(ctx, r, src, 0)
}

// Download opens userPath for streaming. The caller closes the reader.
func (s *Service) Download(_ context.Context, p model.Principal, userPath string) (rc io.ReadCloser, sf model.StoredFile, err error) {
	defer func() { s.audit("file.download", p, sf.RelPath, err) }()
	if !p.Valid() {
		return nil, model.StoredFile{}, errNoPrincipal
	}
	r, err := s.files.Guard().Resolve(userPath)
	if err != nil {
		return nil, model.StoredFile{}, err
	}
	return s.files.Get(r)
}

func (s *Service) ListFiles(_ context.Context, p model.Principal, dir string) ([]model.FileEntry, error) {
	if !p.Valid() {
		return nil, errNoPrincipal
	}
	r, err := s.files.Guard().ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	seq, err := s.files.List(r)
	if err != nil {
		return nil, err
	}
	entries := []model.FileEntry{}
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if len(entries) >= maxListEntries {
			break
		}
	}
	return entries, nil
}

func (s *Service) Session(ctx context.Context, p model.Principal) (model.Session, error) {
	if !p.Valid() {
		return model.Session{}, errNoPrincipal
	}
	return s.sessions.Get(ctx)
}

func (s *Service) Output(ctx context.Context, p model.Principal, lines int) (string, model.Session, error) {
	if !p.Valid() {
		return "", model.Session{}, errNoPrincipal
	}
	return s.dispatcher.Output(ctx, lines)
}

func (s *Service) Dispatches(ctx context.Context, p model.Principal, limit int) ([]model.DispatchRecord, error) {
	if !p.Valid() {
		return nil, errNoPrincipal
	}
	recs, err := s.dispatches.ListDispatches(ctx, clampLimit(limit))
	if err != nil {
		return nil, model.NewError(model.KindIOFailure, "", err)
	}
	return recs, nil
}

func (s *Service) Dispatch(ctx context.Context, p model.Principal, dispatchID string) (model.DispatchRecord, error) {
	if !p.Valid() {
		return model.DispatchRecord{}, errNoPrincipal
	}
	rec, err := s.dispatches.GetDispatch(ctx, strings.TrimSpace(dispatchID))
	if errors.Is(err, db.ErrNotFound) {
		return model.DispatchRecord{}, model.NewError(model.KindNotFound, "", err)
	}
	if err != nil {
		return model.DispatchRecord{}, model.NewError(model.KindIOFailure, "", err)
	}
	return rec, nil
}

// TestNotify publishes a message on the test topic and reports broker failures
// to the caller instead of dropping them.
func (s *Service) TestNotify(ctx context.Context, p model.Principal, message string) (err error) {
	defer func() { s.audit("notify.test", p, "", err) }()
	if !p.Valid() {
		return errNoPrincipal
	}
	if s.broker == nil {
		return model.NewError(model.KindUnreachable, "", errors.New("mqtt disabled"))
	}
	if message == "" {
		message = "test notification"
	}
	note := notify.NewEvent(notify.TopicTest, "notify.test", map[string]any{
		"message":   security.RedactPayload(logging.Sanitize(message)),
		"principal": p.Name,
	})
	return s.notifier.Notify(ctx, note)
}

// Health summarizes liveness without touching tmux.
type Health struct {
	Session     *model.Session
	BrokerState string
	CheckedAt   time.Time
}

func (s *Service) Health() Health {
	h := Health{BrokerState: "disabled", CheckedAt: s.now().UTC()}
	if sess, ok := s.sessions.Snapshot(); ok {
		h.Session = &sess
	}
	if s.broker != nil {
		h.BrokerState = "disconnected"
		if s.broker.Connected() {
			h.BrokerState = "connected"
		}
	}
	return h
}

// RemoteCommand is the payload accepted on the control topic.
type RemoteCommand struct {
	Command string `json:"command"`
	Origin  string `json:"origin"`
}

var remoteOriginPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// HandleRemoteCommand runs a command received over the broker through the
// same path as HTTP submissions.
func (s *Service) HandleRemoteCommand(ctx context.Context, topic string, payload []byte) error {
	var msg RemoteCommand
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		s.log.Warn().Str("topic", logging.Sanitize(topic)).Msg("remote command payload rejected")
		return model.NewError(model.KindBadRequest, "", fmt.Errorf("decode remote command: %w", err))
	}
	origin := strings.TrimSpace(msg.Origin)
	if !remoteOriginPattern.MatchString(origin) {
		s.log.Warn().Str("topic", logging.Sanitize(topic)).Msg("remote command without valid origin")
		return model.NewError(model.KindBadRequest, "", errors.New("remote command origin"))
	}
	p := model.Principal{Name: "mqtt:" + origin, Origin: model.OriginBroker}
	_, err := s.SubmitCommand(ctx, p, msg.Command)
	return err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
