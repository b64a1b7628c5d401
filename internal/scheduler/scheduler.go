// Package scheduler runs one-shot commands at a future time. Tasks live in
// sqlite so pending work survives restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/db"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
	"github.com/g960059/tmuxgate/internal/security"
)

type Store interface {
	InsertTask(ctx context.Context, task model.ScheduledTask) (model.ScheduledTask, error)
	GetTask(ctx context.Context, taskID string) (model.ScheduledTask, error)
	ListTasks(ctx context.Context, limit int) ([]model.ScheduledTask, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	TransitionTask(ctx context.Context, tr db.TaskTransition) (bool, error)
	SetTaskDispatch(ctx context.Context, taskID, dispatchID string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (db.PurgeResult, error)
}

type Validator interface {
	Validate(raw string) (command.Validated, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req model.CommandRequest, cmd command.Validated) (dispatch.Result, error)
}

type Scheduler struct {
	store      Store
	validator  Validator
	dispatcher Dispatcher
	notifier   notify.Notifier
	log        zerolog.Logger
	cfg        config.SchedulerConfig

	now  func() time.Time
	wake chan struct{}
}

func New(store Store, validator Validator, dispatcher Dispatcher, notifier notify.Notifier, cfg config.SchedulerConfig, log zerolog.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Scheduler{
		store:      store,
		validator:  validator,
		dispatcher: dispatcher,
		notifier:   notifier,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Schedule validates raw, resolves when once against the current clock and
// persists a pending task.
func (s *Scheduler) Schedule(ctx context.Context, principal model.Principal, raw, when string) (model.ScheduledTask, error) {
	if !principal.Valid() {
		return model.ScheduledTask{}, model.NewError(model.KindUnauthenticated, "", errors.New("schedule without principal"))
	}
	cmd, err := s.validator.Validate(raw)
	if err != nil {
		return model.ScheduledTask{}, err
	}
	now := s.now().UTC()
	due, err := ParseDue(when, now, s.cfg.MaxDelay)
	if err != nil {
		return model.ScheduledTask{}, err
	}
	task, err := s.store.InsertTask(ctx, model.ScheduledTask{
		TaskID:    uuid.NewString(),
		Command:   cmd.String(),
		DueAt:     due,
		Status:    model.TaskPending,
		Principal: principal.Name,
		CreatedAt: now,
	})
	if err != nil {
		return model.ScheduledTask{}, model.NewError(model.KindIOFailure, "", fmt.Errorf("insert task: %w", err))
	}

	s.log.Info().
		Str("task_id", task.TaskID).
		Str("principal", task.Principal).
		Time("due_at", task.DueAt).
		Msg("task scheduled")
	s.emit(ctx, "task.scheduled", task, nil)
	s.poke()
	return task, nil
}

// Cancel moves a pending task to cancelled. It reports false without error
// when the task already left pending.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := s.Status(ctx, taskID)
	if err != nil {
		return false, err
	}
	ok, err := s.store.TransitionTask(ctx, db.TaskTransition{
		TaskID: taskID,
		From:   model.TaskPending,
		To:     model.TaskCancelled,
		At:     s.now().UTC(),
	})
	if err != nil {
		return false, model.NewError(model.KindIOFailure, "", fmt.Errorf("cancel task: %w", err))
	}
	if !ok {
		return false, nil
	}
	task.Status = model.TaskCancelled
	s.log.Info().Str("task_id", taskID).Msg("task cancelled")
	s.emit(ctx, "task.cancelled", task, nil)
	return true, nil
}

func (s *Scheduler) Status(ctx context.Context, taskID string) (model.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return model.ScheduledTask{}, model.NewError(model.KindNotFound, "", err)
	}
	if err != nil {
		return model.ScheduledTask{}, model.NewError(model.KindIOFailure, "", err)
	}
	return task, nil
}

func (s *Scheduler) List(ctx context.Context, limit int) ([]model.ScheduledTask, error) {
	tasks, err := s.store.ListTasks(ctx, limit)
	if err != nil {
		return nil, model.NewError(model.KindIOFailure, "", err)
	}
	return tasks, nil
}

// Run fires due tasks until ctx is done. It sleeps until the earliest pending
// task or one tick, whichever comes first. Overdue tasks left from a previous
// run fire on the first pass.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()
	s.log.Info().Dur("tick", s.cfg.TickInterval).Msg("scheduler started")
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
		timer.Reset(s.nextWait(ctx))
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-timer.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) nextWait(ctx context.Context) time.Duration {
	wait := s.cfg.TickInterval
	due, ok, err := s.store.NextDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("next due lookup failed")
		}
		return wait
	}
	if !ok {
		return wait
	}
	if d := due.Sub(s.now()); d > 0 && d < wait {
		wait = d
	}
	return wait
}

// Tick fires every task due at the current time, in (due, seq) order.
func (s *Scheduler) Tick(ctx context.Context) error {
	for {
		now := s.now().UTC()
		due, err := s.store.ListDueTasks(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list due tasks: %w", err)
		}
		progressed := false
		for _, task := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.fire(ctx, task) {
				progressed = true
			}
		}
		if len(due) < s.cfg.BatchSize || !progressed {
			return nil
		}
	}
}

// fire reports false only when the store could not be updated.
func (s *Scheduler) fire(ctx context.Context, task model.ScheduledTask) bool {
	now := s.now().UTC()
	ok, err := s.store.TransitionTask(ctx, db.TaskTransition{
		TaskID: task.TaskID,
		From:   model.TaskPending,
		To:     model.TaskFired,
		At:     now,
	})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to mark task fired")
		return false
	}
	if !ok {
		// cancelled in between
		return true
	}
	task.Status = model.TaskFired
	task.FiredAt = &now
	s.emit(ctx, "task.fired", task, nil)

	cmd, err := s.validator.Validate(task.Command)
	if err != nil {
		s.failTask(ctx, task, err, "")
		return true
	}
	res, err := s.dispatcher.Dispatch(ctx, model.CommandRequest{
		Raw:         task.Command,
		SubmittedAt: now,
		Origin:      model.OriginScheduler,
		Principal:   model.Principal{Name: task.Principal, Origin: model.OriginScheduler},
	}, cmd)
	if err != nil {
		s.failTask(ctx, task, err, res.DispatchID)
		return true
	}
	if err := s.store.SetTaskDispatch(ctx, task.TaskID, res.DispatchID); err != nil {
		s.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to link dispatch to task")
	}
	s.log.Info().
		Str("task_id", task.TaskID).
		Str("dispatch_id", res.DispatchID).
		Str("command", security.RedactCommand(cmd.Argv())).
		Msg("task fired")
	return true
}

func (s *Scheduler) failTask(ctx context.Context, task model.ScheduledTask, cause error, dispatchID string) {
	code := string(model.KindOf(cause))
	if code == "" {
		code = string(model.KindDispatchFailed)
	}
	tr := db.TaskTransition{
		TaskID:    task.TaskID,
		From:      model.TaskFired,
		To:        model.TaskFailed,
		At:        s.now().UTC(),
		ErrorCode: &code,
	}
	if dispatchID != "" {
		tr.DispatchID = &dispatchID
	}
	if _, err := s.store.TransitionTask(context.WithoutCancel(ctx), tr); err != nil {
		s.log.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to mark task failed")
	}
	task.Status = model.TaskFailed
	task.ErrorCode = &code
	s.log.Warn().Err(cause).Str("task_id", task.TaskID).Str("error_code", code).Msg("task failed")
	s.emit(ctx, "task.failed", task, map[string]any{"error": code})
}

// RunRetention purges old terminal tasks and dispatch records on the
// configured cron schedule until ctx is done.
func (s *Scheduler) RunRetention(ctx context.Context) error {
	if s.cfg.RetentionTTL <= 0 || s.cfg.RetentionSchedule == "" {
		<-ctx.Done()
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.RetentionSchedule, func() { s.Purge(ctx) }); err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.cfg.RetentionSchedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) Purge(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.RetentionTTL)
	res, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	s.log.Info().
		Int64("tasks", res.Tasks).
		Int64("dispatches", res.Dispatches).
		Time("cutoff", cutoff).
		Msg("retention purge")
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(ctx context.Context, event string, task model.ScheduledTask, extra map[string]any) {
	data := map[string]any{
		"task_id":   task.TaskID,
		"status":    task.Status,
		"due_at":    task.DueAt,
		"principal": task.Principal,
	}
	for k, v := range extra {
		data[k] = v
	}
	notify.Emit(context.WithoutCancel(ctx), s.notifier, s.log, notify.NewEvent(notify.TopicTask, event, data))
}
