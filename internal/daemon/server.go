// Package daemon is the HTTP boundary of the gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/gateway"
	"github.com/g960059/tmuxgate/internal/model"
)

const (
	maxJSONBody          = 16 << 10
	multipartOverhead    = 1 << 20
	defaultOutputLines   = 200
	maxOutputLines       = 5000
	lockFileName         = "tmuxgated.lock"
	throttleBacklogRatio = 4
)

// Gateway is the service surface the HTTP handlers call.
type Gateway interface {
	SubmitCommand(ctx context.Context, p model.Principal, raw string) (dispatch.Result, error)
	Schedule(ctx context.Context, p model.Principal, raw, when string) (model.ScheduledTask, error)
	CancelTask(ctx context.Context, p model.Principal, taskID string) (bool, error)
	TaskStatus(ctx context.Context, p model.Principal, taskID string) (model.ScheduledTask, error)
	ListTasks(ctx context.Context, p model.Principal, limit int) ([]model.ScheduledTask, error)
	Upload(ctx context.Context, p model.Principal, dir, filename string, src io.Reader) (model.StoredFile, error)
	Download(ctx context.Context, p model.Principal, userPath string) (io.ReadCloser, model.StoredFile, error)
	ListFiles(ctx context.Context, p model.Principal, dir string) ([]model.FileEntry, error)
	Session(ctx context.Context, p model.Principal) (model.Session, error)
	Output(ctx context.Context, p model.Principal, lines int) (string, model.Session, error)
	Dispatches(ctx context.Context, p model.Principal, limit int) ([]model.DispatchRecord, error)
	Dispatch(ctx context.Context, p model.Principal, dispatchID string) (model.DispatchRecord, error)
	TestNotify(ctx context.Context, p model.Principal, message string) error
	Health() gateway.Health
}

type Server struct {
	cfg         config.Config
	gw          Gateway
	log         zerolog.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, gw Gateway, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, gw: gw, log: log}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog())
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.MethodNotAllowed(s.methodNotAllowed)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, string(model.KindNotFound), "not found")
	})

	r.Get("/v1/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		if n := s.cfg.MaxConcurrentRequests; n > 0 {
			r.Use(middleware.ThrottleBacklog(n, n*throttleBacklogRatio, 30*time.Second))
		}
		r.Use(s.requireAuth)

		r.Get("/terminal", s.terminalHandler)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/command", s.commandHandler)
			r.Post("/schedule", s.scheduleHandler)
			r.Get("/schedule", s.listTasksHandler)
			r.Get("/schedule/{taskID}", s.taskHandler)
			r.Delete("/schedule/{taskID}", s.cancelTaskHandler)
			r.Post("/upload", s.uploadHandler)
			r.Get("/download", s.downloadHandler)
			r.Get("/files", s.filesHandler)
			r.Get("/session", s.sessionHandler)
			r.Get("/output", s.outputHandler)
			r.Get("/dispatches", s.dispatchesHandler)
			r.Get("/dispatches/{dispatchID}", s.dispatchHandler)
			r.Post("/notify/test", s.notifyTestHandler)
		})
	})

	if len(s.cfg.CORSOrigins) == 0 {
		return r
	}
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.MaxAge(600),
	)(r)
}

// Start listens on cfg.ListenAddr and serves until ctx is done. A lock file in
// the data directory keeps a second daemon from starting.
func (s *Server) Start(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr reports the bound listener address once Start is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := filepath.Join(s.cfg.DataDir, lockFileName)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
