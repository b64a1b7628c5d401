package daemon

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/g960059/tmuxgate/internal/api"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/notify"
)

const (
	uploadFilePart = "file"
	uploadDirField = "dir"
	maxDirField    = 4 << 10
)

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	h := s.gw.Health()
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   h.CheckedAt,
		Status:        "ok",
		Broker:        h.BrokerState,
	}
	if h.Session != nil {
		sess := toSessionResponse(*h.Session)
		resp.Session = &sess
		if !sess.Alive {
			resp.Status = "degraded"
		}
	}
	if h.BrokerState == "disconnected" {
		resp.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// terminalHandler sends the caller to the web terminal served next to the
// gateway. It is only reachable after auth.
func (s *Server) terminalHandler(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(s.cfg.TerminalURL)
	if target == "" {
		s.writeError(w, http.StatusNotFound, string(model.KindNotFound), "terminal not configured")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CommandRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.gw.SubmitCommand(r.Context(), principalFrom(r.Context()), req.Command)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CommandResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		DispatchID:    res.DispatchID,
		SessionID:     res.SessionID,
		Accepted:      res.Accepted,
		OutputRef:     res.OutputRef,
	})
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req api.ScheduleRequest
	if err := decodeBody(r, w, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	at, delay := strings.TrimSpace(req.At), strings.TrimSpace(req.Delay)
	if (at == "") == (delay == "") {
		s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "exactly one of at or delay is required")
		return
	}
	when := at
	if delay != "" {
		when = delay
	}
	task, err := s.gw.Schedule(r.Context(), principalFrom(r.Context()), req.Command, when)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.TaskEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Task:          toTaskResponse(task),
	})
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r)
	if !ok {
		return
	}
	tasks, err := s.gw.ListTasks(r.Context(), principalFrom(r.Context()), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]api.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.TaskResponse]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Items:         items,
	})
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	task, err := s.gw.TaskStatus(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Task:          toTaskResponse(task),
	})
}

// cancelTaskHandler answers 200 whether or not the task was still pending;
// Cancelled and Status tell the caller which.
func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	taskID := chi.URLParam(r, "taskID")
	cancelled, err := s.gw.CancelTask(r.Context(), p, taskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	task, err := s.gw.TaskStatus(r.Context(), p, taskID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		TaskID:        task.TaskID,
		Cancelled:     cancelled,
		Status:        string(task.Status),
	})
}

// uploadHandler streams a multipart body straight into the file store. The
// optional "dir" field must precede the "file" part; ?dir= works as well.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Files.MaxUploadBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "multipart body required")
		return
	}
	dir := r.URL.Query().Get(uploadDirField)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "file part required")
			return
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				s.writeServiceError(w, r, err)
				return
			}
			s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "malformed multipart body")
			return
		}
		switch part.FormName() {
		case uploadDirField:
			raw, err := io.ReadAll(io.LimitReader(part, maxDirField+1))
			part.Close() //nolint:errcheck
			if err != nil || len(raw) > maxDirField {
				s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "invalid dir field")
				return
			}
			dir = string(raw)
		case uploadFilePart:
			sf, err := s.gw.Upload(r.Context(), principalFrom(r.Context()), dir, part.FileName(), part)
			part.Close() //nolint:errcheck
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusCreated, api.UploadResponse{
				SchemaVersion: api.SchemaVersion,
				GeneratedAt:   time.Now().UTC(),
				Path:          sf.RelPath,
				Size:          sf.Size,
			})
			return
		default:
			part.Close() //nolint:errcheck
		}
	}
}

func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request) {
	rc, sf, err := s.gw.Download(r.Context(), principalFrom(r.Context()), r.URL.Query().Get("path"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close() //nolint:errcheck

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(sf.RelPath)})
	if disposition == "" {
		disposition = "attachment"
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Length", strconv.FormatInt(sf.Size, 10))
	if !sf.ModTime.IsZero() {
		h.Set("Last-Modified", sf.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("download interrupted")
	}
}

func (s *Server) filesHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.gw.ListFiles(r.Context(), principalFrom(r.Context()), r.URL.Query().Get("dir"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]api.FileItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, toFileItem(e))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.FileItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Items:         items,
	})
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.gw.Session(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionResponse(sess),
	})
}

func (s *Server) outputHandler(w http.ResponseWriter, r *http.Request) {
	lines := defaultOutputLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxOutputLines {
			s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "lines must be between 1 and "+strconv.Itoa(maxOutputLines))
			return
		}
		lines = n
	}
	out, sess, err := s.gw.Output(r.Context(), principalFrom(r.Context()), lines)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OutputResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sess.SessionID,
		Lines:         lines,
		Output:        out,
	})
}

func (s *Server) dispatchesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.gw.Dispatches(r.Context(), principalFrom(r.Context()), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]api.DispatchItem, 0, len(recs))
	for _, d := range recs {
		items = append(items, toDispatchItem(d))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.DispatchItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Items:         items,
	})
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.Dispatch(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "dispatchID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DispatchEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Dispatch:      toDispatchItem(rec),
	})
}

func (s *Server) notifyTestHandler(w http.ResponseWriter, r *http.Request) {
	var req api.NotifyTestRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, w, &req); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if err := s.gw.TestNotify(r.Context(), principalFrom(r.Context()), req.Message); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.NotifyTestResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Topic:         notify.TopicTest,
		Published:     true,
	})
}

func (s *Server) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, http.StatusBadRequest, string(model.KindBadRequest), "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
