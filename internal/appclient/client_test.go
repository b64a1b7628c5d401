package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/tmuxgate/internal/api"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestSubmitCommandSendsTokenAndBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var req api.CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Command != "git status" {
			t.Fatalf("unexpected command %q", req.Command)
		}
		writeJSON(t, w, http.StatusOK, api.CommandResponse{SchemaVersion: "v1", DispatchID: "d-1", SessionID: "s-1", Accepted: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, "tok", srv.Client())
	resp, err := client.SubmitCommand(context.Background(), "git status")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !resp.Accepted || resp.DispatchID != "d-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRequestErrorCarriesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/command", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusForbidden, api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_REJECTED_COMMAND", Message: "command rejected: blocked"},
		})
	})
	mux.HandleFunc("/v1/session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewWithClient(srv.URL, "", srv.Client())

	_, err := client.SubmitCommand(context.Background(), "rm -rf /")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T %v", err, err)
	}
	if reqErr.Code != "E_REJECTED_COMMAND" || reqErr.StatusCode != http.StatusForbidden || reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}

	_, err = client.Session(context.Background())
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T %v", err, err)
	}
	if reqErr.Code != "HTTP_502" || reqErr.Message != "upstream down" || !reqErr.Retryable() {
		t.Fatalf("unexpected fallback error: %+v", reqErr)
	}
}

func TestUploadStreamsMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("dir"); got != "docs" {
			t.Fatalf("unexpected dir %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "a.txt" || string(data) != "payload" {
			t.Fatalf("unexpected upload %q %q", hdr.Filename, data)
		}
		writeJSON(t, w, http.StatusCreated, api.UploadResponse{SchemaVersion: "v1", Path: "docs/a.txt", Size: int64(len(data))})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, "tok", srv.Client())
	resp, err := client.Upload(context.Background(), "docs", "a.txt", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Path != "docs/a.txt" || resp.Size != 7 {
		t.Fatalf("unexpected upload response: %+v", resp)
	}
}

func TestDownloadCopiesBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/download", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("path") {
		case "docs/a.txt":
			_, _ = io.WriteString(w, "contents")
		default:
			writeJSON(t, w, http.StatusNotFound, api.ErrorResponse{Error: api.APIError{Code: "E_NOT_FOUND", Message: "not found"}})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewWithClient(srv.URL, "tok", srv.Client())

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "docs/a.txt", &buf)
	if err != nil || n != 8 || buf.String() != "contents" {
		t.Fatalf("download: n=%d err=%v body=%q", n, err, buf.String())
	}

	buf.Reset()
	_, err = client.Download(context.Background(), "missing", &buf)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "E_NOT_FOUND" {
		t.Fatalf("expected not found, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("error body leaked into destination: %q", buf.String())
	}
}

func TestWaitTaskPollsUntilSettled(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/schedule/t-1", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		switch {
		case n == 1:
			writeJSON(t, w, http.StatusServiceUnavailable, api.ErrorResponse{Error: api.APIError{Code: "E_IO_FAILURE"}})
		case n < 4:
			writeJSON(t, w, http.StatusOK, api.TaskEnvelope{Task: api.TaskResponse{TaskID: "t-1", Status: "pending"}})
		default:
			writeJSON(t, w, http.StatusOK, api.TaskEnvelope{Task: api.TaskResponse{TaskID: "t-1", Status: "fired"}})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewWithClient(srv.URL, "tok", srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := client.WaitTask(ctx, "t-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task: %v", err)
	}
	if task.Status != "fired" || calls.Load() != 4 {
		t.Fatalf("unexpected wait result: %+v after %d calls", task, calls.Load())
	}
}

func TestListQueriesCarryLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dispatches", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Fatalf("expected limit=5, got %q", r.URL.RawQuery)
		}
		writeJSON(t, w, http.StatusOK, api.ListEnvelope[api.DispatchItem]{Items: []api.DispatchItem{{DispatchID: "d-1"}}})
	})
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Fatalf("expected no query for root listing, got %q", r.URL.RawQuery)
		}
		writeJSON(t, w, http.StatusOK, api.ListEnvelope[api.FileItem]{Items: []api.FileItem{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := NewWithClient(srv.URL, "tok", srv.Client())

	items, err := client.Dispatches(context.Background(), 5)
	if err != nil || len(items) != 1 {
		t.Fatalf("dispatches: %v %+v", err, items)
	}
	files, err := client.ListFiles(context.Background(), "")
	if err != nil || len(files) != 0 {
		t.Fatalf("files: %v %+v", err, files)
	}
}

func TestUnaryTimeoutApplies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, "", srv.Client()).WithUnaryTimeout(50 * time.Millisecond)
	start := time.Now()
	if _, err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("unary timeout not applied")
	}
}

func TestDispatchEscapesID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dispatches/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v1/dispatches/a%2Fb" {
			t.Fatalf("unexpected path %q", r.URL.EscapedPath())
		}
		writeJSON(t, w, http.StatusOK, api.DispatchEnvelope{SchemaVersion: "v1", Dispatch: api.DispatchItem{DispatchID: "a/b", Result: "completed"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewWithClient(srv.URL, "", srv.Client()).Dispatch(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if d.DispatchID != "a/b" || d.Result != "completed" {
		t.Fatalf("unexpected dispatch: %+v", d)
	}
}
