// Package appclient is a typed HTTP client for the tmuxgated v1 API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/tmuxgate/internal/api"
)

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	defaultUnaryTimeout = 10 * time.Second
	maxErrorBody        = 64 << 10
)

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, &http.Client{})
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        strings.TrimSpace(token),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return getJSON[api.HealthResponse](ctx, c, "/v1/health", nil)
}

func (c *Client) SubmitCommand(ctx context.Context, command string) (api.CommandResponse, error) {
	return postJSON[api.CommandResponse](ctx, c, "/v1/command", api.CommandRequest{Command: command})
}

// Schedule queues command. Exactly one of at and delay must be set.
func (c *Client) Schedule(ctx context.Context, command, at, delay string) (api.TaskResponse, error) {
	env, err := postJSON[api.TaskEnvelope](ctx, c, "/v1/schedule", api.ScheduleRequest{Command: command, At: at, Delay: delay})
	return env.Task, err
}

func (c *Client) Task(ctx context.Context, taskID string) (api.TaskResponse, error) {
	env, err := getJSON[api.TaskEnvelope](ctx, c, "/v1/schedule/"+url.PathEscape(strings.TrimSpace(taskID)), nil)
	return env.Task, err
}

func (c *Client) ListTasks(ctx context.Context, limit int) ([]api.TaskResponse, error) {
	env, err := getJSON[api.ListEnvelope[api.TaskResponse]](ctx, c, "/v1/schedule", limitQuery(limit))
	return env.Items, err
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (api.CancelResponse, error) {
	body, err := c.request(ctx, http.MethodDelete, "/v1/schedule/"+url.PathEscape(strings.TrimSpace(taskID)), nil, nil)
	if err != nil {
		return api.CancelResponse{}, err
	}
	return decode[api.CancelResponse](body)
}

// WaitTask polls until the task leaves pending or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (api.TaskResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		task, err := c.Task(ctx, taskID)
		if err != nil {
			var reqErr *RequestError
			if !errors.As(err, &reqErr) || !reqErr.Retryable() {
				return api.TaskResponse{}, err
			}
		} else if task.Status != "pending" {
			return task, nil
		}
		if err := sleepWithContext(ctx, interval); err != nil {
			return task, err
		}
	}
}

func (c *Client) ListFiles(ctx context.Context, dir string) ([]api.FileItem, error) {
	query := url.Values{}
	if dir = strings.TrimSpace(dir); dir != "" {
		query.Set("dir", dir)
	}
	env, err := getJSON[api.ListEnvelope[api.FileItem]](ctx, c, "/v1/files", query)
	return env.Items, err
}

// Upload streams src as a multipart body. Uploads are not bound by the
// unary timeout.
func (c *Client) Upload(ctx context.Context, dir, filename string, src io.Reader) (api.UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, dir, filename, src)
		pw.CloseWithError(err) //nolint:errcheck
	}()
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/upload", nil, pr)
	if err != nil {
		pr.Close() //nolint:errcheck
		return api.UploadResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return api.UploadResponse{}, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := readResponse(resp)
	if err != nil {
		return api.UploadResponse{}, err
	}
	return decode[api.UploadResponse](body)
}

func writeUpload(mw *multipart.Writer, dir, filename string, src io.Reader) error {
	if dir = strings.TrimSpace(dir); dir != "" {
		if err := mw.WriteField("dir", dir); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, src); err != nil {
		return err
	}
	return mw.Close()
}

// Download copies the file at path into dst and returns the byte count.
func (c *Client) Download(ctx context.Context, path string, dst io.Writer) (int64, error) {
	query := url.Values{}
	query.Set("path", path)
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/download", query, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		_, err := readResponse(resp)
		return 0, err
	}
	return io.Copy(dst, resp.Body)
}

func (c *Client) Session(ctx context.Context) (api.SessionResponse, error) {
	env, err := getJSON[api.SessionEnvelope](ctx, c, "/v1/session", nil)
	return env.Session, err
}

func (c *Client) Output(ctx context.Context, lines int) (api.OutputResponse, error) {
	query := url.Values{}
	if lines > 0 {
		query.Set("lines", strconv.Itoa(lines))
	}
	return getJSON[api.OutputResponse](ctx, c, "/v1/output", query)
}

func (c *Client) Dispatches(ctx context.Context, limit int) ([]api.DispatchItem, error) {
	env, err := getJSON[api.ListEnvelope[api.DispatchItem]](ctx, c, "/v1/dispatches", limitQuery(limit))
	return env.Items, err
}

func (c *Client) Dispatch(ctx context.Context, dispatchID string) (api.DispatchItem, error) {
	env, err := getJSON[api.DispatchEnvelope](ctx, c, "/v1/dispatches/"+url.PathEscape(dispatchID), nil)
	return env.Dispatch, err
}

func (c *Client) NotifyTest(ctx context.Context, message string) (api.NotifyTestResponse, error) {
	return postJSON[api.NotifyTestResponse](ctx, c, "/v1/notify/test", api.NotifyTestRequest{Message: message})
}

func getJSON[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	body, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](body)
}

func postJSON[T any](ctx context.Context, c *Client, path string, in any) (T, error) {
	body, err := c.request(ctx, http.MethodPost, path, nil, in)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](body)
}

func decode[T any](body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	return query
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := c.newRequest(reqCtx, method, path, query, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return io.ReadAll(resp.Body)
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
