package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ListEnvelope[T any] struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Items         []T       `json:"items"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type CommandResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	DispatchID    string    `json:"dispatch_id"`
	SessionID     string    `json:"session_id"`
	Accepted      bool      `json:"accepted"`
	OutputRef     string    `json:"output_ref,omitempty"`
}

// ScheduleRequest carries either an absolute At (RFC 3339 with offset) or a
// relative Delay such as "+30s" or "in 5 minutes".
type ScheduleRequest struct {
	Command string `json:"command"`
	At      string `json:"at,omitempty"`
	Delay   string `json:"delay,omitempty"`
}

type TaskResponse struct {
	TaskID     string     `json:"task_id"`
	Command    string     `json:"command"`
	DueAt      time.Time  `json:"due_at"`
	Status     string     `json:"status"`
	Principal  string     `json:"principal"`
	CreatedAt  time.Time  `json:"created_at"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ErrorCode  *string    `json:"error_code,omitempty"`
	DispatchID *string    `json:"dispatch_id,omitempty"`
}

type TaskEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Task          TaskResponse `json:"task"`
}

type CancelResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	TaskID        string    `json:"task_id"`
	Cancelled     bool      `json:"cancelled"`
	Status        string    `json:"status"`
}

type FileItem struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type UploadResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
}

type SessionResponse struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Alive     bool      `json:"alive"`
	WorkDir   string    `json:"work_dir,omitempty"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Session       SessionResponse `json:"session"`
}

type OutputResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Lines         int       `json:"lines"`
	Output        string    `json:"output"`
}

type DispatchItem struct {
	DispatchID    string     `json:"dispatch_id"`
	SessionID     string     `json:"session_id"`
	Principal     string     `json:"principal"`
	Origin        string     `json:"origin"`
	Command       string     `json:"command"`
	PolicyVersion string     `json:"policy_version"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Result        string     `json:"result"`
	ErrorCode     *string    `json:"error_code,omitempty"`
}

type DispatchEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Dispatch      DispatchItem `json:"dispatch"`
}

type NotifyTestRequest struct {
	Message string `json:"message,omitempty"`
}

type NotifyTestResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Topic         string    `json:"topic"`
	Published     bool      `json:"published"`
}
