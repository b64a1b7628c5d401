package model

import "time"

// TaskStatus is the lifecycle state of a scheduled task persisted in the store.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskFired     TaskStatus = "fired"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// taskTransitions lists the allowed status edges. Anything else is rejected by
// the store's conditional update.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskFired, TaskCancelled},
	TaskFired:   {TaskFailed},
}

func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Origin string

const (
	OriginHTTP      Origin = "http"
	OriginScheduler Origin = "scheduler"
	OriginBroker    Origin = "broker"
)

// Principal identifies the authenticated caller of a gateway operation.
type Principal struct {
	Name   string
	Origin Origin
}

func (p Principal) Valid() bool {
	return p.Name != ""
}

type CommandRequest struct {
	Raw         string
	SubmittedAt time.Time
	Origin      Origin
	Principal   Principal
}

type ScheduledTask struct {
	TaskID     string
	Seq        int64
	Command    string
	DueAt      time.Time
	Status     TaskStatus
	Principal  string
	CreatedAt  time.Time
	FiredAt    *time.Time
	FinishedAt *time.Time
	ErrorCode  *string
	DispatchID *string
}

type Session struct {
	SessionID string
	Name      string
	TmuxID    string
	Alive     bool
	WorkDir   string
	Epoch     int64
	CreatedAt time.Time
}

type StoredFile struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntrySymlink EntryType = "symlink"
	EntryOther   EntryType = "other"
)

type FileEntry struct {
	Name    string
	RelPath string
	Type    EntryType
	Size    int64
	ModTime time.Time
}

type Notification struct {
	Topic     string
	Payload   []byte
	Timestamp time.Time
}

type DispatchResult string

const (
	DispatchPending   DispatchResult = "pending"
	DispatchCompleted DispatchResult = "completed"
	DispatchFailure   DispatchResult = "failed"
)

type DispatchRecord struct {
	DispatchID      string
	SessionID       string
	Principal       string
	Origin          Origin
	CommandRedacted string
	PolicyVersion   string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Result          DispatchResult
	ErrorCode       *string
}
