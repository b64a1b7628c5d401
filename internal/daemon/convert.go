package daemon

import (
	"github.com/g960059/tmuxgate/internal/api"
	"github.com/g960059/tmuxgate/internal/model"
)

func toTaskResponse(t model.ScheduledTask) api.TaskResponse {
	return api.TaskResponse{
		TaskID:     t.TaskID,
		Command:    t.Command,
		DueAt:      t.DueAt,
		Status:     string(t.Status),
		Principal:  t.Principal,
		CreatedAt:  t.CreatedAt,
		FiredAt:    t.FiredAt,
		FinishedAt: t.FinishedAt,
		ErrorCode:  t.ErrorCode,
		DispatchID: t.DispatchID,
	}
}

func toSessionResponse(s model.Session) api.SessionResponse {
	return api.SessionResponse{
		SessionID: s.SessionID,
		Name:      s.Name,
		Alive:     s.Alive,
		WorkDir:   s.WorkDir,
		Epoch:     s.Epoch,
		CreatedAt: s.CreatedAt,
	}
}

func toFileItem(e model.FileEntry) api.FileItem {
	return api.FileItem{
		Name:    e.Name,
		Type:    string(e.Type),
		Path:    e.RelPath,
		Size:    e.Size,
		ModTime: e.ModTime,
	}
}

func toDispatchItem(d model.DispatchRecord) api.DispatchItem {
	return api.DispatchItem{
		DispatchID:    d.DispatchID,
		SessionID:     d.SessionID,
		Principal:     d.Principal,
		Origin:        string(d.Origin),
		Command:       d.CommandRedacted,
		PolicyVersion: d.PolicyVersion,
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		Result:        string(d.Result),
		ErrorCode:     d.ErrorCode,
	}
}
