package logging

import (
	"github.com/rs/zerolog"

	"github.com/g960059/tmuxgate/internal/model"
)

// AuditEntry is one gateway operation outcome. Detail must already be
// redacted by the caller.
type AuditEntry struct {
	Operation string
	Principal model.Principal
	Detail    string
	Err       error
}

// Audit writes a structured audit line on the "audit" channel.
func Audit(l zerolog.Logger, e AuditEntry) {
	ev := l.Info()
	if e.Err != nil {
		ev = l.Warn()
	}
	ev = ev.Str("channel", "audit").
		Str("operation", e.Operation).
		Str("principal", Sanitize(e.Principal.Name)).
		Str("origin", string(e.Principal.Origin))
	if e.Detail != "" {
		ev = ev.Str("detail", Sanitize(e.Detail))
	}
	if e.Err != nil {
		kind := model.KindOf(e.Err)
		if kind == "" {
			kind = "E_INTERNAL"
		}
		ev = ev.Str("result", string(kind))
		if reason := model.ReasonOf(e.Err); reason != "" {
			ev = ev.Str("reason", reason)
		}
	} else {
		ev = ev.Str("result", "ok")
	}
	ev.Msg("audit")
}
