package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
)

func TestSanitizeStripsControlCharacters(t *testing.T) {
	assert.Equal(t, "a b c", Sanitize("a\nb\rc"))
	assert.Equal(t, "ab", Sanitize("a\x00\x1bb"))
	assert.Equal(t, "plain text", Sanitize("plain text"))
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestAuditRecordsErrorKind(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LogConfig{Level: "info"}, &buf)
	Audit(l, AuditEntry{
		Operation: "command.submit",
		Principal: model.Principal{Name: "alice\nforged", Origin: model.OriginHTTP},
		Err:       model.NewError(model.KindRejectedCommand, model.ReasonMetacharacter, nil),
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["channel"])
	assert.Equal(t, "alice forged", line["principal"])
	assert.Equal(t, "E_REJECTED_COMMAND", line["result"])
	assert.Equal(t, "metacharacter", line["reason"])
	assert.Equal(t, "warn", line["level"])
}
