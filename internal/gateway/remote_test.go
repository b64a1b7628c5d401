package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgate/internal/command"
	"github.com/g960059/tmuxgate/internal/db"
	"github.com/g960059/tmuxgate/internal/dispatch"
	"github.com/g960059/tmuxgate/internal/model"
	"github.com/g960059/tmuxgate/internal/ratelimit"
)

type blockingDispatcher struct {
	release chan struct{}

	mu sync.Mutex
	n  int
}

func (b *blockingDispatcher) Dispatch(_ context.Context, _ model.CommandRequest, _ command.Validated) (dispatch.Result, error) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return dispatch.Result{DispatchID: fmt.Sprintf("d-%d", b.n), Accepted: true}, nil
}

func (b *blockingDispatcher) Output(context.Context, int) (string, model.Session, error) {
	return "", model.Session{}, nil
}

func (b *blockingDispatcher) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func remotePayload(origin string) []byte {
	return []byte(fmt.Sprintf(`{"command":"uptime","origin":%q}`, origin))
}

func TestRemoteCommandsShareOneBudget(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limits = ratelimit.NewSet(1, 1) })
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 20; i++ {
		err := f.svc.HandleRemoteCommand(ctx, "tmuxgate/control/command", remotePayload(fmt.Sprintf("o%d", i)))
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, model.ErrRateLimited)
		assert.Greater(t, model.RetryAfterOf(err), time.Duration(0))
	}
	assert.Equal(t, 1, accepted, "rotating origins must not open new budgets")
	assert.Len(t, f.disp.reqs, 1)
	assert.Contains(t, f.logs.String(), `"principal":"mqtt:o7"`, "audit keeps the origin")

	_, err := f.svc.SubmitCommand(ctx, alice, "ls")
	assert.NoError(t, err, "http principals keep their own budget")
}

func TestRateLimitedErrorCarriesRetryAfter(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Limits = ratelimit.NewSet(2, 1) })
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.SubmitCommand(ctx, alice, "ls")
		require.NoError(t, err)
	}
	_, err := f.svc.SubmitCommand(ctx, alice, "ls")
	require.ErrorIs(t, err, model.ErrRateLimited)
	retry := model.RetryAfterOf(err)
	assert.Greater(t, retry, 25*time.Second)
	assert.LessOrEqual(t, retry, 30*time.Second)
}

func TestRemoteControlDropsWhenSaturated(t *testing.T) {
	disp := &blockingDispatcher{release: make(chan struct{})}
	f := newFixture(t, func(d *Deps) {
		d.Dispatcher = disp
		d.Limits = ratelimit.NewSet(0, 0)
	})
	rc := NewRemoteControl(context.Background(), f.svc, 2, zerolog.Nop())

	for i := 0; i < 10; i++ {
		rc.Handle("tmuxgate/control/command", remotePayload(fmt.Sprintf("o%d", i)))
	}
	close(disp.release)
	rc.Wait()
	assert.Equal(t, 2, disp.count())

	rc.Handle("tmuxgate/control/command", remotePayload("late"))
	rc.Wait()
	assert.Equal(t, 3, disp.count(), "slots free up once commands finish")
}

type fakeDispatchLog struct {
	recs map[string]model.DispatchRecord
}

func (f fakeDispatchLog) ListDispatches(context.Context, int) ([]model.DispatchRecord, error) {
	out := make([]model.DispatchRecord, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out, nil
}

func (f fakeDispatchLog) GetDispatch(_ context.Context, id string) (model.DispatchRecord, error) {
	r, ok := f.recs[id]
	if !ok {
		return model.DispatchRecord{}, db.ErrNotFound
	}
	return r, nil
}

func TestDispatchLookup(t *testing.T) {
	log := fakeDispatchLog{recs: map[string]model.DispatchRecord{
		"d-1": {DispatchID: "d-1", Result: model.DispatchCompleted},
	}}
	f := newFixture(t, func(d *Deps) { d.Dispatches = log })
	ctx := context.Background()

	rec, err := f.svc.Dispatch(ctx, alice, " d-1 ")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchCompleted, rec.Result)

	_, err = f.svc.Dispatch(ctx, alice, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.svc.Dispatch(ctx, model.Principal{}, "d-1")
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
}
