package gateway

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/tmuxgate/internal/logging"
)

const defaultRemoteInflight = 4

// RemoteControl feeds broker messages to HandleRemoteCommand with at most
// maxInflight commands running. Messages that arrive while every slot is busy
// are dropped, since the broker offers no backpressure.
type RemoteControl struct {
	ctx   context.Context
	svc   *Service
	group errgroup.Group
	log   zerolog.Logger
}

func NewRemoteControl(ctx context.Context, svc *Service, maxInflight int, log zerolog.Logger) *RemoteControl {
	if maxInflight <= 0 {
		maxInflight = defaultRemoteInflight
	}
	rc := &RemoteControl{ctx: ctx, svc: svc, log: log}
	rc.group.SetLimit(maxInflight)
	return rc
}

// Handle has the notify.Handler signature. It never blocks the broker's
// delivery goroutine.
func (rc *RemoteControl) Handle(topic string, payload []byte) {
	started := rc.group.TryGo(func() error {
		if err := rc.svc.HandleRemoteCommand(rc.ctx, topic, payload); err != nil {
			rc.log.Warn().Err(err).Str("topic", logging.Sanitize(topic)).Msg("remote command failed")
		}
		return nil
	})
	if !started {
		rc.log.Warn().Str("topic", logging.Sanitize(topic)).Msg("remote command dropped: too many in flight")
	}
}

// Wait blocks until every started command has returned.
func (rc *RemoteControl) Wait() {
	_ = rc.group.Wait()
}
