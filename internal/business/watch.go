package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/config"
	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
	"github.com/openkcm/session-client/pkg/realtime"
	"github.com/openkcm/session-client/pkg/session"
	"github.com/openkcm/session-client/pkg/sessionctx"
)

const pushLogKey = "watch.log"

// WatchMain resumes or opens a session, keeps its realtime channel connected
// and logs every push event until ctx is done.
func WatchMain(ctx context.Context, cfg *config.Config) error {
	bundle, err := NewBundle(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the session: %w", err)
	}
	defer bundle.Close()

	ctx = sessionctx.WithBundle(ctx, bundle)

	bundle.Client.Surface().Register(func(ctx context.Context, r errorsurface.Report) {
		slogctx.Warn(ctx, "Session error", "message", r.Message, "is401", r.Is401)
	})

	states := bundle.Session.Subscribe(func(ctx context.Context, s session.Snapshot) {
		slogctx.Info(ctx, "Session state", "state", s.State.String())
	})
	defer states.Unsubscribe()

	pushes := bundle.Channel.Subscribe(func(ctx context.Context, p realtime.Push) {
		slogctx.Info(ctx, "Push event", "event", p.Event, "id", p.ID, "payload", string(p.Payload))
	})
	defer pushes.Unsubscribe()

	bundle.Channel.On(realtime.EventConnect, pushLogKey, func(ctx context.Context, _ realtime.Envelope) {
		slogctx.Info(ctx, "Realtime connected")
	})
	bundle.Channel.On(realtime.EventDisconnect, pushLogKey, func(ctx context.Context, _ realtime.Envelope) {
		slogctx.Info(ctx, "Realtime disconnected")
	})

	follow := bundle.Channel.Follow(ctx, bundle.Session)
	defer follow.Unsubscribe()

	if _, err := resume(ctx, cfg, bundle.Session); err != nil {
		return err
	}

	if cfg.API.Refresher.Enabled {
		go keepFresh(ctx, cfg.API.Refresher)
	}

	<-ctx.Done()
	slogctx.Info(ctx, "Stopping the session watch")

	return nil
}

// keepFresh refreshes the access token once it is within the leeway of its
// expiry. Opaque tokens are left to the 401 path of the pipeline.
func keepFresh(ctx context.Context, cfg config.Refresher) {
	bundle, err := sessionctx.FromContext(ctx)
	if err != nil {
		slogctx.Error(ctx, "Token refresher started without a session", "error", err)
		return
	}

	c := time.Tick(cfg.CheckInterval)
	for {
		if refreshDue(bundle.Client.Tokens(), time.Now(), cfg.Leeway) {
			slogctx.Info(ctx, "Access token is about to expire, refreshing")
			if _, ok := bundle.Client.TryRefresh(ctx); !ok {
				slogctx.Warn(ctx, "Proactive token refresh failed")
			}
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return
		}
	}
}

func refreshDue(tokens *credential.Store, now time.Time, leeway time.Duration) bool {
	expiry, ok := tokens.Expiry()
	if !ok {
		return false
	}
	return !now.Add(leeway).Before(expiry)
}
