package client

import (
	"context"
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

const refreshKey = "refresh"

// RefreshResult is the payload of a successful refresh.
type RefreshResult struct {
	AccessToken string
	// User is the user object returned with the token, if any.
	User Body
}

// TryRefresh exchanges the refresh cookie for a new access token and
// installs it into the credential store.
//
// It never fails loudly: transport errors, malformed bodies and
// success!=true all yield false. Concurrent calls share one in-flight
// request whose result is handed to every waiter.
func (c *Client) TryRefresh(ctx context.Context) (RefreshResult, bool) {
	// Detached from the first caller's cancellation, since other callers may
	// be waiting on the same request. The http client timeout still applies.
	shared := context.WithoutCancel(ctx)

	v, _, coalesced := c.refreshGroup.Do(refreshKey, func() (any, error) {
		result, ok := c.refresh(shared)
		if !ok {
			return nil, nil
		}
		return result, nil
	})
	if coalesced {
		slogctx.Debug(ctx, "Joined an in-flight token refresh")
	}

	result, ok := v.(RefreshResult)
	return result, ok
}

func (c *Client) refresh(ctx context.Context) (RefreshResult, bool) {
	o := defaultRequestOptions()
	o.method = http.MethodPost
	o.anonymous = true

	resp, err := c.do(ctx, RefreshPath, o, nil)
	if err != nil {
		slogctx.Info(ctx, "Token refresh request failed", "error", err)
		c.meters.recordRefresh(ctx, false)
		return RefreshResult{}, false
	}

	success, _ := resp.Body.Success()
	token := resp.Body.String("accessToken")
	if !success || token == "" {
		slogctx.Debug(ctx, "Token refresh rejected", "status", resp.StatusCode)
		c.meters.recordRefresh(ctx, false)
		return RefreshResult{}, false
	}

	c.tokens.Set(ctx, token)
	c.meters.recordRefresh(ctx, true)
	slogctx.Info(ctx, "Refreshed the access token")

	return RefreshResult{
		AccessToken: token,
		User:        resp.Body.Object("user"),
	}, true
}
