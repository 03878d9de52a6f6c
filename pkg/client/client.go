// Package client implements the REST request pipeline: bearer token injection,
// a single transparent refresh-and-retry on 401 and centralised error surfacing.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/internal/serviceerr"
	"github.com/openkcm/session-client/pkg/credential"
	"github.com/openkcm/session-client/pkg/errorsurface"
)

const NetworkErrorMessage = "Unable to reach the server. Please check your connection."

const requestIDHeader = "X-Request-ID"

type Client struct {
	baseURL string
	http    *http.Client
	tokens  *credential.Store
	surface *errorsurface.Surface

	refreshGroup singleflight.Group
	meters       meters
	tracer       trace.Tracer
}

// NewHTTPClient returns an http.Client with a cookie jar, so that the
// HTTP-only refresh cookie set by the server accompanies every call.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}, nil
}

// New creates a pipeline rooted at baseURL. A nil httpClient is replaced by
// one built with NewHTTPClient.
func New(
	ctx context.Context,
	baseURL string,
	httpClient *http.Client,
	tokens *credential.Store,
	surface *errorsurface.Surface,
) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme: %q", u.Scheme)
	}

	if httpClient == nil {
		httpClient, err = NewHTTPClient(0)
		if err != nil {
			return nil, err
		}
	}
	if tokens == nil {
		tokens = credential.NewStore()
	}
	if surface == nil {
		surface = errorsurface.New()
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http:    httpClient,
		tokens:  tokens,
		surface: surface,
		meters:  newMeters(ctx),
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

func (c *Client) Tokens() *credential.Store {
	return c.tokens
}

func (c *Client) Surface() *errorsurface.Surface {
	return c.surface
}

// Send issues a request to path (relative to the base URL).
//
// For auth API paths the parsed body is returned as is, with a nil error, for
// any HTTP status. For all other paths a non-2xx status yields a
// *serviceerr.HTTPError, and both non-2xx and success=false bodies are
// reported to the error surface unless WithoutErrorModal is given. A 401 is
// answered by at most one token refresh followed by one retry.
func (c *Client) Send(ctx context.Context, path string, opts ...RequestOption) (Response, error) {
	o := defaultRequestOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	payload, err := encodeBody(o.body)
	if err != nil {
		return Response{}, err
	}

	authAPI := c.isAuthAPI(path)
	ctx = slogctx.With(ctx, "method", o.method, "path", path)

	// The budget only ever decreases, so a request is retried at most once.
	retryBudget := 0
	if o.retryOn401 && !authAPI {
		retryBudget = 1
	}

	var resp Response
	for {
		resp, err = c.do(ctx, path, o, payload)
		if err != nil {
			return Response{}, c.networkFailure(ctx, path, o, authAPI, err)
		}

		if resp.StatusCode != http.StatusUnauthorized || retryBudget == 0 {
			break
		}
		retryBudget--

		if _, ok := c.TryRefresh(ctx); !ok {
			slogctx.Info(ctx, "Token refresh failed, handling the original 401")
			break
		}
		slogctx.Debug(ctx, "Retrying request with a refreshed token")
	}

	if authAPI {
		return resp, nil
	}

	return c.settle(ctx, resp, o)
}

func (c *Client) settle(ctx context.Context, resp Response, o requestOptions) (Response, error) {
	success, present := resp.Body.Success()
	softFailure := present && !success

	if (!resp.OK() || softFailure) && o.showErrorModal {
		c.surface.Report(ctx, resp.Body.Message(), resp.StatusCode == http.StatusUnauthorized)
	}

	if !resp.OK() {
		return resp, &serviceerr.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    resp.Body.Message(),
			Body:       resp.Body,
		}
	}

	return resp, nil
}

func (c *Client) networkFailure(ctx context.Context, path string, o requestOptions, authAPI bool, err error) error {
	err = fmt.Errorf("%w: %s %s: %w", serviceerr.ErrNetworkFailure, o.method, path, err)

	// A cancelled caller has gone away; nobody is left to show the error to.
	if ctx.Err() != nil {
		return err
	}

	slogctx.Warn(ctx, "Request failed", "error", err)
	if !authAPI && o.showErrorModal {
		c.surface.Report(ctx, NetworkErrorMessage, false)
	}

	return err
}

func (c *Client) do(ctx context.Context, path string, o requestOptions, payload []byte) (Response, error) {
	ctx, span := c.tracer.Start(ctx, o.method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, o.method, c.resolve(path), reader)
	if err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return Response{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, values := range o.header {
		req.Header[key] = values
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Get(); token != "" && !o.anonymous {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if req.Header.Get(requestIDHeader) == "" {
		req.Header.Set(requestIDHeader, uuid.NewString())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.meters.recordRequest(ctx, o.method, 0, time.Since(start))
		return Response{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		slogctx.Warn(ctx, "Failed to read response body, treating it as empty", "error", err)
		data = nil
	}
	c.meters.recordRequest(ctx, o.method, httpResp.StatusCode, time.Since(start))

	span.SetAttributes(attribute.Int("http.response.status_code", httpResp.StatusCode))
	if httpResp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(httpResp.StatusCode))
	}

	slogctx.Debug(ctx, "Received response",
		"status", httpResp.StatusCode,
		"request_id", req.Header.Get(requestIDHeader),
	)

	return Response{
		StatusCode: httpResp.StatusCode,
		Body:       parseBody(data),
	}, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return data, nil
}
