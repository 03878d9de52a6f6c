package client

import "net/http"

type RequestOption func(*requestOptions)

type requestOptions struct {
	method         string
	body           any
	header         http.Header
	retryOn401     bool
	showErrorModal bool

	// anonymous requests never carry the bearer token.
	anonymous bool
}

func defaultRequestOptions() requestOptions {
	return requestOptions{
		method:         http.MethodGet,
		header:         make(http.Header),
		retryOn401:     true,
		showErrorModal: true,
	}
}

func WithMethod(method string) RequestOption {
	return func(o *requestOptions) { o.method = method }
}

// WithBody sets a value that is sent JSON-encoded.
func WithBody(body any) RequestOption {
	return func(o *requestOptions) { o.body = body }
}

// WithHeader overrides a default header or adds a new one.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.header.Set(key, value) }
}

// WithoutRetry disables the refresh-and-retry on 401.
func WithoutRetry() RequestOption {
	return func(o *requestOptions) { o.retryOn401 = false }
}

// WithoutErrorModal keeps failures of this call away from the error surface.
func WithoutErrorModal() RequestOption {
	return func(o *requestOptions) { o.showErrorModal = false }
}
