package client

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Body is a parsed JSON object response. It is never nil after parsing.
type Body map[string]any

// Response is the outcome of one Send.
type Response struct {
	StatusCode int
	Body       Body
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// parseBody never fails: empty, malformed and non-object payloads become {}.
func parseBody(data []byte) Body {
	if len(bytes.TrimSpace(data)) == 0 {
		return Body{}
	}

	var body Body
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		return Body{}
	}

	return body
}

// Success returns the success flag and whether it was present at all.
func (b Body) Success() (success, present bool) {
	success, present = b["success"].(bool)
	return success, present
}

func (b Body) Message() string {
	return b.String("message")
}

func (b Body) String(key string) string {
	s, _ := b[key].(string)
	return s
}

// Object returns the nested object stored under key, or nil.
func (b Body) Object(key string) Body {
	m, ok := b[key].(map[string]any)
	if !ok {
		return nil
	}
	return Body(m)
}

// Decode copies the body into a struct using its json tags.
func (b Body) Decode(into any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           into,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(map[string]any(b)); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}

	return nil
}
