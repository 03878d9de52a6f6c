package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openkcm/session-client/internal/serviceerr"
)

// Events consumed by the channel. connect and disconnect are raised locally;
// the others arrive from the server.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventForceLogout  = "forceLogout"
	EventNotification = "notification"
	EventReward       = "reward"
)

const CodeAuthRequired = "AUTH_REQUIRED"

// Envelope is one frame on the wire.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectError is the payload of connect_error, either as an envelope or as
// the body of a rejected handshake.
type ConnectError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e ConnectError) AuthRequired() bool {
	return e.Code == CodeAuthRequired
}

func (e ConnectError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Unwrap makes an AUTH_REQUIRED error match serviceerr.ErrAuthRequired.
func (e ConnectError) Unwrap() error {
	if e.AuthRequired() {
		return serviceerr.ErrAuthRequired
	}
	return nil
}

// logoutCause explains a logout the channel forces on the session.
func logoutCause(reason error) error {
	return fmt.Errorf("%w: %w", serviceerr.ErrForcedLogout, reason)
}

type forceLogoutPayload struct {
	Message string `json:"message"`
}

// Push is a server-pushed event handed to subscribers.
type Push struct {
	Event   string
	ID      string
	TS      time.Time
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (p Push) Decode(v any) error {
	if len(p.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", p.Event, err)
	}
	return nil
}

func decodeConnectError(raw json.RawMessage) ConnectError {
	var ce ConnectError
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ce)
	}
	return ce
}

func encodePayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
