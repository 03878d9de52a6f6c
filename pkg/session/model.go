package session

import (
	"fmt"
	"slices"

	"github.com/openkcm/session-client/pkg/client"
)

// State is the authentication lifecycle of a Manager.
type State int

const (
	StateUnresolved State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// User is the profile returned by login and refresh.
type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	// Attributes holds every other field of the server's user object.
	Attributes map[string]any `json:"-" yaml:"attributes,omitempty"`
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	State State `yaml:"state"`
	// Ready is set once the boot-time refresh has settled.
	Ready bool  `yaml:"ready"`
	User  *User `yaml:"user,omitempty"`
}

// Authenticated reports whether a user is present.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

// Credentials are posted to the login endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

var userFields = []string{"id", "username", "email", "role"}

// decodeUser turns the server's user object into a User. A missing object
// yields an empty, non-nil user: the token alone proves authentication.
func decodeUser(body client.Body) (*User, error) {
	user := &User{}
	if body == nil {
		return user, nil
	}

	if err := body.Decode(user); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}

	for key, value := range body {
		if slices.Contains(userFields, key) {
			continue
		}
		if user.Attributes == nil {
			user.Attributes = make(map[string]any)
		}
		user.Attributes[key] = value
	}

	return user, nil
}
