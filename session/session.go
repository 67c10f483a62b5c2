// Package session owns the authenticated state of one user session: the
// bootstrap from stored credentials, login and logout transitions, the
// de-duplicated token refresh used by the request transport and the
// notification of subscribers after each change.
package session

import "github.com/jrsteele09/go-auth-session/authmodel"

// State is the coarse authentication state of a Manager.
type State int

const (
	// Bootstrapping means stored credentials have not been checked yet.
	// Dependents should wait on Manager.Ready rather than treat it as Anonymous.
	Bootstrapping State = iota
	Authenticated
	Anonymous
)

func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "bootstrapping"
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Session is a point-in-time view of a Manager.
type Session struct {
	State        State
	User         *authmodel.UserProfile
	AccessToken  string
	RefreshToken string

	// Loading is true only while the bootstrap runs.
	Loading bool
}

// Listener is called after every state change, outside the Manager's lock.
type Listener func(Session)
