package odoo

import (
	"context"
	"sync"
)

// SessionState is the authentication state toward the billing system.
type SessionState int

const (
	Unauthenticated SessionState = iota
	Authenticated
)

func (s SessionState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Session holds the user id obtained from authenticate. It is shared by all
// calls of a Client and is established lazily on first use.
//
//	Unauthenticated --login ok--> Authenticated --access denied--> Unauthenticated
type Session struct {
	mu    sync.Mutex
	state SessionState
	uid   int64
}

// State returns the current state and uid.
func (s *Session) State() (SessionState, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.uid
}

// Ensure returns the session uid, calling login when unauthenticated.
// Concurrent callers wait for a single login.
func (s *Session) Ensure(ctx context.Context, login func(context.Context) (int64, error)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Authenticated {
		return s.uid, nil
	}
	uid, err := login(ctx)
	if err != nil {
		return 0, err
	}
	s.state = Authenticated
	s.uid = uid
	return uid, nil
}

// Reset drops the session if it still holds uid. A session re-established by
// another caller in the meantime is left alone.
func (s *Session) Reset(uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Authenticated && s.uid == uid {
		s.state = Unauthenticated
		s.uid = 0
	}
}
