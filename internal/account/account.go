// Package account is the boundary to the identity provider. The resolver
// only needs the current user id, whether it is anonymous, and a feed of
// changes.
package account

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidID is returned when a sign-in is attempted without an id.
var ErrInvalidID = errors.New("account: user id is required")

// Account identifies the signed-in user. The zero value means nobody is
// signed in.
type Account struct {
	ID        string `json:"id,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// SignedIn reports whether a user id is present.
func (a Account) SignedIn() bool {
	return a.ID != ""
}

// Source provides the current account and notifies on changes.
type Source interface {
	Current(ctx context.Context) (Account, error)
	// Subscribe delivers the latest account after every sign-in, sign-out or
	// identity link. The channel closes when ctx is done.
	Subscribe(ctx context.Context) <-chan Account
}

// Session is an in-memory Source driven by explicit calls. The CLI uses it
// to stand in for the hosted auth provider.
type Session struct {
	mu      sync.Mutex
	current Account
	subs    map[chan Account]struct{}
}

// NewSession returns a Session with nobody signed in.
func NewSession() *Session {
	return &Session{subs: make(map[chan Account]struct{})}
}

func (s *Session) Current(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Session) Subscribe(ctx context.Context) <-chan Account {
	ch := make(chan Account, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// SignIn switches to a linked (non-anonymous) account.
func (s *Session) SignIn(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.set(Account{ID: id})
	return nil
}

// SignInAnonymously switches to an anonymous account.
func (s *Session) SignInAnonymously(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.set(Account{ID: id, Anonymous: true})
	return nil
}

// Link converts the current anonymous account into a linked one. The id may
// change if the provider merges into an existing identity.
func (s *Session) Link(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	s.set(Account{ID: id})
	return nil
}

// SignOut clears the current account.
func (s *Session) SignOut() {
	s.set(Account{})
}

func (s *Session) set(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = a
	for ch := range s.subs {
		// Keep only the newest account in each subscriber's buffer.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- a:
		default:
		}
	}
}
