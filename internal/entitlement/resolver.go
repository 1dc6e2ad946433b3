package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/account"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

var (
	// ErrMissingUserID is returned by checkout and portal operations called
	// without a user.
	ErrMissingUserID = errors.New("entitlement: user id is required")
	// ErrNoPayments is returned when the resolver was built without a
	// payments collaborator.
	ErrNoPayments = errors.New("entitlement: payments collaborator not configured")
)

// RecordStore returns the newest subscription row for a user, or
// models.ErrSubscriptionNotFound when there is none.
type RecordStore interface {
	LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// Payments hands out hosted checkout and customer portal URLs.
type Payments interface {
	CheckoutURL(ctx context.Context, userID string) (string, error)
	PortalURL(ctx context.Context, userID string) (string, error)
}

// Navigator opens a URL outside the app (browser, system handler).
type Navigator interface {
	Open(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

func (f NavigatorFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPayments sets the collaborator used by OpenCheckout and
// OpenCustomerPortal.
func WithPayments(p Payments) Option {
	return func(r *Resolver) { r.payments = p }
}

// WithNavigator sets how checkout and portal URLs are opened.
func WithNavigator(n Navigator) Option {
	return func(r *Resolver) {
		if n != nil {
			r.navigator = n
		}
	}
}

// WithClock overrides the time source used by the entitlement rule.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver owns the process-wide entitlement state. Its methods are the only
// writers; readers get copies through Snapshot and Subscribe.
//
// Every CheckStatus call takes a new generation. A check that completes after
// a newer one has started is discarded, so the state always reflects the
// most recently requested user.
type Resolver struct {
	store     RecordStore
	payments  Payments
	navigator Navigator
	now       func() time.Time

	mu               sync.RWMutex
	state            State
	generation       uint64
	lastUserID       string
	paymentsInFlight int
	subscribers      map[chan State]struct{}
}

// NewResolver builds a resolver over store. The initial state is NotChecked
// and not premium.
func NewResolver(store RecordStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		now:         time.Now,
		subscribers: make(map[chan State]struct{}),
		navigator: NavigatorFunc(func(_ context.Context, url string) error {
			log.Printf("[resolver] open %s", url)
			return nil
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns a copy of the current state.
func (r *Resolver) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// IsPremium reports the current entitlement.
func (r *Resolver) IsPremium() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.IsPremium
}

// CanAccessFeature reports whether the named feature is usable right now.
// Features outside the premium allow-list are always allowed. It reads the
// cached state and never triggers a check.
func (r *Resolver) CanAccessFeature(name string) bool {
	if !IsPremiumFeature(name) {
		return true
	}
	return r.IsPremium()
}

// CheckStatus recomputes entitlement for userID and returns the resulting
// state. An empty userID resolves to not premium without touching the store.
// Store failures other than "no rows" are logged and resolve to not premium;
// they are never returned.
func (r *Resolver) CheckStatus(ctx context.Context, userID string) State {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.lastUserID = userID

	if userID == "" {
		r.state.UserID = ""
		r.state.IsPremium = false
		r.state.Record = nil
		r.state.Loading = Resolved
		r.state.CheckedAt = r.now()
		r.publishLocked()
		snap := r.state.clone()
		r.mu.Unlock()
		return snap
	}

	if r.state.UserID != userID {
		r.state.IsPremium = false
		r.state.Record = nil
	}
	r.state.UserID = userID
	r.state.Loading = Checking
	r.publishLocked()
	r.mu.Unlock()

	record, err := r.store.LatestSubscription(ctx, userID)
	switch {
	case errors.Is(err, models.ErrSubscriptionNotFound):
		record = nil
	case err != nil:
		log.Printf("[resolver] subscription lookup failed for user %s: %v", userID, err)
		record = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.generation {
		log.Printf("[resolver] discarding stale result for user %s (generation %d, current %d)", userID, gen, r.generation)
		return r.state.clone()
	}

	now := r.now()
	r.state.IsPremium = Evaluate(record, now)
	r.state.Record = record
	r.state.Loading = Resolved
	r.state.CheckedAt = now
	r.publishLocked()
	return r.state.clone()
}

// Invalidate re-runs CheckStatus for the most recently requested user. Call
// it when returning from checkout or the customer portal.
func (r *Resolver) Invalidate(ctx context.Context) State {
	r.mu.RLock()
	userID := r.lastUserID
	r.mu.RUnlock()
	return r.CheckStatus(ctx, userID)
}

// OpenCheckout requests a checkout URL for userID and opens it.
func (r *Resolver) OpenCheckout(ctx context.Context, userID string) error {
	if r.payments == nil {
		return ErrNoPayments
	}
	return r.openPaymentsURL(ctx, userID, "checkout", r.payments.CheckoutURL)
}

// OpenCustomerPortal requests a customer portal URL for userID and opens it.
func (r *Resolver) OpenCustomerPortal(ctx context.Context, userID string) error {
	if r.payments == nil {
		return ErrNoPayments
	}
	return r.openPaymentsURL(ctx, userID, "portal", r.payments.PortalURL)
}

func (r *Resolver) openPaymentsURL(ctx context.Context, userID, kind string, fetch func(context.Context, string) (string, error)) error {
	if userID == "" {
		return ErrMissingUserID
	}

	r.setPaymentsInFlight(1)
	url, err := fetch(ctx, userID)
	r.setPaymentsInFlight(-1)
	if err != nil {
		return fmt.Errorf("open %s: %w", kind, err)
	}

	if err := r.navigator.Open(ctx, url); err != nil {
		return fmt.Errorf("open %s: navigate: %w", kind, err)
	}
	return nil
}

func (r *Resolver) setPaymentsInFlight(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paymentsInFlight += delta
	loading := r.paymentsInFlight > 0
	if loading == r.state.CheckoutLoading {
		return
	}
	r.state.CheckoutLoading = loading
	r.publishLocked()
}

// Watch keeps the state in step with the signed-in account until ctx is
// done. It checks the current account first, then rechecks on every change
// of id or anonymous flag, including sign-out.
func (r *Resolver) Watch(ctx context.Context, accounts account.Source) error {
	updates := accounts.Subscribe(ctx)

	current, err := accounts.Current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[resolver] account lookup failed, treating as signed out: %v", err)
		current = account.Account{}
	}
	r.CheckStatus(ctx, current.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			if next == current {
				continue
			}
			current = next
			r.CheckStatus(ctx, current.ID)
		}
	}
}

// Subscribe returns a channel carrying the latest state. The current state is
// delivered immediately; a slow reader only ever sees the newest value. The
// channel closes when ctx is done.
func (r *Resolver) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	ch <- r.state.clone()
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subscribers, ch)
		close(ch)
		r.mu.Unlock()
	}()

	return ch
}

// publishLocked must be called with r.mu held for writing.
func (r *Resolver) publishLocked() {
	for ch := range r.subscribers {
		snap := r.state.clone()
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
