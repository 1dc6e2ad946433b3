package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/account"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/entitlement"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string][]models.Subscription
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string][]models.Subscription{}}
}

func (s *memoryStore) add(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sub.UserID] = append([]models.Subscription{sub}, s.records[sub.UserID]...)
}

func (s *memoryStore) LatestSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.records[userID]
	if len(rows) == 0 {
		return nil, models.ErrSubscriptionNotFound
	}
	sub := rows[0]
	return &sub, nil
}

func (s *memoryStore) ListSubscriptions(_ context.Context, userID string, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.records[userID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]models.Subscription(nil), rows...), nil
}

type stubPayments struct {
	err error
}

func (p stubPayments) CheckoutURL(_ context.Context, userID string) (string, error) {
	return "https://checkout.stripe.test/" + userID, p.err
}

func (p stubPayments) PortalURL(_ context.Context, userID string) (string, error) {
	return "https://billing.stripe.test/" + userID, p.err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func activeSub(userID string, created time.Time) models.Subscription {
	end := time.Now().Add(30 * 24 * time.Hour)
	return models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: "sub_" + userID,
		Status:               models.SubscriptionActive,
		CurrentPeriodEnd:     &end,
		CreatedAt:            created,
	}
}

func newTestApp(store *memoryStore, opts ...entitlement.Option) *App {
	return &App{
		Resolver: entitlement.NewResolver(store, opts...),
		Session:  account.NewSession(),
		History:  store,
	}
}

func run(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(app)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusPremiumUser(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSub("u1", time.Now().Add(-time.Hour)))

	out, err := run(t, newTestApp(store), "status", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "u1")
	assert.Regexp(t, `Premium:\s+yes`, out)
	assert.Regexp(t, `Subscription:\s+active`, out)
	assert.Contains(t, out, "resolved")
}

func TestStatusSignedOut(t *testing.T) {
	out, err := run(t, newTestApp(newMemoryStore()), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(signed out)")
	assert.Regexp(t, `Premium:\s+no`, out)
}

func TestStatusUsesDefaultUser(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSub("env-user", time.Now()))
	app := newTestApp(store)
	app.DefaultUserID = "env-user"

	out, err := run(t, app, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "env-user")
	assert.True(t, app.Resolver.IsPremium())
}

func TestAnonymousUserWithoutIDGetsGeneratedID(t *testing.T) {
	app := newTestApp(newMemoryStore())

	_, err := run(t, app, "status", "--anonymous")
	require.NoError(t, err)

	acct, err := app.Session.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.Anonymous)
	assert.True(t, strings.HasPrefix(acct.ID, "anon-"))
	assert.False(t, app.Resolver.IsPremium())
}

func TestFeaturesTable(t *testing.T) {
	out, err := run(t, newTestApp(newMemoryStore()), "features", "--user", "free-user")
	require.NoError(t, err)
	assert.Contains(t, out, "FEATURE")
	assert.Contains(t, out, "differentSongs")
	assert.Contains(t, out, "similarSongs")
	assert.NotContains(t, out, "allowed")
}

func TestCanAccess(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSub("paid", time.Now()))

	out, err := run(t, newTestApp(store), "can-access", "similarSongs", "--user", "paid")
	require.NoError(t, err)
	assert.Contains(t, out, "similarSongs: allowed")

	out, err = run(t, newTestApp(store), "can-access", "similarSongs", "--user", "free")
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Contains(t, out, "denied")

	out, err = run(t, newTestApp(store), "can-access", "ranking")
	require.NoError(t, err)
	assert.Contains(t, out, "ranking: allowed")
}

func TestCheckoutWaitRefreshesStatus(t *testing.T) {
	store := newMemoryStore()
	var opened []string
	nav := entitlement.NavigatorFunc(func(_ context.Context, url string) error {
		opened = append(opened, url)
		store.add(activeSub("u2", time.Now()))
		return nil
	})
	app := newTestApp(store, entitlement.WithPayments(stubPayments{}), entitlement.WithNavigator(nav))
	app.In = strings.NewReader("\n")

	out, err := run(t, app, "checkout", "--wait", "--user", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://checkout.stripe.test/u2"}, opened)
	assert.Contains(t, out, "Press Enter")
	assert.Regexp(t, `Premium:\s+yes`, out)
	assert.True(t, app.Resolver.IsPremium())
	assert.False(t, app.Resolver.Snapshot().CheckoutLoading)
}

func TestPortalSurfacesCollaboratorError(t *testing.T) {
	app := newTestApp(newMemoryStore(), entitlement.WithPayments(stubPayments{err: errors.New("no Stripe customer for this user")}))

	_, err := run(t, app, "portal", "--user", "u3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Stripe customer for this user")
}

func TestCheckoutRequiresUser(t *testing.T) {
	app := newTestApp(newMemoryStore(), entitlement.WithPayments(stubPayments{}))

	_, err := run(t, app, "checkout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign in")
}

func TestPrintNavigator(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(newMemoryStore(), entitlement.WithPayments(stubPayments{}), entitlement.WithNavigator(PrintNavigator(&out)))

	_, err := run(t, app, "portal", "--user", "u4")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "https://billing.stripe.test/u4")
}

func TestHistoryNewestFirst(t *testing.T) {
	store := newMemoryStore()
	older := activeSub("u5", time.Now().Add(-48*time.Hour))
	newer := older
	newer.Status = models.SubscriptionCanceled
	newer.StripeSubscriptionID = "sub_new"
	newer.CreatedAt = time.Now()
	store.add(older)
	store.add(newer)

	out, err := run(t, newTestApp(store), "history", "--user", "u5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "canceled")
	assert.Contains(t, lines[2], "active")

	out, err = run(t, newTestApp(store), "history", "--user", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No subscriptions found.")
}

func TestWatchPrintsStatesUntilCancelled(t *testing.T) {
	store := newMemoryStore()
	store.add(activeSub("u6", time.Now()))
	app := newTestApp(store)

	out := &lockedBuffer{}
	root := NewRootCommand(app)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"watch", "--user", "u6"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `user="u6" premium=true`)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, app.Session.SignIn("u7"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `user="u7" premium=false loading=resolved`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
