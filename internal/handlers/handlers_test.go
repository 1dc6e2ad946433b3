package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/billing"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/store"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/stripe"
	"github.com/PortNumber53/swiftie-ranker/backend/internal/worker"
)

type mockCheckoutService struct {
	lastParams billing.CheckoutParams
	resp       *models.CheckoutResponse
	portalURL  string
	err        error
}

func (m *mockCheckoutService) CreateCheckout(ctx context.Context, p billing.CheckoutParams) (*models.CheckoutResponse, error) {
	m.lastParams = p
	if p.UserID == "" {
		return nil, billing.ErrMissingUserID
	}
	return m.resp, m.err
}

func (m *mockCheckoutService) CreatePortal(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", billing.ErrMissingUserID
	}
	return m.portalURL, m.err
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestCheckoutHandler(t *testing.T) {
	svc := &mockCheckoutService{resp: &models.CheckoutResponse{URL: "https://checkout.stripe.com/c/1"}}

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"userId":" u1 ","email":"t@example.com","embedded":false}`))
	rr := httptest.NewRecorder()
	Checkout(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if svc.lastParams.UserID != "u1" || svc.lastParams.Email != "t@example.com" {
		t.Fatalf("unexpected params %+v", svc.lastParams)
	}

	var resp models.CheckoutResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://checkout.stripe.com/c/1" {
		t.Fatalf("unexpected url %q", resp.URL)
	}
}

func TestCheckoutHandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		svcErr  error
		nilSvc  bool
		status  int
		message string
	}{
		{name: "invalid json", body: `{`, status: http.StatusBadRequest},
		{name: "missing user", body: `{}`, status: http.StatusBadRequest, message: "userId is required"},
		{name: "stripe failure", body: `{"userId":"u1"}`, svcErr: &stripe.APIError{StatusCode: 400, Message: "No such price"}, status: http.StatusBadGateway, message: "stripe API error (400): No such price"},
		{name: "breaker open", body: `{"userId":"u1"}`, svcErr: stripe.ErrUnavailable, status: http.StatusServiceUnavailable},
		{name: "not configured", body: `{"userId":"u1"}`, nilSvc: true, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var svc CheckoutService
			if !tt.nilSvc {
				svc = &mockCheckoutService{err: tt.svcErr}
			}

			req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			Checkout(svc).ServeHTTP(rr, req)

			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			msg := decodeError(t, rr)
			if tt.message != "" && msg != tt.message {
				t.Fatalf("expected message %q, got %q", tt.message, msg)
			}
		})
	}
}

func TestPortalHandler(t *testing.T) {
	svc := &mockCheckoutService{portalURL: "https://billing.stripe.com/p/1"}

	req := httptest.NewRequest(http.MethodPost, "/api/portal", strings.NewReader(`{"userId":"u1"}`))
	rr := httptest.NewRecorder()
	Portal(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var resp models.PortalResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://billing.stripe.com/p/1" {
		t.Fatalf("unexpected url %q", resp.URL)
	}
}

func TestPortalHandlerNoCustomer(t *testing.T) {
	svc := &mockCheckoutService{err: billing.ErrNoCustomer}

	req := httptest.NewRequest(http.MethodPost, "/api/portal", strings.NewReader(`{"userId":"u1"}`))
	rr := httptest.NewRecorder()
	Portal(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

type mockReader struct {
	record  *models.Subscription
	err     error
	subs    []models.Subscription
	listErr error
	limit   int
}

func (m *mockReader) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.record == nil {
		return nil, models.ErrSubscriptionNotFound
	}
	return m.record, nil
}

func (m *mockReader) ListSubscriptions(ctx context.Context, userID string, limit int) ([]models.Subscription, error) {
	m.limit = limit
	return m.subs, m.listErr
}

func getEntitlement(t *testing.T, reader SubscriptionReader, now time.Time, query string) (*httptest.ResponseRecorder, models.EntitlementResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/entitlement"+query, nil)
	rr := httptest.NewRecorder()
	Entitlement(reader, func() time.Time { return now }).ServeHTTP(rr, req)

	var resp models.EntitlementResponse
	if rr.Code == http.StatusOK {
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rr, resp
}

func TestEntitlementHandler(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(24 * time.Hour)
	reader := &mockReader{record: &models.Subscription{UserID: "u1", Status: models.SubscriptionActive, CurrentPeriodEnd: &end}}

	rr, resp := getEntitlement(t, reader, now, "?user_id=u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if !resp.IsPremium || resp.Record == nil {
		t.Fatalf("expected premium with record, got %+v", resp)
	}
	if !resp.Features["similarSongs"] || !resp.Features["differentSongs"] {
		t.Fatalf("expected gated features unlocked, got %v", resp.Features)
	}
}

func TestEntitlementHandlerExpiredRecord(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(-time.Second)
	reader := &mockReader{record: &models.Subscription{UserID: "u1", Status: models.SubscriptionActive, CurrentPeriodEnd: &end}}

	_, resp := getEntitlement(t, reader, now, "?user_id=u1")
	if resp.IsPremium {
		t.Fatalf("expired record must not be premium")
	}
	if resp.Record == nil {
		t.Fatalf("expected the chosen record to be returned")
	}
}

func TestEntitlementHandlerFailsClosed(t *testing.T) {
	reader := &mockReader{err: errors.New("connection refused")}

	rr, resp := getEntitlement(t, reader, time.Now(), "?user_id=u1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on lookup failure, got %d", rr.Code)
	}
	if resp.IsPremium || resp.Record != nil {
		t.Fatalf("expected fail closed, got %+v", resp)
	}
	if resp.Features["similarSongs"] {
		t.Fatalf("gated features must be locked")
	}
}

func TestEntitlementHandlerRequiresUser(t *testing.T) {
	rr, _ := getEntitlement(t, &mockReader{}, time.Now(), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSubscriptionsHandler(t *testing.T) {
	reader := &mockReader{subs: []models.Subscription{{StripeSubscriptionID: "sub_2"}, {StripeSubscriptionID: "sub_1"}}}

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions?user_id=u1&limit=5", nil)
	rr := httptest.NewRecorder()
	Subscriptions(reader).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if reader.limit != 5 {
		t.Fatalf("expected limit 5 got %d", reader.limit)
	}

	var body struct {
		Subscriptions []models.Subscription `json:"subscriptions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Subscriptions) != 2 || body.Subscriptions[0].StripeSubscriptionID != "sub_2" {
		t.Fatalf("unexpected subscriptions %+v", body.Subscriptions)
	}

	bad := httptest.NewRequest(http.MethodGet, "/api/subscriptions?user_id=u1&limit=abc", nil)
	rr = httptest.NewRecorder()
	Subscriptions(reader).ServeHTTP(rr, bad)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

type mockQueue struct {
	jobs []*models.Job
	err  error
}

func (m *mockQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if m.err != nil {
		return m.err
	}
	for _, queued := range m.jobs {
		if job.DedupeKey != nil && queued.DedupeKey != nil && *queued.DedupeKey == *job.DedupeKey {
			return store.ErrDuplicateJob
		}
	}
	job.ID = int64(len(m.jobs) + 1)
	m.jobs = append(m.jobs, job)
	return nil
}

const webhookBody = `{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":"active"}}}`

func TestStripeWebhookQueuesVerifiedEvent(t *testing.T) {
	queue := &mockQueue{}
	secret := "whsec_test"

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(webhookBody))
	req.Header.Set("Stripe-Signature", stripe.SignatureHeader([]byte(webhookBody), secret, time.Now()))
	rr := httptest.NewRecorder()
	StripeWebhook(queue, secret).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rr.Code, rr.Body.String())
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.JobType != models.JobTypeStripeEvent || job.MaxAttempts != models.DefaultJobMaxAttempts {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Payload["id"] != "evt_1" {
		t.Fatalf("expected raw event in payload, got %v", job.Payload)
	}
}

func TestStripeWebhookIgnoresRedelivery(t *testing.T) {
	queue := &mockQueue{}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(webhookBody))
		rr := httptest.NewRecorder()
		StripeWebhook(queue, "").ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: unexpected status %d", i, rr.Code)
		}
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(queue.jobs))
	}
	if key := queue.jobs[0].DedupeKey; key == nil || *key != "evt_1" {
		t.Fatalf("expected dedupe key evt_1, got %v", key)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	queue := &mockQueue{}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(webhookBody))
	req.Header.Set("Stripe-Signature", stripe.SignatureHeader([]byte(webhookBody), "whsec_other", time.Now()))
	rr := httptest.NewRecorder()
	StripeWebhook(queue, "whsec_test").ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("rejected events must not be queued")
	}

	missing := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(webhookBody))
	rr = httptest.NewRecorder()
	StripeWebhook(queue, "whsec_test").ServeHTTP(rr, missing)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", rr.Code)
	}
}

func TestStripeWebhookWithoutSecretAndQueueFailure(t *testing.T) {
	queue := &mockQueue{err: errors.New("db down")}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(webhookBody))
	rr := httptest.NewRecorder()
	StripeWebhook(queue, "").ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when enqueue fails, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	rr = httptest.NewRecorder()
	StripeWebhook(&mockQueue{}, "").ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for event without type, got %d", rr.Code)
	}
}

func TestStripeWebhookRejectsOversizedPayload(t *testing.T) {
	queue := &mockQueue{}
	body := `{"id":"evt_big","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","status":"active","pad":"` +
		strings.Repeat("x", maxWebhookBody) + `"}}}`

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", stripe.SignatureHeader([]byte(body), "whsec_test", time.Now()))
	rr := httptest.NewRecorder()
	StripeWebhook(queue, "whsec_test").ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", rr.Code, rr.Body.String())
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("oversized events must not be queued")
	}
}

type mockJobReader struct {
	job   *models.Job
	stats *models.JobStats
	err   error
}

func (m *mockJobReader) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	if m.job == nil || m.job.ID != id {
		return nil, store.ErrJobNotFound
	}
	return m.job, m.err
}

func (m *mockJobReader) GetStats(ctx context.Context) (*models.JobStats, error) {
	return m.stats, m.err
}

func TestJobHandlers(t *testing.T) {
	jobs := &mockJobReader{
		job:   &models.Job{ID: 7, JobType: models.JobTypeStripeEvent, Status: models.JobStatusCompleted},
		stats: &models.JobStats{Completed: 1, Total: 1},
	}

	router := chi.NewRouter()
	router.Get("/api/jobs/stats", JobStats(jobs, func() worker.Stats { return worker.Stats{Succeeded: 3} }))
	router.Get("/api/jobs/{id}", GetJob(jobs))

	cases := map[string]int{
		"/api/jobs/stats": http.StatusOK,
		"/api/jobs/7":     http.StatusOK,
		"/api/jobs/8":     http.StatusNotFound,
		"/api/jobs/nope":  http.StatusBadRequest,
	}
	for path, want := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	var body struct {
		Queue  models.JobStats `json:"queue"`
		Worker struct {
			Succeeded int64 `json:"succeeded"`
		} `json:"worker"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Queue.Completed != 1 || body.Worker.Succeeded != 3 {
		t.Fatalf("unexpected stats body: %s", rr.Body.String())
	}
}

type stubPinger struct {
	err error
}

func (p stubPinger) PingContext(ctx context.Context) error {
	return p.err
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name     string
		db       Pinger
		wantCode int
		wantDB   any
	}{
		{name: "no database", db: nil, wantCode: http.StatusOK, wantDB: nil},
		{name: "database ok", db: stubPinger{}, wantCode: http.StatusOK, wantDB: "ok"},
		{name: "database down", db: stubPinger{err: errors.New("connection refused")}, wantCode: http.StatusServiceUnavailable, wantDB: "unreachable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Health(tc.db, true)(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d got %d", tc.wantCode, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["database"] != tc.wantDB {
				t.Fatalf("expected database=%v got %v", tc.wantDB, body["database"])
			}
			if body["billing"] != true {
				t.Fatalf("expected billing=true got %v", body["billing"])
			}
		})
	}
}
