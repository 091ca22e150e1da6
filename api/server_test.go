package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"partsflow/escalate"
	"partsflow/offer"
	"partsflow/request"
)

type fakeRequests struct {
	created request.CreateParams
	err     error
	view    request.StateView
	viewErr error
}

func (f *fakeRequests) Create(ctx context.Context, params request.CreateParams) (request.Request, error) {
	if f.err != nil {
		return request.Request{}, f.err
	}
	f.created = params
	return request.Request{
		ID:               "req-1",
		CustomerID:       params.CustomerID,
		Level:            1,
		MinDesiredOffers: 3,
		Status:           request.StatusOpen,
	}, nil
}

func (f *fakeRequests) State(ctx context.Context, id string) (request.StateView, error) {
	if f.viewErr != nil {
		return request.StateView{}, f.viewErr
	}
	return f.view, nil
}

type fakeCollector struct {
	got offer.SubmitParams
	err error
}

func (f *fakeCollector) Submit(ctx context.Context, params offer.SubmitParams) (offer.Offer, error) {
	if f.err != nil {
		return offer.Offer{}, f.err
	}
	f.got = params
	return offer.Offer{ID: "off-1", RequestID: params.RequestID, Lines: make([]offer.LineItem, len(params.Lines))}, nil
}

type fakeLifecycle struct {
	cancelled string
	forced    string
	err       error
}

func (f *fakeLifecycle) Cancel(requestID string, reason *string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = requestID
	return nil
}

func (f *fakeLifecycle) ForceEvaluate(requestID string) error {
	if f.err != nil {
		return f.err
	}
	f.forced = requestID
	return nil
}

type env struct {
	server    *Server
	requests  *fakeRequests
	collector *fakeCollector
	lifecycle *fakeLifecycle
	tokens    *Tokens
}

func newEnv() *env {
	requests := &fakeRequests{}
	collector := &fakeCollector{}
	lifecycle := &fakeLifecycle{}
	tokens := NewTokens("test-secret")
	return &env{
		server:    NewServer(requests, collector, lifecycle, tokens, zap.NewNop()),
		requests:  requests,
		collector: collector,
		lifecycle: lifecycle,
		tokens:    tokens,
	}
}

func (e *env) do(t *testing.T, method, path string, body any, subject string, role Role) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		token, err := e.tokens.Generate(subject, role)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPingIsPublic(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodGet, "/api/ping", nil, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateRequestTakesCustomerFromToken(t *testing.T) {
	e := newEnv()
	body := map[string]any{
		"origin_city": "Medellín",
		"parts":       []map[string]any{{"name": "alternator", "quantity": 1}},
	}
	rec := e.do(t, http.MethodPost, "/api/requests", body, "cust-7", RoleCustomer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if e.requests.created.CustomerID != "cust-7" {
		t.Fatalf("customer id = %q, want cust-7", e.requests.created.CustomerID)
	}
}

func TestCreateRequestRejectsAdvisorRole(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/api/requests", map[string]any{}, "adv-1", RoleAdvisor)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCreateRequestRequiresToken(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/api/requests", map[string]any{}, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateRequestMapsValidationErrors(t *testing.T) {
	e := newEnv()
	e.requests.err = request.ErrNoParts
	rec := e.do(t, http.MethodPost, "/api/requests", map[string]any{}, "cust-1", RoleCustomer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitOfferTakesAdvisorFromToken(t *testing.T) {
	e := newEnv()
	body := map[string]any{
		"request_id":    "req-1",
		"delivery_days": 3,
		"lines": []map[string]any{
			{"part_id": "part-1", "unit_price": 120000, "warranty_months": 12, "included": true},
		},
	}
	rec := e.do(t, http.MethodPost, "/api/offers", body, "adv-9", RoleAdvisor)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if e.collector.got.AdvisorID != "adv-9" {
		t.Fatalf("advisor id = %q, want adv-9", e.collector.got.AdvisorID)
	}
}

func TestSubmitOfferMapsFieldErrors(t *testing.T) {
	e := newEnv()
	e.collector.err = &offer.ValidationError{Field: "delivery_days", Reason: "must be within [1, 45]"}
	rec := e.do(t, http.MethodPost, "/api/offers", map[string]any{}, "adv-1", RoleAdvisor)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["field"] != "delivery_days" {
		t.Fatalf("field = %q, want delivery_days", resp["field"])
	}
}

func TestSubmitOfferMapsClosedRequest(t *testing.T) {
	e := newEnv()
	e.collector.err = offer.ErrRequestNotOpen
	rec := e.do(t, http.MethodPost, "/api/offers", map[string]any{}, "adv-1", RoleAdvisor)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCancelRoutesToScheduler(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/api/requests/req-4/cancel",
		map[string]any{"reason": "found locally"}, "cust-1", RoleCustomer)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if e.lifecycle.cancelled != "req-4" {
		t.Fatalf("cancelled = %q, want req-4", e.lifecycle.cancelled)
	}
}

func TestCancelClosedRequestConflicts(t *testing.T) {
	e := newEnv()
	e.lifecycle.err = escalate.ErrNotOpen
	rec := e.do(t, http.MethodPost, "/api/requests/req-4/cancel", nil, "cust-1", RoleCustomer)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestForceEvaluateIsAdminOnly(t *testing.T) {
	e := newEnv()
	rec := e.do(t, http.MethodPost, "/api/requests/req-4/evaluate", nil, "cust-1", RoleCustomer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer: status = %d, want 403", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/requests/req-4/evaluate", nil, "admin-1", RoleAdmin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("admin: status = %d, want 202", rec.Code)
	}
	if e.lifecycle.forced != "req-4" {
		t.Fatalf("forced = %q, want req-4", e.lifecycle.forced)
	}
}

func TestRequestStateMapsNotFound(t *testing.T) {
	e := newEnv()
	e.requests.viewErr = request.ErrNotFound
	rec := e.do(t, http.MethodGet, "/api/requests/req-9", nil, "cust-1", RoleCustomer)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRequestStateIncludesUncoveredParts(t *testing.T) {
	e := newEnv()
	e.requests.view = request.StateView{
		ID:             "req-2",
		Status:         request.StatusAwarded,
		Level:          3,
		OfferCount:     4,
		UncoveredParts: []string{"headlight assembly"},
	}
	rec := e.do(t, http.MethodGet, "/api/requests/req-2", nil, "cust-1", RoleCustomer)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		UncoveredParts []string `json:"uncovered_parts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.UncoveredParts) != 1 || resp.UncoveredParts[0] != "headlight assembly" {
		t.Fatalf("uncovered = %v", resp.UncoveredParts)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret")
	raw, err := tokens.Generate("adv-1", RoleAdvisor)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	subject, role, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "adv-1" || role != RoleAdvisor {
		t.Fatalf("got (%s, %s)", subject, role)
	}

	other := NewTokens("different")
	if _, _, err := other.Verify(raw); err == nil {
		t.Fatal("token verified under wrong secret")
	}
}
