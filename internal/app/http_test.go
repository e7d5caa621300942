package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"approvals/api/internal/bus"
	"approvals/api/internal/flighting"
	"approvals/api/internal/onboarding"
	"approvals/api/internal/outofsync"
	"approvals/api/internal/repush"
	"approvals/api/internal/search"
	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

type fakeAppStore struct {
	summaries   []store.SummaryRow
	tenants     []store.TenantInfo
	delegations []store.Delegation
	expired     []store.Delegation
	history     []store.DelegationHistory
}

func (f *fakeAppStore) Ping(ctx context.Context) error { return nil }

func (f *fakeAppStore) ListSummaryByApprover(ctx context.Context, approver string, tenantID int) ([]store.SummaryRow, error) {
	return f.summaries, nil
}

func (f *fakeAppStore) ListTenants(ctx context.Context) ([]store.TenantInfo, error) {
	return f.tenants, nil
}

func (f *fakeAppStore) GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error) {
	for _, tenant := range f.tenants {
		if tenant.TenantID == tenantID {
			t := tenant
			return &t, nil
		}
	}
	return nil, nil
}

func (f *fakeAppStore) ListDelegationsByManager(ctx context.Context, manager string) ([]store.Delegation, error) {
	return f.delegations, nil
}

func (f *fakeAppStore) ListExpiredDelegations(ctx context.Context, now time.Time) ([]store.Delegation, error) {
	return f.expired, nil
}

func (f *fakeAppStore) ListDelegationHistory(ctx context.Context, manager string) ([]store.DelegationHistory, error) {
	return f.history, nil
}

func (f *fakeAppStore) RetireDelegation(ctx context.Context, delegation store.Delegation, action string) error {
	f.history = append(f.history, store.DelegationHistory{
		Action:     action,
		Manager:    delegation.Manager,
		Delegate:   delegation.Delegate,
		TenantID:   delegation.TenantID,
		AccessType: delegation.AccessType,
		DateFrom:   delegation.DateFrom,
		DateTo:     delegation.DateTo,
	})
	remaining := make([]store.Delegation, 0, len(f.expired))
	for _, d := range f.expired {
		if d.ID != delegation.ID {
			remaining = append(remaining, d)
		}
	}
	f.expired = remaining
	return nil
}

type fakeMarker struct {
	lastDocs []string
}

func (f *fakeMarker) Mark(ctx context.Context, docs []string, approver string, tenantID int) (*outofsync.Result, error) {
	f.lastDocs = docs
	return outofsync.ResultFromBuckets(map[outofsync.Reason][]string{
		outofsync.ReasonMarked:          {"doc-1"},
		outofsync.ReasonSummaryNotFound: {"doc-2"},
	}), nil
}

type fakeRePusher struct {
	outcome repush.Outcome
}

func (f *fakeRePusher) CheckAndRePush(ctx context.Context, env repush.Envelope) (repush.Outcome, error) {
	return f.outcome, nil
}

type fakePeeker struct{}

func (fakePeeker) Peek(ctx context.Context, limit int) ([]bus.Message, error) {
	return []bus.Message{{
		ID:            "msg-1",
		CorrelationID: "corr-1",
		Body:          []byte(`{"documentTypeId":"dt-1"}`),
		Properties:    map[string]string{"ContentType": "application/json"},
	}}, nil
}

type fakeFlighting struct{}

func (fakeFlighting) IsEnabledForUser(ctx context.Context, alias string, featureID int) (bool, error) {
	return alias == "alice" && featureID == 3, nil
}

func (fakeFlighting) ManageSubscription(ctx context.Context, detail flighting.SubscriptionDetail) ([]string, error) {
	return []string{"alice: subscribed"}, nil
}

type fakeAudit struct{}

func (fakeAudit) Retrieve(ctx context.Context, documentNumber string, tenantID int, from, to time.Time) ([]store.AuditRecord, error) {
	return []store.AuditRecord{{ID: 1, DocumentNumber: documentNumber, Payload: []byte(`{"ok":true}`)}}, nil
}

type fakeOnboarder struct{}

func (fakeOnboarder) Submit(ctx context.Context, req onboarding.Request) (*store.TenantInfo, error) {
	return &store.TenantInfo{TenantID: 1, Name: req.Name, IsPendingApproval: true}, nil
}

func (fakeOnboarder) Approve(ctx context.Context, tenantID int) (*store.TenantInfo, error) {
	return &store.TenantInfo{TenantID: tenantID + 1, Name: "Expense"}, nil
}

func (fakeOnboarder) Edit(ctx context.Context, tenantID int, req onboarding.Request) (*store.TenantInfo, error) {
	return &store.TenantInfo{TenantID: tenantID, Name: req.Name}, nil
}

func (fakeOnboarder) Asset(ctx context.Context, tenantID int, name string) ([]byte, error) {
	return []byte(`{"card":true}`), nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{{DocumentNumber: "doc-1"}}, Total: 1, Query: q.Text}
}

type fakeNotifier struct {
	lastTenantID int
	lastTemplate string
	lastTo       []string
}

func (f *fakeNotifier) SendTemplated(ctx context.Context, tenantID int, templateName string, to []string, values map[string]string) error {
	f.lastTenantID = tenantID
	f.lastTemplate = templateName
	f.lastTo = to
	return nil
}

func newTestServer(f *fakeAppStore, repusher *fakeRePusher) *httptest.Server {
	if repusher == nil {
		repusher = &fakeRePusher{outcome: repush.Outcome{Status: repush.StatusOK}}
	}
	service := NewService(f, &fakeMarker{}, repusher, fakePeeker{}, fakeFlighting{}, fakeAudit{}, fakeOnboarder{}, fakeSearcher{}, &fakeNotifier{}, zerolog.Nop())
	return httptest.NewServer(NewHTTPServer(service, "*", zerolog.Nop()).Handler())
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, target any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	if status := getJSON(t, server.URL+"/api/v1/health", nil); status != http.StatusOK {
		t.Errorf("health: expected 200, got %d", status)
	}
	if status := getJSON(t, server.URL+"/api/v1/ready", nil); status != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", status)
	}
}

func TestListSummaryRequiresApprover(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body map[string]any
	if status := getJSON(t, server.URL+"/api/v1/summary", &body); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if body["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", body["code"])
	}
}

func TestListSummary(t *testing.T) {
	f := &fakeAppStore{summaries: []store.SummaryRow{{Approver: "alice", DocumentNumber: "doc-1"}}}
	server := newTestServer(f, nil)
	defer server.Close()

	var body struct {
		Summaries []store.SummaryRow `json:"summaries"`
	}
	if status := getJSON(t, server.URL+"/api/v1/summary?approver=alice&tenantId=7", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(body.Summaries) != 1 || body.Summaries[0].DocumentNumber != "doc-1" {
		t.Errorf("unexpected summaries %v", body.Summaries)
	}
}

func TestSearchSummary(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body search.Response
	if status := getJSON(t, server.URL+"/api/v1/summary/search?q=expense", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body.Total != 1 || body.Query != "expense" {
		t.Errorf("unexpected search response %+v", body)
	}

	if status := getJSON(t, server.URL+"/api/v1/summary/search", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 without q, got %d", status)
	}
}

func TestMarkOutOfSyncEndpoint(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body map[string]string
	status := postJSON(t, server.URL+"/api/v1/outofsync/mark",
		`{"documentNumbers":["doc-1","doc-2"],"tenantId":7}`, &body)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["markedOutOfSync"] != "doc-1" || body["summaryNotFoundForDocument"] != "doc-2" {
		t.Errorf("unexpected buckets %v", body)
	}

	if status := postJSON(t, server.URL+"/api/v1/outofsync/mark", `{"tenantId":7}`, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for empty document list, got %d", status)
	}
}

func TestRePushStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		outcome repush.Outcome
		status  int
	}{
		{"ok", repush.Outcome{Status: repush.StatusOK}, http.StatusOK},
		{"not found", repush.Outcome{Status: repush.StatusNotFound}, http.StatusNotFound},
		{"partial", repush.Outcome{Status: repush.StatusPartialFailure, FailedIDs: []string{"10", "11"}}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(&fakeAppStore{}, &fakeRePusher{outcome: tc.outcome})
			defer server.Close()

			var body map[string]any
			status := postJSON(t, server.URL+"/api/v1/repush",
				`{"documentNumber":"doc-1","tenantName":"Expense","collection":"history"}`, &body)
			if status != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, status)
			}
			if tc.outcome.Status == repush.StatusPartialFailure {
				details := body["details"].(map[string]any)
				if details["failedIds"] != "10,11" {
					t.Errorf("expected comma-joined failed ids, got %v", details)
				}
			}
		})
	}
}

func TestPeekEndpoint(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	if status := getJSON(t, server.URL+"/api/v1/repush/peek?limit=5", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(body.Messages) != 1 || body.Messages[0]["messageId"] != "msg-1" {
		t.Errorf("unexpected peek response %v", body.Messages)
	}
}

func TestDocumentStatusEndpoint(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body struct {
		Records []map[string]any `json:"records"`
	}
	status := getJSON(t, server.URL+"/api/v1/documentstatus/doc-9?tenantId=7", &body)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(body.Records) != 1 || body.Records[0]["documentNumber"] != "doc-9" {
		t.Errorf("unexpected records %v", body.Records)
	}

	if status := getJSON(t, server.URL+"/api/v1/documentstatus/doc-9?from=yesterday", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for bad time bound, got %d", status)
	}
}

func TestFlightingEndpoints(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	var body map[string]bool
	if status := getJSON(t, server.URL+"/api/v1/flighting/3/user/alice", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !body["enabled"] {
		t.Error("expected alice enabled for feature 3")
	}

	var manageBody map[string][]string
	status := postJSON(t, server.URL+"/api/v1/flighting/manage",
		`{"featureId":3,"action":"Subscribe","aliases":["alice"]}`, &manageBody)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(manageBody["messages"]) != 1 {
		t.Errorf("unexpected messages %v", manageBody)
	}
}

func TestTenantEndpoints(t *testing.T) {
	f := &fakeAppStore{tenants: []store.TenantInfo{{TenantID: 7, Name: "Expense"}}}
	server := newTestServer(f, nil)
	defer server.Close()

	if status := getJSON(t, server.URL+"/api/v1/tenantinfo", nil); status != http.StatusOK {
		t.Errorf("list tenants: expected 200, got %d", status)
	}
	if status := getJSON(t, server.URL+"/api/v1/tenantinfo/7", nil); status != http.StatusOK {
		t.Errorf("get tenant: expected 200, got %d", status)
	}
	if status := getJSON(t, server.URL+"/api/v1/tenantinfo/99", nil); status != http.StatusNotFound {
		t.Errorf("unknown tenant: expected 404, got %d", status)
	}

	if status := postJSON(t, server.URL+"/api/v1/tenant/submit", `{"name":"Travel"}`, nil); status != http.StatusCreated {
		t.Errorf("submit: expected 201, got %d", status)
	}
	if status := postJSON(t, server.URL+"/api/v1/tenant/7/approve", ``, nil); status != http.StatusOK {
		t.Errorf("approve: expected 200, got %d", status)
	}
	if status := postJSON(t, server.URL+"/api/v1/tenant/7/edit", `{"name":"Expense v2"}`, nil); status != http.StatusOK {
		t.Errorf("edit: expected 200, got %d", status)
	}
}

func TestTenantAssetEndpoint(t *testing.T) {
	f := &fakeAppStore{tenants: []store.TenantInfo{{TenantID: 7, Name: "Expense"}}}
	server := newTestServer(f, nil)
	defer server.Close()

	var body map[string]any
	if status := getJSON(t, server.URL+"/api/v1/tenant/7/asset?name=cards/detail.json", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["name"] != "cards/detail.json" {
		t.Errorf("unexpected asset response %v", body)
	}

	if status := getJSON(t, server.URL+"/api/v1/tenant/7/asset", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 without name, got %d", status)
	}
}

func TestResendNotification(t *testing.T) {
	f := &fakeAppStore{tenants: []store.TenantInfo{{TenantID: 7, Name: "Expense"}}}
	server := newTestServer(f, nil)
	defer server.Close()

	status := postJSON(t, server.URL+"/api/v1/tenant/7/notify",
		`{"templateType":"PendingApproval","to":["alice@corp.local"],"values":{"DocumentNumber":"doc-1"}}`, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	if status := postJSON(t, server.URL+"/api/v1/tenant/7/notify", `{"templateType":"PendingApproval"}`, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 without recipients, got %d", status)
	}

	var errBody map[string]any
	status = postJSON(t, server.URL+"/api/v1/tenant/99/notify",
		`{"templateType":"PendingApproval","to":["alice@corp.local"]}`, &errBody)
	if status != http.StatusNotFound {
		t.Fatalf("unknown tenant: expected 404, got %d", status)
	}
	if errBody["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", errBody["code"])
	}
}

func TestUnknownTenantMapsToNotFound(t *testing.T) {
	status, code, message, _ := mapError(fmt.Errorf("tenant 42: %w", store.ErrTenantNotFound))
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", status, code)
	}
	if !strings.Contains(message, "tenant 42") {
		t.Errorf("expected message to name the tenant, got %q", message)
	}
}

func TestDelegationCleanupAppendsHistory(t *testing.T) {
	from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 3, 0)
	f := &fakeAppStore{expired: []store.Delegation{
		{ID: 1, Manager: "carol", Delegate: "dave", TenantID: 7, AccessType: "ReadOnly", DateFrom: from, DateTo: to},
		{ID: 2, Manager: "erin", Delegate: "frank", TenantID: 8, AccessType: "Full", DateFrom: from, DateTo: to},
	}}
	server := newTestServer(f, nil)
	defer server.Close()

	var body map[string]int
	if status := postJSON(t, server.URL+"/api/v1/delegation/cleanup", ``, &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["retired"] != 2 {
		t.Errorf("expected 2 retired, got %d", body["retired"])
	}
	if len(f.history) != 2 {
		t.Fatalf("expected one history row per retired delegation, got %d", len(f.history))
	}
	first := f.history[0]
	if first.Action != "Delete" || first.Manager != "carol" || first.Delegate != "dave" ||
		first.TenantID != 7 || first.AccessType != "ReadOnly" ||
		!first.DateFrom.Equal(from) || !first.DateTo.Equal(to) {
		t.Errorf("history row must copy all fields verbatim with action Delete, got %+v", first)
	}
}

func TestListDelegationsRequiresManager(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	if status := getJSON(t, server.URL+"/api/v1/delegation", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 without manager, got %d", status)
	}
	if status := getJSON(t, server.URL+"/api/v1/delegation?manager=carol", nil); status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}
}

func TestDelegationHistoryEndpoint(t *testing.T) {
	f := &fakeAppStore{history: []store.DelegationHistory{{Action: "Delete", Manager: "carol"}}}
	server := newTestServer(f, nil)
	defer server.Close()

	var body struct {
		History []store.DelegationHistory `json:"history"`
	}
	if status := getJSON(t, server.URL+"/api/v1/delegation/history?manager=carol", &body); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(body.History) != 1 || body.History[0].Action != "Delete" {
		t.Errorf("unexpected history %v", body.History)
	}

	if status := getJSON(t, server.URL+"/api/v1/delegation/history", nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 without manager, got %d", status)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(&fakeAppStore{}, nil)
	defer server.Close()

	if status := getJSON(t, server.URL+"/api/v1/nope", nil); status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}
