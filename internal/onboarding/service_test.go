package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu        sync.Mutex
	tenants   map[int]store.TenantInfo
	pending   map[int][]store.EmailTemplate
	permanent map[int][]store.EmailTemplate
	usedIDs   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:   map[int]store.TenantInfo{},
		pending:   map[int][]store.EmailTemplate{},
		permanent: map[int][]store.EmailTemplate{},
		usedIDs:   map[string]bool{},
	}
}

func (f *fakeStore) GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) GetTenantByName(ctx context.Context, name string) (*store.TenantInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if strings.EqualFold(t.Name, name) {
			tenant := t
			return &tenant, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) IdentifierInUse(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usedIDs[id], nil
}

func (f *fakeStore) InsertTenant(ctx context.Context, tenant store.TenantInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := 0
	for existing := range f.tenants {
		if existing > id {
			id = existing
		}
	}
	id++
	tenant.TenantID = id
	f.tenants[id] = tenant
	f.usedIDs[tenant.DocTypeID] = true
	f.usedIDs[tenant.AppID] = true
	return id, nil
}

func (f *fakeStore) UpdateTenant(ctx context.Context, tenant store.TenantInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[tenant.TenantID] = tenant
	return nil
}

func (f *fakeStore) DeleteTenant(ctx context.Context, tenantID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tenants, tenantID)
	return nil
}

func (f *fakeStore) InsertPendingEmailTemplate(ctx context.Context, template store.EmailTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[template.TenantID] = append(f.pending[template.TenantID], template)
	return nil
}

func (f *fakeStore) PromotePendingEmailTemplates(ctx context.Context, pendingTenantID, approvedTenantID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tpl := range f.pending[pendingTenantID] {
		tpl.TenantID = approvedTenantID
		f.permanent[approvedTenantID] = append(f.permanent[approvedTenantID], tpl)
	}
	delete(f.pending, pendingTenantID)
	return nil
}

type fakeBlob struct {
	mu      sync.Mutex
	uploads map[string]string // objectName -> contentType
	data    map[string][]byte
	err     error
}

func (f *fakeBlob) UploadAsset(ctx context.Context, objectName string, data []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = map[string]string{}
		f.data = map[string][]byte{}
	}
	f.uploads[objectName] = contentType
	f.data[objectName] = data
	return nil
}

func (f *fakeBlob) GetAsset(ctx context.Context, objectName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectName)
	}
	return data, nil
}

type fakeTokens struct{}

func (fakeTokens) Token(ctx context.Context, kind, resource string) (string, error) {
	return "tok-test", nil
}

func newTestService(f *fakeStore, b *fakeBlob, provisioningURL string) *Service {
	svc := NewService(f, b, fakeTokens{}, http.DefaultClient, provisioningURL, "http://stub.local/teststub", zerolog.Nop())
	var seq atomic.Int64
	svc.newID = func() string {
		return fmt.Sprintf("id-%04d", seq.Add(1))
	}
	return svc
}

func submitRequest() Request {
	return Request{
		Name:                 "Expense",
		ActionSubmissionType: "Bulk",
		OperationEndpoints: []OperationEndpoint{
			{Name: OpSummary, Endpoint: "https://lob.example/$(docTypeId)/summary"},
			{Name: OpAction, Endpoint: "https://lob.example/$(docTypeId)/action"},
		},
		ServiceParameters: map[string]string{"client": "$(tenantName)"},
		CardTemplates:     []Asset{{Name: "detail.json", ContentType: "application/json", Data: []byte(`{}`)}},
		EmailTemplates:    []EmailTemplateInput{{TemplateType: TemplatePendingApproval, Subject: "Pending", Body: "<p>hi</p>"}},
		Icon:              &Asset{Name: "icon.png", ContentType: "image/png", Data: []byte{1}},
	}
}

func TestSubmitCreatesPendingTenant(t *testing.T) {
	f := newFakeStore()
	b := &fakeBlob{}

	var provisioned map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-test" {
			t.Errorf("expected bearer token, got %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&provisioned)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc := newTestService(f, b, server.URL)
	tenant, err := svc.Submit(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if tenant.TenantID != 1 || !tenant.IsPendingApproval {
		t.Errorf("expected pending tenant id 1, got %+v", tenant)
	}
	if provisioned["operation"] != "Create" {
		t.Errorf("expected Create provisioning operation, got %v", provisioned)
	}
	if !strings.Contains(tenant.TenantOperationDetails, "https://lob.example/"+tenant.DocTypeID+"/summary") {
		t.Errorf("expected docTypeId substituted into endpoints, got %s", tenant.TenantOperationDetails)
	}
	if !strings.Contains(tenant.ServiceParameters, `"client":"Expense"`) {
		t.Errorf("expected tenantName substituted into parameters, got %s", tenant.ServiceParameters)
	}
	if _, ok := b.uploads[tenant.DocTypeID+"/cards/detail.json"]; !ok {
		t.Error("expected card template uploaded")
	}
	if _, ok := b.uploads[tenant.DocTypeID+"/icon/icon.png"]; !ok {
		t.Error("expected icon uploaded")
	}
	if len(f.pending[tenant.TenantID]) != 1 {
		t.Error("expected email template staged")
	}
}

func TestSubmitStopsAfterProvisioningFailure(t *testing.T) {
	f := newFakeStore()
	b := &fakeBlob{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := newTestService(f, b, server.URL).Submit(context.Background(), submitRequest()); err == nil {
		t.Fatal("expected error when provisioning fails")
	}
	if len(b.uploads) != 0 {
		t.Error("uploads must not run after a failed provisioning call")
	}
	if len(f.tenants) != 0 {
		t.Error("tenant must not be stored after a failed provisioning call")
	}
}

func TestConcurrentSubmitsGetDistinctIDs(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f, &fakeBlob{}, "")

	const submits = 8
	ids := make([]int, submits)
	errs := make([]error, submits)
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := submitRequest()
			req.Name = fmt.Sprintf("Tenant-%d", i)
			tenant, err := svc.Submit(context.Background(), req)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = tenant.TenantID
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < submits; i++ {
		if errs[i] != nil {
			t.Fatalf("submit %d failed: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("tenant id %d assigned twice", ids[i])
		}
		seen[ids[i]] = true
	}
	if len(f.tenants) != submits {
		t.Errorf("expected %d stored tenants, got %d", submits, len(f.tenants))
	}
}

func TestSubmitRejectsDuplicateName(t *testing.T) {
	f := newFakeStore()
	f.tenants[3] = store.TenantInfo{TenantID: 3, Name: "Expense"}

	if _, err := newTestService(f, &fakeBlob{}, "").Submit(context.Background(), submitRequest()); err == nil {
		t.Error("expected duplicate-name error")
	}
}

func TestSubmitRejectsUnknownTemplateType(t *testing.T) {
	req := submitRequest()
	req.EmailTemplates[0].TemplateType = "Surprise"

	if _, err := newTestService(newFakeStore(), &fakeBlob{}, "").Submit(context.Background(), req); err == nil {
		t.Error("expected unknown template type error")
	}
}

func TestApprovePromotesTenantAndCreatesTestClone(t *testing.T) {
	f := newFakeStore()
	b := &fakeBlob{}
	svc := newTestService(f, b, "")

	pending, err := svc.Submit(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	approved, err := svc.Approve(context.Background(), pending.TenantID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	if approved.IsPendingApproval {
		t.Error("approved tenant must not stay pending")
	}
	if approved.DocTypeID == pending.DocTypeID || approved.AppID == pending.AppID {
		t.Error("approve must assign fresh identifiers")
	}
	if _, ok := f.tenants[pending.TenantID]; ok {
		t.Error("pending record must be deleted")
	}
	if len(f.permanent[approved.TenantID]) != 1 {
		t.Error("expected email template promoted to permanent table")
	}

	var clone *store.TenantInfo
	for _, tenant := range f.tenants {
		if tenant.IsTest {
			c := tenant
			clone = &c
		}
	}
	if clone == nil {
		t.Fatal("expected test clone created")
	}
	if clone.Name != "Expense (Test)" {
		t.Errorf("unexpected clone name %q", clone.Name)
	}
	if !strings.Contains(clone.TenantOperationDetails, "http://stub.local/teststub/summary") {
		t.Errorf("expected stub endpoints in clone, got %s", clone.TenantOperationDetails)
	}
	if clone.DocTypeID == approved.DocTypeID {
		t.Error("clone must carry its own identifiers")
	}
}

func TestApproveRejectsNonPendingTenant(t *testing.T) {
	f := newFakeStore()
	f.tenants[5] = store.TenantInfo{TenantID: 5, Name: "Live", IsPendingApproval: false}

	if _, err := newTestService(f, &fakeBlob{}, "").Approve(context.Background(), 5); err == nil {
		t.Error("expected error approving a live tenant")
	}
}

func TestEditKeepsIdentifiers(t *testing.T) {
	f := newFakeStore()
	b := &fakeBlob{}
	svc := newTestService(f, b, "")

	pending, err := svc.Submit(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	edited, err := svc.Edit(context.Background(), pending.TenantID, Request{
		OperationEndpoints: []OperationEndpoint{
			{Name: OpSummary, Endpoint: "https://lob2.example/$(docTypeId)/summary"},
		},
		Icon: &Asset{Name: "icon2.png", ContentType: "image/png", Data: []byte{2}},
	})
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	if edited.DocTypeID != pending.DocTypeID || edited.AppID != pending.AppID || edited.TenantID != pending.TenantID {
		t.Error("edit must not change identifiers")
	}
	if !strings.Contains(edited.TenantOperationDetails, "https://lob2.example/"+pending.DocTypeID+"/summary") {
		t.Errorf("expected substituted new endpoint, got %s", edited.TenantOperationDetails)
	}
	if edited.IconName != "icon2.png" {
		t.Errorf("expected icon replaced, got %s", edited.IconName)
	}
	if _, ok := b.uploads[pending.DocTypeID+"/icon/icon2.png"]; !ok {
		t.Error("expected new icon uploaded")
	}
}

func TestAssetRoundTrip(t *testing.T) {
	f := newFakeStore()
	b := &fakeBlob{}
	svc := newTestService(f, b, "")

	tenant, err := svc.Submit(context.Background(), submitRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	data, err := svc.Asset(context.Background(), tenant.TenantID, "cards/detail.json")
	if err != nil {
		t.Fatalf("Asset failed: %v", err)
	}
	if string(data) != `{}` {
		t.Errorf("unexpected asset data %q", data)
	}

	if _, err := svc.Asset(context.Background(), 99, "cards/detail.json"); err == nil {
		t.Error("expected error for unknown tenant")
	}
}

func TestUniqueIdentifierBoundedRetry(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f, &fakeBlob{}, "")

	// First two draws collide, third is free.
	f.usedIDs["id-0001"] = true
	f.usedIDs["id-0002"] = true
	id, err := svc.uniqueIdentifier(context.Background())
	if err != nil {
		t.Fatalf("uniqueIdentifier failed: %v", err)
	}
	if id != "id-0003" {
		t.Errorf("expected id-0003, got %s", id)
	}

	// Everything collides: the loop must stop with an error.
	exhausted := newTestService(f, &fakeBlob{}, "")
	exhausted.newID = func() string { return "id-0001" }
	if _, err := exhausted.uniqueIdentifier(context.Background()); err == nil {
		t.Error("expected error after exhausting attempts")
	}
}

func TestParseClosedSets(t *testing.T) {
	if _, err := ParseOperationName("Download"); err != nil {
		t.Errorf("Download should parse: %v", err)
	}
	if _, err := ParseOperationName("Upload"); err == nil {
		t.Error("expected unknown operation name error")
	}
	if _, err := ParseTemplateType(TemplateReminder); err != nil {
		t.Errorf("Reminder should parse: %v", err)
	}
	if _, err := ParseTemplateType("Holiday"); err == nil {
		t.Error("expected unknown template type error")
	}
}
