// Package onboarding runs the tenant submit / approve / edit workflows.
package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"approvals/api/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tenant-facing operation endpoints. The closed set drives the test-clone
// URL rewrite.
const (
	OpSummary  = "Summary"
	OpDetails  = "Details"
	OpDownload = "Download"
	OpAction   = "Action"
)

// ErrUnknownOperationName is wrapped for endpoints outside the closed set.
var ErrUnknownOperationName = fmt.Errorf("unknown operation name")

func ParseOperationName(raw string) (string, error) {
	switch raw {
	case OpSummary, OpDetails, OpDownload, OpAction:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperationName, raw)
	}
}

// Email template types a tenant may stage during onboarding.
const (
	TemplatePendingApproval = "PendingApproval"
	TemplateReminder        = "Reminder"
	TemplateActionFailure   = "ActionFailure"
)

// ErrUnknownTemplateType is wrapped for unrecognized template types.
var ErrUnknownTemplateType = fmt.Errorf("unknown template type")

func ParseTemplateType(raw string) (string, error) {
	switch raw {
	case TemplatePendingApproval, TemplateReminder, TemplateActionFailure:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplateType, raw)
	}
}

const maxIdentifierAttempts = 10

// OperationEndpoint maps one operation name to the tenant's line-of-business
// URL.
type OperationEndpoint struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// Asset is one uploaded tenant file (adaptive card template or icon).
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// EmailTemplateInput stages one notification template for approval.
type EmailTemplateInput struct {
	TemplateType string `json:"templateType"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

// Request carries everything a tenant submits for onboarding.
type Request struct {
	Name                 string               `json:"name"`
	ActionSubmissionType string               `json:"actionSubmissionType"`
	OperationEndpoints   []OperationEndpoint  `json:"operationEndpoints"`
	ServiceParameters    map[string]string    `json:"serviceParameters"`
	CardTemplates        []Asset              `json:"cardTemplates"`
	EmailTemplates       []EmailTemplateInput `json:"emailTemplates"`
	Icon                 *Asset               `json:"icon"`
}

// Store is the subset of storage the orchestrator needs.
type Store interface {
	GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error)
	GetTenantByName(ctx context.Context, name string) (*store.TenantInfo, error)
	IdentifierInUse(ctx context.Context, id string) (bool, error)
	InsertTenant(ctx context.Context, tenant store.TenantInfo) (int, error)
	UpdateTenant(ctx context.Context, tenant store.TenantInfo) error
	DeleteTenant(ctx context.Context, tenantID int) error
	InsertPendingEmailTemplate(ctx context.Context, template store.EmailTemplate) error
	PromotePendingEmailTemplates(ctx context.Context, pendingTenantID, approvedTenantID int) error
}

// Blob stores tenant assets.
type Blob interface {
	UploadAsset(ctx context.Context, objectName string, data []byte, contentType string) error
	GetAsset(ctx context.Context, objectName string) ([]byte, error)
}

// TokenProvider supplies bearer tokens for the provisioning call.
type TokenProvider interface {
	Token(ctx context.Context, kind, resource string) (string, error)
}

// Service orchestrates the three onboarding workflows. The step chain is
// deliberately not transactional: a later step failing does not undo earlier
// ones.
type Service struct {
	store           Store
	blob            Blob
	tokens          TokenProvider
	client          *http.Client
	provisioningURL string
	testStubBaseURL string
	log             zerolog.Logger
	newID           func() string
}

func NewService(s Store, b Blob, tokens TokenProvider, client *http.Client, provisioningURL, testStubBaseURL string, log zerolog.Logger) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{
		store:           s,
		blob:            b,
		tokens:          tokens,
		client:          client,
		provisioningURL: provisioningURL,
		testStubBaseURL: testStubBaseURL,
		log:             log,
		newID:           uuid.NewString,
	}
}

// Submit registers a pending tenant: fresh identifiers, parameter
// substitution, a "Create" POST to the provisioning function, then asset
// uploads. The tenant id is assigned by the insert at the end, so two
// concurrent submits can never claim the same id, and staged email templates
// are keyed by the assigned id.
func (s *Service) Submit(ctx context.Context, req Request) (*store.TenantInfo, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("tenant name is required")
	}
	existing, err := s.store.GetTenantByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("check tenant name: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("tenant %q already exists", req.Name)
	}
	for _, tpl := range req.EmailTemplates {
		if _, err := ParseTemplateType(tpl.TemplateType); err != nil {
			return nil, err
		}
	}
	for _, ep := range req.OperationEndpoints {
		if _, err := ParseOperationName(ep.Name); err != nil {
			return nil, err
		}
	}

	docTypeID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return nil, err
	}
	appID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return nil, err
	}

	tenant := store.TenantInfo{
		Name:                 strings.TrimSpace(req.Name),
		DocTypeID:            docTypeID,
		AppID:                appID,
		ActionSubmissionType: defaultSubmissionType(req.ActionSubmissionType),
		IsPendingApproval:    true,
	}
	if req.Icon != nil {
		tenant.IconName = req.Icon.Name
	}
	if err := s.applyReplacements(&tenant, req); err != nil {
		return nil, err
	}

	if err := s.provision(ctx, "Create", tenant); err != nil {
		return nil, err
	}

	if err := s.uploadAssets(ctx, tenant, req); err != nil {
		return nil, err
	}

	tenantID, err := s.store.InsertTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	tenant.TenantID = tenantID
	for _, tpl := range req.EmailTemplates {
		err := s.store.InsertPendingEmailTemplate(ctx, store.EmailTemplate{
			TenantID:     tenant.TenantID,
			TemplateName: tpl.TemplateType,
			Subject:      tpl.Subject,
			Body:         tpl.Body,
		})
		if err != nil {
			return nil, fmt.Errorf("stage email template %s: %w", tpl.TemplateType, err)
		}
	}
	s.log.Info().Str("tenant", tenant.Name).Int("tenant_id", tenant.TenantID).Msg("onboarding: tenant submitted")
	return &tenant, nil
}

// Approve turns a pending tenant into a live one with the next sequential id
// and fresh identifiers, promotes its staged email templates, removes the
// pending record, and creates a test clone pointing at the stub endpoints.
func (s *Service) Approve(ctx context.Context, pendingTenantID int) (*store.TenantInfo, error) {
	pending, err := s.store.GetTenant(ctx, pendingTenantID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("tenant %d: %w", pendingTenantID, store.ErrTenantNotFound)
	}
	if !pending.IsPendingApproval {
		return nil, fmt.Errorf("tenant %d is not pending approval", pendingTenantID)
	}

	docTypeID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return nil, err
	}
	appID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return nil, err
	}

	approved := *pending
	approved.DocTypeID = docTypeID
	approved.AppID = appID
	approved.IsPendingApproval = false
	approvedID, err := s.store.InsertTenant(ctx, approved)
	if err != nil {
		return nil, err
	}
	approved.TenantID = approvedID
	if err := s.store.PromotePendingEmailTemplates(ctx, pendingTenantID, approved.TenantID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteTenant(ctx, pendingTenantID); err != nil {
		return nil, err
	}

	if err := s.createTestClone(ctx, approved); err != nil {
		// The live tenant is already approved; the clone can be retried.
		s.log.Warn().Err(err).Str("tenant", approved.Name).Msg("onboarding: test clone creation failed")
	}

	s.log.Info().Str("tenant", approved.Name).Int("tenant_id", approved.TenantID).Msg("onboarding: tenant approved")
	return &approved, nil
}

// Edit re-applies parameter substitution and re-uploads changed assets while
// keeping all assigned identifiers.
func (s *Service) Edit(ctx context.Context, tenantID int, req Request) (*store.TenantInfo, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, store.ErrTenantNotFound)
	}
	for _, ep := range req.OperationEndpoints {
		if _, err := ParseOperationName(ep.Name); err != nil {
			return nil, err
		}
	}

	updated := *tenant
	if strings.TrimSpace(req.Name) != "" {
		updated.Name = strings.TrimSpace(req.Name)
	}
	if req.ActionSubmissionType != "" {
		updated.ActionSubmissionType = req.ActionSubmissionType
	}
	if req.Icon != nil {
		updated.IconName = req.Icon.Name
	}
	if len(req.OperationEndpoints) > 0 || len(req.ServiceParameters) > 0 {
		if err := s.applyReplacements(&updated, req); err != nil {
			return nil, err
		}
	}

	if err := s.uploadAssets(ctx, updated, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTenant(ctx, updated); err != nil {
		return nil, err
	}
	s.log.Info().Str("tenant", updated.Name).Int("tenant_id", updated.TenantID).Msg("onboarding: tenant updated")
	return &updated, nil
}

// Asset reads one of the tenant's uploaded files back, e.g. "cards/detail.json"
// or "icon/icon.png". Objects are stored under the tenant's doc type id.
func (s *Service) Asset(ctx context.Context, tenantID int, name string) ([]byte, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, store.ErrTenantNotFound)
	}
	return s.blob.GetAsset(ctx, fmt.Sprintf("%s/%s", tenant.DocTypeID, name))
}

// uniqueIdentifier draws identifiers until one is unused, giving up after a
// fixed number of attempts rather than recursing forever.
func (s *Service) uniqueIdentifier(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		id := s.newID()
		inUse, err := s.store.IdentifierInUse(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check identifier: %w", err)
		}
		if !inUse {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not draw an unused identifier in %d attempts", maxIdentifierAttempts)
}

// applyReplacements resolves $(tenantName), $(docTypeId) and $(appId) tokens
// in endpoints and service parameters, then stores both as JSON.
func (s *Service) applyReplacements(tenant *store.TenantInfo, req Request) error {
	replacer := strings.NewReplacer(
		"$(tenantName)", tenant.Name,
		"$(docTypeId)", tenant.DocTypeID,
		"$(appId)", tenant.AppID,
	)

	endpoints := make([]OperationEndpoint, len(req.OperationEndpoints))
	for i, ep := range req.OperationEndpoints {
		endpoints[i] = OperationEndpoint{Name: ep.Name, Endpoint: replacer.Replace(ep.Endpoint)}
	}
	detailsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return fmt.Errorf("marshal operation endpoints: %w", err)
	}
	tenant.TenantOperationDetails = string(detailsJSON)

	params := make(map[string]string, len(req.ServiceParameters))
	for key, value := range req.ServiceParameters {
		params[key] = replacer.Replace(value)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal service parameters: %w", err)
	}
	tenant.ServiceParameters = string(paramsJSON)
	return nil
}

func (s *Service) uploadAssets(ctx context.Context, tenant store.TenantInfo, req Request) error {
	for _, card := range req.CardTemplates {
		objectName := fmt.Sprintf("%s/cards/%s", tenant.DocTypeID, card.Name)
		if err := s.blob.UploadAsset(ctx, objectName, card.Data, card.ContentType); err != nil {
			return fmt.Errorf("upload card template %s: %w", card.Name, err)
		}
	}
	if req.Icon != nil {
		objectName := fmt.Sprintf("%s/icon/%s", tenant.DocTypeID, req.Icon.Name)
		if err := s.blob.UploadAsset(ctx, objectName, req.Icon.Data, req.Icon.ContentType); err != nil {
			return fmt.Errorf("upload icon: %w", err)
		}
	}
	return nil
}

// provision POSTs the tenant operation to the external provisioning function.
// A missing URL disables the call for local development.
func (s *Service) provision(ctx context.Context, operation string, tenant store.TenantInfo) error {
	if s.provisioningURL == "" {
		s.log.Debug().Str("tenant", tenant.Name).Msg("onboarding: provisioning url not configured, skipping")
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"operation":            operation,
		"tenantName":           tenant.Name,
		"docTypeId":            tenant.DocTypeID,
		"appId":                tenant.AppID,
		"actionSubmissionType": tenant.ActionSubmissionType,
	})
	if err != nil {
		return fmt.Errorf("marshal provisioning payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provisioningURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build provisioning request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx, "nonhmac", s.provisioningURL)
		if err != nil {
			return fmt.Errorf("provisioning token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("provisioning call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provisioning call returned %d", resp.StatusCode)
	}
	return nil
}

// createTestClone inserts a test twin of the approved tenant whose operation
// endpoints point at the stub service.
func (s *Service) createTestClone(ctx context.Context, approved store.TenantInfo) error {
	docTypeID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return err
	}
	appID, err := s.uniqueIdentifier(ctx)
	if err != nil {
		return err
	}

	var endpoints []OperationEndpoint
	if err := json.Unmarshal([]byte(approved.TenantOperationDetails), &endpoints); err != nil {
		return fmt.Errorf("parse operation details: %w", err)
	}
	for i := range endpoints {
		endpoints[i].Endpoint = fmt.Sprintf("%s/%s", strings.TrimRight(s.testStubBaseURL, "/"), strings.ToLower(endpoints[i].Name))
	}
	detailsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return fmt.Errorf("marshal test endpoints: %w", err)
	}

	clone := approved
	clone.Name = approved.Name + " (Test)"
	clone.DocTypeID = docTypeID
	clone.AppID = appID
	clone.IsTest = true
	clone.TenantOperationDetails = string(detailsJSON)
	_, err = s.store.InsertTenant(ctx, clone)
	return err
}

func defaultSubmissionType(raw string) string {
	if raw == "" {
		return "Single"
	}
	return raw
}
