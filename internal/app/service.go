package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
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

// Store is the storage surface the service layer uses directly. Components
// that own their own storage access (marker, re-pusher, onboarding) carry
// narrower interfaces of their own.
type Store interface {
	Ping(ctx context.Context) error
	ListSummaryByApprover(ctx context.Context, approver string, tenantID int) ([]store.SummaryRow, error)
	ListTenants(ctx context.Context) ([]store.TenantInfo, error)
	GetTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error)
	ListDelegationsByManager(ctx context.Context, manager string) ([]store.Delegation, error)
	ListExpiredDelegations(ctx context.Context, now time.Time) ([]store.Delegation, error)
	RetireDelegation(ctx context.Context, delegation store.Delegation, action string) error
	ListDelegationHistory(ctx context.Context, manager string) ([]store.DelegationHistory, error)
}

// Marker flags summary rows out of sync.
type Marker interface {
	Mark(ctx context.Context, docs []string, approver string, tenantID int) (*outofsync.Result, error)
}

// RePusher replays audited messages.
type RePusher interface {
	CheckAndRePush(ctx context.Context, env repush.Envelope) (repush.Outcome, error)
}

// Peeker inspects the newest messages on the approvals topic without
// consuming them.
type Peeker interface {
	Peek(ctx context.Context, limit int) ([]bus.Message, error)
}

// Flighting evaluates and manages feature subscriptions.
type Flighting interface {
	IsEnabledForUser(ctx context.Context, alias string, featureID int) (bool, error)
	ManageSubscription(ctx context.Context, detail flighting.SubscriptionDetail) ([]string, error)
}

// AuditRetriever answers document status queries.
type AuditRetriever interface {
	Retrieve(ctx context.Context, documentNumber string, tenantID int, from, to time.Time) ([]store.AuditRecord, error)
}

// Onboarder runs the tenant workflows.
type Onboarder interface {
	Submit(ctx context.Context, req onboarding.Request) (*store.TenantInfo, error)
	Approve(ctx context.Context, tenantID int) (*store.TenantInfo, error)
	Edit(ctx context.Context, tenantID int, req onboarding.Request) (*store.TenantInfo, error)
	Asset(ctx context.Context, tenantID int, name string) ([]byte, error)
}

// SummarySearcher serves the summary search endpoint.
type SummarySearcher interface {
	Search(q search.Query) search.Response
}

// Notifier delivers tenant-templated notification mail.
type Notifier interface {
	SendTemplated(ctx context.Context, tenantID int, templateName string, to []string, values map[string]string) error
}

// Service wires the support/admin operations behind the HTTP surface.
type Service struct {
	store     Store
	marker    Marker
	repusher  RePusher
	peeker    Peeker
	flighting Flighting
	audit     AuditRetriever
	onboarder Onboarder
	searcher  SummarySearcher
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(s Store, marker Marker, repusher RePusher, peeker Peeker, flightingSvc Flighting, auditSvc AuditRetriever, onboarder Onboarder, searcher SummarySearcher, notifier Notifier, log zerolog.Logger) *Service {
	return &Service{
		store:     s,
		marker:    marker,
		repusher:  repusher,
		peeker:    peeker,
		flighting: flightingSvc,
		audit:     auditSvc,
		onboarder: onboarder,
		searcher:  searcher,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListSummary returns the pending summary rows for one approver within one
// tenant.
func (s *Service) ListSummary(ctx context.Context, approver string, tenantID int) ([]store.SummaryRow, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "approver is required", nil)
	}
	rows, err := s.store.ListSummaryByApprover(ctx, approver, tenantID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []store.SummaryRow{}
	}
	return rows, nil
}

// SearchSummaries runs the two-tier summary search.
func (s *Service) SearchSummaries(q search.Query) search.Response {
	return s.searcher.Search(q)
}

// MarkOutOfSync runs the marker and renders the reason buckets for the body.
func (s *Service) MarkOutOfSync(ctx context.Context, docs []string, approver string, tenantID int) (map[string]string, error) {
	if len(docs) == 0 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "documentNumbers is required", nil)
	}
	result, err := s.marker.Mark(ctx, docs, approver, tenantID)
	if err != nil {
		return nil, err
	}
	return result.Joined(), nil
}

// RePush replays audited messages for one document.
func (s *Service) RePush(ctx context.Context, env repush.Envelope) (repush.Outcome, error) {
	return s.repusher.CheckAndRePush(ctx, env)
}

// PeekMessages reads the newest pending messages on the topic, used by
// support to inspect what a re-push actually published.
func (s *Service) PeekMessages(ctx context.Context, limit int) ([]bus.Message, error) {
	return s.peeker.Peek(ctx, limit)
}

// DocumentStatus retrieves the audit trail for one document.
func (s *Service) DocumentStatus(ctx context.Context, documentNumber string, tenantID int, from, to time.Time) ([]store.AuditRecord, error) {
	return s.audit.Retrieve(ctx, documentNumber, tenantID, from, to)
}

func (s *Service) FlightingEnabled(ctx context.Context, alias string, featureID int) (bool, error) {
	if strings.TrimSpace(alias) == "" {
		return false, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "alias is required", nil)
	}
	return s.flighting.IsEnabledForUser(ctx, alias, featureID)
}

func (s *Service) ManageFlighting(ctx context.Context, detail flighting.SubscriptionDetail) ([]string, error) {
	return s.flighting.ManageSubscription(ctx, detail)
}

func (s *Service) Tenants(ctx context.Context) ([]store.TenantInfo, error) {
	return s.store.ListTenants(ctx)
}

func (s *Service) Tenant(ctx context.Context, tenantID int) (*store.TenantInfo, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("tenant %d not found", tenantID), nil)
	}
	return tenant, nil
}

func (s *Service) SubmitTenant(ctx context.Context, req onboarding.Request) (*store.TenantInfo, error) {
	return s.onboarder.Submit(ctx, req)
}

func (s *Service) ApproveTenant(ctx context.Context, tenantID int) (*store.TenantInfo, error) {
	return s.onboarder.Approve(ctx, tenantID)
}

func (s *Service) EditTenant(ctx context.Context, tenantID int, req onboarding.Request) (*store.TenantInfo, error) {
	return s.onboarder.Edit(ctx, tenantID, req)
}

// TenantAsset reads one of a tenant's uploaded files back.
func (s *Service) TenantAsset(ctx context.Context, tenantID int, name string) ([]byte, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.onboarder.Asset(ctx, tenantID, name)
}

// CleanupDelegations retires every delegation whose window has closed. Each
// retired row gets exactly one history entry with action "Delete".
func (s *Service) CleanupDelegations(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredDelegations(ctx, s.now())
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, delegation := range expired {
		if err := s.store.RetireDelegation(ctx, delegation, "Delete"); err != nil {
			s.log.Warn().Err(err).
				Int64("delegation_id", delegation.ID).
				Msg("app: delegation cleanup failed for row")
			continue
		}
		retired++
	}
	s.log.Info().Int("retired", retired).Int("expired", len(expired)).Msg("app: delegation cleanup complete")
	return retired, nil
}

// ResendNotification re-sends a tenant's templated notification mail, used
// by support when a delivery was lost.
func (s *Service) ResendNotification(ctx context.Context, tenantID int, templateName string, to []string, values map[string]string) error {
	if len(to) == 0 {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "to is required", nil)
	}
	if strings.TrimSpace(templateName) == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "templateType is required", nil)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return fmt.Errorf("tenant %d: %w", tenantID, store.ErrTenantNotFound)
	}
	return s.notifier.SendTemplated(ctx, tenantID, templateName, to, values)
}

func (s *Service) DelegationsByManager(ctx context.Context, manager string) ([]store.Delegation, error) {
	if strings.TrimSpace(manager) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "manager is required", nil)
	}
	return s.store.ListDelegationsByManager(ctx, manager)
}

// DelegationHistory lists the trail rows recorded for one manager's grants.
func (s *Service) DelegationHistory(ctx context.Context, manager string) ([]store.DelegationHistory, error) {
	if strings.TrimSpace(manager) == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "manager is required", nil)
	}
	return s.store.ListDelegationHistory(ctx, manager)
}
