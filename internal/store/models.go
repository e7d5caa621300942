package store

import (
	"errors"
	"time"
)

// MinOperationDate is the sentinel floor for summary operation timestamps.
// Rows carrying an older (or zero) timestamp are clamped on write.
var MinOperationDate = time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)

// ErrTenantNotFound marks lookups against a tenant id that was never
// onboarded. The HTTP layer translates it to a 404 instead of a server fault.
var ErrTenantNotFound = errors.New("tenant not found")

// SummaryRow is one pending-approval row per (approver, document) pair.
// RowKey is the composite tenant/document key, "docTypeId|documentNumber".
type SummaryRow struct {
	Approver              string
	RowKey                string
	Application           string
	DocumentNumber        string
	SummaryJSON           string
	IsOutOfSyncChallenged bool
	LobPending            bool
	OperationAt           time.Time
	RequestVersion        string
}

// ApproverDetail is a current-approver row from the details store.
type ApproverDetail struct {
	DocTypeID      string
	DocumentNumber string
	Approver       string
	CreatedAt      time.Time
}

// TenantInfo is one onboarded line-of-business tenant.
type TenantInfo struct {
	TenantID               int
	Name                   string
	DocTypeID              string
	AppID                  string
	ActionSubmissionType   string
	IsTest                 bool
	TenantOperationDetails string
	ServiceParameters      string
	IconName               string
	IsPendingApproval      bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FlightingFeature carries the global rollout status for one feature.
type FlightingFeature struct {
	FeatureID int
	Name      string
	Status    string // Disabled | InFlighting | EnabledForAll
}

// FlightingRow subscribes one user alias to an in-flighting feature.
type FlightingRow struct {
	Alias     string
	FeatureID int
	StartAt   time.Time
}

// Delegation is an active manager -> delegate grant.
type Delegation struct {
	ID         int64
	Manager    string
	Delegate   string
	TenantID   int
	AccessType string
	DateFrom   time.Time
	DateTo     time.Time
}

// DelegationHistory is the immutable trail row appended whenever an active
// delegation is created, updated, or deleted.
type DelegationHistory struct {
	ID         int64
	Action     string
	Manager    string
	Delegate   string
	TenantID   int
	AccessType string
	DateFrom   time.Time
	DateTo     time.Time
	RecordedAt time.Time
}

// AuditRecord is one historical request record for a processed document.
type AuditRecord struct {
	ID             int64
	DocumentNumber string
	DocTypeID      string
	Collection     string
	Payload        []byte
	Properties     map[string]string
	CreatedAt      time.Time
}

// EmailTemplate is a per-tenant notification template. Pending templates live
// in a staging table until the tenant is approved.
type EmailTemplate struct {
	TenantID     int
	TemplateName string
	Subject      string
	Body         string
}
