// Package arx defines the ApprovalRequestExpression, the canonical versioned
// message format carrying one tenant's in-flight request/action data.
package arx

import (
	"encoding/json"
	"fmt"
)

// Operation is the closed set of request operations a tenant may publish.
type Operation string

const (
	OperationCreate Operation = "Create"
	OperationUpdate Operation = "Update"
	OperationDelete Operation = "Delete"
)

// ErrUnknownOperation is wrapped by ParseOperation for unrecognized input.
var ErrUnknownOperation = fmt.Errorf("unknown operation")

// ParseOperation maps a wire string onto the Operation enum. Unknown variants
// fail with ErrUnknownOperation so callers get an actionable error kind.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(raw) {
	case OperationCreate, OperationUpdate, OperationDelete:
		return Operation(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
	}
}

// ApprovalIdentifier names the document a request refers to.
type ApprovalIdentifier struct {
	DisplayDocumentNumber string `json:"displayDocumentNumber"`
	DocumentNumber        string `json:"documentNumber"`
	FiscalYear            string `json:"fiscalYear,omitempty"`
}

// ActionDetail describes the approver action embedded in a request.
type ActionDetail struct {
	Name           string            `json:"name,omitempty"`
	Date           string            `json:"date,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	Comment        string            `json:"comment,omitempty"`
	AdditionalData map[string]string `json:"additionalData,omitempty"`
}

// SummaryData is the tenant-provided summary block shown to approvers.
type SummaryData struct {
	DocumentTypeID string            `json:"documentTypeId,omitempty"`
	Title          string            `json:"title,omitempty"`
	UnitValue      string            `json:"unitValue,omitempty"`
	UnitOfMeasure  string            `json:"unitOfMeasure,omitempty"`
	SubmittedDate  string            `json:"submittedDate,omitempty"`
	RequestVersion string            `json:"requestVersion,omitempty"`
	AdditionalData map[string]string `json:"additionalData,omitempty"`
}

// Telemetry carries the distributed-tracing correlation vectors.
type Telemetry struct {
	Xcv string `json:"xcv,omitempty"`
	Tcv string `json:"tcv,omitempty"`
}

// ApprovalRequestExpression is the current wire shape.
type ApprovalRequestExpression struct {
	DocumentTypeID     string             `json:"documentTypeId"`
	Operation          Operation          `json:"operation"`
	ApprovalIdentifier ApprovalIdentifier `json:"approvalIdentifier"`
	Approvers          []string           `json:"approvers,omitempty"`
	ActionDetail       *ActionDetail      `json:"actionDetail,omitempty"`
	AdditionalData     map[string]string  `json:"additionalData,omitempty"`
	SummaryData        *SummaryData       `json:"summaryData,omitempty"`
	Telemetry          *Telemetry         `json:"telemetry,omitempty"`
}

// Marshal renders the expression in the current wire shape.
func (a *ApprovalRequestExpression) Marshal() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal request expression: %w", err)
	}
	return data, nil
}
