// Package repush replays historical approval request messages from the audit
// store back onto the approvals topic.
package repush

import (
	"context"
	"fmt"

	"approvals/api/internal/arx"
	"approvals/api/internal/bus"
	"approvals/api/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the overall outcome of one replay run.
type Status int

const (
	StatusNotFound Status = iota
	StatusOK
	StatusPartialFailure
)

// Envelope names the document whose messages should be replayed.
type Envelope struct {
	DocumentNumber string `json:"documentNumber"`
	TenantName     string `json:"tenantName"`
	Collection     string `json:"collection"`
}

// Outcome reports the run status plus the ids of records that failed.
type Outcome struct {
	Status    Status
	FailedIDs []string
}

// Store is the subset of storage the re-pusher needs.
type Store interface {
	GetTenantByName(ctx context.Context, name string) (*store.TenantInfo, error)
	ListAuditRecords(ctx context.Context, documentNumber, docTypeID, collection string) ([]store.AuditRecord, error)
}

// Blob uploads reconstructed payloads.
type Blob interface {
	UploadPayload(ctx context.Context, objectName string, payload []byte) error
}

// Publisher sends messages to the approvals topic.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// RePusher reconstructs audited payloads and republishes them.
type RePusher struct {
	store     Store
	blob      Blob
	publisher Publisher
	log       zerolog.Logger
}

func New(s Store, b Blob, p Publisher, log zerolog.Logger) *RePusher {
	return &RePusher{store: s, blob: b, publisher: p, log: log}
}

// CheckAndRePush replays every audit record matching the envelope. The run is
// not atomic: a record that fails at any step is recorded and the run moves
// on to the next record.
func (r *RePusher) CheckAndRePush(ctx context.Context, env Envelope) (Outcome, error) {
	if env.DocumentNumber == "" || env.TenantName == "" || env.Collection == "" {
		return Outcome{}, fmt.Errorf("documentNumber, tenantName and collection are required")
	}

	tenant, err := r.store.GetTenantByName(ctx, env.TenantName)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve tenant %q: %w", env.TenantName, err)
	}
	if tenant == nil {
		return Outcome{Status: StatusNotFound}, nil
	}

	records, err := r.store.ListAuditRecords(ctx, env.DocumentNumber, tenant.DocTypeID, env.Collection)
	if err != nil {
		return Outcome{}, fmt.Errorf("list audit records: %w", err)
	}
	if len(records) == 0 {
		return Outcome{Status: StatusNotFound}, nil
	}

	var failed []string
	for _, record := range records {
		if err := r.replayRecord(ctx, tenant.DocTypeID, record); err != nil {
			r.log.Warn().Err(err).
				Int64("record_id", record.ID).
				Str("document", env.DocumentNumber).
				Msg("repush: record replay failed")
			failed = append(failed, fmt.Sprintf("%d", record.ID))
		}
	}

	if len(failed) > 0 {
		return Outcome{Status: StatusPartialFailure, FailedIDs: failed}, nil
	}
	r.log.Info().
		Str("document", env.DocumentNumber).
		Str("tenant", env.TenantName).
		Int("records", len(records)).
		Msg("repush: replay complete")
	return Outcome{Status: StatusOK}, nil
}

// replayRecord rebuilds the ARX from the audited payload, re-uploads the
// blob, and publishes a fresh message carrying the original properties.
func (r *RePusher) replayRecord(ctx context.Context, docTypeID string, record store.AuditRecord) error {
	expr, _, err := arx.Decode(record.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	body, err := expr.Marshal()
	if err != nil {
		return err
	}

	version := requestVersion(expr)
	objectName := fmt.Sprintf("%s/%s/%s", docTypeID, record.DocumentNumber, version)
	if err := r.blob.UploadPayload(ctx, objectName, body); err != nil {
		return fmt.Errorf("upload payload: %w", err)
	}

	msg := bus.Message{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Body:          body,
		Properties:    record.Properties,
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// requestVersion picks the blob version segment. Old records without a
// summary version get a fresh one so replays never collide.
func requestVersion(expr *arx.ApprovalRequestExpression) string {
	if expr.SummaryData != nil && expr.SummaryData.RequestVersion != "" {
		return expr.SummaryData.RequestVersion
	}
	return uuid.NewString()
}
