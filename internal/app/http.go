package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"approvals/api/internal/flighting"
	"approvals/api/internal/onboarding"
	"approvals/api/internal/repush"
	"approvals/api/internal/search"
	"approvals/api/internal/store"

	"github.com/rs/zerolog"
)

// callerHeader carries the caller alias; inbound authentication happens at
// the gateway in front of this service.
const callerHeader = "x-approvals-user"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	rest := parts[2:]

	switch {
	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "ready":
		s.handleReady(w, r)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "summary":
		s.handleListSummary(w, r)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "summary" && rest[1] == "search":
		s.handleSearchSummary(w, r)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "outofsync" && rest[1] == "mark":
		s.handleMarkOutOfSync(w, r)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "repush":
		s.handleRePush(w, r)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "repush" && rest[1] == "peek":
		s.handlePeek(w, r)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "documentstatus":
		s.handleDocumentStatus(w, r, rest[1])

	case r.Method == http.MethodGet && len(rest) == 4 && rest[0] == "flighting" && rest[2] == "user":
		s.handleFlightingEnabled(w, r, rest[1], rest[3])

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "flighting" && rest[1] == "manage":
		s.handleManageFlighting(w, r)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "tenantinfo":
		s.handleListTenants(w, r)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "tenantinfo":
		s.handleGetTenant(w, r, rest[1])

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "tenant" && rest[1] == "submit":
		s.handleSubmitTenant(w, r)

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "tenant" && rest[2] == "approve":
		s.handleApproveTenant(w, r, rest[1])

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "tenant" && rest[2] == "edit":
		s.handleEditTenant(w, r, rest[1])

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "tenant" && rest[2] == "notify":
		s.handleResendNotification(w, r, rest[1])

	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "tenant" && rest[2] == "asset":
		s.handleTenantAsset(w, r, rest[1])

	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "delegation" && rest[1] == "cleanup":
		s.handleDelegationCleanup(w, r)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "delegation" && rest[1] == "history":
		s.handleDelegationHistory(w, r)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "delegation":
		s.handleListDelegations(w, r)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListSummary(w http.ResponseWriter, r *http.Request) {
	approver := r.URL.Query().Get("approver")
	tenantID := queryInt(r, "tenantId", 0)

	rows, err := s.service.ListSummary(r.Context(), approver, tenantID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": rows})
}

func (s *HTTPServer) handleSearchSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	response := s.service.SearchSummaries(search.Query{
		Text:            q,
		FilterDocTypeID: r.URL.Query().Get("docTypeId"),
		Limit:           queryInt(r, "limit", 20),
		Offset:          queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleMarkOutOfSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentNumbers []string `json:"documentNumbers"`
		Approver        string   `json:"approver"`
		TenantID        int      `json:"tenantId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	buckets, err := s.service.MarkOutOfSync(r.Context(), body.DocumentNumbers, body.Approver, body.TenantID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *HTTPServer) handleRePush(w http.ResponseWriter, r *http.Request) {
	var env repush.Envelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	outcome, err := s.service.RePush(r.Context(), env)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	switch outcome.Status {
	case repush.StatusNotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no audited messages for document", nil)
	case repush.StatusPartialFailure:
		writeError(w, http.StatusBadRequest, "REPUSH_PARTIAL_FAILURE",
			"some records could not be re-pushed",
			map[string]any{"failedIds": strings.Join(outcome.FailedIDs, ",")})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (s *HTTPServer) handlePeek(w http.ResponseWriter, r *http.Request) {
	messages, err := s.service.PeekMessages(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		writeMappedError(w, err)
		return
	}

	payload := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		payload = append(payload, map[string]any{
			"messageId":     msg.ID,
			"correlationId": msg.CorrelationID,
			"properties":    msg.Properties,
			"body":          msg.Body,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": payload})
}

func (s *HTTPServer) handleDocumentStatus(w http.ResponseWriter, r *http.Request, documentNumber string) {
	tenantID := queryInt(r, "tenantId", 0)
	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "from must be RFC 3339", nil)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "to must be RFC 3339", nil)
		return
	}

	records, err := s.service.DocumentStatus(r.Context(), documentNumber, tenantID, from, to)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	payload := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payload = append(payload, map[string]any{
			"id":             record.ID,
			"documentNumber": record.DocumentNumber,
			"collection":     record.Collection,
			"payload":        json.RawMessage(record.Payload),
			"properties":     record.Properties,
			"createdAt":      record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": payload})
}

func (s *HTTPServer) handleFlightingEnabled(w http.ResponseWriter, r *http.Request, featureIDRaw, alias string) {
	featureID, err := strconv.Atoi(featureIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "featureId must be an integer", nil)
		return
	}
	enabled, err := s.service.FlightingEnabled(r.Context(), alias, featureID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

func (s *HTTPServer) handleManageFlighting(w http.ResponseWriter, r *http.Request) {
	var detail flighting.SubscriptionDetail
	if err := decodeBody(r, &detail); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	messages, err := s.service.ManageFlighting(r.Context(), detail)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.service.Tenants(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *HTTPServer) handleGetTenant(w http.ResponseWriter, r *http.Request, tenantIDRaw string) {
	tenantID, err := strconv.Atoi(tenantIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tenantId must be an integer", nil)
		return
	}
	tenant, err := s.service.Tenant(r.Context(), tenantID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *HTTPServer) handleSubmitTenant(w http.ResponseWriter, r *http.Request) {
	var req onboarding.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tenant, err := s.service.SubmitTenant(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "SUBMIT_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *HTTPServer) handleApproveTenant(w http.ResponseWriter, r *http.Request, tenantIDRaw string) {
	tenantID, err := strconv.Atoi(tenantIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tenantId must be an integer", nil)
		return
	}
	tenant, err := s.service.ApproveTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "APPROVE_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *HTTPServer) handleEditTenant(w http.ResponseWriter, r *http.Request, tenantIDRaw string) {
	tenantID, err := strconv.Atoi(tenantIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tenantId must be an integer", nil)
		return
	}
	var req onboarding.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tenant, err := s.service.EditTenant(r.Context(), tenantID, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "EDIT_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *HTTPServer) handleResendNotification(w http.ResponseWriter, r *http.Request, tenantIDRaw string) {
	tenantID, err := strconv.Atoi(tenantIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tenantId must be an integer", nil)
		return
	}
	var body struct {
		TemplateType string            `json:"templateType"`
		To           []string          `json:"to"`
		Values       map[string]string `json:"values"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ResendNotification(r.Context(), tenantID, body.TemplateType, body.To, body.Values); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleTenantAsset(w http.ResponseWriter, r *http.Request, tenantIDRaw string) {
	tenantID, err := strconv.Atoi(tenantIDRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "tenantId must be an integer", nil)
		return
	}
	name := r.URL.Query().Get("name")
	data, err := s.service.TenantAsset(r.Context(), tenantID, name)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "data": data})
}

func (s *HTTPServer) handleDelegationCleanup(w http.ResponseWriter, r *http.Request) {
	retired, err := s.service.CleanupDelegations(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retired": retired})
}

func (s *HTTPServer) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	manager := r.URL.Query().Get("manager")
	delegations, err := s.service.DelegationsByManager(r.Context(), manager)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": delegations})
}

func (s *HTTPServer) handleDelegationHistory(w http.ResponseWriter, r *http.Request) {
	manager := r.URL.Query().Get("manager")
	history, err := s.service.DelegationHistory(r.Context(), manager)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("caller", r.Header.Get(callerHeader)).
			Str("xcv", correlationValue(r, "xcv")).
			Str("tcv", correlationValue(r, "tcv")).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("http request")
	})
}

// correlationValue reads a tenant correlation vector from header or query.
func correlationValue(r *http.Request, name string) string {
	if value := r.Header.Get(name); value != "" {
		return value
	}
	return r.URL.Query().Get(name)
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+callerHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrTenantNotFound) {
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
