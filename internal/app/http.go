package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gloss/api/internal/lock"
	"gloss/api/internal/search"
	"gloss/api/internal/store"
)

// HTTPServer adapts browser requests onto the section service. It carries
// no business logic: editor identity arrives in gateway-set headers and
// every route maps onto exactly one service operation.
type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"locks":    map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingLocks(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["locks"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "issues" {
		s.handleIssues(w, r, parts[2:])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "sections" {
		s.handleSections(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIssues(w http.ResponseWriter, r *http.Request, parts []string) {
	issueID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		issue, err := s.service.GetIssue(r.Context(), issueID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issuePayload(issue))

	case len(rest) == 1 && rest[0] == "sections" && r.Method == http.MethodGet:
		editor, ok := s.requireEditor(w, r)
		if !ok {
			return
		}
		views, err := s.service.ListSections(r.Context(), issueID, editor.ID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(views))
		for _, view := range views {
			items = append(items, sectionViewPayload(view))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sections": items})

	case len(rest) == 1 && rest[0] == "sections" && r.Method == http.MethodPost:
		editor, ok := s.requireEditor(w, r)
		if !ok {
			return
		}
		var body SectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		section, err := s.service.CreateSection(r.Context(), issueID, body, editor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sectionPayload(section))

	case len(rest) == 2 && rest[0] == "sections" && rest[1] == "order" && r.Method == http.MethodPut:
		if _, ok := s.requireEditor(w, r); !ok {
			return
		}
		var body struct {
			Sections []struct {
				ID    string `json:"id"`
				Order int    `json:"order"`
			} `json:"sections"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		orders := make([]store.SectionOrder, 0, len(body.Sections))
		for _, item := range body.Sections {
			orders = append(orders, store.SectionOrder{ID: item.ID, Order: item.Order})
		}
		if err := s.service.UpdateOrder(r.Context(), issueID, orders); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[0] == "sections" && rest[1] == "from-template" && r.Method == http.MethodPost:
		editor, ok := s.requireEditor(w, r)
		if !ok {
			return
		}
		var body struct {
			Templates []SectionInput `json:"templates"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sections, err := s.service.CreateFromTemplate(r.Context(), issueID, body.Templates, editor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(sections))
		for _, section := range sections {
			items = append(items, sectionPayload(section))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sections": items})

	case len(rest) == 1 && rest[0] == "migrate" && r.Method == http.MethodPost:
		editor, ok := s.requireEditor(w, r)
		if !ok {
			return
		}
		sections, err := s.service.MigrateLegacyIssue(r.Context(), issueID, editor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(sections))
		for _, section := range sections {
			items = append(items, sectionPayload(section))
		}
		writeJSON(w, http.StatusOK, map[string]any{"migrated": true, "sections": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, parts []string) {
	sectionID := parts[0]
	rest := parts[1:]

	editor, ok := s.requireEditor(w, r)
	if !ok {
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodPut:
		var body UpdateSectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		section, err := s.service.UpdateSection(r.Context(), sectionID, body, editor)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sectionPayload(section))

	case len(rest) == 0 && r.Method == http.MethodDelete:
		issueID := strings.TrimSpace(r.URL.Query().Get("issueId"))
		if issueID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "issueId is required", nil)
			return
		}
		if err := s.service.DeleteSection(r.Context(), sectionID, issueID, editor); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "lock" && r.Method == http.MethodPost:
		var body struct {
			TabID string `json:"tabId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AcquireLock(r.Context(), sectionID, editor, body.TabID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, result)

	case len(rest) == 1 && rest[0] == "lock" && r.Method == http.MethodDelete:
		released, err := s.service.ReleaseLock(r.Context(), sectionID, editor.ID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": released})

	case len(rest) == 2 && rest[0] == "lock" && rest[1] == "transfer" && r.Method == http.MethodPost:
		var body struct {
			TabID         string `json:"tabId"`
			ForceTransfer bool   `json:"forceTransfer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.TransferLock(r.Context(), sectionID, editor, body.TabID, body.ForceTransfer)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		status := http.StatusOK
		if !result.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	issueID := strings.TrimSpace(r.URL.Query().Get("issueId"))
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}

	results, total, err := s.service.Search(r.Context(), search.Query{
		Text:    q,
		IssueID: issueID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "total": total})
}

// requireEditor reads the gateway-authenticated editor identity headers.
func (s *HTTPServer) requireEditor(w http.ResponseWriter, r *http.Request) (lock.Editor, bool) {
	editor := lock.Editor{
		ID:    strings.TrimSpace(r.Header.Get("X-Editor-Id")),
		Name:  strings.TrimSpace(r.Header.Get("X-Editor-Name")),
		Email: strings.TrimSpace(r.Header.Get("X-Editor-Email")),
	}
	if editor.ID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing editor identity", nil)
		return lock.Editor{}, false
	}
	return editor, true
}

func issuePayload(issue store.Issue) map[string]any {
	return map[string]any{
		"id":            issue.ID,
		"title":         issue.Title,
		"status":        issue.Status,
		"sectionCount":  issue.SectionCount,
		"activeEditors": issue.ActiveEditors,
		"migrated":      issue.Migrated,
		"updatedBy":     issue.UpdatedBy,
		"updatedAt":     issue.UpdatedAt,
	}
}

func sectionPayload(section store.Section) map[string]any {
	return map[string]any{
		"id":             section.ID,
		"issueId":        section.IssueID,
		"order":          section.Order,
		"type":           section.Type,
		"title":          section.Title,
		"subtitle":       section.Subtitle,
		"content":        section.Content,
		"version":        section.Version,
		"createdAt":      section.CreatedAt,
		"createdBy":      section.CreatedBy,
		"lastModified":   section.LastModified,
		"lastModifiedBy": section.LastModifiedBy,
	}
}

func sectionViewPayload(view SectionView) map[string]any {
	payload := sectionPayload(view.Section)
	payload["lockStatus"] = map[string]any{
		"isLocked":      view.LockStatus.IsLocked,
		"isExpired":     view.LockStatus.IsExpired,
		"canEdit":       view.LockStatus.CanEdit,
		"lockedBy":      view.LockStatus.LockedBy,
		"lockedByName":  view.LockStatus.LockedByName,
		"lockedByEmail": view.LockStatus.LockedByEmail,
		"lockedTabId":   view.LockStatus.LockedTabID,
		"lockExpiresIn": int(view.LockStatus.ExpiresIn.Seconds()),
	}
	return payload
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Editor-Id, X-Editor-Name, X-Editor-Email")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "STORE_ERROR", "Storage error", nil
}
