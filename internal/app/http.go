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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"showroom/api/internal/auth"
	"showroom/api/internal/export"
	"showroom/api/internal/metrics"
	"showroom/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
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
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	segments := splitPath(r.URL.Path)

	// /api/invites/{token}/accept
	if len(segments) == 4 && segments[0] == "api" && segments[1] == "invites" && segments[3] == "accept" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleAcceptInvite(w, r, segments[2])
		return
	}

	// /api/sessions...
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "sessions" {
		s.handleSessions(w, r, segments[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateSession(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetSession(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "join" && r.Method == http.MethodPost:
		s.handleJoinSession(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "end" && r.Method == http.MethodPost:
		s.handleEndSession(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "product" && r.Method == http.MethodPost:
		s.handleSwitchProduct(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodGet:
		s.handleHistory(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "invites" && r.Method == http.MethodPost:
		s.handleCreateInvite(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "annotations" && r.Method == http.MethodGet:
		s.handleGetAnnotations(w, r, rest[0])
	case len(rest) == 3 && rest[1] == "annotations" && rest[2] == "persist" && r.Method == http.MethodPost:
		s.handlePersistAnnotations(w, r, rest[0])
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
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingLive(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body CreateSessionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateSession(r.Context(), body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	snapshot, err := s.service.GetSessionSnapshot(r.Context(), sessionID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleJoinSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body JoinSessionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.JoinSession(r.Context(), sessionID, body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEndSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.service.EndSession(r.Context(), sessionID, bearerToken(r)); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSwitchProduct(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body SwitchProductInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SwitchProduct(r.Context(), sessionID, bearerToken(r), body); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.service.History(r.Context(), sessionID, limit)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.service.SearchMessages(search.Query{
		Text:            query.Get("q"),
		FilterSessionID: query.Get("sessionId"),
		Limit:           limit,
		Offset:          offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, sessionID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	includeRoster := r.URL.Query().Get("roster") != "false"

	result, err := s.service.ExportTranscript(r.Context(), sessionID, format, includeRoster)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependencies not installed", nil)
			return
		}
		writeMapped(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleCreateInvite(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body CreateInviteInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.CreateInvite(r.Context(), sessionID, bearerToken(r), body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request, token string) {
	var body AcceptInviteInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.AcceptInvite(r.Context(), token, body)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePersistAnnotations(w http.ResponseWriter, r *http.Request, sessionID string) {
	var body struct {
		Annotations json.RawMessage `json:"annotations"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Annotations) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "annotations is required", nil)
		return
	}
	if err := s.service.PersistAnnotations(r.Context(), sessionID, bearerToken(r), body.Annotations); err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetAnnotations(w http.ResponseWriter, r *http.Request, sessionID string) {
	result, err := s.service.GetAnnotations(r.Context(), sessionID)
	if err != nil {
		writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type requestIDKey struct{}

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

		elapsed := time.Since(started)
		route := normalizePath(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// normalizePath collapses ids out of paths so metric labels stay bounded.
func normalizePath(path string) string {
	segments := splitPath(path)
	for i := range segments {
		prev := ""
		if i > 0 {
			prev = segments[i-1]
		}
		if prev == "sessions" || prev == "invites" {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
