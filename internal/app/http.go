package app

import (
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

	"holonote/api/internal/idp"
	"holonote/api/internal/metrics"
	"holonote/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	promExpose http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// NewHTTPServerWithMetrics additionally instruments requests and serves the
// /metrics exposition endpoint.
func NewHTTPServerWithMetrics(service *Service, corsOrigin string, m *metrics.Metrics) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: m, promExpose: m.Handler()}
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
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health/ping" {
		writeJSON(w, http.StatusOK, map[string]any{"message": "pong"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.promExpose != nil {
		s.promExpose.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Everything below requires a verified identity.
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	switch parts[0] {
	case "entries":
		s.handleEntries(w, r, identity, parts)
	case "holos":
		s.handleHolos(w, r, identity, parts)
	case "auth":
		s.handleAuth(w, r, identity, parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request, identity Identity, parts []string) {
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		entries, err := s.service.ListEntries(r.Context(), identity)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		payload := make([]entryJSON, 0, len(entries))
		for _, entry := range entries {
			payload = append(payload, toEntryJSON(entry))
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 1 && r.Method == http.MethodPost:
		var body struct {
			EntryDate *string `json:"entry_date"`
			Title     *string `json:"title"`
			Content   *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if body.EntryDate == nil || body.Title == nil || body.Content == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entry_date, title and content are required", nil)
			return
		}
		entryDate, err := ParseEntryTimestamp(*body.EntryDate)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		entry, err := s.service.CreateEntry(r.Context(), identity, entryDate, *body.Title, *body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryJSON(entry))

	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		response, err := s.service.SearchEntries(r.Context(), identity, query.Get("q"), limit, offset)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, response)

	case len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Title   *string `json:"title"`
			Content *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if body.Title == nil || body.Content == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and content are required", nil)
			return
		}
		entry, err := s.service.UpdateEntry(r.Context(), identity, parts[1], *body.Title, *body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryJSON(entry))

	case len(parts) == 2 && r.Method == http.MethodDelete:
		if err := s.service.DeleteEntry(r.Context(), identity, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Entry deleted"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleHolos(w http.ResponseWriter, r *http.Request, identity Identity, parts []string) {
	switch {
	case len(parts) == 2 && parts[1] == "holo":
		s.handleHoloConfig(w, r, identity)

	case len(parts) == 2 && parts[1] == "daily":
		s.handleDaily(w, r, identity)

	case len(parts) == 3 && parts[1] == "daily" && parts[2] == "latest" && r.Method == http.MethodGet:
		daily, err := s.service.GetLatestDaily(r.Context(), identity)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDailyJSON(daily))

	case len(parts) == 2 && parts[1] == "avg-score" && r.Method == http.MethodGet:
		avg, err := s.service.AvgScore(r.Context(), identity)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"avg_score": avg})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleHoloConfig(w http.ResponseWriter, r *http.Request, identity Identity) {
	switch r.Method {
	case http.MethodGet:
		holo, err := s.service.GetHolo(r.Context(), identity)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toHoloJSON(holo))

	case http.MethodPut, http.MethodPost:
		var body struct {
			Questions []string `json:"questions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if body.Questions == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "questions is required", nil)
			return
		}
		var (
			holo store.Holo
			err  error
		)
		if r.Method == http.MethodPut {
			holo, err = s.service.UpdateHolo(r.Context(), identity, body.Questions)
		} else {
			holo, err = s.service.CreateHolo(r.Context(), identity, body.Questions)
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toHoloJSON(holo))

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDaily(w http.ResponseWriter, r *http.Request, identity Identity) {
	switch r.Method {
	case http.MethodGet:
		raw := r.URL.Query().Get("entry_date")
		entryDate, err := ParseEntryDate(raw)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		daily, err := s.service.GetDailyByDate(r.Context(), identity, entryDate)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDailyJSON(daily))

	case http.MethodPost:
		var body struct {
			EntryDate *string        `json:"entry_date"`
			Score     *int           `json:"score"`
			Answers   map[string]any `json:"answers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if body.EntryDate == nil || body.Score == nil || body.Answers == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entry_date, score and answers are required", nil)
			return
		}
		if err := validateAnswers(body.Answers); err != nil {
			writeMappedError(w, err)
			return
		}
		daily, err := s.service.CreateDaily(r.Context(), identity, *body.EntryDate, *body.Score, body.Answers)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDailyJSON(daily))

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, identity Identity, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch parts[1] {
	case "protected":
		writeJSON(w, http.StatusOK, map[string]any{
			"message": fmt.Sprintf("Hello %s, you are authenticated!", identity.UserID),
		})
	case "user-info":
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":    identity.UserID,
			"user_name":  identity.UserName,
			"user_email": identity.UserEmail,
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// requireIdentity authenticates the request. A missing or malformed header is
// reported distinctly from a token the provider rejects.
func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "INVALID_HEADER", "Invalid authorization header", nil)
		return Identity{}, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "INVALID_HEADER", "Invalid authorization header", nil)
		return Identity{}, false
	}

	identity, err := s.service.Authenticate(r.Context(), token)
	if err != nil {
		writeMappedError(w, err)
		return Identity{}, false
	}
	return identity, true
}

// validateAnswers enforces the answer value domain: string, number, or bool.
func validateAnswers(answers map[string]any) error {
	for question, value := range answers {
		switch value.(type) {
		case string, bool, float64:
		default:
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("answer for %q must be a string, number, or boolean", question), nil)
		}
	}
	return nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)

		if s.metrics != nil {
			group := routeGroup(r.URL.Path)
			s.metrics.RequestsTotal.WithLabelValues(r.Method, group, strconv.Itoa(writer.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(r.Method, group).Observe(elapsed.Seconds())
		}
	})
}

// routeGroup buckets paths by first segment to keep metric cardinality bounded.
func routeGroup(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "root"
	}
	return parts[0]
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
}

// Wire representations. Timestamps serialize as RFC3339; a daily's entry_date
// is date-only.

type entryJSON struct {
	EntryID   string  `json:"entry_id"`
	UserID    string  `json:"user_id"`
	EntryDate string  `json:"entry_date"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
	DeletedAt *string `json:"deleted_at"`
}

func toEntryJSON(entry store.Entry) entryJSON {
	return entryJSON{
		EntryID:   entry.EntryID,
		UserID:    entry.UserID,
		EntryDate: entry.EntryDate.Format(time.RFC3339),
		Title:     entry.Title,
		Content:   entry.Content,
		CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		UpdatedAt: entry.UpdatedAt.Format(time.RFC3339),
		DeletedAt: formatOptionalTime(entry.DeletedAt),
	}
}

type holoJSON struct {
	HoloID    string   `json:"holo_id"`
	UserID    string   `json:"user_id"`
	Questions []string `json:"questions"`
}

func toHoloJSON(holo store.Holo) holoJSON {
	questions := holo.Questions
	if questions == nil {
		questions = []string{}
	}
	return holoJSON{
		HoloID:    holo.HoloID,
		UserID:    holo.UserID,
		Questions: questions,
	}
}

type dailyJSON struct {
	HoloDailyID string         `json:"holo_daily_id"`
	HoloID      string         `json:"holo_id"`
	EntryDate   string         `json:"entry_date"`
	Score       int            `json:"score"`
	Answers     map[string]any `json:"answers"`
}

func toDailyJSON(daily store.HoloDaily) dailyJSON {
	return dailyJSON{
		HoloDailyID: daily.HoloDailyID,
		HoloID:      daily.HoloID,
		EntryDate:   daily.EntryDate.Format("2006-01-02"),
		Score:       daily.Score,
		Answers:     daily.Answers,
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339)
	return &formatted
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

// mapError is the single place data-layer and domain failures become HTTP
// status codes.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if store.IsIntegrityViolation(err) {
		return http.StatusBadRequest, "INTEGRITY_VIOLATION", "Data integrity error", nil
	}
	if errors.Is(err, idp.ErrInvalidToken) {
		return http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
