package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/engine"
	"github.com/opensource-finance/harrier/internal/logging"
)

const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	engine  *engine.Engine
	cache   domain.Cache
	version string
}

// NewHandler creates a new API handler. cache may be nil.
func NewHandler(svc *engine.Engine, cache domain.Cache, version string) *Handler {
	return &Handler{
		engine:  svc,
		cache:   cache,
		version: version,
	}
}

// AssessRequest is the request body for POST /assess.
type AssessRequest struct {
	UserID  string                `json:"userId"`
	Context domain.RequestContext `json:"context"`
}

// Assess handles POST /assess.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssessRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}

	a, err := h.engine.Assess(ctx, req.UserID, req.Context)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, domain.ErrFingerprintingFailed):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  "fingerprinting failed",
			"detail": err.Error(),
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		logging.L(ctx).Error("assessment failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "assessment unavailable",
		})
	}
}

// RecordUsage handles POST /usage.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var in domain.UsageInput
	if !decode(w, r, &in) {
		return
	}

	rec, err := h.engine.RecordUsage(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// CheckSharing handles GET /fingerprints/{kind}/{id}/sharing.
func (h *Handler) CheckSharing(w http.ResponseWriter, r *http.Request) {
	kind, id := fingerprintParams(r)
	report, err := h.engine.CheckSharing(r.Context(), kind, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// IsBlacklisted handles GET /fingerprints/{kind}/{id}/blacklist.
func (h *Handler) IsBlacklisted(w http.ResponseWriter, r *http.Request) {
	kind, id := fingerprintParams(r)
	listed, err := h.engine.IsBlacklisted(r.Context(), kind, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprintId": id,
		"kind":          kind,
		"blacklisted":   listed,
	})
}

// BlacklistRequest is the request body for POST /fingerprints/{kind}/{id}/blacklist.
type BlacklistRequest struct {
	Reason string `json:"reason"`
}

// Blacklist handles POST /fingerprints/{kind}/{id}/blacklist.
func (h *Handler) Blacklist(w http.ResponseWriter, r *http.Request) {
	kind, id := fingerprintParams(r)

	var req BlacklistRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "reason is required",
		})
		return
	}

	changed, err := h.engine.Blacklist(r.Context(), kind, id, req.Reason, GetActor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprintId": id,
		"kind":          kind,
		"blacklisted":   true,
		"changed":       changed,
	})
}

// ResetRisk handles POST /fingerprints/{kind}/{id}/reset.
func (h *Handler) ResetRisk(w http.ResponseWriter, r *http.Request) {
	kind, id := fingerprintParams(r)
	if err := h.engine.ResetRisk(r.Context(), kind, id, GetActor(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprintId": id,
		"kind":          kind,
		"message":       "risk reset",
	})
}

// ListAssessments handles GET /assessments?userId=&limit=.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId query parameter is required",
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	history, err := h.engine.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*domain.FraudAssessment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": history,
		"count":       len(history),
	})
}

// GetAssessment handles GET /assessments/{id}.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAssessment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ReviewRequest is the request body for POST /assessments/{id}/review.
type ReviewRequest struct {
	WasTruePositive *bool `json:"wasTruePositive"`
}

// ReviewAssessment handles POST /assessments/{id}/review.
func (h *Handler) ReviewAssessment(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WasTruePositive == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "wasTruePositive is required",
		})
		return
	}

	review, err := h.engine.RecordReviewOutcome(r.Context(), chi.URLParam(r, "id"), *req.WasTruePositive, GetActor(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

// DetectPatterns handles POST /patterns/detect.
func (h *Handler) DetectPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.engine.DetectPatterns(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePatterns(w, patterns)
}

// ListPatterns handles GET /patterns?since=.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		since = t
	}

	patterns, err := h.engine.Patterns(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePatterns(w, patterns)
}

func writePatterns(w http.ResponseWriter, patterns []domain.CardRiskPattern) {
	if patterns == nil {
		patterns = []domain.CardRiskPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.engine.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     h.version,
		"activeRules": h.engine.Rules().ActiveCount(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func fingerprintParams(r *http.Request) (domain.FingerprintKind, string) {
	return domain.FingerprintKind(chi.URLParam(r, "kind")), chi.URLParam(r, "id")
}

// decode reads a JSON body into dst and writes a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRule):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrAssessmentNotFound),
		errors.Is(err, domain.ErrFingerprintNotFound),
		errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRuleExists),
		errors.Is(err, domain.ErrAlreadyReviewed),
		errors.Is(err, domain.ErrConcurrentModification):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logging.L(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
