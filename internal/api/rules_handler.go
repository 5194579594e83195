package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/logging"
)

// ListRules returns every loaded rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Rules().List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"active": h.engine.Rules().ActiveCount(),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.Rules().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule stores a new rule. It is live as soon as the call returns.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.FraudRule
	if !decode(w, r, &rule) {
		return
	}

	created, err := h.engine.Rules().Create(r.Context(), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("rule created", "rule_id", created.ID, "actor", GetActor(r.Context()))
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRule replaces a rule. The body's version must match the stored one;
// a zero version skips the check.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rule domain.FraudRule
	if !decode(w, r, &rule) {
		return
	}
	if rule.ID != "" && rule.ID != id {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id in body does not match path",
		})
		return
	}
	rule.ID = id

	updated, err := h.engine.Rules().Update(r.Context(), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("rule updated",
		"rule_id", updated.ID,
		"version", updated.Version,
		"actor", GetActor(r.Context()),
	)
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Rules().Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("rule deleted", "rule_id", id, "actor", GetActor(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ReloadRules reloads the rule set from the store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Rules().Reload(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("rules reloaded", "count", n, "actor", GetActor(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}
