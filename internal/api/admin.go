package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"faucet/internal/domain"
	"faucet/internal/payout"

	"github.com/go-chi/chi/v5"
)

type operatorKey struct{}

func (h *Handler) adminRoutes(r chi.Router) {
	r.Use(h.requireOperator)

	r.Get("/treasury", h.getTreasury)
	r.Post("/treasury/resync", h.resyncTreasury)
	r.Post("/decisions", h.forceDecision)
	r.Post("/wallets/reassign", h.reassignWallet)
	r.Post("/cooldowns/reset", h.resetCooldown)
	r.Post("/disbursements/{request_id}/mark", h.markDisbursement)
}

// requireOperator checks the admin bearer token and takes the operator name
// from X-Operator.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		operator := strings.TrimSpace(r.Header.Get("X-Operator"))
		if operator == "" {
			writeError(w, http.StatusBadRequest, "X-Operator header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, operator)))
	})
}

func operatorFrom(r *http.Request, justification string) payout.Operator {
	name, _ := r.Context().Value(operatorKey{}).(string)
	return payout.Operator{Name: name, Justification: justification}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

// GET /v1/admin/treasury
func (h *Handler) getTreasury(w http.ResponseWriter, r *http.Request) {
	treasury, err := h.payouts.Treasury(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, treasuryResponse(treasury))
}

// POST /v1/admin/treasury/resync
func (h *Handler) resyncTreasury(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Justification string `json:"justification"`
	}
	if !decode(w, r, &body) {
		return
	}
	treasury, err := h.payouts.ResyncTreasury(r.Context(), operatorFrom(r, body.Justification))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, treasuryResponse(treasury))
}

// POST /v1/admin/decisions
func (h *Handler) forceDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID     string `json:"request_id"`
		Identity      string `json:"identity"`
		Wallet        string `json:"wallet_address"`
		Verdict       string `json:"verdict"`
		Justification string `json:"justification"`
	}
	if !decode(w, r, &body) {
		return
	}
	decision, err := h.payouts.ForceDecision(r.Context(), operatorFrom(r, body.Justification), body.RequestID, body.Identity, body.Wallet, domain.Verdict(body.Verdict))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"decision_id": decision.ID,
		"request_id":  decision.RequestID,
		"identity":    decision.Identity,
		"wallet":      decision.Wallet,
		"verdict":     decision.Verdict,
		"reason":      decision.Reason,
	})
}

// POST /v1/admin/wallets/reassign
func (h *Handler) reassignWallet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Wallet        string `json:"wallet_address"`
		Identity      string `json:"identity"`
		Justification string `json:"justification"`
	}
	if !decode(w, r, &body) {
		return
	}
	claim, err := h.payouts.ReassignWallet(r.Context(), operatorFrom(r, body.Justification), body.Wallet, body.Identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":        claim.Wallet,
		"identity":      claim.Identity,
		"first_seen_at": claim.FirstSeenAt,
	})
}

// POST /v1/admin/cooldowns/reset; without last_payout_at the cooldown is cleared.
func (h *Handler) resetCooldown(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity      string     `json:"identity"`
		LastPayoutAt  *time.Time `json:"last_payout_at"`
		Justification string     `json:"justification"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Identity) == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if err := h.payouts.ResetCooldown(r.Context(), operatorFrom(r, body.Justification), body.Identity, body.LastPayoutAt); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": body.Identity, "last_payout_at": body.LastPayoutAt})
}

// POST /v1/admin/disbursements/{request_id}/mark
func (h *Handler) markDisbursement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status        string `json:"status"`
		Justification string `json:"justification"`
	}
	if !decode(w, r, &body) {
		return
	}
	d, err := h.payouts.MarkDisbursement(r.Context(), operatorFrom(r, body.Justification), chi.URLParam(r, "request_id"), domain.DisbursementStatus(body.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": d.RequestID,
		"status":     d.Status,
		"tx_hash":    d.TxHash,
	})
}

func treasuryResponse(t domain.Treasury) map[string]any {
	return map[string]any{
		"wallet":      t.Wallet,
		"next_nonce":  t.NextNonce,
		"halted":      t.Halted,
		"halt_reason": t.HaltReason,
		"updated_at":  t.UpdatedAt,
	}
}
