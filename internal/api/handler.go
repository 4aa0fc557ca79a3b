package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"faucet/internal/audit"
	"faucet/internal/faucet"
	"faucet/internal/logger"
	"faucet/internal/payout"
	"faucet/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	service    *faucet.Service
	payouts    *payout.Orchestrator
	ledger     *audit.Ledger
	storage    storage.Storage
	adminToken string
}

// New creates the HTTP handler and registers all routes. Operator routes are
// only mounted when adminToken is set.
func New(service *faucet.Service, payouts *payout.Orchestrator, ledger *audit.Ledger, s storage.Storage, adminToken string) http.Handler {
	h := &Handler{service: service, payouts: payouts, ledger: ledger, storage: s, adminToken: adminToken}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/requests", h.createRequest)
		api.Get("/requests/{request_id}", h.getRequest)
		api.Delete("/requests/{request_id}", h.cancelRequest)

		api.Get("/audit", h.listAudit)
		api.Get("/audit/verify", h.verifyAudit)

		if adminToken != "" {
			api.Route("/admin", h.adminRoutes)
		}
	})
	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("api: request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

// POST /v1/requests
func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var in faucet.RequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if header := r.Header.Get("Idempotency-Key"); in.RequestID == "" && header != "" {
		in.RequestID = header
	}

	result, err := h.service.Request(r.Context(), in)
	if err != nil && result.RequestID == "" {
		writeDomainError(w, err)
		return
	}
	writeResult(w, result, err)
}

// GET /v1/requests/{request_id}
func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Status(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeResult(w, result, nil)
}

// DELETE /v1/requests/{request_id} cancels a payout that is not submitted yet.
func (h *Handler) cancelRequest(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Cancel(r.Context(), chi.URLParam(r, "request_id"), "requester")
	if err != nil && result.Status == "" {
		writeDomainError(w, err)
		return
	}
	writeResult(w, result, err)
}

// GET /v1/audit?identity= or ?from=&to= (RFC3339)
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		events []audit.Event
		err    error
	)
	switch {
	case query.Get("identity") != "":
		events, err = h.ledger.ListByIdentity(r.Context(), query.Get("identity"))
	case query.Get("from") != "" && query.Get("to") != "":
		from, fromErr := time.Parse(time.RFC3339, query.Get("from"))
		to, toErr := time.Parse(time.RFC3339, query.Get("to"))
		if fromErr != nil || toErr != nil {
			writeError(w, http.StatusBadRequest, "from and to must be RFC3339 timestamps")
			return
		}
		events, err = h.ledger.ListByTimeRange(r.Context(), from, to)
	default:
		writeError(w, http.StatusBadRequest, "either identity or from and to are required")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// GET /v1/audit/verify
func (h *Handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Verify(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// GET /healthz is always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz is 503 when the database is unreachable or the treasury is halted.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	treasury, err := h.payouts.Treasury(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	if treasury.Halted {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "halted",
			"halt_reason": treasury.HaltReason,
			"next_nonce":  treasury.NextNonce,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"next_nonce": treasury.NextNonce,
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
