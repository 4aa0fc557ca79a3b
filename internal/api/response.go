package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"faucet/internal/domain"
	"faucet/internal/faucet"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: err.Error(), Retryable: domain.Retryable(err)})
}

// resultResponse is a request outcome, with the error when it is a failure.
type resultResponse struct {
	faucet.Result
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Error             string `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, result faucet.Result, err error) {
	body := resultResponse{Result: result}
	status := http.StatusOK
	if err != nil {
		status = statusOf(err)
		body.Error = err.Error()
		body.Retryable = body.Retryable || domain.Retryable(err)
	}
	if result.RetryAfter > 0 {
		seconds := int64(math.Ceil(result.RetryAfter.Seconds()))
		body.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrWalletConflict),
		errors.Is(err, domain.ErrVerifierDenied),
		errors.Is(err, domain.ErrInsufficientEvidence):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDuplicateInFlight),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVerifierUnavailable),
		errors.Is(err, domain.ErrSignerUnavailable),
		errors.Is(err, domain.ErrTreasuryHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSubmissionRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
