// Package faucet ties eligibility and payouts into the single request flow
// exposed to requesters.
package faucet

import (
	"context"
	"errors"
	"strings"
	"time"

	"faucet/internal/domain"
	"faucet/internal/eligibility"
	"faucet/internal/logger"
	"faucet/internal/payout"
	"faucet/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const StatusDenied = "denied"

type RequestInput struct {
	RequestID     string `json:"request_id"`
	IdentityClaim string `json:"identity_claim"`
	Wallet        string `json:"wallet_address"`
}

// Result is what a requester sees for a request id. Status is either a
// disbursement status or "denied" for an eligibility denial.
type Result struct {
	RequestID  string        `json:"request_id"`
	Status     string        `json:"status"`
	Identity   string        `json:"identity,omitempty"`
	Wallet     string        `json:"wallet_address,omitempty"`
	Reason     domain.Reason `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Amount     uint64        `json:"amount_nano,omitempty"`
	TxHash     string        `json:"tx_hash,omitempty"`
	Nonce      *uint64       `json:"nonce,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

type Service struct {
	engine  *eligibility.Engine
	payouts *payout.Orchestrator
	storage storage.Storage
}

func NewService(engine *eligibility.Engine, payouts *payout.Orchestrator, s storage.Storage) *Service {
	return &Service{engine: engine, payouts: payouts, storage: s}
}

// Request evaluates and pays out a faucet request. Repeating a request id
// never creates a second transfer: settled requests return their stored
// outcome and pending ones resume where they stopped.
func (s *Service) Request(ctx context.Context, in RequestInput) (Result, error) {
	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	existing, err := s.payouts.Get(ctx, requestID)
	switch {
	case err == nil && existing.Status != domain.StatusPending:
		logger.Debug("faucet: replaying request", zap.String("request id", requestID), zap.String("status", string(existing.Status)))
		return fromDisbursement(existing), rejection(existing)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return Result{RequestID: requestID}, err
	}

	decision, err := s.engine.Evaluate(ctx, requestID, in.IdentityClaim, in.Wallet)
	if err != nil {
		if decision.ID == "" {
			return Result{RequestID: requestID}, err
		}
		return fromDecision(decision), err
	}

	d, err := s.payouts.Submit(ctx, decision)
	if err != nil {
		if d.RequestID == "" {
			return Result{RequestID: requestID, Identity: decision.Identity, Wallet: decision.Wallet}, err
		}
		if d.Status == domain.StatusRejected {
			return fromDisbursement(d), rejection(d)
		}
		result := fromDisbursement(d)
		result.Retryable = domain.Retryable(err)
		return result, err
	}
	return fromDisbursement(d), rejection(d)
}

// Status reports the current outcome of a request id.
func (s *Service) Status(ctx context.Context, requestID string) (Result, error) {
	d, err := s.payouts.Get(ctx, requestID)
	if err == nil {
		return fromDisbursement(d), nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return Result{}, err
	}

	decision, err := s.storage.GetFinalDecision(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	if decision.Approved() {
		// approved, but the payout was interrupted before its row existed
		return Result{RequestID: requestID, Status: string(domain.StatusPending), Identity: decision.Identity, Wallet: decision.Wallet}, nil
	}
	return fromDecision(decision), nil
}

// Cancel withdraws a request that has not been submitted yet.
func (s *Service) Cancel(ctx context.Context, requestID, actor string) (Result, error) {
	d, err := s.payouts.Cancel(ctx, requestID, actor)
	if err != nil {
		if d.RequestID == "" {
			return Result{RequestID: requestID}, err
		}
		return fromDisbursement(d), err
	}
	return fromDisbursement(d), nil
}

func fromDecision(decision domain.EligibilityDecision) Result {
	return Result{
		RequestID:  decision.RequestID,
		Status:     StatusDenied,
		Identity:   decision.Identity,
		Wallet:     decision.Wallet,
		Reason:     decision.Reason,
		Detail:     decision.Detail,
		Retryable:  decision.Retryable,
		RetryAfter: decision.RetryAfter,
	}
}

func fromDisbursement(d domain.Disbursement) Result {
	return Result{
		RequestID: d.RequestID,
		Status:    string(d.Status),
		Identity:  d.Identity,
		Wallet:    d.Wallet,
		Reason:    d.Reason,
		Detail:    d.LastError,
		Amount:    d.Amount,
		TxHash:    d.TxHash,
		Nonce:     d.Nonce,
	}
}

// rejectedError replays the veto stored on a rejected row: same text, same
// sentinel.
type rejectedError struct {
	sentinel error
	message  string
}

func (e *rejectedError) Error() string { return e.message }
func (e *rejectedError) Unwrap() error { return e.sentinel }

func rejection(d domain.Disbursement) error {
	if d.Status != domain.StatusRejected {
		return nil
	}
	sentinel := domain.ReasonError(d.Reason)
	if sentinel == nil {
		sentinel = domain.ErrInvalidTransition
	}
	return &rejectedError{sentinel: sentinel, message: d.LastError}
}
