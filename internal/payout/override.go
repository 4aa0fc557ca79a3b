package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/domain"
	"faucet/internal/logger"
	"faucet/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operator identifies who performs a manual override and why.
type Operator struct {
	Name          string
	Justification string
}

func (op Operator) validate() error {
	if strings.TrimSpace(op.Name) == "" || strings.TrimSpace(op.Justification) == "" {
		return fmt.Errorf("%w: overrides need an operator and a justification", domain.ErrInvalidInput)
	}
	return nil
}

// ForceDecision stores an operator decision for a request id that has no
// final decision yet. Existing decisions are never rewritten.
func (o *Orchestrator) ForceDecision(ctx context.Context, op Operator, requestID string, identity domain.Identity, wallet string, verdict domain.Verdict) (domain.EligibilityDecision, error) {
	if err := op.validate(); err != nil {
		return domain.EligibilityDecision{}, err
	}
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(identity) == "" {
		return domain.EligibilityDecision{}, fmt.Errorf("%w: request id and identity are required", domain.ErrInvalidInput)
	}
	if verdict != domain.VerdictApproved && verdict != domain.VerdictDenied {
		return domain.EligibilityDecision{}, fmt.Errorf("%w: verdict %q", domain.ErrInvalidInput, verdict)
	}
	normalized, err := blockchain.NormalizeAddress(wallet)
	if err != nil {
		return domain.EligibilityDecision{}, err
	}

	if existing, err := o.storage.GetFinalDecision(ctx, requestID); err == nil {
		return existing, fmt.Errorf("%w: request %s already has a %s decision", domain.ErrInvalidTransition, requestID, existing.Verdict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.EligibilityDecision{}, err
	}

	now := o.now().UTC()
	if verdict == domain.VerdictApproved {
		owner, _, err := o.storage.ClaimWallet(ctx, domain.WalletClaim{Identity: identity, Wallet: normalized, FirstSeenAt: now})
		if err != nil {
			return domain.EligibilityDecision{}, err
		}
		if owner.Identity != identity {
			return domain.EligibilityDecision{}, fmt.Errorf("%w: wallet belongs to %s, reassign it first", domain.ErrWalletConflict, owner.Identity)
		}
	}

	decision := domain.EligibilityDecision{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Identity:   identity,
		Wallet:     normalized,
		Verdict:    verdict,
		Reason:     domain.ReasonOperatorOverride,
		Detail:     op.Justification,
		Confidence: 1,
		Evidence:   map[string]any{"operator": op.Name},
		DecidedAt:  now,
	}
	stored, created, err := o.storage.SaveDecision(ctx, decision)
	if err != nil {
		return domain.EligibilityDecision{}, err
	}
	if !created {
		return stored, fmt.Errorf("%w: request %s was decided concurrently", domain.ErrInvalidTransition, requestID)
	}

	metrics.Decisions.WithLabelValues(string(stored.Verdict), string(stored.Reason)).Inc()
	if _, err := o.ledger.Record(ctx, audit.DecisionRecorded(stored)); err != nil {
		return stored, err
	}
	return stored, o.override(ctx, op, "ForceDecision", identity, requestID, map[string]any{
		"decision_id": stored.ID,
		"verdict":     string(verdict),
		"wallet":      normalized,
	})
}

// ReassignWallet moves a wallet claim to another identity.
func (o *Orchestrator) ReassignWallet(ctx context.Context, op Operator, wallet string, identity domain.Identity) (domain.WalletClaim, error) {
	if err := op.validate(); err != nil {
		return domain.WalletClaim{}, err
	}
	if strings.TrimSpace(identity) == "" {
		return domain.WalletClaim{}, fmt.Errorf("%w: identity is required", domain.ErrInvalidInput)
	}
	normalized, err := blockchain.NormalizeAddress(wallet)
	if err != nil {
		return domain.WalletClaim{}, err
	}

	previous, err := o.storage.ReassignWallet(ctx, normalized, identity)
	if err != nil {
		return domain.WalletClaim{}, err
	}
	claim, err := o.storage.GetWalletClaim(ctx, normalized)
	if err != nil {
		return domain.WalletClaim{}, err
	}
	return claim, o.override(ctx, op, "ReassignWallet", identity, "", map[string]any{
		"wallet":        normalized,
		"from_identity": previous.Identity,
		"to_identity":   identity,
	})
}

// ResetCooldown overwrites the identity's last payout time; nil clears it.
func (o *Orchestrator) ResetCooldown(ctx context.Context, op Operator, identity domain.Identity, at *time.Time) error {
	if err := op.validate(); err != nil {
		return err
	}
	payload := map[string]any{}
	if previous, err := o.storage.GetCooldown(ctx, identity); err == nil {
		payload["previous_last_payout_at"] = previous.LastPayoutAt.Format(time.RFC3339Nano)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if at != nil {
		payload["last_payout_at"] = at.UTC().Format(time.RFC3339Nano)
	}

	if err := o.storage.SetCooldown(ctx, identity, at); err != nil {
		return err
	}
	return o.override(ctx, op, "ResetCooldown", identity, "", payload)
}

// MarkDisbursement settles a disbursement by hand, typically a submitted
// transfer whose outcome was reconciled outside the tracker.
func (o *Orchestrator) MarkDisbursement(ctx context.Context, op Operator, requestID string, status domain.DisbursementStatus) (domain.Disbursement, error) {
	if err := op.validate(); err != nil {
		return domain.Disbursement{}, err
	}
	current, err := o.storage.GetDisbursement(ctx, requestID)
	if err != nil {
		return domain.Disbursement{}, err
	}

	switch {
	case current.Status.Terminal():
		return current, fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, requestID, current.Status)
	case !status.Terminal():
		return current, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidInput, status)
	case status == domain.StatusCancelled && current.Status != domain.StatusPending:
		return current, fmt.Errorf("%w: only pending payouts can be cancelled", domain.ErrInvalidTransition)
	case status == domain.StatusConfirmed && current.Status != domain.StatusSubmitted:
		return current, fmt.Errorf("%w: only submitted payouts can be confirmed", domain.ErrInvalidTransition)
	}

	marked := current
	marked.Status = status
	marked.NextCheckAt = nil
	marked.LastError = "marked " + string(status) + " by " + op.Name
	marked.UpdatedAt = o.now().UTC()
	if err := o.Transition(ctx, marked, current.Status); err != nil {
		return current, err
	}
	return marked, o.override(ctx, op, "MarkDisbursement", current.Identity, requestID, map[string]any{
		"from": string(current.Status),
		"to":   string(status),
	})
}

// ResyncTreasury takes the next nonce from the chain and resumes submissions.
func (o *Orchestrator) ResyncTreasury(ctx context.Context, op Operator) (domain.Treasury, error) {
	if err := op.validate(); err != nil {
		return domain.Treasury{}, err
	}

	o.lane.Lock()
	defer o.lane.Unlock()

	before, err := o.Treasury(ctx)
	if err != nil {
		return domain.Treasury{}, err
	}
	seqno, err := o.chain.Seqno(ctx)
	if err != nil {
		return domain.Treasury{}, fmt.Errorf("read treasury seqno: %w", err)
	}
	if err := o.storage.ResumeTreasury(ctx, o.chain.Address(), seqno); err != nil {
		return domain.Treasury{}, err
	}
	metrics.TreasuryHalted.Set(0)
	logger.Info("payout: treasury resynchronized", zap.Uint64("previous next nonce", before.NextNonce), zap.Uint64("next nonce", seqno), zap.String("operator", op.Name))

	after, err := o.Treasury(ctx)
	if err != nil {
		return domain.Treasury{}, err
	}
	return after, o.override(ctx, op, "ResyncTreasury", "", "", map[string]any{
		"previous_next_nonce": before.NextNonce,
		"next_nonce":          seqno,
		"halt_reason":         before.HaltReason,
	})
}

func (o *Orchestrator) override(ctx context.Context, op Operator, action string, identity domain.Identity, requestID string, payload map[string]any) error {
	_, err := o.ledger.Record(ctx, audit.ManualOverride(op.Name, op.Justification, action, identity, requestID, payload))
	if err != nil {
		return fmt.Errorf("record %s override: %w", action, err)
	}
	logger.Info("payout: manual override", zap.String("action", action), zap.String("operator", op.Name), zap.String("identity", identity), zap.String("request id", requestID))
	return nil
}
