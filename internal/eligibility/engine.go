package eligibility

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/logger"
	"faucet/internal/metrics"
	"faucet/internal/storage"
	"faucet/internal/verifier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine turns a request into exactly one stored eligibility decision. It
// reads cooldowns and wallet claims but never writes cooldowns.
type Engine struct {
	storage  storage.Storage
	verifier verifier.Verifier
	ledger   *audit.Ledger
	policy   config.PolicySource
	now      func() time.Time
}

func NewEngine(s storage.Storage, v verifier.Verifier, ledger *audit.Ledger, policy config.PolicySource) *Engine {
	return &Engine{storage: s, verifier: v, ledger: ledger, policy: policy, now: time.Now}
}

// Evaluate decides requestID. Denials come back as the decision together with
// the sentinel matching its reason; a request id that already has a final
// decision gets that decision back without any verifier call.
func (e *Engine) Evaluate(ctx context.Context, requestID, claim, wallet string) (domain.EligibilityDecision, error) {
	if strings.TrimSpace(requestID) == "" {
		return domain.EligibilityDecision{}, fmt.Errorf("%w: request id is required", domain.ErrInvalidInput)
	}

	final, err := e.storage.GetFinalDecision(ctx, requestID)
	switch {
	case err == nil:
		logger.Debug("eligibility: final decision exists", zap.String("request id", requestID), zap.String("verdict", string(final.Verdict)))
		return final, denialError(final)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EligibilityDecision{}, fmt.Errorf("load final decision: %w", err)
	}

	policy := e.policy.Policy()
	now := e.now().UTC()
	decision := domain.EligibilityDecision{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Wallet:    strings.TrimSpace(wallet),
		DecidedAt: now,
	}

	normalized, err := blockchain.NormalizeAddress(wallet)
	if err != nil {
		// the caller may fix the input and retry the same request id
		decision.Retryable = true
		return e.record(ctx, deny(decision, domain.ReasonInvalidInput, err.Error()))
	}
	decision.Wallet = normalized

	started := time.Now()
	result, err := e.verifier.Verify(ctx, claim, normalized)
	metrics.VerifierDuration.Observe(time.Since(started).Seconds())
	if err == nil && result.Verified && result.CanonicalID == "" {
		err = fmt.Errorf("%w: verified result without canonical identity", domain.ErrVerifierUnavailable)
	}
	if err != nil {
		logger.Warn("eligibility: verifier unavailable", zap.String("request id", requestID), zap.Error(err))
		decision.Retryable = true
		return e.record(ctx, deny(decision, domain.ReasonVerifierUnavailable, err.Error()))
	}

	decision.Identity = result.CanonicalID
	decision.Confidence = result.Confidence
	decision.Evidence = result.Extra
	if !result.Verified {
		return e.record(ctx, deny(decision, domain.ReasonVerifierDenied, result.Reason))
	}

	cooldown, err := e.storage.GetCooldown(ctx, decision.Identity)
	switch {
	case err == nil:
		if elapsed := now.Sub(cooldown.LastPayoutAt); elapsed < policy.CooldownWindow {
			decision.RetryAfter = policy.CooldownWindow - elapsed
			detail := fmt.Sprintf("last payout %s ago, retry in %s", elapsed.Round(time.Second), decision.RetryAfter.Round(time.Second))
			return e.record(ctx, deny(decision, domain.ReasonRateLimited, detail))
		}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EligibilityDecision{}, fmt.Errorf("load cooldown: %w", err)
	}

	if result.Confidence < policy.MinConfidence {
		detail := fmt.Sprintf("confidence %.2f below %.2f", result.Confidence, policy.MinConfidence)
		return e.record(ctx, deny(decision, domain.ReasonInsufficientConfidence, detail))
	}

	owner, err := e.storage.GetWalletClaim(ctx, normalized)
	switch {
	case err == nil:
		if owner.Identity != decision.Identity {
			return e.record(ctx, deny(decision, domain.ReasonWalletConflict, "wallet is claimed by another identity"))
		}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EligibilityDecision{}, fmt.Errorf("load wallet claim: %w", err)
	}

	if _, err := e.storage.FindForeignProofClaim(ctx, result.ProofFingerprint, decision.Identity); err == nil {
		return e.record(ctx, deny(decision, domain.ReasonWalletConflict, "proof is already used by another identity"))
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.EligibilityDecision{}, fmt.Errorf("load proof claim: %w", err)
	}

	owner, _, err = e.storage.ClaimWallet(ctx, domain.WalletClaim{
		Identity:         decision.Identity,
		Wallet:           normalized,
		ProofFingerprint: result.ProofFingerprint,
		FirstSeenAt:      now,
	})
	if err != nil {
		return domain.EligibilityDecision{}, fmt.Errorf("claim wallet: %w", err)
	}
	if owner.Identity != decision.Identity {
		return e.record(ctx, deny(decision, domain.ReasonWalletConflict, "wallet was claimed by another identity"))
	}

	decision.Verdict = domain.VerdictApproved
	decision.Reason = domain.ReasonApproved
	decision.Detail = result.Reason
	return e.record(ctx, decision)
}

// record stores the decision and its audit event. When another evaluation
// of the same request id won, the stored decision is returned instead.
func (e *Engine) record(ctx context.Context, decision domain.EligibilityDecision) (domain.EligibilityDecision, error) {
	stored, created, err := e.storage.SaveDecision(ctx, decision)
	if err != nil {
		return domain.EligibilityDecision{}, fmt.Errorf("save decision: %w", err)
	}
	if !created {
		return stored, denialError(stored)
	}

	metrics.Decisions.WithLabelValues(string(stored.Verdict), string(stored.Reason)).Inc()
	if _, err := e.ledger.Record(ctx, audit.DecisionRecorded(stored)); err != nil {
		return stored, err
	}

	logger.Info("eligibility: decision recorded",
		zap.String("request id", stored.RequestID),
		zap.String("identity", stored.Identity),
		zap.String("verdict", string(stored.Verdict)),
		zap.String("reason", string(stored.Reason)),
	)
	return stored, denialError(stored)
}

func deny(decision domain.EligibilityDecision, reason domain.Reason, detail string) domain.EligibilityDecision {
	decision.Verdict = domain.VerdictDenied
	decision.Reason = reason
	decision.Detail = detail
	return decision
}

func denialError(decision domain.EligibilityDecision) error {
	if decision.Approved() {
		return nil
	}
	sentinel := domain.ReasonError(decision.Reason)
	if sentinel == nil {
		return fmt.Errorf("denied: %s", decision.Detail)
	}
	if decision.Detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, decision.Detail)
}
