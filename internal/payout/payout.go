package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/logger"
	"faucet/internal/metrics"
	"faucet/internal/storage"

	"go.uber.org/zap"
)

type Params struct {
	Bounce bool
	Mode   uint8
	// first confirmation check happens this long after submission
	FirstCheck time.Duration
}

// Orchestrator turns approved decisions into at most one on-chain transfer
// each. The storage in-flight gate admits one open payout per identity and
// every nonce is reserved, signed and broadcast inside the treasury lane.
type Orchestrator struct {
	storage storage.Storage
	chain   blockchain.Chain
	ledger  *audit.Ledger
	policy  config.PolicySource
	params  Params
	// treasury lane; the nonce row compare-and-swap covers other instances
	lane sync.Mutex
	now  func() time.Time
}

func NewOrchestrator(s storage.Storage, chain blockchain.Chain, ledger *audit.Ledger, policy config.PolicySource, params Params) *Orchestrator {
	return &Orchestrator{
		storage: s,
		chain:   chain,
		ledger:  ledger,
		policy:  policy,
		params:  params,
		now:     time.Now,
	}
}

// Initialize creates the treasury row from the on-chain seqno on first start
// and halts the treasury when the chain has moved past the stored nonce.
func (o *Orchestrator) Initialize(ctx context.Context) (domain.Treasury, error) {
	logger.Debug("payout initialization: treasury state...", zap.String("treasury", o.chain.Address()))

	seqno, err := o.chain.Seqno(ctx)
	if err != nil {
		return domain.Treasury{}, fmt.Errorf("read treasury seqno: %w", err)
	}
	treasury, err := o.storage.EnsureTreasury(ctx, o.chain.Address(), seqno)
	if err != nil {
		return domain.Treasury{}, fmt.Errorf("ensure treasury: %w", err)
	}
	if !treasury.Halted && treasury.NextNonce < seqno {
		reason := fmt.Sprintf("chain seqno %d is past stored nonce %d", seqno, treasury.NextNonce)
		if err := o.Halt(ctx, reason); err != nil {
			return domain.Treasury{}, err
		}
		treasury.Halted = true
		treasury.HaltReason = reason
	}
	if treasury.Halted {
		metrics.TreasuryHalted.Set(1)
	} else {
		metrics.TreasuryHalted.Set(0)
	}

	logger.Debug("payout initialization: treasury state... done", zap.Uint64("next nonce", treasury.NextNonce), zap.Bool("halted", treasury.Halted))
	return treasury, nil
}

func (o *Orchestrator) Treasury(ctx context.Context) (domain.Treasury, error) {
	return o.storage.GetTreasury(ctx, o.chain.Address())
}

func (o *Orchestrator) Get(ctx context.Context, requestID string) (domain.Disbursement, error) {
	return o.storage.GetDisbursement(ctx, requestID)
}

// Submit pays out an approved decision. A request id that already has a
// disbursement reuses it: pending rows are retried, anything else is
// returned as is. A request the in-flight gate or the cooldown re-check
// turns away is stored as rejected and returned with the veto.
func (o *Orchestrator) Submit(ctx context.Context, decision domain.EligibilityDecision) (domain.Disbursement, error) {
	if !decision.Approved() {
		return domain.Disbursement{}, fmt.Errorf("%w: decision %s is not an approval", domain.ErrInvalidInput, decision.ID)
	}

	policy := o.policy.Policy()
	amount, err := policy.AmountNano()
	if err != nil {
		return domain.Disbursement{}, err
	}

	now := o.now().UTC()
	pending := domain.Disbursement{
		RequestID:  decision.RequestID,
		DecisionID: decision.ID,
		Identity:   decision.Identity,
		Wallet:     decision.Wallet,
		Amount:     amount,
		Status:     domain.StatusPending,
		Bounce:     o.params.Bounce,
		Mode:       o.params.Mode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// the approval may be stale: re-check the cooldown inside the insert
	guard := func(cooldown *domain.CooldownRecord) error {
		if cooldown == nil {
			return nil
		}
		if elapsed := now.Sub(cooldown.LastPayoutAt); elapsed < policy.CooldownWindow {
			return fmt.Errorf("%w: paid out %s ago", domain.ErrRateLimited, elapsed.Round(time.Second))
		}
		return nil
	}

	disbursement, created, err := o.storage.CreateDisbursement(ctx, pending, guard)
	if created {
		o.recordTransition(ctx, disbursement, "")
	}
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateInFlight) {
			logger.Info("payout: identity already has a payout in flight", zap.String("identity", decision.Identity), zap.String("request id", decision.RequestID))
		}
		return disbursement, err
	}
	if disbursement.Status != domain.StatusPending {
		return disbursement, nil
	}

	return o.dispatch(ctx, disbursement.RequestID)
}

// dispatch reserves a nonce, signs, marks the row submitted and broadcasts.
// The row is marked before broadcasting so a crash never loses the hash.
func (o *Orchestrator) dispatch(ctx context.Context, requestID string) (domain.Disbursement, error) {
	o.lane.Lock()
	defer o.lane.Unlock()

	current, err := o.storage.GetDisbursement(ctx, requestID)
	if err != nil {
		return domain.Disbursement{}, err
	}
	if current.Status != domain.StatusPending {
		return current, nil
	}

	treasury := o.chain.Address()
	nonce, err := o.storage.ReserveNonce(ctx, treasury)
	if err != nil {
		if errors.Is(err, domain.ErrTreasuryHalted) {
			metrics.SubmitErrors.WithLabelValues("halted").Inc()
		}
		return current, err
	}

	logger.Debug("payout: signing transfer...", zap.String("request id", requestID), zap.Uint64("nonce", nonce))
	signed, err := o.chain.Sign(ctx, blockchain.Transfer{
		Wallet:  current.Wallet,
		Amount:  current.Amount,
		Nonce:   nonce,
		Bounce:  current.Bounce,
		Mode:    current.Mode,
		Comment: "faucet " + requestID,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrSignerUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrSignerUnavailable, err)
		}
		metrics.SubmitErrors.WithLabelValues("signer").Inc()
		logger.Warn("payout: signing transfer... failed", zap.String("request id", requestID), zap.Error(err))
		o.releaseNonce(ctx, treasury, nonce)
		return o.notePending(ctx, current, err), err
	}

	now := o.now().UTC()
	nextCheck := now.Add(o.params.FirstCheck)
	submitted := current
	submitted.Status = domain.StatusSubmitted
	submitted.TxHash = signed.Hash
	submitted.Nonce = &nonce
	submitted.LastError = ""
	submitted.CheckAttempts = 0
	submitted.SubmittedAt = &now
	submitted.NextCheckAt = &nextCheck
	submitted.UpdatedAt = now

	// the replaced cooldown goes out with the submitted mark, so the tracker
	// never sees a submitted row without it
	touched := false
	if o.policy.Policy().CooldownOn == config.CooldownOnSubmission {
		previous, err := o.storage.TouchCooldown(ctx, submitted.Identity, now)
		if err != nil {
			logger.Error("payout: cannot touch cooldown", zap.String("identity", submitted.Identity), zap.Error(err))
		} else {
			touched = true
			submitted.PreviousPayoutAt = previous
		}
	}

	if err := o.Transition(ctx, submitted, domain.StatusPending); err != nil {
		// cancelled while signing
		o.releaseNonce(ctx, treasury, nonce)
		if touched {
			o.restoreCooldown(ctx, submitted)
		}
		latest, getErr := o.storage.GetDisbursement(ctx, requestID)
		if getErr != nil {
			return current, err
		}
		return latest, err
	}

	logger.Debug("payout: broadcasting transfer...", zap.String("request id", requestID), zap.String("hash", signed.Hash))
	err = o.chain.Broadcast(ctx, signed)
	switch {
	case errors.Is(err, domain.ErrNonceDesynchronized):
		metrics.SubmitErrors.WithLabelValues("desync").Inc()
		o.revertToPending(ctx, submitted, err)
		if touched {
			o.restoreCooldown(ctx, submitted)
		}
		if haltErr := o.Halt(ctx, err.Error()); haltErr != nil {
			logger.Error("payout: cannot halt treasury", zap.Error(haltErr))
		}
		latest, _ := o.storage.GetDisbursement(ctx, requestID)
		return latest, fmt.Errorf("%w: %v", domain.ErrTreasuryHalted, err)

	case errors.Is(err, domain.ErrSubmissionRejected):
		metrics.SubmitErrors.WithLabelValues("rejected").Inc()
		logger.Error("payout: transfer rejected by the network", zap.String("request id", requestID), zap.Uint64("nonce", nonce), zap.Error(err))
		reverted := o.revertToPending(ctx, submitted, err)
		if touched {
			o.restoreCooldown(ctx, submitted)
		}
		o.releaseNonce(ctx, treasury, nonce)
		return reverted, err

	case err != nil:
		// the message may have reached the network; the tracker decides
		metrics.SubmitErrors.WithLabelValues("ambiguous").Inc()
		logger.Warn("payout: broadcast outcome unknown, tracking by hash", zap.String("request id", requestID), zap.String("hash", signed.Hash), zap.Error(err))
		submitted.LastError = err.Error()
		if err := o.storage.NoteDisbursementError(ctx, requestID, domain.StatusSubmitted, submitted.LastError, o.now().UTC()); err != nil {
			logger.Warn("payout: cannot store broadcast error", zap.String("request id", requestID), zap.Error(err))
		}
	}

	metrics.NoncesIssued.Inc()
	logger.Info("payout: transfer submitted", zap.String("request id", requestID), zap.String("identity", submitted.Identity), zap.String("hash", submitted.TxHash), zap.Uint64("nonce", nonce))
	return submitted, nil
}

// Cancel withdraws a payout that has not been submitted yet.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string, actor string) (domain.Disbursement, error) {
	current, err := o.storage.GetDisbursement(ctx, requestID)
	if err != nil {
		return domain.Disbursement{}, err
	}
	switch current.Status {
	case domain.StatusCancelled:
		return current, nil
	case domain.StatusPending:
	default:
		return current, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, requestID, current.Status)
	}

	cancelled := current
	cancelled.Status = domain.StatusCancelled
	cancelled.LastError = "cancelled by " + actor
	cancelled.UpdatedAt = o.now().UTC()
	if err := o.Transition(ctx, cancelled, domain.StatusPending); err != nil {
		latest, getErr := o.storage.GetDisbursement(ctx, requestID)
		if getErr != nil {
			return current, err
		}
		return latest, err
	}
	return cancelled, nil
}

// Transition moves a disbursement from one status to another and records it.
func (o *Orchestrator) Transition(ctx context.Context, d domain.Disbursement, from domain.DisbursementStatus) error {
	if err := o.storage.UpdateDisbursement(ctx, d, from); err != nil {
		return err
	}
	o.recordTransition(ctx, d, from)
	return nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, d domain.Disbursement, from domain.DisbursementStatus) {
	metrics.Disbursements.WithLabelValues(string(d.Status)).Inc()
	if _, err := o.ledger.Record(ctx, audit.DisbursementStatusChanged(d, from)); err != nil {
		logger.Error("payout: status change not audited", zap.String("request id", d.RequestID), zap.String("status", string(d.Status)), zap.Error(err))
	}
}

// Halt stops new submissions for the treasury on every instance.
func (o *Orchestrator) Halt(ctx context.Context, reason string) error {
	logger.Error("payout: halting treasury", zap.String("treasury", o.chain.Address()), zap.String("reason", reason))
	if err := o.storage.HaltTreasury(ctx, o.chain.Address(), reason); err != nil {
		return fmt.Errorf("halt treasury: %w", err)
	}
	metrics.TreasuryHalted.Set(1)
	return nil
}

func (o *Orchestrator) releaseNonce(ctx context.Context, treasury string, nonce uint64) {
	err := o.storage.ReleaseNonce(ctx, treasury, nonce)
	if err == nil {
		return
	}
	if haltErr := o.Halt(ctx, fmt.Sprintf("nonce %d could not be released: %v", nonce, err)); haltErr != nil {
		logger.Error("payout: cannot halt treasury", zap.Error(haltErr))
	}
}

func (o *Orchestrator) notePending(ctx context.Context, current domain.Disbursement, cause error) domain.Disbursement {
	current.LastError = cause.Error()
	current.UpdatedAt = o.now().UTC()
	if err := o.storage.NoteDisbursementError(ctx, current.RequestID, domain.StatusPending, current.LastError, current.UpdatedAt); err != nil {
		logger.Warn("payout: cannot store last error", zap.String("request id", current.RequestID), zap.Error(err))
	}
	return current
}

// restoreCooldown puts back the cooldown a transfer that never left replaced.
func (o *Orchestrator) restoreCooldown(ctx context.Context, unsent domain.Disbursement) {
	if err := o.storage.SetCooldown(ctx, unsent.Identity, unsent.PreviousPayoutAt); err != nil {
		logger.Error("payout: cannot restore cooldown", zap.String("identity", unsent.Identity), zap.Error(err))
	}
}

// revertToPending undoes the submitted mark of a transfer that never reached
// the chain.
func (o *Orchestrator) revertToPending(ctx context.Context, submitted domain.Disbursement, cause error) domain.Disbursement {
	reverted := submitted
	reverted.Status = domain.StatusPending
	reverted.TxHash = ""
	reverted.Nonce = nil
	reverted.SubmittedAt = nil
	reverted.NextCheckAt = nil
	reverted.PreviousPayoutAt = nil
	reverted.LastError = cause.Error()
	reverted.UpdatedAt = o.now().UTC()
	if err := o.Transition(ctx, reverted, domain.StatusSubmitted); err != nil {
		logger.Error("payout: cannot revert unsent transfer to pending", zap.String("request id", submitted.RequestID), zap.Error(err))
		return submitted
	}
	return reverted
}
