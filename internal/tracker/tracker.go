package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faucet/internal/blockchain"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/logger"
	"faucet/internal/metrics"
	"faucet/internal/payout"
	"faucet/internal/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tracker polls submitted disbursements until the chain settles them.
type Tracker struct {
	storage storage.Storage
	chain   blockchain.Chain
	payouts *payout.Orchestrator
	policy  config.PolicySource
	cfg     config.TrackerConfig
	now     func() time.Time
}

func New(s storage.Storage, chain blockchain.Chain, payouts *payout.Orchestrator, policy config.PolicySource, cfg config.TrackerConfig) *Tracker {
	logger.Debug("tracker initialization: confirmation tracker",
		zap.Duration("poll interval", cfg.PollInterval),
		zap.Duration("confirmation timeout", cfg.ConfirmationTimeout),
		zap.Int("concurrency", cfg.Concurrency),
	)
	return &Tracker{
		storage: s,
		chain:   chain,
		payouts: payouts,
		policy:  policy,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled. Tick failures are logged and retried on
// the next tick.
func (t *Tracker) Run(ctx context.Context) error {
	logger.Info("tracker: started")
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("tracker: tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("tracker: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick checks every submitted disbursement that is due and returns how many
// were checked.
func (t *Tracker) Tick(ctx context.Context) (int, error) {
	due, err := t.storage.ListDueDisbursements(ctx, t.now(), t.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due disbursements: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	logger.Debug("tracker: checking submitted disbursements...", zap.Int("count", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.cfg.Concurrency, 1))
	for _, d := range due {
		g.Go(func() error {
			if err := t.check(gctx, d); err != nil {
				logger.Warn("tracker: check failed", zap.String("request id", d.RequestID), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(due), err
	}

	logger.Debug("tracker: checking submitted disbursements... done", zap.Int("count", len(due)))
	return len(due), nil
}

func (t *Tracker) check(ctx context.Context, d domain.Disbursement) error {
	if d.Nonce == nil || d.TxHash == "" {
		return fmt.Errorf("%w: submitted disbursement %s has no hash or nonce", domain.ErrInvalidTransition, d.RequestID)
	}
	now := t.now().UTC()

	receipt, err := t.chain.Status(ctx, d.TxHash, *d.Nonce)
	if err != nil {
		d.LastError = err.Error()
		return t.reschedule(ctx, d, now, t.backoff(d.CheckAttempts+1))
	}

	switch receipt.Status {
	case blockchain.ReceiptConfirmed:
		return t.confirm(ctx, d, now)
	case blockchain.ReceiptReverted:
		return t.fail(ctx, d, now, "transfer reverted on chain")
	}

	if d.SubmittedAt == nil || now.Sub(*d.SubmittedAt) < t.cfg.ConfirmationTimeout {
		d.LastError = ""
		return t.reschedule(ctx, d, now, t.backoff(d.CheckAttempts+1))
	}

	if !receipt.NonceConsumed {
		// the message expired unsent; later nonces can never apply until resync
		if err := t.fail(ctx, d, now, "confirmation timeout, nonce never consumed"); err != nil {
			return err
		}
		return t.payouts.Halt(ctx, fmt.Sprintf("nonce %d of request %s was never consumed", *d.Nonce, d.RequestID))
	}

	logger.Error("tracker: ConfirmationTimeout, nonce consumed but transfer not found",
		zap.String("request id", d.RequestID),
		zap.String("hash", d.TxHash),
		zap.Uint64("nonce", *d.Nonce),
		zap.Duration("since submission", now.Sub(*d.SubmittedAt)),
	)
	d.LastError = "confirmation timeout: nonce consumed, receipt not found"
	return t.reschedule(ctx, d, now, t.cfg.BackoffMax)
}

func (t *Tracker) confirm(ctx context.Context, d domain.Disbursement, now time.Time) error {
	confirmed := d
	confirmed.Status = domain.StatusConfirmed
	confirmed.LastError = ""
	confirmed.NextCheckAt = nil
	confirmed.UpdatedAt = now
	if err := t.payouts.Transition(ctx, confirmed, domain.StatusSubmitted); err != nil {
		return err
	}
	if d.SubmittedAt != nil {
		metrics.ConfirmationDuration.Observe(now.Sub(*d.SubmittedAt).Seconds())
	}

	if t.policy.Policy().CooldownOn == config.CooldownOnConfirmation {
		if _, err := t.storage.TouchCooldown(ctx, d.Identity, now); err != nil {
			return fmt.Errorf("touch cooldown: %w", err)
		}
	}
	logger.Info("tracker: transfer confirmed", zap.String("request id", d.RequestID), zap.String("hash", d.TxHash))
	return nil
}

func (t *Tracker) fail(ctx context.Context, d domain.Disbursement, now time.Time, cause string) error {
	failed := d
	failed.Status = domain.StatusFailed
	failed.LastError = cause
	failed.NextCheckAt = nil
	failed.UpdatedAt = now
	if err := t.payouts.Transition(ctx, failed, domain.StatusSubmitted); err != nil {
		return err
	}
	logger.Warn("tracker: transfer failed", zap.String("request id", d.RequestID), zap.String("hash", d.TxHash), zap.String("cause", cause))

	policy := t.policy.Policy()
	if policy.RestoreCooldownOnFailure && policy.CooldownOn == config.CooldownOnSubmission {
		if err := t.storage.SetCooldown(ctx, d.Identity, d.PreviousPayoutAt); err != nil {
			return fmt.Errorf("restore cooldown: %w", err)
		}
		logger.Debug("tracker: cooldown restored", zap.String("identity", d.Identity))
	}
	return nil
}

// reschedule writes only the check bookkeeping; the rest of d may be stale.
func (t *Tracker) reschedule(ctx context.Context, d domain.Disbursement, now time.Time, delay time.Duration) error {
	err := t.storage.RescheduleDisbursement(ctx, d.RequestID, d.CheckAttempts+1, now.Add(delay), d.LastError, now)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// settled by an operator in the meantime
		return nil
	}
	return err
}

// backoff doubles from BackoffBase per attempt up to BackoffMax.
func (t *Tracker) backoff(attempt int) time.Duration {
	delay := t.cfg.BackoffBase
	for i := 1; i < attempt && delay < t.cfg.BackoffMax; i++ {
		delay *= 2
	}
	return min(delay, t.cfg.BackoffMax)
}
