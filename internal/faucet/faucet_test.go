package faucet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/blockchain/chaintest"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/eligibility"
	"faucet/internal/payout"
	"faucet/internal/storage"
	"faucet/internal/storage/storagetest"
	"faucet/internal/tracker"
	"faucet/internal/verifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0:584ee61b2dff0837116d0fcb5078d93964bcbe9c05fd6a141b1bfca5d6a43e18"

type fixture struct {
	service *Service
	storage storage.Storage
	chain   *chaintest.Fake
	payouts *payout.Orchestrator
	calls   *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	s := storagetest.New(t)
	ledger := audit.NewLedger(s)
	policy := config.StaticPolicy(config.DefaultPolicy())
	chain := chaintest.New(0)

	calls := &atomic.Int32{}
	fake := verifier.VerifierFunc(func(ctx context.Context, claim, wallet string) (domain.VerificationResult, error) {
		calls.Add(1)
		if claim == "github:0" {
			return domain.VerificationResult{Verified: false, Reason: "no such account"}, nil
		}
		return domain.VerificationResult{Verified: true, CanonicalID: claim, Confidence: 0.9}, nil
	})

	engine := eligibility.NewEngine(s, fake, ledger, policy)
	payouts := payout.NewOrchestrator(s, chain, ledger, policy, payout.Params{Mode: 3, FirstCheck: 5 * time.Second})
	_, err := payouts.Initialize(context.Background())
	require.NoError(t, err)

	return &fixture{service: NewService(engine, payouts, s), storage: s, chain: chain, payouts: payouts, calls: calls}
}

func TestRequestApprovesSubmitsAndRateLimitsSecondRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Request(ctx, RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSubmitted), first.Status)
	assert.Equal(t, chaintest.Hash(0), first.TxHash)
	assert.Equal(t, uint64(300_000_000), first.Amount)

	cooldown, err := f.storage.GetCooldown(ctx, "github:42")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), cooldown.LastPayoutAt, 5*time.Second)

	second, err := f.service.Request(ctx, RequestInput{RequestID: "r-2", IdentityClaim: "github:42", Wallet: wallet})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, StatusDenied, second.Status)
	assert.Equal(t, domain.ReasonRateLimited, second.Reason)
	assert.Greater(t, second.RetryAfter, 23*time.Hour)
	assert.Equal(t, 1, f.chain.Broadcasts())
}

func TestRequestReplayReturnsStoredOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet}

	first, err := f.service.Request(ctx, in)
	require.NoError(t, err)
	again, err := f.service.Request(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, f.chain.Broadcasts())
}

func TestRequestReplayOfDenial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := RequestInput{RequestID: "r-1", IdentityClaim: "github:0", Wallet: wallet}

	first, err := f.service.Request(ctx, in)
	assert.ErrorIs(t, err, domain.ErrVerifierDenied)
	again, err := f.service.Request(ctx, in)
	assert.ErrorIs(t, err, domain.ErrVerifierDenied)

	assert.Equal(t, first, again)
	assert.Equal(t, StatusDenied, again.Status)
	assert.Equal(t, domain.ReasonVerifierDenied, again.Reason)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRequestGeneratesRequestID(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Request(context.Background(), RequestInput{IdentityClaim: "github:42", Wallet: wallet})
	require.NoError(t, err)
	assert.Len(t, result.RequestID, 36)

	status, err := f.service.Status(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, result, status)
}

func TestRequestInvalidWallet(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Request(context.Background(), RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: "nope"})

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.ReasonInvalidInput, result.Reason)
	assert.Zero(t, f.calls.Load())
}

func TestRequestResumesPendingAfterSignerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet}
	f.chain.FailSign(errors.New("hsm offline"))

	result, err := f.service.Request(ctx, in)
	assert.ErrorIs(t, err, domain.ErrSignerUnavailable)
	assert.Equal(t, string(domain.StatusPending), result.Status)
	assert.True(t, result.Retryable)

	f.chain.FailSign(nil)
	result, err = f.service.Request(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusSubmitted), result.Status)
	assert.Equal(t, int32(1), f.calls.Load(), "the stored approval is reused")
}

func TestRequestReplayOfRejectionNeverPays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.FailSign(errors.New("hsm offline"))

	_, err := f.service.Request(ctx, RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet})
	require.ErrorIs(t, err, domain.ErrSignerUnavailable)

	in := RequestInput{RequestID: "r-2", IdentityClaim: "github:42", Wallet: wallet}
	first, rejectErr := f.service.Request(ctx, in)
	assert.ErrorIs(t, rejectErr, domain.ErrDuplicateInFlight)
	assert.Equal(t, string(domain.StatusRejected), first.Status)
	assert.Equal(t, domain.ReasonDuplicateInFlight, first.Reason)
	assert.False(t, first.Retryable)

	_, err = f.service.Cancel(ctx, "r-1", "requester")
	require.NoError(t, err)
	f.chain.FailSign(nil)

	again, replayErr := f.service.Request(ctx, in)
	assert.ErrorIs(t, replayErr, domain.ErrDuplicateInFlight)
	assert.EqualError(t, replayErr, rejectErr.Error())
	assert.Equal(t, first, again)
	assert.Zero(t, f.chain.Broadcasts())
	assert.Equal(t, int32(2), f.calls.Load(), "the replay is not evaluated again")

	status, err := f.service.Status(ctx, "r-2")
	require.NoError(t, err)
	assert.Equal(t, first, status)
}

func TestRequestConfirmedByTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Request(ctx, RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet})
	require.NoError(t, err)
	f.chain.SetReceipt(result.TxHash, blockchain.ReceiptConfirmed)

	tr := tracker.New(f.storage, f.chain, f.payouts, config.StaticPolicy(config.DefaultPolicy()), config.TrackerConfig{
		PollInterval: time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   time.Millisecond,
		Concurrency:  1,
		BatchSize:    10,
	})
	require.Eventually(t, func() bool {
		if _, err := tr.Tick(ctx); err != nil {
			return false
		}
		status, err := f.service.Status(ctx, "r-1")
		return err == nil && status.Status == string(domain.StatusConfirmed)
	}, 15*time.Second, 100*time.Millisecond)
}

func TestCancelPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.FailSign(errors.New("hsm offline"))

	_, err := f.service.Request(ctx, RequestInput{RequestID: "r-1", IdentityClaim: "github:42", Wallet: wallet})
	require.ErrorIs(t, err, domain.ErrSignerUnavailable)

	result, err := f.service.Cancel(ctx, "r-1", "requester")
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), result.Status)

	_, err = f.service.Cancel(ctx, "missing", "requester")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusUnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
