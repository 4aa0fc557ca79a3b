package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain"
	"faucet/internal/blockchain/chaintest"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/payout"
	"faucet/internal/storage"
	"faucet/internal/storage/storagetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trackerConfig = config.TrackerConfig{
	PollInterval:        10 * time.Millisecond,
	BackoffBase:         5 * time.Second,
	BackoffMax:          2 * time.Minute,
	ConfirmationTimeout: 10 * time.Minute,
	Concurrency:         4,
	BatchSize:           50,
}

type fixture struct {
	tracker  *Tracker
	payouts  *payout.Orchestrator
	storage  storage.Storage
	chain    *chaintest.Fake
	clock    time.Time
	identity string
}

func newFixture(t *testing.T, policy config.Policy) *fixture {
	s := storagetest.New(t)
	chain := chaintest.New(0)
	source := config.StaticPolicy(policy)
	payouts := payout.NewOrchestrator(s, chain, audit.NewLedger(s), source, payout.Params{Mode: 3, FirstCheck: 5 * time.Second})
	_, err := payouts.Initialize(context.Background())
	require.NoError(t, err)

	f := &fixture{
		tracker:  New(s, chain, payouts, source, trackerConfig),
		payouts:  payouts,
		storage:  s,
		chain:    chain,
		clock:    time.Now().UTC().Add(10 * time.Second),
		identity: "github:42",
	}
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) submit(t *testing.T, requestID string) domain.Disbursement {
	d, err := f.payouts.Submit(context.Background(), domain.EligibilityDecision{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Identity:  f.identity,
		Wallet:    fmt.Sprintf("0:%064x", 42),
		Verdict:   domain.VerdictApproved,
		Reason:    domain.ReasonApproved,
		DecidedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, d.Status)
	return d
}

func (f *fixture) get(t *testing.T, requestID string) domain.Disbursement {
	d, err := f.payouts.Get(context.Background(), requestID)
	require.NoError(t, err)
	return d
}

func TestTickConfirmsTransfer(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	d := f.submit(t, "r-1")
	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptConfirmed)

	checked, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, checked)

	confirmed := f.get(t, "r-1")
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.NextCheckAt)

	checked, err = f.tracker.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, checked, "terminal rows are not polled")
}

func TestTickSkipsRowsNotYetDue(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	f.submit(t, "r-1")
	f.clock = time.Now().UTC()

	checked, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, checked)
}

func TestTickTouchesCooldownOnConfirmation(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.CooldownOn = config.CooldownOnConfirmation
	f := newFixture(t, policy)
	d := f.submit(t, "r-1")

	_, err := f.storage.GetCooldown(context.Background(), f.identity)
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptConfirmed)
	_, err = f.tracker.Tick(context.Background())
	require.NoError(t, err)

	cooldown, err := f.storage.GetCooldown(context.Background(), f.identity)
	require.NoError(t, err)
	assert.WithinDuration(t, f.clock, cooldown.LastPayoutAt, time.Millisecond)
}

func TestTickRevertedFailsAndRestoresCooldown(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.RestoreCooldownOnFailure = true
	f := newFixture(t, policy)
	earlier := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, f.storage.SetCooldown(context.Background(), f.identity, &earlier))

	d := f.submit(t, "r-1")
	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptReverted)

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)

	failed := f.get(t, "r-1")
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "transfer reverted on chain", failed.LastError)

	cooldown, err := f.storage.GetCooldown(context.Background(), f.identity)
	require.NoError(t, err)
	assert.True(t, cooldown.LastPayoutAt.Equal(earlier))
}

func TestRescheduleFromStaleCopyKeepsPreviousPayout(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.RestoreCooldownOnFailure = true
	f := newFixture(t, policy)
	ctx := context.Background()
	earlier := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, f.storage.SetCooldown(ctx, f.identity, &earlier))

	d := f.submit(t, "r-1")
	stored := f.get(t, "r-1")
	require.NotNil(t, stored.PreviousPayoutAt, "written with the submitted mark")
	assert.True(t, stored.PreviousPayoutAt.Equal(earlier))

	stale := d
	stale.PreviousPayoutAt = nil
	stale.LastError = "indexer down"
	require.NoError(t, f.tracker.reschedule(ctx, stale, f.clock, 5*time.Second))

	stored = f.get(t, "r-1")
	require.NotNil(t, stored.PreviousPayoutAt)
	assert.True(t, stored.PreviousPayoutAt.Equal(earlier))
	assert.Equal(t, 1, stored.CheckAttempts)
	assert.Equal(t, "indexer down", stored.LastError)

	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptReverted)
	f.clock = f.clock.Add(6 * time.Second)
	_, err := f.tracker.Tick(ctx)
	require.NoError(t, err)

	cooldown, err := f.storage.GetCooldown(ctx, f.identity)
	require.NoError(t, err)
	assert.True(t, cooldown.LastPayoutAt.Equal(earlier))
}

func TestTickRevertedKeepsCooldownByDefault(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	d := f.submit(t, "r-1")
	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptReverted)

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)

	cooldown, err := f.storage.GetCooldown(context.Background(), f.identity)
	require.NoError(t, err)
	assert.WithinDuration(t, *d.SubmittedAt, cooldown.LastPayoutAt, time.Millisecond)
}

func TestTickUnknownReceiptBacksOff(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	f.submit(t, "r-1")

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)
	d := f.get(t, "r-1")
	assert.Equal(t, domain.StatusSubmitted, d.Status)
	assert.Equal(t, 1, d.CheckAttempts)
	require.NotNil(t, d.NextCheckAt)
	assert.WithinDuration(t, f.clock.Add(5*time.Second), *d.NextCheckAt, time.Millisecond)

	f.clock = f.clock.Add(6 * time.Second)
	_, err = f.tracker.Tick(context.Background())
	require.NoError(t, err)
	d = f.get(t, "r-1")
	assert.Equal(t, 2, d.CheckAttempts)
	assert.WithinDuration(t, f.clock.Add(10*time.Second), *d.NextCheckAt, time.Millisecond)
}

func TestTickStatusErrorIsRecorded(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	f.submit(t, "r-1")
	f.chain.FailStatus(errors.New("indexer down"))

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)

	d := f.get(t, "r-1")
	assert.Equal(t, domain.StatusSubmitted, d.Status)
	assert.Equal(t, "indexer down", d.LastError)
	assert.Equal(t, 1, d.CheckAttempts)
}

func TestTickTimeoutWithUnusedNonceFailsAndHalts(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	f.chain.FailBroadcast(errors.New("connection reset"))
	d := f.submit(t, "r-1")
	f.clock = d.SubmittedAt.Add(trackerConfig.ConfirmationTimeout + time.Second)

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, f.get(t, "r-1").Status)
	treasury, err := f.payouts.Treasury(context.Background())
	require.NoError(t, err)
	assert.True(t, treasury.Halted)
	assert.Contains(t, treasury.HaltReason, "never consumed")
}

func TestTickTimeoutWithConsumedNonceKeepsTracking(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	d := f.submit(t, "r-1")
	f.clock = d.SubmittedAt.Add(trackerConfig.ConfirmationTimeout + time.Second)

	_, err := f.tracker.Tick(context.Background())
	require.NoError(t, err)

	tracked := f.get(t, "r-1")
	assert.Equal(t, domain.StatusSubmitted, tracked.Status)
	assert.Contains(t, tracked.LastError, "confirmation timeout")
	require.NotNil(t, tracked.NextCheckAt)
	assert.WithinDuration(t, f.clock.Add(trackerConfig.BackoffMax), *tracked.NextCheckAt, time.Millisecond)

	treasury, err := f.payouts.Treasury(context.Background())
	require.NoError(t, err)
	assert.False(t, treasury.Halted)
}

func TestBackoffIsCapped(t *testing.T) {
	tr := &Tracker{cfg: trackerConfig}

	assert.Equal(t, 5*time.Second, tr.backoff(1))
	assert.Equal(t, 10*time.Second, tr.backoff(2))
	assert.Equal(t, 80*time.Second, tr.backoff(5))
	assert.Equal(t, 2*time.Minute, tr.backoff(6))
	assert.Equal(t, 2*time.Minute, tr.backoff(500))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy())
	d := f.submit(t, "r-1")
	f.chain.SetReceipt(d.TxHash, blockchain.ReceiptConfirmed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	require.Eventually(t, func() bool {
		current, err := f.payouts.Get(context.Background(), "r-1")
		return err == nil && current.Status == domain.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}
}
