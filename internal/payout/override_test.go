package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"faucet/internal/audit"
	"faucet/internal/config"
	"faucet/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = Operator{Name: "alice", Justification: "support ticket 118"}

func (f *fixture) overrides(t *testing.T) []audit.Event {
	events, err := f.ledger.ListByTimeRange(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	var overrides []audit.Event
	for _, event := range events {
		if event.Kind == audit.KindManualOverride {
			overrides = append(overrides, event)
		}
	}
	return overrides
}

func TestOverridesRequireOperatorAndJustification(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 0)
	ctx := context.Background()

	_, err := f.orchestrator.ForceDecision(ctx, Operator{Name: "alice"}, "r-1", "github:42", walletOf(42), domain.VerdictApproved)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.orchestrator.ReassignWallet(ctx, Operator{Justification: "why"}, walletOf(42), "github:7")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.ErrorIs(t, f.orchestrator.ResetCooldown(ctx, Operator{}, "github:42", nil), domain.ErrInvalidInput)
	_, err = f.orchestrator.ResyncTreasury(ctx, Operator{Name: " ", Justification: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Empty(t, f.overrides(t))
}

func TestForceDecisionApprovesAndSubmits(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 0)
	ctx := context.Background()

	decision, err := f.orchestrator.ForceDecision(ctx, alice, "r-1", "github:42", walletOf(42), domain.VerdictApproved)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonOperatorOverride, decision.Reason)
	assert.Equal(t, "support ticket 118", decision.Detail)

	final, err := f.storage.GetFinalDecision(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, decision.ID, final.ID)

	d, err := f.orchestrator.Submit(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, d.Status)

	_, err = f.orchestrator.ForceDecision(ctx, alice, "r-1", "github:42", walletOf(42), domain.VerdictDenied)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "existing decisions are never rewritten")

	overrides := f.overrides(t)
	require.Len(t, overrides, 1)
	assert.Equal(t, "alice", overrides[0].Operator)
	assert.Equal(t, "ForceDecision", overrides[0].Payload["action"])
}

func TestForceDecisionRespectsWalletOwner(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 0)
	ctx := context.Background()

	_, err := f.orchestrator.ForceDecision(ctx, alice, "r-1", "github:1", walletOf(42), domain.VerdictApproved)
	require.NoError(t, err)

	_, err = f.orchestrator.ForceDecision(ctx, alice, "r-2", "github:2", walletOf(42), domain.VerdictApproved)
	assert.ErrorIs(t, err, domain.ErrWalletConflict)

	claim, err := f.orchestrator.ReassignWallet(ctx, alice, walletOf(42), "github:2")
	require.NoError(t, err)
	assert.Equal(t, "github:2", claim.Identity)

	_, err = f.orchestrator.ForceDecision(ctx, alice, "r-2", "github:2", walletOf(42), domain.VerdictApproved)
	require.NoError(t, err)
}

func TestResetCooldownAllowsImmediatePayout(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 0)
	ctx := context.Background()

	first, err := f.orchestrator.Submit(ctx, approved("r-1", 42))
	require.NoError(t, err)
	_, err = f.orchestrator.MarkDisbursement(ctx, alice, first.RequestID, domain.StatusConfirmed)
	require.NoError(t, err)

	_, err = f.orchestrator.Submit(ctx, approved("r-2", 42))
	require.ErrorIs(t, err, domain.ErrRateLimited)

	require.NoError(t, f.orchestrator.ResetCooldown(ctx, alice, "github:42", nil))
	d, err := f.orchestrator.Submit(ctx, approved("r-3", 42))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, d.Status)

	overrides := f.overrides(t)
	require.Len(t, overrides, 2)
	assert.Equal(t, "MarkDisbursement", overrides[0].Payload["action"])
	assert.Equal(t, "ResetCooldown", overrides[1].Payload["action"])
	assert.Contains(t, overrides[1].Payload, "previous_last_payout_at")
}

func TestMarkDisbursementTransitions(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 0)
	ctx := context.Background()
	f.chain.FailSign(errors.New("hsm offline"))
	_, err := f.orchestrator.Submit(ctx, approved("r-1", 42))
	require.ErrorIs(t, err, domain.ErrSignerUnavailable)

	_, err = f.orchestrator.MarkDisbursement(ctx, alice, "r-1", domain.StatusConfirmed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending rows were never sent")

	_, err = f.orchestrator.MarkDisbursement(ctx, alice, "r-1", domain.StatusSubmitted)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	marked, err := f.orchestrator.MarkDisbursement(ctx, alice, "r-1", domain.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, marked.Status)

	_, err = f.orchestrator.MarkDisbursement(ctx, alice, "r-1", domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.orchestrator.MarkDisbursement(ctx, alice, "missing", domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInitializeHaltsWhenChainIsAhead(t *testing.T) {
	f := newFixture(t, config.DefaultPolicy(), 3)
	f.chain.SetSeqno(8)

	treasury, err := f.orchestrator.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, treasury.Halted)
	assert.Equal(t, uint64(3), treasury.NextNonce)

	_, err = f.orchestrator.Submit(context.Background(), approved("r-1", 42))
	assert.ErrorIs(t, err, domain.ErrTreasuryHalted)

	resumed, err := f.orchestrator.ResyncTreasury(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), resumed.NextNonce)
	assert.False(t, resumed.Halted)

	overrides := f.overrides(t)
	require.Len(t, overrides, 1)
	assert.Equal(t, "ResyncTreasury", overrides[0].Payload["action"])
}
