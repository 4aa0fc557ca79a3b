package storage

import (
	"context"
	"time"

	"faucet/internal/domain"
)

// Storage is the durable state behind eligibility, payouts and the audit
// ledger. Lookups that find nothing return domain.ErrNotFound.
type Storage interface {
	// wallet claims
	GetWalletClaim(ctx context.Context, wallet string) (domain.WalletClaim, error)
	FindForeignProofClaim(ctx context.Context, fingerprint string, identity domain.Identity) (domain.WalletClaim, error)
	ClaimWallet(ctx context.Context, claim domain.WalletClaim) (owner domain.WalletClaim, created bool, err error)
	ReassignWallet(ctx context.Context, wallet string, identity domain.Identity) (previous domain.WalletClaim, err error)

	// eligibility decisions
	SaveDecision(ctx context.Context, decision domain.EligibilityDecision) (stored domain.EligibilityDecision, created bool, err error)
	GetFinalDecision(ctx context.Context, requestID string) (domain.EligibilityDecision, error)
	GetDecision(ctx context.Context, id string) (domain.EligibilityDecision, error)

	// cooldown
	GetCooldown(ctx context.Context, identity domain.Identity) (domain.CooldownRecord, error)
	TouchCooldown(ctx context.Context, identity domain.Identity, at time.Time) (previous *time.Time, err error)
	SetCooldown(ctx context.Context, identity domain.Identity, at *time.Time) error

	// disbursements; a create vetoed by the in-flight gate or the guard
	// stores a rejected row under the request id and returns it with the veto
	CreateDisbursement(ctx context.Context, disbursement domain.Disbursement, guard CooldownGuard) (stored domain.Disbursement, created bool, err error)
	GetDisbursement(ctx context.Context, requestID string) (domain.Disbursement, error)
	UpdateDisbursement(ctx context.Context, disbursement domain.Disbursement, from domain.DisbursementStatus) error
	NoteDisbursementError(ctx context.Context, requestID string, status domain.DisbursementStatus, lastError string, at time.Time) error
	RescheduleDisbursement(ctx context.Context, requestID string, attempts int, nextCheckAt time.Time, lastError string, at time.Time) error
	ListDueDisbursements(ctx context.Context, now time.Time, limit int) ([]domain.Disbursement, error)

	// treasury nonce
	EnsureTreasury(ctx context.Context, wallet string, nextNonce uint64) (domain.Treasury, error)
	GetTreasury(ctx context.Context, wallet string) (domain.Treasury, error)
	ReserveNonce(ctx context.Context, wallet string) (uint64, error)
	ReleaseNonce(ctx context.Context, wallet string, nonce uint64) error
	HaltTreasury(ctx context.Context, wallet string, reason string) error
	ResumeTreasury(ctx context.Context, wallet string, nextNonce uint64) error

	// audit ledger
	AppendAuditEvent(ctx context.Context, build AuditBuilder) (AuditEvent, error)
	ListAuditEventsByIdentity(ctx context.Context, identity domain.Identity) ([]AuditEvent, error)
	ListAuditEventsByTimeRange(ctx context.Context, from, to time.Time) ([]AuditEvent, error)
	ListAuditEvents(ctx context.Context, afterSequence uint64, limit int) ([]AuditEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// CooldownGuard runs inside the disbursement insert transaction with the
// identity's current cooldown (nil when none) and may veto the insert.
type CooldownGuard func(cooldown *domain.CooldownRecord) error

// AuditBuilder fills sequence and hashes given the current chain head
// (nil for an empty ledger).
type AuditBuilder func(head *AuditEvent) (AuditEvent, error)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)
