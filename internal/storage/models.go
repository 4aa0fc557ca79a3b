package storage

import (
	"time"

	"faucet/internal/domain"

	"gorm.io/datatypes"
)

type WalletClaim struct {
	Wallet           string    `gorm:"primaryKey"`
	Identity         string    `gorm:"not null;index"`
	ProofFingerprint string    `gorm:"index"`
	FirstSeenAt      time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}

type EligibilityDecision struct {
	ID        string `gorm:"primaryKey"`
	RequestID string `gorm:"not null;index"`
	// set only for non-retryable decisions: one final decision per request id
	FinalRequestID *string `gorm:"uniqueIndex"`
	Identity       string  `gorm:"index"`
	Wallet         string
	Verdict        string `gorm:"not null"`
	Reason         string `gorm:"not null"`
	Detail         string
	Confidence     float64
	RetryAfterMs   int64
	Retryable      bool
	Evidence       datatypes.JSONMap
	DecidedAt      time.Time `gorm:"not null;index"`
}

type CooldownRecord struct {
	Identity     string    `gorm:"primaryKey"`
	LastPayoutAt time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type Disbursement struct {
	RequestID  string `gorm:"primaryKey"`
	DecisionID string `gorm:"not null"`
	Identity   string `gorm:"not null;index"`
	// equals Identity while pending or submitted, NULL once terminal
	InFlightIdentity *string `gorm:"uniqueIndex"`
	Wallet           string  `gorm:"not null"`
	Amount           uint64  `gorm:"not null"`
	Status           string  `gorm:"not null;index:idx_disbursements_due,priority:1"`
	TxHash           string  `gorm:"index"`
	Nonce            *uint64
	Bounce           bool
	Mode             uint8
	LastError        string
	Reason           string
	PreviousPayoutAt *time.Time
	CheckAttempts    int
	NextCheckAt      *time.Time `gorm:"index:idx_disbursements_due,priority:2"`
	SubmittedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TreasuryState struct {
	Wallet     string `gorm:"primaryKey"`
	NextNonce  uint64 `gorm:"not null"`
	Halted     bool   `gorm:"default:false"`
	HaltReason string
	UpdatedAt  time.Time
}

// AuditEvent rows form a hash chain ordered by Sequence.
type AuditEvent struct {
	Sequence      uint64 `gorm:"primaryKey;autoIncrement:false"`
	EventID       string `gorm:"not null;uniqueIndex"`
	Kind          string `gorm:"not null;index"`
	Identity      string `gorm:"index"`
	RequestID     string `gorm:"index"`
	Operator      string
	Justification string
	Payload       datatypes.JSON
	OccurredAt    time.Time `gorm:"not null;index"`
	PrevHash      string    `gorm:"not null"`
	Hash          string    `gorm:"not null"`
}

func walletClaimFromDomain(c domain.WalletClaim) WalletClaim {
	return WalletClaim{
		Wallet:           c.Wallet,
		Identity:         c.Identity,
		ProofFingerprint: c.ProofFingerprint,
		FirstSeenAt:      c.FirstSeenAt.UTC(),
	}
}

func (c WalletClaim) toDomain() domain.WalletClaim {
	return domain.WalletClaim{
		Identity:         c.Identity,
		Wallet:           c.Wallet,
		ProofFingerprint: c.ProofFingerprint,
		FirstSeenAt:      c.FirstSeenAt.UTC(),
	}
}

func decisionFromDomain(d domain.EligibilityDecision) EligibilityDecision {
	row := EligibilityDecision{
		ID:           d.ID,
		RequestID:    d.RequestID,
		Identity:     d.Identity,
		Wallet:       d.Wallet,
		Verdict:      string(d.Verdict),
		Reason:       string(d.Reason),
		Detail:       d.Detail,
		Confidence:   d.Confidence,
		RetryAfterMs: d.RetryAfter.Milliseconds(),
		Retryable:    d.Retryable,
		DecidedAt:    d.DecidedAt.UTC(),
	}
	if len(d.Evidence) > 0 {
		row.Evidence = datatypes.JSONMap(d.Evidence)
	}
	if !d.Retryable {
		requestID := d.RequestID
		row.FinalRequestID = &requestID
	}
	return row
}

func (d EligibilityDecision) toDomain() domain.EligibilityDecision {
	decision := domain.EligibilityDecision{
		ID:         d.ID,
		RequestID:  d.RequestID,
		Identity:   d.Identity,
		Wallet:     d.Wallet,
		Verdict:    domain.Verdict(d.Verdict),
		Reason:     domain.Reason(d.Reason),
		Detail:     d.Detail,
		Confidence: d.Confidence,
		RetryAfter: time.Duration(d.RetryAfterMs) * time.Millisecond,
		Retryable:  d.Retryable,
		DecidedAt:  d.DecidedAt.UTC(),
	}
	if len(d.Evidence) > 0 {
		decision.Evidence = map[string]any(d.Evidence)
	}
	return decision
}

func disbursementFromDomain(d domain.Disbursement) Disbursement {
	row := Disbursement{
		RequestID:        d.RequestID,
		DecisionID:       d.DecisionID,
		Identity:         d.Identity,
		Wallet:           d.Wallet,
		Amount:           d.Amount,
		Status:           string(d.Status),
		TxHash:           d.TxHash,
		Nonce:            d.Nonce,
		Bounce:           d.Bounce,
		Mode:             d.Mode,
		LastError:        d.LastError,
		Reason:           string(d.Reason),
		PreviousPayoutAt: utcPtr(d.PreviousPayoutAt),
		CheckAttempts:    d.CheckAttempts,
		NextCheckAt:      utcPtr(d.NextCheckAt),
		SubmittedAt:      utcPtr(d.SubmittedAt),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
	row.InFlightIdentity = inFlightKey(d.Status, d.Identity)
	return row
}

func (d Disbursement) toDomain() domain.Disbursement {
	return domain.Disbursement{
		RequestID:        d.RequestID,
		DecisionID:       d.DecisionID,
		Identity:         d.Identity,
		Wallet:           d.Wallet,
		Amount:           d.Amount,
		Status:           domain.DisbursementStatus(d.Status),
		TxHash:           d.TxHash,
		Nonce:            d.Nonce,
		Bounce:           d.Bounce,
		Mode:             d.Mode,
		LastError:        d.LastError,
		Reason:           domain.Reason(d.Reason),
		PreviousPayoutAt: utcPtr(d.PreviousPayoutAt),
		CheckAttempts:    d.CheckAttempts,
		NextCheckAt:      utcPtr(d.NextCheckAt),
		SubmittedAt:      utcPtr(d.SubmittedAt),
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
	}
}

func (t TreasuryState) toDomain() domain.Treasury {
	return domain.Treasury{
		Wallet:     t.Wallet,
		NextNonce:  t.NextNonce,
		Halted:     t.Halted,
		HaltReason: t.HaltReason,
		UpdatedAt:  t.UpdatedAt.UTC(),
	}
}

func inFlightKey(status domain.DisbursementStatus, identity string) *string {
	if status.Terminal() {
		return nil
	}
	return &identity
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
