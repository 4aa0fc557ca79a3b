package domain

import "time"

// Identity is the canonical external identifier of a requester, e.g. "github:42".
// It never changes once observed, unlike handles or usernames.
type Identity = string

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
)

type Reason string

const (
	ReasonApproved               Reason = "Approved"
	ReasonInvalidInput           Reason = "InvalidInput"
	ReasonVerifierDenied         Reason = "VerifierDenied"
	ReasonVerifierUnavailable    Reason = "VerifierUnavailable"
	ReasonRateLimited            Reason = "RateLimited"
	ReasonWalletConflict         Reason = "WalletConflict"
	ReasonInsufficientConfidence Reason = "InsufficientConfidence"
	ReasonOperatorOverride       Reason = "OperatorOverride"
	ReasonDuplicateInFlight      Reason = "DuplicateInFlight"
)

// VerificationResult is the fixed shape every verification strategy reports.
// Strategy-specific details go to Extra and are never read by the engine.
type VerificationResult struct {
	Verified         bool
	CanonicalID      Identity
	Confidence       float64
	Reason           string
	ProofFingerprint string
	Extra            map[string]any
}

type WalletClaim struct {
	Identity         Identity
	Wallet           string
	ProofFingerprint string
	FirstSeenAt      time.Time
}

// EligibilityDecision is immutable once created. Retryable decisions
// (infrastructure failures) do not occupy the request's final decision slot.
type EligibilityDecision struct {
	ID         string
	RequestID  string
	Identity   Identity
	Wallet     string
	Verdict    Verdict
	Reason     Reason
	Detail     string
	Confidence float64
	RetryAfter time.Duration
	Retryable  bool
	Evidence   map[string]any
	DecidedAt  time.Time
}

func (d EligibilityDecision) Approved() bool {
	return d.Verdict == VerdictApproved
}

type DisbursementStatus string

const (
	StatusPending   DisbursementStatus = "pending"
	StatusSubmitted DisbursementStatus = "submitted"
	StatusConfirmed DisbursementStatus = "confirmed"
	StatusFailed    DisbursementStatus = "failed"
	StatusCancelled DisbursementStatus = "cancelled"
	// approved, but vetoed at insert time; no transfer was ever attempted
	StatusRejected DisbursementStatus = "rejected"
)

func (s DisbursementStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled || s == StatusRejected
}

// Disbursement is the single mutable record of a payout. Only the payout
// orchestrator and the confirmation tracker move its status.
type Disbursement struct {
	RequestID  string
	DecisionID string
	Identity   Identity
	Wallet     string
	Amount     uint64
	Status     DisbursementStatus
	TxHash     string
	Nonce      *uint64
	Bounce     bool
	Mode       uint8
	LastError  string
	// why a rejected row never entered the pipeline
	Reason Reason
	// cooldown value this payout replaced, kept for the restore-on-failure policy
	PreviousPayoutAt *time.Time
	CheckAttempts    int
	NextCheckAt      *time.Time
	SubmittedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CooldownRecord struct {
	Identity     Identity
	LastPayoutAt time.Time
}

// Treasury is the durable state of the signing wallet shared by all instances.
type Treasury struct {
	Wallet     string
	NextNonce  uint64
	Halted     bool
	HaltReason string
	UpdatedAt  time.Time
}
