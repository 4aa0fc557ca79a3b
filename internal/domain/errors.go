package domain

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrVerifierUnavailable  = errors.New("verifier unavailable")
	ErrSignerUnavailable    = errors.New("signer unavailable")
	ErrRateLimited          = errors.New("rate limited")
	ErrWalletConflict       = errors.New("wallet conflict")
	ErrVerifierDenied       = errors.New("verifier denied")
	ErrDuplicateInFlight    = errors.New("duplicate in flight")
	ErrSubmissionRejected   = errors.New("submission rejected")
	ErrConfirmationTimeout  = errors.New("confirmation timeout")
	ErrTreasuryHalted       = errors.New("treasury halted")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNonceDesynchronized  = errors.New("nonce desynchronized")
	ErrInsufficientEvidence = errors.New("insufficient confidence")
)

// ReasonError maps a denial reason to the sentinel callers match with errors.Is.
func ReasonError(reason Reason) error {
	switch reason {
	case ReasonInvalidInput:
		return ErrInvalidInput
	case ReasonVerifierUnavailable:
		return ErrVerifierUnavailable
	case ReasonVerifierDenied:
		return ErrVerifierDenied
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonWalletConflict:
		return ErrWalletConflict
	case ReasonInsufficientConfidence:
		return ErrInsufficientEvidence
	case ReasonDuplicateInFlight:
		return ErrDuplicateInFlight
	default:
		return nil
	}
}

// Retryable reports whether the caller may retry with the same request id.
func Retryable(err error) bool {
	return errors.Is(err, ErrVerifierUnavailable) ||
		errors.Is(err, ErrSignerUnavailable) ||
		errors.Is(err, ErrSubmissionRejected)
}
