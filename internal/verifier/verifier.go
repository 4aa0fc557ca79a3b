package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faucet/internal/domain"
)

// Verifier checks an identity claim for a wallet. Infrastructure failures
// are returned as errors wrapping domain.ErrVerifierUnavailable; a claim that
// does not check out is a result with Verified=false, not an error.
type Verifier interface {
	Verify(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error)
}

type VerifierFunc func(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error)

func (f VerifierFunc) Verify(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error) {
	return f(ctx, claim, wallet)
}

type timeoutVerifier struct {
	next    Verifier
	timeout time.Duration
}

// WithTimeout bounds every call of v by timeout. A deadline or any other
// error of v comes back as domain.ErrVerifierUnavailable.
func WithTimeout(v Verifier, timeout time.Duration) Verifier {
	return &timeoutVerifier{next: v, timeout: timeout}
}

func (t *timeoutVerifier) Verify(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		result domain.VerificationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := t.next.Verify(ctx, claim, wallet)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return domain.VerificationResult{}, fmt.Errorf("%w: no answer within %s", domain.ErrVerifierUnavailable, t.timeout)
	case o := <-done:
		if o.err != nil {
			return domain.VerificationResult{}, unavailable(o.err)
		}
		return o.result, nil
	}
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrVerifierUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
}

func denied(reason string, extra map[string]any) domain.VerificationResult {
	return domain.VerificationResult{Verified: false, Reason: reason, Extra: extra}
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
