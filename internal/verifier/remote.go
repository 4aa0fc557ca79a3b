package verifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"faucet/internal/domain"
	"faucet/internal/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type remoteRequest struct {
	IdentityClaim string `json:"identity_claim"`
	WalletAddress string `json:"wallet_address"`
}

type remoteResponse struct {
	Verified            bool           `json:"verified"`
	CanonicalIdentityID string         `json:"canonical_identity_id"`
	Confidence          float64        `json:"confidence"`
	Reason              string         `json:"reason"`
	ProofFingerprint    string         `json:"proof_fingerprint"`
	Extra               map[string]any `json:"extra"`
}

// Remote asks an external verification service: POST {base}/verify.
type Remote struct {
	client *resty.Client
}

func NewRemote(baseURL string) *Remote {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Remote{client: client}
}

func (r *Remote) Verify(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error) {
	var body remoteResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(remoteRequest{IdentityClaim: claim, WalletAddress: wallet}).
		SetResult(&body).
		Post("/verify")
	if err != nil {
		return domain.VerificationResult{}, unavailable(err)
	}

	switch {
	case resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests:
		return domain.VerificationResult{}, fmt.Errorf("%w: verification service answered %d", domain.ErrVerifierUnavailable, resp.StatusCode())
	case resp.IsError():
		logger.Debug("remote verifier: claim rejected", zap.Int("status", resp.StatusCode()), zap.String("body", resp.String()))
		return denied(fmt.Sprintf("verification service rejected the claim (%d)", resp.StatusCode()), nil), nil
	}

	if body.Verified && body.CanonicalIdentityID == "" {
		return domain.VerificationResult{}, fmt.Errorf("%w: verified result without canonical identity", domain.ErrVerifierUnavailable)
	}

	return domain.VerificationResult{
		Verified:         body.Verified,
		CanonicalID:      body.CanonicalIdentityID,
		Confidence:       clampConfidence(body.Confidence),
		Reason:           body.Reason,
		ProofFingerprint: body.ProofFingerprint,
		Extra:            body.Extra,
	}, nil
}
