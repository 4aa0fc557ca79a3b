package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"faucet/internal/audit"
	"faucet/internal/blockchain/chaintest"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/eligibility"
	"faucet/internal/faucet"
	"faucet/internal/payout"
	"faucet/internal/storage/storagetest"
	"faucet/internal/verifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "s3cret"
	wallet     = "0:584ee61b2dff0837116d0fcb5078d93964bcbe9c05fd6a141b1bfca5d6a43e18"
)

type fixture struct {
	server  *httptest.Server
	payouts *payout.Orchestrator
	chain   *chaintest.Fake
}

func newFixture(t *testing.T) *fixture {
	s := storagetest.New(t)
	ledger := audit.NewLedger(s)
	policy := config.StaticPolicy(config.DefaultPolicy())
	chain := chaintest.New(0)

	fake := verifier.VerifierFunc(func(ctx context.Context, claim, wallet string) (domain.VerificationResult, error) {
		if claim == "github:0" {
			return domain.VerificationResult{Verified: false, Reason: "no such account"}, nil
		}
		return domain.VerificationResult{Verified: true, CanonicalID: claim, Confidence: 0.9}, nil
	})
	engine := eligibility.NewEngine(s, fake, ledger, policy)
	payouts := payout.NewOrchestrator(s, chain, ledger, policy, payout.Params{Mode: 3, FirstCheck: 5 * time.Second})
	_, err := payouts.Initialize(context.Background())
	require.NoError(t, err)

	server := httptest.NewServer(New(faucet.NewService(engine, payouts, s), payouts, ledger, s, adminToken))
	t.Cleanup(server.Close)
	return &fixture{server: server, payouts: payouts, chain: chain}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func requestBody(requestID, claim string) string {
	return `{"request_id":"` + requestID + `","identity_claim":"` + claim + `","wallet_address":"` + wallet + `"}`
}

var operator = map[string]string{"Authorization": "Bearer " + adminToken, "X-Operator": "alice"}

func TestCreateRequestSubmitsAndRateLimits(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "submitted", body["status"])
	assert.Equal(t, chaintest.Hash(0), body["tx_hash"])

	resp, raw = f.do(t, http.MethodPost, "/v1/requests", requestBody("r-2", "github:42"), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 23*3600)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "RateLimited", body["reason"])
}

func TestCreateRequestReplayReturnsIdenticalBody(t *testing.T) {
	f := newFixture(t)

	first, firstRaw := f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)
	again, againRaw := f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)

	assert.Equal(t, first.StatusCode, again.StatusCode)
	assert.JSONEq(t, string(firstRaw), string(againRaw))
	assert.Equal(t, 1, f.chain.Broadcasts())
}

func TestCreateRequestUsesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	body := `{"identity_claim":"github:42","wallet_address":"` + wallet + `"}`

	resp, raw := f.do(t, http.MethodPost, "/v1/requests", body, map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = f.do(t, http.MethodGet, "/v1/requests/key-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
}

func TestCreateRequestErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/requests", "{", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := `{"request_id":"r-1","identity_claim":"github:42","wallet_address":"nope"}`
	resp, _ = f.do(t, http.MethodPost, "/v1/requests", bad, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, "/v1/requests", requestBody("r-2", "github:0"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "denied", body["status"])
	assert.Equal(t, "VerifierDenied", body["reason"])
}

func TestGetAndCancelRequest(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/requests/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)
	resp, raw := f.do(t, http.MethodGet, "/v1/requests/r-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"status":"submitted"`)

	resp, _ = f.do(t, http.MethodDelete, "/v1/requests/r-1", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/requests/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)

	resp, raw := f.do(t, http.MethodGet, "/v1/audit?identity=github:42", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &listed))
	require.Len(t, listed.Events, 3)
	assert.Equal(t, audit.KindDecisionRecorded, listed.Events[0].Kind)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, raw = f.do(t, http.MethodGet, "/v1/audit?from="+from+"&to="+to, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &listed))
	assert.Len(t, listed.Events, 3)

	resp, _ = f.do(t, http.MethodGet, "/v1/audit", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/audit?from=yesterday&to=today", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/v1/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report audit.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Events)
}

func TestReadyzReportsHaltedTreasury(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.payouts.Halt(context.Background(), "test halt"))
	resp, raw := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(raw), "test halt")

	resp, _ = f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.chain.SetSeqno(0)
	resp, raw = f.do(t, http.MethodPost, "/v1/admin/treasury/resync", `{"justification":"incident 7"}`, operator)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	resp, _ = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "faucet_treasury_halted")
}

func TestAdminRequiresTokenAndOperator(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/admin/treasury", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/treasury", "", map[string]string{"Authorization": "Bearer wrong", "X-Operator": "alice"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/admin/treasury", "", map[string]string{"Authorization": "Bearer " + adminToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/v1/admin/treasury", "", operator)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), chaintest.TreasuryWallet)
}

func TestAdminOverrides(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/admin/cooldowns/reset", `{"identity":"github:42"}`, operator)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "justification is required")

	f.do(t, http.MethodPost, "/v1/requests", requestBody("r-1", "github:42"), nil)
	resp, raw := f.do(t, http.MethodPost, "/v1/admin/cooldowns/reset", `{"identity":"github:42","justification":"support ticket 3"}`, operator)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = f.do(t, http.MethodPost, "/v1/admin/disbursements/r-1/mark", `{"status":"confirmed","justification":"seen in explorer"}`, operator)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Contains(t, string(raw), `"status":"confirmed"`)

	resp, raw = f.do(t, http.MethodPost, "/v1/requests", requestBody("r-2", "github:42"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	other := "0:1111111111111111111111111111111111111111111111111111111111111111"
	resp, raw = f.do(t, http.MethodPost, "/v1/admin/decisions", `{"request_id":"r-9","identity":"github:7","wallet_address":"`+other+`","verdict":"denied","justification":"abuse report"}`, operator)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	resp, _ = f.do(t, http.MethodPost, "/v1/admin/decisions", `{"request_id":"r-9","identity":"github:7","wallet_address":"`+other+`","verdict":"approved","justification":"again"}`, operator)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = f.do(t, http.MethodPost, "/v1/admin/wallets/reassign", `{"wallet_address":"`+wallet+`","identity":"github:7","justification":"account merge"}`, operator)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Contains(t, string(raw), `"identity":"github:7"`)

	resp, raw = f.do(t, http.MethodGet, "/v1/audit/verify", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
}
