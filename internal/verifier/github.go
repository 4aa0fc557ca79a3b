package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"faucet/internal/blockchain"
	"faucet/internal/config"
	"faucet/internal/domain"
	"faucet/internal/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const proofRepoLimit = 5

var githubLogin = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)

type githubUser struct {
	ID          int64     `json:"id"`
	Login       string    `json:"login"`
	PublicRepos int       `json:"public_repos"`
	CreatedAt   time.Time `json:"created_at"`
}

type githubRepo struct {
	Name string `json:"name"`
}

type githubContent struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// GitHub vouches for builders: the account must exist, own enough public
// repositories and be old enough. When a proof file is required, one of the
// user's recently updated repositories must carry the claimed wallet in it.
type GitHub struct {
	client        *resty.Client
	minRepos      int
	minAccountAge time.Duration
	proofFile     string
	requireProof  bool
	now           func() time.Time
}

func NewGitHub(cfg config.VerifierConfig) *GitHub {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.GitHubAPIURL, "/")).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", "ton-faucet")
	if cfg.GitHubToken != "" {
		client.SetAuthToken(cfg.GitHubToken)
	}
	return &GitHub{
		client:        client,
		minRepos:      cfg.MinRepos,
		minAccountAge: cfg.MinAccountAge,
		proofFile:     cfg.ProofFile,
		requireProof:  cfg.RequireProof,
		now:           time.Now,
	}
}

func (g *GitHub) Verify(ctx context.Context, claim string, wallet string) (domain.VerificationResult, error) {
	login := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(claim), "github:"), "@")
	if !githubLogin.MatchString(login) {
		return denied("malformed GitHub username", nil), nil
	}

	var user githubUser
	resp, err := g.client.R().SetContext(ctx).SetResult(&user).Get("/users/" + url.PathEscape(login))
	if err != nil {
		return domain.VerificationResult{}, unavailable(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return denied("GitHub account not found", nil), nil
	}
	if resp.IsError() {
		return domain.VerificationResult{}, fmt.Errorf("%w: github answered %d", domain.ErrVerifierUnavailable, resp.StatusCode())
	}

	identity := fmt.Sprintf("github:%d", user.ID)
	ageDays := int(g.now().Sub(user.CreatedAt).Hours() / 24)
	extra := map[string]any{
		"github_login":     user.Login,
		"github_user_id":   user.ID,
		"repo_count":       user.PublicRepos,
		"account_age_days": ageDays,
	}

	if user.PublicRepos < g.minRepos {
		return denied(fmt.Sprintf("account has %d public repositories, %d required", user.PublicRepos, g.minRepos), extra), nil
	}
	if g.now().Sub(user.CreatedAt) < g.minAccountAge {
		return denied(fmt.Sprintf("account is %d days old, %d required", ageDays, int(g.minAccountAge.Hours()/24)), extra), nil
	}

	fingerprint := fingerprintOf(identity)
	if g.requireProof {
		repo, sha, found, err := g.findProof(ctx, user.Login, wallet)
		if err != nil {
			return domain.VerificationResult{}, err
		}
		if !found {
			return denied(fmt.Sprintf("no %s with the wallet found in recently updated repositories", g.proofFile), extra), nil
		}
		extra["proof_repo"] = repo
		fingerprint = fingerprintOf(identity, repo, sha)
	}

	return domain.VerificationResult{
		Verified:         true,
		CanonicalID:      identity,
		Confidence:       min(1, 0.7+0.05*float64(user.PublicRepos)),
		Reason:           "all verification checks passed",
		ProofFingerprint: fingerprint,
		Extra:            extra,
	}, nil
}

func (g *GitHub) findProof(ctx context.Context, login string, wallet string) (repo string, sha string, found bool, err error) {
	var repos []githubRepo
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"sort": "updated", "per_page": fmt.Sprint(proofRepoLimit)}).
		SetResult(&repos).
		Get("/users/" + url.PathEscape(login) + "/repos")
	if err != nil {
		return "", "", false, unavailable(err)
	}
	if resp.IsError() {
		return "", "", false, fmt.Errorf("%w: github repos answered %d", domain.ErrVerifierUnavailable, resp.StatusCode())
	}

	for _, r := range repos {
		var content githubContent
		resp, err := g.client.R().
			SetContext(ctx).
			SetResult(&content).
			Get("/repos/" + url.PathEscape(login) + "/" + url.PathEscape(r.Name) + "/contents/" + url.PathEscape(g.proofFile))
		if err != nil {
			return "", "", false, unavailable(err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			continue
		}
		if resp.IsError() {
			return "", "", false, fmt.Errorf("%w: github contents answered %d", domain.ErrVerifierUnavailable, resp.StatusCode())
		}
		if proofMatches(content, wallet) {
			return r.Name, content.SHA, true, nil
		}
		logger.Debug("github verifier: proof file does not name the wallet", zap.String("login", login), zap.String("repo", r.Name))
	}
	return "", "", false, nil
}

func proofMatches(content githubContent, wallet string) bool {
	if content.Encoding != "base64" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return false
	}
	proven, err := blockchain.NormalizeAddress(string(raw))
	if err != nil {
		return false
	}
	expected, err := blockchain.NormalizeAddress(wallet)
	if err != nil {
		return false
	}
	return proven == expected
}

func fingerprintOf(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
