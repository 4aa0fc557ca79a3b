package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"faucet/internal/logger"

	"github.com/joho/godotenv"
)

// Config aggregates process configuration. Everything except Policy is read
// once at start-up; Policy may be hot-reloaded from POLICY_FILE.
type Config struct {
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Logging    logger.Configuration
	Chain      ChainConfig
	Verifier   VerifierConfig
	Tracker    TrackerConfig
	Policy     Policy
	PolicyFile string
	AdminToken string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver string // sqlite|postgres
	DSN    string
}

type ChainConfig struct {
	Network          string // testnet|mainnet
	TreasuryMnemonic string
	WalletVersion    string
	TonAPIURL        string
	TonAPIToken      string
	SeqnoWait        time.Duration
	Bounce           bool
	MessageMode      uint8
}

type VerifierConfig struct {
	Kind          string // github|remote
	URL           string
	Timeout       time.Duration
	GitHubAPIURL  string
	GitHubToken   string
	MinRepos      int
	MinAccountAge time.Duration
	ProofFile     string
	RequireProof  bool
}

type TrackerConfig struct {
	PollInterval        time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	ConfirmationTimeout time.Duration
	Concurrency         int
	BatchSize           int
}

const (
	defaultHTTPAddr      = ":8090"
	defaultDBDriver      = "sqlite"
	defaultDBDSN         = "faucet.db"
	defaultNetwork       = "testnet"
	defaultWalletVersion = "V4R2"
	defaultVerifierKind  = "github"
	defaultGitHubAPI     = "https://api.github.com"
	defaultProofFile     = "ton.address"
)

// Load reads .env (when present) and the environment, applying defaults.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr: valueOrDefault("HTTP_ADDR", defaultHTTPAddr),
		},
		Database: DatabaseConfig{
			Driver: valueOrDefault("DB_DRIVER", defaultDBDriver),
			DSN:    valueOrDefault("DB_DSN", defaultDBDSN),
		},
		Logging: logger.Configuration{
			Service:   valueOrDefault("SERVICE_NAME", "faucet"),
			Network:   valueOrDefault("TON_NETWORK", defaultNetwork),
			LogFile:   os.Getenv("LOG_FILE"),
			ErrorFile: os.Getenv("LOG_ERROR_FILE"),
			Level:     valueOrDefault("LOG_LEVEL", "info"),
			Console:   parseBoolWithDefault("LOG_CONSOLE", true),
		},
		Chain: ChainConfig{
			Network:          valueOrDefault("TON_NETWORK", defaultNetwork),
			TreasuryMnemonic: os.Getenv("TREASURY_MNEMONIC"),
			WalletVersion:    valueOrDefault("TREASURY_WALLET_VERSION", defaultWalletVersion),
			TonAPIURL:        os.Getenv("TONAPI_URL"),
			TonAPIToken:      os.Getenv("TONAPI_TOKEN"),
			Bounce:           parseBoolWithDefault("PAYOUT_BOUNCE", false),
		},
		Verifier: VerifierConfig{
			Kind:         valueOrDefault("VERIFIER_KIND", defaultVerifierKind),
			URL:          os.Getenv("VERIFIER_URL"),
			GitHubAPIURL: valueOrDefault("GITHUB_API_URL", defaultGitHubAPI),
			GitHubToken:  os.Getenv("GITHUB_TOKEN"),
			MinRepos:     parseIntWithDefault("GITHUB_MIN_REPOS", 1),
			ProofFile:    valueOrDefault("GITHUB_PROOF_FILE", defaultProofFile),
			RequireProof: parseBoolWithDefault("GITHUB_REQUIRE_PROOF", false),
		},
		Tracker: TrackerConfig{
			Concurrency: parseIntWithDefault("TRACKER_CONCURRENCY", 8),
			BatchSize:   parseIntWithDefault("TRACKER_BATCH_SIZE", 50),
		},
		PolicyFile: os.Getenv("POLICY_FILE"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),
	}

	mode, err := strconv.ParseUint(valueOrDefault("PAYOUT_MESSAGE_MODE", "3"), 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid PAYOUT_MESSAGE_MODE: %w", err)
	}
	cfg.Chain.MessageMode = uint8(mode)

	durations := []struct {
		key      string
		fallback time.Duration
		target   *time.Duration
	}{
		{"HTTP_READ_TIMEOUT", 10 * time.Second, &cfg.HTTP.ReadTimeout},
		{"HTTP_WRITE_TIMEOUT", 30 * time.Second, &cfg.HTTP.WriteTimeout},
		{"HTTP_IDLE_TIMEOUT", 60 * time.Second, &cfg.HTTP.IdleTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", 15 * time.Second, &cfg.HTTP.ShutdownTimeout},
		{"SEQNO_WAIT", 45 * time.Second, &cfg.Chain.SeqnoWait},
		{"VERIFIER_TIMEOUT", 10 * time.Second, &cfg.Verifier.Timeout},
		{"GITHUB_MIN_ACCOUNT_AGE", 30 * 24 * time.Hour, &cfg.Verifier.MinAccountAge},
		{"TRACKER_POLL_INTERVAL", 5 * time.Second, &cfg.Tracker.PollInterval},
		{"TRACKER_BACKOFF_BASE", 5 * time.Second, &cfg.Tracker.BackoffBase},
		{"TRACKER_BACKOFF_MAX", 2 * time.Minute, &cfg.Tracker.BackoffMax},
		{"CONFIRMATION_TIMEOUT", 10 * time.Minute, &cfg.Tracker.ConfirmationTimeout},
	}
	for _, d := range durations {
		v, err := parseDurationWithDefault(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.target = v
	}

	policy, err := policyFromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER %q is not supported", c.Database.Driver))
	}
	switch c.Chain.Network {
	case "testnet", "mainnet":
	default:
		errs = append(errs, fmt.Sprintf("TON_NETWORK %q is not supported", c.Chain.Network))
	}
	switch c.Verifier.Kind {
	case "github":
	case "remote":
		if c.Verifier.URL == "" {
			errs = append(errs, "VERIFIER_URL is required for the remote verifier")
		}
	default:
		errs = append(errs, fmt.Sprintf("VERIFIER_KIND %q is not supported", c.Verifier.Kind))
	}
	if c.Tracker.Concurrency <= 0 {
		errs = append(errs, "TRACKER_CONCURRENCY must be positive")
	}
	if c.Tracker.BackoffBase <= 0 || c.Tracker.BackoffMax < c.Tracker.BackoffBase {
		errs = append(errs, "TRACKER_BACKOFF_MAX must be >= TRACKER_BACKOFF_BASE > 0")
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDurationWithDefault(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
