package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"faucet/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	CooldownOnSubmission   = "submission"
	CooldownOnConfirmation = "confirmation"
)

// nanotons per TON
const tonDecimals = 9

// Policy holds the knobs operators may change without a restart.
type Policy struct {
	CooldownWindow           time.Duration `yaml:"cooldown_window"`
	PayoutAmount             string        `yaml:"payout_amount"`
	MinConfidence            float64       `yaml:"min_confidence"`
	CooldownOn               string        `yaml:"cooldown_on"`
	RestoreCooldownOnFailure bool          `yaml:"restore_cooldown_on_failure"`
}

// PolicySource hands out the current policy snapshot.
type PolicySource interface {
	Policy() Policy
}

type StaticPolicy Policy

func (p StaticPolicy) Policy() Policy { return Policy(p) }

func DefaultPolicy() Policy {
	return Policy{
		CooldownWindow: 24 * time.Hour,
		PayoutAmount:   "0.3",
		CooldownOn:     CooldownOnSubmission,
	}
}

// AmountNano converts the decimal TON amount to nanotons.
func (p Policy) AmountNano() (uint64, error) {
	amount, err := decimal.NewFromString(p.PayoutAmount)
	if err != nil {
		return 0, fmt.Errorf("payout_amount %q: %w", p.PayoutAmount, err)
	}
	nano := amount.Shift(tonDecimals)
	if !nano.IsInteger() {
		return 0, fmt.Errorf("payout_amount %q has more than %d decimals", p.PayoutAmount, tonDecimals)
	}
	if !nano.IsPositive() {
		return 0, fmt.Errorf("payout_amount %q must be positive", p.PayoutAmount)
	}
	return uint64(nano.IntPart()), nil
}

func (p Policy) Validate() error {
	if p.CooldownWindow < 0 {
		return fmt.Errorf("cooldown_window must not be negative")
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within [0, 1]")
	}
	switch p.CooldownOn {
	case CooldownOnSubmission, CooldownOnConfirmation:
	default:
		return fmt.Errorf("cooldown_on %q must be %q or %q", p.CooldownOn, CooldownOnSubmission, CooldownOnConfirmation)
	}
	if _, err := p.AmountNano(); err != nil {
		return err
	}
	return nil
}

func policyFromEnv() (Policy, error) {
	policy := DefaultPolicy()
	window, err := parseDurationWithDefault("COOLDOWN_WINDOW", policy.CooldownWindow)
	if err != nil {
		return Policy{}, err
	}
	policy.CooldownWindow = window
	policy.PayoutAmount = valueOrDefault("PAYOUT_AMOUNT", policy.PayoutAmount)
	policy.CooldownOn = valueOrDefault("COOLDOWN_ON", policy.CooldownOn)
	policy.RestoreCooldownOnFailure = parseBoolWithDefault("RESTORE_COOLDOWN_ON_FAILURE", false)
	if v := os.Getenv("MIN_CONFIDENCE"); v != "" {
		confidence, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid MIN_CONFIDENCE: %w", err)
		}
		policy.MinConfidence = confidence
	}
	return policy, nil
}

// PolicyLoader reads a YAML policy file layered over base values and
// watches it for changes. Invalid edits are logged and ignored.
type PolicyLoader struct {
	path     string
	base     Policy
	mu       sync.RWMutex
	current  Policy
	onChange []func(Policy)
}

func NewPolicyLoader(path string, base Policy) (*PolicyLoader, error) {
	l := &PolicyLoader{path: path, base: base}
	policy, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = policy
	return l, nil
}

func (l *PolicyLoader) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *PolicyLoader) OnChange(fn func(Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the policy on file changes until stop is called.
func (l *PolicyLoader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						logger.Warn("policy: hot-reload skipped", zap.String("path", l.path), zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("policy: watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the policy file.
func (l *PolicyLoader) Reload() (Policy, error) {
	policy, err := l.load()
	if err != nil {
		return Policy{}, err
	}
	l.mu.Lock()
	l.current = policy
	callbacks := make([]func(Policy), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	logger.Info("policy: reloaded",
		zap.Duration("cooldown window", policy.CooldownWindow),
		zap.String("payout amount", policy.PayoutAmount),
		zap.String("cooldown on", policy.CooldownOn),
	)
	for _, fn := range callbacks {
		fn(policy)
	}
	return policy, nil
}

func (l *PolicyLoader) load() (Policy, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", l.path, err)
	}
	policy := l.base
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", l.path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", l.path, err)
	}
	return policy, nil
}
