package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "testnet", cfg.Chain.Network)
	assert.Equal(t, uint8(3), cfg.Chain.MessageMode)
	assert.Equal(t, 24*time.Hour, cfg.Policy.CooldownWindow)
	assert.Equal(t, CooldownOnSubmission, cfg.Policy.CooldownOn)
	assert.Equal(t, 10*time.Minute, cfg.Tracker.ConfirmationTimeout)
}

func TestLoadFromEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DB_DRIVER=postgres\nCOOLDOWN_WINDOW=1h\nPAYOUT_AMOUNT=2.5\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DB_DRIVER")
		os.Unsetenv("COOLDOWN_WINDOW")
		os.Unsetenv("PAYOUT_AMOUNT")
	})

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Policy.CooldownWindow)

	nano, err := cfg.Policy.AmountNano()
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), nano)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("VERIFIER_KIND", "remote")
	t.Setenv("TRACKER_POLL_INTERVAL", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRACKER_POLL_INTERVAL")

	t.Setenv("TRACKER_POLL_INTERVAL", "1s")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VERIFIER_URL")
}

func TestPolicyAmountNano(t *testing.T) {
	cases := []struct {
		amount  string
		want    uint64
		wantErr bool
	}{
		{amount: "0.3", want: 300_000_000},
		{amount: "1", want: 1_000_000_000},
		{amount: "0.000000001", want: 1},
		{amount: "0.0000000001", wantErr: true},
		{amount: "0", wantErr: true},
		{amount: "-1", wantErr: true},
		{amount: "lots", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			got, err := Policy{PayoutAmount: tc.amount}.AmountNano()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPolicyLoaderOverlaysFileAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cooldown_window: 2h\n"), 0o600))

	loader, err := NewPolicyLoader(path, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, loader.Policy().CooldownWindow)
	assert.Equal(t, "0.3", loader.Policy().PayoutAmount)

	var seen []Policy
	loader.OnChange(func(p Policy) { seen = append(seen, p) })

	require.NoError(t, os.WriteFile(path, []byte("cooldown_window: 30m\ncooldown_on: confirmation\n"), 0o600))
	p, err := loader.Reload()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.CooldownWindow)
	assert.Equal(t, CooldownOnConfirmation, loader.Policy().CooldownOn)
	require.Len(t, seen, 1)

	require.NoError(t, os.WriteFile(path, []byte("cooldown_on: never\n"), 0o600))
	_, err = loader.Reload()
	require.Error(t, err)
	assert.Equal(t, CooldownOnConfirmation, loader.Policy().CooldownOn, "invalid edit keeps the previous policy")
}
