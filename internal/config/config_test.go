package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
wallet:
  private_key: "0xabc"
  chain_id: 137
  signature_type: 0
api:
  clob_base_url: "https://clob.polymarket.com"
strategy:
  gamma: 0.1
  order_size_usd: 50
risk:
  max_position_per_market: 500
  max_global_exposure: 5000
  max_markets_active: 10
inventory:
  gamma_max: 1.0
gateway:
  max_post_only_retries: 3
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndValidateValidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Wallet.ChainID != 137 {
		t.Errorf("ChainID = %d, want 137", cfg.Wallet.ChainID)
	}
}

func TestValidateRejectsMissingPrivateKey(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.Wallet.ChainID = 137
	cfg.API.CLOBBaseURL = "https://x"
	cfg.Strategy.Gamma = 0.1
	cfg.Strategy.OrderSizeUSD = 10
	cfg.Risk.MaxPositionPerMarket = 10
	cfg.Risk.MaxGlobalExposure = 100
	cfg.Risk.MaxMarketsActive = 1
	cfg.Inventory.GammaMax = 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing wallet.private_key")
	}
}

func TestValidateRequiresFunderAddressForProxySignatureTypes(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Wallet.ChainID = 137
	cfg.Wallet.SignatureType = 1
	cfg.API.CLOBBaseURL = "https://x"
	cfg.Strategy.Gamma = 0.1
	cfg.Strategy.OrderSizeUSD = 10
	cfg.Risk.MaxPositionPerMarket = 10
	cfg.Risk.MaxGlobalExposure = 100
	cfg.Risk.MaxMarketsActive = 1
	cfg.Inventory.GammaMax = 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for proxy signature type with no funder address")
	}

	cfg.Wallet.FunderAddress = "0xfeed"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with funder address set: %v", err)
	}
}

func TestValidateRejectsInvalidSignatureType(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Wallet.ChainID = 137
	cfg.Wallet.SignatureType = 99
	cfg.API.CLOBBaseURL = "https://x"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown signature_type")
	}
}

func TestValidateRequiresMinDepthWhenArbitrageEnabled(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Wallet.ChainID = 137
	cfg.API.CLOBBaseURL = "https://x"
	cfg.Strategy.Gamma = 0.1
	cfg.Strategy.OrderSizeUSD = 10
	cfg.Risk.MaxPositionPerMarket = 10
	cfg.Risk.MaxGlobalExposure = 100
	cfg.Risk.MaxMarketsActive = 1
	cfg.Inventory.GammaMax = 1
	cfg.Arbitrage.Enabled = true

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for arbitrage enabled with min_depth_usd unset")
	}

	cfg.Arbitrage.MinDepthUSD = 100
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with min_depth_usd set: %v", err)
	}
}

func TestSensitiveEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("TC_PRIVATE_KEY", "0xfromenv")
	t.Setenv("TC_DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xfromenv" {
		t.Errorf("PrivateKey = %q, want env override", cfg.Wallet.PrivateKey)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true from TC_DRY_RUN=true")
	}
}

func TestWatcherReloadAcceptsNonStructuralChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWatcher(path, initial)

	changed := validYAML + "\n" // same structural fields, valid as-is
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	reloaded, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if w.Current() != reloaded {
		t.Error("Current() should return the just-reloaded config")
	}
}

func TestWatcherReloadRejectsStructuralChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWatcher(path, initial)

	withDifferentURL := strings.Replace(validYAML, "https://clob.polymarket.com", "https://different.example", 1)
	if err := os.WriteFile(path, []byte(withDifferentURL), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if _, err := w.Reload(); err == nil {
		t.Fatal("expected Reload to reject a structural field change")
	}
	if w.Current() != initial {
		t.Error("Current() should remain the original config after a rejected reload")
	}
}

func TestWatcherSubscribeReceivesReloadedConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, validYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWatcher(path, initial)
	sub := w.Subscribe()

	if _, err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	select {
	case got := <-sub:
		if got == nil {
			t.Fatal("received nil config on subscription channel")
		}
	default:
		t.Fatal("expected a config on the subscription channel after Reload")
	}
}

func TestVenuePresetKnownAndUnknownNames(t *testing.T) {
	t.Parallel()
	if _, ok := VenuePreset("polymarket"); !ok {
		t.Error("expected a known preset for \"polymarket\"")
	}
	if _, ok := VenuePreset("nonexistent-venue"); ok {
		t.Error("expected no preset for an unknown venue name")
	}
}
