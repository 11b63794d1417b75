// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TC_* environment variables. A running
// process can reload non-structural fields (thresholds, limits, intervals)
// via Reload without restarting; structural fields (wallet, API base URLs)
// are rejected by Reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"tradingcore/internal/errs"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	Blacklist  BlacklistConfig  `mapstructure:"blacklist"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Arbitrage  ArbitrageConfig  `mapstructure:"arbitrage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// StrategyConfig tunes the Avellaneda-Stoikov market-making algorithm.
//
//   - Gamma: base risk aversion parameter. Higher = wider spread, less inventory risk.
//     The live value is scaled dynamically by realized volatility (see InventoryConfig).
//   - Sigma: estimated price volatility (annualized std dev), used as a fallback
//     before enough fills have accumulated to estimate realized volatility.
//   - K:     order arrival rate. Higher K = more aggressive quotes.
//   - T:     time horizon in years (e.g. 1.0 = 1 year).
//   - DefaultSpreadBps: minimum spread floor in basis points.
//   - OrderSizeUSD: target notional size per order.
//   - RefreshInterval: how often to recompute and reconcile quotes.
//   - StaleBookTimeout: cancel all orders if no book update within this window.
//   - OrderTTL: cancel-and-requote any resting order older than this.
//   - SkewHysteresisPct: minimum change in inventory skew required before requoting.
//   - BoundaryBps: distance from the 0/1 price boundary at which spreads widen.
//   - BoundaryWidenFactor: multiplier applied to spread within BoundaryBps of the boundary.
//
// Toxic flow detection:
//   - PredictiveGuardEnabled/ReactiveGuardEnabled: independently toggle each guard.
//   - PredictiveGuardThresholdPct: |microprice-mid|/mid above this pulls quotes.
//   - ReactiveFillThreshold/ReactiveWindow: N fills within this window...
//   - ReactiveOBIThreshold: ...combined with |OBI| above this trips the reactive breaker.
//   - ReactiveSilentWindow: duration quoting stays fully halted after a reactive trip.
//   - FlowWindow/FlowToxicityThreshold/FlowCooldownPeriod/FlowMaxSpreadMultiplier: legacy
//     spread-widening toxicity score, kept as a secondary signal feeding MarkoutWidenFactor.
//
// Adverse-selection markout self-tune:
//   - MarkoutWindow: delay after a fill before marking it out against the then-current mid.
//   - MarkoutSampleSize: rolling window of fills used to compute mean markout.
//   - MarkoutNegativeStreakThreshold: consecutive negative-mean-markout windows before widening.
//   - MarkoutWidenFactor: multiplier applied per triggered streak.
//   - MarkoutMaxWiden: cap on cumulative widen factor.
//   - MarkoutResetStreak: consecutive positive windows required to reset to 1x.
//
// Volatility detector:
//   - VolShortSamples/VolLongSamples: short vs. long trailing sample windows.
//   - VolZScoreClamp: clamp volatility-driven adjustments to +/- this many std devs.
type StrategyConfig struct {
	Gamma            float64       `mapstructure:"gamma"`
	Sigma            float64       `mapstructure:"sigma"`
	K                float64       `mapstructure:"k"`
	T                float64       `mapstructure:"t"`
	DefaultSpreadBps int           `mapstructure:"default_spread_bps"`
	OrderSizeUSD     float64       `mapstructure:"order_size_usd"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	StaleBookTimeout time.Duration `mapstructure:"stale_book_timeout"`
	OrderTTL         time.Duration `mapstructure:"order_ttl"`

	SkewHysteresisPct   float64 `mapstructure:"skew_hysteresis_pct"`
	BoundaryBps         float64 `mapstructure:"boundary_bps"`
	BoundaryWidenFactor float64 `mapstructure:"boundary_widen_factor"`

	PredictiveGuardEnabled      bool          `mapstructure:"predictive_guard_enabled"`
	PredictiveGuardThresholdPct float64       `mapstructure:"predictive_guard_threshold_pct"`
	ReactiveGuardEnabled        bool          `mapstructure:"reactive_guard_enabled"`
	ReactiveFillThreshold       int           `mapstructure:"reactive_fill_threshold"`
	ReactiveWindow              time.Duration `mapstructure:"reactive_window"`
	ReactiveOBIThreshold        float64       `mapstructure:"reactive_obi_threshold"`
	ReactiveSilentWindow        time.Duration `mapstructure:"reactive_silent_window"`

	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`

	MarkoutWindow                  time.Duration `mapstructure:"markout_window"`
	MarkoutSampleSize              int           `mapstructure:"markout_sample_size"`
	MarkoutNegativeStreakThreshold int           `mapstructure:"markout_negative_streak_threshold"`
	MarkoutWidenFactor             float64       `mapstructure:"markout_widen_factor"`
	MarkoutMaxWiden                float64       `mapstructure:"markout_max_widen"`
	MarkoutResetStreak             int           `mapstructure:"markout_reset_streak"`

	VolShortSamples int     `mapstructure:"vol_short_samples"`
	VolLongSamples  int     `mapstructure:"vol_long_samples"`
	VolZScoreClamp  float64 `mapstructure:"vol_zscore_clamp"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
type RiskConfig struct {
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxMarketsActive     int           `mapstructure:"max_markets_active"`
	KillSwitchDropPct    float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec  int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// DiscoveryConfig controls how the bot discovers and filters tradeable
// markets and events. The market scanner polls Gamma /markets and ranks by
// score = spread * sqrt(volume24h) * min(liquidity/10000, 1). The event
// scanner polls Gamma /events for the arbitrage path and keeps only events
// with 3+ outcomes.
type DiscoveryConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MinLiquidity   float64       `mapstructure:"min_liquidity"`
	MinVolume24h   float64       `mapstructure:"min_volume_24h"`
	MinSpread      float64       `mapstructure:"min_spread"`
	MaxEndDateDays int           `mapstructure:"max_end_date_days"`

	ExcludeSlugs        []string `mapstructure:"exclude_slugs"`
	IncludeConditionIDs []string `mapstructure:"include_condition_ids"`
	IncludeSlugs        []string `mapstructure:"include_slugs"`
	IncludeKeywords     []string `mapstructure:"include_keywords"`
	ExcludeKeywords     []string `mapstructure:"exclude_keywords"`

	// Small-account fallback: when portfolio equity is below this, the
	// dynamic liquidity threshold in the eligibility funnel relaxes by
	// SmallAccountRelaxFactor instead of rejecting every market outright.
	SmallAccountEquityUSD    float64 `mapstructure:"small_account_equity_usd"`
	SmallAccountRelaxFactor  float64 `mapstructure:"small_account_relax_factor"`
	MinVolumeLiquidityRatio  float64 `mapstructure:"min_volume_liquidity_ratio"`

	EventsPollInterval time.Duration `mapstructure:"events_poll_interval"`
	MinOutcomes        int           `mapstructure:"min_outcomes"`
}

// RateLimitConfig configures the per-endpoint-class token buckets. The
// Order/Cancel buckets use the fractional-token bucket; the Read bucket
// uses golang.org/x/time/rate. Presets below mirror venue-side ceilings;
// the configured rate must stay under them.
type RateLimitConfig struct {
	OrderRatePerSec  float64 `mapstructure:"order_rate_per_sec"`
	OrderBurst       float64 `mapstructure:"order_burst"`
	CancelRatePerSec float64 `mapstructure:"cancel_rate_per_sec"`
	CancelBurst      float64 `mapstructure:"cancel_burst"`
	ReadRatePerSec   float64 `mapstructure:"read_rate_per_sec"`
	ReadBurst        int     `mapstructure:"read_burst"`
}

// VenuePreset returns the named rate-limit preset (spec.md §6 venue ceilings).
func VenuePreset(name string) (RateLimitConfig, bool) {
	switch name {
	case "polymarket":
		return RateLimitConfig{
			OrderRatePerSec:  25,
			OrderBurst:       100,
			CancelRatePerSec: 25,
			CancelBurst:      100,
			ReadRatePerSec:   30,
			ReadBurst:        50,
		}, true
	default:
		return RateLimitConfig{}, false
	}
}

// InventoryConfig tunes the Inventory Manager's dynamic risk aversion.
//
//   - GammaMax: hard cap on the volatility-scaled risk-aversion parameter.
//   - ShortWindow/LongWindow: trailing windows used to compute realized
//     volatility (short reacts fast, long is the baseline sigma comparator).
type InventoryConfig struct {
	GammaMax    float64       `mapstructure:"gamma_max"`
	ShortWindow time.Duration `mapstructure:"short_window"`
	LongWindow  time.Duration `mapstructure:"long_window"`
}

// BlacklistConfig tunes the Market Blacklist Manager's 3-layer filter.
type BlacklistConfig struct {
	Keywords           []string      `mapstructure:"keywords"`
	SettlementHorizon  time.Duration `mapstructure:"settlement_horizon"`
	ManualBlacklistIDs []string      `mapstructure:"manual_blacklist_ids"`
}

// GatewayConfig tunes the Execution Gateway's validations and retry policy.
type GatewayConfig struct {
	MaxPriceGuardPct       float64       `mapstructure:"max_price_guard_pct"`
	MaxSlippagePct         float64       `mapstructure:"max_slippage_pct"`
	MaxDailyVolumeUSD      float64       `mapstructure:"max_daily_volume_usd"`
	MaxPostOnlyRetries     int           `mapstructure:"max_post_only_retries"`
	InventoryDefenseTTL    time.Duration `mapstructure:"inventory_defense_ttl"`
	StatusProbeTimeout     time.Duration `mapstructure:"status_probe_timeout"`
}

// ArbitrageConfig tunes the Arbitrage Scanner and Atomic Basket Executor.
type ArbitrageConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	ScanDebounce           time.Duration `mapstructure:"scan_debounce"`
	MinProfitPct           float64       `mapstructure:"min_profit_pct"`
	TakerFeeBps            int           `mapstructure:"taker_fee_bps"`
	MinDepthUSD            float64       `mapstructure:"min_depth_usd"`
	MaxSlippagePerLegUSD   float64       `mapstructure:"max_slippage_per_leg_usd"`
	ArbBudgetUSD           float64       `mapstructure:"arb_budget_usd"`
	OrderCheckInterval     time.Duration `mapstructure:"order_check_interval"`
	OrderTimeout           time.Duration `mapstructure:"order_timeout"`
	CooldownAfterAttempt   time.Duration `mapstructure:"cooldown_after_attempt"`
	MaxConsecutiveAborts   int           `mapstructure:"max_consecutive_aborts"`
	CircuitBreakerPause    time.Duration `mapstructure:"circuit_breaker_pause"`
	NettingBonusPerSharePct float64      `mapstructure:"netting_bonus_per_share_pct"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only HTTP status endpoint.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TC_PRIVATE_KEY, TC_API_KEY, TC_API_SECRET, TC_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, &errs.ConfigError{Reason: fmt.Sprintf("read config: %v", err)}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errs.ConfigError{Reason: fmt.Sprintf("unmarshal config: %v", err)}
	}

	applySensitiveEnvOverrides(&cfg)

	return &cfg, nil
}

func applySensitiveEnvOverrides(cfg *Config) {
	if key := os.Getenv("TC_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("TC_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("TC_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("TC_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("TC_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}
}

// Validate checks the required fields and the ranges of the knobs listed
// below; other numeric knobs are not range-checked.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return &errs.ConfigError{Reason: "wallet.private_key is required (set TC_PRIVATE_KEY)"}
	}
	if c.Wallet.ChainID == 0 {
		return &errs.ConfigError{Reason: "wallet.chain_id is required (137 for mainnet)"}
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return &errs.ConfigError{Reason: "wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)"}
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return &errs.ConfigError{Reason: "wallet.funder_address is required when wallet.signature_type is 1 or 2"}
	}
	if c.API.CLOBBaseURL == "" {
		return &errs.ConfigError{Reason: "api.clob_base_url is required"}
	}
	if c.Strategy.Gamma <= 0 {
		return &errs.ConfigError{Reason: "strategy.gamma must be > 0"}
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return &errs.ConfigError{Reason: "strategy.order_size_usd must be > 0"}
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return &errs.ConfigError{Reason: "risk.max_position_per_market must be > 0"}
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return &errs.ConfigError{Reason: "risk.max_global_exposure must be > 0"}
	}
	if c.Risk.MaxMarketsActive <= 0 {
		return &errs.ConfigError{Reason: "risk.max_markets_active must be > 0"}
	}
	if c.Inventory.GammaMax <= 0 {
		return &errs.ConfigError{Reason: "inventory.gamma_max must be > 0"}
	}
	if c.Gateway.MaxPostOnlyRetries < 0 {
		return &errs.ConfigError{Reason: "gateway.max_post_only_retries must be >= 0"}
	}
	if c.Arbitrage.Enabled && c.Arbitrage.MinDepthUSD <= 0 {
		return &errs.ConfigError{Reason: "arbitrage.min_depth_usd must be > 0 when arbitrage is enabled"}
	}
	return nil
}

// structuralFieldsEqual reports whether the fields Reload refuses to change
// are unchanged between the running config and a freshly loaded one.
func structuralFieldsEqual(a, b *Config) bool {
	return a.Wallet == b.Wallet &&
		a.API.CLOBBaseURL == b.API.CLOBBaseURL &&
		a.API.GammaBaseURL == b.API.GammaBaseURL &&
		a.API.WSMarketURL == b.API.WSMarketURL &&
		a.API.WSUserURL == b.API.WSUserURL &&
		a.DryRun == b.DryRun
}

// Watcher re-reads config on demand and broadcasts updates to subscribers.
// Only non-structural fields (thresholds, limits, intervals) may change
// across a Reload; a structural diff is rejected with a ConfigError and the
// running config is left untouched.
type Watcher struct {
	mu      sync.RWMutex
	path    string
	current *Config
	subs    []chan *Config
}

// NewWatcher wraps an already-loaded, already-validated config for hot reload.
func NewWatcher(path string, initial *Config) *Watcher {
	return &Watcher{path: path, current: initial}
}

// Current returns the currently active config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel that receives the new config after every
// successful Reload. The channel is buffered; callers should drain it
// promptly.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subs = append(w.subs, ch)
	return ch
}

// Reload re-reads the config file, validates it, and rejects it if any
// structural field differs from the currently running config. On success
// it becomes the active config and is broadcast to all subscribers.
func (w *Watcher) Reload() (*Config, error) {
	next, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !structuralFieldsEqual(w.current, next) {
		return nil, &errs.ConfigError{Reason: "reload rejected: structural fields (wallet, API base URLs, dry_run) cannot change without a restart"}
	}

	w.current = next
	for _, ch := range w.subs {
		select {
		case ch <- next:
		default:
		}
	}
	return next, nil
}
