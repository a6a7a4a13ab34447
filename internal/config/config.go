// Package config provides configuration management for nftgate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/agnivade/levenshtein"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"nftgate/internal/batch"
	"nftgate/internal/budget"
	"nftgate/internal/cache"
	"nftgate/internal/domain"
	"nftgate/internal/orchestrator"
	"nftgate/internal/quota"
)

// DefaultPath is the config file read when no path is given
const DefaultPath = "nftgate.toml"

// Config is the root configuration structure
type Config struct {
	Storage      StorageConfig             `toml:"storage"`
	Logging      LoggingConfig             `toml:"logging"`
	Metrics      MetricsConfig             `toml:"metrics"`
	Orchestrator OrchestratorConfig        `toml:"orchestrator"`
	Budget       BudgetConfig              `toml:"budget"`
	Cache        CacheConfig               `toml:"cache"`
	Batch        BatchConfig               `toml:"batch"`
	Quota        QuotaConfig               `toml:"quota"`
	RateLimit    RateLimitConfig           `toml:"ratelimit"`
	Providers    map[string]ProviderConfig `toml:"providers"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Path string `toml:"path"` // SQLite file; empty disables persistence
}

// LoggingConfig contains slog handler settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// OrchestratorConfig contains failover settings
type OrchestratorConfig struct {
	Active                string        `toml:"active"`
	FailoverOrder         []string      `toml:"failover_order"`
	CooldownPeriod        time.Duration `toml:"cooldown_period"`
	MaxFailoverAttempts   int           `toml:"max_failover_attempts"`
	MaxRetriesPerProvider int           `toml:"max_retries_per_provider"`
	MaxRetryDelay         time.Duration `toml:"max_retry_delay"`
}

// BudgetConfig contains spend limits in USD
type BudgetConfig struct {
	GlobalMonthly    float64                         `toml:"global_monthly"`
	WarningThreshold float64                         `toml:"warning_threshold"` // percent
	Providers        map[string]ProviderBudgetConfig `toml:"providers"`
}

// ProviderBudgetConfig is a per-provider limit; zero means unlimited
type ProviderBudgetConfig struct {
	Daily   float64 `toml:"daily"`
	Monthly float64 `toml:"monthly"`
}

// CacheConfig contains result cache settings
type CacheConfig struct {
	MaxSizeMB    int64         `toml:"max_size_mb"`
	MaxAge       time.Duration `toml:"max_age"`
	CleanupEvery time.Duration `toml:"cleanup_every"`
}

// BatchConfig contains batch executor settings
type BatchConfig struct {
	MaxConcurrency int           `toml:"max_concurrency"`
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// QuotaConfig contains quota tracker settings
type QuotaConfig struct {
	UpdateInterval time.Duration `toml:"update_interval"`
	WarningRatio   float64       `toml:"warning_ratio"`
	BlockingRatio  float64       `toml:"blocking_ratio"`
}

// RateLimitConfig contains limiter queue settings shared by all providers
type RateLimitConfig struct {
	MaxQueue     int           `toml:"max_queue"`
	QueueTimeout time.Duration `toml:"queue_timeout"`
}

// ProviderConfig contains provider-specific settings
type ProviderConfig struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	Region  string `toml:"region"`
	Size    string `toml:"size"`

	// Bedrock IAM credentials; empty falls back to the default AWS chain
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`

	CostPerUnit      float64       `toml:"cost_per_unit"`
	MonthlyAllowance int64         `toml:"monthly_allowance"` // images per month, 0 = unknown
	Capacity         int           `toml:"capacity"`
	RefillRate       int           `toml:"refill_rate"`
	RefillInterval   time.Duration `toml:"refill_interval"`
	Timeout          time.Duration `toml:"timeout"`
}

// Cost returns the configured cost per generation
func (p ProviderConfig) Cost() decimal.Decimal {
	return decimal.NewFromFloat(p.CostPerUnit)
}

// RateLimitSpec returns the token bucket parameters
func (p ProviderConfig) RateLimitSpec() domain.RateLimitSpec {
	return domain.RateLimitSpec{
		Capacity:   p.Capacity,
		RefillRate: p.RefillRate,
		Interval:   p.RefillInterval,
	}
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: defaultDatabasePath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Orchestrator: OrchestratorConfig{
			Active:                string(domain.ProviderOpenAI),
			CooldownPeriod:        5 * time.Minute,
			MaxRetriesPerProvider: 0,
			MaxRetryDelay:         5 * time.Second,
		},
		Budget: BudgetConfig{
			GlobalMonthly:    100,
			WarningThreshold: budget.DefaultWarningThreshold,
			Providers: map[string]ProviderBudgetConfig{
				"openai":    {Daily: 10, Monthly: 50},
				"gemini":    {Daily: 10, Monthly: 50},
				"bedrock":   {Daily: 5, Monthly: 25},
				"stability": {Daily: 5, Monthly: 25},
			},
		},
		Cache: CacheConfig{
			MaxSizeMB:    cache.DefaultMaxSize >> 20,
			MaxAge:       cache.DefaultMaxAge,
			CleanupEvery: cache.DefaultCleanupEvery,
		},
		Batch: BatchConfig{
			MaxConcurrency: batch.DefaultMaxConcurrency,
			RequestTimeout: batch.DefaultRequestTimeout,
		},
		Quota: QuotaConfig{
			UpdateInterval: 5 * time.Minute,
			WarningRatio:   0.80,
			BlockingRatio:  0.95,
		},
		RateLimit: RateLimitConfig{
			MaxQueue:     50,
			QueueTimeout: 5 * time.Minute,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:          true,
				APIKey:           "${OPENAI_API_KEY}",
				Model:            "dall-e-3",
				Size:             "1024x1024",
				CostPerUnit:      0.04,
				MonthlyAllowance: 1000,
				Capacity:         5,
				RefillRate:       5,
				RefillInterval:   time.Minute,
			},
			"gemini": {
				Enabled:        true,
				APIKey:         "${GEMINI_API_KEY}",
				Model:          "imagen-3.0-generate-002",
				CostPerUnit:    0.03,
				Capacity:       10,
				RefillRate:     10,
				RefillInterval: time.Minute,
			},
			"bedrock": {
				Enabled:         true,
				Region:          "us-east-1",
				Model:           "amazon.titan-image-generator-v2:0",
				AccessKeyID:     "${AWS_ACCESS_KEY_ID}",
				SecretAccessKey: "${AWS_SECRET_ACCESS_KEY}",
				CostPerUnit:     0.01,
				Capacity:        5,
				RefillRate:      5,
				RefillInterval:  time.Minute,
			},
			"stability": {
				Enabled:        true,
				APIKey:         "${STABILITY_API_KEY}",
				BaseURL:        "https://api.stability.ai",
				Model:          "core",
				CostPerUnit:    0.03,
				Capacity:       150,
				RefillRate:     150,
				RefillInterval: 10 * time.Second,
			},
			"local": {
				Enabled: true,
				Size:    "512x512",
			},
		},
	}
}

// Load loads configuration from a file. .env files are read first so
// ${VAR} references in the file resolve against them.
func Load(path string) (*Config, error) {
	loadDotEnv()

	if path == "" {
		path = DefaultPath
	}

	// Start with defaults
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		// If file doesn't exist, return defaults
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else {
		cfg.mergeDefaults(md)
	}

	cfg.substituteEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeDefaults fills keys a file table left unset. The decoder replaces
// whole map values, so a [providers.openai] table with only api_key would
// otherwise zero the default cost and rate limit.
func (c *Config) mergeDefaults(md toml.MetaData) {
	def := Default()
	for name, p := range c.Providers {
		d, ok := def.Providers[name]
		if !ok {
			continue
		}
		set := func(key string) bool { return md.IsDefined("providers", name, key) }
		if !set("enabled") {
			p.Enabled = d.Enabled
		}
		if !set("api_key") {
			p.APIKey = d.APIKey
		}
		if !set("base_url") {
			p.BaseURL = d.BaseURL
		}
		if !set("model") {
			p.Model = d.Model
		}
		if !set("region") {
			p.Region = d.Region
		}
		if !set("size") {
			p.Size = d.Size
		}
		if !set("access_key_id") {
			p.AccessKeyID = d.AccessKeyID
		}
		if !set("secret_access_key") {
			p.SecretAccessKey = d.SecretAccessKey
		}
		if !set("cost_per_unit") {
			p.CostPerUnit = d.CostPerUnit
		}
		if !set("monthly_allowance") {
			p.MonthlyAllowance = d.MonthlyAllowance
		}
		if !set("capacity") {
			p.Capacity = d.Capacity
		}
		if !set("refill_rate") {
			p.RefillRate = d.RefillRate
		}
		if !set("refill_interval") {
			p.RefillInterval = d.RefillInterval
		}
		if !set("timeout") {
			p.Timeout = d.Timeout
		}
		c.Providers[name] = p
	}
	for name, b := range c.Budget.Providers {
		d, ok := def.Budget.Providers[name]
		if !ok {
			continue
		}
		if !md.IsDefined("budget", "providers", name, "daily") {
			b.Daily = d.Daily
		}
		if !md.IsDefined("budget", "providers", name, "monthly") {
			b.Monthly = d.Monthly
		}
		c.Budget.Providers[name] = b
	}
}

// loadDotEnv loads the first .env found; existing variables win
func loadDotEnv() {
	for _, path := range envPaths() {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func envPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nftgate", ".env"))
	}
	return paths
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nftgate.db"
	}
	return filepath.Join(home, ".local", "share", "nftgate", "nftgate.db")
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct NFTGATE_* environment variable overrides
func (c *Config) substituteEnvVars() {
	for name, p := range c.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.BaseURL = expandEnv(p.BaseURL)
		p.AccessKeyID = expandEnv(p.AccessKeyID)
		p.SecretAccessKey = expandEnv(p.SecretAccessKey)
		c.Providers[name] = p
	}
	c.Storage.Path = expandEnv(c.Storage.Path)

	if v := os.Getenv("NFTGATE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NFTGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NFTGATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NFTGATE_ACTIVE_PROVIDER"); v != "" {
		c.Orchestrator.Active = v
	}
	if v := os.Getenv("NFTGATE_GLOBAL_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.GlobalMonthly = f
		}
	}
	if v := os.Getenv("NFTGATE_CACHE_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.MaxSizeMB = n
		}
	}
	if v := os.Getenv("NFTGATE_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.MaxConcurrency = n
		}
	}
	if v := os.Getenv("NFTGATE_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate rejects unknown provider names, negative limits and
// out-of-range thresholds
func (c *Config) Validate() error {
	var errs []error

	checkName := func(field, name string) {
		if name == "" {
			return
		}
		if _, ok := knownProvider(name); !ok {
			errs = append(errs, unknownProviderError(field, name))
		}
	}

	for name := range c.Providers {
		checkName("providers", name)
	}
	for name, b := range c.Budget.Providers {
		checkName("budget.providers", name)
		if b.Daily < 0 || b.Monthly < 0 {
			errs = append(errs, fmt.Errorf("budget.providers.%s: limits must not be negative", name))
		}
	}
	checkName("orchestrator.active", c.Orchestrator.Active)
	for _, name := range c.Orchestrator.FailoverOrder {
		checkName("orchestrator.failover_order", name)
	}

	if c.Budget.GlobalMonthly < 0 {
		errs = append(errs, errors.New("budget.global_monthly must not be negative"))
	}
	if t := c.Budget.WarningThreshold; t <= 0 || t > 100 {
		errs = append(errs, fmt.Errorf("budget.warning_threshold must be in (0,100], got %v", t))
	}
	if c.Cache.MaxSizeMB < 0 {
		errs = append(errs, errors.New("cache.max_size_mb must not be negative"))
	}
	if c.Batch.MaxConcurrency < 0 {
		errs = append(errs, errors.New("batch.max_concurrency must not be negative"))
	}
	if c.RateLimit.MaxQueue < 0 {
		errs = append(errs, errors.New("ratelimit.max_queue must not be negative"))
	}
	if r := c.Quota.WarningRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("quota.warning_ratio must be in (0,1], got %v", r))
	}
	if r := c.Quota.BlockingRatio; r < c.Quota.WarningRatio || r > 1 {
		errs = append(errs, fmt.Errorf("quota.blocking_ratio must be in [warning_ratio,1], got %v", r))
	}
	for name, p := range c.Providers {
		if p.CostPerUnit < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.cost_per_unit must not be negative", name))
		}
		if p.Capacity < 0 || p.RefillRate < 0 || p.RefillInterval < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: rate limit values must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func knownProvider(name string) (domain.ProviderName, bool) {
	for _, p := range domain.AllProviders() {
		if string(p) == name {
			return p, true
		}
	}
	return "", false
}

func unknownProviderError(field, name string) error {
	if s := suggest(name); s != "" {
		return fmt.Errorf("%s: unknown provider %q (did you mean %q?)", field, name, s)
	}
	return fmt.Errorf("%s: unknown provider %q", field, name)
}

// suggest returns the closest known provider within edit distance 3
func suggest(name string) string {
	if p, ok := domain.ParseProvider(strings.ToLower(name)); ok {
		return string(p)
	}
	best, bestDist := "", 4
	for _, p := range domain.AllProviders() {
		if d := levenshtein.ComputeDistance(strings.ToLower(name), string(p)); d < bestDist {
			best, bestDist = string(p), d
		}
	}
	return best
}

// ===== Conversions =====

// EnabledProviders returns enabled provider names in registration order
func (c *Config) EnabledProviders() []domain.ProviderName {
	var out []domain.ProviderName
	for _, p := range domain.AllProviders() {
		if pc, ok := c.Providers[string(p)]; ok && pc.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Provider returns the settings for name
func (c *Config) Provider(name domain.ProviderName) (ProviderConfig, bool) {
	p, ok := c.Providers[string(name)]
	return p, ok
}

// BudgetLimits converts the budget section to ledger limits
func (c *Config) BudgetLimits() budget.Limits {
	limits := budget.Limits{
		Providers:        make(map[domain.ProviderName]budget.ProviderLimit, len(c.Budget.Providers)),
		GlobalMonthly:    decimal.NewFromFloat(c.Budget.GlobalMonthly),
		WarningThreshold: c.Budget.WarningThreshold,
	}
	for name, b := range c.Budget.Providers {
		limits.Providers[domain.ProviderName(name)] = budget.ProviderLimit{
			Daily:   decimal.NewFromFloat(b.Daily),
			Monthly: decimal.NewFromFloat(b.Monthly),
		}
	}
	return limits
}

// OrchestratorConfig converts the failover and batch sections
func (c *Config) OrchestratorConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Active = domain.ProviderName(c.Orchestrator.Active)
	oc.FailoverOrder = nil
	for _, name := range c.Orchestrator.FailoverOrder {
		oc.FailoverOrder = append(oc.FailoverOrder, domain.ProviderName(name))
	}
	if c.Orchestrator.CooldownPeriod > 0 {
		oc.CooldownPeriod = c.Orchestrator.CooldownPeriod
	}
	oc.MaxFailoverAttempts = c.Orchestrator.MaxFailoverAttempts
	if c.Orchestrator.MaxRetriesPerProvider >= 0 {
		oc.MaxRetriesPerProvider = c.Orchestrator.MaxRetriesPerProvider
	}
	if c.Orchestrator.MaxRetryDelay > 0 {
		oc.MaxRetryDelay = c.Orchestrator.MaxRetryDelay
	}
	oc.Batch.MaxConcurrency = c.Batch.MaxConcurrency
	oc.Batch.RequestTimeout = c.Batch.RequestTimeout
	return oc
}

// CacheConfig converts the cache section
func (c *Config) CacheConfig() cache.Config {
	cc := cache.DefaultConfig()
	if c.Cache.MaxSizeMB > 0 {
		cc.MaxSize = c.Cache.MaxSizeMB << 20
	}
	if c.Cache.MaxAge > 0 {
		cc.MaxAge = c.Cache.MaxAge
	}
	if c.Cache.CleanupEvery > 0 {
		cc.CleanupEvery = c.Cache.CleanupEvery
	}
	return cc
}

// QuotaConfig converts the quota section
func (c *Config) QuotaConfig() quota.Config {
	qc := quota.DefaultConfig()
	if c.Quota.UpdateInterval > 0 {
		qc.UpdateInterval = c.Quota.UpdateInterval
	}
	if c.Quota.WarningRatio > 0 {
		qc.WarningRatio = c.Quota.WarningRatio
	}
	if c.Quota.BlockingRatio > 0 {
		qc.BlockingRatio = c.Quota.BlockingRatio
	}
	return qc
}
