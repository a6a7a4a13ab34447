// Package orchestrator owns the provider registry and runs the single
// request lifecycle: cache, failover, gating, retry and spend recording.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"nftgate/internal/batch"
	"nftgate/internal/budget"
	"nftgate/internal/cache"
	"nftgate/internal/domain"
	"nftgate/internal/events"
	"nftgate/internal/quota"
	"nftgate/internal/ratelimit"
	"nftgate/internal/resilience"
	"nftgate/internal/telemetry"
)

// Health score rules
const (
	HealthMax         = 100
	HealthSuccessStep = 5
	HealthFailureStep = 10
	HealthyThreshold  = 20
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds failover settings
type Config struct {
	Active                domain.ProviderName
	FailoverOrder         []domain.ProviderName
	CooldownPeriod        time.Duration
	MaxFailoverAttempts   int // 0 means every provider in the sequence
	MaxRetriesPerProvider int // same-provider retries; 0 fails over immediately
	MaxRetryDelay         time.Duration
	Batch                 batch.Options
}

// DefaultConfig returns the default failover settings
func DefaultConfig() Config {
	return Config{
		CooldownPeriod:        5 * time.Minute,
		MaxRetriesPerProvider: 0,
		MaxRetryDelay:         5 * time.Second,
	}
}

// Deps are the collaborators the orchestrator gates requests through.
// Nil Quota, Budget, Cache, Bus and Metrics disable that concern.
type Deps struct {
	Limiters *ratelimit.Registry
	Quota    *quota.Tracker
	Budget   *budget.Ledger
	Cache    cache.Cache
	Bus      *events.Bus
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

// =============================================================================
// Provider State
// =============================================================================

// ProviderState is the mutable health record of a registered provider
type ProviderState struct {
	HealthScore     int       `json:"health_score"`
	RequestCount    int64     `json:"request_count"`
	ErrorCount      int64     `json:"error_count"`
	LastRequestTime time.Time `json:"last_request_time"`
	LastError       string    `json:"last_error,omitempty"`
}

// Healthy reports whether the score is at or above the healthy threshold
func (s ProviderState) Healthy() bool {
	return s.HealthScore >= HealthyThreshold
}

type entry struct {
	provider domain.Provider
	state    ProviderState
}

// ProviderStatus is the reportable state of one provider
type ProviderStatus struct {
	Name          domain.ProviderName     `json:"name"`
	Active        bool                    `json:"active"`
	State         ProviderState           `json:"state"`
	Healthy       bool                    `json:"healthy"`
	Circuit       resilience.CircuitState `json:"circuit"`
	CooldownUntil time.Time               `json:"cooldown_until,omitempty"`
	CostPerUnit   decimal.Decimal         `json:"cost_per_unit"`
	RateLimit     *ratelimit.Status       `json:"rate_limit,omitempty"`
	Quota         *domain.QuotaSnapshot   `json:"quota,omitempty"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator routes generation requests across registered providers
type Orchestrator struct {
	cfg      Config
	limiters *ratelimit.Registry
	quota    *quota.Tracker
	budget   *budget.Ledger
	cache    cache.Cache
	bus      *events.Bus
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cooldown *resilience.Cooldown
	batch    *batch.Executor
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	order   []domain.ProviderName // registration order
	entries map[domain.ProviderName]*entry
	active  domain.ProviderName
	prefs   []domain.ProviderName // configured failover order
}

// New creates an orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = def.CooldownPeriod
	}
	if cfg.MaxRetriesPerProvider < 0 {
		cfg.MaxRetriesPerProvider = 0
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	limiters := deps.Limiters
	if limiters == nil {
		limiters = ratelimit.NewRegistry(logger)
	}

	o := &Orchestrator{
		cfg:      cfg,
		limiters: limiters,
		quota:    deps.Quota,
		budget:   deps.Budget,
		cache:    deps.Cache,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      now,
		cooldown: resilience.NewCooldown(),
		sleep:    sleepCtx,
		entries:  make(map[domain.ProviderName]*entry),
		active:   cfg.Active,
		prefs:    append([]domain.ProviderName(nil), cfg.FailoverOrder...),
	}

	batchOpts := cfg.Batch
	if batchOpts.Logger == nil {
		batchOpts.Logger = logger
	}
	o.batch = batch.New(o.Generate, batchOpts, deps.Bus)
	return o
}

// Register adds a provider. Re-registering a name replaces the provider in
// place, keeps its position and resets its state.
func (o *Orchestrator) Register(p domain.Provider) {
	name := p.Name()

	o.mu.Lock()
	if e, ok := o.entries[name]; ok {
		e.provider = p
		e.state = ProviderState{HealthScore: HealthMax}
	} else {
		o.entries[name] = &entry{provider: p, state: ProviderState{HealthScore: HealthMax}}
		o.order = append(o.order, name)
	}
	o.mu.Unlock()

	o.cooldown.Reset(name)
	o.limiters.Configure(name, p.RateLimitSpec())
	if o.quota != nil {
		o.quota.Register(name, p)
	}
	o.setHealthMetric(name, HealthMax)

	o.logger.Info("Provider registered",
		"provider", name,
		"cost_per_unit", p.CostPerUnit().String(),
	)
}

// SetActive makes name the provider tried first
func (o *Orchestrator) SetActive(name domain.ProviderName) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.entries[name]; !ok {
		return fmt.Errorf("provider %s not registered", name)
	}
	o.active = name
	return nil
}

// SetFailoverOrder sets the preferred order after the active provider.
// Unlisted providers follow in registration order.
func (o *Orchestrator) SetFailoverOrder(names []domain.ProviderName) {
	o.mu.Lock()
	o.prefs = append([]domain.ProviderName(nil), names...)
	o.mu.Unlock()
}

// Providers returns registered provider names in registration order
func (o *Orchestrator) Providers() []domain.ProviderName {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]domain.ProviderName(nil), o.order...)
}

// FailoverSequence returns the eligible providers in attempt order: the
// active provider, then the configured order, then registration order.
// A provider is eligible when healthy and out of cooldown, or when its
// cooldown has elapsed and it awaits validation.
func (o *Orchestrator) FailoverSequence() []domain.ProviderName {
	now := o.now()

	o.mu.RLock()
	defer o.mu.RUnlock()

	seen := make(map[domain.ProviderName]bool, len(o.order))
	seq := make([]domain.ProviderName, 0, len(o.order))
	add := func(name domain.ProviderName) {
		e, ok := o.entries[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		switch o.cooldown.State(name, now) {
		case resilience.StateOpen:
			return
		case resilience.StateHalfOpen:
			seq = append(seq, name)
		default:
			if e.state.Healthy() {
				seq = append(seq, name)
			}
		}
	}

	if o.active != "" {
		add(o.active)
	}
	for _, name := range o.prefs {
		add(name)
	}
	for _, name := range o.order {
		add(name)
	}
	return seq
}

// Generate produces a payload for req, trying providers in failover order.
// It fails with *AggregateError only after every eligible provider is exhausted.
func (o *Orchestrator) Generate(ctx context.Context, req domain.GenerateRequest) (*domain.Payload, error) {
	start := o.now()
	key := domain.CacheKey(req)

	if o.cache != nil {
		p, ok, err := o.cache.Get(ctx, key)
		if err != nil {
			o.logger.Warn("Cache lookup failed", "key", key[:12], "error", err)
		} else if ok {
			return p, nil
		}
	}

	o.publish(events.Event{Type: events.RequestStarted, Key: key, Category: req.Category})

	seq := o.FailoverSequence()
	agg := &AggregateError{}
	if len(seq) == 0 {
		o.publish(events.Event{Type: events.RequestFailed, Key: key, Err: agg})
		o.logger.Error("No eligible providers", "category", req.Category)
		return nil, agg
	}

	maxAttempts := o.cfg.MaxFailoverAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(seq)
	}

	var (
		tried   int
		prev    domain.ProviderName
		prevErr error
	)
	for i, name := range seq {
		if tried >= maxAttempts {
			break
		}
		p := o.provider(name)
		if p == nil {
			continue
		}

		if o.cooldown.InCooldown(name, o.now()) {
			continue
		}
		if o.cooldown.HalfOpen(name, o.now()) {
			if err := o.probe(ctx, name, p); err != nil {
				agg.add(name, err, true)
				continue
			}
		}

		cost := p.CostPerUnit()
		if err := o.admit(ctx, name, cost); err != nil {
			agg.add(name, err, true)
			o.logger.Warn("Provider skipped",
				"provider", name,
				"error", err,
			)
			continue
		}

		tried++
		if prev != "" {
			o.publish(events.Event{
				Type:     events.FailoverOccurred,
				Provider: prev,
				Target:   name,
				Err:      prevErr,
				Attempt:  tried,
			})
			o.logger.Info("Failing over",
				"from", prev,
				"to", name,
				"reason", message(prevErr),
			)
		}

		payload, err := o.attempt(ctx, name, p, req)
		if err == nil {
			o.succeeded(ctx, name, req, key, cost, payload, o.now().Sub(start))
			return payload, nil
		}

		if ctx.Err() != nil {
			o.publish(events.Event{Type: events.RequestFailed, Provider: name, Key: key, Err: ctx.Err()})
			return nil, fmt.Errorf("generate cancelled: %w", ctx.Err())
		}

		pe := resilience.Classify(err, name)
		if pe.Kind.Surfaced() {
			o.publish(events.Event{Type: events.RequestFailed, Provider: name, Key: key, Err: pe})
			o.logger.Warn("Request rejected by rate limiter",
				"provider", name,
				"kind", pe.Kind,
			)
			return nil, pe
		}

		agg.add(name, pe, false)
		prev, prevErr = name, pe

		if pe.Retriable && i < len(seq)-1 && tried < maxAttempts {
			if err := o.sleep(ctx, o.retryDelay(pe, 0)); err != nil {
				o.publish(events.Event{Type: events.RequestFailed, Provider: name, Key: key, Err: err})
				return nil, fmt.Errorf("generate cancelled: %w", err)
			}
		}
	}

	o.publish(events.Event{
		Type:     events.RequestFailed,
		Provider: prev,
		Key:      key,
		Err:      agg,
		Latency:  o.now().Sub(start),
	})
	o.logger.Error("All providers failed",
		"attempts", len(agg.Attempts),
		"detail", agg.Detail(),
	)
	return nil, agg
}

// GenerateBatch runs reqs through the batch executor with Generate
func (o *Orchestrator) GenerateBatch(ctx context.Context, reqs []domain.GenerateRequest, opts batch.BatchOptions) ([]batch.Result, batch.Stats) {
	return o.batch.ExecuteBatch(ctx, reqs, opts)
}

// Submit runs req through the claim-check table so identical in-flight
// requests share one generation
func (o *Orchestrator) Submit(ctx context.Context, req domain.GenerateRequest) (*domain.Payload, error) {
	p, _, err := o.batch.Submit(ctx, req)
	return p, err
}

// =============================================================================
// Attempt Lifecycle
// =============================================================================

// admit applies the quota and budget gates
func (o *Orchestrator) admit(ctx context.Context, name domain.ProviderName, cost decimal.Decimal) error {
	if o.quota != nil {
		if ok, usage := o.quota.CanMakeRequest(ctx, name); !ok {
			msg := fmt.Sprintf("quota %.0f%% used: %d of %d remaining",
				usage.Ratio*100, usage.Snapshot.Remaining, usage.Snapshot.Limit)
			return resilience.NewError(resilience.KindQuotaExhausted, name, resilience.CodeQuotaExhausted, msg, nil)
		}
	}

	if o.budget != nil && cost.IsPositive() {
		d, err := o.budget.CanMakeRequest(ctx, name, cost)
		if err != nil {
			return resilience.NewError(resilience.KindBudgetExceeded, name, resilience.CodeBudgetExceeded,
				"budget check failed: "+err.Error(), err)
		}
		if !d.Allowed {
			return d.Err()
		}
	}
	return nil
}

// attempt calls one provider, retrying retriable failures in place
func (o *Orchestrator) attempt(ctx context.Context, name domain.ProviderName, p domain.Provider, req domain.GenerateRequest) (*domain.Payload, error) {
	for retry := 0; ; retry++ {
		if err := o.limiters.Acquire(ctx, name); err != nil {
			return nil, err
		}

		payload, err := p.Generate(ctx, req.Prompt, req.Options)
		if err == nil && payload == nil {
			err = resilience.NewError(resilience.KindProviderFault, name, resilience.CodeProviderError, "provider returned no image", nil)
		}
		if err == nil {
			return payload, nil
		}

		o.limiters.Release(name)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pe := resilience.Classify(err, name)
		disabled := o.recordFailure(name, pe)

		o.logger.Debug("Provider attempt failed",
			"provider", name,
			"attempt", retry+1,
			"kind", pe.Kind,
			"error", pe.Message,
		)

		if disabled || !pe.Retriable || retry >= o.cfg.MaxRetriesPerProvider {
			return nil, pe
		}
		if err := o.sleep(ctx, o.retryDelay(pe, retry)); err != nil {
			return nil, err
		}
	}
}

// probe validates a provider whose cooldown has elapsed. Success re-admits
// it at the healthy threshold; failure starts a new cooldown.
func (o *Orchestrator) probe(ctx context.Context, name domain.ProviderName, p domain.Provider) error {
	retryCfg := resilience.RetryConfig{
		MaxRetries:  1,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  o.cfg.MaxRetryDelay,
		Jitter:      true,
	}

	var valid bool
	err := resilience.Retry(ctx, retryCfg, func() error {
		ok, err := p.ValidateCredential(ctx)
		if err != nil {
			return resilience.Classify(err, name)
		}
		valid = ok
		return nil
	})
	if err == nil && !valid {
		err = resilience.NewError(resilience.KindCredentialInvalid, name, resilience.CodeInvalidCredential, "credential validation failed", nil)
	}

	if err != nil {
		until := o.now().Add(o.cfg.CooldownPeriod)
		o.cooldown.Trip(name, until)
		o.publish(events.Event{Type: events.ProviderDisabled, Provider: name, Reason: "validation failed after cooldown", Err: err})
		o.logger.Warn("Provider failed re-validation",
			"provider", name,
			"cooldown_until", until,
			"error", err,
		)
		return err
	}

	o.mu.Lock()
	score := HealthyThreshold
	if e, ok := o.entries[name]; ok {
		if e.state.HealthScore < HealthyThreshold {
			e.state.HealthScore = HealthyThreshold
		}
		score = e.state.HealthScore
	}
	o.mu.Unlock()

	o.cooldown.Reset(name)
	o.setHealthMetric(name, score)
	o.publish(events.Event{Type: events.ProviderRecovered, Provider: name})
	o.logger.Info("Provider re-admitted after cooldown", "provider", name, "health", score)
	return nil
}

// succeeded applies success side effects: health, spend, cache and events
func (o *Orchestrator) succeeded(ctx context.Context, name domain.ProviderName, req domain.GenerateRequest, key string, cost decimal.Decimal, payload *domain.Payload, latency time.Duration) {
	now := o.now()
	if payload.Provider == "" {
		payload.Provider = name
	}
	if payload.Cost.IsZero() {
		payload.Cost = cost
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = now
	}

	o.mu.Lock()
	score := 0
	if e, ok := o.entries[name]; ok {
		e.state.HealthScore = min(HealthMax, e.state.HealthScore+HealthSuccessStep)
		e.state.RequestCount++
		e.state.LastRequestTime = now
		score = e.state.HealthScore
	}
	o.mu.Unlock()
	o.setHealthMetric(name, score)

	if o.budget != nil && payload.Cost.IsPositive() {
		err := o.budget.RecordSpend(ctx, budget.SpendRecord{
			Timestamp: now,
			Provider:  name,
			Amount:    payload.Cost,
			Category:  req.Category,
			Success:   true,
		})
		if err != nil {
			o.logger.Warn("Failed to record spend", "provider", name, "error", err)
		}
	}

	if o.cache != nil {
		if err := o.cache.Set(ctx, key, req.Category, payload); err != nil {
			o.logger.Warn("Failed to cache result", "key", key[:12], "error", err)
		}
	}

	o.publish(events.Event{
		Type:     events.RequestSucceeded,
		Provider: name,
		Key:      key,
		Category: req.Category,
		Amount:   payload.Cost,
		Latency:  latency,
	})
	o.logger.Info("Generation succeeded",
		"provider", name,
		"bytes", payload.Size(),
		"cost", payload.Cost.String(),
		"latency", latency,
	)
}

// recordFailure lowers health and starts a cooldown when the provider
// drops below the healthy threshold. It reports whether that happened.
func (o *Orchestrator) recordFailure(name domain.ProviderName, pe *resilience.ProviderError) bool {
	now := o.now()

	o.mu.Lock()
	e, ok := o.entries[name]
	if !ok {
		o.mu.Unlock()
		return false
	}
	e.state.HealthScore = max(0, e.state.HealthScore-HealthFailureStep)
	e.state.RequestCount++
	e.state.ErrorCount++
	e.state.LastRequestTime = now
	e.state.LastError = pe.Error()
	score := e.state.HealthScore
	o.mu.Unlock()

	o.setHealthMetric(name, score)

	if score >= HealthyThreshold || o.cooldown.InCooldown(name, now) {
		return false
	}

	until := now.Add(o.cfg.CooldownPeriod)
	o.cooldown.Trip(name, until)
	o.publish(events.Event{
		Type:     events.ProviderDisabled,
		Provider: name,
		Reason:   fmt.Sprintf("health %d below %d", score, HealthyThreshold),
		Err:      pe,
	})
	o.logger.Warn("Provider disabled",
		"provider", name,
		"health", score,
		"cooldown_until", until,
	)
	return true
}

// retryDelay caps the classifier's delay at MaxRetryDelay
func (o *Orchestrator) retryDelay(err error, attempt int) time.Duration {
	d := resilience.RetryDelay(err, attempt)
	if d > o.cfg.MaxRetryDelay {
		d = o.cfg.MaxRetryDelay
	}
	return d
}

// =============================================================================
// Validation and Status
// =============================================================================

// ValidateProviders checks every provider's credential. Invalid providers
// are placed in cooldown.
func (o *Orchestrator) ValidateProviders(ctx context.Context) map[domain.ProviderName]error {
	names := o.Providers()
	results := make(map[domain.ProviderName]error, len(names))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		p := o.provider(name)
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(name domain.ProviderName, p domain.Provider) {
			defer wg.Done()

			ok, err := p.ValidateCredential(ctx)
			if err == nil && !ok {
				err = resilience.NewError(resilience.KindCredentialInvalid, name, resilience.CodeInvalidCredential, "credential rejected", nil)
			}
			if err != nil {
				err = resilience.Classify(err, name)
				o.cooldown.Trip(name, o.now().Add(o.cfg.CooldownPeriod))
				o.publish(events.Event{Type: events.ProviderDisabled, Provider: name, Reason: "credential validation failed", Err: err})
				o.logger.Warn("Provider credential invalid", "provider", name, "error", err)
			}

			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	return results
}

// Status returns a snapshot of every provider in registration order
func (o *Orchestrator) Status() []ProviderStatus {
	now := o.now()

	o.mu.RLock()
	out := make([]ProviderStatus, 0, len(o.order))
	for _, name := range o.order {
		e := o.entries[name]
		out = append(out, ProviderStatus{
			Name:        name,
			Active:      name == o.active,
			State:       e.state,
			Healthy:     e.state.Healthy(),
			CostPerUnit: e.provider.CostPerUnit(),
		})
	}
	o.mu.RUnlock()

	for i := range out {
		name := out[i].Name
		out[i].Circuit = o.cooldown.State(name, now)
		out[i].CooldownUntil = o.cooldown.Until(name)
		if st, ok := o.limiters.Status(name); ok {
			out[i].RateLimit = &st
			if o.metrics != nil {
				o.metrics.SetLimiterStatus(name, st.Tokens, st.QueueLength)
			}
		}
		if o.quota != nil {
			if snap, ok := o.quota.Snapshot(name); ok {
				out[i].Quota = &snap
			}
		}
	}
	return out
}

// BatchMetrics returns the claim-check executor counters
func (o *Orchestrator) BatchMetrics() batch.Metrics {
	return o.batch.Metrics()
}

func (o *Orchestrator) provider(name domain.ProviderName) domain.Provider {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.entries[name]; ok {
		return e.provider
	}
	return nil
}

func (o *Orchestrator) publish(e events.Event) {
	o.bus.Publish(e)
}

func (o *Orchestrator) setHealthMetric(name domain.ProviderName, score int) {
	if o.metrics != nil {
		o.metrics.SetProviderHealth(name, score)
	}
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
