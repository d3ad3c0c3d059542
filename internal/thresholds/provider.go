// Package thresholds serves the versioned fraud threshold configuration.
package thresholds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/cache"
	"github.com/oslsr/kestrel/internal/decision"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/repository"
)

// CacheKey holds the cached active snapshot.
const CacheKey = "fraud:thresholds:active"

// DefaultCacheTTL bounds how long a cached snapshot is served.
const DefaultCacheTTL = 300 * time.Second

// SystemActor records changes made by the service itself.
const SystemActor = "system"

// Store is the persistence the provider needs.
type Store interface {
	ListActiveThresholds(ctx context.Context) ([]domain.ThresholdRule, error)
	CurrentThresholdVersion(ctx context.Context) (int, error)
	GetCurrentThreshold(ctx context.Context, ruleKey string) (*domain.ThresholdRule, error)
	ListThresholdHistory(ctx context.Context, ruleKey string) ([]domain.ThresholdRule, error)
	InsertThreshold(ctx context.Context, rule *domain.ThresholdRule) error
	SupersedeThreshold(ctx context.Context, currentID string, next *domain.ThresholdRule) error
}

// Provider reads thresholds through the cache and writes new versions.
type Provider struct {
	store   Store
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Recorder
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithCache serves snapshots from c.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(p *Provider) {
		p.cache = c
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithBus publishes change events on b.
func WithBus(b domain.EventBus) Option {
	return func(p *Provider) { p.bus = b }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider creates a provider over store.
func NewProvider(store Store, opts ...Option) *Provider {
	p := &Provider{
		store: store,
		ttl:   DefaultCacheTTL,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ domain.ThresholdProvider = (*Provider)(nil)

// Snapshot returns the active rules and the configuration version in one read.
func (p *Provider) Snapshot(ctx context.Context) (domain.ThresholdSnapshot, error) {
	if p.cache != nil {
		var snap domain.ThresholdSnapshot
		hit, err := cache.GetJSON(ctx, p.cache, CacheKey, &snap)
		if err != nil {
			slog.Warn("threshold cache read failed", "error", err)
		}
		if hit {
			p.metrics.CacheLookup(true)
			return snap, nil
		}
		p.metrics.CacheLookup(false)
	}

	snap, err := p.load(ctx)
	if err != nil {
		return domain.ThresholdSnapshot{}, err
	}

	if p.cache != nil {
		if err := cache.SetJSON(ctx, p.cache, CacheKey, snap, p.ttl); err != nil {
			slog.Warn("threshold cache write failed", "error", err)
		}
	}
	return snap, nil
}

func (p *Provider) load(ctx context.Context) (domain.ThresholdSnapshot, error) {
	rules, err := p.store.ListActiveThresholds(ctx)
	if err != nil {
		return domain.ThresholdSnapshot{}, fmt.Errorf("list active thresholds: %w", err)
	}
	version, err := p.store.CurrentThresholdVersion(ctx)
	if err != nil {
		return domain.ThresholdSnapshot{}, fmt.Errorf("current threshold version: %w", err)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].RuleCategory != rules[j].RuleCategory {
			return rules[i].RuleCategory < rules[j].RuleCategory
		}
		return rules[i].RuleKey < rules[j].RuleKey
	})
	if rules == nil {
		rules = []domain.ThresholdRule{}
	}
	return domain.ThresholdSnapshot{Rules: rules, Version: version}, nil
}

// ActiveThresholds returns the current active rules ordered by category and key.
func (p *Provider) ActiveThresholds(ctx context.Context) ([]domain.ThresholdRule, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Rules, nil
}

// CurrentVersion returns the configuration version.
func (p *Provider) CurrentVersion(ctx context.Context) (int, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// ByCategory groups the active rules by category.
func (p *Provider) ByCategory(ctx context.Context) (map[domain.RuleCategory][]domain.ThresholdRule, error) {
	rules, err := p.ActiveThresholds(ctx)
	if err != nil {
		return nil, err
	}
	grouped := make(map[domain.RuleCategory][]domain.ThresholdRule)
	for _, r := range rules {
		grouped[r.RuleCategory] = append(grouped[r.RuleCategory], r)
	}
	return grouped, nil
}

// History returns every version of a key, newest first.
func (p *Provider) History(ctx context.Context, ruleKey string) ([]domain.ThresholdRule, error) {
	rules, err := p.store.ListThresholdHistory(ctx, ruleKey)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("threshold %s: %w", ruleKey, repository.ErrNotFound)
	}
	return rules, nil
}

// Invalidate drops the cached snapshot.
func (p *Provider) Invalidate(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Delete(ctx, CacheKey)
}

// Update creates the next version of a rule, closing the current one, then
// invalidates the cache and announces the change.
func (p *Provider) Update(ctx context.Context, ruleKey string, upd domain.ThresholdUpdate, actor string) (*domain.ThresholdRule, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", repository.ErrInvalidInput)
	}
	if upd.SeverityFloor != nil && !domain.Severity(*upd.SeverityFloor).Valid() {
		return nil, fmt.Errorf("%w: unknown severity floor %q", repository.ErrInvalidInput, *upd.SeverityFloor)
	}

	current, err := p.store.GetCurrentThreshold(ctx, ruleKey)
	if err != nil {
		return nil, err
	}

	next := *current
	next.ID = uuid.New().String()
	next.ThresholdValue = upd.ThresholdValue
	if upd.Weight != nil {
		next.Weight = upd.Weight
	}
	if upd.SeverityFloor != nil {
		next.SeverityFloor = upd.SeverityFloor
	}
	if upd.IsActive != nil {
		next.IsActive = *upd.IsActive
	}
	next.Notes = upd.Notes
	next.Version = current.Version + 1
	next.EffectiveFrom = p.now()
	next.EffectiveUntil = nil
	next.CreatedBy = actor
	next.CreatedAt = next.EffectiveFrom

	if next.RuleCategory.IsSeverity() {
		if err := p.checkBounds(ctx, next); err != nil {
			return nil, err
		}
	}

	if err := p.store.SupersedeThreshold(ctx, current.ID, &next); err != nil {
		return nil, fmt.Errorf("supersede threshold %s: %w", ruleKey, err)
	}

	slog.Info("threshold updated",
		"rule_key", ruleKey,
		"old_value", current.ThresholdValue,
		"new_value", next.ThresholdValue,
		"version", next.Version,
		"actor", actor,
	)

	p.changed(ctx, domain.ThresholdsChangedEvent{RuleKey: ruleKey, Version: next.Version, Actor: actor})
	return &next, nil
}

// checkBounds rejects a severity bound that would break the tier ordering.
func (p *Provider) checkBounds(ctx context.Context, next domain.ThresholdRule) error {
	rules, err := p.store.ListActiveThresholds(ctx)
	if err != nil {
		return fmt.Errorf("list active thresholds: %w", err)
	}
	replaced := false
	for i := range rules {
		if rules[i].RuleKey == next.RuleKey {
			rules[i] = next
			replaced = true
		}
	}
	if !replaced {
		rules = append(rules, next)
	}
	if !next.IsActive {
		rules = dropKey(rules, next.RuleKey)
	}
	return decision.BoundsFromRules(rules).Validate()
}

func dropKey(rules []domain.ThresholdRule, key string) []domain.ThresholdRule {
	out := rules[:0]
	for _, r := range rules {
		if r.RuleKey != key {
			out = append(out, r)
		}
	}
	return out
}

// Seed inserts the rules whose key has no current row and returns how many
// were inserted. Existing keys are left untouched.
func (p *Provider) Seed(ctx context.Context, rules []domain.ThresholdRule, actor string) (int, error) {
	if actor == "" {
		actor = SystemActor
	}

	inserted := 0
	now := p.now()
	for _, r := range rules {
		_, err := p.store.GetCurrentThreshold(ctx, r.RuleKey)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return inserted, fmt.Errorf("lookup %s: %w", r.RuleKey, err)
		}

		rule := r
		rule.ID = uuid.New().String()
		rule.Version = 1
		rule.EffectiveFrom = now
		rule.EffectiveUntil = nil
		rule.CreatedBy = actor
		rule.CreatedAt = now
		if err := p.store.InsertThreshold(ctx, &rule); err != nil {
			return inserted, fmt.Errorf("insert %s: %w", r.RuleKey, err)
		}
		inserted++
	}

	if inserted > 0 {
		slog.Info("thresholds seeded", "count", inserted, "actor", actor)
		p.changed(ctx, domain.ThresholdsChangedEvent{Actor: actor})
	}
	return inserted, nil
}

// changed invalidates the local cache and tells other nodes to do the same.
func (p *Provider) changed(ctx context.Context, ev domain.ThresholdsChangedEvent) {
	if err := p.Invalidate(ctx); err != nil {
		slog.Warn("threshold cache invalidation failed", "error", err)
	}
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, domain.TopicThresholdsChanged, ev); err != nil {
		slog.Warn("failed to publish threshold change", "error", err)
	}
}

// Listen drops the cached snapshot whenever another node announces a change.
func (p *Provider) Listen(ctx context.Context) (domain.Subscription, error) {
	if p.bus == nil {
		return nil, errors.New("no event bus configured")
	}
	return p.bus.Subscribe(ctx, domain.TopicThresholdsChanged, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.ThresholdsChangedEvent
		if err := bus.Decode(msg, &ev); err != nil {
			return err
		}
		slog.Debug("thresholds changed", "rule_key", ev.RuleKey, "version", ev.Version, "actor", ev.Actor)
		return p.Invalidate(ctx)
	})
}
