package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/store"
)

// DefaultRuleRefresh is the cadence of registry reloads when none is
// configured.
const DefaultRuleRefresh = 30 * time.Second

// RuleSnapshot is an immutable view of the enabled rules partitioned by
// family. Evaluators take one snapshot per iteration and never see a
// half-refreshed rule set.
type RuleSnapshot struct {
	byFamily map[model.RuleFamily][]model.AlarmRule
	total    int
	loadedAt time.Time
}

// Family returns the rules of one family. Callers must not mutate the
// returned slice contents; the registry hands out fresh slice headers so an
// append on the caller side cannot corrupt the cache.
func (s *RuleSnapshot) Family(f model.RuleFamily) []model.AlarmRule {
	rules := s.byFamily[f]
	return rules[:len(rules):len(rules)]
}

// Len reports the total enabled rule count.
func (s *RuleSnapshot) Len() int { return s.total }

// LoadedAt reports when this snapshot was built.
func (s *RuleSnapshot) LoadedAt() time.Time { return s.loadedAt }

// Registry caches the enabled rules and republishes them by atomic pointer
// swap. Consumers pay one atomic load per iteration, never a lock.
type Registry struct {
	repo    store.RuleRepository
	refresh time.Duration
	clk     clock.Clock
	log     *zap.Logger
	snap    atomic.Pointer[RuleSnapshot]
	kick    chan struct{}
}

// NewRegistry builds a registry over a rule repository. The first snapshot
// is empty until Refresh or Run loads one.
func NewRegistry(repo store.RuleRepository, refresh time.Duration, clk clock.Clock, log *zap.Logger) *Registry {
	if refresh <= 0 {
		refresh = DefaultRuleRefresh
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		repo:    repo,
		refresh: refresh,
		clk:     clk,
		log:     log.Named("rules"),
		kick:    make(chan struct{}, 1),
	}
	r.snap.Store(&RuleSnapshot{byFamily: map[model.RuleFamily][]model.AlarmRule{}})
	return r
}

// Snapshot returns the current rule set.
func (r *Registry) Snapshot() *RuleSnapshot { return r.snap.Load() }

// Refresh reloads the rules once and publishes the new snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	rules, err := r.repo.ListEnabled(ctx)
	if err != nil {
		return err
	}
	byFamily := map[model.RuleFamily][]model.AlarmRule{}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		byFamily[rule.Family] = append(byFamily[rule.Family], rule)
	}
	next := &RuleSnapshot{byFamily: byFamily, total: len(rules), loadedAt: r.clk.Now()}
	prev := r.snap.Swap(next)
	metricRulesLoaded.Set(float64(next.total))
	if prev.total != next.total {
		r.log.Info("rule set refreshed",
			zap.Int("rules", next.total),
			zap.Int("threshold", len(byFamily[model.RuleThreshold])),
			zap.Int("offline", len(byFamily[model.RuleOffline])),
			zap.Int("roc", len(byFamily[model.RuleRoc])),
			zap.Int("volatility", len(byFamily[model.RuleVolatility])))
	}
	return nil
}

// Notify requests an immediate refresh from the Run loop; the rules file
// watcher calls it on change events.
func (r *Registry) Notify() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run refreshes on the configured cadence and on Notify until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("initial rule load failed", zap.Error(err))
	}
	t := r.clk.Ticker(r.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-r.kick:
		}
		if err := r.Refresh(ctx); err != nil {
			// Keep serving the previous snapshot; a broken reload must not
			// blank the rule set.
			r.log.Warn("rule refresh failed", zap.Error(err))
		}
	}
}
