// Package decay implements activity-based freshness for derived data.
//
// Entities are sorted into three activity tiers by the time since they were
// last mentioned:
//   - Active: touched within 7 days, cached results live 24 hours
//   - Recent: touched within 30 days, cached results live 72 hours
//   - Dormant: anything older, cached results live 168 hours
//
// The same clock drives the warmup score used to pick which entities get
// their PPR expansion precomputed: busy, recently mentioned entities first.
//
// Example Usage:
//
//	now := time.Now()
//	tier := decay.TierFor(now.Sub(lastMentioned))
//	ttl := decay.TTL(tier) // 24h for an entity mentioned yesterday
//
//	if decay.IsExpired(computedAt, lastMentioned, now) {
//		// recompute
//	}
//
//	manager := decay.New(decay.DefaultConfig())
//	manager.Start(func(ctx context.Context) error {
//		return warmer.RunOnce(ctx)
//	})
//	defer manager.Stop()
//
// ELI12 (Explain Like I'm 12):
//
// Think of a fridge. Milk you drink every day gets replaced often, so you
// check its date every day. Jam you open once a month can sit a few days
// longer. The can of beans at the back? Check it once a week. Busy entities
// are the milk: their cached answers go stale fastest.
package decay

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/mosaicdb/pkg/logging"
)

// Tier is an activity bucket.
type Tier string

const (
	// TierActive covers entities touched in the last 7 days.
	TierActive Tier = "ACTIVE"

	// TierRecent covers entities touched in the last 30 days.
	TierRecent Tier = "RECENT"

	// TierDormant covers everything older.
	TierDormant Tier = "DORMANT"
)

const day = 24 * time.Hour

// Tier boundaries.
const (
	ActiveWindow = 7 * day
	RecentWindow = 30 * day
)

var tierTTL = map[Tier]time.Duration{
	TierActive:  24 * time.Hour,
	TierRecent:  72 * time.Hour,
	TierDormant: 168 * time.Hour,
}

// TierFor buckets an activity age. Negative ages (clock skew) count as
// active.
func TierFor(activityAge time.Duration) Tier {
	switch {
	case activityAge <= ActiveWindow:
		return TierActive
	case activityAge <= RecentWindow:
		return TierRecent
	default:
		return TierDormant
	}
}

// TTL returns the cache lifetime of a tier.
func TTL(tier Tier) time.Duration {
	if ttl, ok := tierTTL[tier]; ok {
		return ttl
	}
	return tierTTL[TierDormant]
}

// TTLForActivity returns the cache lifetime for an entity last active at
// lastActivity.
func TTLForActivity(lastActivity, now time.Time) time.Duration {
	return TTL(TierFor(now.Sub(lastActivity)))
}

// IsExpired reports whether a result computed at computedAt has outlived the
// TTL of its entity's activity tier.
//
// Example:
//
//	now := time.Now()
//	decay.IsExpired(now.Add(-30*time.Hour), now.Add(-72*time.Hour), now) // true: active, 24h TTL
//	decay.IsExpired(now.Add(-100*time.Hour), now.Add(-60*24*time.Hour), now) // false: dormant, 168h TTL
func IsExpired(computedAt, lastActivity, now time.Time) bool {
	return now.Sub(computedAt) > TTLForActivity(lastActivity, now)
}

// WarmupScore ranks warmup candidates: degree × 0.5^(age in weeks).
//
// ELI12: a popular kid who talked a lot this week scores high. The same kid
// scores half as much if their last word was a week ago.
func WarmupScore(degree int, activityAge time.Duration) float64 {
	weeks := max(activityAge, 0).Hours() / (7 * 24)
	return float64(degree) * math.Pow(0.5, weeks)
}

// Config configures the periodic job runner.
type Config struct {
	// RecalculateInterval is how often the job runs.
	RecalculateInterval time.Duration

	// Logger defaults to logging.For("decay").
	Logger *logrus.Entry
}

// DefaultConfig runs the job every 15 minutes.
func DefaultConfig() *Config {
	return &Config{RecalculateInterval: 15 * time.Minute}
}

// Manager runs a freshness job on a ticker until stopped.
//
// Thread Safety:
//
//	Start and Stop may be called from any goroutine; Start runs at most
//	one job loop at a time.
type Manager struct {
	config *Config
	log    *logrus.Entry

	mu      sync.Mutex
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. A nil config uses DefaultConfig.
func New(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RecalculateInterval <= 0 {
		config.RecalculateInterval = DefaultConfig().RecalculateInterval
	}
	log := config.Logger
	if log == nil {
		log = logging.For("decay")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs fn every RecalculateInterval in a background goroutine. Errors
// are logged and the loop continues. A second Start is a no-op.
func (m *Manager) Start(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.RecalculateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := fn(m.ctx); err != nil {
					m.log.WithError(err).Warn("freshness job failed")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for a running job to return.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// EntryInfo describes one cached result for Summarize.
type EntryInfo struct {
	ComputedAt   time.Time
	LastActivity time.Time
}

// Stats summarizes cached results by activity tier.
type Stats struct {
	Total   int64
	Expired int64
	ByTier  map[Tier]int64
}

// Summarize buckets entries by tier and counts the expired ones.
func Summarize(entries []EntryInfo, now time.Time) *Stats {
	stats := &Stats{ByTier: make(map[Tier]int64)}
	for _, e := range entries {
		stats.Total++
		stats.ByTier[TierFor(now.Sub(e.LastActivity))]++
		if IsExpired(e.ComputedAt, e.LastActivity, now) {
			stats.Expired++
		}
	}
	return stats
}
