package rerank

import (
	"math"
	"slices"
	"time"

	"github.com/orneryd/mosaicdb/pkg/storage"
)

const msPerDay = 86_400_000

// BoostOptions configures ApplySignalBoosts.
type BoostOptions struct {
	// Property names. Empty names disable the boost.
	SalienceKey   string
	ConfidenceKey string
	RecencyKey    string

	// HalfLifeDays of the recency decay. <= 0 disables recency.
	HalfLifeDays float64

	// NowMs is the reference time in Unix milliseconds (0 = time.Now()).
	NowMs int64
}

// DefaultBoostOptions enables every boost with a 30 day half-life.
func DefaultBoostOptions() BoostOptions {
	return BoostOptions{
		SalienceKey:   "salience",
		ConfidenceKey: "confidence",
		RecencyKey:    "recencyTs",
		HalfLifeDays:  30,
	}
}

// RecencyBoost returns 0.5^(age/halfLife) for an item last touched at
// tsMs. Future timestamps and a non-positive half-life give 1.
func RecencyBoost(nowMs, tsMs int64, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 || tsMs > nowMs {
		return 1.0
	}
	age := float64(nowMs - tsMs)
	return math.Pow(0.5, age/(halfLifeDays*msPerDay))
}

// ApplySignalBoosts multiplies each score by its salience, confidence and
// recency boosts, then re-sorts descending (ties by ascending id).
func ApplySignalBoosts(items []Item, opts BoostOptions) ([]Item, error) {
	if err := requireScores(items); err != nil {
		return nil, err
	}
	now := opts.NowMs
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	out := slices.Clone(items)
	for i := range out {
		props := out[i].Properties
		boost := 1.0
		if opts.SalienceKey != "" {
			boost *= numberOr(props, opts.SalienceKey, 1.0)
		}
		if opts.ConfidenceKey != "" {
			boost *= numberOr(props, opts.ConfidenceKey, 1.0)
		}
		if opts.RecencyKey != "" {
			if ts, ok := TimestampMs(props[opts.RecencyKey]); ok {
				boost *= RecencyBoost(now, ts, opts.HalfLifeDays)
			}
		}
		out[i].Score *= boost
	}
	SortByScore(out)
	return out, nil
}

func numberOr(props map[string]storage.Value, key string, def float64) float64 {
	if f, ok := props[key].AsFloat(); ok {
		return f
	}
	return def
}

// TimestampMs reads a Unix-millisecond integer or an RFC3339 string.
func TimestampMs(v storage.Value) (int64, bool) {
	t, ok := v.AsTime()
	if !ok {
		return 0, false
	}
	return t.UnixMilli(), true
}
