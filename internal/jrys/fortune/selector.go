package fortune

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"mew/jrys/internal/jrys/config"
)

type Category int

const (
	Bad Category = iota
	Normal
	Good
)

func (c Category) String() string {
	switch c {
	case Good:
		return "good"
	case Normal:
		return "normal"
	default:
		return "bad"
	}
}

// Classify buckets a score: above 70 is good, 56..70 normal, below 56 bad.
func Classify(score int) Category {
	switch {
	case score > 70:
		return Good
	case score >= 56:
		return Normal
	default:
		return Bad
	}
}

func rate(r config.Rates, c Category) int {
	switch c {
	case Good:
		return r.Good
	case Normal:
		return r.Normal
	default:
		return r.Bad
	}
}

// Weights splits each category's percentage evenly over its scores. When
// every weight is zero all scores weigh the same.
func Weights(scores []int, rates config.Rates) []float64 {
	counts := map[Category]int{}
	for _, s := range scores {
		counts[Classify(s)]++
	}

	w := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		c := Classify(s)
		w[i] = float64(rate(rates, c)) / float64(max(counts[c], 1))
		sum += w[i]
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1
		}
	}
	return w
}

type SelectorOptions struct {
	// Fixed seeds the draw from user and date so a user gets one fortune per day.
	Fixed               bool
	HolidayRatesEnabled bool
	// Holidays are "MM-DD" dates.
	Holidays     []string
	NormalRates  config.Rates
	HolidayRates config.Rates
	Now          func() time.Time
}

// SelectorOptionsFrom maps plugin options onto selector options.
func SelectorOptionsFrom(o config.Options) SelectorOptions {
	return SelectorOptions{
		Fixed:               o.FixedDailyFortune,
		HolidayRatesEnabled: o.HolidayRatesEnabled,
		Holidays:            o.Holidays,
		NormalRates:         o.NormalRates,
		HolidayRates:        o.HolidayRates,
	}
}

// Draw is the outcome of a selection.
type Draw struct {
	Score int
	Index int
	Entry Entry
}

type Selector struct {
	opts SelectorOptions
	log  zerolog.Logger
}

func NewSelector(opts SelectorOptions, log zerolog.Logger) *Selector {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Selector{opts: opts, log: log}
}

// Rates returns the rates in effect at t.
func (s *Selector) Rates(t time.Time) (config.Rates, bool) {
	if s.opts.HolidayRatesEnabled && slices.Contains(s.opts.Holidays, t.Format("01-02")) {
		return s.opts.HolidayRates, true
	}
	return s.opts.NormalRates, false
}

// Select draws userID's fortune for today. It reports false when the catalog
// has no non-empty bucket.
func (s *Selector) Select(cat *Catalog, userID string) (Draw, bool) {
	now := s.opts.Now()

	var scores []int
	for _, score := range cat.Scores() {
		if len(cat.Entries(score)) > 0 {
			scores = append(scores, score)
		}
	}
	if len(scores) == 0 {
		return Draw{}, false
	}

	rates, holiday := s.Rates(now)
	if holiday {
		s.log.Info().Str("date", now.Format("01-02")).Msg("holiday rates in effect")
	}

	rng := s.rng(userID, now)
	score := scores[pick(rng, Weights(scores, rates))]
	entries := cat.Entries(score)
	idx := rng.IntN(len(entries))

	s.log.Debug().Str("user_id", userID).Int("score", score).Int("index", idx).Msg("fortune drawn")
	return Draw{Score: score, Index: idx, Entry: entries[idx]}, true
}

func (s *Selector) rng(userID string, now time.Time) *rand.Rand {
	if !s.opts.Fixed {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sum := sha256.Sum256([]byte(userID + "-" + now.Format(time.DateOnly)))
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
}

func pick(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	last := len(weights) - 1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if r < w {
			return i
		}
		r -= w
		last = i
	}
	return last
}
