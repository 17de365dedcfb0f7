package fortune

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mew/jrys/internal/jrys/config"
)

func fixedNow(s string) func() time.Time {
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t.Add(9 * time.Hour) }
}

func sampleCatalog() *Catalog {
	return NewCatalog(map[int][]Entry{
		90: {{FortuneSummary: "大吉"}, {FortuneSummary: "吉"}},
		60: {{FortuneSummary: "中平"}},
		30: {{FortuneSummary: "凶"}},
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Good, Classify(71))
	assert.Equal(t, Normal, Classify(70))
	assert.Equal(t, Normal, Classify(56))
	assert.Equal(t, Bad, Classify(55))
	assert.Equal(t, Bad, Classify(-3))
}

func TestWeights_SplitCategoryRateOverItsScores(t *testing.T) {
	w := Weights([]int{80, 90, 60}, config.Rates{Good: 40, Normal: 40, Bad: 20})
	assert.Equal(t, []float64{20, 20, 40}, w)
}

func TestWeights_OneScorePerCategoryKeepsRates(t *testing.T) {
	w := Weights([]int{80, 60, 30}, config.Rates{Good: 40, Normal: 40, Bad: 20})
	assert.Equal(t, []float64{40, 40, 20}, w)
}

func TestSelect_FullGoodRateAlwaysPicksTheGoodKey(t *testing.T) {
	cat := NewCatalog(map[int][]Entry{80: {{FortuneSummary: "大吉"}}})
	for _, fixed := range []bool{true, false} {
		s := NewSelector(SelectorOptions{
			Fixed:       fixed,
			NormalRates: config.Rates{Good: 100},
			Now:         fixedNow("2024-03-05"),
		}, zerolog.Nop())
		for i := 0; i < 20; i++ {
			d, ok := s.Select(cat, "u1")
			require.True(t, ok)
			assert.Equal(t, 80, d.Score)
			assert.Equal(t, "大吉", d.Entry.FortuneSummary)
		}
	}
}

func TestWeights_AllZeroFallsBackToUniform(t *testing.T) {
	w := Weights([]int{80, 60, 30}, config.Rates{})
	assert.Equal(t, []float64{1, 1, 1}, w)
}

func TestSelect_FixedIsDeterministicPerUserAndDay(t *testing.T) {
	opts := SelectorOptions{
		Fixed:       true,
		NormalRates: config.Rates{Good: 40, Normal: 40, Bad: 20},
		Now:         fixedNow("2024-03-05"),
	}
	cat := sampleCatalog()

	first, ok := NewSelector(opts, zerolog.Nop()).Select(cat, "u1")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		d, ok := NewSelector(opts, zerolog.Nop()).Select(cat, "u1")
		require.True(t, ok)
		assert.Equal(t, first, d)
	}
}

func TestSelect_DifferentDaysEventuallyDiffer(t *testing.T) {
	cat := sampleCatalog()
	seen := map[Draw]bool{}
	for day := 1; day <= 28; day++ {
		opts := SelectorOptions{
			Fixed:       true,
			NormalRates: config.Rates{Good: 40, Normal: 40, Bad: 20},
			Now:         fixedNow(time.Date(2024, 2, day, 0, 0, 0, 0, time.Local).Format(time.DateOnly)),
		}
		d, ok := NewSelector(opts, zerolog.Nop()).Select(cat, "u1")
		require.True(t, ok)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestSelect_HolidayRatesApply(t *testing.T) {
	opts := SelectorOptions{
		HolidayRatesEnabled: true,
		Holidays:            []string{"01-01"},
		NormalRates:         config.Rates{Bad: 100},
		HolidayRates:        config.Rates{Good: 100},
		Now:                 fixedNow("2024-01-01"),
	}
	sel := NewSelector(opts, zerolog.Nop())
	for i := 0; i < 50; i++ {
		d, ok := sel.Select(sampleCatalog(), "u1")
		require.True(t, ok)
		assert.Equal(t, 90, d.Score)
	}

	opts.Now = fixedNow("2024-01-02")
	sel = NewSelector(opts, zerolog.Nop())
	for i := 0; i < 50; i++ {
		d, ok := sel.Select(sampleCatalog(), "u1")
		require.True(t, ok)
		assert.Equal(t, 30, d.Score)
	}

	opts.HolidayRatesEnabled = false
	opts.Now = fixedNow("2024-01-01")
	rates, holiday := NewSelector(opts, zerolog.Nop()).Rates(opts.Now())
	assert.False(t, holiday)
	assert.Equal(t, config.Rates{Bad: 100}, rates)
}

func TestSelect_SkipsEmptyBuckets(t *testing.T) {
	cat := NewCatalog(map[int][]Entry{
		90: {},
		40: {{FortuneSummary: "末吉"}},
	})
	sel := NewSelector(SelectorOptions{NormalRates: config.Rates{Good: 100}}, zerolog.Nop())
	for i := 0; i < 20; i++ {
		d, ok := sel.Select(cat, "u1")
		require.True(t, ok)
		assert.Equal(t, 40, d.Score)
		assert.Equal(t, "末吉", d.Entry.FortuneSummary)
	}

	_, ok := sel.Select(NewCatalog(map[int][]Entry{50: {}}), "u1")
	assert.False(t, ok)
	_, ok = sel.Select(nil, "u1")
	assert.False(t, ok)
}

func TestSelect_DistributionFollowsRates(t *testing.T) {
	cat := NewCatalog(map[int][]Entry{90: {{}}, 60: {{}}, 30: {{}}})
	sel := NewSelector(SelectorOptions{NormalRates: config.Rates{Good: 80, Normal: 20}}, zerolog.Nop())

	counts := map[int]int{}
	const n = 5000
	for i := 0; i < n; i++ {
		d, _ := sel.Select(cat, "u1")
		counts[d.Score]++
	}
	assert.Zero(t, counts[30])
	assert.InDelta(t, 0.8, float64(counts[90])/n, 0.05)
	assert.InDelta(t, 0.2, float64(counts[60])/n, 0.05)
}
