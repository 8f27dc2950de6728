package whale

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func closedEntry(i int, category string, prior, entry, exit float64, exitedAt time.Time) domain.LedgerEntry {
	p := prior
	x := exit
	t := exitedAt
	return domain.LedgerEntry{
		ID:         fmt.Sprintf("e%d", i),
		Address:    "0xabc",
		MarketID:   fmt.Sprintf("m%d", i),
		Category:   category,
		Side:       domain.OutcomeYes,
		EntryPrice: entry,
		PriorPrice: &p,
		Size:       decimal.NewFromInt(1000),
		ExitPrice:  &x,
		EnteredAt:  exitedAt.Add(-48 * time.Hour),
		ExitedAt:   &t,
	}
}

// strongHistory builds 12 closed trades in one category: 10 wins and 2
// small losses, each loss sharing a week with a larger win.
func strongHistory() []domain.LedgerEntry {
	var h []domain.LedgerEntry
	for i := 0; i < 10; i++ {
		at := asOf.Add(-time.Duration(i) * week).Add(-time.Hour)
		h = append(h, closedEntry(i, "politics", 0.40, 0.40, 1.0, at))
	}
	h = append(h, closedEntry(10, "politics", 0.50, 0.50, 0.45, asOf.Add(-2*time.Hour)))
	h = append(h, closedEntry(11, "politics", 0.50, 0.50, 0.45, asOf.Add(-week-2*time.Hour)))
	return h
}

func TestScorer_StrongHistoryIsSmartMoney(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	res, err := s.Score(strongHistory(), asOf)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Wins)
	assert.Equal(t, 2, res.Losses)
	assert.InDelta(t, (10.0/12.0)/0.85, res.Components.WinRate, 1e-9)
	assert.InDelta(t, 1.0, res.Components.Consistency, 1e-9)
	assert.InDelta(t, 1.0, res.Components.Selection, 1e-9)
	assert.GreaterOrEqual(t, res.Score, 0.75)
	assert.Equal(t, domain.ClassSmartMoney, res.Classification)
	assert.True(t, res.Tracked)
	assert.Equal(t, "politics", res.Specialization)
}

func TestScorer_WinRateCappedAtCeiling(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	assert.InDelta(t, 1.0, s.winRateScore(9, 1), 1e-9)
	assert.InDelta(t, 1.0, s.winRateScore(10, 0), 1e-9)
	assert.InDelta(t, 0.5/0.85, s.winRateScore(5, 5), 1e-9)
	assert.Zero(t, s.winRateScore(0, 0))
}

func TestScorer_BelowMinimumSampleIsUnscored(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	res, err := s.Score(strongHistory()[:9], asOf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDataInsufficient))
	assert.Equal(t, domain.ClassUnscored, res.Classification)
	assert.False(t, res.Tracked)
}

func TestScorer_Classify(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	tests := []struct {
		score float64
		want  domain.Classification
	}{
		{1.0, domain.ClassSmartMoney},
		{0.75, domain.ClassSmartMoney},
		{0.7499, domain.ClassNeutral},
		{0.50, domain.ClassNeutral},
		{0.4999, domain.ClassDumbMoney},
		{0, domain.ClassDumbMoney},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%.4f", tc.score), func(t *testing.T) {
			assert.Equal(t, tc.want, s.Classify(tc.score))
		})
	}
}

func TestScorer_TrackedThresholdIndependentOfClass(t *testing.T) {
	// A neutral whale scoring between the copy threshold and the smart
	// money threshold is still tracked.
	cfg := DefaultScorerConfig()
	s := NewScorer(cfg)
	assert.Equal(t, domain.ClassNeutral, s.Classify(0.72))
	assert.True(t, 0.72 >= cfg.CopyThreshold)
}

func TestSelectionScore(t *testing.T) {
	one := []domain.LedgerEntry{{Category: "sports"}, {Category: "sports"}}
	assert.InDelta(t, 1.0, selectionScore(one), 1e-9)

	even := []domain.LedgerEntry{{Category: "a"}, {Category: "b"}, {Category: "a"}, {Category: "b"}}
	assert.InDelta(t, 0.0, selectionScore(even), 1e-9)

	skewed := []domain.LedgerEntry{{Category: "a"}, {Category: "a"}, {Category: "a"}, {Category: "b"}}
	got := selectionScore(skewed)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 1.0)
}

func TestTimingScore(t *testing.T) {
	at := asOf
	early := closedEntry(0, "x", 0.30, 0.30, 1.0, at) // whole move after entry
	late := closedEntry(1, "x", 0.30, 0.90, 1.0, at)  // most of the move before entry
	assert.InDelta(t, 1.0, timingScore([]domain.LedgerEntry{early}), 1e-9)
	assert.InDelta(t, 0.1/0.7, timingScore([]domain.LedgerEntry{late}), 1e-9)

	noPrior := early
	noPrior.PriorPrice = nil
	assert.InDelta(t, 0.5, timingScore([]domain.LedgerEntry{noPrior}), 1e-9)
}

func TestConsistencyScore_LosingWeek(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	h := []domain.LedgerEntry{
		closedEntry(0, "x", 0.5, 0.5, 1.0, asOf.Add(-time.Hour)),
		closedEntry(1, "x", 0.5, 0.5, 0.1, asOf.Add(-week-time.Hour)),
		// outside the trailing window
		closedEntry(2, "x", 0.5, 0.5, 0.1, asOf.Add(-20*week)),
	}
	assert.InDelta(t, 0.5, s.consistencyScore(h, asOf), 1e-9)
}

func TestRiskScore(t *testing.T) {
	assert.InDelta(t, 0.5, riskScore(nil), 1e-9)

	same := []domain.LedgerEntry{
		closedEntry(0, "x", 0.5, 0.5, 0.6, asOf),
		closedEntry(1, "x", 0.5, 0.5, 0.6, asOf),
	}
	assert.InDelta(t, 1.0, riskScore(same), 1e-9)

	losing := []domain.LedgerEntry{
		closedEntry(0, "x", 0.5, 0.5, 0.4, asOf),
		closedEntry(1, "x", 0.5, 0.5, 0.3, asOf),
	}
	assert.InDelta(t, 0.0, riskScore(losing), 1e-9)
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" 0xAbCdEf0123456789aBcDeF0123456789AbCdEf01 ")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", got)

	_, err = NormalizeAddress("not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}
