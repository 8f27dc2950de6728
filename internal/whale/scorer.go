// Package whale scores counterparties and maintains the append-only whale
// ledger that discovery writes and the decision cycle reads.
package whale

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

const week = 7 * 24 * time.Hour

// Weights are the sub-score weights. They sum to 1.
type Weights struct {
	WinRate     float64
	Consistency float64
	Timing      float64
	Selection   float64
	Risk        float64
}

// ScorerConfig holds the scoring constants.
type ScorerConfig struct {
	MinTrades           int
	WinRateCeiling      float64
	ConsistencyWeeks    int
	SmartMoneyThreshold float64
	NeutralThreshold    float64
	CopyThreshold       float64
	SpecializationShare float64
	Weights             Weights
}

// DefaultScorerConfig returns the production scoring constants.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MinTrades:           10,
		WinRateCeiling:      0.85,
		ConsistencyWeeks:    12,
		SmartMoneyThreshold: 0.75,
		NeutralThreshold:    0.50,
		CopyThreshold:       0.70,
		SpecializationShare: 0.60,
		Weights: Weights{
			WinRate:     0.40,
			Consistency: 0.20,
			Timing:      0.15,
			Selection:   0.15,
			Risk:        0.10,
		},
	}
}

// Result is the outcome of scoring one counterparty.
type Result struct {
	Score          float64
	Components     domain.ScoreComponents
	Classification domain.Classification
	Tracked        bool
	Specialization string
	Wins           int
	Losses         int
}

// Scorer computes quality scores from ledger history. It holds no state
// and is safe for concurrent use.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer creates a Scorer.
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer configuration.
func (s *Scorer) Config() ScorerConfig { return s.cfg }

// Score rates a counterparty from its ledger. Consistency buckets are
// anchored at asOf. Histories shorter than the minimum sample return
// domain.ErrDataInsufficient.
func (s *Scorer) Score(history []domain.LedgerEntry, asOf time.Time) (Result, error) {
	if len(history) < s.cfg.MinTrades {
		return Result{Classification: domain.ClassUnscored},
			fmt.Errorf("whale: score: %d trades, need %d: %w", len(history), s.cfg.MinTrades, domain.ErrDataInsufficient)
	}

	wins, losses := countOutcomes(history)
	c := domain.ScoreComponents{
		WinRate:     s.winRateScore(wins, losses),
		Consistency: s.consistencyScore(history, asOf),
		Timing:      timingScore(history),
		Selection:   selectionScore(history),
		Risk:        riskScore(history),
	}
	w := s.cfg.Weights
	score := w.WinRate*c.WinRate +
		w.Consistency*c.Consistency +
		w.Timing*c.Timing +
		w.Selection*c.Selection +
		w.Risk*c.Risk
	score = clamp01(score)

	return Result{
		Score:          score,
		Components:     c,
		Classification: s.Classify(score),
		Tracked:        score >= s.cfg.CopyThreshold,
		Specialization: s.specialization(history),
		Wins:           wins,
		Losses:         losses,
	}, nil
}

// Classify maps a score onto a classification bucket.
func (s *Scorer) Classify(score float64) domain.Classification {
	switch {
	case score >= s.cfg.SmartMoneyThreshold:
		return domain.ClassSmartMoney
	case score >= s.cfg.NeutralThreshold:
		return domain.ClassNeutral
	default:
		return domain.ClassDumbMoney
	}
}

func countOutcomes(history []domain.LedgerEntry) (wins, losses int) {
	for _, e := range history {
		if !e.Closed() {
			continue
		}
		switch r := e.Return(); {
		case r > 0:
			wins++
		case r < 0:
			losses++
		}
	}
	return wins, losses
}

func (s *Scorer) winRateScore(wins, losses int) float64 {
	n := wins + losses
	if n == 0 || s.cfg.WinRateCeiling <= 0 {
		return 0
	}
	return math.Min(float64(wins)/float64(n)/s.cfg.WinRateCeiling, 1)
}

// consistencyScore is the share of active trailing weeks whose aggregate
// realised P&L is non-negative. Weeks without closed trades are ignored.
func (s *Scorer) consistencyScore(history []domain.LedgerEntry, asOf time.Time) float64 {
	buckets := make(map[int]float64)
	for _, e := range history {
		if !e.Closed() || e.ExitedAt == nil {
			continue
		}
		age := asOf.Sub(*e.ExitedAt)
		if age < 0 {
			age = 0
		}
		idx := int(age / week)
		if idx >= s.cfg.ConsistencyWeeks {
			continue
		}
		pnl, _ := e.PnL().Float64()
		buckets[idx] += pnl
	}
	if len(buckets) == 0 {
		return 0.5
	}
	good := 0
	for _, pnl := range buckets {
		if pnl >= 0 {
			good++
		}
	}
	return float64(good) / float64(len(buckets))
}

// timingScore averages, over closed entries with a known prior price, the
// share of the total move (prior to exit) that happened after the entry.
func timingScore(history []domain.LedgerEntry) float64 {
	var sum float64
	var n int
	for _, e := range history {
		if !e.Closed() || e.PriorPrice == nil {
			continue
		}
		total := *e.ExitPrice - *e.PriorPrice
		after := *e.ExitPrice - e.EntryPrice
		switch {
		case total > 0:
			sum += clamp01(after / total)
		case total < 0:
			// market moved against the position overall
		default:
			continue
		}
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

// selectionScore is 1 minus the normalised Shannon entropy of the category
// distribution. A single category scores 1.
func selectionScore(history []domain.LedgerEntry) float64 {
	counts := categoryCounts(history)
	if len(counts) <= 1 {
		return 1
	}
	total := float64(len(history))
	var h float64
	for _, c := range counts {
		p := float64(c) / total
		h -= p * math.Log(p)
	}
	return clamp01(1 - h/math.Log(float64(len(counts))))
}

// riskScore is a Sharpe-like mean/stddev of per-trade returns, clipped to
// [0, 2] and halved.
func riskScore(history []domain.LedgerEntry) float64 {
	var returns []float64
	for _, e := range history {
		if e.Closed() {
			returns = append(returns, e.Return())
		}
	}
	if len(returns) < 2 {
		return 0.5
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		if mean > 0 {
			return 1
		}
		return 0
	}
	sharpe := math.Max(0, math.Min(mean/std, 2))
	return sharpe / 2
}

func (s *Scorer) specialization(history []domain.LedgerEntry) string {
	counts := categoryCounts(history)
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	best, bestN := "", 0
	for _, c := range cats {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	if best == uncategorized || float64(bestN)/float64(len(history)) < s.cfg.SpecializationShare {
		return ""
	}
	return best
}

const uncategorized = "other"

func categoryCounts(history []domain.LedgerEntry) map[string]int {
	counts := make(map[string]int)
	for _, e := range history {
		c := e.Category
		if c == "" {
			c = uncategorized
		}
		counts[c]++
	}
	return counts
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}
