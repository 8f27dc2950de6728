package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

type fakeLedger struct {
	open    []string
	settled map[string]domain.Outcome
}

func (l *fakeLedger) OpenMarkets() []string { return l.open }

func (l *fakeLedger) Settle(_ context.Context, marketID string, winner domain.Outcome, _ time.Time) (int, error) {
	if l.settled == nil {
		l.settled = make(map[string]domain.Outcome)
	}
	l.settled[marketID] = winner
	return 2, nil
}

type fakeResolver map[string]domain.MarketSnapshot

func (r fakeResolver) Refresh(_ context.Context, id string) (domain.MarketSnapshot, error) {
	snap, ok := r[id]
	if !ok {
		return domain.MarketSnapshot{}, errors.New("gamma unavailable")
	}
	return snap, nil
}

func TestSettlement_Sweep(t *testing.T) {
	ledger := &fakeLedger{open: []string{"live", "missing", "won"}}
	markets := fakeResolver{
		"live": {MarketID: "live"},
		"won":  {MarketID: "won", Closed: true, Resolved: true, Winner: domain.OutcomeNo},
	}
	var forgotten []string
	s := NewSettlement(ledger, markets, func(id string) { forgotten = append(forgotten, id) }, discard())
	s.SetClock(func() time.Time { return t0 })

	n, err := s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]domain.Outcome{"won": domain.OutcomeNo}, ledger.settled)
	assert.Equal(t, []string{"won"}, forgotten)
}
