package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// DefaultDataURL is the production Data API root.
const DefaultDataURL = "https://data-api.polymarket.com"

// DataConfig configures the Data API trade feed.
type DataConfig struct {
	BaseURL    string
	RatePerSec float64
	// MinNotional filters fills server side by cash amount; 0 disables.
	MinNotional float64
	// MaxPages bounds how far back one Fetch pages to reach the cursor.
	MaxPages int
}

// DataClient reads the global trade tape from the Data API. It implements
// domain.TradeFeed.
type DataClient struct {
	rest *restClient
	cfg  DataConfig
}

// NewDataClient creates a Data API trade feed.
func NewDataClient(cfg DataConfig, logger *slog.Logger) *DataClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDataURL
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	return &DataClient{
		rest: newRESTClient(cfg.BaseURL, cfg.RatePerSec, 5, logger.With(slog.String("component", "data_api"))),
		cfg:  cfg,
	}
}

// Fetch returns up to limit observations strictly after cursor in
// (timestamp, id) order, and the cursor of the last one returned. The tape
// is served newest first, so pages are read until one reaches the cursor.
func (d *DataClient) Fetch(ctx context.Context, cursor domain.TradeCursor, limit int) ([]domain.TradeObservation, domain.TradeCursor, error) {
	if limit <= 0 {
		limit = 500
	}
	var fresh []domain.TradeObservation
	for page := 0; page < d.cfg.MaxPages; page++ {
		trades, err := d.page(ctx, limit, page*limit)
		if err != nil {
			return nil, cursor, fmt.Errorf("polymarket/data: fetch trades: %w", err)
		}
		reached := false
		for i := range trades {
			obs, ok := trades[i].ToObservation()
			if !ok {
				continue
			}
			if !after(obs, cursor) {
				reached = true
				continue
			}
			fresh = append(fresh, obs)
		}
		if reached || len(trades) < limit || cursor.Timestamp.IsZero() {
			break
		}
	}

	sort.Slice(fresh, func(i, j int) bool { return less(fresh[i], fresh[j]) })
	fresh = dedupe(fresh)
	if len(fresh) > limit {
		fresh = fresh[:limit]
	}
	if len(fresh) == 0 {
		return nil, cursor, nil
	}
	last := fresh[len(fresh)-1]
	return fresh, domain.TradeCursor{Timestamp: last.Timestamp, LastID: last.ID}, nil
}

func (d *DataClient) page(ctx context.Context, limit, offset int) ([]APITrade, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("takerOnly", "false")
	if d.cfg.MinNotional > 0 {
		params.Set("filterType", "CASH")
		params.Set("filterAmount", strconv.FormatFloat(d.cfg.MinNotional, 'f', -1, 64))
	}
	body, err := d.rest.doGet(ctx, "/trades?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var trades []APITrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return trades, nil
}

func after(obs domain.TradeObservation, c domain.TradeCursor) bool {
	if obs.Timestamp.Equal(c.Timestamp) {
		return obs.ID > c.LastID
	}
	return obs.Timestamp.After(c.Timestamp)
}

func less(a, b domain.TradeObservation) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// dedupe drops repeats of sorted observations; offset paging over a moving
// tape can return a fill twice.
func dedupe(sorted []domain.TradeObservation) []domain.TradeObservation {
	out := sorted[:0]
	for _, obs := range sorted {
		if len(out) > 0 && obs.ID == out[len(out)-1].ID {
			continue
		}
		out = append(out, obs)
	}
	return out
}
