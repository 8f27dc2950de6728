package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// DefaultGammaURL is the production Gamma API root.
const DefaultGammaURL = "https://gamma-api.polymarket.com"

const gammaPageSize = 100

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market metadata and prices.
type GammaClient struct {
	rest *restClient
	now  func() time.Time
}

// NewGammaClient creates a Gamma API client limited to ratePerSec requests.
func NewGammaClient(baseURL string, ratePerSec float64, logger *slog.Logger) *GammaClient {
	if baseURL == "" {
		baseURL = DefaultGammaURL
	}
	return &GammaClient{
		rest: newRESTClient(baseURL, ratePerSec, 10, logger.With(slog.String("component", "gamma"))),
		now:  time.Now,
	}
}

// Market returns the snapshot of one binary market by condition id.
func (g *GammaClient) Market(ctx context.Context, conditionID string) (domain.MarketSnapshot, error) {
	params := url.Values{}
	params.Set("condition_ids", conditionID)
	markets, err := g.list(ctx, params)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}
	now := g.now()
	for i := range markets {
		if snap, ok := markets[i].ToSnapshot(now); ok && snap.MarketID == conditionID {
			return snap, nil
		}
	}
	return domain.MarketSnapshot{}, fmt.Errorf("polymarket/gamma: %w: market=%s", domain.ErrNotFound, conditionID)
}

// MarketByToken returns the market holding the given outcome token and the
// side the token represents.
func (g *GammaClient) MarketByToken(ctx context.Context, tokenID string) (domain.MarketSnapshot, domain.Outcome, error) {
	params := url.Values{}
	params.Set("clob_token_ids", tokenID)
	markets, err := g.list(ctx, params)
	if err != nil {
		return domain.MarketSnapshot{}, "", fmt.Errorf("polymarket/gamma: market by token %s: %w", tokenID, err)
	}
	now := g.now()
	for i := range markets {
		snap, ok := markets[i].ToSnapshot(now)
		if !ok {
			continue
		}
		for side, id := range snap.TokenIDs {
			if id == tokenID {
				return snap, side, nil
			}
		}
	}
	return domain.MarketSnapshot{}, "", fmt.Errorf("polymarket/gamma: %w: token=%s", domain.ErrNotFound, tokenID)
}

// Candidates returns open binary markets whose end date falls within
// horizon of now, soonest first.
func (g *GammaClient) Candidates(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.MarketSnapshot, error) {
	var out []domain.MarketSnapshot
	for offset := 0; ; offset += gammaPageSize {
		params := url.Values{}
		params.Set("closed", "false")
		params.Set("active", "true")
		params.Set("end_date_min", now.UTC().Format(time.RFC3339))
		params.Set("end_date_max", now.Add(horizon).UTC().Format(time.RFC3339))
		params.Set("order", "endDate")
		params.Set("ascending", "true")
		params.Set("limit", strconv.Itoa(gammaPageSize))
		params.Set("offset", strconv.Itoa(offset))

		markets, err := g.list(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("polymarket/gamma: candidates: %w", err)
		}
		for i := range markets {
			if snap, ok := markets[i].ToSnapshot(now); ok && !snap.Closed {
				out = append(out, snap)
			}
		}
		if len(markets) < gammaPageSize {
			return out, nil
		}
	}
}

func (g *GammaClient) list(ctx context.Context, params url.Values) ([]APIMarket, error) {
	body, err := g.rest.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	return markets, nil
}
