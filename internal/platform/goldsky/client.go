// Package goldsky reads on-chain order fills of the Polymarket CTF Exchange
// from the Goldsky subgraph and exposes them as a counterparty trade feed.
package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// usdcAssetID marks the collateral side of a fill. When the maker asset is
// USDC the maker is buying outcome tokens.
const usdcAssetID = "0"

// TokenResolver maps an outcome token id onto its market and side.
type TokenResolver interface {
	ResolveToken(ctx context.Context, tokenID string) (marketID string, side domain.Outcome, category string, err error)
}

// Client is a GraphQL client for the Goldsky subgraph. It implements
// domain.TradeFeed.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
	tokens     TokenResolver
	logger     *slog.Logger
}

// NewClient creates a new Goldsky GraphQL client.
//
// graphqlURL is the subgraph endpoint, e.g.
// "https://api.goldsky.com/api/public/.../subgraphs/polymarket-orderbook-resync/gn".
func NewClient(graphqlURL, apiKey string, tokens TokenResolver, logger *slog.Logger) *Client {
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		logger:     logger.With(slog.String("component", "goldsky")),
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fill is one orderFilledEvent with amounts in base units (1e6).
type Fill struct {
	ID                string `json:"id"`
	TransactionHash   string `json:"transactionHash"`
	Timestamp         string `json:"timestamp"`
	Maker             string `json:"maker"`
	MakerAssetID      string `json:"makerAssetId"`
	MakerAmountFilled string `json:"makerAmountFilled"`
	Taker             string `json:"taker"`
	TakerAssetID      string `json:"takerAssetId"`
	TakerAmountFilled string `json:"takerAmountFilled"`
}

const fillsQuery = `
	query OrderFills($since: BigInt!, $first: Int!) {
		orderFilledEvents(
			first: $first
			orderBy: timestamp
			orderDirection: asc
			where: { timestamp_gte: $since }
		) {
			id
			transactionHash
			timestamp
			maker
			makerAssetId
			makerAmountFilled
			taker
			takerAssetId
			takerAmountFilled
		}
	}
`

// FetchOrderFills returns fills at or after since, oldest first.
func (c *Client) FetchOrderFills(ctx context.Context, since time.Time, first int) ([]Fill, error) {
	respData, err := c.doQuery(ctx, fillsQuery, map[string]any{
		"since": strconv.FormatInt(since.Unix(), 10),
		"first": first,
	})
	if err != nil {
		return nil, fmt.Errorf("goldsky: fetch order fills: %w", err)
	}
	var result struct {
		OrderFilledEvents []Fill `json:"orderFilledEvents"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("goldsky: decode order fills: %w", err)
	}
	return result.OrderFilledEvents, nil
}

// Fetch implements domain.TradeFeed. Each fill yields one observation per
// party; fills on tokens the resolver does not know are skipped.
func (c *Client) Fetch(ctx context.Context, cursor domain.TradeCursor, limit int) ([]domain.TradeObservation, domain.TradeCursor, error) {
	if limit <= 0 {
		limit = 500
	}
	fills, err := c.FetchOrderFills(ctx, cursor.Timestamp, limit)
	if err != nil {
		return nil, cursor, err
	}

	next := cursor
	var out []domain.TradeObservation
	for _, f := range fills {
		ts := fillTime(f)
		if ts.Before(cursor.Timestamp) || (ts.Equal(cursor.Timestamp) && f.ID <= cursor.LastID) {
			continue
		}
		next = domain.TradeCursor{Timestamp: ts, LastID: f.ID}

		obs, err := c.observations(ctx, f, ts)
		if err != nil {
			c.logger.DebugContext(ctx, "skipping fill",
				slog.String("fill", f.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, obs...)
	}
	return out, next, nil
}

// observations converts a fill into the maker's and the taker's trades.
func (c *Client) observations(ctx context.Context, f Fill, ts time.Time) ([]domain.TradeObservation, error) {
	makerAmt, err := decimal.NewFromString(f.MakerAmountFilled)
	if err != nil {
		return nil, fmt.Errorf("maker amount: %w", err)
	}
	takerAmt, err := decimal.NewFromString(f.TakerAmountFilled)
	if err != nil {
		return nil, fmt.Errorf("taker amount: %w", err)
	}

	var (
		tokenID            string
		usdc, tokens       decimal.Decimal
		makerAct, takerAct domain.TradeAction
	)
	switch {
	case f.MakerAssetID == usdcAssetID:
		tokenID, usdc, tokens = f.TakerAssetID, makerAmt, takerAmt
		makerAct, takerAct = domain.ActionBuy, domain.ActionSell
	case f.TakerAssetID == usdcAssetID:
		tokenID, usdc, tokens = f.MakerAssetID, takerAmt, makerAmt
		makerAct, takerAct = domain.ActionSell, domain.ActionBuy
	default:
		return nil, fmt.Errorf("no collateral leg")
	}
	if tokens.IsZero() {
		return nil, fmt.Errorf("zero token amount")
	}

	marketID, side, category, err := c.tokens.ResolveToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("resolve token %s: %w", tokenID, err)
	}
	price, _ := usdc.Div(tokens).Float64()
	notional := usdc.Shift(-6)

	build := func(party, role string, action domain.TradeAction) domain.TradeObservation {
		return domain.TradeObservation{
			ID:        f.ID + ":" + role,
			Address:   party,
			MarketID:  marketID,
			Category:  category,
			Side:      side,
			Action:    action,
			Price:     price,
			Size:      notional,
			Timestamp: ts,
			TxHash:    f.TransactionHash,
		}
	}
	return []domain.TradeObservation{
		build(f.Maker, "maker", makerAct),
		build(f.Taker, "taker", takerAct),
	}, nil
}

func fillTime(f Fill) time.Time {
	sec, err := strconv.ParseInt(f.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// FetchLatestBlock returns the latest block number indexed by the subgraph.
func (c *Client) FetchLatestBlock(ctx context.Context) (int64, error) {
	query := `
		query LatestBlock {
			_meta {
				block {
					number
				}
			}
		}
	`
	respData, err := c.doQuery(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("goldsky: fetch latest block: %w", err)
	}
	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return 0, fmt.Errorf("goldsky: decode latest block: %w", err)
	}
	return result.Meta.Block.Number, nil
}

// doQuery executes a GraphQL query and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}
