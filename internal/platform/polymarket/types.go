package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether a flag is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is a market as returned by the Gamma API. Outcomes, prices and
// token ids arrive as JSON-encoded string arrays.
type APIMarket struct {
	ID            string    `json:"id"`
	Question      string    `json:"question"`
	ConditionID   string    `json:"conditionId"`
	Slug          string    `json:"slug"`
	Category      string    `json:"category"`
	EndDate       string    `json:"endDate"`
	Active        flexBool  `json:"active"`
	Closed        flexBool  `json:"closed"`
	Outcomes      string    `json:"outcomes"`      // e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string    `json:"outcomePrices"` // e.g. "[\"0.97\",\"0.03\"]"
	ClobTokenIDs  string    `json:"clobTokenIds"`  // e.g. "[\"123\",\"456\"]"
	Volume24h     flexFloat `json:"volume24hr"`
	Events        []struct {
		Category string `json:"category"`
	} `json:"events"`
}

// resolvedPrice is the settlement price threshold of a closed market.
const resolvedPrice = 0.999

// ToSnapshot converts a binary Yes/No market into a domain snapshot. ok is
// false for markets with any other outcome set.
func (m *APIMarket) ToSnapshot(observedAt time.Time) (snap domain.MarketSnapshot, ok bool) {
	outcomes := decodeStringArray(m.Outcomes)
	if len(outcomes) != 2 || !strings.EqualFold(outcomes[0], "yes") || !strings.EqualFold(outcomes[1], "no") {
		return domain.MarketSnapshot{}, false
	}
	sides := [2]domain.Outcome{domain.OutcomeYes, domain.OutcomeNo}

	snap = domain.MarketSnapshot{
		MarketID:   m.ConditionID,
		Slug:       m.Slug,
		Question:   m.Question,
		Category:   m.category(),
		Prices:     make(map[domain.Outcome]float64, 2),
		TokenIDs:   make(map[domain.Outcome]string, 2),
		Volume24h:  float64(m.Volume24h),
		Closed:     bool(m.Closed),
		ObservedAt: observedAt,
	}
	if snap.MarketID == "" {
		snap.MarketID = m.ID
	}
	for i, p := range decodeStringArray(m.OutcomePrices) {
		if i >= 2 {
			break
		}
		if v, err := strconv.ParseFloat(p, 64); err == nil {
			snap.Prices[sides[i]] = v
		}
	}
	for i, id := range decodeStringArray(m.ClobTokenIDs) {
		if i >= 2 {
			break
		}
		snap.TokenIDs[sides[i]] = id
	}
	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		snap.SettleAt = t
	}
	if snap.Closed {
		for _, side := range sides {
			if snap.Prices[side] >= resolvedPrice {
				snap.Resolved = true
				snap.Winner = side
			}
		}
	}
	return snap, true
}

func (m *APIMarket) category() string {
	if m.Category != "" {
		return strings.ToLower(m.Category)
	}
	for _, e := range m.Events {
		if e.Category != "" {
			return strings.ToLower(e.Category)
		}
	}
	return ""
}

func decodeStringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APITrade is one fill from the Data API /trades endpoint. Size is in
// outcome shares.
type APITrade struct {
	ProxyWallet     string      `json:"proxyWallet"`
	Side            string      `json:"side"` // "BUY" or "SELL"
	Asset           string      `json:"asset"`
	ConditionID     string      `json:"conditionId"`
	Size            json.Number `json:"size"`
	Price           json.Number `json:"price"`
	Timestamp       json.Number `json:"timestamp"`
	Title           string      `json:"title"`
	Slug            string      `json:"slug"`
	Outcome         string      `json:"outcome"`
	Name            string      `json:"name"`
	Pseudonym       string      `json:"pseudonym"`
	TransactionHash string      `json:"transactionHash"`
}

// ID is a stable identifier for the fill; the Data API has no trade id.
func (t *APITrade) ID() string {
	return strings.ToLower(t.TransactionHash) + ":" + t.Asset + ":" + strings.ToLower(t.ProxyWallet)
}

// ToObservation converts the fill into a counterparty trade. ok is false
// for fills on non-binary outcomes or with unparseable numbers.
func (t *APITrade) ToObservation() (domain.TradeObservation, bool) {
	var side domain.Outcome
	switch strings.ToLower(t.Outcome) {
	case "yes":
		side = domain.OutcomeYes
	case "no":
		side = domain.OutcomeNo
	default:
		return domain.TradeObservation{}, false
	}
	var action domain.TradeAction
	switch strings.ToUpper(t.Side) {
	case "BUY":
		action = domain.ActionBuy
	case "SELL":
		action = domain.ActionSell
	default:
		return domain.TradeObservation{}, false
	}
	price, err := t.Price.Float64()
	if err != nil || price <= 0 {
		return domain.TradeObservation{}, false
	}
	shares, err := decimal.NewFromString(t.Size.String())
	if err != nil {
		return domain.TradeObservation{}, false
	}
	nickname := t.Name
	if nickname == "" {
		nickname = t.Pseudonym
	}
	return domain.TradeObservation{
		ID:        t.ID(),
		Address:   t.ProxyWallet,
		Nickname:  nickname,
		MarketID:  t.ConditionID,
		Side:      side,
		Action:    action,
		Price:     price,
		Size:      shares.Mul(decimal.NewFromFloat(price)).Round(6),
		Timestamp: parseTimestamp(t.Timestamp.String()),
		TxHash:    t.TransactionHash,
	}, true
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand subscribes the market channel to a set of token ids.
type WSCommand struct {
	Type   string   `json:"type"` // "market"
	Assets []string `json:"assets_ids"`
}

// PriceMessage is a last_trade_price event.
type PriceMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// PriceChangeMessage is a price_change event carrying best bid/ask per
// changed token.
type PriceChangeMessage struct {
	EventType string `json:"event_type"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`
	Changes   []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
}

// PriceTick is one observed token price.
type PriceTick struct {
	AssetID string
	Price   float64
	At      time.Time
}

// ticks flattens a price_change event. The midpoint is used when both best
// prices are present.
func (m *PriceChangeMessage) ticks(fallback time.Time) []PriceTick {
	at := parseTimestamp(m.Timestamp)
	if at.IsZero() {
		at = fallback
	}
	out := make([]PriceTick, 0, len(m.Changes))
	for _, c := range m.Changes {
		bid, errBid := strconv.ParseFloat(c.BestBid, 64)
		ask, errAsk := strconv.ParseFloat(c.BestAsk, 64)
		var price float64
		switch {
		case errBid == nil && errAsk == nil && bid > 0 && ask > 0:
			price = (bid + ask) / 2
		default:
			p, err := strconv.ParseFloat(c.Price, 64)
			if err != nil {
				continue
			}
			price = p
		}
		out = append(out, PriceTick{AssetID: c.AssetID, Price: price, At: at})
	}
	return out
}

func (m *PriceMessage) tick(fallback time.Time) (PriceTick, bool) {
	p, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return PriceTick{}, false
	}
	at := parseTimestamp(m.Timestamp)
	if at.IsZero() {
		at = fallback
	}
	return PriceTick{AssetID: m.AssetID, Price: p, At: at}, true
}
