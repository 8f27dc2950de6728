package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
	"github.com/alanyoungcy/polywhale/internal/platform/polymarket"
)

// TokenSource lists the outcome tokens whose prices should be streamed.
type TokenSource interface {
	WatchedTokens() []string
}

// PriceStream keeps the price cache fresh from the venue WebSocket. The
// subscription is rebuilt every refresh interval so newly seen markets
// are picked up.
type PriceStream struct {
	wsURL   string
	tokens  TokenSource
	cache   domain.PriceCache
	refresh time.Duration
	logger  *slog.Logger
}

// NewPriceStream creates a PriceStream.
func NewPriceStream(wsURL string, tokens TokenSource, cache domain.PriceCache, refresh time.Duration, logger *slog.Logger) *PriceStream {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &PriceStream{
		wsURL:   wsURL,
		tokens:  tokens,
		cache:   cache,
		refresh: refresh,
		logger:  logger.With(slog.String("component", "price_stream")),
	}
}

// Run streams until ctx is cancelled.
func (s *PriceStream) Run(ctx context.Context) error {
	client := polymarket.NewWSClient(s.wsURL, s.onTick(ctx), s.logger)
	for {
		ids := s.tokens.WatchedTokens()
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.refresh):
				continue
			}
		}
		if err := client.Run(ctx, ids, s.refresh); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *PriceStream) onTick(ctx context.Context) polymarket.PriceHandler {
	return func(t polymarket.PriceTick) {
		if err := s.cache.SetPrice(ctx, t.AssetID, t.Price, t.At); err != nil && ctx.Err() == nil {
			s.logger.Warn("price cache write failed",
				slog.String("asset", t.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
}
