package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// Venue places a single order. Failures should be *domain.ExecutionError;
// any other error is treated as a venue error.
type Venue interface {
	PlaceOrder(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error)
}

// Config bounds one dispatch.
type Config struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for retryable failures.
	MaxRetries int
	// RetryBackoff is the pause before the first retry; it doubles after.
	RetryBackoff time.Duration
	// DedupTTL is how long a dispatched opportunity id is remembered.
	DedupTTL time.Duration
}

// DefaultConfig returns the production dispatch settings.
func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 500 * time.Millisecond,
		DedupTTL:     30 * time.Minute,
	}
}

// Executor is the execution sink. It dispatches each opportunity at most
// once, with a timeout per attempt and a bounded retry for timeouts and
// venue errors.
type Executor struct {
	venue  Venue
	dedup  *Dedup
	cfg    Config
	logger *slog.Logger

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor that places orders through venue.
func NewExecutor(venue Venue, cfg Config, logger *slog.Logger) *Executor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	return &Executor{
		venue:           venue,
		dedup:           NewDedup(cfg.DedupTTL),
		cfg:             cfg,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: time.Minute,
	}
}

// Execute dispatches req. A request whose opportunity already filled within
// the dedup window fails with kind duplicate. A failed dispatch is forgotten
// so the opportunity can be retried in a later cycle.
func (e *Executor) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	log := e.logger.With(
		slog.String("opportunity_id", req.OpportunityID),
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
	)

	if e.dedup.IsDuplicate(req.OpportunityID) {
		log.Warn("opportunity already dispatched, skipping")
		return domain.Fill{}, &domain.ExecutionError{
			Kind: domain.FailureDuplicate,
			Err:  fmt.Errorf("opportunity %s: %w", req.OpportunityID, domain.ErrDuplicate),
		}
	}

	fill, err := e.dispatch(ctx, req, log)
	if err != nil {
		e.dedup.Forget(req.OpportunityID)
		return domain.Fill{}, err
	}
	log.Info("order filled",
		slog.String("order_id", fill.OrderID),
		slog.Float64("price", fill.Price),
		slog.String("filled", fill.FilledSize.StringFixed(2)),
	)
	return fill, nil
}

func (e *Executor) dispatch(ctx context.Context, req domain.ExecutionRequest, log *slog.Logger) (domain.Fill, error) {
	backoff := e.cfg.RetryBackoff
	var lastErr *domain.ExecutionError
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Fill{}, classify(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		fill, err := e.attempt(ctx, req)
		if err == nil {
			return fill, nil
		}
		lastErr = classify(err)
		log.Warn("order attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("kind", string(lastErr.Kind)),
			slog.String("error", lastErr.Error()),
		)
		if !lastErr.Retryable() {
			break
		}
	}
	return domain.Fill{}, lastErr
}

func (e *Executor) attempt(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	fill, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		return domain.Fill{}, err
	}
	if fill.Price > req.MaxPrice {
		return domain.Fill{}, &domain.ExecutionError{
			Kind: domain.FailurePriceMoved,
			Err:  fmt.Errorf("filled at %.4f above limit %.4f", fill.Price, req.MaxPrice),
		}
	}
	return fill, nil
}

// classify maps an arbitrary error onto an execution failure kind.
func classify(err error) *domain.ExecutionError {
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ExecutionError{Kind: domain.FailureTimeout, Err: err}
	}
	return &domain.ExecutionError{Kind: domain.FailureVenue, Err: err}
}

// Run garbage-collects the dedup window until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.dedup.Cleanup()
		}
	}
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}
