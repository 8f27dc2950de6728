package polymarket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

const (
	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// restClient is the shared GET path for the public Gamma and Data APIs:
// client-side rate limit, retries on 429 and 5xx, domain error mapping.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryWait  time.Duration
	logger     *slog.Logger
}

func newRESTClient(baseURL string, ratePerSec float64, burst int, logger *slog.Logger) *restClient {
	if burst < 1 {
		burst = 1
	}
	return &restClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		retryWait:  baseRetryWait,
		logger:     logger,
	}
}

// doGet sends an unauthenticated GET and returns the body of a 2xx response.
func (c *restClient) doGet(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	wait := c.retryWait
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		body, status, err := c.once(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = checkHTTPStatus(status, body)
			c.logger.Warn("retrying request",
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err := checkHTTPStatus(status, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *restClient) once(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
