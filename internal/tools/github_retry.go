package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. Default: 3
	MaxRetries int

	// InitialBackoff is the first wait. Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, rate limit waits included. Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait between attempts. Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default GitHub retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
}

// retry runs op with exponential backoff while it fails with a transient
// or rate limit error.
func (g *GitHub) retry(ctx context.Context, op string, fn func() (*github.Response, error)) (*github.Response, error) {
	return retryGitHub(ctx, g.cfg.Retry, g.cfg.Logger.With(zap.String("operation", op)), fn)
}

func retryGitHub(ctx context.Context, cfg RetryConfig, log *zap.Logger, fn func() (*github.Response, error)) (*github.Response, error) {
	cfg.ApplyDefaults()
	var (
		lastErr  error
		lastResp *github.Response
		backoff  = cfg.InitialBackoff
		start    = time.Now()
	)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := fn()
		if err == nil {
			if attempt > 0 {
				log.Info("github call recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if !retryableGitHubError(err, resp) {
			log.Debug("github error is not retryable", zap.Error(err), zap.Int("status_code", statusCode(resp)))
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
			log.Info("github rate limit hit",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait))
		} else {
			log.Info("retrying github call",
				zap.Int("attempt", attempt+1),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("github call canceled: %w", ctx.Err())
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	log.Warn("github call failed after retries",
		zap.Int("total_attempts", cfg.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Int("status_code", statusCode(lastResp)),
		zap.Error(lastErr))
	return lastResp, fmt.Errorf("after %d retries: %w", cfg.MaxRetries, lastErr)
}

func retryableGitHubError(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp == nil || resp.Response == nil {
		// Network errors and timeouts carry no response.
		return true
	}
	switch code := resp.StatusCode; code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits answer 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	default:
		return code >= 500 && code < 600
	}
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0)
}

// rateLimitBackoff waits until the advertised reset, capped at max.
func rateLimitBackoff(resp *github.Response, max time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return max
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	if wait > max {
		wait = max
	}
	return wait
}

func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}
