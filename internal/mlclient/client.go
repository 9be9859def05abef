// Package mlclient calls the external ML scoring service over HTTP with
// bounded retries and a circuit breaker, so a degraded scoring backend
// slows down ML rules without taking the whole evaluation path with it.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls outright.
var ErrCircuitOpen = errors.New("scoring circuit open")

// Config holds scoring client settings.
type Config struct {
	// Timeout bounds a single HTTP call.
	Timeout time.Duration

	// Retries is the number of retries after a failed call.
	Retries int

	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration

	// BreakerFailures trips the breaker after this many consecutive
	// failures.
	BreakerFailures int

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default scoring client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         3 * time.Second,
		Retries:         2,
		RetryBackoff:    200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Client is an HTTP scorer for ML rules.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates a scoring client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ml-scorer",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("scoring circuit state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
	}
}

type scoreRequest struct {
	ModelVersion string             `json:"modelVersion"`
	Features     map[string]float64 `json:"features"`
}

type scoreResponse struct {
	Probability float64 `json:"probability"`
	ModelUsed   string  `json:"modelUsed,omitempty"`
}

// Score posts the feature vector to the endpoint and returns the fraud
// probability. Calls retry with exponential backoff; the breaker rejects
// them once the backend looks down, failing ML rules fast.
func (c *Client) Score(ctx context.Context, endpointURL, modelVersion string, features map[string]float64) (float64, error) {
	var lastErr error
	backoff := c.cfg.RetryBackoff

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		prob, err := c.scoreOnce(ctx, endpointURL, modelVersion, features)
		if err == nil {
			return prob, nil
		}
		lastErr = err

		// Neither a rejected call nor a caller cancellation will succeed
		// on retry.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		slog.Debug("scoring call failed, retrying",
			"endpoint", endpointURL,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return 0, fmt.Errorf("scoring failed after %d attempts: %w", c.cfg.Retries+1, lastErr)
}

func (c *Client) scoreOnce(ctx context.Context, endpointURL, modelVersion string, features map[string]float64) (float64, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, endpointURL, modelVersion, features)
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (c *Client) post(ctx context.Context, endpointURL, modelVersion string, features map[string]float64) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		ModelVersion: modelVersion,
		Features:     features,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("scoring service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("failed to decode scoring response: %w", err)
	}
	if decoded.Probability < 0 || decoded.Probability > 1 {
		return 0, fmt.Errorf("scoring service returned probability %f outside [0,1]", decoded.Probability)
	}
	return decoded.Probability, nil
}
