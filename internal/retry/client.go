// Package retry places venue orders with jittered exponential backoff on
// transient failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Config bounds a retried placement.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no config is given or a field is invalid.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// OrderPlacer is the part of the venue the client retries.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderState, error)
}

// Client retries order placement.
type Client struct {
	broker OrderPlacer
	logger *logrus.Entry
	config Config
}

// NewClient creates a Client. Non-positive config fields fall back to
// DefaultConfig; a nil logger uses the standard logrus logger.
func NewClient(placer OrderPlacer, logger *logrus.Entry, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = DefaultConfig.MaxRetries
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = DefaultConfig.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = DefaultConfig.MaxBackoff
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig.Timeout
		}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Client{
		broker: placer,
		logger: logger,
		config: cfg,
	}
}

// PlaceWithRetry submits req, retrying transient failures until the order
// is accepted, retries run out, or the overall timeout elapses.
func (c *Client) PlaceWithRetry(ctx context.Context, req models.OrderRequest) (*models.OrderState, error) {
	if err := req.Validate(); err != nil {
		c.logger.WithError(err).Error("Refusing to place invalid order")
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
	}

	placeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	maxAttempts := c.config.MaxRetries + 1
	attempt := 0
	operation := func() (*models.OrderState, error) {
		attempt++
		log := c.logger.WithFields(logrus.Fields{
			"attempt": fmt.Sprintf("%d/%d", attempt, maxAttempts),
			"side":    req.Side,
			"type":    req.Type,
			"price":   req.RequestedPrice().String(),
		})
		log.Info("Place attempt")

		state, err := c.broker.PlaceOrder(placeCtx, req)
		if err == nil {
			log.WithField("order_id", state.ID).Info("Order placed")
			return state, nil
		}
		log.WithError(err).Warn("Place attempt failed")
		if !c.isTransientError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	state, err := backoff.Retry(placeCtx, operation,
		backoff.WithBackOff(&jitteredBackOff{client: c}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0), // placeCtx carries the deadline
		backoff.WithNotify(func(_ error, next time.Duration) {
			c.logger.Infof("Transient error detected, retrying in %v", next)
		}),
	)
	switch {
	case err == nil:
		return state, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
	case placeCtx.Err() != nil:
		return nil, fmt.Errorf("place operation timed out after %v: %w", c.config.Timeout, placeCtx.Err())
	default:
		return nil, fmt.Errorf("failed to place order after %d attempts: %w", attempt, err)
	}
}

// jitteredBackOff grows the wait by half each retry, capped at MaxBackoff,
// plus up to a quarter of jitter.
type jitteredBackOff struct {
	client *Client
	next   time.Duration
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	if b.next == 0 {
		b.next = b.client.config.InitialBackoff
		return b.next
	}
	b.next = b.client.calculateNextBackoff(b.next)
	return b.next
}

func (b *jitteredBackOff) Reset() { b.next = 0 }

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	next := time.Duration(float64(currentBackoff) * 1.5)
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}

	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			next += time.Duration(jitterVal.Int64())
		}
	}

	return next
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
