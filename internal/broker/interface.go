package broker

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// EventKind tags an entry on a session's event stream.
type EventKind string

const (
	EventOrderStatus EventKind = "order_status"
	EventTick        EventKind = "tick"
	EventGreeks      EventKind = "greeks"
)

// Event is one push from the venue. ReqID identifies the market-data
// subscription for tick and greeks events; OrderID is set for order status.
type Event struct {
	Time    time.Time
	Quote   *models.Quote
	Delta   *float64
	Order   *models.OrderState
	Kind    EventKind
	ReqID   int
	OrderID int
}

// Session identifies one logical venue connection.
type Session struct {
	Endpoint string
	ClientID int
}

// Broker is the venue gateway consumed by the engine. One Broker value is
// owned by exactly one worker for the lifetime of its session.
type Broker interface {
	Connect(ctx context.Context, session Session) error
	Close() error

	// Contract resolution
	ContractDetails(ctx context.Context, contract models.Contract) ([]models.Contract, error)
	OptionChainParams(ctx context.Context, underlying models.Contract) ([]models.OptionChain, error)

	// Market data. Ticks and greeks for reqID arrive on Events().
	SubscribeMarketData(ctx context.Context, contract models.Contract) (int, error)
	CancelMarketData(reqID int) error

	// Orders
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderState, error)
	CancelOrder(ctx context.Context, orderID int) error
	OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error)

	Events() <-chan Event
}

// HistoricalBar is one daily OHLCV bar.
type HistoricalBar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// HistoryProvider is implemented by venues that serve daily bars.
type HistoryProvider interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error)
}

// VolatilityProvider is implemented by venues that serve daily implied
// volatility history. Each bar's Close is the annualized IV as a fraction.
type VolatilityProvider interface {
	ImpliedVolBars(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error)
}

// ErrNoVolatilityHistory is returned when a venue does not serve implied
// volatility history.
var ErrNoVolatilityHistory = errors.New("broker does not provide implied volatility history")

// ErrNotConnected is returned by request methods before Connect succeeds.
var ErrNotConnected = errors.New("broker session not connected")

// ErrUnknownSubscription is returned when cancelling a reqID that is not active.
var ErrUnknownSubscription = errors.New("unknown market data subscription")

// publish does a non-blocking send so a slow consumer never stalls the venue
// reader. A full stream drops the event; order state stays authoritative via
// OrderStatus polling.
func publish(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	Name         string
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	name := settings.Name
	if name == "" {
		name = "BrokerCircuitBreaker"
	}
	gbSettings := gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Cancellation is the caller's decision, not a venue fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithField("breaker", name).Warnf("Circuit breaker state changed from %s to %s", from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state for status reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// Connect is passed through; session setup failures are reported by the caller's backoff.
func (c *CircuitBreakerBroker) Connect(ctx context.Context, session Session) error {
	return c.broker.Connect(ctx, session)
}

// Close is passed through.
func (c *CircuitBreakerBroker) Close() error {
	return c.broker.Close()
}

// Events is passed through.
func (c *CircuitBreakerBroker) Events() <-chan Event {
	return c.broker.Events()
}

// ContractDetails wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ContractDetails(ctx context.Context, contract models.Contract) ([]models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Contract, error) {
		return b.ContractDetails(ctx, contract)
	})
}

// OptionChainParams wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OptionChainParams(ctx context.Context, underlying models.Contract) ([]models.OptionChain, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OptionChain, error) {
		return b.OptionChainParams(ctx, underlying)
	})
}

// SubscribeMarketData wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) SubscribeMarketData(ctx context.Context, contract models.Contract) (int, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (int, error) {
		return b.SubscribeMarketData(ctx, contract)
	})
}

// CancelMarketData is passed through so subscriptions are always released,
// even while the circuit is open.
func (c *CircuitBreakerBroker) CancelMarketData(reqID int) error {
	return c.broker.CancelMarketData(reqID)
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderState, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderState, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// CancelOrder is passed through: resting orders must be cancellable while
// the circuit is open.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	return c.broker.CancelOrder(ctx, orderID)
}

// OrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.OrderState, error) {
		return b.OrderStatus(ctx, orderID)
	})
}

// DailyBars forwards to the wrapped broker when it serves history.
func (c *CircuitBreakerBroker) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error) {
	hp, ok := c.broker.(HistoryProvider)
	if !ok {
		return nil, errors.New("broker does not provide historical data")
	}
	return execCircuitBreaker(c.breaker, c.broker, func(Broker) ([]HistoricalBar, error) {
		return hp.DailyBars(ctx, symbol, start, end)
	})
}

// ImpliedVolBars forwards to the wrapped broker when it serves implied
// volatility history.
func (c *CircuitBreakerBroker) ImpliedVolBars(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error) {
	vp, ok := c.broker.(VolatilityProvider)
	if !ok {
		return nil, ErrNoVolatilityHistory
	}
	return execCircuitBreaker(c.breaker, c.broker, func(Broker) ([]HistoricalBar, error) {
		return vp.ImpliedVolBars(ctx, symbol, start, end)
	})
}
