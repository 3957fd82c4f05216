// Package broker provides the venue gateway used by the condor engine.
// It includes the Tradier REST adapter and a circuit breaker wrapper.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI is the low-level Tradier REST client.
type TradierAPI struct {
	client     *http.Client
	marketData *rate.Limiter
	trading    *rate.Limiter
	standard   *rate.Limiter
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	sandbox    bool
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

// NewTradierAPIWithBaseURL creates a client with an optional custom baseURL,
// HTTP client and rate limits.
func NewTradierAPIWithBaseURL(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	client *http.Client,
	limits RateLimits,
) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if limits.MarketData <= 0 && limits.Trading <= 0 && limits.Standard <= 0 {
		if sandbox {
			limits = RateLimits{MarketData: 120, Trading: 120, Standard: 120}
		} else {
			limits = RateLimits{MarketData: 500, Trading: 500, Standard: 500}
		}
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TradierAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     client,
		sandbox:    sandbox,
		rateLimits: limits,
		marketData: perMinuteLimiter(limits.MarketData),
		trading:    perMinuteLimiter(limits.Trading),
		standard:   perMinuteLimiter(limits.Standard),
	}
}

func perMinuteLimiter(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := n / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), burst)
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// Greeks contains option Greeks data from the Tradier API.
type Greeks struct {
	UpdatedAt string  `json:"updated_at"`
	Delta     float64 `json:"delta"`
	Gamma     float64 `json:"gamma"`
	Theta     float64 `json:"theta"`
	Vega      float64 `json:"vega"`
	MidIV     float64 `json:"mid_iv"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote     singleOrArray[QuoteItem] `json:"quote"`
		Unmatched struct {
			Symbol singleOrArray[string] `json:"symbol"`
		} `json:"unmatched_symbols"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API. Price
// fields are pointers because Tradier sends null for missing sides.
type QuoteItem struct {
	Greeks           *Greeks  `json:"greeks,omitempty"`
	Symbol           string   `json:"symbol"`
	Description      string   `json:"description"`
	Type             string   `json:"type"`
	Underlying       string   `json:"underlying"`
	RootSymbol       string   `json:"root_symbol"`
	OptionType       string   `json:"option_type"`
	ExpirationDate   string   `json:"expiration_date"`
	Bid              *float64 `json:"bid"`
	Ask              *float64 `json:"ask"`
	Last             *float64 `json:"last"`
	Close            *float64 `json:"close"`
	PrevClose        *float64 `json:"prevclose"`
	Strike           float64  `json:"strike"`
	ContractSize     int      `json:"contract_size"`
	ChangePercentage float64  `json:"change_percentage"`
	Volume           int64    `json:"volume"`
}

// ExpirationsResponse is the expirations response with strikes included.
type ExpirationsResponse struct {
	Expirations struct {
		Expiration singleOrArray[ExpirationItem] `json:"expiration"`
	} `json:"expirations"`
}

// ExpirationItem is one listed expiration with its strikes.
type ExpirationItem struct {
	Date           string `json:"date"`
	ContractSize   int    `json:"contract_size"`
	ExpirationType string `json:"expiration_type"`
	Strikes        struct {
		Strike singleOrArray[float64] `json:"strike"`
	} `json:"strikes"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		TransactionDate   string  `json:"transaction_date"`
		Tag               string  `json:"tag"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
	} `json:"order"`
}

// BalanceResponse carries the fields used to verify a session.
type BalanceResponse struct {
	Balances struct {
		AccountNumber string  `json:"account_number"`
		TotalEquity   float64 `json:"total_equity"`
	} `json:"balances"`
}

// HistoricalDataResponse represents the response from historical data API
type HistoricalDataResponse struct {
	History struct {
		Day singleOrArray[struct {
			Date   string  `json:"date"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		}] `json:"day"`
	} `json:"history"`
}

// ============ API Methods ============

// GetQuotes retrieves quotes for one or more symbols, with greeks for options.
func (t *TradierAPI) GetQuotes(ctx context.Context, symbols []string, greeks bool) ([]QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", fmt.Sprintf("%t", greeks))
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []QuoteItem(response.Quotes.Quote), nil
}

// GetExpirations retrieves listed expirations with their strikes.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]ExpirationItem, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "true")
	params.Set("contractSize", "true")
	params.Set("expirationType", "true")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return []ExpirationItem(response.Expirations.Expiration), nil
}

// GetBalance retrieves the account balances.
func (t *TradierAPI) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetHistoricalData retrieves daily bars for a symbol.
func (t *TradierAPI) GetHistoricalData(ctx context.Context, symbol string, startDate, endDate time.Time) ([]HistoricalBar, error) {
	params := url.Values{}
	params.Add("symbol", symbol)
	params.Add("interval", "daily")
	params.Add("start", startDate.Format("2006-01-02"))
	params.Add("end", endDate.Format("2006-01-02"))
	endpoint := t.baseURL + "/markets/history?" + params.Encode()

	var response HistoricalDataResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
	}

	bars := make([]HistoricalBar, 0, len(response.History.Day))
	for _, day := range response.History.Day {
		date, err := time.Parse("2006-01-02", day.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date %s: %w", day.Date, err)
		}
		bars = append(bars, HistoricalBar{
			Date:   date,
			Open:   day.Open,
			High:   day.High,
			Low:    day.Low,
			Close:  day.Close,
			Volume: day.Volume,
		})
	}
	return bars, nil
}

// PlaceOrder submits form-encoded order parameters.
func (t *TradierAPI) PlaceOrder(ctx context.Context, params url.Values) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CancelOrder requests cancellation of an order by ID.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (t *TradierAPI) limiterFor(endpoint string) *rate.Limiter {
	switch {
	case strings.Contains(endpoint, "/markets/"):
		return t.marketData
	case strings.Contains(endpoint, "/orders"):
		return t.trading
	default:
		return t.standard
	}
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	if err := t.limiterFor(endpoint).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "scranton-condor/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		logrus.WithField("remaining", remaining).Debug("Rate limit remaining")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
