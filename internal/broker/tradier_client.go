package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TradierConfig configures a TradierClient.
type TradierConfig struct {
	HTTPClient        *http.Client
	Logger            *logrus.Entry
	APIKey            string
	AccountID         string
	Duration          string // day | gtc
	Limits            RateLimits
	QuotePollInterval time.Duration
	EventBuffer       int
	Sandbox           bool
}

// TradierClient adapts the Tradier REST API to the Broker interface.
// Streaming market data is emulated by polling quotes, and combo stop orders
// are held client-side and sent as market orders once triggered.
type TradierClient struct {
	api        *TradierAPI
	sessionCtx context.Context
	stopAll    context.CancelFunc
	events     chan Event
	subs       map[int]context.CancelFunc
	stops      map[int]*syntheticStop
	cfg        TradierConfig
	wg         sync.WaitGroup
	mu         sync.Mutex
	nextReqID  int
	nextStopID int
	clientID   int
	connected  bool
}

type syntheticStop struct {
	req     models.OrderRequest
	state   models.OrderState
	childID int
}

// Ensure TradierClient implements Broker at compile time.
var (
	_ Broker          = (*TradierClient)(nil)
	_ HistoryProvider = (*TradierClient)(nil)
)

// NewTradierClient creates a Tradier-backed broker session.
func NewTradierClient(cfg TradierConfig) *TradierClient {
	if cfg.QuotePollInterval <= 0 {
		cfg.QuotePollInterval = time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Duration == "" {
		cfg.Duration = "day"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TradierClient{
		cfg:    cfg,
		api:    NewTradierAPIWithBaseURL(cfg.APIKey, cfg.AccountID, cfg.Sandbox, "", cfg.HTTPClient, cfg.Limits),
		events: make(chan Event, cfg.EventBuffer),
		subs:   make(map[int]context.CancelFunc),
		stops:  make(map[int]*syntheticStop),
	}
}

// Connect verifies credentials against the account endpoint. A non-empty
// session endpoint overrides the API base URL.
func (t *TradierClient) Connect(ctx context.Context, session Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if session.Endpoint != "" {
		t.api = NewTradierAPIWithBaseURL(t.cfg.APIKey, t.cfg.AccountID, t.cfg.Sandbox,
			session.Endpoint, t.cfg.HTTPClient, t.cfg.Limits)
	}
	if _, err := t.api.GetBalance(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrConnectivity, t.api.baseURL, err)
	}
	t.sessionCtx, t.stopAll = context.WithCancel(context.Background())
	t.clientID = session.ClientID
	t.connected = true
	return nil
}

// Close stops all quote pollers.
func (t *TradierClient) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.stopAll()
	t.subs = make(map[int]context.CancelFunc)
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// Events returns the session event stream.
func (t *TradierClient) Events() <-chan Event {
	return t.events
}

func (t *TradierClient) requireConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// ContractDetails resolves a contract by looking up its quote symbol.
func (t *TradierClient) ContractDetails(ctx context.Context, contract models.Contract) ([]models.Contract, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	if contract.IsCombo() {
		return []models.Contract{contract}, nil
	}
	symbol := contract.Symbol
	if contract.SecType == models.SecTypeOption {
		occ, err := OCCSymbol(contract)
		if err != nil {
			return nil, err
		}
		symbol = occ
	}
	quotes, err := t.api.GetQuotes(ctx, []string{symbol}, false)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, nil
	}
	out := contract
	out.ConID = conID(symbol)
	out.LocalSymbol = symbol
	if contract.SecType == models.SecTypeOption && quotes[0].ContractSize > 0 {
		out.Multiplier = quotes[0].ContractSize
	}
	return []models.Contract{out}, nil
}

// OptionChainParams returns a single chain merging every listed root.
func (t *TradierClient) OptionChainParams(ctx context.Context, underlying models.Contract) ([]models.OptionChain, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	items, err := t.api.GetExpirations(ctx, underlying.Symbol)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	chain := models.OptionChain{Multiplier: 100}
	seen := make(map[string]bool)
	for _, item := range items {
		day, err := time.Parse("2006-01-02", item.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid expiration %q: %w", item.Date, err)
		}
		chain.Expirations = append(chain.Expirations, day.Format("20060102"))
		if item.ContractSize > 0 {
			chain.Multiplier = item.ContractSize
		}
		for _, s := range item.Strikes.Strike {
			strike := decimal.NewFromFloat(s)
			if key := strike.String(); !seen[key] {
				seen[key] = true
				chain.Strikes = append(chain.Strikes, strike)
			}
		}
	}
	return []models.OptionChain{chain}, nil
}

// SubscribeMarketData starts a quote poller for the contract.
func (t *TradierClient) SubscribeMarketData(_ context.Context, contract models.Contract) (int, error) {
	symbols, err := quoteSymbols(contract)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return 0, ErrNotConnected
	}
	t.nextReqID++
	reqID := t.nextReqID
	subCtx, cancel := context.WithCancel(t.sessionCtx)
	t.subs[reqID] = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollQuotes(subCtx, reqID, contract, symbols)
	}()
	return reqID, nil
}

// CancelMarketData stops the poller for reqID.
func (t *TradierClient) CancelMarketData(reqID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.subs[reqID]
	if !ok {
		return ErrUnknownSubscription
	}
	cancel()
	delete(t.subs, reqID)
	return nil
}

func (t *TradierClient) pollQuotes(ctx context.Context, reqID int, contract models.Contract, symbols []string) {
	ticker := time.NewTicker(t.cfg.QuotePollInterval)
	defer ticker.Stop()

	withGreeks := contract.SecType == models.SecTypeOption
	for {
		items, err := t.api.GetQuotes(ctx, symbols, withGreeks)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.cfg.Logger.WithError(err).WithField("req_id", reqID).Warn("tradier: quote poll failed")
		} else {
			t.publishQuotes(reqID, contract, items)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *TradierClient) publishQuotes(reqID int, contract models.Contract, items []QuoteItem) {
	now := time.Now()
	bySymbol := make(map[string]QuoteItem, len(items))
	for _, it := range items {
		bySymbol[it.Symbol] = it
	}

	var q models.Quote
	if contract.IsCombo() {
		q = comboQuote(contract.ComboLegs, bySymbol)
	} else if len(items) > 0 {
		q = quoteFromItem(items[0])
	}
	q.Time = now
	publish(t.events, Event{Kind: EventTick, ReqID: reqID, Quote: &q, Time: now})

	if len(items) == 1 && items[0].Greeks != nil {
		delta := items[0].Greeks.Delta
		publish(t.events, Event{Kind: EventGreeks, ReqID: reqID, Delta: &delta, Time: now})
	}
}

// PlaceOrder submits the request. Combo stop orders are held locally.
func (t *TradierClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderState, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Contract.IsCombo() && req.Type == models.OrderTypeStop {
		return t.placeSyntheticStop(req), nil
	}

	params, err := t.orderParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := t.api.PlaceOrder(ctx, params)
	if err != nil {
		return nil, err
	}
	if resp.Order.ID == 0 {
		return nil, fmt.Errorf("order response missing id (status %q)", resp.Order.Status)
	}
	return &models.OrderState{
		ID:             resp.Order.ID,
		RequestedPrice: req.RequestedPrice(),
		Side:           req.Side,
		Quantity:       req.Quantity,
		Status:         models.OrderStatusSubmitted,
		UpdatedAt:      time.Now(),
	}, nil
}

func (t *TradierClient) orderParams(req models.OrderRequest) (url.Values, error) {
	params := url.Values{}
	params.Add("duration", t.cfg.Duration)
	tag := req.Tag
	if tag == "" {
		tag = fmt.Sprintf("condor-c%d", t.clientID)
	}
	params.Add("tag", sanitizeTag(tag))

	switch req.Contract.SecType {
	case models.SecTypeCombo:
		params.Add("class", "multileg")
		params.Add("symbol", req.Contract.Symbol)
		switch {
		case req.Type == models.OrderTypeMarket:
			params.Add("type", "market")
		case req.Side == models.SideSell:
			params.Add("type", "credit")
		default:
			params.Add("type", "debit")
		}
		if req.Type == models.OrderTypeLimit {
			params.Add("price", req.LimitPrice.StringFixed(2))
		}
		for i, leg := range req.Contract.ComboLegs {
			if leg.LocalSymbol == "" {
				return nil, fmt.Errorf("combo leg %d is not qualified", i)
			}
			ratio := leg.Ratio
			if ratio <= 0 {
				ratio = 1
			}
			params.Add(fmt.Sprintf("option_symbol[%d]", i), leg.LocalSymbol)
			params.Add(fmt.Sprintf("side[%d]", i), optionSide(legAction(leg.Action, req.Side), req.Closing))
			params.Add(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(req.Quantity*ratio))
		}
	case models.SecTypeOption:
		occ := req.Contract.LocalSymbol
		if occ == "" {
			var err error
			if occ, err = OCCSymbol(req.Contract); err != nil {
				return nil, err
			}
		}
		params.Add("class", "option")
		params.Add("symbol", req.Contract.Symbol)
		params.Add("option_symbol", occ)
		params.Add("side", optionSide(req.Side, req.Closing))
		params.Add("quantity", strconv.Itoa(req.Quantity))
		addSingleLegType(params, req)
	default:
		params.Add("class", "equity")
		params.Add("symbol", req.Contract.Symbol)
		params.Add("side", strings.ToLower(string(req.Side)))
		params.Add("quantity", strconv.Itoa(req.Quantity))
		addSingleLegType(params, req)
	}
	return params, nil
}

func addSingleLegType(params url.Values, req models.OrderRequest) {
	switch req.Type {
	case models.OrderTypeLimit:
		params.Add("type", "limit")
		params.Add("price", req.LimitPrice.StringFixed(2))
	case models.OrderTypeStop:
		params.Add("type", "stop")
		params.Add("stop", req.StopPrice.StringFixed(2))
	default:
		params.Add("type", "market")
	}
}

// legAction is the leg side once the combo side is applied.
func legAction(action, comboSide models.Side) models.Side {
	if comboSide == models.SideBuy {
		return action
	}
	return action.Opposite()
}

func optionSide(side models.Side, closing bool) string {
	suffix := "_to_open"
	if closing {
		suffix = "_to_close"
	}
	return strings.ToLower(string(side)) + suffix
}

func (t *TradierClient) placeSyntheticStop(req models.OrderRequest) *models.OrderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextStopID--
	st := &syntheticStop{
		req: req,
		state: models.OrderState{
			ID:             t.nextStopID,
			RequestedPrice: req.StopPrice,
			Side:           req.Side,
			Quantity:       req.Quantity,
			Status:         models.OrderStatusWorking,
			UpdatedAt:      time.Now(),
		},
	}
	t.stops[st.state.ID] = st
	state := st.state
	return &state
}

// OrderStatus returns the current venue state of an order.
func (t *TradierClient) OrderStatus(ctx context.Context, orderID int) (*models.OrderState, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	var (
		state *models.OrderState
		err   error
	)
	if orderID < 0 {
		state, err = t.evaluateStop(ctx, orderID)
	} else {
		state, err = t.fetchOrder(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}
	publish(t.events, Event{Kind: EventOrderStatus, OrderID: orderID, Order: state, Time: time.Now()})
	return state, nil
}

func (t *TradierClient) fetchOrder(ctx context.Context, orderID int) (*models.OrderState, error) {
	resp, err := t.api.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if resp.Order.ID == 0 {
		return nil, fmt.Errorf("order %d: payload missing", orderID)
	}
	return orderStateFromResponse(resp), nil
}

func orderStateFromResponse(resp *OrderResponse) *models.OrderState {
	o := resp.Order
	state := &models.OrderState{
		ID:             o.ID,
		RequestedPrice: decimal.NewFromFloat(o.Price).Abs(),
		Quantity:       int(o.Quantity),
		FilledQuantity: int(o.ExecQuantity),
		Status:         mapTradierStatus(o.Status),
		UpdatedAt:      time.Now(),
	}
	switch {
	case strings.HasPrefix(o.Side, "buy"), o.Type == "debit":
		state.Side = models.SideBuy
	default:
		state.Side = models.SideSell
	}
	if o.ExecQuantity > 0 {
		state.AvgFillPrice = models.Price(decimal.NewFromFloat(o.AvgFillPrice).Abs())
	}
	return state
}

func mapTradierStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "cancelled", "expired":
		return models.OrderStatusCancelled
	case "rejected", "error":
		return models.OrderStatusRejected
	case "pending":
		return models.OrderStatusSubmitted
	default:
		return models.OrderStatusWorking
	}
}

func (t *TradierClient) evaluateStop(ctx context.Context, id int) (*models.OrderState, error) {
	t.mu.Lock()
	st, ok := t.stops[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("unknown stop order %d", id)
	}
	state := st.state
	childID := st.childID
	req := st.req
	t.mu.Unlock()

	if state.Status.IsTerminal() {
		return &state, nil
	}

	if childID != 0 {
		child, err := t.fetchOrder(ctx, childID)
		if err != nil {
			return nil, err
		}
		return t.updateStop(id, func(s *models.OrderState) {
			s.Status = child.Status
			s.FilledQuantity = child.FilledQuantity
			s.AvgFillPrice = child.AvgFillPrice
		}), nil
	}

	symbols, err := quoteSymbols(req.Contract)
	if err != nil {
		return nil, err
	}
	items, err := t.api.GetQuotes(ctx, symbols, false)
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string]QuoteItem, len(items))
	for _, it := range items {
		bySymbol[it.Symbol] = it
	}
	q := comboQuote(req.Contract.ComboLegs, bySymbol)
	if !stopTriggered(req, q) {
		return &state, nil
	}

	market := req
	market.Type = models.OrderTypeMarket
	market.StopPrice = decimal.Zero
	placed, err := t.PlaceOrder(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("stop %d triggered but market order failed: %w", id, err)
	}
	t.cfg.Logger.WithFields(logrus.Fields{
		"stop_id": id, "stop_price": req.StopPrice.String(), "order_id": placed.ID,
	}).Info("tradier: stop triggered, market order sent")
	return t.updateStop(id, func(s *models.OrderState) {
		st.childID = placed.ID
	}), nil
}

func (t *TradierClient) updateStop(id int, fn func(*models.OrderState)) *models.OrderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stops[id]
	fn(&st.state)
	st.state.UpdatedAt = time.Now()
	state := st.state
	return &state
}

func stopTriggered(req models.OrderRequest, q models.Quote) bool {
	if req.Side == models.SideBuy {
		return q.Ask.Valid && q.Ask.Decimal.GreaterThanOrEqual(req.StopPrice)
	}
	return q.Bid.Valid && q.Bid.Decimal.LessThanOrEqual(req.StopPrice)
}

// CancelOrder cancels a working order. Cancelling a terminal order is a no-op.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID int) error {
	if err := t.requireConnected(); err != nil {
		return err
	}
	if orderID < 0 {
		return t.cancelStop(ctx, orderID)
	}
	current, err := t.fetchOrder(ctx, orderID)
	if err == nil && current.Status.IsTerminal() {
		return nil
	}
	if _, err := t.api.CancelOrder(ctx, orderID); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			if again, ferr := t.fetchOrder(ctx, orderID); ferr == nil && again.Status.IsTerminal() {
				return nil
			}
		}
		return err
	}
	return nil
}

func (t *TradierClient) cancelStop(ctx context.Context, id int) error {
	t.mu.Lock()
	st, ok := t.stops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown stop order %d", id)
	}
	if st.state.Status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}
	childID := st.childID
	if childID == 0 {
		st.state.Status = models.OrderStatusCancelled
		st.state.UpdatedAt = time.Now()
	}
	t.mu.Unlock()

	if childID != 0 {
		return t.CancelOrder(ctx, childID)
	}
	return nil
}

// DailyBars returns daily history for the scanner.
func (t *TradierClient) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error) {
	if err := t.requireConnected(); err != nil {
		return nil, err
	}
	return t.api.GetHistoricalData(ctx, symbol, start, end)
}

// OCCSymbol builds the OCC option symbol: ROOT + YYMMDD + C/P + 8-digit strike.
// The trading class is used as the root when set (SPXW vs SPX).
func OCCSymbol(c models.Contract) (string, error) {
	exp, err := time.Parse("20060102", c.Expiry)
	if err != nil {
		return "", fmt.Errorf("invalid expiry %q: %w", c.Expiry, err)
	}
	if c.Right != models.RightCall && c.Right != models.RightPut {
		return "", fmt.Errorf("invalid right %q", c.Right)
	}
	root := c.TradingClass
	if root == "" {
		root = c.Symbol
	}
	strike := c.Strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", root, exp.Format("060102"), c.Right, strike), nil
}

func quoteSymbols(c models.Contract) ([]string, error) {
	switch c.SecType {
	case models.SecTypeCombo:
		out := make([]string, 0, len(c.ComboLegs))
		for i, leg := range c.ComboLegs {
			if leg.LocalSymbol == "" {
				return nil, fmt.Errorf("combo leg %d is not qualified", i)
			}
			out = append(out, leg.LocalSymbol)
		}
		return out, nil
	case models.SecTypeOption:
		if c.LocalSymbol != "" {
			return []string{c.LocalSymbol}, nil
		}
		occ, err := OCCSymbol(c)
		if err != nil {
			return nil, err
		}
		return []string{occ}, nil
	default:
		return []string{c.Symbol}, nil
	}
}

func nullPrice(p *float64) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return models.Price(decimal.NewFromFloat(*p))
}

func quoteFromItem(it QuoteItem) models.Quote {
	return models.Quote{
		Bid:   nullPrice(it.Bid),
		Ask:   nullPrice(it.Ask),
		Last:  nullPrice(it.Last),
		Close: nullPrice(it.Close),
	}
}

// comboQuote prices one unit of the combo as bought: legs bought pay the ask
// on the ask side and receive the bid on the bid side, and the reverse for
// legs sold.
func comboQuote(legs []models.ComboLeg, bySymbol map[string]QuoteItem) models.Quote {
	bid, ask := decimal.Zero, decimal.Zero
	for _, leg := range legs {
		it, ok := bySymbol[leg.LocalSymbol]
		if !ok || it.Bid == nil || it.Ask == nil {
			return models.Quote{}
		}
		ratio := leg.Ratio
		if ratio <= 0 {
			ratio = 1
		}
		r := decimal.NewFromInt(int64(ratio))
		legBid := decimal.NewFromFloat(*it.Bid).Mul(r)
		legAsk := decimal.NewFromFloat(*it.Ask).Mul(r)
		if leg.Action == models.SideBuy {
			bid = bid.Add(legBid)
			ask = ask.Add(legAsk)
		} else {
			bid = bid.Sub(legAsk)
			ask = ask.Sub(legBid)
		}
	}
	return models.Quote{Bid: models.Price(bid), Ask: models.Price(ask)}
}

func conID(symbol string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}
