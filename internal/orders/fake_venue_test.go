package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/shopspring/decimal"
)

// fakeVenue is a scripted broker.Broker for executor and supervisor tests.
type fakeVenue struct {
	mu      sync.Mutex
	events  chan broker.Event
	quote   *models.Quote
	orders  map[int]*models.OrderState
	reqs    map[int]models.OrderRequest
	cancels map[int]int
	subs    map[int]bool
	placed  []models.OrderRequest
	nextID  int
	nextReq int

	// fillOn decides at placement whether an order fills immediately and at
	// what price. nil means nothing fills.
	fillOn func(req models.OrderRequest, n int) (bool, decimal.Decimal)
	// fillOnCancel fills instead of cancelling, emulating a fill that races
	// the cancel request.
	fillOnCancel func(id int) bool
	placeErr     func(req models.OrderRequest) error
	// cancelErr refuses cancels, leaving the order working.
	cancelErr func(req models.OrderRequest) error
}

var _ broker.Broker = (*fakeVenue)(nil)

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		events:  make(chan broker.Event, 256),
		orders:  make(map[int]*models.OrderState),
		reqs:    make(map[int]models.OrderRequest),
		cancels: make(map[int]int),
		subs:    make(map[int]bool),
		nextID:  100,
	}
}

func (f *fakeVenue) withQuote(bid, ask string) *fakeVenue {
	f.quote = &models.Quote{
		Bid: decimal.NewNullDecimal(decimal.RequireFromString(bid)),
		Ask: decimal.NewNullDecimal(decimal.RequireFromString(ask)),
	}
	return f
}

func (f *fakeVenue) Connect(context.Context, broker.Session) error { return nil }
func (f *fakeVenue) Close() error                                  { return nil }
func (f *fakeVenue) Events() <-chan broker.Event                   { return f.events }

func (f *fakeVenue) ContractDetails(_ context.Context, c models.Contract) ([]models.Contract, error) {
	return []models.Contract{c}, nil
}

func (f *fakeVenue) OptionChainParams(context.Context, models.Contract) ([]models.OptionChain, error) {
	return nil, nil
}

func (f *fakeVenue) SubscribeMarketData(context.Context, models.Contract) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextReq++
	id := f.nextReq
	f.subs[id] = true
	if f.quote != nil {
		q := *f.quote
		f.events <- broker.Event{Kind: broker.EventTick, ReqID: id, Quote: &q, Time: time.Now()}
	}
	return id, nil
}

func (f *fakeVenue) CancelMarketData(reqID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subs[reqID] {
		return broker.ErrUnknownSubscription
	}
	delete(f.subs, reqID)
	return nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.OrderState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		if err := f.placeErr(req); err != nil {
			return nil, err
		}
	}
	n := len(f.placed)
	f.placed = append(f.placed, req)
	f.nextID++
	st := &models.OrderState{
		ID:             f.nextID,
		RequestedPrice: req.RequestedPrice(),
		Side:           req.Side,
		Quantity:       req.Quantity,
		Status:         models.OrderStatusWorking,
	}
	if f.fillOn != nil {
		if ok, px := f.fillOn(req, n); ok {
			st.Status = models.OrderStatusFilled
			st.FilledQuantity = req.Quantity
			st.AvgFillPrice = decimal.NewNullDecimal(px)
		}
	}
	f.orders[st.ID] = st
	f.reqs[st.ID] = req
	cp := *st
	return &cp, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.orders[id]
	if !ok {
		return errors.New("unknown order")
	}
	f.cancels[id]++
	if f.cancelErr != nil {
		if err := f.cancelErr(f.reqs[id]); err != nil {
			return err
		}
	}
	if st.Status.IsTerminal() {
		return nil
	}
	if f.fillOnCancel != nil && f.fillOnCancel(id) {
		st.Status = models.OrderStatusFilled
		st.FilledQuantity = st.Quantity
		st.AvgFillPrice = decimal.NewNullDecimal(st.RequestedPrice)
		return nil
	}
	st.Status = models.OrderStatusCancelled
	return nil
}

func (f *fakeVenue) OrderStatus(_ context.Context, id int) (*models.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.orders[id]
	if !ok {
		return nil, errors.New("unknown order")
	}
	cp := *st
	return &cp, nil
}

// fill marks a resting order filled at px, as the venue would on a trade.
func (f *fakeVenue) fill(id int, px string) {
	f.setStatus(id, models.OrderStatusFilled, px)
}

func (f *fakeVenue) setStatus(id int, status models.OrderStatus, px string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.orders[id]
	st.Status = status
	if status == models.OrderStatusFilled {
		st.FilledQuantity = st.Quantity
		st.AvgFillPrice = decimal.NewNullDecimal(decimal.RequireFromString(px))
	}
}

func (f *fakeVenue) placedOrders() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.placed...)
}

func (f *fakeVenue) cancelCount(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[id]
}

func (f *fakeVenue) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// orderIDs returns the ids of placed orders matching type t, in order.
func (f *fakeVenue) orderIDs(t models.OrderType) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for id := 101; id <= f.nextID; id++ {
		if r, ok := f.reqs[id]; ok && r.Type == t {
			ids = append(ids, id)
		}
	}
	return ids
}

// resting counts orders that are still working.
func (f *fakeVenue) resting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.orders {
		if !st.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func refuseCancels(t models.OrderType) func(models.OrderRequest) error {
	return func(req models.OrderRequest) error {
		if req.Type == t {
			return errors.New("503 service unavailable")
		}
		return nil
	}
}

var fastExec = ExecutorConfig{
	QuoteWait:    50 * time.Millisecond,
	FillWait:     3 * time.Millisecond,
	PollInterval: time.Millisecond,
	CancelWait:   3 * time.Millisecond,
	MarketWait:   3 * time.Millisecond,
	CallTimeout:  time.Second,
}

func orderEvent(st *models.OrderState) broker.Event {
	return broker.Event{Kind: broker.EventOrderStatus, OrderID: st.ID, Order: st, Time: time.Now()}
}
