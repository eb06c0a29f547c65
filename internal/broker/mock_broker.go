package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockBroker implements Broker for tests. Each operation returns the
// corresponding field when its Fn override is nil; setting a Fn lets a test
// script per-call behavior. Counters record call volume for assertion.
type MockBroker struct {
	mu sync.Mutex

	Clock      Clock
	Account    Account
	Positions  []PositionItem
	OpenOrders []Order
	Orders     map[string]Order
	Bars       map[string][]Bar
	Snapshots  map[string]Snapshot
	Assets     map[string]Asset
	Watchlists map[string][]string

	ClockErr      error
	AccountErr    error
	PositionsErr  error
	OpenOrdersErr error
	OrderErr      error
	SubmitErr     error
	CancelErr     error
	BarsErr       error
	SnapshotErr   error
	AssetErr      error

	SubmitFn func(symbol, side string, qty decimal.Decimal, clientOrderID string) (*Order, error)
	BarsFn   func(symbols []string, feed Feed) (map[string][]Bar, error)

	SubmitCalls  []string // client order ids, in call order
	CancelCalls  []string
	ClockCalls   int
	BarsCalls    int
	SubmitCount  int
}

// NewMockBroker constructs a MockBroker with an open market clock.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Clock:     Clock{IsOpen: true, Timestamp: time.Now().UTC()},
		Orders:    make(map[string]Order),
		Bars:      make(map[string][]Bar),
		Snapshots:  make(map[string]Snapshot),
		Assets:     make(map[string]Asset),
		Watchlists: make(map[string][]string),
	}
}

// GetClock implements Broker.
func (m *MockBroker) GetClock(_ context.Context) (*Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClockCalls++
	if m.ClockErr != nil {
		return nil, m.ClockErr
	}
	c := m.Clock
	return &c, nil
}

// GetAccount implements Broker.
func (m *MockBroker) GetAccount(_ context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AccountErr != nil {
		return nil, m.AccountErr
	}
	a := m.Account
	return &a, nil
}

// GetPositions implements Broker.
func (m *MockBroker) GetPositions(_ context.Context) ([]PositionItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]PositionItem, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

// GetOpenOrders implements Broker.
func (m *MockBroker) GetOpenOrders(_ context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenOrdersErr != nil {
		return nil, m.OpenOrdersErr
	}
	out := make([]Order, len(m.OpenOrders))
	copy(out, m.OpenOrders)
	return out, nil
}

// GetOrder implements Broker.
func (m *MockBroker) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	o, ok := m.Orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return &o, nil
}

// SubmitOrder implements Broker.
func (m *MockBroker) SubmitOrder(_ context.Context, symbol, side string, qty decimal.Decimal,
	clientOrderID string, _ OrderType, _ *decimal.Decimal, _ TimeInForce) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCount++
	m.SubmitCalls = append(m.SubmitCalls, clientOrderID)
	if m.SubmitFn != nil {
		return m.SubmitFn(symbol, side, qty, clientOrderID)
	}
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	order := Order{
		ID:            "broker-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Status:        "accepted",
		CreatedAt:     time.Now().UTC(),
	}
	m.Orders[order.ID] = order
	return &order, nil
}

// CancelOrder implements Broker.
func (m *MockBroker) CancelOrder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, id)
	return m.CancelErr
}

// GetBars implements Broker.
func (m *MockBroker) GetBars(_ context.Context, symbols []string, _ string, _, _ time.Time,
	_ int, feed Feed) (map[string][]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BarsCalls++
	if m.BarsFn != nil {
		return m.BarsFn(symbols, feed)
	}
	if m.BarsErr != nil {
		return nil, m.BarsErr
	}
	out := make(map[string][]Bar)
	for _, s := range symbols {
		if bars, ok := m.Bars[s]; ok {
			out[s] = bars
		}
	}
	return out, nil
}

// GetSnapshot implements Broker.
func (m *MockBroker) GetSnapshot(_ context.Context, symbol string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SnapshotErr != nil {
		return nil, m.SnapshotErr
	}
	snap, ok := m.Snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", symbol)
	}
	return &snap, nil
}

// GetAsset implements Broker.
func (m *MockBroker) GetAsset(_ context.Context, symbol string) (*Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AssetErr != nil {
		return nil, m.AssetErr
	}
	asset, ok := m.Assets[symbol]
	if !ok {
		return &Asset{Symbol: symbol, Tradable: true, Class: "us_equity"}, nil
	}
	return &asset, nil
}

// GetWatchlist implements Broker.
func (m *MockBroker) GetWatchlist(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbols, ok := m.Watchlists[name]
	if !ok {
		return nil, fmt.Errorf("watchlist %s not found", name)
	}
	return symbols, nil
}

var _ Broker = (*MockBroker)(nil)
