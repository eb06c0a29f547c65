package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/tradecore/internal/models"
	"github.com/shopspring/decimal"
)

// MockStore implements Interface in memory for tests, mirroring the SQL
// store's idempotency and monotonicity behavior closely enough that
// component tests exercise the same code paths they would against SQLite.
type MockStore struct {
	mu sync.Mutex

	Intents    map[string]*models.OrderIntent // by client_order_id
	Fills      []models.Fill
	fillKeys   map[string]bool // broker_order_id + "\x00" + dedupe key
	Gates      map[string]models.SignalGate
	State      map[string]string
	Positions  map[string]models.Position
	Snapshots  [][]models.PositionSnapshotRow
	Trades     []string // order_id + "\x00" + trade dedupe key
	Bars       []models.BarEvent
	Reports    []models.ReconciliationReport
	EquityRows int

	// Err, when set, is returned by every method to simulate storage
	// failure.
	Err error
}

// NewMockStore constructs an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Intents:  make(map[string]*models.OrderIntent),
		fillKeys: make(map[string]bool),
		Gates:    make(map[string]models.SignalGate),
		State:    make(map[string]string),
		Positions: make(map[string]models.Position),
	}
}

// SaveOrderIntent implements Interface.
func (m *MockStore) SaveOrderIntent(_ context.Context, intent models.OrderIntent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if _, exists := m.Intents[intent.ClientOrderID]; exists {
		return false, nil
	}
	intent.Status = models.StatusNew
	intent.FilledQty = decimal.Zero
	cp := intent
	m.Intents[intent.ClientOrderID] = &cp
	return true, nil
}

// UpdateOrderIntent implements Interface.
func (m *MockStore) UpdateOrderIntent(_ context.Context, clientOrderID string, status *models.OrderStatus,
	filledQty *decimal.Decimal, brokerOrderID *string, filledAvgPrice *decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	intent, ok := m.Intents[clientOrderID]
	if !ok {
		return nil
	}
	if status != nil {
		intent.Status = *status
	}
	if filledQty != nil {
		intent.FilledQty = *filledQty
	}
	if brokerOrderID != nil {
		intent.BrokerOrderID = brokerOrderID
	}
	if filledAvgPrice != nil {
		intent.FilledAvgPrice = filledAvgPrice
	}
	intent.UpdatedAtUTC = time.Now().UTC()
	return nil
}

// GetOrderIntent implements Interface.
func (m *MockStore) GetOrderIntent(_ context.Context, clientOrderID string) (*models.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	intent, ok := m.Intents[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *intent
	return &cp, nil
}

// GetOrderIntentByBrokerID implements Interface.
func (m *MockStore) GetOrderIntentByBrokerID(_ context.Context, brokerOrderID string) (*models.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, intent := range m.Intents {
		if intent.BrokerOrderID != nil && *intent.BrokerOrderID == brokerOrderID {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, nil
}

// GetOpenOrderIntents implements Interface.
func (m *MockStore) GetOpenOrderIntents(_ context.Context) ([]models.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.OrderIntent
	for _, intent := range m.Intents {
		if !intent.Status.IsTerminal() {
			out = append(out, *intent)
		}
	}
	return out, nil
}

// GetActiveOrderIntents implements Interface.
func (m *MockStore) GetActiveOrderIntents(_ context.Context) ([]models.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	active := make(map[models.OrderStatus]bool, len(models.ActiveOrderStatuses))
	for _, s := range models.ActiveOrderStatuses {
		active[s] = true
	}
	var out []models.OrderIntent
	for _, intent := range m.Intents {
		if active[intent.Status] && intent.BrokerOrderID != nil && *intent.BrokerOrderID != "" {
			out = append(out, *intent)
		}
	}
	return out, nil
}

// InsertFillIdempotent implements Interface.
func (m *MockStore) InsertFillIdempotent(_ context.Context, f models.Fill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	key := f.BrokerOrderID + "\x00" + f.FillDedupeKey
	if m.fillKeys[key] {
		return false, nil
	}
	m.fillKeys[key] = true
	m.Fills = append(m.Fills, f)
	return true, nil
}

// UpdateOrderIntentCumulative implements Interface.
func (m *MockStore) UpdateOrderIntentCumulative(_ context.Context, brokerOrderID, status string,
	newCumQty decimal.Decimal, newCumAvgPrice *decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, intent := range m.Intents {
		if intent.BrokerOrderID == nil || *intent.BrokerOrderID != brokerOrderID {
			continue
		}
		intent.Status = models.OrderStatus(status)
		if newCumQty.GreaterThan(intent.FilledQty) {
			intent.FilledQty = newCumQty
		}
		if newCumAvgPrice != nil {
			intent.FilledAvgPrice = newCumAvgPrice
		}
		intent.UpdatedAtUTC = ts
	}
	return nil
}

// GateTryAccept implements Interface.
func (m *MockStore) GateTryAccept(_ context.Context, strategy, symbol, action string, nowUTC,
	barTSUTC time.Time, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	key := strategy + "\x00" + symbol + "\x00" + action
	if gate, ok := m.Gates[key]; ok {
		if gate.LastBarTSUTC != nil && gate.LastBarTSUTC.Equal(barTSUTC) {
			return false, nil
		}
		if nowUTC.Sub(gate.LastAcceptedTSUTC) < cooldown {
			return false, nil
		}
	}
	bts := barTSUTC
	m.Gates[key] = models.SignalGate{
		Strategy: strategy, Symbol: symbol, Action: action,
		LastAcceptedTSUTC: nowUTC, LastBarTSUTC: &bts,
	}
	return true, nil
}

// GetGate implements Interface.
func (m *MockStore) GetGate(_ context.Context, strategy, symbol, action string) (*models.SignalGate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	gate, ok := m.Gates[strategy+"\x00"+symbol+"\x00"+action]
	if !ok {
		return nil, nil
	}
	cp := gate
	return &cp, nil
}

// ReleaseGate implements Interface.
func (m *MockStore) ReleaseGate(_ context.Context, strategy, symbol, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Gates, strategy+"\x00"+symbol+"\x00"+action)
	return nil
}

// GetDailyPnl implements Interface.
func (m *MockStore) GetDailyPnl(ctx context.Context) (*float64, error) {
	v, ok, err := m.GetState(ctx, "daily_pnl")
	if err != nil || !ok {
		return nil, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, nil
	}
	return &f, nil
}

// SaveDailyPnl implements Interface.
func (m *MockStore) SaveDailyPnl(ctx context.Context, pnl float64) error {
	return m.SetState(ctx, "daily_pnl", fmt.Sprintf("%g", pnl))
}

// GetDailyTradeCount implements Interface.
func (m *MockStore) GetDailyTradeCount(ctx context.Context) (int, error) {
	v, ok, err := m.GetState(ctx, "daily_trade_count")
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// SaveDailyTradeCount implements Interface.
func (m *MockStore) SaveDailyTradeCount(ctx context.Context, count int) error {
	return m.SetState(ctx, "daily_trade_count", strconv.Itoa(count))
}

// ResetDailyState implements Interface.
func (m *MockStore) ResetDailyState(ctx context.Context, resetDate string) error {
	if err := m.SetState(ctx, "daily_pnl", "0"); err != nil {
		return err
	}
	if err := m.SetState(ctx, "daily_trade_count", "0"); err != nil {
		return err
	}
	return m.SetState(ctx, "daily_reset_date", resetDate)
}

// GetDailyResetDate implements Interface.
func (m *MockStore) GetDailyResetDate(ctx context.Context) (string, error) {
	v, _, err := m.GetState(ctx, "daily_reset_date")
	return v, err
}

// GetState implements Interface.
func (m *MockStore) GetState(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", false, m.Err
	}
	v, ok := m.State[key]
	return v, ok, nil
}

// SetState implements Interface.
func (m *MockStore) SetState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.State[key] = value
	return nil
}

// GetKillSwitch implements Interface.
func (m *MockStore) GetKillSwitch(ctx context.Context) (bool, error) {
	v, _, err := m.GetState(ctx, keyKillSwitch)
	return v == "true", err
}

// SetKillSwitch implements Interface.
func (m *MockStore) SetKillSwitch(ctx context.Context, on bool) error {
	return m.SetState(ctx, keyKillSwitch, boolString(on))
}

// GetTradingHalted implements Interface.
func (m *MockStore) GetTradingHalted(ctx context.Context) (bool, error) {
	v, _, err := m.GetState(ctx, keyTradingHalted)
	return v == "true", err
}

// SetTradingHalted implements Interface.
func (m *MockStore) SetTradingHalted(ctx context.Context, halted bool) error {
	return m.SetState(ctx, keyTradingHalted, boolString(halted))
}

// GetBrokerHealth implements Interface.
func (m *MockStore) GetBrokerHealth(ctx context.Context) (models.BrokerHealth, error) {
	v, ok, err := m.GetState(ctx, keyBrokerHealth)
	if err != nil || !ok {
		return models.BrokerHealthy, err
	}
	return models.BrokerHealth(v), nil
}

// SetBrokerHealth implements Interface.
func (m *MockStore) SetBrokerHealth(ctx context.Context, health models.BrokerHealth) error {
	return m.SetState(ctx, keyBrokerHealth, string(health))
}

// GetCircuitBreaker implements Interface.
func (m *MockStore) GetCircuitBreaker(ctx context.Context) (models.CircuitBreakerState, int, error) {
	stateStr, ok, err := m.GetState(ctx, keyCircuitBreakerState)
	if err != nil {
		return models.CircuitNormal, 0, err
	}
	state := models.CircuitNormal
	if ok && stateStr != "" {
		state = models.CircuitBreakerState(stateStr)
	}
	countStr, _, err := m.GetState(ctx, keyCircuitBreakerCount)
	if err != nil {
		return state, 0, err
	}
	count, _ := strconv.Atoi(countStr)
	return state, count, nil
}

// IncrementCircuitBreaker implements Interface.
func (m *MockStore) IncrementCircuitBreaker(ctx context.Context, threshold int) (int, bool, error) {
	_, count, err := m.GetCircuitBreaker(ctx)
	if err != nil {
		return 0, false, err
	}
	count++
	if err := m.SetState(ctx, keyCircuitBreakerCount, strconv.Itoa(count)); err != nil {
		return count, false, err
	}
	if count >= threshold {
		if err := m.SetState(ctx, keyCircuitBreakerState, string(models.CircuitTripped)); err != nil {
			return count, false, err
		}
		return count, true, nil
	}
	return count, false, nil
}

// ResetCircuitBreaker implements Interface.
func (m *MockStore) ResetCircuitBreaker(ctx context.Context) error {
	if err := m.SetState(ctx, keyCircuitBreakerState, string(models.CircuitNormal)); err != nil {
		return err
	}
	return m.SetState(ctx, keyCircuitBreakerCount, "0")
}

// ClearCircuitBreakerFailures implements Interface.
func (m *MockStore) ClearCircuitBreakerFailures(ctx context.Context) error {
	return m.SetState(ctx, keyCircuitBreakerCount, "0")
}

// RecordReconcilerCheck implements Interface.
func (m *MockStore) RecordReconcilerCheck(ctx context.Context, at time.Time, consecutiveFailures int) error {
	if err := m.SetState(ctx, keyReconcilerLastCheck, at.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return m.SetState(ctx, keyReconcilerFailures, strconv.Itoa(consecutiveFailures))
}

// GetReconcilerFailures implements Interface.
func (m *MockStore) GetReconcilerFailures(ctx context.Context) (int, error) {
	v, _, err := m.GetState(ctx, keyReconcilerFailures)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// GetLastSignal implements Interface.
func (m *MockStore) GetLastSignal(ctx context.Context, symbol string, fast, slow int) (string, error) {
	v, _, err := m.GetState(ctx, lastSignalKey(symbol, fast, slow))
	return v, err
}

// SetLastSignal implements Interface.
func (m *MockStore) SetLastSignal(ctx context.Context, symbol string, fast, slow int, direction string) error {
	return m.SetState(ctx, lastSignalKey(symbol, fast, slow), direction)
}

// UpsertPosition implements Interface.
func (m *MockStore) UpsertPosition(_ context.Context, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Positions[p.Symbol] = p
	return nil
}

// DeletePosition implements Interface.
func (m *MockStore) DeletePosition(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Positions, symbol)
	return nil
}

// LoadPositions implements Interface.
func (m *MockStore) LoadPositions(_ context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Position
	for _, p := range m.Positions {
		out = append(out, p)
	}
	return out, nil
}

// SavePositionsSnapshot implements Interface.
func (m *MockStore) SavePositionsSnapshot(_ context.Context, takenAt time.Time, rows []models.PositionSnapshotRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	stamped := make([]models.PositionSnapshotRow, len(rows))
	for i, r := range rows {
		r.TakenAtUTC = takenAt
		stamped[i] = r
	}
	m.Snapshots = append(m.Snapshots, stamped)
	return nil
}

// LatestPositionsSnapshot implements Interface.
func (m *MockStore) LatestPositionsSnapshot(_ context.Context) ([]models.PositionSnapshotRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Snapshots) == 0 {
		return nil, nil
	}
	return m.Snapshots[len(m.Snapshots)-1], nil
}

// InsertTradeIdempotent implements Interface.
func (m *MockStore) InsertTradeIdempotent(_ context.Context, orderID, clientOrderID string, fillID *string,
	_ string, _ models.Side, _, _ decimal.Decimal, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	dedupe := clientOrderID
	if fillID != nil {
		dedupe = *fillID
	}
	key := orderID + "\x00" + dedupe
	for _, existing := range m.Trades {
		if existing == key {
			return false, nil
		}
	}
	m.Trades = append(m.Trades, key)
	return true, nil
}

// AppendEquityCurve implements Interface.
func (m *MockStore) AppendEquityCurve(_ context.Context, _ time.Time, _ decimal.Decimal, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.EquityRows++
	return nil
}

// InsertBarIdempotent implements Interface.
func (m *MockStore) InsertBarIdempotent(_ context.Context, bar models.BarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Bars = append(m.Bars, bar)
	return nil
}

// SaveReconciliationReport implements Interface.
func (m *MockStore) SaveReconciliationReport(_ context.Context, report models.ReconciliationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Reports = append(m.Reports, report)
	return nil
}

var _ Interface = (*MockStore)(nil)
