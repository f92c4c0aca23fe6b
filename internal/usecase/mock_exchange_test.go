package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/grid_martingale/internal/domain"
)

// MockExchange for grid service tests
type MockExchange struct {
	mu   sync.Mutex
	seq  int
	open map[string]bool

	Position     *domain.ExchangePosition
	Wallet       float64
	Price        float64
	KlineClose   float64
	PnLByOrder   map[string]domain.RealizedPnL
	LastClosed   domain.RealizedPnL
	RejectMargin bool

	PlacedEntries []domain.EntryOrder
	PlacedCloses  []domain.ExitOrder
	PlacedStops   []float64
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		open:       make(map[string]bool),
		PnLByOrder: make(map[string]domain.RealizedPnL),
		Wallet:     2500,
		Price:      100,
		KlineClose: 100,
	}
}

func (m *MockExchange) nextID() string {
	m.seq++
	return fmt.Sprintf("order-%d", m.seq)
}

func (m *MockExchange) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// DropOrder simulates the exchange losing an order out of band.
func (m *MockExchange) DropOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
}

func (m *MockExchange) PlaceLimitEntry(ctx context.Context, direction domain.Side, price, quantity float64, leverage int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectMargin {
		return "", fmt.Errorf("%w: code -2019", domain.ErrMarginInsufficient)
	}
	id := m.nextID()
	m.open[id] = true
	m.PlacedEntries = append(m.PlacedEntries, domain.EntryOrder{OrderID: id, Price: price, Quantity: quantity})
	return id, nil
}

func (m *MockExchange) PlaceLimitEntryDegraded(ctx context.Context, direction domain.Side, price, notional float64, leverage int) (string, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID()
	m.open[id] = true
	qty := notional * 0.5 / price
	m.PlacedEntries = append(m.PlacedEntries, domain.EntryOrder{OrderID: id, Price: price, Quantity: qty})
	return id, qty, nil
}

func (m *MockExchange) PlaceLimitClose(ctx context.Context, direction domain.Side, price, quantity float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID()
	m.open[id] = true
	m.PlacedCloses = append(m.PlacedCloses, domain.ExitOrder{OrderID: id, Price: price, Quantity: quantity})
	return id, nil
}

func (m *MockExchange) SetStop(ctx context.Context, direction domain.Side, triggerPrice float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID()
	m.open[id] = true
	m.PlacedStops = append(m.PlacedStops, triggerPrice)
	return id, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
	return nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = make(map[string]bool)
	return nil
}

func (m *MockExchange) GetOpenOrderIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MockExchange) GetPosition(ctx context.Context) (*domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Position, nil
}

func (m *MockExchange) GetWalletBalance(ctx context.Context, asset string) (float64, error) {
	return m.Wallet, nil
}

func (m *MockExchange) GetRealizedPnLForOrder(ctx context.Context, orderID string) (domain.RealizedPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PnLByOrder[orderID], nil
}

func (m *MockExchange) GetLastClosedPnL(ctx context.Context) (domain.RealizedPnL, error) {
	return m.LastClosed, nil
}

func (m *MockExchange) GetCurrentPrice(ctx context.Context) (float64, error) {
	return m.Price, nil
}

func (m *MockExchange) GetLatestKlineClose(ctx context.Context) (float64, error) {
	return m.KlineClose, nil
}

// memStore keeps snapshots in memory for tests.
type memStore struct {
	snap *domain.Snapshot
}

func (s *memStore) Save(snap *domain.Snapshot) error {
	s.snap = snap
	return nil
}

func (s *memStore) Load() (*domain.Snapshot, error) {
	return s.snap, nil
}

func (s *memStore) Clear() error {
	s.snap = nil
	return nil
}
