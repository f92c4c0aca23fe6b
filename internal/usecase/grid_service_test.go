package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/domain"
)

const testParamsFile = `TRADE_DIRECTION=LONG
MAX_ENTRY_LEVEL=4
LEVEL_DISTANCES=0.005,0.010,0.040,0.045
SL_DISTANCE=0.05
ENTRY_RATIOS=0.05,0.20,0.25,0.50
LEVERAGE_LONG=20
LEVERAGE_SHORT=5
TP_PCT=0.005
BE_PCT=0.001
GRID_RANGE_PCT=0.040
TAKER_FEE=0.000275
INITIAL_CAPITAL=1000.0
`

func newTestService(t *testing.T) (*GridService, *MockExchange) {
	t.Helper()
	return newTestServiceWithParams(t, testParamsFile)
}

func newTestServiceWithParams(t *testing.T, paramsText string) (*GridService, *MockExchange) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "params.txt")
	require.NoError(t, os.WriteFile(path, []byte(paramsText), 0o644))
	dyn, err := config.NewDynamicConfig(path)
	require.NoError(t, err)

	mock := NewMockExchange()
	svc := NewGridService(mock, &memStore{}, nil, dyn, zap.NewNop(), "USDC", 0.4)
	return svc, mock
}

func entryByLevel(t *testing.T, svc *GridService, level int) domain.EntryOrder {
	t.Helper()
	for _, e := range svc.orders.PendingEntries {
		if e.Level == level {
			return e
		}
	}
	t.Fatalf("no pending entry for level %d", level)
	return domain.EntryOrder{}
}

// fillLevel mirrors the exchange position a fill would produce and feeds the
// crossing tick.
func fillLevel(t *testing.T, svc *GridService, mock *MockExchange, level int, tick float64) {
	t.Helper()
	entry := entryByLevel(t, svc, level)

	size := svc.position.TotalSize + entry.Quantity
	value := svc.position.AvgPrice*svc.position.TotalSize + entry.Price*entry.Quantity
	mock.Position = &domain.ExchangePosition{
		Side:       domain.SideLong,
		Size:       size,
		EntryPrice: value / size,
	}
	svc.OnTick(context.Background(), tick)
}

func TestInitializeSeedsAndArmsGrid(t *testing.T) {
	svc, mock := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	// Capital is the wallet fraction, the ladder sits below the center.
	assert.InDelta(t, 1000.0, svc.capital, 1e-9)
	assert.InDelta(t, 100.0, svc.gridCenter, 1e-9)
	require.Len(t, svc.orders.PendingEntries, 4)
	assert.Equal(t, 4, mock.OpenCount())

	wantPrices := []float64{99.5, 99.0, 96.0, 95.5}
	for i, e := range svc.orders.PendingEntries {
		assert.InDelta(t, wantPrices[i], e.Price, 1e-9)
	}
	assert.False(t, svc.position.HasPosition())
}

func TestSetupGridIsIdempotent(t *testing.T) {
	svc, mock := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	require.NoError(t, svc.SetupGrid(context.Background(), 100))
	require.NoError(t, svc.SetupGrid(context.Background(), 100))

	assert.Len(t, svc.orders.PendingEntries, 4)
	assert.Equal(t, 4, mock.OpenCount())
}

func TestEntryFillArmsTakeProfit(t *testing.T) {
	svc, mock := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	fillLevel(t, svc, mock, 0, 99.4)

	assert.Equal(t, 1, svc.position.CurrentLevel)
	assert.InDelta(t, 99.5, svc.position.AvgPrice, 1e-9)
	assert.Len(t, svc.orders.PendingEntries, 3)

	require.NotNil(t, svc.orders.TakeProfit)
	assert.InDelta(t, 99.5*1.005, svc.orders.TakeProfit.Price, 1e-9)
	assert.InDelta(t, svc.position.TotalSize, svc.orders.TakeProfit.Quantity, 1e-9)
	assert.Nil(t, svc.orders.BreakEven)
	assert.Nil(t, svc.orders.StopLoss)
}

func TestSecondLevelSwitchesToBreakEven(t *testing.T) {
	svc, mock := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	fillLevel(t, svc, mock, 0, 99.4)
	fillLevel(t, svc, mock, 1, 98.9)

	assert.Equal(t, 2, svc.position.CurrentLevel)
	assert.Nil(t, svc.orders.TakeProfit)
	assert.Nil(t, svc.orders.StopLoss)

	require.NotNil(t, svc.orders.BreakEven)
	assert.InDelta(t, svc.position.AvgPrice*1.001, svc.orders.BreakEven.Price, 1e-9)
	// Break-even unwinds everything above the level-1 core.
	assert.InDelta(t, svc.position.TotalSize-svc.position.Level1Qty, svc.orders.BreakEven.Quantity, 1e-9)
}

func TestGapTickFillsAllCrossedLevels(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	l1 := entryByLevel(t, svc, 0)
	l2 := entryByLevel(t, svc, 1)
	size := l1.Quantity + l2.Quantity
	value := l1.Price*l1.Quantity + l2.Price*l2.Quantity
	mock.Position = &domain.ExchangePosition{
		Side:       domain.SideLong,
		Size:       size,
		EntryPrice: value / size,
	}

	// One tick gaps through the two upper rungs at once.
	svc.OnTick(ctx, 98.5)

	assert.Equal(t, 2, svc.position.CurrentLevel)
	assert.Len(t, svc.orders.PendingEntries, 2)

	// The exit set matches the deepest filled level, not the first one.
	assert.Nil(t, svc.orders.TakeProfit)
	require.NotNil(t, svc.orders.BreakEven)
	assert.InDelta(t, svc.position.TotalSize-svc.position.Level1Qty, svc.orders.BreakEven.Quantity, 1e-9)
}

func TestDeepestLevelArmsStop(t *testing.T) {
	svc, mock := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))

	fillLevel(t, svc, mock, 0, 99.4)
	fillLevel(t, svc, mock, 1, 98.9)
	fillLevel(t, svc, mock, 2, 95.9)
	fillLevel(t, svc, mock, 3, 95.4)

	assert.Equal(t, 4, svc.position.CurrentLevel)
	assert.Empty(t, svc.orders.PendingEntries)
	require.NotNil(t, svc.orders.BreakEven)
	require.NotNil(t, svc.orders.StopLoss)
	assert.InDelta(t, 95.0, svc.orders.StopLoss.Price, 1e-9)
}

func TestTakeProfitRealizesAndRearms(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	fillLevel(t, svc, mock, 0, 99.4)
	tp := svc.orders.TakeProfit
	require.NotNil(t, tp)

	mock.PnLByOrder[tp.OrderID] = domain.RealizedPnL{Gross: 5.0, Fees: 0.5}
	mock.Position = nil
	svc.OnTick(ctx, 100.2)

	assert.InDelta(t, 1004.5, svc.capital, 1e-9)
	assert.False(t, svc.position.HasPosition())
	// A fresh ladder is armed at the exit price.
	assert.InDelta(t, tp.Price, svc.gridCenter, 1e-9)
	assert.Len(t, svc.orders.PendingEntries, 4)
	assert.Nil(t, svc.orders.TakeProfit)
}

func TestBreakEvenCollapsesToCore(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	fillLevel(t, svc, mock, 0, 99.4)
	coreQty := svc.position.Level1Qty

	fillLevel(t, svc, mock, 1, 98.9)
	avg := svc.position.AvgPrice
	be := svc.orders.BreakEven
	require.NotNil(t, be)

	mock.PnLByOrder[be.OrderID] = domain.RealizedPnL{Gross: 0.2, Fees: 0.1}
	mock.Position = &domain.ExchangePosition{Side: domain.SideLong, Size: coreQty, EntryPrice: avg}
	svc.OnTick(ctx, be.Price+0.2)

	assert.Equal(t, 1, svc.position.CurrentLevel)
	assert.InDelta(t, coreQty, svc.position.TotalSize, 1e-9)
	assert.InDelta(t, coreQty, svc.position.Level1Qty, 1e-9)
	// Cost basis survives the unwind, the center is re-derived from it.
	assert.InDelta(t, avg, svc.position.AvgPrice, 1e-9)
	assert.InDelta(t, avg/0.995, svc.gridCenter, 1e-9)
	assert.InDelta(t, 1000.1, svc.capital, 1e-9)

	// Deeper rungs re-armed, core protected by a fresh take-profit.
	assert.Len(t, svc.orders.PendingEntries, 3)
	require.NotNil(t, svc.orders.TakeProfit)
	assert.InDelta(t, avg*1.005, svc.orders.TakeProfit.Price, 1e-9)
	assert.Nil(t, svc.orders.BreakEven)
	assert.Nil(t, svc.orders.StopLoss)
}

func TestStopFillResetsSession(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	fillLevel(t, svc, mock, 0, 99.4)
	fillLevel(t, svc, mock, 1, 98.9)
	fillLevel(t, svc, mock, 2, 95.9)
	fillLevel(t, svc, mock, 3, 95.4)
	sl := svc.orders.StopLoss
	require.NotNil(t, sl)

	mock.PnLByOrder[sl.OrderID] = domain.RealizedPnL{Gross: -50.0, Fees: 2.0}
	mock.Position = nil
	svc.OnTick(ctx, 94.9)

	assert.InDelta(t, 948.0, svc.capital, 1e-9)
	assert.False(t, svc.position.HasPosition())
	assert.InDelta(t, 95.0, svc.gridCenter, 1e-9)
	assert.Len(t, svc.orders.PendingEntries, 4)
}

func TestRangeEscapeRecenters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	// Inside the half-range: nothing moves.
	svc.OnTick(ctx, 101.0)
	assert.InDelta(t, 100.0, svc.gridCenter, 1e-9)

	svc.OnTick(ctx, 103.0)
	assert.InDelta(t, 103.0, svc.gridCenter, 1e-9)
	require.Len(t, svc.orders.PendingEntries, 4)
	assert.InDelta(t, 103.0*0.995, svc.orders.PendingEntries[0].Price, 1e-9)
}

func TestRangeEscapeShortRecentersOnDownMove(t *testing.T) {
	params := `TRADE_DIRECTION=SHORT
MAX_ENTRY_LEVEL=4
LEVEL_DISTANCES=0.005,0.010,0.040,0.045
SL_DISTANCE=0.05
ENTRY_RATIOS=0.05,0.20,0.25,0.50
LEVERAGE_LONG=20
LEVERAGE_SHORT=5
TP_PCT=0.005
BE_PCT=0.001
GRID_RANGE_PCT=0.040
TAKER_FEE=0.000275
INITIAL_CAPITAL=1000.0
`
	svc, _ := newTestServiceWithParams(t, params)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	// Inside the half-range: nothing moves.
	svc.OnTick(ctx, 99.0)
	assert.InDelta(t, 100.0, svc.gridCenter, 1e-9)

	// A short grid chases price running down, away from its sell ladder.
	svc.OnTick(ctx, 97.5)
	assert.InDelta(t, 97.5, svc.gridCenter, 1e-9)
	require.Len(t, svc.orders.PendingEntries, 4)
	assert.InDelta(t, 97.5*1.005, svc.orders.PendingEntries[0].Price, 1e-9)
}

func TestReconcileDropsOrdersUnknownToExchange(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	dropped := svc.orders.PendingEntries[2]
	mock.DropOrder(dropped.OrderID)

	require.NoError(t, svc.ReconcileOnce(ctx))

	assert.Len(t, svc.orders.PendingEntries, 3)
	for _, e := range svc.orders.PendingEntries {
		assert.NotEqual(t, dropped.OrderID, e.OrderID)
	}
}

func TestReconcileOverwritesPositionDrift(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	fillLevel(t, svc, mock, 0, 99.4)

	// The exchange saw a slightly different fill.
	mock.Position = &domain.ExchangePosition{Side: domain.SideLong, Size: 10.2, EntryPrice: 99.48}
	require.NoError(t, svc.ReconcileOnce(ctx))

	assert.InDelta(t, 99.48, svc.position.AvgPrice, 1e-9)
	assert.InDelta(t, 10.2, svc.position.TotalSize, 1e-9)
}

func TestReconcileHandlesExternalClose(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	fillLevel(t, svc, mock, 0, 99.4)
	fillLevel(t, svc, mock, 1, 98.9)
	fillLevel(t, svc, mock, 2, 95.9)
	require.Equal(t, 3, svc.position.CurrentLevel)

	mock.Position = nil
	mock.LastClosed = domain.RealizedPnL{Gross: -5.0, Fees: 1.0}
	require.NoError(t, svc.ReconcileOnce(ctx))

	assert.InDelta(t, 994.0, svc.capital, 1e-9)
	assert.False(t, svc.position.HasPosition())
	// Session restarts at the last seen price.
	assert.InDelta(t, 95.9, svc.gridCenter, 1e-9)
	assert.Len(t, svc.orders.PendingEntries, 4)
}

func TestReconcileAdoptsForeignPosition(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	mock.Position = &domain.ExchangePosition{Side: domain.SideLong, Size: 0.5, EntryPrice: 99.5}
	require.NoError(t, svc.ReconcileOnce(ctx))

	assert.True(t, svc.position.HasPosition())
	assert.InDelta(t, 0.5, svc.position.TotalSize, 1e-9)
	assert.InDelta(t, 99.5, svc.position.AvgPrice, 1e-9)
	assert.InDelta(t, 100.0, svc.gridCenter, 1e-9)
	require.NotNil(t, svc.orders.TakeProfit)
}

func TestReconcileRearmsWhenFlatWithNoOrders(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))

	for _, e := range svc.orders.PendingEntries {
		mock.DropOrder(e.OrderID)
	}
	mock.Price = 102.0
	require.NoError(t, svc.ReconcileOnce(ctx))

	assert.InDelta(t, 102.0, svc.gridCenter, 1e-9)
	assert.Len(t, svc.orders.PendingEntries, 4)
}

func TestMarginInsufficientFallsBackToDegradedSizing(t *testing.T) {
	svc, mock := newTestService(t)
	mock.RejectMargin = true

	require.NoError(t, svc.Initialize(context.Background()))

	require.Len(t, svc.orders.PendingEntries, 4)
	// The mock grants half the requested notional on the degraded path.
	first := svc.orders.PendingEntries[0]
	assert.InDelta(t, 1000.0*0.5/first.Price, first.Quantity, 1e-9)
}

func TestStatusSnapshot(t *testing.T) {
	svc, mock := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Initialize(ctx))
	fillLevel(t, svc, mock, 0, 99.4)

	st := svc.Status()
	assert.Equal(t, domain.SideLong, st.Direction)
	assert.Equal(t, 1, st.CurrentLevel)
	assert.InDelta(t, 99.4, st.LastPrice, 1e-9)
	assert.Len(t, st.Entries, 3)
	require.NotNil(t, st.TakeProfit)
}
