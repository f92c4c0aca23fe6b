package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/domain"
)

const (
	positionSyncAttempts = 10
	positionSyncDelay    = time.Second
	cancelVerifyAttempts = 5
	cancelVerifyDelay    = 500 * time.Millisecond
)

// GridService owns the full order lifecycle of one martingale ladder: arming
// entries, inferring fills from ticks, rolling exits as levels fill, and
// realizing PnL on close. All transitions run under the mutex; ticks and the
// reconcile timer never interleave mid-transition.
type GridService struct {
	exchange   domain.Exchange
	store      domain.SnapshotStore
	trades     domain.TradeRepository
	dyn        *config.DynamicConfig
	logger     *zap.Logger
	quoteAsset string
	capitalPct float64

	nudge chan struct{}

	mu          sync.Mutex
	position    *domain.Position
	orders      *domain.OutstandingOrders
	gridCenter  float64
	capital     float64
	lastPrice   float64
	initialized bool
}

func NewGridService(
	exchange domain.Exchange,
	store domain.SnapshotStore,
	trades domain.TradeRepository,
	dyn *config.DynamicConfig,
	logger *zap.Logger,
	quoteAsset string,
	capitalPct float64,
) *GridService {
	params := dyn.Params()
	return &GridService{
		exchange:   exchange,
		store:      store,
		trades:     trades,
		dyn:        dyn,
		logger:     logger,
		quoteAsset: quoteAsset,
		capitalPct: capitalPct,
		nudge:      make(chan struct{}, 1),
		position:   domain.NewPosition(params.MaxLevel),
		orders:     &domain.OutstandingOrders{},
	}
}

// ReconcileRequests signals that a transition wants an out-of-band
// reconcile pass on top of the periodic timer.
func (s *GridService) ReconcileRequests() <-chan struct{} {
	return s.nudge
}

func (s *GridService) requestReconcile() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// applyRealized advances working capital by the exchange-reported net PnL of
// a close. Caller holds the mutex.
func (s *GridService) applyRealized(net float64) {
	s.capital += net
}

// Initialize restores persisted state or seeds a fresh session, then runs one
// reconcile pass so the bot starts from exchange truth before any tick is
// processed.
func (s *GridService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	snap, err := s.store.Load()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to load state: %w", err)
	}

	if snap != nil {
		s.gridCenter = snap.GridCenter
		s.capital = snap.Capital
		if snap.Position != nil {
			s.position = snap.Position
		}
		if snap.Orders != nil {
			s.orders = snap.Orders
		}
		s.logger.Info("state restored",
			zap.Float64("grid_center", s.gridCenter),
			zap.Float64("capital", s.capital),
			zap.Int("current_level", s.position.CurrentLevel))
	} else {
		if err := s.seedSession(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.initialized = true
	s.mu.Unlock()

	return s.ReconcileOnce(ctx)
}

// seedSession establishes working capital and the initial grid center for a
// session with no persisted state. Caller holds the mutex.
func (s *GridService) seedSession(ctx context.Context) error {
	params := s.dyn.Params()

	balance, err := s.exchange.GetWalletBalance(ctx, s.quoteAsset)
	if err != nil {
		return fmt.Errorf("failed to fetch wallet balance: %w", err)
	}
	s.capital = balance * s.capitalPct
	if s.capital <= 0 {
		s.capital = params.InitialCapital
	}

	refPrice, err := s.exchange.GetLatestKlineClose(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch initial reference price: %w", err)
	}
	s.gridCenter = refPrice

	s.logger.Info("session seeded",
		zap.Float64("wallet_balance", balance),
		zap.Float64("capital", s.capital),
		zap.Float64("grid_center", s.gridCenter))
	return nil
}

// OnTick processes one price update. Exit fills are checked before entry
// fills so a tick that sweeps through both sides of the book closes the
// position instead of deepening it.
func (s *GridService) OnTick(ctx context.Context, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || price <= 0 {
		return
	}
	s.lastPrice = price
	params := s.dyn.Params()

	if s.position.HasPosition() {
		if s.checkExitFills(ctx, price, params) {
			return
		}
	}

	s.checkEntryFills(ctx, price, params)

	if !s.position.HasPosition() {
		s.checkRangeEscape(ctx, price, params)
	}
}

// checkExitFills infers TP, BE and SL fills from price crossings. Returns
// true when the position was closed or partially unwound this tick.
func (s *GridService) checkExitFills(ctx context.Context, price float64, params *config.GridParams) bool {
	dir := s.position.Direction

	if tp := s.orders.TakeProfit; tp != nil && crossedAbove(dir, price, tp.Price) {
		s.onTakeProfitFilled(ctx, tp, params)
		return true
	}
	if be := s.orders.BreakEven; be != nil && crossedAbove(dir, price, be.Price) {
		s.onBreakEvenFilled(ctx, be, params)
		return true
	}
	if sl := s.orders.StopLoss; sl != nil && crossedBelow(dir, price, sl.Price) {
		s.onStopFilled(ctx, sl, params)
		return true
	}
	return false
}

// checkEntryFills registers every pending entry the tick crossed. A gap tick
// can sweep several rungs at once; all of them fill before the exit set is
// rolled for the resulting level.
func (s *GridService) checkEntryFills(ctx context.Context, price float64, params *config.GridParams) {
	pending := make([]domain.EntryOrder, len(s.orders.PendingEntries))
	copy(pending, s.orders.PendingEntries)

	filled := 0
	for _, entry := range pending {
		if !crossedBelow(params.Direction, price, entry.Price) {
			continue
		}
		s.orders.RemoveEntry(entry.Level)
		s.position.AddEntry(params.Direction, entry.Price, entry.Quantity, entry.Level)

		s.logger.Info("entry filled",
			zap.Int("level", entry.Level+1),
			zap.Float64("price", entry.Price),
			zap.Float64("quantity", entry.Quantity))
		s.journal(ctx, domain.TradeEntry, entry.Level+1, entry.Price, entry.Quantity, 0)
		filled++
	}
	if filled == 0 {
		return
	}

	if err := s.syncPositionFromExchange(ctx); err != nil {
		s.logger.Error("failed to sync position after entry fill", zap.Error(err))
	}
	if err := s.updateCloseOrders(ctx, params); err != nil {
		s.logger.Error("failed to update close orders", zap.Error(err))
	}
	if err := s.saveState(); err != nil {
		s.logger.Error("failed to persist state", zap.Error(err))
	}
	s.requestReconcile()
}

// crossedAbove reports whether price moved through a profit-side level.
func crossedAbove(dir domain.Side, price, level float64) bool {
	if dir == domain.SideShort {
		return price < level
	}
	return price > level
}

// crossedBelow reports whether price moved through an entry or stop level.
func crossedBelow(dir domain.Side, price, level float64) bool {
	if dir == domain.SideShort {
		return price > level
	}
	return price < level
}

// SetupGrid cancels everything resting and arms a fresh entry ladder around
// center. Calling it twice in a row leaves exactly one order per level.
func (s *GridService) SetupGrid(ctx context.Context, center float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupGridLocked(ctx, center)
}

func (s *GridService) setupGridLocked(ctx context.Context, center float64) error {
	params := s.dyn.Params()

	if err := s.cancelAllVerified(ctx); err != nil {
		return fmt.Errorf("failed to clear orders before arming grid: %w", err)
	}
	s.orders.ClearAll()
	s.position.ResetTo(params.MaxLevel)
	s.gridCenter = center

	levels := PlanLevels(center, s.capital, params)
	for _, lvl := range levels {
		orderID, qty, err := s.placeEntry(ctx, lvl, params)
		if err != nil {
			s.logger.Error("failed to place entry",
				zap.Int("level", lvl.Level+1),
				zap.Float64("price", lvl.Price),
				zap.Error(err))
			continue
		}
		s.orders.AddEntry(orderID, lvl.Level, lvl.Price, qty)
		s.logger.Info("entry armed",
			zap.Int("level", lvl.Level+1),
			zap.Float64("price", lvl.Price),
			zap.Float64("quantity", qty))
	}

	return s.saveState()
}

// placeEntry places one ladder rung, falling back to degraded sizing when
// the account margin cannot carry the planned notional.
func (s *GridService) placeEntry(ctx context.Context, lvl PlannedLevel, params *config.GridParams) (string, float64, error) {
	orderID, err := s.exchange.PlaceLimitEntry(ctx, params.Direction, lvl.Price, lvl.Quantity, params.Leverage())
	if err == nil {
		return orderID, lvl.Quantity, nil
	}
	if !errors.Is(err, domain.ErrMarginInsufficient) {
		return "", 0, err
	}

	s.logger.Warn("margin insufficient, retrying entry with reduced size",
		zap.Int("level", lvl.Level+1),
		zap.Float64("notional", lvl.Notional))
	orderID, qty, err := s.exchange.PlaceLimitEntryDegraded(ctx, params.Direction, lvl.Price, lvl.Notional, params.Leverage())
	if err != nil {
		return "", 0, err
	}
	return orderID, qty, nil
}

// syncPositionFromExchange overwrites the locally accumulated average and
// size with the exchange's numbers. Fills land with a short delay on the
// exchange side, so the fetch retries before giving up.
func (s *GridService) syncPositionFromExchange(ctx context.Context) error {
	var pos *domain.ExchangePosition
	var err error
	for attempt := 0; attempt < positionSyncAttempts; attempt++ {
		pos, err = s.exchange.GetPosition(ctx)
		if err == nil && pos != nil && pos.Size > 0 {
			s.position.AvgPrice = pos.EntryPrice
			s.position.TotalSize = pos.Size
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(positionSyncDelay):
		}
	}
	if err != nil {
		return fmt.Errorf("position not visible on exchange: %w", err)
	}
	return fmt.Errorf("position not visible on exchange after %d attempts", positionSyncAttempts)
}

// updateCloseOrders replaces the exit set for the current level. Level 1 runs
// a take-profit on the full size. Deeper levels run a break-even that unwinds
// everything above the level-1 core, and the deepest level adds the stop.
func (s *GridService) updateCloseOrders(ctx context.Context, params *config.GridParams) error {
	dir := s.position.Direction
	s.cancelExits(ctx)

	level := s.position.CurrentLevel
	switch {
	case level <= 1:
		price := TakeProfitPrice(s.position.AvgPrice, dir, params.TakeProfitPct)
		orderID, err := s.exchange.PlaceLimitClose(ctx, dir, price, s.position.TotalSize)
		if err != nil {
			return fmt.Errorf("failed to place take-profit: %w", err)
		}
		s.orders.SetTakeProfit(orderID, price, s.position.TotalSize)
		s.logger.Info("take-profit armed", zap.Float64("price", price), zap.Float64("quantity", s.position.TotalSize))

	default:
		price := BreakEvenPrice(s.position.AvgPrice, dir, params.BreakEvenPct)
		qty := s.position.TotalSize - s.position.Level1Qty
		if qty > 0 {
			orderID, err := s.exchange.PlaceLimitClose(ctx, dir, price, qty)
			if err != nil {
				return fmt.Errorf("failed to place break-even: %w", err)
			}
			s.orders.SetBreakEven(orderID, price, qty)
			s.logger.Info("break-even armed", zap.Float64("price", price), zap.Float64("quantity", qty))
		}

		if level >= params.MaxLevel {
			trigger := StopPrice(s.gridCenter, dir, params.StopDistance)
			orderID, err := s.exchange.SetStop(ctx, dir, trigger)
			if err != nil {
				return fmt.Errorf("failed to place stop: %w", err)
			}
			s.orders.SetStopLoss(orderID, trigger)
			s.logger.Info("stop armed", zap.Float64("trigger", trigger))
		}
	}
	return nil
}

func (s *GridService) cancelExits(ctx context.Context) {
	for _, exit := range []*domain.ExitOrder{s.orders.TakeProfit, s.orders.BreakEven, s.orders.StopLoss} {
		if exit == nil {
			continue
		}
		if err := s.exchange.CancelOrder(ctx, exit.OrderID); err != nil {
			s.logger.Warn("failed to cancel exit order", zap.String("order_id", exit.OrderID), zap.Error(err))
		}
	}
	s.orders.TakeProfit = nil
	s.orders.BreakEven = nil
	s.orders.StopLoss = nil
}

// onTakeProfitFilled realizes the round trip and re-arms a fresh ladder at
// the exit price.
func (s *GridService) onTakeProfitFilled(ctx context.Context, tp *domain.ExitOrder, params *config.GridParams) {
	pnl := s.realizePnL(ctx, tp.OrderID)
	s.applyRealized(pnl.Net())

	s.logger.Info("take-profit filled",
		zap.Float64("price", tp.Price),
		zap.Float64("pnl", pnl.Net()),
		zap.Float64("capital", s.capital))

	s.journal(ctx, domain.TradeTakeProfit, s.position.CurrentLevel, tp.Price, tp.Quantity, pnl.Net())
	s.resetAndRearm(ctx, tp.Price, params)
}

// onBreakEvenFilled unwinds everything above the level-1 core and folds the
// ladder back onto it. The surviving core keeps its average price; the grid
// center is re-derived from it so the remaining rungs stay aligned.
func (s *GridService) onBreakEvenFilled(ctx context.Context, be *domain.ExitOrder, params *config.GridParams) {
	pnl := s.realizePnL(ctx, be.OrderID)
	s.applyRealized(pnl.Net())

	s.logger.Info("break-even filled",
		zap.Float64("price", be.Price),
		zap.Float64("unwound", be.Quantity),
		zap.Float64("pnl", pnl.Net()))

	s.journal(ctx, domain.TradePartialBE, s.position.CurrentLevel, be.Price, be.Quantity, pnl.Net())

	if err := s.cancelAllVerified(ctx); err != nil {
		s.logger.Error("failed to clear orders after break-even", zap.Error(err))
	}
	s.orders.ClearAll()

	s.position.CollapseToCore()
	if pos, err := s.exchange.GetPosition(ctx); err == nil && pos != nil && pos.Size > 0 {
		s.position.TotalSize = pos.Size
		s.position.Level1Qty = pos.Size
		s.position.AvgPrice = pos.EntryPrice
	}
	s.gridCenter = ReconstructCenter(s.position.AvgPrice, params.Direction, params.LevelDistances)

	// Re-arm the deeper rungs around the rebuilt center and a fresh
	// take-profit for the core.
	levels := PlanLevels(s.gridCenter, s.capital, params)
	for _, lvl := range levels[1:] {
		orderID, qty, err := s.placeEntry(ctx, lvl, params)
		if err != nil {
			s.logger.Error("failed to re-arm entry after break-even",
				zap.Int("level", lvl.Level+1), zap.Error(err))
			continue
		}
		s.orders.AddEntry(orderID, lvl.Level, lvl.Price, qty)
	}

	if err := s.updateCloseOrders(ctx, params); err != nil {
		s.logger.Error("failed to arm take-profit after break-even", zap.Error(err))
	}
	if err := s.saveState(); err != nil {
		s.logger.Error("failed to persist state", zap.Error(err))
	}
	s.requestReconcile()
}

func (s *GridService) onStopFilled(ctx context.Context, sl *domain.ExitOrder, params *config.GridParams) {
	pnl := s.realizePnL(ctx, sl.OrderID)
	s.applyRealized(pnl.Net())

	s.logger.Warn("stop filled",
		zap.Float64("trigger", sl.Price),
		zap.Float64("pnl", pnl.Net()),
		zap.Float64("capital", s.capital))

	s.journal(ctx, domain.TradeStopLoss, s.position.CurrentLevel, sl.Price, s.position.TotalSize, pnl.Net())
	s.resetAndRearm(ctx, sl.Price, params)
}

// resetAndRearm flattens local state and arms a new ladder at price. Caller
// holds the mutex.
func (s *GridService) resetAndRearm(ctx context.Context, price float64, params *config.GridParams) {
	if err := s.cancelAllVerified(ctx); err != nil {
		s.logger.Error("failed to clear orders on reset", zap.Error(err))
	}
	s.orders.ClearAll()
	s.position.ResetTo(params.MaxLevel)

	if err := s.setupGridLocked(ctx, price); err != nil {
		s.logger.Error("failed to re-arm grid", zap.Error(err))
	}
	s.requestReconcile()
}

// checkRangeEscape re-centers an unfilled ladder when price runs away on the
// adverse side: above the band for LONG, below it for SHORT. Drift toward the
// ladder fills entries instead, and a BOTH session keeps its center.
func (s *GridService) checkRangeEscape(ctx context.Context, price float64, params *config.GridParams) {
	if s.gridCenter <= 0 || len(s.orders.PendingEntries) == 0 {
		return
	}
	halfRange := params.GridRangePct / 2
	escaped := false
	switch params.Direction {
	case domain.SideLong:
		escaped = price > s.gridCenter*(1+halfRange)
	case domain.SideShort:
		escaped = price < s.gridCenter*(1-halfRange)
	}
	if !escaped {
		return
	}
	drift := math.Abs(price-s.gridCenter) / s.gridCenter

	s.logger.Info("price escaped grid range, re-centering",
		zap.Float64("price", price),
		zap.Float64("grid_center", s.gridCenter),
		zap.Float64("drift", drift))

	if err := s.setupGridLocked(ctx, price); err != nil {
		s.logger.Error("failed to re-center grid", zap.Error(err))
	}
}

// realizePnL fetches the exchange-reported realized PnL for a closing order.
// Errors degrade to zero so a history hiccup never blocks the state machine.
func (s *GridService) realizePnL(ctx context.Context, orderID string) domain.RealizedPnL {
	pnl, err := s.exchange.GetRealizedPnLForOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn("failed to fetch realized pnl", zap.String("order_id", orderID), zap.Error(err))
		return domain.RealizedPnL{}
	}
	return pnl
}

// cancelAllVerified cancels every resting order and polls until the exchange
// reports none open. Caller holds the mutex.
func (s *GridService) cancelAllVerified(ctx context.Context) error {
	if err := s.exchange.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("failed to cancel orders: %w", err)
	}
	for attempt := 0; attempt < cancelVerifyAttempts; attempt++ {
		ids, err := s.exchange.GetOpenOrderIDs(ctx)
		if err == nil && len(ids) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cancelVerifyDelay):
		}
	}
	return fmt.Errorf("open orders still present after %d cancel checks", cancelVerifyAttempts)
}

func (s *GridService) journal(ctx context.Context, tradeType string, level int, price, qty, pnl float64) {
	if s.trades == nil {
		return
	}
	rec := &domain.TradeRecord{
		Type:       tradeType,
		Direction:  s.position.Direction,
		Level:      level,
		Price:      price,
		Quantity:   qty,
		AvgPrice:   s.position.AvgPrice,
		PnL:        pnl,
		GridCenter: s.gridCenter,
		Capital:    s.capital,
		CreatedAt:  time.Now().UTC(),
	}
	if rec.Direction == "" {
		rec.Direction = s.dyn.Params().Direction
	}
	if err := s.trades.SaveTrade(ctx, rec); err != nil {
		s.logger.Warn("failed to journal trade", zap.Error(err))
	}
}

// saveState persists a snapshot of the full session. Caller holds the mutex.
func (s *GridService) saveState() error {
	snap := &domain.Snapshot{
		GridCenter:  s.gridCenter,
		Capital:     s.capital,
		Position:    s.position,
		Orders:      s.orders,
		LastUpdated: time.Now().UTC(),
	}
	if err := s.store.Save(snap); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Status is a read-only view of the session for the web layer.
type Status struct {
	Direction    domain.Side         `json:"direction"`
	GridCenter   float64             `json:"grid_center"`
	Capital      float64             `json:"capital"`
	LastPrice    float64             `json:"last_price"`
	CurrentLevel int                 `json:"current_level"`
	AvgPrice     float64             `json:"avg_price"`
	TotalSize    float64             `json:"total_size"`
	Entries      []domain.EntryOrder `json:"pending_entries"`
	TakeProfit   *domain.ExitOrder   `json:"tp_order,omitempty"`
	BreakEven    *domain.ExitOrder   `json:"be_order,omitempty"`
	StopLoss     *domain.ExitOrder   `json:"sl_order,omitempty"`
}

// Status returns a copy of the current session state.
func (s *GridService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]domain.EntryOrder, len(s.orders.PendingEntries))
	copy(entries, s.orders.PendingEntries)

	st := Status{
		Direction:    s.dyn.Params().Direction,
		GridCenter:   s.gridCenter,
		Capital:      s.capital,
		LastPrice:    s.lastPrice,
		CurrentLevel: s.position.CurrentLevel,
		AvgPrice:     s.position.AvgPrice,
		TotalSize:    s.position.TotalSize,
		Entries:      entries,
	}
	if s.position.HasPosition() {
		st.Direction = s.position.Direction
	}
	if tp := s.orders.TakeProfit; tp != nil {
		c := *tp
		st.TakeProfit = &c
	}
	if be := s.orders.BreakEven; be != nil {
		c := *be
		st.BreakEven = &c
	}
	if sl := s.orders.StopLoss; sl != nil {
		c := *sl
		st.StopLoss = &c
	}
	return st
}
