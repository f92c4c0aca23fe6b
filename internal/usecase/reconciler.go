package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/domain"
)

// ReconcileOnce replays exchange truth over local state: the exchange's
// position and open-order list win every disagreement. Fills missed by the
// tick stream, orders cancelled out of band and manual closes all converge
// here.
func (s *GridService) ReconcileOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	params := s.dyn.Params()

	exchPos, err := s.exchange.GetPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch position: %w", err)
	}

	switch {
	case s.position.HasPosition() && (exchPos == nil || exchPos.Size == 0):
		s.handleExternalClose(ctx, params)
		return nil

	case exchPos != nil && exchPos.Size > 0:
		if !s.position.HasPosition() {
			s.adoptForeignPosition(exchPos, params)
		} else if s.position.AvgPrice != exchPos.EntryPrice || s.position.TotalSize != exchPos.Size {
			s.logger.Info("position drift corrected",
				zap.Float64("local_avg", s.position.AvgPrice),
				zap.Float64("exchange_avg", exchPos.EntryPrice),
				zap.Float64("local_size", s.position.TotalSize),
				zap.Float64("exchange_size", exchPos.Size))
			s.position.AvgPrice = exchPos.EntryPrice
			s.position.TotalSize = exchPos.Size
		}
	}

	if err := s.reconcileOrders(ctx, params); err != nil {
		return err
	}

	if !s.position.HasPosition() && len(s.orders.PendingEntries) == 0 {
		price, err := s.exchange.GetCurrentPrice(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch price for re-arm: %w", err)
		}
		s.logger.Info("flat with no entries, re-arming", zap.Float64("price", price))
		return s.setupGridLocked(ctx, price)
	}

	return s.saveState()
}

// handleExternalClose runs when the exchange reports flat while local state
// still holds a position. Someone or something closed it out of band; the
// close is realized from the exchange's last-closed record and the session
// restarts at the current price.
func (s *GridService) handleExternalClose(ctx context.Context, params *config.GridParams) {
	pnl, err := s.exchange.GetLastClosedPnL(ctx)
	if err != nil {
		s.logger.Warn("failed to fetch pnl for external close", zap.Error(err))
	}
	s.applyRealized(pnl.Net())

	s.logger.Warn("position closed externally",
		zap.Float64("local_size", s.position.TotalSize),
		zap.Float64("pnl", pnl.Net()),
		zap.Float64("capital", s.capital))

	s.journal(ctx, domain.TradeExternalClose, s.position.CurrentLevel, s.lastPrice, s.position.TotalSize, pnl.Net())

	price := s.lastPrice
	if price <= 0 {
		if p, err := s.exchange.GetCurrentPrice(ctx); err == nil {
			price = p
		} else {
			price = s.gridCenter
		}
	}
	s.resetAndRearm(ctx, price, params)
}

// adoptForeignPosition folds an exchange position the session does not know
// about into local state as a level-1 core.
func (s *GridService) adoptForeignPosition(pos *domain.ExchangePosition, params *config.GridParams) {
	s.logger.Warn("adopting untracked exchange position",
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size),
		zap.Float64("entry_price", pos.EntryPrice))

	s.position.ResetTo(params.MaxLevel)
	s.position.AddEntry(pos.Side, pos.EntryPrice, pos.Size, 0)
	s.position.AvgPrice = pos.EntryPrice
	s.position.TotalSize = pos.Size
	s.gridCenter = ReconstructCenter(pos.EntryPrice, pos.Side, params.LevelDistances)
}

// reconcileOrders drops local orders the exchange no longer knows and
// re-places exits the position should have but does not.
func (s *GridService) reconcileOrders(ctx context.Context, params *config.GridParams) error {
	ids, err := s.exchange.GetOpenOrderIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch open orders: %w", err)
	}
	open := make(map[string]bool, len(ids))
	for _, id := range ids {
		open[id] = true
	}

	kept := s.orders.PendingEntries[:0]
	for _, entry := range s.orders.PendingEntries {
		if open[entry.OrderID] {
			kept = append(kept, entry)
			continue
		}
		s.logger.Info("dropping entry unknown to exchange",
			zap.Int("level", entry.Level+1),
			zap.String("order_id", entry.OrderID))
	}
	s.orders.PendingEntries = kept

	if tp := s.orders.TakeProfit; tp != nil && !open[tp.OrderID] {
		s.orders.TakeProfit = nil
	}
	if be := s.orders.BreakEven; be != nil && !open[be.OrderID] {
		s.orders.BreakEven = nil
	}
	if sl := s.orders.StopLoss; sl != nil && !open[sl.OrderID] {
		s.orders.StopLoss = nil
	}

	if s.position.HasPosition() && s.exitsMissing(params) {
		if err := s.updateCloseOrders(ctx, params); err != nil {
			s.logger.Error("failed to restore exit orders", zap.Error(err))
		}
	}
	return nil
}

// exitsMissing reports whether the exit set required for the current level is
// incomplete.
func (s *GridService) exitsMissing(params *config.GridParams) bool {
	level := s.position.CurrentLevel
	switch {
	case level <= 1:
		return s.orders.TakeProfit == nil
	case level < params.MaxLevel:
		return s.orders.BreakEven == nil
	default:
		return s.orders.BreakEven == nil || s.orders.StopLoss == nil
	}
}

// Reconciler drives periodic reconciliation.
type Reconciler struct {
	service  *GridService
	interval time.Duration
	logger   *zap.Logger
}

func NewReconciler(service *GridService, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, reconciling on every tick of the
// interval and whenever a transition requests an extra pass. Cancellation
// only stops the loop; a pass already underway keeps its exchange calls
// alive so the final state lands on disk.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	opCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.service.ReconcileRequests():
		}
		if err := r.service.ReconcileOnce(opCtx); err != nil {
			r.logger.Error("reconcile failed", zap.Error(err))
		}
	}
}
