package domain

import (
	"context"
	"errors"
	"time"
)

// Sizing rejections the gateway retry loops branch on.
var (
	ErrMarginInsufficient = errors.New("margin insufficient")
	ErrReduceOnlyRejected = errors.New("reduce-only order rejected")
)

// RealizedPnL is the outcome of a closing order as reported by the exchange
// trade history.
type RealizedPnL struct {
	Gross float64
	Fees  float64
}

func (r RealizedPnL) Net() float64 { return r.Gross - r.Fees }

// Exchange is the gateway the grid engine drives. It is command/query only:
// there is no order-update push channel, fills are inferred from the price
// stream and repaired by reconciliation.
type Exchange interface {
	// PlaceLimitEntry rests a GTC limit entry. Returns ErrMarginInsufficient
	// (wrapped) when the exchange rejects the margin.
	PlaceLimitEntry(ctx context.Context, direction Side, price, quantity float64, leverage int) (string, error)
	// PlaceLimitEntryDegraded shrinks the notional on margin rejections and
	// retries down to a floor. Returns the order id and the quantity placed.
	PlaceLimitEntryDegraded(ctx context.Context, direction Side, price, notional float64, leverage int) (string, float64, error)
	// PlaceLimitClose rests a reduce-only GTC limit close, shrinking the
	// quantity on reduce-only rejections down to a floor.
	PlaceLimitClose(ctx context.Context, direction Side, price, quantity float64) (string, error)
	// SetStop places a close-position stop-market trigger.
	SetStop(ctx context.Context, direction Side, triggerPrice float64) (string, error)

	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error
	GetOpenOrderIDs(ctx context.Context) ([]string, error)

	// GetPosition returns nil when the exchange holds no position.
	GetPosition(ctx context.Context) (*ExchangePosition, error)
	GetWalletBalance(ctx context.Context, asset string) (float64, error)
	GetRealizedPnLForOrder(ctx context.Context, orderID string) (RealizedPnL, error)
	GetLastClosedPnL(ctx context.Context) (RealizedPnL, error)

	GetCurrentPrice(ctx context.Context) (float64, error)
	GetLatestKlineClose(ctx context.Context) (float64, error)
}

// SnapshotStore persists the session state across restarts.
type SnapshotStore interface {
	Save(snap *Snapshot) error
	// Load returns nil with no error when no usable snapshot exists.
	Load() (*Snapshot, error)
	Clear() error
}

// Trade journal record types.
const (
	TradeEntry         = "ENTRY"
	TradeTakeProfit    = "TP"
	TradePartialBE     = "PARTIAL_BE"
	TradeStopLoss      = "SL"
	TradeExternalClose = "EXTERNAL_CLOSE"
)

// TradeRecord is one row of the trade journal.
type TradeRecord struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"` // ENTRY, TP, PARTIAL_BE, SL, EXTERNAL_CLOSE
	Direction  Side      `json:"direction"`
	Level      int       `json:"level"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	AvgPrice   float64   `json:"avg_price"`
	PnL        float64   `json:"pnl"`
	GridCenter float64   `json:"grid_center"`
	Capital    float64   `json:"capital"`
	CreatedAt  time.Time `json:"created_at"`
}

// TradeRepository journals fills and closes for after-the-fact audit.
type TradeRepository interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
}
