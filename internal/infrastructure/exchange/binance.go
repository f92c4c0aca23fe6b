package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitos/grid_martingale/internal/domain"
)

const (
	BinanceFuturesBaseURL = "https://fapi.binance.com"
	BinanceFuturesWSURL   = "wss://fstream.binance.com/ws"

	// Degraded sizing: shrink per step and the floor as a share of the
	// originally requested size.
	sizingShrinkStep = 0.999
	entrySizeFloor   = 0.30
	closeSizeFloor   = 0.50

	wsReconnectDelay = 5 * time.Second
)

// Binance futures error codes the retry loops branch on.
const (
	codeMarginInsufficient = -2019
	codeReduceOnlyRejected = -2022
)

// BinanceAdapter talks to the Binance USD-M futures API for a single symbol.
// In dry-run mode signed endpoints are simulated locally while public market
// data still comes from the real API.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	symbol    string
	client    *http.Client
	dryRun    bool

	pricePrecision int
	qtyPrecision   int

	mu          sync.Mutex
	wsConn      *websocket.Conn
	wsStop      chan struct{}
	callbacks   []func(price float64)
	leverageSet int
	dryOrderSeq int64
}

func NewBinanceAdapter(apiKey, apiSecret, baseURL, wsURL, symbol string, pricePrecision, qtyPrecision int, dryRun bool) *BinanceAdapter {
	if baseURL == "" {
		baseURL = BinanceFuturesBaseURL
	}
	if wsURL == "" {
		wsURL = BinanceFuturesWSURL
	}
	return &BinanceAdapter{
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		baseURL:        baseURL,
		wsURL:          wsURL,
		symbol:         symbol,
		client:         &http.Client{Timeout: 10 * time.Second},
		dryRun:         dryRun,
		pricePrecision: pricePrecision,
		qtyPrecision:   qtyPrecision,
		wsStop:         make(chan struct{}),
	}
}

// --- REST API ---

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// sendSigned performs a signed request. Parameters travel in the query string
// for every method, per the futures API convention.
func (b *BinanceAdapter) sendSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

func (b *BinanceAdapter) sendPublic(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

func (b *BinanceAdapter) formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', b.pricePrecision, 64)
}

func (b *BinanceAdapter) formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', b.qtyPrecision, 64)
}

func isCode(err error, code int) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// SetupSymbol switches the symbol to isolated margin and sets the session
// leverage. Both calls are idempotent on the exchange side; the margin-type
// call fails with "No need to change" when already isolated, which is fine.
func (b *BinanceAdapter) SetupSymbol(ctx context.Context, leverage int) error {
	if b.dryRun {
		b.mu.Lock()
		b.leverageSet = leverage
		b.mu.Unlock()
		return nil
	}

	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("marginType", "ISOLATED")
	if _, err := b.sendSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params); err != nil {
		if !strings.Contains(err.Error(), "No need to change") {
			return fmt.Errorf("failed to set margin type: %w", err)
		}
	}
	return b.setLeverage(ctx, leverage)
}

func (b *BinanceAdapter) setLeverage(ctx context.Context, leverage int) error {
	b.mu.Lock()
	current := b.leverageSet
	b.mu.Unlock()
	if current == leverage {
		return nil
	}

	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := b.sendSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}

	b.mu.Lock()
	b.leverageSet = leverage
	b.mu.Unlock()
	return nil
}

func entrySide(direction domain.Side) string {
	if direction == domain.SideShort {
		return "SELL"
	}
	return "BUY"
}

func closeSide(direction domain.Side) string {
	if direction == domain.SideShort {
		return "BUY"
	}
	return "SELL"
}

type orderResponse struct {
	OrderID int64 `json:"orderId"`
}

func (b *BinanceAdapter) nextDryOrderID() string {
	b.mu.Lock()
	b.dryOrderSeq++
	id := b.dryOrderSeq
	b.mu.Unlock()
	return fmt.Sprintf("dry-%d", id)
}

func (b *BinanceAdapter) PlaceLimitEntry(ctx context.Context, direction domain.Side, price, quantity float64, leverage int) (string, error) {
	if b.dryRun {
		return b.nextDryOrderID(), nil
	}
	if err := b.setLeverage(ctx, leverage); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("side", entrySide(direction))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", b.formatPrice(price))
	params.Set("quantity", b.formatQty(quantity))

	body, err := b.sendSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		if isCode(err, codeMarginInsufficient) {
			return "", fmt.Errorf("%w: %v", domain.ErrMarginInsufficient, err)
		}
		return "", err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// PlaceLimitEntryDegraded walks the notional down until the exchange accepts
// the margin or the floor is reached.
func (b *BinanceAdapter) PlaceLimitEntryDegraded(ctx context.Context, direction domain.Side, price, notional float64, leverage int) (string, float64, error) {
	floor := notional * entrySizeFloor
	current := notional * sizingShrinkStep

	for current >= floor {
		qty := current / price
		orderID, err := b.PlaceLimitEntry(ctx, direction, price, qty, leverage)
		if err == nil {
			return orderID, qty, nil
		}
		if !isMarginInsufficient(err) {
			return "", 0, err
		}
		current *= sizingShrinkStep
	}
	return "", 0, fmt.Errorf("%w: notional floor %.2f reached", domain.ErrMarginInsufficient, floor)
}

func isMarginInsufficient(err error) bool {
	return isCode(err, codeMarginInsufficient) || strings.Contains(err.Error(), "margin insufficient") || strings.Contains(err.Error(), "Margin is insufficient")
}

// PlaceLimitClose rests a reduce-only limit order, shrinking the quantity
// when the exchange rejects it for exceeding the position.
func (b *BinanceAdapter) PlaceLimitClose(ctx context.Context, direction domain.Side, price, quantity float64) (string, error) {
	if b.dryRun {
		return b.nextDryOrderID(), nil
	}

	floor := quantity * closeSizeFloor
	current := quantity

	for current >= floor {
		params := url.Values{}
		params.Set("symbol", b.symbol)
		params.Set("side", closeSide(direction))
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("reduceOnly", "true")
		params.Set("price", b.formatPrice(price))
		params.Set("quantity", b.formatQty(current))

		body, err := b.sendSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
		if err == nil {
			var resp orderResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", err
			}
			return strconv.FormatInt(resp.OrderID, 10), nil
		}
		if !isCode(err, codeReduceOnlyRejected) {
			return "", err
		}
		current *= sizingShrinkStep
	}
	return "", fmt.Errorf("%w: quantity floor %s reached", domain.ErrReduceOnlyRejected, b.formatQty(floor))
}

func (b *BinanceAdapter) SetStop(ctx context.Context, direction domain.Side, triggerPrice float64) (string, error) {
	if b.dryRun {
		return b.nextDryOrderID(), nil
	}

	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("side", closeSide(direction))
	params.Set("type", "STOP_MARKET")
	params.Set("closePosition", "true")
	params.Set("stopPrice", b.formatPrice(triggerPrice))

	body, err := b.sendSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) error {
	if b.dryRun {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("orderId", orderID)
	_, err := b.sendSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err != nil {
		// Already gone is success for our purposes.
		if isCode(err, -2011) {
			return nil
		}
		return err
	}
	return nil
}

func (b *BinanceAdapter) CancelAllOrders(ctx context.Context) error {
	if b.dryRun {
		return nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	_, err := b.sendSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

func (b *BinanceAdapter) GetOpenOrderIDs(ctx context.Context) ([]string, error) {
	if b.dryRun {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	body, err := b.sendSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}

	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

func (b *BinanceAdapter) GetPosition(ctx context.Context) (*domain.ExchangePosition, error) {
	if b.dryRun {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	body, err := b.sendSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}

	var positions []struct {
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, err
	}

	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)

		side := domain.SideLong
		size := amt
		if amt < 0 {
			side = domain.SideShort
			size = -amt
		}
		return &domain.ExchangePosition{
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnL: upnl,
		}, nil
	}
	return nil, nil
}

func (b *BinanceAdapter) GetWalletBalance(ctx context.Context, asset string) (float64, error) {
	if b.dryRun {
		return 0, nil
	}
	body, err := b.sendSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}

	var balances []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, err
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			return strconv.ParseFloat(bal.Balance, 64)
		}
	}
	return 0, fmt.Errorf("asset %s not found in balance", asset)
}

type userTrade struct {
	OrderID     int64  `json:"orderId"`
	RealizedPnL string `json:"realizedPnl"`
	Commission  string `json:"commission"`
}

func (b *BinanceAdapter) GetRealizedPnLForOrder(ctx context.Context, orderID string) (domain.RealizedPnL, error) {
	if b.dryRun {
		return domain.RealizedPnL{}, nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("orderId", orderID)
	body, err := b.sendSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return domain.RealizedPnL{}, err
	}

	var trades []userTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return domain.RealizedPnL{}, err
	}

	var pnl domain.RealizedPnL
	for _, t := range trades {
		gross, _ := strconv.ParseFloat(t.RealizedPnL, 64)
		fee, _ := strconv.ParseFloat(t.Commission, 64)
		pnl.Gross += gross
		pnl.Fees += fee
	}
	return pnl, nil
}

// GetLastClosedPnL sums the most recent closing fills: every trade of the
// latest order that reported non-zero realized PnL.
func (b *BinanceAdapter) GetLastClosedPnL(ctx context.Context) (domain.RealizedPnL, error) {
	if b.dryRun {
		return domain.RealizedPnL{}, nil
	}
	params := url.Values{}
	params.Set("symbol", b.symbol)
	params.Set("limit", "50")
	body, err := b.sendSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return domain.RealizedPnL{}, err
	}

	var trades []userTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return domain.RealizedPnL{}, err
	}

	var lastOrder int64
	for _, t := range trades {
		gross, _ := strconv.ParseFloat(t.RealizedPnL, 64)
		if gross != 0 && t.OrderID > lastOrder {
			lastOrder = t.OrderID
		}
	}
	if lastOrder == 0 {
		return domain.RealizedPnL{}, nil
	}

	var pnl domain.RealizedPnL
	for _, t := range trades {
		if t.OrderID != lastOrder {
			continue
		}
		gross, _ := strconv.ParseFloat(t.RealizedPnL, 64)
		fee, _ := strconv.ParseFloat(t.Commission, 64)
		pnl.Gross += gross
		pnl.Fees += fee
	}
	return pnl, nil
}

func (b *BinanceAdapter) GetCurrentPrice(ctx context.Context) (float64, error) {
	body, err := b.sendPublic(ctx, "/fapi/v1/ticker/price?symbol="+b.symbol)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp.Price, 64)
}

// GetLatestKlineClose returns the close of the last finished 1m candle.
func (b *BinanceAdapter) GetLatestKlineClose(ctx context.Context) (float64, error) {
	body, err := b.sendPublic(ctx, "/fapi/v1/klines?symbol="+b.symbol+"&interval=1m&limit=2")
	if err != nil {
		return 0, err
	}

	var klines [][]interface{}
	if err := json.Unmarshal(body, &klines); err != nil {
		return 0, err
	}
	if len(klines) < 2 {
		return 0, fmt.Errorf("not enough klines returned")
	}
	// Index 4 is the close; the last element is the still-open candle.
	closed := klines[len(klines)-2]
	if len(closed) < 5 {
		return 0, fmt.Errorf("malformed kline")
	}
	closeStr, ok := closed[4].(string)
	if !ok {
		return 0, fmt.Errorf("malformed kline close")
	}
	return strconv.ParseFloat(closeStr, 64)
}

// --- WebSocket ---

func (b *BinanceAdapter) OnPriceUpdate(callback func(price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// ConnectWS subscribes to the aggregate trade stream and keeps reconnecting
// until CloseWS is called.
func (b *BinanceAdapter) ConnectWS() error {
	streamURL := b.wsURL + "/" + strings.ToLower(b.symbol) + "@aggTrade"

	c, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.wsConn = c
	b.mu.Unlock()

	go b.readLoop(streamURL)
	return nil
}

func (b *BinanceAdapter) CloseWS() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.wsStop:
	default:
		close(b.wsStop)
	}
	if b.wsConn != nil {
		b.wsConn.Close()
	}
}

func (b *BinanceAdapter) readLoop(streamURL string) {
	for {
		b.mu.Lock()
		conn := b.wsConn
		b.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.wsStop:
				return
			default:
			}
			log.Println("WS read error, reconnecting:", err)
			b.reconnect(streamURL)
			continue
		}

		var event struct {
			EventType string `json:"e"`
			Price     string `json:"p"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.EventType != "aggTrade" {
			continue
		}
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil || price <= 0 {
			continue
		}

		b.mu.Lock()
		cbs := make([]func(price float64), len(b.callbacks))
		copy(cbs, b.callbacks)
		b.mu.Unlock()

		for _, cb := range cbs {
			cb(price)
		}
	}
}

func (b *BinanceAdapter) reconnect(streamURL string) {
	for {
		select {
		case <-b.wsStop:
			return
		case <-time.After(wsReconnectDelay):
		}

		c, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
		if err != nil {
			log.Println("WS reconnect failed:", err)
			continue
		}
		b.mu.Lock()
		b.wsConn = c
		b.mu.Unlock()
		return
	}
}
