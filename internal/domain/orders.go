package domain

// EntryOrder is a resting ladder entry order.
type EntryOrder struct {
	OrderID  string  `json:"order_id"`
	Level    int     `json:"level"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// ExitOrder is a resting close order (take-profit, break-even or stop-loss).
type ExitOrder struct {
	OrderID  string  `json:"order_id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OutstandingOrders tracks every order the bot believes is resting on the
// exchange: one entry per unfilled level plus at most one of each exit type.
type OutstandingOrders struct {
	PendingEntries []EntryOrder `json:"pending_entries"`
	TakeProfit     *ExitOrder   `json:"tp_order"`
	BreakEven      *ExitOrder   `json:"be_order"`
	StopLoss       *ExitOrder   `json:"sl_order"`
}

func (o *OutstandingOrders) ClearAll() {
	o.PendingEntries = nil
	o.TakeProfit = nil
	o.BreakEven = nil
	o.StopLoss = nil
}

func (o *OutstandingOrders) AddEntry(orderID string, level int, price, quantity float64) {
	o.PendingEntries = append(o.PendingEntries, EntryOrder{
		OrderID:  orderID,
		Level:    level,
		Price:    price,
		Quantity: quantity,
	})
}

// RemoveEntry drops the pending entry for a level once it fills.
func (o *OutstandingOrders) RemoveEntry(level int) {
	kept := o.PendingEntries[:0]
	for _, e := range o.PendingEntries {
		if e.Level != level {
			kept = append(kept, e)
		}
	}
	o.PendingEntries = kept
}

func (o *OutstandingOrders) SetTakeProfit(orderID string, price, quantity float64) {
	o.TakeProfit = &ExitOrder{OrderID: orderID, Price: price, Quantity: quantity}
}

func (o *OutstandingOrders) SetBreakEven(orderID string, price, quantity float64) {
	o.BreakEven = &ExitOrder{OrderID: orderID, Price: price, Quantity: quantity}
}

func (o *OutstandingOrders) SetStopLoss(orderID string, price float64) {
	o.StopLoss = &ExitOrder{OrderID: orderID, Price: price}
}
