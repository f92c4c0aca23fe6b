package domain

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBoth  Side = "BOTH"
)

// Entry is one filled ladder level.
type Entry struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Level    int     `json:"level"`
}

// Position is the locally-accumulated position aggregate. It is owned by the
// grid service; everything else gets copies.
type Position struct {
	Direction    Side       `json:"direction"`
	Entries      []Entry    `json:"entries"`
	AvgPrice     float64    `json:"avg_price"`
	TotalSize    float64    `json:"total_size"`
	CurrentLevel int        `json:"current_level"`
	LevelPrices  []*float64 `json:"level_prices"`
	Level1Qty    float64    `json:"level1_quantity"`
}

func NewPosition(maxLevel int) *Position {
	p := &Position{}
	p.ResetTo(maxLevel)
	return p
}

// ResetTo clears the position back to flat with room for maxLevel levels.
func (p *Position) ResetTo(maxLevel int) {
	p.Direction = ""
	p.Entries = nil
	p.AvgPrice = 0
	p.TotalSize = 0
	p.CurrentLevel = 0
	p.LevelPrices = make([]*float64, maxLevel)
	p.Level1Qty = 0
}

func (p *Position) HasPosition() bool {
	return p.Direction != "" && p.TotalSize > 0
}

// AddEntry records a ladder fill and recalculates the weighted average price.
// The first fill (level 0) pins the direction and the core quantity.
func (p *Position) AddEntry(direction Side, price, quantity float64, level int) {
	if !p.HasPosition() {
		p.Direction = direction
	}

	p.Entries = append(p.Entries, Entry{Price: price, Quantity: quantity, Level: level})
	p.TotalSize += quantity
	if level >= 0 && level < len(p.LevelPrices) {
		lp := price
		p.LevelPrices[level] = &lp
	}
	if level == 0 {
		p.Level1Qty = quantity
	}
	p.CurrentLevel = level + 1
	p.recalcAvgPrice()
}

func (p *Position) recalcAvgPrice() {
	if p.TotalSize == 0 {
		p.AvgPrice = 0
		return
	}
	totalValue := 0.0
	for _, e := range p.Entries {
		totalValue += e.Price * e.Quantity
	}
	p.AvgPrice = totalValue / p.TotalSize
}

// CollapseToCore shrinks the position to the level-1 core after a break-even
// unwind. The cost basis stays at the pre-unwind average price: the quantity
// that left carried its own cost out as realized PnL, so the entries list is
// replaced by one synthetic entry instead of being recomputed.
func (p *Position) CollapseToCore() {
	avg := p.AvgPrice
	p.TotalSize = p.Level1Qty
	p.Entries = []Entry{{Price: avg, Quantity: p.Level1Qty, Level: 0}}
	p.CurrentLevel = 1
	p.LevelPrices = make([]*float64, len(p.LevelPrices))
	lp := avg
	p.LevelPrices[0] = &lp
	p.AvgPrice = avg
}

// ExchangePosition is a position as the exchange reports it.
type ExchangePosition struct {
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}
