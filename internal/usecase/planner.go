package usecase

import (
	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/domain"
)

// PlannedLevel is one rung of the entry ladder.
type PlannedLevel struct {
	Level    int
	Price    float64
	Notional float64
	Quantity float64
}

// LevelPrice returns the limit price for entry level (0-based) around center.
// LONG ladders sit below the center, SHORT ladders above it.
func LevelPrice(center float64, direction domain.Side, distances []float64, level int) float64 {
	if direction == domain.SideShort {
		return center * (1 + distances[level])
	}
	return center * (1 - distances[level])
}

// StopPrice returns the protective stop trigger for the ladder. The stop uses
// its own distance beyond the deepest entry level.
func StopPrice(center float64, direction domain.Side, stopDistance float64) float64 {
	if direction == domain.SideShort {
		return center * (1 + stopDistance)
	}
	return center * (1 - stopDistance)
}

// PlanLevels computes price, notional and quantity for every entry level of a
// ladder centered on center, sized off the working capital.
func PlanLevels(center, capital float64, params *config.GridParams) []PlannedLevel {
	levels := make([]PlannedLevel, 0, params.MaxLevel)
	leverage := float64(params.Leverage())
	for i := 0; i < params.MaxLevel; i++ {
		price := LevelPrice(center, params.Direction, params.LevelDistances, i)
		notional := capital * params.EntryRatios[i] * leverage
		levels = append(levels, PlannedLevel{
			Level:    i,
			Price:    price,
			Notional: notional,
			Quantity: notional / price,
		})
	}
	return levels
}

// TakeProfitPrice returns the full-close exit relative to the average entry.
func TakeProfitPrice(avgPrice float64, direction domain.Side, tpPct float64) float64 {
	if direction == domain.SideShort {
		return avgPrice * (1 - tpPct)
	}
	return avgPrice * (1 + tpPct)
}

// BreakEvenPrice returns the partial-unwind exit relative to the average
// entry. It covers fees rather than targeting profit.
func BreakEvenPrice(avgPrice float64, direction domain.Side, bePct float64) float64 {
	if direction == domain.SideShort {
		return avgPrice * (1 - bePct)
	}
	return avgPrice * (1 + bePct)
}

// ReconstructCenter inverts LevelPrice for level 1 so a collapsed position
// can re-derive the grid center from its surviving entry price.
func ReconstructCenter(level1Price float64, direction domain.Side, distances []float64) float64 {
	if direction == domain.SideShort {
		return level1Price / (1 + distances[0])
	}
	return level1Price / (1 - distances[0])
}
