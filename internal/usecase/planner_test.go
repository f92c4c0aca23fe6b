package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/grid_martingale/internal/config"
	"github.com/vitos/grid_martingale/internal/domain"
)

func testParams(direction domain.Side) *config.GridParams {
	return &config.GridParams{
		Direction:      direction,
		MaxLevel:       4,
		LevelDistances: []float64{0.005, 0.010, 0.040, 0.045},
		StopDistance:   0.05,
		EntryRatios:    []float64{0.05, 0.20, 0.25, 0.50},
		LeverageLong:   20,
		LeverageShort:  5,
		TakeProfitPct:  0.005,
		BreakEvenPct:   0.001,
		GridRangePct:   0.040,
		TakerFee:       0.000275,
		InitialCapital: 1000,
	}
}

func TestPlanLevelsLong(t *testing.T) {
	params := testParams(domain.SideLong)
	levels := PlanLevels(100, 1000, params)
	require.Len(t, levels, 4)

	wantPrices := []float64{99.5, 99.0, 96.0, 95.5}
	wantNotionals := []float64{1000, 4000, 5000, 10000}
	for i, lvl := range levels {
		assert.Equal(t, i, lvl.Level)
		assert.InDelta(t, wantPrices[i], lvl.Price, 1e-9)
		assert.InDelta(t, wantNotionals[i], lvl.Notional, 1e-9)
		assert.InDelta(t, lvl.Notional/lvl.Price, lvl.Quantity, 1e-9)
	}

	// Rungs must be strictly descending for a long ladder.
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i].Price, levels[i-1].Price)
	}
}

func TestPlanLevelsShort(t *testing.T) {
	params := testParams(domain.SideShort)
	levels := PlanLevels(100, 1000, params)
	require.Len(t, levels, 4)

	// Short rungs sit above the center and use short leverage.
	assert.InDelta(t, 100.5, levels[0].Price, 1e-9)
	assert.InDelta(t, 1000*0.05*5, levels[0].Notional, 1e-9)
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].Price, levels[i-1].Price)
	}
}

func TestStopPrice(t *testing.T) {
	assert.InDelta(t, 95.0, StopPrice(100, domain.SideLong, 0.05), 1e-9)
	assert.InDelta(t, 105.0, StopPrice(100, domain.SideShort, 0.05), 1e-9)
}

func TestExitPrices(t *testing.T) {
	assert.InDelta(t, 100.5, TakeProfitPrice(100, domain.SideLong, 0.005), 1e-9)
	assert.InDelta(t, 99.5, TakeProfitPrice(100, domain.SideShort, 0.005), 1e-9)
	assert.InDelta(t, 100.1, BreakEvenPrice(100, domain.SideLong, 0.001), 1e-9)
	assert.InDelta(t, 99.9, BreakEvenPrice(100, domain.SideShort, 0.001), 1e-9)
}

func TestReconstructCenterRoundTrip(t *testing.T) {
	distances := []float64{0.005, 0.010, 0.040, 0.045}

	for _, dir := range []domain.Side{domain.SideLong, domain.SideShort} {
		level1 := LevelPrice(100, dir, distances, 0)
		center := ReconstructCenter(level1, dir, distances)
		assert.InDelta(t, 100, center, 1e-9)
	}
}
