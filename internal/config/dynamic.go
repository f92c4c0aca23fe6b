package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitos/grid_martingale/internal/domain"
)

// GridParams is the validated strategy parameter set. A new value is built on
// every successful reload; callers snapshot it per ladder computation so a
// reload never mutates an already-armed ladder.
type GridParams struct {
	Direction      domain.Side
	MaxLevel       int
	LevelDistances []float64 // one per entry level, strictly increasing
	StopDistance   float64   // beyond the last entry level
	EntryRatios    []float64 // fraction of working capital per level
	LeverageLong   int
	LeverageShort  int
	TakeProfitPct  float64
	BreakEvenPct   float64
	GridRangePct   float64
	MakerFee       float64
	TakerFee       float64
	InitialCapital float64
}

// Leverage returns the leverage for the session direction.
func (p *GridParams) Leverage() int {
	if p.Direction == domain.SideShort {
		return p.LeverageShort
	}
	return p.LeverageLong
}

// Validate rejects parameter sets that would mis-price the ladder. These are
// configuration errors and must be fatal, never silently degraded.
func (p *GridParams) Validate() error {
	switch p.Direction {
	case domain.SideLong, domain.SideShort, domain.SideBoth:
	default:
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.MaxLevel < 1 {
		return fmt.Errorf("max level must be >= 1, got %d", p.MaxLevel)
	}
	if len(p.LevelDistances) != p.MaxLevel {
		return fmt.Errorf("expected %d level distances, got %d", p.MaxLevel, len(p.LevelDistances))
	}
	if len(p.EntryRatios) != p.MaxLevel {
		return fmt.Errorf("expected %d entry ratios, got %d", p.MaxLevel, len(p.EntryRatios))
	}
	prev := 0.0
	for i, d := range p.LevelDistances {
		if d <= prev {
			return fmt.Errorf("level distances must be strictly increasing: distance[%d]=%v", i, d)
		}
		prev = d
	}
	if p.StopDistance <= prev {
		return fmt.Errorf("stop distance %v must exceed the last level distance %v", p.StopDistance, prev)
	}
	sum := 0.0
	for i, r := range p.EntryRatios {
		if r <= 0 {
			return fmt.Errorf("entry ratio[%d] must be positive, got %v", i, r)
		}
		sum += r
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("entry ratios sum to %v, must not exceed 1", sum)
	}
	if p.LeverageLong < 1 || p.LeverageShort < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	if p.TakeProfitPct <= 0 || p.BreakEvenPct <= 0 {
		return fmt.Errorf("take-profit and break-even ratios must be positive")
	}
	return nil
}

func defaultParams() *GridParams {
	return &GridParams{
		Direction:      domain.SideLong,
		MaxLevel:       4,
		LevelDistances: []float64{0.005, 0.010, 0.040, 0.045},
		StopDistance:   0.05,
		EntryRatios:    []float64{0.05, 0.20, 0.25, 0.50},
		LeverageLong:   20,
		LeverageShort:  5,
		TakeProfitPct:  0.005,
		BreakEvenPct:   0.001,
		GridRangePct:   0.040,
		MakerFee:       0.0,
		TakerFee:       0.000275,
		InitialCapital: 1000.0,
	}
}

// DynamicConfig reloads the KEY=VALUE strategy parameter file when its
// modification time changes. Lines starting with # and blank lines are
// ignored.
type DynamicConfig struct {
	path string

	mu           sync.RWMutex
	params       *GridParams
	lastModified time.Time
}

// NewDynamicConfig loads the file once; a missing or invalid file on first
// load is a fatal configuration error.
func NewDynamicConfig(path string) (*DynamicConfig, error) {
	d := &DynamicConfig{path: path, params: defaultParams()}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Params returns the current parameter set. The pointer is never mutated
// after publication; reloads swap in a fresh value.
func (d *DynamicConfig) Params() *GridParams {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params
}

// Reload re-parses the file if it changed. Returns true when a new parameter
// set was applied. A file that parses but fails validation is rejected and
// the previous parameters stay in force.
func (d *DynamicConfig) Reload() (bool, error) {
	info, err := os.Stat(d.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat params file: %w", err)
	}

	d.mu.RLock()
	unchanged := info.ModTime().Equal(d.lastModified)
	d.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	raw, err := parseParamsFile(d.path)
	if err != nil {
		return false, err
	}

	next := defaultParams()
	if err := applyRaw(next, raw); err != nil {
		return false, fmt.Errorf("invalid params in %s: %w", d.path, err)
	}
	if err := next.Validate(); err != nil {
		return false, fmt.Errorf("invalid params in %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.params = next
	d.lastModified = info.ModTime()
	d.mu.Unlock()
	return true, nil
}

func parseParamsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}

	raw := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return raw, nil
}

// applyRaw overlays the file values on the defaults. A value that fails to
// parse is an error, not a silent fallback to the default.
func applyRaw(p *GridParams, raw map[string]string) error {
	if v, ok := raw["TRADE_DIRECTION"]; ok {
		p.Direction = domain.Side(strings.ToUpper(v))
	}
	setters := []error{
		setInt(raw, "MAX_ENTRY_LEVEL", &p.MaxLevel),
		setFloatList(raw, "LEVEL_DISTANCES", &p.LevelDistances),
		setFloat(raw, "SL_DISTANCE", &p.StopDistance),
		setFloatList(raw, "ENTRY_RATIOS", &p.EntryRatios),
		setInt(raw, "LEVERAGE_LONG", &p.LeverageLong),
		setInt(raw, "LEVERAGE_SHORT", &p.LeverageShort),
		setFloat(raw, "TP_PCT", &p.TakeProfitPct),
		setFloat(raw, "BE_PCT", &p.BreakEvenPct),
		setFloat(raw, "GRID_RANGE_PCT", &p.GridRangePct),
		setFloat(raw, "MAKER_FEE", &p.MakerFee),
		setFloat(raw, "TAKER_FEE", &p.TakerFee),
		setFloat(raw, "INITIAL_CAPITAL", &p.InitialCapital),
	}
	for _, err := range setters {
		if err != nil {
			return err
		}
	}
	return nil
}

func setInt(raw map[string]string, key string, dst *int) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(raw map[string]string, key string, dst *float64) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

func setFloatList(raw map[string]string, key string, dst *[]float64) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", key, strings.TrimSpace(part))
		}
		out = append(out, f)
	}
	*dst = out
	return nil
}
