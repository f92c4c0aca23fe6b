package domain

import "time"

// Snapshot is the durable session state. GridCenter and Capital survive grid
// resets; Position and Orders are rebuilt each cycle.
type Snapshot struct {
	GridCenter  float64            `json:"grid_center"`
	Capital     float64            `json:"capital"`
	Position    *Position          `json:"position"`
	Orders      *OutstandingOrders `json:"orders"`
	LastUpdated time.Time          `json:"last_updated"`
}
