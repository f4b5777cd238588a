package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyGroup is one trading decision fanned out into TotalLots independent lots.
// Groups own position IDs only; positions live in the central store.
type StrategyGroup struct {
	GroupID   string
	Symbol    string // canonical product symbol, suffixes already stripped
	Direction Direction
	TotalLots int

	TargetPrice decimal.Decimal
	// Breakout range the entry came from; the far boundary is the
	// pre-activation hard floor for every lot in the group.
	RangeHigh decimal.Decimal
	RangeLow  decimal.Decimal

	Status        GroupStatus
	SubmittedLots int
	FilledLots    int
	CancelledLots int

	RetryCount    int         // group-level total
	LotRetryCount map[int]int // lotIndex -> retries used
	RetryingLots  map[int]bool

	PositionIDs []string

	// Integrity errors (unmatched confirmation, retry exhaustion) surfaced
	// here for operator visibility instead of crashing the process.
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingLots is the number of lots still waiting for a terminal confirmation.
func (g *StrategyGroup) PendingLots() int {
	return g.TotalLots - g.FilledLots - g.CancelledLots
}

// RemainingLots mirrors PendingLots; kept separate so reconciliation reads as
// written in the matching rules.
func (g *StrategyGroup) RemainingLots() int { return g.PendingLots() }

// HardFloor returns the protective boundary of the originating range:
// the low for a long group, the high for a short one.
func (g *StrategyGroup) HardFloor() decimal.Decimal {
	if g.Direction == DirectionLong {
		return g.RangeLow
	}
	return g.RangeHigh
}

func (g *StrategyGroup) Terminal() bool {
	return g.Status == GroupCompleted || g.Status == GroupFailed
}
