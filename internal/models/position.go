package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single lot inside a strategy group.
type Position struct {
	PositionID string
	GroupID    string
	LotIndex   int
	Symbol     string
	Direction  Direction
	Quantity   decimal.Decimal

	// EntryPrice stays zero until the fill lands and is set exactly once.
	EntryPrice decimal.Decimal
	EntryTime  time.Time

	OrderStatus OrderStatus
	Status      PositionStatus

	ExitPrice   decimal.Decimal
	ExitTime    time.Time
	ExitReason  string
	RealizedPnl decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Position) Filled() bool { return p.OrderStatus == OrderFilled }

// Pnl computes realized profit for an exit at px, in price points x quantity.
func (p *Position) Pnl(px decimal.Decimal) decimal.Decimal {
	if p.Direction == DirectionLong {
		return px.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(px).Mul(p.Quantity)
}

// RiskState is the memory-resident trailing/protective stop state for one
// position. Memory is authoritative; the durable store only mirrors it.
type RiskState struct {
	PositionID          string
	PeakPrice           decimal.Decimal
	CurrentStopLoss     decimal.Decimal
	TrailingActivated   bool
	ProtectionActivated bool

	// StopSetBy names the rule that produced the stop currently in force, so
	// a cross is attributed to the right exit reason.
	StopSetBy StopRule

	UpdatedAt time.Time
}

func (r *RiskState) Clone() *RiskState {
	c := *r
	return &c
}
