package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmationEvent is the typed form of a raw gateway confirmation.
// RawSide comes straight off the wire and is never trusted for matching.
type ConfirmationEvent struct {
	Type        ConfirmationType
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ProductCode string
	RawSide     string
	Timestamp   time.Time
}

// DedupKey identifies a redelivered confirmation. The venue has no reliable
// correlation id, so the key is the full observable payload.
func (e ConfirmationEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		e.Type, e.ProductCode, e.Price.String(), e.Quantity.String(), e.Timestamp.UnixNano())
}

// Tick is one quote update from the feed.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// ExitTrigger carries a full snapshot of the position at trigger time so the
// executor never depends on a fresh, possibly stale, state read.
type ExitTrigger struct {
	PositionID string
	GroupID    string
	LotIndex   int
	Symbol     string
	Direction  Direction
	EntryPrice decimal.Decimal
	PeakPrice  decimal.Decimal
	StopPrice  decimal.Decimal
	Price      decimal.Decimal // price that crossed the stop
	Quantity   decimal.Decimal
	RangeHigh  decimal.Decimal
	RangeLow   decimal.Decimal
	Reason     string
	Source     string // "risk" or "manual"
	FiredAt    time.Time
}
