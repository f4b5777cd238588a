package models

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the closing direction for an open position.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

type GroupStatus string

const (
	GroupPending   GroupStatus = "PENDING"
	GroupActive    GroupStatus = "ACTIVE"
	GroupCompleted GroupStatus = "COMPLETED"
	GroupFailed    GroupStatus = "FAILED"
)

func (s GroupStatus) Live() bool {
	return s == GroupPending || s == GroupActive
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

type PositionStatus string

const (
	PositionActive PositionStatus = "ACTIVE"
	PositionExited PositionStatus = "EXITED"
	PositionFailed PositionStatus = "FAILED"
)

type ConfirmationType string

const (
	ConfirmFilled    ConfirmationType = "FILLED"
	ConfirmCancelled ConfirmationType = "CANCELLED"
	ConfirmRejected  ConfirmationType = "REJECTED"
)

// StopRule identifies which rule last set the stop in force.
type StopRule string

const (
	StopByFloor      StopRule = "FLOOR"
	StopByTrailing   StopRule = "TRAILING"
	StopByProtection StopRule = "PROTECTION"
)

// Exit reasons recorded on closed positions.
const (
	ExitReasonTrailing   = "TRAILING_STOP"
	ExitReasonHardStop   = "HARD_STOP"
	ExitReasonProtective = "PROTECTIVE_STOP"
	ExitReasonManual     = "MANUAL"
)
