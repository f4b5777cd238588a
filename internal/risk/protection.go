package risk

import (
	"context"

	"lot_bot/internal/models"
	"lot_bot/internal/store"
	"lot_bot/pkg/logger"

	"github.com/shopspring/decimal"
)

// Protector tightens the stops of still-open lots after a sibling lot banked
// profit. It runs strictly after the closing lot's in-memory transition, and
// reads cumulative profit from memory, so the just-closed lot is always
// counted even while its persistence write is still in flight.
type Protector struct {
	store *store.Store
	cfg   Config
	snaps SnapshotSink
}

func NewProtector(st *store.Store, cfg Config, snaps SnapshotSink) *Protector {
	return &Protector{store: st, cfg: cfg, snaps: snaps}
}

// OnPositionExited recomputes protective stops for the closed lot's siblings.
//
// The candidate stop is the group hard floor moved toward profit by the
// realized cumulative gain (per unit of the open lot) times the protection
// multiplier. The stop is applied only where it tightens: it only ever moves
// to reduce the position's maximum possible loss, never to loosen it.
func (pr *Protector) OnPositionExited(_ context.Context, closed *models.Position) {
	if !closed.RealizedPnl.IsPositive() {
		return
	}
	g, ok := pr.store.Group(closed.GroupID)
	if !ok {
		return
	}

	cum := pr.store.CumulativeProfit(closed.GroupID)
	if !cum.IsPositive() {
		return
	}

	open := pr.store.OpenPositions(closed.GroupID)
	if len(open) == 0 {
		return
	}

	long := g.Direction == models.DirectionLong
	floor := g.HardFloor()

	for _, p := range open {
		if p.Quantity.IsZero() {
			continue
		}

		buffer := cum.Div(p.Quantity).Mul(pr.cfg.ProtectionMultiplier)
		var candidate decimal.Decimal
		if long {
			candidate = floor.Add(buffer)
		} else {
			candidate = floor.Sub(buffer)
		}

		// compare-and-tighten under the store lock so a racing trailing
		// recompute can neither erase this stop nor be erased by it
		var applied bool
		st, ok := pr.store.UpdateRiskState(p.PositionID, func(st *models.RiskState) {
			if !tightens(long, candidate, st.CurrentStopLoss) {
				return
			}
			st.CurrentStopLoss = candidate
			st.ProtectionActivated = true
			st.StopSetBy = models.StopByProtection
			applied = true
		})
		if !ok || !applied {
			continue
		}

		if pr.snaps != nil {
			pr.snaps.EnqueueRiskSnapshot(st)
		}
		logger.Info("protective stop tightened: pos=%s stop=%s cum_profit=%s",
			p.PositionID, candidate.String(), cum.String())
	}
}
