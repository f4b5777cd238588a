package persist

import (
	"context"
	"fmt"

	"lot_bot/internal/models"
	"lot_bot/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Stores wraps the durable mirror tables: groups, positions, risk_states and
// exit_events. Every write is an idempotent upsert; schema bootstrap is the
// host's concern.
type Stores struct {
	txm *db.PgTxManager
}

func NewStores(txm *db.PgTxManager) *Stores {
	return &Stores{txm: txm}
}

func (s *Stores) UpsertGroup(ctx context.Context, g *models.StrategyGroup) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.UpsertGroup: %w", err)
		}
	}()

	var counters []byte
	counters, err = sonic.Marshal(g.LotRetryCount)
	if err != nil {
		return err
	}

	return s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO groups (
				group_id, symbol, direction, total_lots, target_price,
				range_high, range_low, status, filled_lots, cancelled_lots,
				retry_count, lot_retry_counts, last_error, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (group_id) DO UPDATE SET
				status = EXCLUDED.status,
				filled_lots = EXCLUDED.filled_lots,
				cancelled_lots = EXCLUDED.cancelled_lots,
				retry_count = EXCLUDED.retry_count,
				lot_retry_counts = EXCLUDED.lot_retry_counts,
				last_error = EXCLUDED.last_error,
				updated_at = EXCLUDED.updated_at`,
			g.GroupID, g.Symbol, string(g.Direction), g.TotalLots, g.TargetPrice.String(),
			g.RangeHigh.String(), g.RangeLow.String(), string(g.Status), g.FilledLots, g.CancelledLots,
			g.RetryCount, counters, g.LastError, g.CreatedAt, g.UpdatedAt,
		)
		return err
	})
}

func (s *Stores) UpsertPosition(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.UpsertPosition: %w", err)
		}
	}()

	return s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO positions (
				position_id, group_id, lot_index, symbol, direction, quantity,
				entry_price, entry_time, order_status, status,
				exit_price, exit_time, exit_reason, realized_pnl, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (position_id) DO UPDATE SET
				entry_price = EXCLUDED.entry_price,
				entry_time = EXCLUDED.entry_time,
				order_status = EXCLUDED.order_status,
				status = EXCLUDED.status,
				exit_price = EXCLUDED.exit_price,
				exit_time = EXCLUDED.exit_time,
				exit_reason = EXCLUDED.exit_reason,
				realized_pnl = EXCLUDED.realized_pnl,
				updated_at = EXCLUDED.updated_at`,
			p.PositionID, p.GroupID, p.LotIndex, p.Symbol, string(p.Direction), p.Quantity.String(),
			p.EntryPrice.String(), p.EntryTime, string(p.OrderStatus), string(p.Status),
			p.ExitPrice.String(), p.ExitTime, p.ExitReason, p.RealizedPnl.String(), p.UpdatedAt,
		)
		return err
	})
}

func (s *Stores) UpsertRiskState(ctx context.Context, st *models.RiskState) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.UpsertRiskState: %w", err)
		}
	}()

	var data []byte
	data, err = sonic.Marshal(st)
	if err != nil {
		return err
	}

	return s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO risk_states (position_id, state, updated_at)
			VALUES ($1,$2,$3)
			ON CONFLICT (position_id) DO UPDATE SET
				state = EXCLUDED.state,
				updated_at = EXCLUDED.updated_at`,
			st.PositionID, data, st.UpdatedAt,
		)
		return err
	})
}

func (s *Stores) InsertExitEvent(ctx context.Context, p *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.InsertExitEvent: %w", err)
		}
	}()

	return s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, `
			INSERT INTO exit_events (position_id, group_id, lot_index, exit_price, exit_reason, realized_pnl, exit_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (position_id) DO NOTHING`,
			p.PositionID, p.GroupID, p.LotIndex, p.ExitPrice.String(), p.ExitReason, p.RealizedPnl.String(), p.ExitTime,
		)
		return err
	})
}

// LiveGroups reads every non-terminal group for startup recovery.
func (s *Stores) LiveGroups(ctx context.Context) (out []*models.StrategyGroup, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.LiveGroups: %w", err)
		}
	}()

	err = s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctxTx, `
			SELECT group_id, symbol, direction, total_lots, target_price,
			       range_high, range_low, status, filled_lots, cancelled_lots,
			       retry_count, lot_retry_counts, last_error, created_at, updated_at
			FROM groups
			WHERE status IN ('PENDING', 'ACTIVE')
			ORDER BY created_at`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				g                   models.StrategyGroup
				direction, status   string
				target, rHigh, rLow string
				counters            []byte
			)
			if err := rows.Scan(
				&g.GroupID, &g.Symbol, &direction, &g.TotalLots, &target,
				&rHigh, &rLow, &status, &g.FilledLots, &g.CancelledLots,
				&g.RetryCount, &counters, &g.LastError, &g.CreatedAt, &g.UpdatedAt,
			); err != nil {
				return err
			}
			g.Direction = models.Direction(direction)
			g.Status = models.GroupStatus(status)
			if g.TargetPrice, err = decimal.NewFromString(target); err != nil {
				return err
			}
			if g.RangeHigh, err = decimal.NewFromString(rHigh); err != nil {
				return err
			}
			if g.RangeLow, err = decimal.NewFromString(rLow); err != nil {
				return err
			}
			g.LotRetryCount = make(map[int]int)
			if len(counters) > 0 {
				if err := sonic.Unmarshal(counters, &g.LotRetryCount); err != nil {
					return err
				}
			}
			g.RetryingLots = make(map[int]bool)
			out = append(out, &g)
		}
		return rows.Err()
	})
	return out, err
}

// OpenPositionsForGroup reads the durable mirror of a group's open positions.
func (s *Stores) OpenPositionsForGroup(ctx context.Context, groupID string) (out []*models.Position, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("Stores.OpenPositionsForGroup: %w", err)
		}
	}()

	err = s.txm.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctxTx, `
			SELECT position_id, group_id, lot_index, symbol, direction, quantity,
			       entry_price, entry_time, order_status, status
			FROM positions
			WHERE group_id = $1 AND status = 'ACTIVE' AND order_status = 'FILLED'
			ORDER BY lot_index`,
			groupID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				p          models.Position
				direction  string
				qty, entry string
				ordStatus  string
				status     string
			)
			if err := rows.Scan(
				&p.PositionID, &p.GroupID, &p.LotIndex, &p.Symbol, &direction, &qty,
				&entry, &p.EntryTime, &ordStatus, &status,
			); err != nil {
				return err
			}
			p.Direction = models.Direction(direction)
			p.OrderStatus = models.OrderStatus(ordStatus)
			p.Status = models.PositionStatus(status)
			if p.Quantity, err = decimal.NewFromString(qty); err != nil {
				return err
			}
			if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	return out, err
}
