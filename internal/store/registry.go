package store

import (
	"time"

	"lot_bot/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrDuplicateGroup = errors.New("group already exists")

// RegisterGroup creates a group in PENDING together with its lot positions.
// Registering a second live group under the same id fails; a terminal group
// with that id may be replaced.
func (s *Store) RegisterGroup(
	groupID string,
	symbol string,
	direction models.Direction,
	totalLots int,
	quantityPerLot decimal.Decimal,
	targetPrice decimal.Decimal,
	rangeHigh decimal.Decimal,
	rangeLow decimal.Decimal,
) (*models.StrategyGroup, error) {
	if totalLots <= 0 {
		return nil, errors.New("totalLots must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.groups[groupID]; ok {
		if !existing.Terminal() {
			return nil, errors.Wrap(ErrDuplicateGroup, groupID)
		}
		// replacing a terminal group: drop its positions and keep the id's
		// slot in the registration order unique
		for _, pid := range existing.PositionIDs {
			delete(s.positions, pid)
			delete(s.risk, pid)
		}
		next := s.groupOrder[:0]
		for _, id := range s.groupOrder {
			if id != groupID {
				next = append(next, id)
			}
		}
		s.groupOrder = next
	}

	now := s.now()
	g := &models.StrategyGroup{
		GroupID:       groupID,
		Symbol:        symbol,
		Direction:     direction,
		TotalLots:     totalLots,
		TargetPrice:   targetPrice,
		RangeHigh:     rangeHigh,
		RangeLow:      rangeLow,
		Status:        models.GroupPending,
		LotRetryCount: make(map[int]int),
		RetryingLots:  make(map[int]bool),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for lot := 0; lot < totalLots; lot++ {
		p := &models.Position{
			PositionID:  uuid.NewString(),
			GroupID:     groupID,
			LotIndex:    lot,
			Symbol:      symbol,
			Direction:   direction,
			Quantity:    quantityPerLot,
			OrderStatus: models.OrderPending,
			Status:      models.PositionActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.positions[p.PositionID] = p
		g.PositionIDs = append(g.PositionIDs, p.PositionID)
	}

	s.groups[groupID] = g
	s.groupOrder = append(s.groupOrder, groupID)
	return copyGroup(g), nil
}

// RestoreGroup loads a durable-store group and its open positions back into
// memory during startup recovery. A live group already in memory wins; closed
// positions are never resurrected.
func (s *Store) RestoreGroup(g *models.StrategyGroup, positions []*models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.groups[g.GroupID]; ok && !existing.Terminal() {
		return errors.Wrap(ErrDuplicateGroup, g.GroupID)
	}

	cp := copyGroup(g)
	cp.PositionIDs = nil
	for _, p := range positions {
		if _, closed := s.closed[p.PositionID]; closed {
			continue
		}
		pc := *p
		s.positions[p.PositionID] = &pc
		cp.PositionIDs = append(cp.PositionIDs, p.PositionID)
	}

	s.groups[g.GroupID] = cp
	s.groupOrder = append(s.groupOrder, g.GroupID)
	return nil
}

// UpdateSubmittedLots records how many lot orders actually went out.
func (s *Store) UpdateSubmittedLots(groupID string, submitted int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return errors.Wrap(ErrUnknownGroup, groupID)
	}
	g.SubmittedLots = submitted
	g.UpdatedAt = s.now()
	return nil
}

// ApplyFill matches a fill to the group's earliest pending lot: entry price is
// set exactly once, the lot leaves any retry state (a definitive fill always
// overrides a racing cancel), counters move pending -> filled.
func (s *Store) ApplyFill(groupID string, price decimal.Decimal, ts time.Time) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownGroup, groupID)
	}

	p := s.earliestPendingLocked(g)
	if p == nil {
		return nil, errors.Wrap(ErrNoPendingLot, groupID)
	}

	now := s.now()
	p.EntryPrice = price
	p.EntryTime = ts
	p.OrderStatus = models.OrderFilled
	p.Status = models.PositionActive
	p.UpdatedAt = now

	g.FilledLots++
	delete(g.RetryingLots, p.LotIndex)
	s.recomputeStatus(g)
	g.UpdatedAt = now

	cp := *p
	return &cp, nil
}

// ApplyCancel moves the earliest pending lot to CANCELLED.
func (s *Store) ApplyCancel(groupID string, ts time.Time) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownGroup, groupID)
	}

	p := s.earliestPendingLocked(g)
	if p == nil {
		return nil, errors.Wrap(ErrNoPendingLot, groupID)
	}

	now := s.now()
	p.OrderStatus = models.OrderCancelled
	p.UpdatedAt = now

	g.CancelledLots++
	// a cancel resolves any outstanding chase for the lot; the next retry
	// decision starts from a clean slate
	delete(g.RetryingLots, p.LotIndex)
	s.recomputeStatus(g)
	g.UpdatedAt = now

	cp := *p
	return &cp, nil
}

// NeedsRetryForLot reports whether a cancelled lot still qualifies for a
// chase: budget left, not filled meanwhile, not already being retried.
func (s *Store) NeedsRetryForLot(groupID string, lotIndex int, maxRetries int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	if g.LotRetryCount[lotIndex] >= maxRetries {
		return false
	}
	if g.RetryingLots[lotIndex] {
		return false
	}
	p := s.lotPositionLocked(g, lotIndex)
	if p == nil || p.Filled() || p.OrderStatus == models.OrderFailed {
		return false
	}
	return true
}

// BeginRetry bumps the lot's retry counters and marks it as chasing.
func (s *Store) BeginRetry(groupID string, lotIndex int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return 0, errors.Wrap(ErrUnknownGroup, groupID)
	}
	g.LotRetryCount[lotIndex]++
	g.RetryCount++
	g.RetryingLots[lotIndex] = true
	g.UpdatedAt = s.now()
	return g.LotRetryCount[lotIndex], nil
}

// ResubmitLot returns a cancelled lot to the pending pool after its chase
// order went out: cancelled--, pending++ keeps the lot accounting identity.
// The lot stays in the active-retry set until the chase resolves with a fill
// or the next cancel.
func (s *Store) ResubmitLot(groupID string, lotIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return errors.Wrap(ErrUnknownGroup, groupID)
	}
	p := s.lotPositionLocked(g, lotIndex)
	if p == nil {
		return errors.Wrap(ErrUnknownPosition, groupID)
	}
	if p.OrderStatus != models.OrderCancelled {
		return errors.Errorf("lot %d of %s is %s, not CANCELLED", lotIndex, groupID, p.OrderStatus)
	}

	now := s.now()
	p.OrderStatus = models.OrderPending
	p.UpdatedAt = now
	g.CancelledLots--
	s.recomputeStatus(g)
	g.UpdatedAt = now
	return nil
}

// AbandonRetry clears the chasing flag without resubmitting (submit failed or
// the lot filled first).
func (s *Store) AbandonRetry(groupID string, lotIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[groupID]; ok {
		delete(g.RetryingLots, lotIndex)
		g.UpdatedAt = s.now()
	}
}

// MarkLotFailed abandons a lot after retry exhaustion and surfaces the partial
// fill on the group.
func (s *Store) MarkLotFailed(groupID string, lotIndex int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return errors.Wrap(ErrUnknownGroup, groupID)
	}
	p := s.lotPositionLocked(g, lotIndex)
	if p == nil {
		return errors.Wrap(ErrUnknownPosition, groupID)
	}

	now := s.now()
	p.OrderStatus = models.OrderFailed
	p.Status = models.PositionFailed
	p.UpdatedAt = now
	delete(g.RetryingLots, lotIndex)
	g.LastError = reason
	s.recomputeStatus(g)
	g.UpdatedAt = now
	return nil
}

// SetGroupError surfaces an integrity error on the group for operators.
func (s *Store) SetGroupError(groupID string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[groupID]; ok {
		g.LastError = reason
		g.UpdatedAt = s.now()
	}
}

// LotPosition returns the position backing one lot of a group.
func (s *Store) LotPosition(groupID string, lotIndex int) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, false
	}
	p := s.lotPositionLocked(g, lotIndex)
	if p == nil {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// earliestPendingLocked returns the lowest-index lot still pending.
func (s *Store) earliestPendingLocked(g *models.StrategyGroup) *models.Position {
	for _, pid := range g.PositionIDs {
		p := s.positions[pid]
		if p != nil && p.OrderStatus == models.OrderPending {
			return p
		}
	}
	return nil
}

func (s *Store) lotPositionLocked(g *models.StrategyGroup, lotIndex int) *models.Position {
	for _, pid := range g.PositionIDs {
		p := s.positions[pid]
		if p != nil && p.LotIndex == lotIndex {
			return p
		}
	}
	return nil
}
