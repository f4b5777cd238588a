package store

import (
	"sync"
	"time"

	"lot_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownGroup    = errors.New("unknown group")
	ErrUnknownPosition = errors.New("unknown position")
	ErrNoPendingLot    = errors.New("group has no pending lot")
)

// Store is the in-memory authoritative map of groups and positions. One coarse
// RWMutex with short critical sections: the event rate here is tens per second
// at worst, simplicity and deadlock-avoidance win over fine-grained locking.
// All snapshots returned to callers are copies; nothing outside this package
// mutates stored records directly.
type Store struct {
	mu sync.RWMutex

	groups     map[string]*models.StrategyGroup
	groupOrder []string // registration order, FIFO tie-break source
	positions  map[string]*models.Position
	risk       map[string]*models.RiskState

	// Positions already closed in memory. Any DB-driven merge consults this
	// set first so a stale durable-store row can never resurrect an exited
	// position as active.
	closed map[string]struct{}

	now func() time.Time
}

func New() *Store {
	return &Store{
		groups:    make(map[string]*models.StrategyGroup),
		positions: make(map[string]*models.Position),
		risk:      make(map[string]*models.RiskState),
		closed:    make(map[string]struct{}),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Group(groupID string) (*models.StrategyGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, false
	}
	return copyGroup(g), true
}

func (s *Store) Position(positionID string) (*models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *Store) RiskStateOf(positionID string) (*models.RiskState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.risk[positionID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (s *Store) UpsertRiskState(st *models.RiskState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = s.now()
	s.risk[st.PositionID] = st.Clone()
}

// UpdateRiskState applies fn to the stored risk state and returns the updated
// snapshot. The whole read-modify-write runs inside one critical section, so
// monotonic rules checked inside fn (peak advance, tighten-only stops) hold
// against concurrent writers; a tighten landed by another goroutine can never
// be overwritten by a stale write-back.
func (s *Store) UpdateRiskState(positionID string, fn func(st *models.RiskState)) (*models.RiskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.risk[positionID]
	if !ok {
		return nil, false
	}
	fn(st)
	st.UpdatedAt = s.now()
	return st.Clone(), true
}

func (s *Store) IsClosed(positionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.closed[positionID]
	return ok
}

// LiveGroupsBySymbol returns reconciliation candidates in registration order:
// live status, matching canonical symbol, lots still pending.
func (s *Store) LiveGroupsBySymbol(symbol string) []*models.StrategyGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.StrategyGroup
	for _, id := range s.groupOrder {
		g := s.groups[id]
		if g == nil || g.Symbol != symbol || !g.Status.Live() || g.RemainingLots() <= 0 {
			continue
		}
		out = append(out, copyGroup(g))
	}
	return out
}

// LiveGroupIDs returns the ids of non-terminal groups in registration order.
func (s *Store) LiveGroupIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range s.groupOrder {
		if g := s.groups[id]; g != nil && g.Status.Live() {
			out = append(out, id)
		}
	}
	return out
}

// ActivePositionsBySymbol returns filled, still-open positions for risk ticks.
func (s *Store) ActivePositionsBySymbol(symbol string) []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Position
	for _, id := range s.groupOrder {
		g := s.groups[id]
		if g == nil || g.Symbol != symbol {
			continue
		}
		for _, pid := range g.PositionIDs {
			p := s.positions[pid]
			if p != nil && p.Filled() && p.Status == models.PositionActive {
				cp := *p
				out = append(out, &cp)
			}
		}
	}
	return out
}

// OpenPositions returns filled, not yet exited positions of one group.
func (s *Store) OpenPositions(groupID string) []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	var out []*models.Position
	for _, pid := range g.PositionIDs {
		p := s.positions[pid]
		if p != nil && p.Filled() && p.Status == models.PositionActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// CumulativeProfit sums positive realized pnl over the group's exited lots.
// This reads memory, not the durable store: the lot that triggered the call is
// already visible here even before its persistence write lands.
func (s *Store) CumulativeProfit(groupID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	g, ok := s.groups[groupID]
	if !ok {
		return total
	}
	for _, pid := range g.PositionIDs {
		p := s.positions[pid]
		if p != nil && p.Status == models.PositionExited && p.RealizedPnl.IsPositive() {
			total = total.Add(p.RealizedPnl)
		}
	}
	return total
}

// MarkExited flips a position to EXITED in memory. Called synchronously on
// gateway acknowledgment so racing triggers and recomputes observe it at once.
func (s *Store) MarkExited(positionID string, exitPrice decimal.Decimal, reason string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownPosition, positionID)
	}
	if p.Status == models.PositionExited {
		cp := *p
		return &cp, nil
	}

	now := s.now()
	p.Status = models.PositionExited
	p.ExitPrice = exitPrice
	p.ExitTime = now
	p.ExitReason = reason
	p.RealizedPnl = p.Pnl(exitPrice)
	p.UpdatedAt = now
	s.closed[positionID] = struct{}{}

	if g, ok := s.groups[p.GroupID]; ok {
		s.recomputeStatus(g)
		g.UpdatedAt = now
	}

	cp := *p
	return &cp, nil
}

// MergePosition applies a durable-store row during a refresh. Positions the
// memory side already closed are never resurrected.
func (s *Store) MergePosition(p *models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, closed := s.closed[p.PositionID]; closed {
		return
	}
	cur, ok := s.positions[p.PositionID]
	if !ok {
		cp := *p
		s.positions[p.PositionID] = &cp
		return
	}
	// memory is authoritative for live fields; refresh only fills blanks
	if cur.EntryPrice.IsZero() && !p.EntryPrice.IsZero() {
		cur.EntryPrice = p.EntryPrice
		cur.EntryTime = p.EntryTime
	}
}

// ArchiveTerminalGroups drops groups (and their positions and risk state) that
// have been terminal longer than the grace period. Returns archived group ids.
func (s *Store) ArchiveTerminalGroups(grace time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var archived []string
	for id, g := range s.groups {
		if !g.Terminal() || now.Sub(g.UpdatedAt) < grace {
			continue
		}
		for _, pid := range g.PositionIDs {
			delete(s.positions, pid)
			delete(s.risk, pid)
		}
		delete(s.groups, id)
		archived = append(archived, id)
	}
	if len(archived) > 0 {
		next := s.groupOrder[:0]
		for _, id := range s.groupOrder {
			if _, ok := s.groups[id]; ok {
				next = append(next, id)
			}
		}
		s.groupOrder = next
	}
	return archived
}

// recomputeStatus derives group status from lot counters. Caller holds s.mu.
func (s *Store) recomputeStatus(g *models.StrategyGroup) {
	if g.PendingLots() > 0 {
		if g.FilledLots > 0 {
			g.Status = models.GroupActive
		} else {
			g.Status = models.GroupPending
		}
		return
	}
	if g.FilledLots == 0 {
		g.Status = models.GroupFailed
		return
	}
	for _, pid := range g.PositionIDs {
		p := s.positions[pid]
		if p != nil && p.Filled() && p.Status == models.PositionActive {
			g.Status = models.GroupActive
			return
		}
	}
	g.Status = models.GroupCompleted
}

func copyGroup(g *models.StrategyGroup) *models.StrategyGroup {
	cp := *g
	cp.LotRetryCount = make(map[int]int, len(g.LotRetryCount))
	for k, v := range g.LotRetryCount {
		cp.LotRetryCount[k] = v
	}
	cp.RetryingLots = make(map[int]bool, len(g.RetryingLots))
	for k, v := range g.RetryingLots {
		cp.RetryingLots[k] = v
	}
	cp.PositionIDs = append([]string(nil), g.PositionIDs...)
	return &cp
}
