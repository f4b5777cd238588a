package store

import (
	"testing"
	"time"

	"lot_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := New()
	cur := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return cur })
	return s, &cur
}

func registerLong(t *testing.T, s *Store, id string, lots int) *models.StrategyGroup {
	t.Helper()
	g, err := s.RegisterGroup(id, "rb", models.DirectionLong, lots,
		d("1"), d("100"), d("105"), d("95"))
	require.NoError(t, err)
	return g
}

func assertLotIdentity(t *testing.T, s *Store, groupID string) {
	t.Helper()
	g, ok := s.Group(groupID)
	require.True(t, ok)
	assert.Equal(t, g.TotalLots, g.FilledLots+g.CancelledLots+g.PendingLots(),
		"filled=%d cancelled=%d pending=%d total=%d",
		g.FilledLots, g.CancelledLots, g.PendingLots(), g.TotalLots)
}

func TestRegisterGroup(t *testing.T) {
	s, _ := newTestStore(t)

	g := registerLong(t, s, "g1", 3)
	assert.Equal(t, models.GroupPending, g.Status)
	assert.Len(t, g.PositionIDs, 3)
	assert.Equal(t, 3, g.PendingLots())

	for i, pid := range g.PositionIDs {
		p, ok := s.Position(pid)
		require.True(t, ok)
		assert.Equal(t, i, p.LotIndex)
		assert.Equal(t, models.OrderPending, p.OrderStatus)
		assert.True(t, p.EntryPrice.IsZero())
	}
}

func TestRegisterGroupRejectsLiveDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	registerLong(t, s, "g1", 2)

	_, err := s.RegisterGroup("g1", "rb", models.DirectionLong, 2,
		d("1"), d("100"), d("105"), d("95"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateGroup))
}

func TestRegisterGroupReplacesTerminal(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)

	_, err := s.ApplyCancel(g.GroupID, time.Now())
	require.NoError(t, err)
	got, _ := s.Group("g1")
	require.Equal(t, models.GroupFailed, got.Status)

	_, err = s.RegisterGroup("g1", "rb", models.DirectionLong, 1,
		d("1"), d("100"), d("105"), d("95"))
	assert.NoError(t, err)
}

func TestLotAccountingIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 3)
	ts := time.Now()

	_, err := s.ApplyFill(g.GroupID, d("100.5"), ts)
	require.NoError(t, err)
	assertLotIdentity(t, s, g.GroupID)

	_, err = s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	assertLotIdentity(t, s, g.GroupID)

	// chase cycle: cancelled lot goes back to pending
	_, err = s.BeginRetry(g.GroupID, 1)
	require.NoError(t, err)
	require.NoError(t, s.ResubmitLot(g.GroupID, 1))
	assertLotIdentity(t, s, g.GroupID)

	_, err = s.ApplyFill(g.GroupID, d("101"), ts)
	require.NoError(t, err)
	assertLotIdentity(t, s, g.GroupID)

	_, err = s.ApplyFill(g.GroupID, d("101.5"), ts)
	require.NoError(t, err)
	assertLotIdentity(t, s, g.GroupID)

	got, _ := s.Group(g.GroupID)
	assert.Equal(t, 3, got.FilledLots)
	assert.Equal(t, 0, got.CancelledLots)
	assert.Equal(t, models.GroupActive, got.Status)
}

func TestApplyFillTargetsEarliestPendingLot(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 3)
	ts := time.Now()

	p0, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)
	assert.Equal(t, 0, p0.LotIndex)
	assert.True(t, p0.EntryPrice.Equal(d("100")))

	p1, err := s.ApplyFill(g.GroupID, d("100.5"), ts)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.LotIndex)

	// lot 0 keeps its original entry
	again, _ := s.Position(p0.PositionID)
	assert.True(t, again.EntryPrice.Equal(d("100")))
}

func TestApplyFillNoPendingLot(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	ts := time.Now()

	_, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)

	_, err = s.ApplyFill(g.GroupID, d("100"), ts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPendingLot))
}

func TestFillClearsRetryingFlag(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 2)
	ts := time.Now()

	_, err := s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	_, err = s.BeginRetry(g.GroupID, 0)
	require.NoError(t, err)
	require.NoError(t, s.ResubmitLot(g.GroupID, 0))

	// the chase order fills; the lot must leave retry state for good
	p, err := s.ApplyFill(g.GroupID, d("100.5"), ts)
	require.NoError(t, err)
	assert.Equal(t, 0, p.LotIndex)

	got, _ := s.Group(g.GroupID)
	assert.False(t, got.RetryingLots[0])
	assert.Equal(t, 1, got.FilledLots)
}

func TestResubmitKeepsRetryingFlagUntilResolved(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	ts := time.Now()

	_, err := s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	_, err = s.BeginRetry(g.GroupID, 0)
	require.NoError(t, err)
	require.NoError(t, s.ResubmitLot(g.GroupID, 0))

	got, _ := s.Group(g.GroupID)
	assert.True(t, got.RetryingLots[0], "chase order out, retry unresolved")
	assert.False(t, s.NeedsRetryForLot(g.GroupID, 0, 3))

	// the next cancel resolves the chase and frees the lot for another pass
	_, err = s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	got, _ = s.Group(g.GroupID)
	assert.False(t, got.RetryingLots[0])
	assert.True(t, s.NeedsRetryForLot(g.GroupID, 0, 3))
}

func TestNeedsRetryForLot(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 2)
	ts := time.Now()

	_, err := s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)

	assert.True(t, s.NeedsRetryForLot(g.GroupID, 0, 3))

	_, err = s.BeginRetry(g.GroupID, 0)
	require.NoError(t, err)
	assert.False(t, s.NeedsRetryForLot(g.GroupID, 0, 3), "already chasing")

	s.AbandonRetry(g.GroupID, 0)
	assert.True(t, s.NeedsRetryForLot(g.GroupID, 0, 3))

	// budget exhausted
	assert.False(t, s.NeedsRetryForLot(g.GroupID, 0, 1))

	require.NoError(t, s.MarkLotFailed(g.GroupID, 0, "abandoned"))
	assert.False(t, s.NeedsRetryForLot(g.GroupID, 0, 10))
}

func TestMarkLotFailedKeepsIdentityAndSurfacesError(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 2)
	ts := time.Now()

	_, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)
	_, err = s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	require.NoError(t, s.MarkLotFailed(g.GroupID, 1, "abandoned after 3 retries"))

	assertLotIdentity(t, s, g.GroupID)
	got, _ := s.Group(g.GroupID)
	assert.Equal(t, "abandoned after 3 retries", got.LastError)
	assert.Equal(t, models.GroupActive, got.Status, "group runs partial, still active")

	p, ok := s.LotPosition(g.GroupID, 1)
	require.True(t, ok)
	assert.Equal(t, models.OrderFailed, p.OrderStatus)
	assert.Equal(t, models.PositionFailed, p.Status)
}

func TestGroupFailedWhenNothingFills(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 2)
	ts := time.Now()

	_, err := s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)
	_, err = s.ApplyCancel(g.GroupID, ts)
	require.NoError(t, err)

	got, _ := s.Group(g.GroupID)
	assert.Equal(t, models.GroupFailed, got.Status)
}

func TestMarkExited(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	ts := time.Now()

	p, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)

	closed, err := s.MarkExited(p.PositionID, d("110"), models.ExitReasonTrailing)
	require.NoError(t, err)
	assert.Equal(t, models.PositionExited, closed.Status)
	assert.True(t, closed.RealizedPnl.Equal(d("10")))
	assert.Equal(t, models.ExitReasonTrailing, closed.ExitReason)
	assert.True(t, s.IsClosed(p.PositionID))

	got, _ := s.Group(g.GroupID)
	assert.Equal(t, models.GroupCompleted, got.Status)

	// second call is a no-op returning the terminal snapshot
	again, err := s.MarkExited(p.PositionID, d("50"), models.ExitReasonManual)
	require.NoError(t, err)
	assert.True(t, again.ExitPrice.Equal(d("110")))
	assert.Equal(t, models.ExitReasonTrailing, again.ExitReason)
}

func TestMergePositionNeverResurrectsClosed(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	ts := time.Now()

	p, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)
	_, err = s.MarkExited(p.PositionID, d("110"), models.ExitReasonTrailing)
	require.NoError(t, err)

	// stale durable-store row still says ACTIVE
	stale := *p
	stale.Status = models.PositionActive
	s.MergePosition(&stale)

	got, _ := s.Position(p.PositionID)
	assert.Equal(t, models.PositionExited, got.Status)
}

func TestMergePositionFillsBlanksOnly(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	pid := g.PositionIDs[0]

	row, _ := s.Position(pid)
	row.EntryPrice = d("99.5")
	row.EntryTime = time.Now()
	s.MergePosition(row)

	got, _ := s.Position(pid)
	assert.True(t, got.EntryPrice.Equal(d("99.5")))

	// a second merge must not overwrite the entry
	row.EntryPrice = d("42")
	s.MergePosition(row)
	got, _ = s.Position(pid)
	assert.True(t, got.EntryPrice.Equal(d("99.5")))
}

func TestCumulativeProfitSumsPositiveOnly(t *testing.T) {
	s, _ := newTestStore(t)
	g := registerLong(t, s, "g1", 3)
	ts := time.Now()

	p0, _ := s.ApplyFill(g.GroupID, d("100"), ts)
	p1, _ := s.ApplyFill(g.GroupID, d("100"), ts)
	_, err := s.ApplyFill(g.GroupID, d("100"), ts)
	require.NoError(t, err)

	_, err = s.MarkExited(p0.PositionID, d("108"), models.ExitReasonTrailing)
	require.NoError(t, err)
	_, err = s.MarkExited(p1.PositionID, d("97"), models.ExitReasonHardStop)
	require.NoError(t, err)

	assert.True(t, s.CumulativeProfit(g.GroupID).Equal(d("8")), "losses excluded")
}

func TestLiveGroupsBySymbolRegistrationOrder(t *testing.T) {
	s, _ := newTestStore(t)
	registerLong(t, s, "first", 1)
	registerLong(t, s, "second", 1)

	_, err := s.RegisterGroup("other", "IF", models.DirectionShort, 1,
		d("1"), d("3800"), d("3820"), d("3780"))
	require.NoError(t, err)

	got := s.LiveGroupsBySymbol("rb")
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].GroupID)
	assert.Equal(t, "second", got[1].GroupID)

	// a group with no pending lots is no longer a candidate
	_, err = s.ApplyFill("first", d("100"), time.Now())
	require.NoError(t, err)
	got = s.LiveGroupsBySymbol("rb")
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].GroupID)
}

func TestLiveGroupIDs(t *testing.T) {
	s, _ := newTestStore(t)
	registerLong(t, s, "g1", 1)
	g2 := registerLong(t, s, "g2", 1)

	_, err := s.ApplyCancel(g2.GroupID, time.Now())
	require.NoError(t, err)

	assert.Equal(t, []string{"g1"}, s.LiveGroupIDs(), "failed group is not refreshed")
}

func TestUpsertRiskStateReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)
	st := &models.RiskState{PositionID: "p1", PeakPrice: d("100"), CurrentStopLoss: d("95")}
	s.UpsertRiskState(st)

	got, ok := s.RiskStateOf("p1")
	require.True(t, ok)
	got.CurrentStopLoss = d("1")

	again, _ := s.RiskStateOf("p1")
	assert.True(t, again.CurrentStopLoss.Equal(d("95")), "caller mutation must not leak in")
}

func TestRestoreGroup(t *testing.T) {
	s, _ := newTestStore(t)

	g := &models.StrategyGroup{
		GroupID:       "g1",
		Symbol:        "rb",
		Direction:     models.DirectionLong,
		TotalLots:     3,
		TargetPrice:   d("100"),
		RangeHigh:     d("105"),
		RangeLow:      d("95"),
		Status:        models.GroupActive,
		FilledLots:    2,
		CancelledLots: 1,
		LotRetryCount: map[int]int{1: 2},
		RetryingLots:  map[int]bool{},
	}
	rows := []*models.Position{
		{PositionID: "p0", GroupID: "g1", LotIndex: 0, Symbol: "rb",
			Direction: models.DirectionLong, Quantity: d("1"), EntryPrice: d("100"),
			OrderStatus: models.OrderFilled, Status: models.PositionActive},
		{PositionID: "p2", GroupID: "g1", LotIndex: 2, Symbol: "rb",
			Direction: models.DirectionLong, Quantity: d("1"), EntryPrice: d("101"),
			OrderStatus: models.OrderFilled, Status: models.PositionActive},
	}
	require.NoError(t, s.RestoreGroup(g, rows))

	got, ok := s.Group("g1")
	require.True(t, ok)
	assert.Equal(t, 2, got.FilledLots)
	assert.Equal(t, 2, got.LotRetryCount[1])
	assert.Len(t, got.PositionIDs, 2)

	open := s.OpenPositions("g1")
	assert.Len(t, open, 2)

	// restoring over a live in-memory group is refused
	err := s.RestoreGroup(g, rows)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateGroup))
}

func TestArchiveTerminalGroups(t *testing.T) {
	s, cur := newTestStore(t)
	g := registerLong(t, s, "g1", 1)
	registerLong(t, s, "g2", 1)

	p, err := s.ApplyFill(g.GroupID, d("100"), time.Now())
	require.NoError(t, err)
	_, err = s.MarkExited(p.PositionID, d("110"), models.ExitReasonTrailing)
	require.NoError(t, err)

	// inside the grace window nothing moves
	assert.Empty(t, s.ArchiveTerminalGroups(5*time.Minute))

	*cur = cur.Add(6 * time.Minute)
	archived := s.ArchiveTerminalGroups(5 * time.Minute)
	require.Equal(t, []string{"g1"}, archived)

	_, ok := s.Group("g1")
	assert.False(t, ok)
	_, ok = s.Position(p.PositionID)
	assert.False(t, ok)
	_, ok = s.Group("g2")
	assert.True(t, ok, "live group untouched")
}
