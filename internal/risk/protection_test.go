package risk

import (
	"context"
	"testing"
	"time"

	"lot_bot/internal/models"
	"lot_bot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type protectorFixture struct {
	store     *store.Store
	snaps     *snapshotRecorder
	exits     *exitRecorder
	protector *Protector
	engine    *Engine
}

func newProtectorFixture(t *testing.T, multiplier string) *protectorFixture {
	t.Helper()
	cfg := defaultRiskConfig()
	cfg.ProtectionMultiplier = d(multiplier)
	f := &protectorFixture{
		store: store.New(),
		snaps: &snapshotRecorder{},
		exits: &exitRecorder{},
	}
	f.protector = NewProtector(f.store, cfg, f.snaps)
	f.engine = New(f.store, cfg, f.exits, nil)
	return f
}

// openGroup fills every lot at entry and starts risk tracking for each.
func (f *protectorFixture) openGroup(t *testing.T, id string, dir models.Direction, lots int, entry, rangeHigh, rangeLow string) []*models.Position {
	t.Helper()
	_, err := f.store.RegisterGroup(id, "rb", dir, lots,
		d("1"), d(entry), d(rangeHigh), d(rangeLow))
	require.NoError(t, err)

	out := make([]*models.Position, 0, lots)
	for i := 0; i < lots; i++ {
		p, err := f.store.ApplyFill(id, d(entry), time.Now())
		require.NoError(t, err)
		f.engine.StartTracking(context.Background(), p)
		out = append(out, p)
	}
	return out
}

func (f *protectorFixture) exitAt(t *testing.T, positionID, price, reason string) *models.Position {
	t.Helper()
	closed, err := f.store.MarkExited(positionID, d(price), reason)
	require.NoError(t, err)
	return closed
}

func TestProtectionTightensSiblingsLong(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 3, "100", "105", "95")

	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	// cum profit 10, buffer 10/1*0.5 = 5, candidate = 95 + 5
	for _, p := range ps[1:] {
		st, ok := f.store.RiskStateOf(p.PositionID)
		require.True(t, ok)
		assert.True(t, st.CurrentStopLoss.Equal(d("100")), "pos %s got %s", p.PositionID, st.CurrentStopLoss)
		assert.True(t, st.ProtectionActivated)
	}
	assert.Len(t, f.snaps.states, 2, "each tightened sibling snapshots")
}

func TestProtectionShortMovesStopDown(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "s1", models.DirectionShort, 2, "100", "105", "95")

	closed := f.exitAt(t, ps[0].PositionID, "92", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	// cum profit 8, buffer 4, candidate = 105 - 4
	st, ok := f.store.RiskStateOf(ps[1].PositionID)
	require.True(t, ok)
	assert.True(t, st.CurrentStopLoss.Equal(d("101")), "got %s", st.CurrentStopLoss)
	assert.True(t, st.ProtectionActivated)
}

func TestProtectionNeverLoosens(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")

	// the sibling already trails tighter than any protective candidate
	f.store.UpsertRiskState(&models.RiskState{
		PositionID:        ps[1].PositionID,
		PeakPrice:         d("130"),
		CurrentStopLoss:   d("124"),
		TrailingActivated: true,
	})

	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	st, _ := f.store.RiskStateOf(ps[1].PositionID)
	assert.True(t, st.CurrentStopLoss.Equal(d("124")), "tighter stop holds")
	assert.False(t, st.ProtectionActivated)
	assert.Empty(t, f.snaps.states)
}

func TestProtectionCountsJustClosedLot(t *testing.T) {
	f := newProtectorFixture(t, "1")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")

	// no persistence involved anywhere: the closing lot's pnl must be visible
	// to the protector from memory alone
	closed := f.exitAt(t, ps[0].PositionID, "107", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	st, _ := f.store.RiskStateOf(ps[1].PositionID)
	assert.True(t, st.CurrentStopLoss.Equal(d("102")), "95 + 7*1, got %s", st.CurrentStopLoss)
}

func TestProtectionAccumulatesAcrossExits(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 3, "100", "105", "95")

	closed := f.exitAt(t, ps[0].PositionID, "106", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	st, _ := f.store.RiskStateOf(ps[2].PositionID)
	assert.True(t, st.CurrentStopLoss.Equal(d("98")), "95 + 6*0.5, got %s", st.CurrentStopLoss)

	closed = f.exitAt(t, ps[1].PositionID, "112", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	// cum profit 18, buffer 9
	st, _ = f.store.RiskStateOf(ps[2].PositionID)
	assert.True(t, st.CurrentStopLoss.Equal(d("104")), "got %s", st.CurrentStopLoss)
}

func TestLosingExitDoesNothing(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")

	closed := f.exitAt(t, ps[0].PositionID, "96", models.ExitReasonHardStop)
	f.protector.OnPositionExited(context.Background(), closed)

	st, _ := f.store.RiskStateOf(ps[1].PositionID)
	assert.True(t, st.CurrentStopLoss.Equal(d("95")), "hard floor untouched")
	assert.False(t, st.ProtectionActivated)
}

func TestLastLotExitNoSiblings(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 1, "100", "105", "95")

	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)
	f.protector.OnPositionExited(context.Background(), closed)

	assert.Empty(t, f.snaps.states)
}

func TestProtectiveTightenSurvivesConcurrentTicks(t *testing.T) {
	f := newProtectorFixture(t, "0.5")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")
	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)

	// cum profit 10, buffer 5, protective candidate 100; the tick price stays
	// below activation so the tick path recomputes without moving the stop
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("100.5")})
		}
	}()

	for i := 0; i < 200; i++ {
		// reseed the state a fresh fill leaves behind, then tighten against
		// the ticking goroutine
		f.store.UpsertRiskState(&models.RiskState{
			PositionID:      ps[1].PositionID,
			PeakPrice:       d("100"),
			CurrentStopLoss: d("95"),
			StopSetBy:       models.StopByFloor,
		})
		f.protector.OnPositionExited(context.Background(), closed)

		st, ok := f.store.RiskStateOf(ps[1].PositionID)
		require.True(t, ok)
		require.True(t, st.CurrentStopLoss.Equal(d("100")),
			"iteration %d: protective stop reverted to %s", i, st.CurrentStopLoss)
	}
	<-done
}

func TestTriggerReasonTracksProtectiveStop(t *testing.T) {
	f := newProtectorFixture(t, "1")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")
	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)

	// trailing activates first: peak 106, stop 104.8
	f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("106")})

	// protective candidate 95 + 10*1 = 105 overtakes the trailing stop
	f.protector.OnPositionExited(context.Background(), closed)
	st, _ := f.store.RiskStateOf(ps[1].PositionID)
	require.True(t, st.CurrentStopLoss.Equal(d("105")), "got %s", st.CurrentStopLoss)

	f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("104.9")})
	require.Len(t, f.exits.triggers, 1)
	assert.Equal(t, models.ExitReasonProtective, f.exits.triggers[0].Reason,
		"the stop in force came from the protective tighten")
	assert.True(t, f.exits.triggers[0].StopPrice.Equal(d("105")))
}

func TestTrailingRetakesProtectedStop(t *testing.T) {
	f := newProtectorFixture(t, "1")
	ps := f.openGroup(t, "g1", models.DirectionLong, 2, "100", "105", "95")
	closed := f.exitAt(t, ps[0].PositionID, "110", models.ExitReasonTrailing)

	f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("106")})
	f.protector.OnPositionExited(context.Background(), closed)

	// a new high pushes the trailing stop past the protective one: 115 - 15*0.2
	f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("115")})
	st, _ := f.store.RiskStateOf(ps[1].PositionID)
	require.True(t, st.CurrentStopLoss.Equal(d("112")), "got %s", st.CurrentStopLoss)

	f.engine.OnTick(context.Background(), models.Tick{Symbol: "rb", Price: d("111.9")})
	require.Len(t, f.exits.triggers, 1)
	assert.Equal(t, models.ExitReasonTrailing, f.exits.triggers[0].Reason)
}
