package writer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/catalog"
	"github.com/cbmengine/cbm/internal/cbmerr"
	"github.com/cbmengine/cbm/internal/cbmfile"
	"github.com/cbmengine/cbm/internal/cbmlog"
	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/reltag"
	"github.com/cbmengine/cbm/internal/walsource"
)

func testRel() reltag.RelNode {
	return reltag.RelNode{SpcOID: 1663, DbOID: 16384, RelOID: 24576}
}

func noopLog() cbmlog.Logger {
	return cbmlog.New(nil, false)
}

// TestSingleInsertCycleScenario1 grounds end-to-end scenario 1: starting
// at L(0,0x100), one heap insert on block 42 ending at L(0,0x180)
// produces exactly one Modify page covering that batch window.
func TestSingleInsertCycleScenario1(t *testing.T) {
	dir := t.TempDir()
	rel := testRel()
	start := lsn.LSN(0x100)
	end := lsn.LSN(0x180)

	source := &walsource.FixtureSource{Records: []walsource.Record{
		&walsource.FixtureRecord{
			At: start, End: end,
			Rmgr: walsource.RmHeapID, InfoVal: walsource.XlogHeapInsert,
			BlockRefs: []walsource.BlockRef{{Rel: rel, Fork: reltag.Main, Block: 42}},
		},
	}}
	ctrl := &walsource.FixtureControlFile{Redo: end}
	reg := &walsource.FixtureRegister{}
	reg.Set(start)
	latch := &walsource.FixtureLatch{}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)

	require.NoError(t, loop.RunCycle(context.Background()))
	require.Equal(t, end, loop.TrackedLSN())
	require.Equal(t, end, reg.Get())

	names, err := catalog.List(dir, lsn.Invalid, end, true)
	require.NoError(t, err)
	require.Len(t, names, 1)

	r, err := cbmfile.OpenReader(dir, names[0])
	require.NoError(t, err)
	defer r.Close()

	p, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, uint32(0), p.Header.FirstBlock)
	require.Equal(t, bitmap.Modify, p.Header.PageType)
	require.True(t, p.Header.IsLastInBatch)
	require.True(t, p.BitSet(42))
	require.Equal(t, start, p.Header.BatchStart)
	require.Equal(t, end, p.Header.BatchEnd)

	next, err := r.Next()
	require.NoError(t, err)
	require.Nil(t, next)
}

// TestNoChangesEmitsDummyPage covers spec §4.F step 6: a cycle that
// advances the LSN window but produces no page must still emit a single
// Dummy lifecycle page, so the on-disk LSN chain stays contiguous.
func TestNoChangesEmitsDummyPage(t *testing.T) {
	dir := t.TempDir()
	start := lsn.LSN(0x100)
	end := lsn.LSN(0x200)

	// one record that references no block
	source := &walsource.FixtureSource{Records: []walsource.Record{
		&walsource.FixtureRecord{At: start, End: end, Rmgr: walsource.RmXlogID},
	}}
	ctrl := &walsource.FixtureControlFile{Redo: end}
	reg := &walsource.FixtureRegister{}
	reg.Set(start)
	latch := &walsource.FixtureLatch{}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)
	require.NoError(t, loop.RunCycle(context.Background()))

	names, err := catalog.List(dir, lsn.Invalid, end, true)
	require.NoError(t, err)
	require.Len(t, names, 1)

	r, err := cbmfile.OpenReader(dir, names[0])
	require.NoError(t, err)
	defer r.Close()

	p, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.Header.Tag().IsDummy())
	require.True(t, p.Header.IsLastInBatch)
}

// TestRotationAndChainScenario4 grounds scenario 4 and invariant P1: once
// the writer's file grows past MaxFileSize it rotates, and the sealed
// file's end LSN equals the next file's start LSN.
func TestRotationAndChainScenario4(t *testing.T) {
	dir := t.TempDir()
	rel := testRel()
	cfg := DefaultConfig()
	cfg.MaxFileSize = bitmap.PageSize // rotate after a single page

	reg := &walsource.FixtureRegister{}
	reg.Set(lsn.LSN(0x100))
	ctrl := &walsource.FixtureControlFile{}
	latch := &walsource.FixtureLatch{}

	source := &walsource.FixtureSource{}
	loop, err := Open(dir, cfg, source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)

	cur := lsn.LSN(0x100)
	for i := 0; i < 2; i++ {
		next := cur + 0x80
		source.Records = []walsource.Record{
			&walsource.FixtureRecord{
				At: cur, End: next,
				Rmgr: walsource.RmHeapID, InfoVal: walsource.XlogHeapInsert,
				BlockRefs: []walsource.BlockRef{{Rel: rel, Fork: reltag.Main, Block: uint32(i)}},
			},
		}
		ctrl.Redo = next
		require.NoError(t, loop.RunCycle(context.Background()))
		cur = next
	}

	all, err := catalog.List(dir, lsn.Invalid, lsn.LSN(math.MaxUint64), true)
	require.NoError(t, err)
	var sealed []cbmfile.Name
	for _, n := range all {
		if n.Sealed() {
			sealed = append(sealed, n)
		}
	}
	require.Len(t, sealed, 2)
	require.Equal(t, sealed[0].End, sealed[1].Start)
}

// TestRecoveryTruncationScenario5 grounds scenario 5: a page whose
// trailing bytes were zeroed out must be trimmed away on reopen, with the
// tracked LSN restored from the last valid last-in-batch page.
func TestRecoveryTruncationScenario5(t *testing.T) {
	dir := t.TempDir()
	rel := testRel()

	w, err := cbmfile.CreateNew(dir, 1, lsn.LSN(0x100))
	require.NoError(t, err)

	hdr1 := bitmap.Header{PageType: bitmap.Modify, Rel: rel, Fork: reltag.Main, TruncateBlock: bitmap.InvalidBlock}
	p1 := bitmap.NewPage(hdr1)
	p1.SetBit(1)
	require.NoError(t, w.WriteBatch([]*bitmap.Page{p1}, lsn.LSN(0x100), lsn.LSN(0x180)))

	hdr2 := bitmap.Header{PageType: bitmap.Modify, Rel: rel, Fork: reltag.Main, TruncateBlock: bitmap.InvalidBlock}
	p2 := bitmap.NewPage(hdr2)
	p2.SetBit(2)
	require.NoError(t, w.WriteBatch([]*bitmap.Page{p2}, lsn.LSN(0x180), lsn.LSN(0x1C0)))

	require.NoError(t, w.Close())

	name := cbmfile.FormatName(1, lsn.LSN(0x100), lsn.Invalid)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	st, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 100), st.Size()-100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reg := &walsource.FixtureRegister{}
	ctrl := &walsource.FixtureControlFile{}
	latch := &walsource.FixtureLatch{}
	source := &walsource.FixtureSource{}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)
	require.Equal(t, lsn.LSN(0x180), loop.TrackedLSN())

	st2, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(bitmap.PageSize), st2.Size())
}

// TestCrossTimelineDetectionScenario6 grounds scenario 6: once a
// checkpoint has been observed, a subsequent checkpoint redo behind the
// tracked LSN is a destructive inconsistency that purges the CBM
// directory and returns ErrDestructiveInconsistency.
func TestCrossTimelineDetectionScenario6(t *testing.T) {
	dir := t.TempDir()
	reg := &walsource.FixtureRegister{}
	reg.Set(lsn.FromHalves(1, 0))
	ctrl := &walsource.FixtureControlFile{Redo: lsn.FromHalves(1, 0x10)}
	latch := &walsource.FixtureLatch{}
	source := &walsource.FixtureSource{}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)

	// First cycle observes a checkpoint, setting firstCheckpointSeen; with
	// no records to read, the tracked lsn stays where it was.
	require.NoError(t, loop.RunCycle(context.Background()))
	require.True(t, loop.firstCheckpointSeen)

	// Now simulate a rewound/cross-timeline checkpoint redo.
	ctrl.Redo = lsn.FromHalves(0, 0xFFF0)
	err = loop.RunCycle(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, cbmerr.ErrDestructiveInconsistency)

	entries, rerr := os.ReadDir(dir)
	require.NoError(t, rerr)
	for _, e := range entries {
		if _, ok := cbmfile.ParseName(e.Name()); ok {
			t.Fatalf("expected CBM directory to be purged, found %s", e.Name())
		}
	}
}

// TestForceTrackTimesOut checks the context-based timeout wiring: with no
// cycles advancing the tracked lsn, ForceTrack must give up when ctx
// expires.
func TestForceTrackTimesOut(t *testing.T) {
	dir := t.TempDir()
	reg := &walsource.FixtureRegister{}
	reg.Set(lsn.LSN(0x100))
	ctrl := &walsource.FixtureControlFile{}
	latch := &walsource.FixtureLatch{}
	source := &walsource.FixtureSource{}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = loop.ForceTrack(ctx, lsn.LSN(0x200))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, latch.Wakeups)
}

// TestForceTrackSatisfiedByCycle checks that a cycle advancing past the
// force-track target wakes a concurrent waiter.
func TestForceTrackSatisfiedByCycle(t *testing.T) {
	dir := t.TempDir()
	rel := testRel()
	reg := &walsource.FixtureRegister{}
	reg.Set(lsn.LSN(0x100))
	ctrl := &walsource.FixtureControlFile{}
	latch := &walsource.FixtureLatch{}
	source := &walsource.FixtureSource{Records: []walsource.Record{
		&walsource.FixtureRecord{
			At: lsn.LSN(0x100), End: lsn.LSN(0x200),
			Rmgr: walsource.RmHeapID, InfoVal: walsource.XlogHeapInsert,
			BlockRefs: []walsource.BlockRef{{Rel: rel, Fork: reltag.Main, Block: 1}},
		},
	}}

	loop, err := Open(dir, DefaultConfig(), source, ctrl, reg, latch, noopLog())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.ForceTrack(context.Background(), lsn.LSN(0x150))
	}()

	time.Sleep(10 * time.Millisecond)
	ctrl.Redo = lsn.LSN(0x200)
	require.NoError(t, loop.RunCycle(context.Background()))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ForceTrack did not return after a satisfying cycle")
	}
}
