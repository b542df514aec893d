// Package writer implements the writer loop of spec §4.F: the
// single-threaded cycle that acquires the parse lock, determines the
// next parse window from checkpoint and force-track state, drives the
// WAL extractor, flushes the page hash to the open bitmap file, and
// advances the tracked LSN.
package writer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cbmengine/cbm/internal/bitmap"
	"github.com/cbmengine/cbm/internal/catalog"
	"github.com/cbmengine/cbm/internal/cbmerr"
	"github.com/cbmengine/cbm/internal/cbmfile"
	"github.com/cbmengine/cbm/internal/cbmlog"
	"github.com/cbmengine/cbm/internal/extractor"
	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/pagehash"
	"github.com/cbmengine/cbm/internal/reltag"
	"github.com/cbmengine/cbm/internal/walsource"
)

// Config carries the tunables of spec §6, matching the teacher's
// plain-struct Options pattern (pgdump.Options, pgdump.SegmentOptions).
type Config struct {
	// EnableTracking gates ForceTrack; when false, force-track requests
	// are refused outright.
	EnableTracking bool
	// MaxFileSize is the rotation threshold in bytes.
	MaxFileSize int64
	// MaxFreePages bounds the recycled page arena; a negative value
	// means unbounded.
	MaxFreePages int
}

// DefaultConfig returns reasonable defaults: tracking enabled, 16MiB
// rotation threshold, a 10000-page free-list cap.
func DefaultConfig() Config {
	return Config{
		EnableTracking: true,
		MaxFileSize:    16 << 20,
		MaxFreePages:   10000,
	}
}

// Loop is the engine handle of spec §9's "global mutable state becomes an
// explicit engine handle struct" design note: it owns the live page hash,
// the open writer file, the pending force-track target, and the
// tracked-LSN cache, all guarded by one parse lock.
type Loop struct {
	dir string
	cfg Config

	source walsource.RecordSource
	ctrl   walsource.ControlFileReader
	reg    walsource.TrackedLSNRegister
	latch  walsource.Latch
	log    cbmlog.Logger

	mu sync.Mutex

	hash *pagehash.Hash
	file *cbmfile.Writer

	trackedLSN           lsn.LSN
	firstCheckpointSeen  bool
	needsReset           bool
	lastErr              error
	pendingForceTarget lsn.LSN
	forceJustPublished bool
	waiters            []chan struct{}
}

// Open initializes a writer loop over dir: it ensures the CBM home
// directory exists (spec SUPPLEMENTED FEATURES #2), scans the catalog for
// an existing unsealed file to resume (truncating any trailing corrupt
// tail per §4.B recovery) or starts a brand-new file at the register's
// current tracked LSN.
func Open(dir string, cfg Config, source walsource.RecordSource, ctrl walsource.ControlFileReader, reg walsource.TrackedLSNRegister, latch walsource.Latch, log cbmlog.Logger) (*Loop, error) {
	if err := catalog.EnsureHome(dir); err != nil {
		return nil, cbmerr.Fatal(err)
	}

	names, err := catalog.List(dir, lsn.Invalid, lsn.LSN(math.MaxUint64), true)
	if err != nil {
		return nil, cbmerr.Fatal(err)
	}

	h := pagehash.New()
	h.SetFreeListCap(cfg.MaxFreePages)

	l := &Loop{
		dir:    dir,
		cfg:    cfg,
		source: source,
		ctrl:   ctrl,
		reg:    reg,
		latch:  latch,
		log:    log.With("writer"),
		hash:   h,
	}

	if len(names) == 0 {
		start := reg.Get()
		f, cerr := cbmfile.CreateNew(dir, 1, start)
		if cerr != nil {
			return nil, cbmerr.Fatal(cerr)
		}
		l.file = f
		l.trackedLSN = start
		reg.Set(start)
		return l, nil
	}

	last := names[len(names)-1]
	if last.Sealed() {
		f, cerr := cbmfile.CreateNew(dir, last.Seq+1, last.End)
		if cerr != nil {
			return nil, cbmerr.Fatal(cerr)
		}
		l.file = f
		l.trackedLSN = last.End
		reg.Set(last.End)
		return l, nil
	}

	tracked, size, verr := cbmfile.Validate(dir, last, true)
	if verr != nil {
		return nil, cbmerr.Fatal(verr)
	}
	if !tracked.Valid() {
		tracked = last.Start
	}
	f, cerr := cbmfile.ResumeOpen(dir, last.Seq, last.Start, tracked, size)
	if cerr != nil {
		return nil, cbmerr.Fatal(cerr)
	}
	l.file = f
	l.trackedLSN = tracked
	reg.Set(tracked)
	return l, nil
}

// Close closes the currently open bitmap file without sealing it.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// TrackedLSN returns the most recently published tracked LSN.
func (l *Loop) TrackedLSN() lsn.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trackedLSN
}

// LastError returns the sticky xlogParseFailed-style error surfaced to
// monitoring (spec SUPPLEMENTED FEATURES #3), cleared only by a
// successful cycle.
func (l *Loop) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// RunCycle executes one writer-loop cycle (spec §4.F, steps 1-9). The
// parse lock is held for the cycle's full duration, across directory
// reset, extractor drive, and flush, matching spec §5's concurrency
// model.
func (l *Loop) RunCycle(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.needsReset {
		if err := l.resetLocked(); err != nil {
			return err
		}
		l.needsReset = false
	}

	redo, err := l.ctrl.CheckpointRedo()
	if err != nil {
		return cbmerr.Fatal(fmt.Errorf("writer: read checkpoint redo: %w", err))
	}
	if redo.Valid() {
		l.firstCheckpointSeen = true
	}

	start := l.trackedLSN
	end := redo
	endIsRecordBoundary := false
	forceJustPublished := l.forceJustPublished
	l.forceJustPublished = false

	if l.pendingForceTarget.Valid() && l.pendingForceTarget > start && l.pendingForceTarget > end {
		end = l.pendingForceTarget
		endIsRecordBoundary = true
	}

	switch {
	case end < start:
		if forceJustPublished {
			l.log.Debug().Msg("force-track target already behind tracked lsn, treating as satisfied")
			l.satisfyForceTrackLocked(start)
			return nil
		}
		if !l.firstCheckpointSeen {
			l.log.Warn().
				Str("tracked_lsn", start.String()).
				Str("checkpoint_redo", end.String()).
				Msg("checkpoint redo behind tracked lsn before first checkpoint since recovery; skipping cycle")
			return nil
		}
		return l.destructiveInconsistencyLocked(start, end)
	case end == start:
		return nil
	}

	actualEnd, driveErr := l.drive(start, end, endIsRecordBoundary)
	if driveErr != nil {
		l.lastErr = driveErr
		return driveErr
	}
	end = actualEnd
	if end <= start {
		return nil
	}

	if l.hash.TotalPages() == 0 {
		l.emitDummy()
	}

	if err := l.flush(start, end); err != nil {
		wrapped := cbmerr.Fatal(err)
		l.lastErr = wrapped
		return wrapped
	}

	l.trackedLSN = end
	l.reg.Set(end)
	l.satisfyForceTrackLocked(end)
	l.hash.Recycle()
	l.lastErr = nil

	l.log.Info().
		Str("start", start.String()).
		Str("end", end.String()).
		Int64("file_size", l.file.Size()).
		Msg("writer cycle flushed batch")

	return nil
}

// drive pulls records from start until reaching a record whose post-end
// LSN is >= end, applying each to the page hash (spec §4.F step 5). On a
// WAL read error, a required record boundary makes the error fatal;
// otherwise the achieved end LSN is returned and the caller proceeds with
// a partial window.
func (l *Loop) drive(start, end lsn.LSN, endIsRecordBoundary bool) (lsn.LSN, error) {
	cur := start
	actualEnd := start

	for {
		rec, err := l.source.ReadRecord(cur)
		if err != nil {
			if endIsRecordBoundary {
				return actualEnd, cbmerr.Fatal(fmt.Errorf("writer: %w while a record boundary was required: %v", ErrXlogParseFailed, err))
			}
			l.log.Warn().Err(err).Str("achieved_end", actualEnd.String()).Msg("wal read error short of target end; continuing with partial window")
			return actualEnd, nil
		}

		if rec.LSN() >= end {
			return actualEnd, nil
		}

		extractor.Apply(l.hash, rec)
		actualEnd = rec.EndLSN()
		cur = actualEnd

		if actualEnd >= end {
			return actualEnd, nil
		}
	}
}

// emitDummy inserts the Dummy lifecycle page so a cycle that produced no
// changes still yields a non-empty batch, keeping the LSN chain
// contiguous (spec §4.F step 6, GLOSSARY "Dummy page").
func (l *Loop) emitDummy() {
	hdr := bitmap.Header{
		Rel:           reltag.Dummy.Rel,
		Fork:          reltag.Dummy.Fork,
		FirstBlock:    bitmap.InvalidBlock,
		TruncateBlock: bitmap.InvalidBlock,
	}
	l.hash.InsertPage(reltag.Dummy, l.hash.NewPage(hdr))
}

// flush writes every resident page to the open file as one batch (spec
// §4.F step 7): entries are visited in a deterministic tag order and
// their pages sorted by FirstBlock, so the written order is stable across
// runs; the global last page of the flattened sequence is marked
// is_last_in_batch by cbmfile.Writer.WriteBatch. Rotation follows if the
// file has grown past the configured threshold.
func (l *Loop) flush(start, end lsn.LSN) error {
	tags := l.hash.AllTags()
	sort.Slice(tags, func(i, j int) bool { return tagLess(tags[i], tags[j]) })

	var pages []*bitmap.Page
	for _, tag := range tags {
		e, ok := l.hash.Get(tag)
		if !ok {
			continue
		}
		sorted := append([]*bitmap.Page(nil), e.Pages...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Header.FirstBlock < sorted[j].Header.FirstBlock })
		pages = append(pages, sorted...)
	}

	if err := l.file.WriteBatch(pages, start, end); err != nil {
		return err
	}

	if l.file.Size() >= l.cfg.MaxFileSize {
		next, err := l.file.Rotate()
		if err != nil {
			return fmt.Errorf("writer: rotate: %w", err)
		}
		l.file = next
	}

	return nil
}

func tagLess(a, b reltag.PageTag) bool {
	if a.Rel.SpcOID != b.Rel.SpcOID {
		return a.Rel.SpcOID < b.Rel.SpcOID
	}
	if a.Rel.DbOID != b.Rel.DbOID {
		return a.Rel.DbOID < b.Rel.DbOID
	}
	if a.Rel.RelOID != b.Rel.RelOID {
		return a.Rel.RelOID < b.Rel.RelOID
	}
	return a.Fork < b.Fork
}

// resetLocked discards transient memory and re-initializes catalog state
// by scanning the directory (spec §4.F step 2), invoked when a previous
// cycle signaled needsReset (e.g. after a destructive-inconsistency
// purge).
func (l *Loop) resetLocked() error {
	l.hash.Reset()
	if l.file != nil {
		_ = l.file.Close()
	}

	if err := catalog.EnsureHome(l.dir); err != nil {
		return cbmerr.Fatal(err)
	}

	start := l.reg.Get()
	f, err := cbmfile.CreateNew(l.dir, 1, start)
	if err != nil {
		return cbmerr.Fatal(err)
	}
	l.file = f
	l.trackedLSN = start
	l.firstCheckpointSeen = false
	l.lastErr = nil
	return nil
}

// destructiveInconsistencyLocked implements spec §7's destructive
// severity: purge the entire CBM directory and surface a fatal error that
// forces a restart from scratch.
func (l *Loop) destructiveInconsistencyLocked(start, end lsn.LSN) error {
	l.log.Error().
		Str("tracked_lsn", start.String()).
		Str("end_lsn", end.String()).
		Msg("destructive inconsistency detected (xlog rewind, corruption, or cross-timeline restore); purging CBM directory")

	if l.file != nil {
		_ = l.file.Close()
	}
	entries, rerr := os.ReadDir(l.dir)
	if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		return cbmerr.Fatal(fmt.Errorf("writer: purge: read dir: %w", rerr))
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := cbmfile.ParseName(e.Name()); !ok {
			continue
		}
		if uerr := os.Remove(filepath.Join(l.dir, e.Name())); uerr != nil && !errors.Is(uerr, os.ErrNotExist) {
			return cbmerr.Fatal(fmt.Errorf("writer: purge: remove %s: %w", e.Name(), uerr))
		}
	}

	l.needsReset = true
	wrapped := cbmerr.Destructive(fmt.Errorf("end lsn %s < tracked lsn %s", end, start))
	l.lastErr = wrapped
	return wrapped
}

// satisfyForceTrackLocked clears the pending force-track target once
// reached, waking any ForceTrack waiters.
func (l *Loop) satisfyForceTrackLocked(reached lsn.LSN) {
	if l.pendingForceTarget.Valid() && reached >= l.pendingForceTarget {
		l.pendingForceTarget = lsn.Invalid
		for _, w := range l.waiters {
			close(w)
		}
		l.waiters = nil
	}
}

// ErrTrackingDisabled is returned by ForceTrack when the engine's
// EnableTracking tunable is false.
var ErrTrackingDisabled = errors.New("writer: force-track refused: tracking disabled")

// ErrXlogParseFailed marks a WAL read error encountered while a record
// boundary was required (spec SUPPLEMENTED FEATURES #3's sticky flag,
// surfaced here as a wrapped sentinel rather than a separate bool so
// LastError's value is self-describing).
var ErrXlogParseFailed = errors.New("xlog parse failed before reaching required record boundary")

// ForceTrack publishes target as the pending force-track goal (if it
// advances the current one) and waits, polling at 1ms intervals matching
// the original's pg_usleep(1000) loop (spec §4.F step 3, SUPPLEMENTED
// FEATURES #4), until the tracked LSN reaches it or ctx is done. Passing
// a context with no deadline and never cancelling it blocks until
// reached; callers wanting the original's "reject negative timeouts"
// behavior get it for free since a context deadline cannot be negative.
func (l *Loop) ForceTrack(ctx context.Context, target lsn.LSN) error {
	if !l.cfg.EnableTracking {
		return ErrTrackingDisabled
	}

	l.mu.Lock()
	if l.trackedLSN >= target {
		l.mu.Unlock()
		return nil
	}
	if target > l.pendingForceTarget {
		l.pendingForceTarget = target
		l.forceJustPublished = true
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	l.latch.Wake()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			return nil
		case <-ticker.C:
			l.mu.Lock()
			reached := l.trackedLSN >= target
			l.mu.Unlock()
			if reached {
				return nil
			}
		}
	}
}
