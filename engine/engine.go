// Package engine is the public handle for the change block map engine:
// the single entry point a hosting process (or the cmd/cbmctl CLI) opens
// once and drives through Cycle, ForceTrack, Merge, and Recycle. It wires
// together internal/writer (the parse loop), internal/merge (the read
// path), and internal/catalog (recycling) behind one API, matching spec
// §9's "global mutable state becomes an explicit engine handle struct
// owned by the host" design note.
package engine

import (
	"context"

	"github.com/cbmengine/cbm/internal/catalog"
	"github.com/cbmengine/cbm/internal/cbmlog"
	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/merge"
	"github.com/cbmengine/cbm/internal/walsource"
	"github.com/cbmengine/cbm/internal/writer"
)

// Config bundles the writer-loop tunables with the directory the engine
// manages. It mirrors the teacher's Options pattern (pgdump.Options):
// a plain struct of scalars, not a loaded config file (spec §6 lists the
// tunables as a handful of scalars owned by the host process).
type Config struct {
	Dir    string
	Writer writer.Config
}

// Engine is the process-wide CBM handle.
type Engine struct {
	dir    string
	loop   *writer.Loop
	merger *merge.Merger
	log    cbmlog.Logger
}

// Open initializes the engine over cfg.Dir: it resumes or creates the
// live bitmap file (writer.Open) and is ready for Cycle/ForceTrack/Merge/
// Recycle calls.
func Open(cfg Config, source walsource.RecordSource, ctrl walsource.ControlFileReader, reg walsource.TrackedLSNRegister, latch walsource.Latch, log cbmlog.Logger) (*Engine, error) {
	loop, err := writer.Open(cfg.Dir, cfg.Writer, source, ctrl, reg, latch, log)
	if err != nil {
		return nil, err
	}
	return &Engine{
		dir:    cfg.Dir,
		loop:   loop,
		merger: merge.New(cfg.Dir, log),
		log:    log.With("engine"),
	}, nil
}

// Close releases the engine's open file handle. It does not affect
// sealed catalog files.
func (e *Engine) Close() error {
	return e.loop.Close()
}

// Cycle runs one writer-loop cycle (spec §4.F).
func (e *Engine) Cycle(ctx context.Context) error {
	return e.loop.RunCycle(ctx)
}

// ForceTrack waits until the writer has advanced to at least target;
// running cycles is the caller's responsibility (a host process typically
// pairs a background goroutine looping Cycle with ForceTrack callers
// waking it via the Latch); ForceTrack itself only publishes the target
// and waits (spec §4.F step 3, SUPPLEMENTED FEATURES #4).
func (e *Engine) ForceTrack(ctx context.Context, target lsn.LSN) error {
	return e.loop.ForceTrack(ctx, target)
}

// TrackedLSN returns the most recently published tracked LSN.
func (e *Engine) TrackedLSN() lsn.LSN {
	return e.loop.TrackedLSN()
}

// LastError returns the sticky error surfaced to monitoring (spec
// SUPPLEMENTED FEATURES #3), or nil after a successful cycle.
func (e *Engine) LastError() error {
	return e.loop.LastError()
}

// Merge returns the in-memory merged array covering [start, end] (spec
// §4.G step 4b).
func (e *Engine) Merge(start, end lsn.LSN) (*merge.MergedArray, error) {
	return e.merger.Merge(start, end)
}

// MergeToFile writes a merged bitmap file covering [start, end] (spec
// §4.G step 4a).
func (e *Engine) MergeToFile(start, end lsn.LSN) (*merge.MergeResult, error) {
	return e.merger.MergeToFile(start, end)
}

// Recycle deletes sealed files no longer needed because every future
// merge request will start at or after retainFrom.
func (e *Engine) Recycle(retainFrom lsn.LSN) ([]string, error) {
	removed, err := catalog.Recycle(e.dir, retainFrom)
	if err != nil {
		return removed, err
	}
	e.log.Info().Int("removed", len(removed)).Str("retain_from", retainFrom.String()).Msg("recycled sealed cbm files")
	return removed, nil
}
