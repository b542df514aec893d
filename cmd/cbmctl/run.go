package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/engine"
	"github.com/cbmengine/cbm/internal/lsn"
	"github.com/cbmengine/cbm/internal/walsource"
	"github.com/cbmengine/cbm/internal/writer"
	"github.com/cbmengine/cbm/internal/xlogreader"
)

// newRunCmd drives the engine against a real WAL directory, the one
// subcommand that is a long-running process rather than a one-shot
// query. It supplies the host-side collaborators spec §1 leaves external
// (ControlFileReader, TrackedLSNRegister, Latch) with the simplest
// correct implementations a standalone CLI can offer: a checkpoint-redo
// value re-read from a plain text file each cycle (a real host normally
// reads this straight out of pg_control; decoding that binary struct is
// out of scope here, see DESIGN.md) and a tracked-LSN register persisted
// to another text file so a restart resumes from where it left off.
func newRunCmd() *cobra.Command {
	var walDir, redoFile, registerFile string
	var segSize int64
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the writer loop against a real WAL directory until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := &fileRegister{path: registerFile}
			ctrl := &fileControlFile{path: redoFile}
			latch := &noopLatch{}
			source := xlogreader.NewSource(walDir, segSize)

			e, err := engine.Open(engine.Config{Dir: flagDir, Writer: writer.DefaultConfig()}, source, ctrl, reg, latch, logger())
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if once {
				return e.Cycle(ctx)
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := e.Cycle(ctx); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&walDir, "wal-dir", "", "directory of real WAL segment files (required)")
	cmd.Flags().StringVar(&redoFile, "redo-file", "", "path to a text file holding the current checkpoint redo LSN (required)")
	cmd.Flags().StringVar(&registerFile, "register-file", "", "path to a text file persisting the tracked LSN across restarts (required)")
	cmd.Flags().Int64Var(&segSize, "wal-segment-size", xlogreader.DefaultSegmentSize, "WAL segment size in bytes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "time between writer cycles")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit instead of looping")
	_ = cmd.MarkFlagRequired("wal-dir")
	_ = cmd.MarkFlagRequired("redo-file")
	_ = cmd.MarkFlagRequired("register-file")
	return cmd
}

// fileControlFile reads the checkpoint redo LSN from a plain text file
// (hex "hi/lo", the same format lsn.LSN.String produces) on every call,
// so an external process can update it without restarting cbmctl.
type fileControlFile struct {
	path string
}

func (f *fileControlFile) CheckpointRedo() (lsn.LSN, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return lsn.Invalid, nil
		}
		return lsn.Invalid, fmt.Errorf("run: read redo file: %w", err)
	}
	return parseLSN(strings.TrimSpace(string(data)))
}

func (f *fileControlFile) TimelineID() (uint32, error) { return 1, nil }

// fileRegister persists the tracked LSN as a decimal string in a small
// file, read on Get and rewritten on every Set.
type fileRegister struct {
	path string
}

func (r *fileRegister) Get() lsn.LSN {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return lsn.Invalid
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return lsn.Invalid
	}
	return lsn.LSN(v)
}

func (r *fileRegister) Set(v lsn.LSN) {
	_ = os.WriteFile(r.path, []byte(strconv.FormatUint(uint64(v), 10)), 0600)
}

// noopLatch satisfies walsource.Latch for the single-process run loop,
// which drives cycles on its own ticker rather than being woken by a
// force-track request from another process.
type noopLatch struct{}

func (noopLatch) Wake() {}

var _ walsource.Latch = noopLatch{}
