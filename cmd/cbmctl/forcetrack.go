package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/internal/catalog"
	"github.com/cbmengine/cbm/internal/cbmfile"
	"github.com/cbmengine/cbm/internal/lsn"
)

// newForceTrackCmd waits for the writer's tracked LSN to reach a target.
//
// engine.Engine.ForceTrack publishes a target under the parse lock and
// waits on an in-process channel — that only works for a caller sharing
// memory with the running writer loop. cbmctl is a separate OS process,
// so it has no such channel to wait on; instead it polls the durable,
// on-disk tracked LSN the same way any other reader would (spec §5: a
// reader observing tracked_lsn >= L is guaranteed every file covering
// [_, L] is fsync'd). It cannot wake the writer's latch directly, so this
// command is only useful when some other process is already driving
// writer cycles forward.
func newForceTrackCmd() *cobra.Command {
	var targetStr, timeoutStr string

	cmd := &cobra.Command{
		Use:   "force-track",
		Short: "Wait until the tracked LSN reaches target, polling the CBM directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseLSN(targetStr)
			if err != nil {
				return err
			}

			timeout, err := time.ParseDuration(timeoutStr)
			if err != nil {
				return fmt.Errorf("invalid --timeout: %w", err)
			}
			if timeout < 0 {
				return fmt.Errorf("--timeout must not be negative")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tracked, err := waitForTrackedLSN(ctx, flagDir, target)
			if err != nil {
				return err
			}
			fmt.Println(tracked)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetStr, "target", "", "LSN to wait for (required)")
	cmd.Flags().StringVar(&timeoutStr, "timeout", "30s", "how long to wait before giving up")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func waitForTrackedLSN(ctx context.Context, dir string, target lsn.LSN) (lsn.LSN, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		tracked, err := currentTrackedLSN(dir)
		if err != nil {
			return lsn.Invalid, err
		}
		if tracked >= target {
			return tracked, nil
		}

		select {
		case <-ctx.Done():
			return lsn.Invalid, fmt.Errorf("force-track: timed out waiting for tracked lsn to reach %s (currently %s)", target, tracked)
		case <-ticker.C:
		}
	}
}

// currentTrackedLSN derives the durable tracked LSN straight from the
// catalog's tail file: a sealed tail's End, or a live tail's last valid
// last-in-batch page's BatchEnd (validated without truncating, since a
// reader must never mutate catalog files).
func currentTrackedLSN(dir string) (lsn.LSN, error) {
	names, err := catalog.List(dir, lsn.Invalid, lsn.LSN(math.MaxUint64), true)
	if err != nil {
		return lsn.Invalid, err
	}
	if len(names) == 0 {
		return lsn.Invalid, nil
	}

	tail := names[len(names)-1]
	if tail.Sealed() {
		return tail.End, nil
	}

	tracked, _, err := cbmfile.Validate(dir, tail, false)
	return tracked, err
}
