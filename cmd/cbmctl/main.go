// Command cbmctl is the thin command-line surface spec §1 calls out:
// "triggers force-track, merge, and recycle." list, merge and recycle are
// shims over the catalog and merge packages, force-track polls the on-disk
// tracked LSN, and run drives the engine package; cbmctl owns no state of
// its own beyond what it reads from flags and the CBM directory on disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/internal/cbmlog"
)

var (
	flagDir    string
	flagPretty bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cbmctl",
		Short: "Operate a change block map engine's CBM file directory",
		Long: `cbmctl drives a change block map (CBM) engine from the command line:
waiting for the tracked LSN to reach a given LSN (force-track), merging a
bitmap file range into a consumer-facing artifact, listing the catalog,
and recycling sealed files no longer needed by any future merge.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagDir, "dir", "", "CBM directory (required)")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable log output instead of JSON")
	_ = root.MarkPersistentFlagRequired("dir")

	root.AddCommand(newListCmd())
	root.AddCommand(newMergeCmd())
	root.AddCommand(newRecycleCmd())
	root.AddCommand(newForceTrackCmd())
	root.AddCommand(newRunCmd())

	return root
}

func logger() cbmlog.Logger {
	return cbmlog.New(os.Stderr, flagPretty)
}
