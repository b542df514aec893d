package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/internal/catalog"
	"github.com/cbmengine/cbm/internal/lsn"
)

func newListCmd() *cobra.Command {
	var startStr, endStr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the bitmap files covering an LSN range (all files by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end := lsn.Invalid, lsn.LSN(math.MaxUint64)
			var err error
			if startStr != "" {
				if start, err = parseLSN(startStr); err != nil {
					return err
				}
			}
			if endStr != "" {
				if end, err = parseLSN(endStr); err != nil {
					return err
				}
			}

			names, err := catalog.List(flagDir, start, end, false)
			if err != nil {
				return err
			}

			for _, n := range names {
				endDisplay := "open"
				if n.Sealed() {
					endDisplay = n.End.String()
				}
				fmt.Printf("seq=%d\t%s\tstart=%s\tend=%s\n", n.Seq, n.Filename, n.Start, endDisplay)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "range start LSN (default: beginning)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end LSN (default: end)")
	return cmd
}
