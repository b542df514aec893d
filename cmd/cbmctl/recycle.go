package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/internal/catalog"
)

func newRecycleCmd() *cobra.Command {
	var retainFromStr string

	cmd := &cobra.Command{
		Use:   "recycle",
		Short: "Delete sealed bitmap files no longer needed by any merge starting at retain-from",
		RunE: func(cmd *cobra.Command, args []string) error {
			retainFrom, err := parseLSN(retainFromStr)
			if err != nil {
				return err
			}

			removed, err := catalog.Recycle(flagDir, retainFrom)
			if err != nil {
				return err
			}
			for _, name := range removed {
				fmt.Println(name)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "removed %d file(s)\n", len(removed))
			return nil
		},
	}

	cmd.Flags().StringVar(&retainFromStr, "retain-from", "", "earliest LSN any future merge may still request (required)")
	_ = cmd.MarkFlagRequired("retain-from")
	return cmd
}
