package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbmengine/cbm/internal/merge"
)

func newMergeCmd() *cobra.Command {
	var startStr, endStr string
	var toFile bool

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge bitmap files covering [start, end] into a consumer-facing result",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseLSN(startStr)
			if err != nil {
				return err
			}
			end, err := parseLSN(endStr)
			if err != nil {
				return err
			}

			m := merge.New(flagDir, logger())

			if toFile {
				result, err := m.MergeToFile(start, end)
				if err != nil {
					return err
				}
				fmt.Printf("%s\n", result.Filename)
				return nil
			}

			arr, err := m.Merge(start, end)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(mergedArrayJSON(arr))
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "merge window start LSN (required)")
	cmd.Flags().StringVar(&endStr, "end", "", "merge window end LSN (required)")
	cmd.Flags().BoolVar(&toFile, "to-file", false, "write a merged file instead of printing a JSON array")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// jsonEntry mirrors merge.MergedEntry with JSON-friendly field names; the
// internal type carries no json tags since it is consumed in-process by
// the engine package's other callers, not serialized there.
type jsonEntry struct {
	Tag           string   `json:"tag"`
	ChangeKind    uint8    `json:"change_kind"`
	TruncateBlock uint32   `json:"truncate_block,omitempty"`
	Blocks        []uint32 `json:"blocks"`
}

type jsonArray struct {
	StartLSN string      `json:"start_lsn"`
	EndLSN   string      `json:"end_lsn"`
	Entries  []jsonEntry `json:"entries"`
}

func mergedArrayJSON(a *merge.MergedArray) jsonArray {
	out := jsonArray{StartLSN: a.StartLSN.String(), EndLSN: a.EndLSN.String()}
	for _, e := range a.Entries {
		out.Entries = append(out.Entries, jsonEntry{
			Tag:           e.Tag.String(),
			ChangeKind:    uint8(e.ChangeKind),
			TruncateBlock: e.TruncateBlock,
			Blocks:        e.Blocks,
		})
	}
	return out
}
