package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/consulta-engine/internal/storage/wal"
)

// buildWALCommand groups the offline WAL inspection tools. They read the file
// directly and are safe to run next to a live engine.
func buildWALCommand() *cobra.Command {
	var path string

	walPath := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.Scheduler.WALPath, nil
	}

	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the scheduler write-ahead log",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "WAL file (default: scheduler.wal_path from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print every event",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath()
			if err != nil {
				return err
			}
			return wal.DumpWAL(p, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize events by type",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath()
			if err != nil {
				return err
			}
			stats, err := wal.GetWALStats(p)
			if err != nil {
				return err
			}
			printWALStats(cmd.OutOrStdout(), p, stats)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check checksums and sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := walPath()
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(p); err != nil {
				return fmt.Errorf("WAL %s is invalid: %w", p, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "WAL %s is valid\n", p)
			return nil
		},
	})

	return cmd
}

func printWALStats(out io.Writer, path string, s *wal.WALStats) {
	fmt.Fprintf(out, "WAL:        %s\n", path)
	fmt.Fprintf(out, "Events:     %d\n", s.TotalEvents)
	if s.TotalEvents == 0 {
		return
	}
	fmt.Fprintf(out, "Seq range:  %d..%d\n", s.FirstSeq, s.LastSeq)
	fmt.Fprintf(out, "Time range: %s .. %s\n",
		time.UnixMilli(s.TimeRange[0]).UTC().Format(time.RFC3339),
		time.UnixMilli(s.TimeRange[1]).UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Corrupted:  %d\n", s.CorruptedCount)

	kinds := make([]string, 0, len(s.EventTypes))
	for k := range s.EventTypes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "  %-12s %d\n", k, s.EventTypes[wal.EventType(k)])
	}
}
