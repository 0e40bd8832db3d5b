package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybot/mediarelay/internal/config"
	"github.com/relaybot/mediarelay/internal/supervisor"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last advisory snapshot and the failed index",
		Long: `Status reads the advisory snapshot and the quarantine index from the
data directory without touching the queue journals. The snapshot is
written on a timer by a running daemon, so the figures may lag by up
to one snapshot interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.SnapshotPath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no snapshot yet; is the daemon running?")
					return nil
				}
				return err
			}
			var snap supervisor.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("parsing snapshot: %w", err)
			}

			if asJSON {
				out, _ := json.MarshalIndent(snap, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("snapshot written %s (%s ago)\n",
				snap.WrittenAt.Format(time.RFC3339), time.Since(snap.WrittenAt).Round(time.Second))
			for _, stage := range []string{"download", "process", "upload"} {
				fmt.Printf("  %-9s %d pending, %d in flight\n",
					stage, snap.Pending[stage], len(snap.InFlight[stage]))
				for _, t := range snap.InFlight[stage] {
					fmt.Printf("            - %s (%s, attempt %d)\n", t.Name, t.Type, t.Attempt)
				}
			}
			if len(snap.Conversions) > 0 {
				fmt.Printf("  conversions:")
				for status, n := range snap.Conversions {
					fmt.Printf(" %s=%d", status, n)
				}
				fmt.Println()
			}

			records, err := readFailedIndex(cfg)
			if err != nil {
				return err
			}
			if len(records) > 0 {
				fmt.Printf("  quarantined: %d\n", len(records))
				for _, r := range records {
					fmt.Printf("            - %s (%s, %s)\n", r.Name, r.Class, r.Time.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "raw JSON output")
	return cmd
}

func readFailedIndex(cfg *config.Config) ([]supervisor.FailedRecord, error) {
	data, err := os.ReadFile(cfg.FailedPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []supervisor.FailedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing failed index: %w", err)
	}
	return records, nil
}
