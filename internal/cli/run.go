package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaybot/mediarelay/internal/config"
	"github.com/relaybot/mediarelay/internal/logging"
	"github.com/relaybot/mediarelay/internal/supervisor"
)

// exitAlreadyRunning distinguishes "another instance holds the lock"
// from ordinary failures, so wrappers can tell the two apart.
const exitAlreadyRunning = 3

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon",
		Long: `Run restores the staged queues from disk and processes tasks until
interrupted. SIGINT and SIGTERM stop the daemon cleanly; in-flight
tasks are released back to their journals and resume on the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if verbose {
				level = "debug"
			}
			logger := logging.New(level)

			if config.AlbumCapClamped(cfg.AlbumSizeCap) {
				logger.Warn().Int("cap", config.PlatformAlbumCap).
					Msg("album_size_cap exceeds the platform limit, clamped")
			}

			sup, err := supervisor.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sup.Run(ctx); err != nil {
				if errors.Is(err, supervisor.ErrAlreadyRunning) {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitAlreadyRunning)
				}
				return err
			}
			return nil
		},
	}
}
