package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var statsInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop until interrupted",
	Long: `Initialises the chip, binds the configured motors and servos and scans them until
SIGINT or SIGTERM.  All outputs are turned off on the way out.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "How often to log scan statistics (0 disables)")
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	logger := newLogger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	registerSignalHandlers(logger, cancel)

	dc, err := bringUp(logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Infow("turning outputs off for shut down")
		err = multierr.Append(err, dc.Dispose())
	}()

	var statsC <-chan time.Time
	if statsInterval > 0 {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statsC:
			logger.Infow("scan statistics", "stats", dc.Stats(), "running", dc.Running())
		}
	}
}
