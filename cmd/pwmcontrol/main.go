package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/config"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/devicecontrol"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "pwmcontrol",
	Short:         "Drive motors and servos through a PCA9685",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults only if empty)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(offCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		newLogger().Errorw("pwmcontrol failed", "error", err)
		os.Exit(1)
	}
}

func newLogger() golog.Logger {
	if debug {
		return golog.NewDevelopmentLogger("pwmcontrol")
	}
	return golog.NewLogger("pwmcontrol")
}

// bringUp loads the config, binds every configured device and starts the scan.
func bringUp(logger golog.Logger) (*devicecontrol.DeviceControl, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	driver := pca9685.New(cfg.Opener(logger), logger)
	dc := devicecontrol.New(driver, logger)
	dc.FastBus = cfg.FastBus

	if err := cfg.Bind(dc); err != nil {
		return nil, err
	}
	if err := dc.InitDevice(int(cfg.Address), cfg.Frequency, cfg.UpdateRate); err != nil {
		if closeErr := dc.Dispose(); closeErr != nil {
			logger.Warnw("error releasing driver", "error", closeErr)
		}
		return nil, errors.Wrap(err, "starting device control")
	}
	return dc, nil
}

func registerSignalHandlers(logger golog.Logger, cancelFunc context.CancelFunc) {
	// Hook Ctrl-C to cause shut down.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		logger.Infow("signal received, shutting down", "signal", s)
		cancelFunc()
	}()
}
