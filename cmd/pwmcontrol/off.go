package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/config"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

var offCmd = &cobra.Command{
	Use:   "off",
	Short: "Force every output off",
	Long:  `Initialises the chip and turns all sixteen channels off, e.g. after a crashed run.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return allOff(pca9685.New(cfg.Opener(logger), logger), cfg)
	},
}

func allOff(driver pca9685.Interface, cfg config.Config) error {
	if err := driver.Init(int(cfg.Address), cfg.FastBus); err != nil {
		return errors.Wrap(err, "initialising PWM driver")
	}
	return multierr.Combine(driver.SetAllOff(), driver.Close())
}
