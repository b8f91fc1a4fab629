package devicecontrol

import (
	"github.com/pkg/errors"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

// errScanCancelled stops a scan whose write completed after Cancel began.  Nothing is recorded
// for that write.
var errScanCancelled = errors.New("scan cancelled")

// Tick runs one scan over every bound motor and servo.  It returns false without doing
// anything if another scan is still running; that counts as an overrun.
//
// A transport fault abandons the rest of the scan.  The driver then stays not ready, and
// later scans skip hardware writes, until InitDevice succeeds again.
//
// After Cancel no further writes are made until InitDevice re-arms the controller.
func (c *DeviceControl) Tick() bool {
	if !c.scanning.CompareAndSwap(false, true) {
		c.reportOverrun()
		return false
	}
	defer c.scanning.Store(false)
	defer c.finishAbandoned()

	c.scans.Add(1)

	if !c.driver.Ready() {
		n := c.notReadyRuns.Add(1)
		if c.warnLimit.Allow() {
			c.log.Warnw("PWM driver not ready; scan skipped", "notReady", n)
		}
		return true
	}

	motors, servos := c.boundSlots()
	if c.servosStale.Swap(false) {
		for _, s := range servos {
			s.scanned = false
		}
	}

	for _, m := range motors {
		if c.cancelling.Load() {
			return true
		}
		if err := c.controlMotor(m); err != nil {
			if err != errScanCancelled {
				c.reportFault("motor", m.Config().PWMChannel, err)
			}
			return true
		}
	}
	for _, s := range servos {
		if c.cancelling.Load() {
			return true
		}
		if err := c.controlServo(s); err != nil {
			if err != errScanCancelled {
				c.reportFault("servo", s.Config().PWMChannel, err)
			}
			return true
		}
	}
	return true
}

// finishAbandoned runs as a scan exits.  If Cancel gave up waiting for this scan, writes made
// after Cancel's all-off may have energised outputs, so they are forced off again.
func (c *DeviceControl) finishAbandoned() {
	if !c.cancelling.Load() || !c.abandoned.Swap(false) {
		return
	}
	if err := c.driver.SetAllOff(); err != nil && !errors.Is(err, pca9685.ErrNotReady) {
		c.log.Errorw("failed to turn outputs off after late scan", "error", err)
	}
	c.markStopped()
	c.log.Warnw("late scan finished after cancel; outputs forced off again")
}

// written checks a completed write.  Writes that land once cancelling has begun are not
// recorded in status.
func (c *DeviceControl) written(err error) error {
	if err != nil {
		return err
	}
	if c.cancelling.Load() {
		return errScanCancelled
	}
	return nil
}

func (c *DeviceControl) reportFault(kind string, channel int, err error) {
	n := c.faults.Add(1)
	c.log.Errorw("scan aborted by hardware fault", "device", kind, "pwmChannel", channel, "faults", n, "error", err)
}

func (c *DeviceControl) controlMotor(m *Motor) error {
	cfg := m.Config()
	cmd := m.takeCommand()
	counts := cfg.Counts(cmd.Speed)
	running := m.Status().Running

	if cmd.Start && !running {
		if err := c.selectDirection(m, cmd.Reverse); err != nil {
			return err
		}
		if err := c.written(c.driver.SetPWM(cfg.PWMChannel, pca9685.MinCounts, uint16(counts))); err != nil {
			return err
		}
		m.countsLastScan = counts
		m.updateStatus(func(sts *MotorStatus) {
			sts.Running = true
			sts.Counts = counts
		})
		running = true
	}

	if cmd.Stop && running {
		if err := c.written(c.driver.SetChannelOff(cfg.RevChannel)); err != nil {
			return err
		}
		m.updateStatus(func(sts *MotorStatus) { sts.Reverse = false })
		if err := c.written(c.driver.SetChannelOff(cfg.FwdChannel)); err != nil {
			return err
		}
		m.updateStatus(func(sts *MotorStatus) { sts.Forward = false })
		if err := c.written(c.driver.SetChannelOff(cfg.PWMChannel)); err != nil {
			return err
		}
		m.countsLastScan = counts
		m.updateStatus(func(sts *MotorStatus) {
			sts.Running = false
			sts.Counts = 0
		})
		running = false
	}

	if running && counts != m.countsLastScan {
		if err := c.written(c.driver.SetPWM(cfg.PWMChannel, pca9685.MinCounts, uint16(counts))); err != nil {
			return err
		}
		m.countsLastScan = counts
		m.updateStatus(func(sts *MotorStatus) { sts.Counts = counts })
	}

	if running && cmd.Reverse != m.directionLastScan {
		if err := c.selectDirection(m, cmd.Reverse); err != nil {
			return err
		}
	}
	return nil
}

// selectDirection switches the H-bridge.  The channel being released is always turned off
// before the other is turned on, so both sides are never driven together.
func (c *DeviceControl) selectDirection(m *Motor, reverse bool) error {
	cfg := m.Config()
	on, off := cfg.FwdChannel, cfg.RevChannel
	if reverse {
		on, off = off, on
	}

	if err := c.written(c.driver.SetChannelOff(off)); err != nil {
		return err
	}
	m.updateStatus(func(sts *MotorStatus) {
		if reverse {
			sts.Forward = false
		} else {
			sts.Reverse = false
		}
	})

	if err := c.written(c.driver.SetChannelOn(on)); err != nil {
		return err
	}
	m.updateStatus(func(sts *MotorStatus) {
		sts.Forward = !reverse
		sts.Reverse = reverse
	})
	m.directionLastScan = reverse
	return nil
}

func (c *DeviceControl) controlServo(s *Servo) error {
	cfg := s.Config()
	commanded := s.Position()
	position := cfg.clampPosition(commanded)
	if s.scanned && position == s.positionLastScan {
		return nil
	}

	counts := cfg.Counts(position, c.driver.Frequency())
	if err := c.written(c.driver.SetPWM(cfg.PWMChannel, pca9685.MinCounts, uint16(counts))); err != nil {
		return err
	}

	s.positionLastScan = position
	s.scanned = true
	s.updateStatus(func(sts *ServoStatus) {
		sts.Position = commanded
		sts.Counts = counts
		sts.Applied = true
	})
	return nil
}
