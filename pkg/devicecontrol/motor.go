package devicecontrol

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

// MotorConfig describes a DC motor wired to an H-bridge: two direction channels and one
// PWM speed channel.
type MotorConfig struct {
	PWMChannel int
	FwdChannel int
	RevChannel int
	MinSpeed   float64
	MaxSpeed   float64
}

func DefaultMotorConfig(pwmChannel, fwdChannel, revChannel int) MotorConfig {
	return MotorConfig{
		PWMChannel: pwmChannel,
		FwdChannel: fwdChannel,
		RevChannel: revChannel,
		MinSpeed:   0,
		MaxSpeed:   100,
	}
}

func (c MotorConfig) Channels() []int {
	return []int{c.PWMChannel, c.FwdChannel, c.RevChannel}
}

func (c MotorConfig) Validate() error {
	if err := validateChannels(c.Channels()...); err != nil {
		return err
	}
	if c.FwdChannel == c.RevChannel || c.PWMChannel == c.FwdChannel || c.PWMChannel == c.RevChannel {
		return errors.Wrapf(ErrInvalidConfiguration, "motor channels must be distinct: pwm=%d fwd=%d rev=%d",
			c.PWMChannel, c.FwdChannel, c.RevChannel)
	}
	if !finite(c.MinSpeed) || !finite(c.MaxSpeed) || c.MinSpeed > c.MaxSpeed {
		return errors.Wrapf(ErrInvalidConfiguration, "motor speed range [%v, %v]", c.MinSpeed, c.MaxSpeed)
	}
	return nil
}

// Counts clamps speed to the motor's range and scales it to PWM counts.  Fractional counts
// are truncated.
func (c MotorConfig) Counts(speed float64) int {
	if c.MinSpeed == c.MaxSpeed {
		return pca9685.MinCounts
	}
	if math.IsNaN(speed) || speed < c.MinSpeed {
		speed = c.MinSpeed
	} else if speed > c.MaxSpeed {
		speed = c.MaxSpeed
	}
	return int((speed-c.MinSpeed)*float64(pca9685.MaxCounts-pca9685.MinCounts)/(c.MaxSpeed-c.MinSpeed) + pca9685.MinCounts)
}

// MotorCommand is the mailbox written by the motor's user.  Start and Stop are one-shot: the
// control loop consumes them on its next scan.
type MotorCommand struct {
	Speed   float64
	Start   bool
	Stop    bool
	Reverse bool
}

// MotorStatus is written only by the control loop.  Forward and Reverse are never both true.
type MotorStatus struct {
	Running bool
	Forward bool
	Reverse bool
	Counts  int
}

type Motor struct {
	cfg MotorConfig

	lock sync.Mutex
	cmd  MotorCommand
	sts  MotorStatus

	// Last values written to the chip.  Only touched by the scan.
	countsLastScan    int
	directionLastScan bool
}

func NewMotor(cfg MotorConfig) *Motor {
	return &Motor{cfg: cfg}
}

func (m *Motor) Config() MotorConfig {
	return m.cfg
}

// Update applies several command changes as one step; the control loop never sees half of it.
func (m *Motor) Update(f func(cmd *MotorCommand)) {
	m.lock.Lock()
	f(&m.cmd)
	m.lock.Unlock()
}

func (m *Motor) SetSpeed(speed float64) {
	m.Update(func(cmd *MotorCommand) { cmd.Speed = speed })
}

func (m *Motor) SetReverse(reverse bool) {
	m.Update(func(cmd *MotorCommand) { cmd.Reverse = reverse })
}

func (m *Motor) Start() {
	m.Update(func(cmd *MotorCommand) { cmd.Start = true })
}

func (m *Motor) Stop() {
	m.Update(func(cmd *MotorCommand) { cmd.Stop = true })
}

func (m *Motor) Command() MotorCommand {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.cmd
}

func (m *Motor) Status() MotorStatus {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sts
}

// takeCommand snapshots the mailbox and consumes the one-shot triggers.
func (m *Motor) takeCommand() MotorCommand {
	m.lock.Lock()
	defer m.lock.Unlock()
	cmd := m.cmd
	m.cmd.Start = false
	m.cmd.Stop = false
	return cmd
}

func (m *Motor) updateStatus(f func(sts *MotorStatus)) {
	m.lock.Lock()
	f(&m.sts)
	m.lock.Unlock()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validateChannels(channels ...int) error {
	for _, ch := range channels {
		if ch < 0 || ch >= pca9685.NumChannels {
			return errors.Wrapf(ErrInvalidConfiguration, "channel %d out of range", ch)
		}
	}
	return nil
}
