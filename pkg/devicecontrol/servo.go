package devicecontrol

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

// ServoConfig maps a position range (degrees, by default) onto a pulse width range.
type ServoConfig struct {
	PWMChannel    int
	MinRange      float64
	MaxRange      float64
	MinPulseWidth time.Duration
	MaxPulseWidth time.Duration
}

func DefaultServoConfig(pwmChannel int) ServoConfig {
	return ServoConfig{
		PWMChannel:    pwmChannel,
		MinRange:      -90,
		MaxRange:      90,
		MinPulseWidth: 500 * time.Microsecond,
		MaxPulseWidth: 2500 * time.Microsecond,
	}
}

func (c ServoConfig) Validate() error {
	if err := validateChannels(c.PWMChannel); err != nil {
		return err
	}
	if !finite(c.MinRange) || !finite(c.MaxRange) || c.MinRange > c.MaxRange {
		return errors.Wrapf(ErrInvalidConfiguration, "servo range [%v, %v]", c.MinRange, c.MaxRange)
	}
	if c.MinPulseWidth < 0 || c.MinPulseWidth > c.MaxPulseWidth {
		return errors.Wrapf(ErrInvalidConfiguration, "servo pulse width [%v, %v]", c.MinPulseWidth, c.MaxPulseWidth)
	}
	return nil
}

// Counts clamps position to the servo's range and converts it to the off count that gives the
// matching pulse width at the given PWM frequency.
func (c ServoConfig) Counts(position float64, hz int) int {
	position = c.clampPosition(position)

	countsPerSecond := float64(pca9685.MaxCounts-pca9685.MinCounts) * float64(hz)
	minCounts := c.MinPulseWidth.Seconds() * countsPerSecond
	if minCounts < pca9685.MinCounts {
		minCounts = pca9685.MinCounts
	}
	maxCounts := c.MaxPulseWidth.Seconds() * countsPerSecond
	if maxCounts > pca9685.MaxCounts {
		maxCounts = pca9685.MaxCounts
	}

	if c.MinRange == c.MaxRange {
		return pca9685.MinCounts
	}
	return int((position-c.MinRange)*(maxCounts-minCounts)/(c.MaxRange-c.MinRange) + minCounts)
}

// clampPosition limits position to the servo's range.  NaN maps to MinRange.
func (c ServoConfig) clampPosition(position float64) float64 {
	if math.IsNaN(position) || position < c.MinRange {
		return c.MinRange
	} else if position > c.MaxRange {
		return c.MaxRange
	}
	return position
}

type ServoStatus struct {
	// Position is the last commanded position written to the chip, before clamping.
	Position float64
	Counts   int
	Applied  bool
}

type Servo struct {
	cfg ServoConfig

	lock     sync.Mutex
	position float64
	sts      ServoStatus

	// Only touched by the scan.  positionLastScan holds the clamped position.  scanned is
	// false until the first write, so the initial position is always applied.
	positionLastScan float64
	scanned          bool
}

func NewServo(cfg ServoConfig) *Servo {
	return &Servo{cfg: cfg}
}

func (s *Servo) Config() ServoConfig {
	return s.cfg
}

func (s *Servo) SetPosition(position float64) {
	s.lock.Lock()
	s.position = position
	s.lock.Unlock()
}

// Position returns the commanded position.
func (s *Servo) Position() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.position
}

func (s *Servo) Status() ServoStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sts
}

func (s *Servo) updateStatus(f func(sts *ServoStatus)) {
	s.lock.Lock()
	f(&s.sts)
	s.lock.Unlock()
}
