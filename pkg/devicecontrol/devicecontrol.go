// Package devicecontrol runs the periodic scan that drives H-bridge motors and servos through a
// PCA9685.  Users bind Motor and Servo values into the controller's slots, call InitDevice, and
// from then on change only the commands on those values; the scan turns command changes into
// the minimum set of register writes and reports back through each value's status.
package devicecontrol

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

const (
	MaxMotors = 4
	MaxServos = pca9685.NumChannels

	DefaultFrequency  = 50
	DefaultUpdateRate = 10 * time.Millisecond

	DefaultCancelTimeout = time.Second
)

var ErrInvalidConfiguration = errors.New("invalid configuration")

// Stats counts scan outcomes since the controller was created.
type Stats struct {
	Scans    uint64
	Overruns uint64
	NotReady uint64
	Faults   uint64
}

type DeviceControl struct {
	driver pca9685.Interface
	log    golog.Logger

	// FastBus selects the 400kHz bus clock.  Set before InitDevice.
	FastBus bool
	// CancelTimeout bounds how long Cancel waits for an in-flight scan.  Set before InitDevice.
	CancelTimeout time.Duration

	slotsLock sync.Mutex
	motors    [MaxMotors]*Motor
	servos    []*Servo

	// lifecycleLock serialises InitDevice, Cancel and Dispose.
	lifecycleLock sync.Mutex
	stopScheduler context.CancelFunc
	workerDone    chan struct{}

	running    atomic.Bool
	updateRate atomic.Int64

	scanning     atomic.Bool
	cancelling   atomic.Bool
	abandoned    atomic.Bool
	servosStale  atomic.Bool
	scans        atomic.Uint64
	overruns     atomic.Uint64
	notReadyRuns atomic.Uint64
	faults       atomic.Uint64

	// Overrun and not-ready warnings can fire every scan; only a sample is logged.
	warnLimit *rate.Limiter
}

func New(driver pca9685.Interface, logger golog.Logger) *DeviceControl {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceControl{
		driver:        driver,
		log:           logger,
		FastBus:       true,
		CancelTimeout: DefaultCancelTimeout,
		warnLimit:     rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// BindMotor puts m into one of the four motor slots, replacing whatever was there.
func (c *DeviceControl) BindMotor(slot int, m *Motor) error {
	if slot < 0 || slot >= MaxMotors {
		return errors.Wrapf(ErrInvalidConfiguration, "motor slot %d", slot)
	}
	if m == nil {
		return errors.Wrap(ErrInvalidConfiguration, "nil motor")
	}
	if err := m.Config().Validate(); err != nil {
		return err
	}

	c.slotsLock.Lock()
	defer c.slotsLock.Unlock()

	old := c.motors[slot]
	c.motors[slot] = nil
	if err := c.checkChannelsFreeLocked(m.Config().Channels()...); err != nil {
		c.motors[slot] = old
		return err
	}
	c.motors[slot] = m
	return nil
}

// UnbindMotor empties a motor slot.  Not allowed while running, since the motor's outputs
// would be left as they are.
func (c *DeviceControl) UnbindMotor(slot int) error {
	if slot < 0 || slot >= MaxMotors {
		return errors.Wrapf(ErrInvalidConfiguration, "motor slot %d", slot)
	}
	if c.Running() {
		return errors.Wrap(ErrInvalidConfiguration, "cannot unbind a motor while running")
	}
	c.slotsLock.Lock()
	c.motors[slot] = nil
	c.slotsLock.Unlock()
	return nil
}

func (c *DeviceControl) BindServo(s *Servo) error {
	if s == nil {
		return errors.Wrap(ErrInvalidConfiguration, "nil servo")
	}
	if err := s.Config().Validate(); err != nil {
		return err
	}

	c.slotsLock.Lock()
	defer c.slotsLock.Unlock()

	if len(c.servos) >= MaxServos {
		return errors.Wrapf(ErrInvalidConfiguration, "at most %d servos", MaxServos)
	}
	if err := c.checkChannelsFreeLocked(s.Config().PWMChannel); err != nil {
		return err
	}
	c.servos = append(c.servos, s)
	return nil
}

func (c *DeviceControl) UnbindServos() error {
	if c.Running() {
		return errors.Wrap(ErrInvalidConfiguration, "cannot unbind servos while running")
	}
	c.slotsLock.Lock()
	c.servos = nil
	c.slotsLock.Unlock()
	return nil
}

func (c *DeviceControl) Motor(slot int) *Motor {
	if slot < 0 || slot >= MaxMotors {
		return nil
	}
	c.slotsLock.Lock()
	defer c.slotsLock.Unlock()
	return c.motors[slot]
}

func (c *DeviceControl) Servos() []*Servo {
	c.slotsLock.Lock()
	defer c.slotsLock.Unlock()
	return append([]*Servo(nil), c.servos...)
}

func (c *DeviceControl) checkChannelsFreeLocked(channels ...int) error {
	used := map[int]bool{}
	for _, m := range c.motors {
		if m == nil {
			continue
		}
		for _, ch := range m.Config().Channels() {
			used[ch] = true
		}
	}
	for _, s := range c.servos {
		used[s.Config().PWMChannel] = true
	}
	for _, ch := range channels {
		if used[ch] {
			return errors.Wrapf(ErrInvalidConfiguration, "channel %d already bound", ch)
		}
	}
	return nil
}

func (c *DeviceControl) boundSlots() ([]*Motor, []*Servo) {
	c.slotsLock.Lock()
	defer c.slotsLock.Unlock()
	var motors []*Motor
	for _, m := range c.motors {
		if m != nil {
			motors = append(motors, m)
		}
	}
	return motors, append([]*Servo(nil), c.servos...)
}

// InitDevice (re)initialises the chip at address, sets its PWM frequency and starts scanning
// every updateRate.  Any previous schedule is cancelled first.  Zero hz or updateRate selects
// DefaultFrequency or DefaultUpdateRate.
func (c *DeviceControl) InitDevice(address int, hz int, updateRate time.Duration) error {
	if hz == 0 {
		hz = DefaultFrequency
	}
	if updateRate == 0 {
		updateRate = DefaultUpdateRate
	}
	if hz < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "frequency %d Hz", hz)
	}
	if updateRate < 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "update rate %v", updateRate)
	}

	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()

	if err := c.cancelLocked(); err != nil {
		c.log.Warnw("error cancelling previous schedule", "error", err)
	}

	if err := c.driver.Init(address, c.FastBus); err != nil {
		return errors.Wrap(err, "initialising PWM driver")
	}
	if err := c.driver.SetFrequency(hz); err != nil {
		return errors.Wrap(err, "setting PWM frequency")
	}

	c.updateRate.Store(int64(updateRate))
	c.arm(updateRate)
	c.running.Store(true)
	c.log.Infow("device control running", "address", address, "hz", c.driver.Frequency(), "updateRate", updateRate)
	return nil
}

func (c *DeviceControl) arm(period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	work := make(chan struct{})
	done := make(chan struct{})

	c.cancelling.Store(false)
	c.abandoned.Store(false)
	c.stopScheduler = cancel
	c.workerDone = done

	go c.dispatch(ctx, period, work)
	go c.scanWorker(ctx, work, done)
}

// dispatch hands each tick to the worker.  A tick that arrives while the worker is still busy
// is dropped, never queued.
func (c *DeviceControl) dispatch(ctx context.Context, period time.Duration, work chan<- struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case work <- struct{}{}:
			default:
				c.reportOverrun()
			}
		}
	}
}

func (c *DeviceControl) scanWorker(ctx context.Context, work <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-work:
			c.Tick()
		}
	}
}

// Cancel stops scanning, waits for an in-flight scan to finish and turns every output off.
// Scans started by direct Tick calls are waited for as well.  It is safe to call repeatedly.
//
// If the wait times out the outputs are still forced off; the late scan records nothing
// further and turns everything off again when it exits.
func (c *DeviceControl) Cancel() error {
	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()
	return c.cancelLocked()
}

func (c *DeviceControl) cancelLocked() error {
	deadline := time.Now().Add(c.CancelTimeout)

	// Left set until the next arm so any later scan writes nothing.
	c.cancelling.Store(true)
	if c.stopScheduler != nil {
		c.stopScheduler()
		select {
		case <-c.workerDone:
		case <-time.After(time.Until(deadline)):
		}
		c.stopScheduler = nil
		c.workerDone = nil
	}
	if !c.waitForScan(deadline) {
		c.abandoned.Store(true)
		c.log.Errorw("timed out waiting for scan to finish; forcing outputs off anyway", "timeout", c.CancelTimeout)
	}

	var err error
	if offErr := c.driver.SetAllOff(); offErr != nil && !errors.Is(offErr, pca9685.ErrNotReady) {
		c.log.Errorw("failed to turn outputs off", "error", offErr)
		err = errors.Wrap(offErr, "turning all outputs off")
	}

	c.markStopped()
	if c.running.Swap(false) {
		c.log.Infow("device control stopped", "stats", c.Stats())
	}
	return err
}

// waitForScan polls the scan guard until it is free or deadline passes.
func (c *DeviceControl) waitForScan(deadline time.Time) bool {
	for c.scanning.Load() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// markStopped brings entity status in line with a chip whose outputs were all turned off.
func (c *DeviceControl) markStopped() {
	motors, _ := c.boundSlots()
	for _, m := range motors {
		m.updateStatus(func(sts *MotorStatus) { *sts = MotorStatus{} })
	}
	c.servosStale.Store(true)
}

// Dispose cancels scanning and releases the driver.
func (c *DeviceControl) Dispose() error {
	c.lifecycleLock.Lock()
	defer c.lifecycleLock.Unlock()
	return multierr.Combine(c.cancelLocked(), c.driver.Close())
}

// SetFrequency changes the PWM frequency.  Servos are rewritten on the next scan since their
// counts depend on it.
func (c *DeviceControl) SetFrequency(hz int) error {
	if err := c.driver.SetFrequency(hz); err != nil {
		return err
	}
	c.servosStale.Store(true)
	return nil
}

func (c *DeviceControl) Frequency() int {
	return c.driver.Frequency()
}

func (c *DeviceControl) Running() bool {
	return c.running.Load()
}

func (c *DeviceControl) UpdateRate() time.Duration {
	return time.Duration(c.updateRate.Load())
}

func (c *DeviceControl) Stats() Stats {
	return Stats{
		Scans:    c.scans.Load(),
		Overruns: c.overruns.Load(),
		NotReady: c.notReadyRuns.Load(),
		Faults:   c.faults.Load(),
	}
}

func (c *DeviceControl) reportOverrun() {
	n := c.overruns.Add(1)
	if c.warnLimit.Allow() {
		c.log.Warnw("periodic scan overrun", "overruns", n)
	}
}
