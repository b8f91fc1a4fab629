package pca9685

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/bus"
)

const (
	DefaultAddr = 0x40

	// InvalidAddress is reported by Address() whenever the driver is not ready.
	InvalidAddress = -1

	NumChannels = 16

	MinCounts = 0
	MaxCounts = 4095

	MinFrequency = 0
	MaxFrequency = 1000

	// Setting bit 4 of an ON_H or OFF_H register forces the output fully on or off.
	FullCount = 0x1000

	OscillatorHz = 25000000
	Resolution   = 4096

	// The chip ignores prescale values below 3.
	PrescaleMin = 3
	PrescaleMax = 255

	// Oscillator start-up after clearing SLEEP takes at most 500us; the chip needs a settled
	// oscillator before RESTART is set.
	OscillatorSettle = 5 * time.Millisecond
)

// Register is a PCA9685 register address.
type Register byte

const (
	RegMode1 Register = 0x00
	RegMode2 Register = 0x01

	// Each PWM output has two 16-bit (low byte first) registers.
	// First register is the on time, second is the off time.
	RegLED0OnL  Register = 0x06
	RegLED0OnH  Register = 0x07
	RegLED0OffL Register = 0x08
	RegLED0OffH Register = 0x09

	RegAllLEDOnL  Register = 0xfa
	RegAllLEDOnH  Register = 0xfb
	RegAllLEDOffL Register = 0xfc
	RegAllLEDOffH Register = 0xfd

	RegPreScale Register = 0xfe // Pre-scaler for PWM frequency.

	// Channel n's registers are RegLED0* + n*ChannelStride.
	ChannelStride = 4
)

// MODE1 bits.
const (
	Mode1Restart byte = 0x80
	Mode1Sleep   byte = 0x10
	Mode1AllCall byte = 0x01
)

var registerNames = map[Register]string{
	RegMode1:      "MODE1",
	RegMode2:      "MODE2",
	RegAllLEDOnL:  "ALL_LED_ON_L",
	RegAllLEDOnH:  "ALL_LED_ON_H",
	RegAllLEDOffL: "ALL_LED_OFF_L",
	RegAllLEDOffH: "ALL_LED_OFF_H",
	RegPreScale:   "PRE_SCALE",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	if r >= RegLED0OnL && r < RegLED0OnL+NumChannels*ChannelStride {
		off := byte(r - RegLED0OnL)
		return fmt.Sprintf("LED%d_%s", off/ChannelStride, [...]string{"ON_L", "ON_H", "OFF_L", "OFF_H"}[off%ChannelStride])
	}
	return fmt.Sprintf("0x%02X", byte(r))
}

// ChannelRegister returns the address of one of a channel's four registers.  base is one of
// the RegLED0* constants.
func ChannelRegister(channel int, base Register) Register {
	return base + Register(ChannelStride*channel)
}

var (
	ErrNotReady         = errors.New("PCA9685 not ready")
	ErrInvalidFrequency = errors.New("invalid PWM frequency")
	ErrInvalidChannel   = errors.New("PWM channel out of range")
	ErrTransport        = errors.New("PCA9685 transport fault")
)

// TransportError records a failed bus operation.  It matches ErrTransport with errors.Is.
type TransportError struct {
	Op      string
	Reg     Register
	Address int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("PCA9685 at 0x%02X: %s %v: %v", e.Address, e.Op, e.Reg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Cause() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Prescale computes the PRE_SCALE register value for a PWM frequency.
func Prescale(hz int) (byte, error) {
	if hz <= 0 {
		return 0, errors.Wrapf(ErrInvalidFrequency, "%d Hz", hz)
	}
	prescale := math.Floor(OscillatorHz/float64(Resolution)/float64(hz) - 1 + 0.5)
	if prescale < PrescaleMin {
		prescale = PrescaleMin
	} else if prescale > PrescaleMax {
		prescale = PrescaleMax
	}
	return byte(prescale), nil
}

// ClampFrequency limits hz to [MinFrequency, MaxFrequency].
func ClampFrequency(hz int) int {
	if hz < MinFrequency {
		return MinFrequency
	} else if hz > MaxFrequency {
		return MaxFrequency
	}
	return hz
}

type Interface interface {
	Init(address int, fastBusSpeed bool) error
	Ready() bool
	Address() int
	SetFrequency(hz int) error
	Frequency() int
	SetPWM(channel int, onCount, offCount uint16) error
	SetChannelOn(channel int) error
	SetChannelOff(channel int) error
	SetAllOff() error
	Close() error
}

// PCA9685 drives the chip's registers over a bus connection.  All methods are safe for
// concurrent use; register sequences are never interleaved.
type PCA9685 struct {
	lock sync.Mutex

	opener bus.Opener
	log    golog.Logger
	sleep  func(time.Duration)

	dev       bus.Conn
	ready     bool
	address   int
	frequency int
}

var _ Interface = (*PCA9685)(nil)

func New(opener bus.Opener, logger golog.Logger) *PCA9685 {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PCA9685{
		opener:  opener,
		log:     logger,
		sleep:   time.Sleep,
		address: InvalidAddress,
	}
}

// Init opens the bus connection and writes a known MODE1.  On failure the driver is left
// fully reset so a later Init starts clean.
func (p *PCA9685) Init(address int, fastBusSpeed bool) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.resetLocked()

	if address < 0 || address > 0x7f {
		return errors.Errorf("invalid I2C address %d", address)
	}

	dev, err := p.opener.Open(uint16(address), bus.SpeedFor(fastBusSpeed))
	if err != nil {
		p.log.Errorw("failed to open PCA9685", "bus", p.opener.String(), "address", address, "error", err)
		return &TransportError{Op: "open", Reg: RegMode1, Address: address, Err: err}
	}
	p.dev = dev
	p.address = address

	if err := p.writeRegLocked(RegMode1, 0x00); err != nil {
		p.log.Errorw("failed to initialise PCA9685", "bus", p.opener.String(), "address", address, "error", err)
		p.resetLocked()
		return err
	}

	p.ready = true
	p.log.Infow("PCA9685 ready", "bus", p.opener.String(), "address", bus.AddrString(uint16(address)),
		"speed", bus.SpeedFor(fastBusSpeed))
	return nil
}

func (p *PCA9685) resetLocked() {
	p.ready = false
	p.address = InvalidAddress
	if p.dev != nil {
		if err := p.dev.Close(); err != nil {
			p.log.Warnw("failed to close bus connection", "error", err)
		}
		p.dev = nil
	}
}

func (p *PCA9685) Ready() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.ready
}

func (p *PCA9685) Address() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.ready {
		return InvalidAddress
	}
	return p.address
}

func (p *PCA9685) Frequency() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.frequency
}

// SetFrequency reprograms the prescaler.  The chip only accepts PRE_SCALE writes while
// asleep, so the oscillator is stopped, reprogrammed and restarted.
func (p *PCA9685) SetFrequency(hz int) error {
	hz = ClampFrequency(hz)
	prescale, err := Prescale(hz)
	if err != nil {
		return err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.ready {
		return ErrNotReady
	}

	oldMode, err := p.readRegLocked(RegMode1)
	if err != nil {
		return err
	}
	sleepMode := (oldMode &^ Mode1Restart) | Mode1Sleep

	if err := p.writeRegLocked(RegMode1, sleepMode); err != nil {
		return err
	}
	if err := p.writeRegLocked(RegPreScale, prescale); err != nil {
		return err
	}
	if err := p.writeRegLocked(RegMode1, oldMode); err != nil {
		return err
	}
	p.sleep(OscillatorSettle)
	if err := p.writeRegLocked(RegMode1, oldMode|Mode1Restart); err != nil {
		return err
	}

	p.frequency = hz
	p.log.Debugw("PWM frequency set", "hz", hz, "prescale", prescale)
	return nil
}

// SetPWM sets when, within the 4096-count period, the channel turns on and off.
func (p *PCA9685) SetPWM(channel int, onCount, offCount uint16) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.setPWMLocked(channel, onCount, offCount)
}

func (p *PCA9685) setPWMLocked(channel int, onCount, offCount uint16) error {
	if channel < 0 || channel >= NumChannels {
		return errors.Wrapf(ErrInvalidChannel, "channel %d", channel)
	}
	if !p.ready {
		return ErrNotReady
	}

	// MODE1 is left with auto-increment off, so each register is its own transaction.
	writes := [...]struct {
		reg   Register
		value byte
	}{
		{ChannelRegister(channel, RegLED0OnL), byte(onCount & 0xff)},
		{ChannelRegister(channel, RegLED0OnH), byte(onCount >> 8)},
		{ChannelRegister(channel, RegLED0OffL), byte(offCount & 0xff)},
		{ChannelRegister(channel, RegLED0OffH), byte(offCount >> 8)},
	}
	for _, w := range writes {
		if err := p.writeRegLocked(w.reg, w.value); err != nil {
			return err
		}
	}
	return nil
}

func (p *PCA9685) SetChannelOff(channel int) error {
	return p.SetPWM(channel, 0, FullCount)
}

func (p *PCA9685) SetChannelOn(channel int) error {
	return p.SetPWM(channel, FullCount, 0)
}

// SetAllOff turns every output off with the broadcast registers.  It is attempted even after
// a transport fault, as long as a connection is still open.
func (p *PCA9685) SetAllOff() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.setAllOffLocked()
}

func (p *PCA9685) setAllOffLocked() error {
	if p.dev == nil {
		return ErrNotReady
	}
	if err := p.writeRegLocked(RegAllLEDOffL, 0x00); err != nil {
		return err
	}
	return p.writeRegLocked(RegAllLEDOffH, FullCount>>8)
}

// Close turns all outputs off and releases the bus.
func (p *PCA9685) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.dev == nil {
		return nil
	}
	err := p.setAllOffLocked()
	err = multierr.Append(err, p.dev.Close())
	p.dev = nil
	p.ready = false
	p.address = InvalidAddress
	return err
}

func (p *PCA9685) writeRegLocked(reg Register, value byte) error {
	if p.dev == nil {
		return ErrNotReady
	}
	if err := p.dev.Write([]byte{byte(reg), value}); err != nil {
		return p.faultLocked("write", reg, err)
	}
	return nil
}

func (p *PCA9685) readRegLocked(reg Register) (byte, error) {
	if p.dev == nil {
		return 0, ErrNotReady
	}
	v, err := p.dev.ReadReg(byte(reg))
	if err != nil {
		return 0, p.faultLocked("read", reg, err)
	}
	return v, nil
}

// faultLocked marks the driver not ready.  The connection stays open so SetAllOff can still
// be attempted during shutdown; only a fresh Init makes the driver ready again.
func (p *PCA9685) faultLocked(op string, reg Register, err error) error {
	if p.ready {
		p.log.Errorw("PCA9685 transport fault", "op", op, "register", reg.String(), "address", p.address, "error", err)
	}
	p.ready = false
	return &TransportError{Op: op, Reg: reg, Address: p.address, Err: err}
}
