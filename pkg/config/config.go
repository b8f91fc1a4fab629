// Package config loads the controller's YAML file and environment overrides and turns them into
// a bus opener plus the motors and servos to bind.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/bus"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/devicecontrol"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

const (
	BusPeriph = "periph"
	BusDevfs  = "devfs"
	BusSim    = "sim"
)

var ErrInvalidConfig = errors.New("invalid config")

// Address is a 7-bit I2C address.  In YAML and the environment it may be written in hex.
type Address int

func parseAddress(v string) (interface{}, error) {
	a, err := strconv.ParseInt(strings.TrimSpace(v), 0, 16)
	if err != nil {
		return nil, errors.Wrapf(err, "I2C address %q", v)
	}
	return Address(a), nil
}

type Config struct {
	// Bus is periph, devfs or sim.  Only periph applies FastBus; devfs runs at whatever clock
	// the kernel configured.
	Bus        string        `yaml:"bus" env:"PWMCONTROL_BUS"`
	Device     string        `yaml:"device" env:"PWMCONTROL_DEVICE"`
	Address    Address       `yaml:"address" env:"PWMCONTROL_ADDRESS"`
	FastBus    bool          `yaml:"fast_bus" env:"PWMCONTROL_FAST_BUS"`
	Frequency  int           `yaml:"frequency" env:"PWMCONTROL_FREQUENCY"`
	UpdateRate time.Duration `yaml:"update_rate" env:"PWMCONTROL_UPDATE_RATE"`

	Motors []MotorEntry `yaml:"motors"`
	Servos []ServoEntry `yaml:"servos"`
}

// MotorEntry binds a motor to one of the four slots.  Omitted speed bounds take the defaults.
type MotorEntry struct {
	Slot     int      `yaml:"slot"`
	PWM      int      `yaml:"pwm"`
	Fwd      int      `yaml:"fwd"`
	Rev      int      `yaml:"rev"`
	MinSpeed *float64 `yaml:"min_speed"`
	MaxSpeed *float64 `yaml:"max_speed"`
}

type ServoEntry struct {
	PWM      int            `yaml:"pwm"`
	MinRange *float64       `yaml:"min_range"`
	MaxRange *float64       `yaml:"max_range"`
	MinPulse *time.Duration `yaml:"min_pulse"`
	MaxPulse *time.Duration `yaml:"max_pulse"`
	Position float64        `yaml:"position"`
}

func Default() Config {
	return Config{
		Bus:        BusPeriph,
		Address:    pca9685.DefaultAddr,
		FastBus:    true,
		Frequency:  devicecontrol.DefaultFrequency,
		UpdateRate: devicecontrol.DefaultUpdateRate,
	}
}

// Load reads a config file.  An empty path gives the defaults.  Environment overrides are
// applied in both cases.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "reading config")
		}
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	if err := env.ParseWithFuncs(&cfg, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(Address(0)): parseAddress,
	}); err != nil {
		return Config{}, errors.Wrap(err, "applying environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Bus {
	case BusPeriph, BusDevfs, BusSim:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown bus %q", c.Bus)
	}
	if c.Address < 0 || c.Address > 0x7f {
		return errors.Wrapf(ErrInvalidConfig, "address %#x", int(c.Address))
	}
	if c.Frequency <= 0 || c.Frequency > pca9685.MaxFrequency {
		return errors.Wrapf(ErrInvalidConfig, "frequency %d Hz", c.Frequency)
	}
	if c.UpdateRate <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "update rate %v", c.UpdateRate)
	}
	if len(c.Servos) > devicecontrol.MaxServos {
		return errors.Wrapf(ErrInvalidConfig, "%d servos configured, at most %d", len(c.Servos), devicecontrol.MaxServos)
	}

	slots := map[int]bool{}
	for _, m := range c.Motors {
		if m.Slot < 0 || m.Slot >= devicecontrol.MaxMotors {
			return errors.Wrapf(ErrInvalidConfig, "motor slot %d", m.Slot)
		}
		if slots[m.Slot] {
			return errors.Wrapf(ErrInvalidConfig, "motor slot %d configured twice", m.Slot)
		}
		slots[m.Slot] = true
		if err := m.motorConfig().Validate(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "motor %d: %v", m.Slot, err)
		}
	}
	for i, s := range c.Servos {
		if err := s.servoConfig().Validate(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "servo %d: %v", i, err)
		}
	}
	return nil
}

// Opener builds the bus transport named by Bus.
func (c Config) Opener(logger golog.Logger) bus.Opener {
	switch c.Bus {
	case BusDevfs:
		if logger != nil {
			logger.Infow("devfs bus clock is set by the kernel; fast_bus is ignored", "dev", c.Device, "fastBus", c.FastBus)
		}
		return &bus.Devfs{Dev: c.Device, Log: logger}
	case BusSim:
		return bus.NewSim()
	default:
		return &bus.Periph{Bus: c.Device, Log: logger}
	}
}

// MotorDevices returns the configured motors keyed by slot.
func (c Config) MotorDevices() map[int]*devicecontrol.Motor {
	motors := make(map[int]*devicecontrol.Motor, len(c.Motors))
	for _, m := range c.Motors {
		motors[m.Slot] = devicecontrol.NewMotor(m.motorConfig())
	}
	return motors
}

// ServoDevices returns the configured servos in file order, each at its configured start position.
func (c Config) ServoDevices() []*devicecontrol.Servo {
	var servos []*devicecontrol.Servo
	for _, s := range c.Servos {
		servo := devicecontrol.NewServo(s.servoConfig())
		servo.SetPosition(s.Position)
		servos = append(servos, servo)
	}
	return servos
}

// Bind puts every configured motor and servo into dc.
func (c Config) Bind(dc *devicecontrol.DeviceControl) error {
	for slot, m := range c.MotorDevices() {
		if err := dc.BindMotor(slot, m); err != nil {
			return err
		}
	}
	for _, s := range c.ServoDevices() {
		if err := dc.BindServo(s); err != nil {
			return err
		}
	}
	return nil
}

func (m MotorEntry) motorConfig() devicecontrol.MotorConfig {
	cfg := devicecontrol.DefaultMotorConfig(m.PWM, m.Fwd, m.Rev)
	if m.MinSpeed != nil {
		cfg.MinSpeed = *m.MinSpeed
	}
	if m.MaxSpeed != nil {
		cfg.MaxSpeed = *m.MaxSpeed
	}
	return cfg
}

func (s ServoEntry) servoConfig() devicecontrol.ServoConfig {
	cfg := devicecontrol.DefaultServoConfig(s.PWM)
	if s.MinRange != nil {
		cfg.MinRange = *s.MinRange
	}
	if s.MaxRange != nil {
		cfg.MaxRange = *s.MaxRange
	}
	if s.MinPulse != nil {
		cfg.MinPulseWidth = *s.MinPulse
	}
	if s.MaxPulse != nil {
		cfg.MaxPulseWidth = *s.MaxPulse
	}
	return cfg
}
