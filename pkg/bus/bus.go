// Package bus provides the register-oriented I2C transports used to reach a PWM chip.
package bus

import (
	"fmt"

	"periph.io/x/periph/conn/physic"
)

// Speed is the requested I2C clock.
type Speed physic.Frequency

const (
	StandardMode = Speed(100 * physic.KiloHertz)
	FastMode     = Speed(400 * physic.KiloHertz)
)

func (s Speed) String() string {
	return physic.Frequency(s).String()
}

// SpeedFor maps the fast/standard flag used by callers onto a bus clock.
func SpeedFor(fast bool) Speed {
	if fast {
		return FastMode
	}
	return StandardMode
}

// Conn is an open connection to a single device on the bus.
type Conn interface {
	// Write sends raw bytes to the device; for a register write the first byte is the register.
	Write(b []byte) error
	// ReadReg reads one byte from the given register.
	ReadReg(reg byte) (byte, error)
	Close() error
}

// Opener opens connections to a device address.
type Opener interface {
	Open(addr uint16, speed Speed) (Conn, error)
	String() string
}

// AddrString formats a device address the way the datasheets do.
func AddrString(addr uint16) string {
	return fmt.Sprintf("0x%02X", addr)
}
