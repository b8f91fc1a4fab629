package bus

import (
	"io"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// DefaultPeriphBus is the bus exposed on the Raspberry Pi header.
const DefaultPeriphBus = "I2C1"

// Periph opens devices through the periph.io I2C registry.
type Periph struct {
	// Bus is a registry name or alias, e.g. "I2C1" or "/dev/i2c-1".  Empty picks the first bus.
	Bus string
	Log golog.Logger
}

var _ Opener = (*Periph)(nil)

func (p *Periph) String() string {
	if p.Bus == "" {
		return "periph:<first>"
	}
	return "periph:" + p.Bus
}

func (p *Periph) Open(addr uint16, speed Speed) (Conn, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}

	b, err := i2creg.Open(p.Bus)
	if err != nil {
		return nil, errors.Wrapf(err, "opening I2C bus %q", p.Bus)
	}

	// Not every adapter lets us pick the clock; the device works at either speed.
	if err := b.SetSpeed(physic.Frequency(speed)); err != nil && p.Log != nil {
		p.Log.Warnw("I2C bus speed not applied", "bus", p.Bus, "speed", speed, "error", err)
	}

	return newPeriphConn(b, addr), nil
}

type periphConn struct {
	closer io.Closer
	dev    *i2c.Dev
}

func newPeriphConn(b i2c.Bus, addr uint16) *periphConn {
	c := &periphConn{dev: &i2c.Dev{Bus: b, Addr: addr}}
	if closer, ok := b.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

func (c *periphConn) Write(b []byte) error {
	return c.dev.Tx(b, nil)
}

func (c *periphConn) ReadReg(reg byte) (byte, error) {
	var buf [1]byte
	if err := c.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *periphConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
