package bus

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/io/i2c"
)

// DefaultDevfs is the I2C character device on a Raspberry Pi.
const DefaultDevfs = "/dev/i2c-1"

// Devfs opens devices directly through the kernel's i2c-dev interface.
//
// i2c-dev cannot change the bus clock; it is fixed by the device tree (i2c_arm_baudrate on a
// Raspberry Pi).  The requested speed is ignored, so use Periph when the clock has to follow
// the fast/standard selection.
type Devfs struct {
	Dev string
	Log golog.Logger
}

var _ Opener = (*Devfs)(nil)

func (d *Devfs) String() string {
	return "devfs:" + d.device()
}

func (d *Devfs) device() string {
	if d.Dev == "" {
		return DefaultDevfs
	}
	return d.Dev
}

func (d *Devfs) Open(addr uint16, speed Speed) (Conn, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: d.device()}, int(addr))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s at %s", d.device(), AddrString(addr))
	}
	if d.Log != nil {
		d.Log.Debugw("devfs bus ignores speed request", "dev", d.device(), "speed", speed)
	}
	return &devfsConn{dev: dev}, nil
}

type devfsConn struct {
	dev *i2c.Device
}

func (c *devfsConn) Write(b []byte) error {
	return c.dev.Write(b)
}

func (c *devfsConn) ReadReg(reg byte) (byte, error) {
	var buf [1]byte
	if err := c.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *devfsConn) Close() error {
	return c.dev.Close()
}
