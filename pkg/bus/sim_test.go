package bus

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimRegisterWrites(t *testing.T) {
	sim := NewSim()
	conn, err := sim.Open(0x40, FastMode)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x40), sim.Addr())
	assert.Equal(t, FastMode, sim.Speed())

	require.NoError(t, conn.Write([]byte{0x06, 0x01}))
	require.NoError(t, conn.Write([]byte{0xfa, 0x00, 0x00, 0x00, 0x10}))

	assert.Equal(t, []RegWrite{
		{0x06, 0x01},
		{0xfa, 0x00}, {0xfb, 0x00}, {0xfc, 0x00}, {0xfd, 0x10},
	}, sim.Writes())

	v, err := conn.ReadReg(0xfd)
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), v)
	assert.Equal(t, []byte{0xfd}, sim.Reads())
}

func TestSimFaultInjection(t *testing.T) {
	sim := NewSim()
	boom := errors.New("nack")

	sim.FailOpen(boom)
	_, err := sim.Open(0x40, StandardMode)
	assert.Equal(t, boom, err)
	sim.FailOpen(nil)

	conn, err := sim.Open(0x40, StandardMode)
	require.NoError(t, err)

	sim.FailWritesAfter(1, boom)
	assert.NoError(t, conn.Write([]byte{0x00, 0x00}))
	assert.Equal(t, boom, conn.Write([]byte{0x00, 0x00}))
	assert.Equal(t, boom, conn.Write([]byte{0x00, 0x00}))
	sim.FailWritesAfter(0, nil)
	assert.NoError(t, conn.Write([]byte{0x00, 0x00}))

	sim.FailReads(boom)
	_, err = conn.ReadReg(0x00)
	assert.Equal(t, boom, err)

	require.NoError(t, conn.Close())
	assert.Equal(t, ErrClosed, conn.Write([]byte{0x00, 0x00}))
	assert.Equal(t, 2, sim.Opens())
}

func TestSpeedFor(t *testing.T) {
	assert.Equal(t, FastMode, SpeedFor(true))
	assert.Equal(t, StandardMode, SpeedFor(false))
	assert.Equal(t, "0x40", AddrString(0x40))
}
