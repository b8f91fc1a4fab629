package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/i2c/i2ctest"
)

func TestPeriphConnRegisterAccess(t *testing.T) {
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x40, W: []byte{0x00, 0x00}},
			{Addr: 0x40, W: []byte{0x00}, R: []byte{0x11}},
		},
	}
	conn := newPeriphConn(playback, 0x40)

	require.NoError(t, conn.Write([]byte{0x00, 0x00}))
	v, err := conn.ReadReg(0x00)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), v)

	// Closing the connection closes the playback bus, which verifies every op was consumed.
	require.NoError(t, conn.Close())
}
