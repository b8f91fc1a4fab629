package main

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/bus"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/config"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/devicecontrol"
	"github.com/redmnmguy/AdafruitServoDriver/pkg/pca9685"
)

func newTestConsole(t *testing.T) (*console, *bus.Sim) {
	logger := golog.NewTestLogger(t)
	sim := bus.NewSim()
	driver := pca9685.New(sim, logger)
	require.NoError(t, driver.Init(pca9685.DefaultAddr, true))
	require.NoError(t, driver.SetFrequency(50))

	dc := devicecontrol.New(driver, logger)
	require.NoError(t, dc.BindMotor(0, devicecontrol.NewMotor(devicecontrol.DefaultMotorConfig(10, 11, 12))))
	require.NoError(t, dc.BindServo(devicecontrol.NewServo(devicecontrol.DefaultServoConfig(0))))
	sim.ClearLog()
	return &console{dc: dc}, sim
}

func chReg(ch int, base pca9685.Register) byte {
	return byte(pca9685.ChannelRegister(ch, base))
}

func TestConsoleDrivesMotor(t *testing.T) {
	con, sim := newTestConsole(t)

	_, err := con.speed([]string{"0", "50"})
	require.NoError(t, err)
	_, err = con.start([]string{"0"})
	require.NoError(t, err)
	con.dc.Tick()

	// Forward on, reverse off, speed 2047.
	assert.Equal(t, byte(0x10), sim.Reg(chReg(11, pca9685.RegLED0OnH)))
	assert.Equal(t, byte(0x10), sim.Reg(chReg(12, pca9685.RegLED0OffH)))
	assert.Equal(t, byte(0xff), sim.Reg(chReg(10, pca9685.RegLED0OffL)))
	assert.Equal(t, byte(0x07), sim.Reg(chReg(10, pca9685.RegLED0OffH)))
	assert.True(t, con.dc.Motor(0).Status().Running)

	_, err = con.reverse([]string{"0", "on"})
	require.NoError(t, err)
	con.dc.Tick()
	assert.Equal(t, byte(0x10), sim.Reg(chReg(11, pca9685.RegLED0OffH)))
	assert.Equal(t, byte(0x00), sim.Reg(chReg(11, pca9685.RegLED0OnH)))
	assert.Equal(t, byte(0x10), sim.Reg(chReg(12, pca9685.RegLED0OnH)))

	_, err = con.stop([]string{"0"})
	require.NoError(t, err)
	con.dc.Tick()
	for _, ch := range []int{10, 11, 12} {
		assert.Equal(t, byte(0x10), sim.Reg(chReg(ch, pca9685.RegLED0OffH)), "channel %d", ch)
	}
	assert.Equal(t, devicecontrol.MotorStatus{}, con.dc.Motor(0).Status())
}

func TestConsoleServoAndStatus(t *testing.T) {
	con, sim := newTestConsole(t)

	_, err := con.servo([]string{"0", "90"})
	require.NoError(t, err)
	con.dc.Tick()

	// 511 counts.
	assert.Equal(t, byte(0xff), sim.Reg(chReg(0, pca9685.RegLED0OffL)))
	assert.Equal(t, byte(0x01), sim.Reg(chReg(0, pca9685.RegLED0OffH)))

	out, err := con.status(nil)
	require.NoError(t, err)
	assert.Contains(t, out, "motor 0: speed=0 running=false")
	assert.Contains(t, out, "servo 0 (ch 0): position=90 applied=true counts=511")

	out, err = con.stats(nil)
	require.NoError(t, err)
	assert.Equal(t, "scans=1 overruns=0 notReady=0 faults=0", out)
}

func TestConsoleFrequency(t *testing.T) {
	con, sim := newTestConsole(t)

	out, err := con.freq([]string{"1000"})
	require.NoError(t, err)
	assert.Equal(t, "PWM frequency 1000 Hz", out)
	assert.Equal(t, byte(5), sim.Reg(byte(pca9685.RegPreScale)))

	_, err = con.freq([]string{"0"})
	assert.Error(t, err)
}

func TestConsoleRejectsBadArguments(t *testing.T) {
	con, sim := newTestConsole(t)

	for _, tc := range []struct {
		f    consoleFunc
		args []string
	}{
		{con.start, nil},
		{con.start, []string{"x"}},
		{con.start, []string{"3"}},
		{con.speed, []string{"0"}},
		{con.speed, []string{"0", "fast"}},
		{con.reverse, []string{"0", "maybe"}},
		{con.servo, []string{"1", "0"}},
		{con.servo, []string{"0", "left"}},
		{con.freq, []string{"high"}},
	} {
		_, err := tc.f(tc.args)
		assert.Error(t, err, "%v", tc.args)
	}
	assert.Empty(t, sim.Writes())
}

func TestAllOff(t *testing.T) {
	sim := bus.NewSim()
	driver := pca9685.New(sim, golog.NewTestLogger(t))

	require.NoError(t, allOff(driver, config.Default()))

	writes := sim.Writes()
	require.True(t, len(writes) >= 2)
	assert.Equal(t, []bus.RegWrite{
		{Reg: byte(pca9685.RegAllLEDOffL), Value: 0x00},
		{Reg: byte(pca9685.RegAllLEDOffH), Value: 0x10},
	}, writes[len(writes)-2:])
	assert.False(t, driver.Ready())
}
