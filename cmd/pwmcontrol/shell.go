package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/redmnmguy/AdafruitServoDriver/pkg/devicecontrol"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell for driving motors and servos by hand",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		logger := newLogger()
		dc, err := bringUp(logger)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, dc.Dispose())
		}()

		con := &console{dc: dc}
		shell := ishell.New()
		shell.Println("PCA9685 motor/servo shell")
		for _, c := range con.commands() {
			shell.AddCmd(c)
		}
		shell.Run()
		return nil
	},
}

// console holds the shell's commands.  Each command is a plain function of its arguments so it
// can be driven without a terminal.
type console struct {
	dc *devicecontrol.DeviceControl
}

type consoleFunc func(args []string) (string, error)

func (con *console) commands() []*ishell.Cmd {
	cmd := func(name, help string, f consoleFunc) *ishell.Cmd {
		return &ishell.Cmd{
			Name: name,
			Help: help,
			Func: func(c *ishell.Context) {
				out, err := f(c.Args)
				if err != nil {
					c.Err(err)
					return
				}
				if out != "" {
					c.Println(out)
				}
			},
		}
	}
	return []*ishell.Cmd{
		cmd("start", "start <motor> [rev]", con.start),
		cmd("stop", "stop <motor>", con.stop),
		cmd("speed", "speed <motor> <speed>", con.speed),
		cmd("reverse", "reverse <motor> <on|off>", con.reverse),
		cmd("servo", "servo <n> <position>", con.servo),
		cmd("freq", "freq <hz>", con.freq),
		cmd("status", "status", con.status),
		cmd("stats", "stats", con.stats),
	}
}

func (con *console) motor(args []string, nargs int) (*devicecontrol.Motor, error) {
	if len(args) < nargs {
		return nil, errors.New("not enough parameters")
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, errors.Errorf("expected motor number, not %q", args[0])
	}
	m := con.dc.Motor(slot)
	if m == nil {
		return nil, errors.Errorf("no motor bound to slot %d", slot)
	}
	return m, nil
}

func (con *console) start(args []string) (string, error) {
	m, err := con.motor(args, 1)
	if err != nil {
		return "", err
	}
	reverse := len(args) > 1 && args[1] == "rev"
	m.Update(func(cmd *devicecontrol.MotorCommand) {
		cmd.Reverse = reverse
		cmd.Start = true
	})
	return fmt.Sprintf("Starting motor %s", args[0]), nil
}

func (con *console) stop(args []string) (string, error) {
	m, err := con.motor(args, 1)
	if err != nil {
		return "", err
	}
	m.Stop()
	return fmt.Sprintf("Stopping motor %s", args[0]), nil
}

func (con *console) speed(args []string) (string, error) {
	m, err := con.motor(args, 2)
	if err != nil {
		return "", err
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", errors.Errorf("expected float, not %q", args[1])
	}
	m.SetSpeed(v)
	return fmt.Sprintf("Motor %s speed %v", args[0], v), nil
}

func (con *console) reverse(args []string) (string, error) {
	m, err := con.motor(args, 2)
	if err != nil {
		return "", err
	}
	switch args[1] {
	case "on":
		m.SetReverse(true)
	case "off":
		m.SetReverse(false)
	default:
		return "", errors.Errorf("expected on or off, not %q", args[1])
	}
	return fmt.Sprintf("Motor %s reverse %s", args[0], args[1]), nil
}

func (con *console) servo(args []string) (string, error) {
	if len(args) < 2 {
		return "", errors.New("not enough parameters")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errors.Errorf("expected servo number, not %q", args[0])
	}
	servos := con.dc.Servos()
	if n < 0 || n >= len(servos) {
		return "", errors.Errorf("expected 0 <= n < %d", len(servos))
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", errors.Errorf("expected float, not %q", args[1])
	}
	servos[n].SetPosition(v)
	return fmt.Sprintf("Servo %d position %v", n, v), nil
}

func (con *console) freq(args []string) (string, error) {
	if len(args) < 1 {
		return "", errors.New("not enough parameters")
	}
	hz, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errors.Errorf("expected int, not %q", args[0])
	}
	if err := con.dc.SetFrequency(hz); err != nil {
		return "", err
	}
	return fmt.Sprintf("PWM frequency %d Hz", con.dc.Frequency()), nil
}

func (con *console) status(args []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "running=%v hz=%d update=%v", con.dc.Running(), con.dc.Frequency(), con.dc.UpdateRate())
	for slot := 0; slot < devicecontrol.MaxMotors; slot++ {
		m := con.dc.Motor(slot)
		if m == nil {
			continue
		}
		cmd, sts := m.Command(), m.Status()
		fmt.Fprintf(&sb, "\nmotor %d: speed=%v running=%v fwd=%v rev=%v counts=%d",
			slot, cmd.Speed, sts.Running, sts.Forward, sts.Reverse, sts.Counts)
	}
	for i, s := range con.dc.Servos() {
		sts := s.Status()
		fmt.Fprintf(&sb, "\nservo %d (ch %d): position=%v applied=%v counts=%d",
			i, s.Config().PWMChannel, s.Position(), sts.Applied, sts.Counts)
	}
	return sb.String(), nil
}

func (con *console) stats(args []string) (string, error) {
	st := con.dc.Stats()
	return fmt.Sprintf("scans=%d overruns=%d notReady=%d faults=%d", st.Scans, st.Overruns, st.NotReady, st.Faults), nil
}
