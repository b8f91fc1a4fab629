package bus

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("bus connection closed")

// RegWrite is a single register update seen by the simulator.
type RegWrite struct {
	Reg   byte
	Value byte
}

// Sim is an in-memory register file standing in for a real chip.  Multi-byte writes
// auto-increment the register pointer.  It is used for dry runs and in tests.
type Sim struct {
	lock sync.Mutex

	regs   [256]byte
	writes []RegWrite
	reads  []byte

	addr  uint16
	speed Speed
	opens int

	failOpen   error
	failWrite  error
	writesLeft int
	failRead   error
}

var _ Opener = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{writesLeft: -1}
}

func (s *Sim) String() string {
	return "sim"
}

func (s *Sim) Open(addr uint16, speed Speed) (Conn, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failOpen != nil {
		return nil, s.failOpen
	}
	s.addr = addr
	s.speed = speed
	s.opens++
	return &simConn{sim: s}, nil
}

// FailOpen makes subsequent opens fail with err; nil clears it.
func (s *Sim) FailOpen(err error) {
	s.lock.Lock()
	s.failOpen = err
	s.lock.Unlock()
}

// FailWritesAfter lets n more writes succeed and fails every later one with err.
// A nil err clears the fault.
func (s *Sim) FailWritesAfter(n int, err error) {
	s.lock.Lock()
	s.failWrite = err
	s.writesLeft = n
	if err == nil {
		s.writesLeft = -1
	}
	s.lock.Unlock()
}

// FailReads makes register reads fail with err; nil clears it.
func (s *Sim) FailReads(err error) {
	s.lock.Lock()
	s.failRead = err
	s.lock.Unlock()
}

// SetReg presets a register without recording a write.
func (s *Sim) SetReg(reg, value byte) {
	s.lock.Lock()
	s.regs[reg] = value
	s.lock.Unlock()
}

func (s *Sim) Reg(reg byte) byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.regs[reg]
}

// Writes returns a copy of every register write since the last ClearLog.
func (s *Sim) Writes() []RegWrite {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]RegWrite(nil), s.writes...)
}

// Reads returns the registers read since the last ClearLog.
func (s *Sim) Reads() []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]byte(nil), s.reads...)
}

func (s *Sim) ClearLog() {
	s.lock.Lock()
	s.writes = nil
	s.reads = nil
	s.lock.Unlock()
}

// Addr and Speed report the parameters of the most recent Open.
func (s *Sim) Addr() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.addr
}

func (s *Sim) Speed() Speed {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.speed
}

func (s *Sim) Opens() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.opens
}

func (s *Sim) write(b []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failWrite != nil {
		if s.writesLeft == 0 {
			return s.failWrite
		}
		s.writesLeft--
	}
	if len(b) == 0 {
		return nil
	}
	reg := b[0]
	for _, v := range b[1:] {
		s.regs[reg] = v
		s.writes = append(s.writes, RegWrite{Reg: reg, Value: v})
		reg++
	}
	return nil
}

func (s *Sim) readReg(reg byte) (byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failRead != nil {
		return 0, s.failRead
	}
	s.reads = append(s.reads, reg)
	return s.regs[reg], nil
}

type simConn struct {
	sim    *Sim
	closed bool
}

func (c *simConn) Write(b []byte) error {
	if c.closed {
		return ErrClosed
	}
	return c.sim.write(b)
}

func (c *simConn) ReadReg(reg byte) (byte, error) {
	if c.closed {
		return 0, ErrClosed
	}
	return c.sim.readReg(reg)
}

func (c *simConn) Close() error {
	c.closed = true
	return nil
}
