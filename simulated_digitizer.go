package obelix

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/asterix-daq/obelix/event"
	"github.com/asterix-daq/obelix/getbytes"
)

// SimDigitizer is a software stand-in for a chain of V1724 boards. It keeps
// a register map per board, honors the registers that shape the data
// (channel enable mask, record length, ZLE mode) and produces board events
// in CAEN layout with a shared trigger counter and time tag.
type SimDigitizer struct {
	cfg       SimConfig
	registers []map[uint32]uint32
	buffers   [][]byte
	counter   uint32
	ticks     uint32
	triggers  int
	acquiring bool
	inFlight  bool
	closed    bool
	lastRead  time.Time
	sync.Mutex
}

// maxSimRecordLength is the largest record length the simulated memory
// holds; longer requests are clipped, as the real boards do.
const maxSimRecordLength uint32 = 1 << 16

const simBaseline = 16000

var errNoSuchRegister = errors.New("no such register")

// NewSimDigitizer creates a simulated chain of nboards boards.
func NewSimDigitizer(nboards int, cfg SimConfig) *SimDigitizer {
	if nboards < 1 {
		nboards = 1
	}
	sd := &SimDigitizer{
		cfg:       cfg,
		registers: make([]map[uint32]uint32, nboards),
		buffers:   make([][]byte, nboards),
		counter:   cfg.StartCounter & event.CounterMask,
		ticks:     cfg.StartTicks & event.TimestampMask,
	}
	for k := range sd.registers {
		sd.registers[k] = make(map[uint32]uint32)
	}
	return sd
}

// validAddress reports whether addr lies in a register block of the board.
func validAddress(addr uint32) bool {
	switch {
	case addr&0x3 != 0:
		return false
	case addr >= 0x1000 && addr < 0x1800:
		return true
	case addr >= 0x8000 && addr < 0x8200:
		return true
	case addr >= 0xEF00 && addr < 0xF000:
		return true
	}
	return false
}

// WriteRegister sets one register of board k.
func (sd *SimDigitizer) WriteRegister(k int, addr, data uint32) error {
	sd.Lock()
	defer sd.Unlock()
	return sd.writeRegister(k, addr, data)
}

func (sd *SimDigitizer) writeRegister(k int, addr, data uint32) error {
	if k < 0 || k >= len(sd.registers) {
		return fmt.Errorf("no board %d", k)
	}
	if !validAddress(addr) {
		return errNoSuchRegister
	}
	switch addr {
	case regSoftwareReset:
		clear(sd.registers[k])
		return nil
	case regRecordLength:
		data = min(data, maxSimRecordLength)
	}
	sd.registers[k][addr] = data
	return nil
}

// ReadRegister returns one register of board k.
func (sd *SimDigitizer) ReadRegister(k int, addr uint32) (uint32, error) {
	sd.Lock()
	defer sd.Unlock()
	if k < 0 || k >= len(sd.registers) {
		return 0, fmt.Errorf("no board %d", k)
	}
	if !validAddress(addr) {
		return 0, errNoSuchRegister
	}
	return sd.registers[k][addr], nil
}

// Program writes the settings to every simulated board.
func (sd *SimDigitizer) Program(s *DigitizerSettings) error {
	sd.Lock()
	closed := sd.closed
	sd.Unlock()
	if closed {
		return errors.New("simulated digitizer is closed")
	}
	return programBoards(sd, len(sd.registers), s)
}

// StartAcquisition arms the boards.
func (sd *SimDigitizer) StartAcquisition() error {
	sd.Lock()
	defer sd.Unlock()
	if sd.closed {
		return errors.New("simulated digitizer is closed")
	}
	sd.acquiring = true
	sd.lastRead = time.Now()
	return nil
}

// StopAcquisition disarms the boards. Events not yet read are lost.
func (sd *SimDigitizer) StopAcquisition() error {
	sd.Lock()
	defer sd.Unlock()
	sd.acquiring = false
	sd.triggers = 0
	return nil
}

// SoftwareTrigger adds one event to the next readout.
func (sd *SimDigitizer) SoftwareTrigger() error {
	sd.Lock()
	defer sd.Unlock()
	if !sd.acquiring {
		return errors.New("software trigger while not acquiring")
	}
	sd.triggers++
	return nil
}

// ReadBuffer produces the events acquired since the last read. It waits out
// the remainder of the configured read period first.
func (sd *SimDigitizer) ReadBuffer() (*Readout, error) {
	sd.Lock()
	wait := time.Until(sd.lastRead.Add(sd.cfg.ReadPeriod))
	sd.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	sd.Lock()
	defer sd.Unlock()
	switch {
	case sd.closed:
		return nil, errors.New("simulated digitizer is closed")
	case sd.inFlight:
		return nil, ErrBufferInFlight
	}
	sd.lastRead = time.Now()
	if !sd.acquiring {
		return NewReadout(nil, nil), nil
	}

	nevents := sd.cfg.EventsPerRead + sd.triggers
	sd.triggers = 0
	boards := make([]BoardBuffer, len(sd.registers))
	for k := range boards {
		sd.buffers[k] = sd.buffers[k][:0]
		boards[k] = BoardBuffer{Board: k, Events: nevents}
	}
	for e := 0; e < nevents; e++ {
		for k := range boards {
			sd.buffers[k] = sd.appendEvent(sd.buffers[k], k)
		}
		sd.counter = (sd.counter + 1) & event.CounterMask
		sd.ticks = (sd.ticks + sd.cfg.TicksPerEvent) & event.TimestampMask
	}
	for k := range boards {
		boards[k].Data = sd.buffers[k]
	}
	sd.inFlight = true
	return NewReadout(boards, sd.release), nil
}

func (sd *SimDigitizer) release() {
	sd.Lock()
	sd.inFlight = false
	sd.Unlock()
}

// appendEvent appends one board event for board k, shaped by its registers.
func (sd *SimDigitizer) appendEvent(buf []byte, k int) []byte {
	regs := sd.registers[k]
	mask := regs[regChannelEnableMask] & event.ChannelMaskMask
	wordsPerChannel := regs[regRecordLength] / 2
	nch := uint32(0)
	for m := mask; m != 0; m &= m - 1 {
		nch++
	}
	words := uint32(event.BoardHeaderWords) + nch*wordsPerChannel

	var zle uint32
	if regs[regChannelConfig]&zleModeMask == zleModeBits {
		zle = event.ZLEMask
	}
	buf = getbytes.AppendWords(buf,
		0xA0000000|words,
		uint32(k)<<event.BoardIDShift|zle|mask,
		sd.counter,
		sd.ticks,
	)
	for ch := uint32(0); ch < event.ChannelsPerBoard; ch++ {
		if mask&(1<<ch) == 0 {
			continue
		}
		for i := uint32(0); i < wordsPerChannel; i++ {
			v := (simBaseline + (sd.counter+ch+i)%16) & 0x3FFF
			buf = getbytes.AppendWords(buf, v|v<<16)
		}
	}
	return buf
}

// Close shuts the simulated boards down.
func (sd *SimDigitizer) Close() error {
	sd.Lock()
	defer sd.Unlock()
	sd.acquiring = false
	sd.closed = true
	return nil
}

// Inspect returns a dump of the register maps and counters.
func (sd *SimDigitizer) Inspect() string {
	sd.Lock()
	defer sd.Unlock()
	return spew.Sdump(sd.registers, sd.counter, sd.ticks, sd.acquiring)
}
