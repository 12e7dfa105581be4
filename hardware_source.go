package obelix

import (
	"fmt"
	"sync"

	"github.com/asterix-daq/obelix/event"
)

// HardwareSource is the interface to a set of digitizer boards read out
// together. All methods are called from the acquisition goroutine.
type HardwareSource interface {
	// Program writes the settings to every board. A *ProgramError reports
	// soft register failures after which the boards are still usable; any
	// other error is fatal.
	Program(s *DigitizerSettings) error
	StartAcquisition() error
	StopAcquisition() error
	SoftwareTrigger() error
	// ReadBuffer returns the data acquired since the last call. The readout
	// borrows the source's buffers: it must be released before the next
	// call, which fails with ErrBufferInFlight otherwise.
	ReadBuffer() (*Readout, error)
	Close() error
}

// NewHardwareSource returns the source named in cfg.Source.
func NewHardwareSource(cfg *Config) (HardwareSource, error) {
	switch cfg.Source {
	case "", "simulated":
		return NewSimDigitizer(len(cfg.Boards), cfg.Simulated), nil
	}
	return nil, fmt.Errorf("hardware source %q is not supported by this build", cfg.Source)
}

// BoardBuffer is one board's share of a readout: a run of complete board
// events in CAEN layout.
type BoardBuffer struct {
	Board  int // position among the boards read together
	Data   []byte
	Events int
}

// Readout is the result of one hardware poll.
type Readout struct {
	Boards  []BoardBuffer
	release func()
	once    sync.Once
}

// NewReadout wraps board buffers. release, if not nil, is called once when
// the readout is released.
func NewReadout(boards []BoardBuffer, release func()) *Readout {
	return &Readout{Boards: boards, release: release}
}

// Events returns the number of complete events in the readout, which is the
// smallest count over all boards. consistent is false when boards disagree.
func (r *Readout) Events() (n int, consistent bool) {
	if r == nil || len(r.Boards) == 0 {
		return 0, true
	}
	n = r.Boards[0].Events
	consistent = true
	for _, b := range r.Boards[1:] {
		if b.Events != n {
			consistent = false
		}
		n = min(n, b.Events)
	}
	return n, consistent
}

// Bytes returns the total readout size.
func (r *Readout) Bytes() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, b := range r.Boards {
		n += len(b.Data)
	}
	return n
}

// Release hands the buffers back to the source. Safe to call more than once.
func (r *Readout) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// V1724 register addresses.
const (
	regChannelConfig      uint32 = 0x8000
	regRecordLength       uint32 = 0x8020
	regTriggerSourceMask  uint32 = 0x810C
	regTriggerOutMask     uint32 = 0x8110
	regPostTrigger        uint32 = 0x8114
	regFrontPanelIO       uint32 = 0x811C
	regChannelEnableMask  uint32 = 0x8120
	regMaxBLTEvents       uint32 = 0xEF1C
	regSoftwareReset      uint32 = 0xEF24
	regZLEThresholdBase   uint32 = 0x1024
	regTriggerThreshBase  uint32 = 0x1080
	regDCOffsetBase       uint32 = 0x1098
	channelRegisterStride uint32 = 0x100
)

// Bits and masks of the registers above.
const (
	triggerExternalBit uint32 = 1 << 30
	zleThresholdMask   uint32 = 0x80003FFF
	zleThresholdEnable uint32 = 1 << 31
	zleModeMask        uint32 = 0x000F0000
	zleModeBits        uint32 = 0x00020000
	ioLevelTTLBit      uint32 = 0x1
)

// registerBus is the register access shared by every CAEN board source.
type registerBus interface {
	WriteRegister(board int, addr, data uint32) error
	ReadRegister(board int, addr uint32) (uint32, error)
}

// channelRegister returns the address of a per-channel register.
func channelRegister(base uint32, ch int) uint32 {
	return base + channelRegisterStride*uint32(ch%event.ChannelsPerBoard)
}

// programBoards runs the programming sequence on every board. Register
// failures are collected and programming goes on.
func programBoards(bus registerBus, nboards int, s *DigitizerSettings) error {
	perr := new(ProgramError)
	for k := 0; k < nboards; k++ {
		programBoard(bus, k, s, perr)
	}
	return perr.errOrNil()
}

func programBoard(bus registerBus, k int, s *DigitizerSettings, perr *ProgramError) {
	write := func(addr, data uint32) {
		if err := bus.WriteRegister(k, addr, data); err != nil {
			perr.add(k, addr, err)
		}
	}
	writeChecked := func(addr, data uint32) {
		if err := bus.WriteRegister(k, addr, data); err != nil {
			perr.add(k, addr, err)
			return
		}
		got, err := bus.ReadRegister(k, addr)
		if err != nil {
			perr.add(k, addr, err)
		} else if got != data {
			perr.add(k, addr, fmt.Errorf("wrote 0x%x, read back 0x%x", data, got))
		}
	}
	maskedWrite := func(addr, data, mask uint32) {
		old, err := bus.ReadRegister(k, addr)
		if err != nil {
			perr.add(k, addr, err)
			return
		}
		write(addr, (old&^mask)|(data&mask))
	}

	boardMask := s.BoardMask(k)
	write(regSoftwareReset, 1)
	write(regChannelEnableMask, boardMask)
	writeChecked(regRecordLength, s.RecordLength)
	writeChecked(regPostTrigger, s.PostTrigger)
	if s.IOLevel == IOLevelTTL {
		write(regFrontPanelIO, ioLevelTTLBit)
	} else {
		write(regFrontPanelIO, 0)
	}

	var trigSource, trigOut uint32
	if s.ExternalTrigger.acquires() {
		trigSource |= triggerExternalBit
	}
	if s.ExternalTrigger.propagates() {
		trigOut |= triggerExternalBit
	}
	if s.ChannelTrigger.acquires() {
		trigSource |= boardMask
	}
	if s.ChannelTrigger.propagates() {
		trigOut |= boardMask
	}
	write(regTriggerSourceMask, trigSource)
	write(regTriggerOutMask, trigOut)
	write(regMaxBLTEvents, s.BlockTransfer)

	for _, ch := range s.Channels {
		if ch.Channel/event.ChannelsPerBoard != k || !ch.Enabled {
			continue
		}
		write(channelRegister(regDCOffsetBase, ch.Channel), ch.DCOffset)
		write(channelRegister(regTriggerThreshBase, ch.Channel), ch.TriggerThreshold)
		if s.IsZLE {
			maskedWrite(channelRegister(regZLEThresholdBase, ch.Channel),
				ch.ZLEThreshold|zleThresholdEnable, zleThresholdMask)
		}
	}
	if s.IsZLE {
		maskedWrite(regChannelConfig, zleModeBits, zleModeMask)
	} else {
		maskedWrite(regChannelConfig, 0, zleModeMask)
	}

	for _, gw := range s.GenericWrites {
		maskedWrite(gw.Addr, gw.Data, gw.Mask)
	}
}
