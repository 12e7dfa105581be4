package obelix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterix-daq/obelix/event"
)

func testSettings() *DigitizerSettings {
	return &DigitizerSettings{
		RecordLength:    8,
		PostTrigger:     50,
		BlockTransfer:   16,
		EnableMask:      0x0103,
		ExternalTrigger: TriggerAcquisitionOnly,
		ChannelTrigger:  TriggerAcquisitionAndOut,
		IsZLE:           true,
		Channels: []ChannelSettings{
			{Channel: 0, Enabled: true, DCOffset: 0x1111, TriggerThreshold: 100},
			{Channel: 1, Enabled: true, ZLEThreshold: 0x20},
			{Channel: 8, Enabled: true, ZLEThreshold: 0x30},
		},
		GenericWrites: []GenericWrite{{Addr: regChannelConfig, Data: 0x10, Mask: 0x10}},
	}
}

func TestProgramRegisters(t *testing.T) {
	sd := NewSimDigitizer(2, SimConfig{})
	require.NoError(t, sd.Program(testSettings()))

	reg := func(k int, addr uint32) uint32 {
		v, err := sd.ReadRegister(k, addr)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, uint32(0x03), reg(0, regChannelEnableMask))
	assert.Equal(t, uint32(0x01), reg(1, regChannelEnableMask))
	assert.Equal(t, uint32(8), reg(0, regRecordLength))
	assert.Equal(t, uint32(50), reg(1, regPostTrigger))
	assert.Equal(t, uint32(16), reg(0, regMaxBLTEvents))
	assert.Equal(t, triggerExternalBit|0x03, reg(0, regTriggerSourceMask))
	assert.Equal(t, uint32(0x03), reg(0, regTriggerOutMask))
	assert.Equal(t, uint32(0x1111), reg(0, 0x1098))
	assert.Equal(t, uint32(100), reg(0, 0x1080))
	assert.Equal(t, uint32(0x80000020), reg(0, 0x1124), "channel 1 ZLE threshold")
	assert.Equal(t, uint32(0x80000030), reg(1, 0x1024), "channel 8 is channel 0 of board 1")
	assert.Equal(t, zleModeBits|0x10, reg(0, regChannelConfig))
	assert.Zero(t, reg(1, 0x1124))
}

func TestProgramSoftErrors(t *testing.T) {
	sd := NewSimDigitizer(2, SimConfig{})
	s := testSettings()
	s.RecordLength = maxSimRecordLength + 2
	s.GenericWrites = append(s.GenericWrites, GenericWrite{Addr: 0x4000, Data: 1, Mask: 1})

	err := sd.Program(s)
	var perr *ProgramError
	require.True(t, errors.As(err, &perr), "got %v", err)
	require.Len(t, perr.Failures, 4)
	assert.Equal(t, RegisterFailure{Board: 0, Addr: regRecordLength, Err: perr.Failures[0].Err}, perr.Failures[0])
	assert.Equal(t, uint32(0x4000), perr.Failures[1].Addr)
	assert.ErrorIs(t, perr.Failures[1].Err, errNoSuchRegister)
	assert.Equal(t, 1, perr.Failures[2].Board)

	// The boards are still programmed past the failures.
	v, err := sd.ReadRegister(1, regChannelConfig)
	require.NoError(t, err)
	assert.Equal(t, zleModeBits|0x10, v)
}

func TestSimReadBuffer(t *testing.T) {
	cfg := SimConfig{EventsPerRead: 3, TicksPerEvent: 250, StartCounter: 40, StartTicks: 1000}
	sd := NewSimDigitizer(1, cfg)
	s := testSettings()
	s.IsZLE = false
	require.NoError(t, sd.Program(s))

	ro, err := sd.ReadBuffer()
	require.NoError(t, err)
	n, _ := ro.Events()
	assert.Zero(t, n, "no events before acquisition starts")
	ro.Release()

	require.NoError(t, sd.StartAcquisition())
	ro, err = sd.ReadBuffer()
	require.NoError(t, err)
	defer ro.Release()
	n, ok := ro.Events()
	assert.Equal(t, 3, n)
	assert.True(t, ok)
	require.Len(t, ro.Boards, 1)

	// 2 channels of 8 samples, 2 samples per word
	const words = event.BoardHeaderWords + 2*4
	assert.Equal(t, 3*words*event.WordSize, ro.Bytes())

	off := 0
	for i := 0; i < n; i++ {
		frag, next, err := frameBoard(ro.Boards[0].Data, off)
		require.NoError(t, err)
		assert.Equal(t, uint32(words), frag.Words())
		assert.Equal(t, uint32(0x03), frag.ChannelMask())
		assert.False(t, frag.ZLE())
		assert.Equal(t, uint32(40+i), frag.Counter())
		assert.Equal(t, uint32(1000+250*i), frag.Timestamp())
		off = next
	}
	assert.Equal(t, len(ro.Boards[0].Data), off)
}

func TestSimBufferInFlight(t *testing.T) {
	sd := NewSimDigitizer(1, SimConfig{EventsPerRead: 1})
	require.NoError(t, sd.Program(testSettings()))
	require.NoError(t, sd.StartAcquisition())

	ro, err := sd.ReadBuffer()
	require.NoError(t, err)
	_, err = sd.ReadBuffer()
	assert.ErrorIs(t, err, ErrBufferInFlight)
	ro.Release()
	ro.Release()
	ro, err = sd.ReadBuffer()
	assert.NoError(t, err)
	ro.Release()
}

func TestSimSoftwareTrigger(t *testing.T) {
	sd := NewSimDigitizer(2, SimConfig{})
	require.NoError(t, sd.Program(testSettings()))
	assert.Error(t, sd.SoftwareTrigger(), "trigger while stopped")

	require.NoError(t, sd.StartAcquisition())
	require.NoError(t, sd.SoftwareTrigger())
	require.NoError(t, sd.SoftwareTrigger())
	ro, err := sd.ReadBuffer()
	require.NoError(t, err)
	n, ok := ro.Events()
	assert.Equal(t, 2, n)
	assert.True(t, ok)
	ro.Release()

	ro, err = sd.ReadBuffer()
	require.NoError(t, err)
	n, _ = ro.Events()
	assert.Zero(t, n)
	ro.Release()

	require.NoError(t, sd.StopAcquisition())
	require.NoError(t, sd.Close())
	_, err = sd.ReadBuffer()
	assert.Error(t, err)
	assert.NotEmpty(t, sd.Inspect())
}

func TestNewHardwareSource(t *testing.T) {
	cfg := validConfig(t.TempDir())
	require.NoError(t, cfg.Validate())
	hw, err := NewHardwareSource(cfg)
	require.NoError(t, err)
	assert.IsType(t, &SimDigitizer{}, hw)

	cfg.Source = "v1724"
	_, err = NewHardwareSource(cfg)
	assert.Error(t, err)
}

func TestReadoutEvents(t *testing.T) {
	var nilReadout *Readout
	n, ok := nilReadout.Events()
	assert.Zero(t, n)
	assert.True(t, ok)
	nilReadout.Release()

	released := 0
	ro := NewReadout([]BoardBuffer{{Events: 4, Data: make([]byte, 8)}, {Events: 3, Data: make([]byte, 4)}},
		func() { released++ })
	n, ok = ro.Events()
	assert.Equal(t, 3, n)
	assert.False(t, ok)
	assert.Equal(t, 12, ro.Bytes())
	ro.Release()
	ro.Release()
	assert.Equal(t, 1, released)
}
