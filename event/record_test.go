package event

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterix-daq/obelix/getbytes"
)

// makeFragment builds a board fragment in CAEN layout with the given samples.
func makeFragment(boardID, mask uint32, zle bool, counter, ticks uint32, samples ...uint32) Fragment {
	var f Fragment
	f.Header[0] = 0xA0000000 | uint32(BoardHeaderWords+len(samples))
	f.Header[1] = boardID<<BoardIDShift | mask
	if zle {
		f.Header[1] |= ZLEMask
	}
	f.Header[2] = counter
	f.Header[3] = ticks
	f.Body = append([]byte{}, getbytes.FromWords(samples)...)
	return f
}

var runStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newContext() *RunContext {
	rc := NewRunContext(10, 0)
	rc.Reset(runStart)
	return rc
}

func TestChannelMaskMerge(t *testing.T) {
	rc := newContext()
	var r Record
	frags := []Fragment{
		makeFragment(0, 0x0F, false, 1, 100, 1, 2),
		makeFragment(1, 0x03, false, 1, 100, 3),
	}
	require.NoError(t, r.Add(frags, rc, true))
	assert.Equal(t, uint32(0x030F), r.ChannelMask())
	assert.Equal(t, HeaderBytes+3*WordSize, r.Size())
	assert.Equal(t, []byte(getbytes.FromWords([]uint32{1, 2, 3})), r.Body())
	assert.Equal(t, []int{0, 1, 2, 3, 8, 9}, r.Header().Channels())
}

func TestEventNumbering(t *testing.T) {
	rc := newContext()
	var r Record
	const start = 123456
	for i := 0; i < 10; i++ {
		f := []Fragment{makeFragment(0, 1, false, uint32(start+i), uint32(1000*i), 7)}
		require.NoError(t, r.Add(f, rc, i == 0))
		assert.Equal(t, uint32(i), r.EventNumber(), "event %d", i)
	}

	// A new run renumbers from zero, whatever the hardware counter says.
	rc.Reset(runStart.Add(time.Hour))
	f := []Fragment{makeFragment(0, 1, false, 999, 5, 7)}
	require.NoError(t, r.Add(f, rc, true))
	assert.Equal(t, uint32(0), r.EventNumber())
	assert.Equal(t, uint64(runStart.Add(time.Hour).UnixNano()), r.Timestamp())
}

func TestCounterRollover(t *testing.T) {
	rc := newContext()
	var r Record
	counters := []uint32{CounterMask - 1, CounterMask, 0, 1}
	for i, c := range counters {
		require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, c, uint32(i), 0)}, rc, i == 0))
		assert.Equal(t, uint32(i), r.EventNumber())
	}
}

func TestTimestampRollover(t *testing.T) {
	rc := newContext()
	var r Record
	const t1, t2 uint32 = 2_000_000_000, 100
	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 0, t1, 0)}, rc, true))
	first := r.Timestamp()
	assert.Equal(t, uint64(runStart.UnixNano()), first)

	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 1, t2, 0)}, rc, false))
	assert.Equal(t, int64(1), rc.Rollovers())
	wantTicks := int64(t2) + TimestampRolloverTicks - int64(t1)
	assert.Equal(t, uint64(wantTicks*rc.NanosPerTick), r.Timestamp()-first)
}

func TestObserveKeepsRollovers(t *testing.T) {
	rc := newContext()
	var r Record
	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 10, 1_000_000_000, 0)}, rc, true))
	first := r.Timestamp()
	rc.Observe(2_000_000_000, 11)
	rc.Observe(500_000_000, 12)
	assert.Equal(t, int64(1), rc.Rollovers())

	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 13, 1_600_000_000, 0)}, rc, false))
	wantTicks := int64(1_600_000_000) + TimestampRolloverTicks - 1_000_000_000
	assert.Equal(t, uint64(wantTicks*rc.NanosPerTick), r.Timestamp()-first)
	assert.Equal(t, uint32(3), r.EventNumber())
}

func TestTimestampMonotonic(t *testing.T) {
	rc := newContext()
	var r Record
	rng := rand.New(rand.NewSource(42))
	ticks := uint32(TimestampRolloverTicks - 5_000_000)
	var last uint64
	for i := 0; i < 5000; i++ {
		ticks = (ticks + uint32(rng.Intn(100_000))) & TimestampMask
		require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, uint32(i), ticks, 0)}, rc, i == 0))
		if i > 0 {
			require.GreaterOrEqual(t, r.Timestamp(), last, "event %d", i)
		}
		last = r.Timestamp()
	}
	assert.Positive(t, rc.Rollovers())
}

func TestWriteRoundTrip(t *testing.T) {
	rc := newContext()
	var r Record
	frags := []Fragment{
		makeFragment(0, 0xFF, true, 10, 500, 0x11112222, 0x33334444),
		makeFragment(1, 0x01, false, 10, 500, 0x55556666),
	}
	require.NoError(t, r.Add(frags, rc, true))
	require.NoError(t, r.Add([]Fragment{
		makeFragment(0, 0xFF, true, 11, 800, 0x0A0B0C0D, 0x01020304),
		makeFragment(1, 0x01, false, 11, 800, 0x77778888),
	}, rc, false))
	require.NoError(t, r.Decode())

	var buf bytes.Buffer
	n, evno, err := r.Write(&buf)
	require.NoError(t, err)
	assert.Equal(t, r.Size(), n)
	assert.Equal(t, uint32(1), evno)
	assert.Equal(t, n, buf.Len())

	h, err := ParseHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, r.Header(), h)
	assert.Equal(t, uint32(1), h.EventNumber)
	assert.Equal(t, uint32(0x01FF), h.ChannelMask)
	assert.True(t, h.ZLE)
	assert.Equal(t, uint32(HeaderBytes+12), h.Size)
	assert.Equal(t, uint64(runStart.UnixNano()+300*10), h.Timestamp)
	assert.Equal(t, r.Body(), buf.Bytes()[HeaderBytes:])
	assert.Equal(t, 12, h.BodyLen())
}

func TestAllocationLimit(t *testing.T) {
	rc := NewRunContext(10, 8)
	rc.Reset(runStart)
	var r Record
	err := r.Add([]Fragment{makeFragment(0, 1, false, 0, 0, 1, 2, 3)}, rc, true)
	var aerr *AllocationError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, 12, aerr.Requested)
	assert.Equal(t, 8, aerr.Limit)
}

func TestMalformedFragments(t *testing.T) {
	rc := newContext()
	var r Record
	f := makeFragment(0, 1, false, 0, 0, 1, 2)
	f.Body = f.Body[:4]
	assert.ErrorIs(t, r.Add([]Fragment{f}, rc, true), ErrFragment)
	assert.ErrorIs(t, r.Add(nil, rc, true), ErrFragment)
	five := make([]Fragment, MaxBoards+1)
	assert.ErrorIs(t, r.Add(five, rc, true), ErrFragment)
}

func TestSlotReuse(t *testing.T) {
	rc := newContext()
	var r Record
	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 0, 0, 1, 2, 3, 4)}, rc, true))
	capBefore := cap(r.Body())
	require.NoError(t, r.Add([]Fragment{makeFragment(0, 1, false, 1, 1, 9)}, rc, false))
	assert.Len(t, r.Body(), 4)
	assert.Equal(t, capBefore, cap(r.Body()))
	assert.NoError(t, r.Decode())
}

func TestParseHeaderErrors(t *testing.T) {
	_, err := ParseHeader(make([]byte, 10))
	assert.Error(t, err)
	_, err = ParseHeader(make([]byte, HeaderBytes))
	assert.Error(t, err, "zero marker should be rejected")
}
