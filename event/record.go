// Package event holds the in-memory form of one acquired event and the codec
// between CAEN board sub-headers and the 5-word .ast event header.
//
// Stored header layout, one native-endian 32-bit word each:
//
//	word0: bits[29:0] event number, bits[31:30] start marker
//	word1: merged channel mask, board k at bits [8k+7:8k]
//	word2: bit[31] ZLE flag, bits[30:0] total event size in bytes
//	word3: timestamp bits [63:32]
//	word4: timestamp bits [31:0]
package event

import (
	"errors"
	"fmt"
	"io"

	"github.com/asterix-daq/obelix/getbytes"
)

// Sizes of the fixed parts of board and stored events.
const (
	WordSize         = 4
	HeaderWords      = 5
	HeaderBytes      = HeaderWords * WordSize
	BoardHeaderWords = 4
	BoardHeaderBytes = BoardHeaderWords * WordSize
	MaxBoards        = 4
	ChannelsPerBoard = 8
)

// Board sub-header field masks.
const (
	SizeMask        uint32 = 0x0FFFFFFF
	BoardIDMask     uint32 = 0xF8000000
	BoardIDShift           = 27
	ZLEMask         uint32 = 0x01000000
	ChannelMaskMask uint32 = 0xFF
	CounterMask     uint32 = 0x00FFFFFF
	TimestampMask   uint32 = 0x7FFFFFFF

	TimestampRolloverTicks int64 = 1 << 31
)

// Stored header field masks.
const (
	EventNumberMask uint32 = 0x3FFFFFFF
	StartMarker     uint32 = 0x2
	startShift             = 30
	ZLEFlag         uint32 = 1 << 31
	EventSizeMask   uint32 = 0x7FFFFFFF
)

// ErrFragment reports a board fragment whose declared size disagrees with its body.
var ErrFragment = errors.New("malformed board fragment")

// AllocationError means an event body could not be given storage. It is
// fatal for the run.
type AllocationError struct {
	Requested int
	Limit     int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate %d-byte event body (limit %d)", e.Requested, e.Limit)
}

// Fragment is one board's share of an event: a copy of its 4-word sub-header
// and a view of its sample words inside the hardware readout buffer. The
// body view is valid only until the next readout, so a Fragment must be
// consumed by Record.Add before the producer polls again.
type Fragment struct {
	Header [BoardHeaderWords]uint32
	Body   []byte
}

// Words returns the board event size in 32-bit words, sub-header included.
func (f *Fragment) Words() uint32 { return f.Header[0] & SizeMask }

// BoardID returns the geographic board address.
func (f *Fragment) BoardID() uint32 { return (f.Header[1] & BoardIDMask) >> BoardIDShift }

// ChannelMask returns the board's 8-bit channel mask.
func (f *Fragment) ChannelMask() uint32 { return f.Header[1] & ChannelMaskMask }

// ZLE reports whether zero-length encoding was active for this board event.
func (f *Fragment) ZLE() bool { return f.Header[1]&ZLEMask != 0 }

// Counter returns the board's raw 24-bit event counter.
func (f *Fragment) Counter() uint32 { return f.Header[2] & CounterMask }

// Timestamp returns the raw trigger time tag.
func (f *Fragment) Timestamp() uint32 { return f.Header[3] }

// Record is one event slot of the acquisition pipeline. Slots are allocated
// once and overwritten in place; the body storage is reused between events.
type Record struct {
	header [HeaderWords]uint32
	body   []byte
}

// Add fills the record from the fragments of all participating boards, in
// board order. isFirst marks the first event of a run, which latches the
// run's timestamp and counter reference points in rc.
func (r *Record) Add(frags []Fragment, rc *RunContext, isFirst bool) error {
	if len(frags) == 0 || len(frags) > MaxBoards {
		return fmt.Errorf("%w: %d boards, want 1 to %d", ErrFragment, len(frags), MaxBoards)
	}
	nbody := 0
	var mask uint32
	zle := false
	for k := range frags {
		f := &frags[k]
		words := int(f.Words())
		if words < BoardHeaderWords || len(f.Body) != (words-BoardHeaderWords)*WordSize {
			return fmt.Errorf("%w: board %d declares %d words, body has %d bytes",
				ErrFragment, f.BoardID(), words, len(f.Body))
		}
		nbody += len(f.Body)
		mask |= f.ChannelMask() << (ChannelsPerBoard * k)
		zle = zle || f.ZLE()
	}
	if err := r.reserve(nbody, rc.MaxBodyBytes); err != nil {
		return err
	}
	for k := range frags {
		r.body = append(r.body, frags[k].Body...)
	}

	ts, evno := rc.stamp(frags[0].Timestamp(), frags[0].Counter(), isFirst)
	size := uint32(HeaderBytes + nbody)
	if zle {
		size |= ZLEFlag
	}
	r.header[0] = evno | StartMarker<<startShift
	r.header[1] = mask
	r.header[2] = size
	r.header[3] = uint32(ts >> 32)
	r.header[4] = uint32(ts)
	return nil
}

// reserve empties the body and makes sure it can hold n bytes.
func (r *Record) reserve(n, limit int) error {
	if n+HeaderBytes > int(EventSizeMask) || (limit > 0 && n > limit) {
		return &AllocationError{Requested: n, Limit: limit}
	}
	if cap(r.body) < n {
		r.body = make([]byte, 0, n)
	}
	r.body = r.body[:0]
	return nil
}

// Decode is the per-event processing hook run by the decode workers. It
// leaves the event unchanged and only checks that header and body agree.
func (r *Record) Decode() error {
	if int(r.header[2]&EventSizeMask) != HeaderBytes+len(r.body) {
		return fmt.Errorf("event %d: header size %d, body %d bytes",
			r.EventNumber(), r.header[2]&EventSizeMask, len(r.body))
	}
	return nil
}

// Write writes the 5-word header and then the body to w. It returns the
// number of bytes written and the stored event number.
func (r *Record) Write(w io.Writer) (int, uint32, error) {
	n, err := w.Write(getbytes.FromWords(r.header[:]))
	if err != nil {
		return n, r.EventNumber(), err
	}
	m, err := w.Write(r.body)
	return n + m, r.EventNumber(), err
}

// EventNumber returns the run-relative event number.
func (r *Record) EventNumber() uint32 { return r.header[0] & EventNumberMask }

// ChannelMask returns the merged channel mask.
func (r *Record) ChannelMask() uint32 { return r.header[1] }

// Size returns the total stored size in bytes, header included.
func (r *Record) Size() int { return int(r.header[2] & EventSizeMask) }

// ZLE reports whether any board had zero-length encoding active.
func (r *Record) ZLE() bool { return r.header[2]&ZLEFlag != 0 }

// Timestamp returns the event time in nanoseconds since the epoch.
func (r *Record) Timestamp() uint64 { return uint64(r.header[3])<<32 | uint64(r.header[4]) }

// Body returns the merged sample words. The slice is reused by the next Add.
func (r *Record) Body() []byte { return r.body }

// Header returns the decoded form of the stored header.
func (r *Record) Header() Header {
	h, _ := parseWords(r.header)
	return h
}
