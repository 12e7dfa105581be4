package event

import (
	"encoding/binary"
	"fmt"
)

// Header is the decoded 5-word header of a stored event.
type Header struct {
	EventNumber uint32
	ChannelMask uint32
	Size        uint32 // total bytes on disk, header included
	ZLE         bool
	Timestamp   uint64 // ns since the epoch
}

// ParseHeader decodes a stored event header from the first HeaderBytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderBytes {
		return Header{}, fmt.Errorf("event header needs %d bytes, have %d", HeaderBytes, len(b))
	}
	var words [HeaderWords]uint32
	for i := range words {
		words[i] = binary.NativeEndian.Uint32(b[i*WordSize:])
	}
	return parseWords(words)
}

func parseWords(words [HeaderWords]uint32) (Header, error) {
	h := Header{
		EventNumber: words[0] & EventNumberMask,
		ChannelMask: words[1],
		Size:        words[2] & EventSizeMask,
		ZLE:         words[2]&ZLEFlag != 0,
		Timestamp:   uint64(words[3])<<32 | uint64(words[4]),
	}
	if marker := words[0] >> startShift; marker != StartMarker {
		return h, fmt.Errorf("event header start marker is 0x%x, want 0x%x", marker, StartMarker)
	}
	if h.Size < HeaderBytes {
		return h, fmt.Errorf("event %d size %d is smaller than its header", h.EventNumber, h.Size)
	}
	return h, nil
}

// BodyLen returns the number of body bytes following the header.
func (h Header) BodyLen() int {
	return int(h.Size) - HeaderBytes
}

// Channels lists the channel numbers (0..31) present in the event.
func (h Header) Channels() []int {
	var chans []int
	for ch := 0; ch < MaxBoards*ChannelsPerBoard; ch++ {
		if h.ChannelMask&(1<<ch) != 0 {
			chans = append(chans, ch)
		}
	}
	return chans
}
