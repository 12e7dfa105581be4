// Package astfile reads and writes the on-disk products of a run: the
// sequence of .ast event files, the pax_info.json sidecar and the
// event-offset index.
package astfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/asterix-daq/obelix/event"
)

// DefaultExtension is the suffix of raw event files.
const DefaultExtension = "ast"

// FileName returns the name of file number index of run runName.
func FileName(runName string, index int, ext string) string {
	return fmt.Sprintf("%s_%06d.%s", runName, index, ext)
}

// Reader reads events sequentially from one .ast file. The file has no
// header or trailer: it is a run of events, each a 5-word header and body.
type Reader struct {
	FileName string
	Events   int // events returned so far
	Offset   int64

	file *os.File
	rd   *bufio.Reader
	hdr  [event.HeaderBytes]byte
}

// OpenReader returns an active .ast file reader, or an error.
func OpenReader(fileName string) (*Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	return &Reader{FileName: fileName, file: f, rd: bufio.NewReaderSize(f, 1<<20)}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// NextEvent returns the next event header and body. At a clean end of file
// it returns io.EOF; a file truncated inside an event yields io.ErrUnexpectedEOF.
func (r *Reader) NextEvent() (event.Header, []byte, error) {
	if _, err := io.ReadFull(r.rd, r.hdr[:]); err != nil {
		return event.Header{}, nil, err
	}
	h, err := event.ParseHeader(r.hdr[:])
	if err != nil {
		return h, nil, fmt.Errorf("%s event %d at offset %d: %w", r.FileName, r.Events, r.Offset, err)
	}
	body := make([]byte, h.BodyLen())
	if _, err := io.ReadFull(r.rd, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, err
	}
	r.Events++
	r.Offset += int64(h.Size)
	return h, body, nil
}

// ReadAll returns the headers of every event left in the file.
func (r *Reader) ReadAll() ([]event.Header, error) {
	var headers []event.Header
	for {
		h, _, err := r.NextEvent()
		if err == io.EOF {
			return headers, nil
		}
		if err != nil {
			return headers, err
		}
		headers = append(headers, h)
	}
}
