package obelix

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/asterix-daq/obelix/astfile"
	"github.com/asterix-daq/obelix/event"
)

// RunFileWriter writes the events of one run into a directory of numbered
// .ast files holding at most EventsPerFile events each. It is driven by the
// pipeline's writer goroutine between Open and Close; its counters may be
// read from anywhere.
type RunFileWriter struct {
	EventsPerFile int
	Extension     string

	dir     string
	runName string
	file    *os.File
	w       *bufio.Writer

	files      []astfile.FileInfo
	eventSizes []uint32
	cumulative []uint64
	runBytes   uint64

	eventsInFile atomic.Int64
	eventsInRun  atomic.Int64
	bytesWritten atomic.Int64
}

const fileBufferSize = 1 << 20

// NewRunFileWriter returns a writer that rotates files every eventsPerFile
// events.
func NewRunFileWriter(eventsPerFile int, extension string) *RunFileWriter {
	if extension == "" {
		extension = astfile.DefaultExtension
	}
	return &RunFileWriter{EventsPerFile: eventsPerFile, Extension: extension}
}

var errNoRunFile = errors.New("no run file is open")

// Open starts a run: it clears the per-run lists and creates file 0 of
// runName in dir, which must exist.
func (fw *RunFileWriter) Open(dir, runName string) error {
	if fw.file != nil {
		return fmt.Errorf("run %s is still open", fw.runName)
	}
	fw.dir = dir
	fw.runName = runName
	fw.files = fw.files[:0]
	fw.eventSizes = fw.eventSizes[:0]
	fw.cumulative = fw.cumulative[:0]
	fw.runBytes = 0
	fw.eventsInRun.Store(0)
	fw.bytesWritten.Store(0)
	return fw.openNext()
}

func (fw *RunFileWriter) openNext() error {
	index := len(fw.files)
	name := filepath.Join(fw.dir, astfile.FileName(fw.runName, index, fw.Extension))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("cannot open run file: %w", err)
	}
	fw.file = f
	if fw.w == nil {
		fw.w = bufio.NewWriterSize(f, fileBufferSize)
	} else {
		fw.w.Reset(f)
	}
	fw.files = append(fw.files, astfile.FileInfo{FileNumber: index})
	fw.eventsInFile.Store(0)
	return nil
}

func (fw *RunFileWriter) closeFile() error {
	if fw.file == nil {
		return nil
	}
	ferr := fw.w.Flush()
	cerr := fw.file.Close()
	fw.file = nil
	if ferr != nil {
		return fmt.Errorf("flushing run file: %w", ferr)
	}
	return cerr
}

// WriteEvent appends rec to the current file, moving to the next file first
// if the current one holds EventsPerFile events.
func (fw *RunFileWriter) WriteEvent(rec *event.Record) (int, error) {
	if fw.file == nil {
		return 0, errNoRunFile
	}
	if fw.EventsPerFile > 0 && fw.eventsInFile.Load() >= int64(fw.EventsPerFile) {
		if err := fw.closeFile(); err != nil {
			return 0, err
		}
		if err := fw.openNext(); err != nil {
			return 0, err
		}
	}
	n, evno, err := rec.Write(fw.w)
	if err != nil {
		return n, fmt.Errorf("writing event %d: %w", evno, err)
	}

	info := &fw.files[len(fw.files)-1]
	if info.EventCount == 0 {
		info.FirstEvent = evno
	}
	info.LastEvent = evno
	info.EventCount++
	info.Bytes += uint64(n)

	fw.runBytes += uint64(n)
	fw.eventSizes = append(fw.eventSizes, uint32(n))
	fw.cumulative = append(fw.cumulative, fw.runBytes)
	fw.eventsInFile.Add(1)
	fw.eventsInRun.Add(1)
	fw.bytesWritten.Add(int64(n))
	return n, nil
}

// Close flushes and closes the current file. Closing a closed writer is a no-op.
func (fw *RunFileWriter) Close() error {
	return fw.closeFile()
}

// IsOpen reports whether a run is being written.
func (fw *RunFileWriter) IsOpen() bool { return fw.file != nil }

// RunName returns the name of the current or last run.
func (fw *RunFileWriter) RunName() string { return fw.runName }

// Dir returns the directory of the current or last run.
func (fw *RunFileWriter) Dir() string { return fw.dir }

// Files describes the files of the run so far.
func (fw *RunFileWriter) Files() []astfile.FileInfo { return fw.files }

// EventSizes lists the stored size of every event of the run.
func (fw *RunFileWriter) EventSizes() []uint32 { return fw.eventSizes }

// Cumulative lists the run's byte total after each event.
func (fw *RunFileWriter) Cumulative() []uint64 { return fw.cumulative }

// EventsInFile returns the number of events in the current file.
func (fw *RunFileWriter) EventsInFile() int64 { return fw.eventsInFile.Load() }

// EventsInRun returns the number of events written this run.
func (fw *RunFileWriter) EventsInRun() int64 { return fw.eventsInRun.Load() }

// BytesWritten returns the number of bytes written this run.
func (fw *RunFileWriter) BytesWritten() int64 { return fw.bytesWritten.Load() }
