package obelix

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedBuffer means a readout buffer could not be split into events.
	ErrMalformedBuffer = errors.New("malformed readout buffer")

	// ErrInterrupted is returned from a blocking pipeline operation that was
	// cancelled before it completed.
	ErrInterrupted = errors.New("interrupted")

	// ErrPipelineActive is returned by operations that need the workers stopped.
	ErrPipelineActive = errors.New("pipeline workers are running")

	// ErrPipelineStopped is returned when the producer must wait for workers
	// that are not running.
	ErrPipelineStopped = errors.New("pipeline workers are not running")

	// ErrBufferInFlight is returned by a hardware source asked for a new
	// readout before the previous one was released.
	ErrBufferInFlight = errors.New("previous readout buffer not yet released")
)

// ConfigError reports one invalid configuration field.
type ConfigError struct {
	Field   string
	Problem string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %q: %s", e.Field, e.Problem)
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Problem: fmt.Sprintf(format, args...)}
}

// RegisterFailure is one register write or read-back that did not succeed.
type RegisterFailure struct {
	Board int
	Addr  uint32
	Err   error
}

// ProgramError accumulates the soft failures seen while programming the
// digitizers. Programming continues past them; the boards remain usable.
type ProgramError struct {
	Failures []RegisterFailure
}

func (e *ProgramError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("board %d 0x%04x: %v", f.Board, f.Addr, f.Err))
	}
	return fmt.Sprintf("%d register programming errors: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *ProgramError) add(board int, addr uint32, err error) {
	e.Failures = append(e.Failures, RegisterFailure{Board: board, Addr: addr, Err: err})
}

// errOrNil returns e as an error only if it holds failures.
func (e *ProgramError) errOrNil() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e
}
