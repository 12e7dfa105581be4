package obelix

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asterix-daq/obelix/event"
)

// EventSink receives decoded events, in order, from the pipeline's writer.
type EventSink interface {
	WriteEvent(rec *event.Record) (int, error)
}

// Pipeline is a fixed ring of event slots shared by one producer (the
// polling goroutine calling AddEvents), a pool of decode workers and one
// writer. Each stage owns a monotonic sequence counter; the ring pointers
// are those counters modulo the ring length. A slot is touched by exactly
// one stage at a time:
//
//	written <= decoded <= claimed <= inserted <= written + L - 1
//
// The producer stalls while the ring is full, that is when it would
// advance onto the oldest slot the writer has not released.
type Pipeline struct {
	slots   []event.Record
	length  int64
	workers int
	rc      *event.RunContext

	inserted atomic.Int64
	claimed  atomic.Int64
	decoded  atomic.Int64
	written  atomic.Int64

	pendingDecode atomic.Int64
	pendingWrite  atomic.Int64

	running atomic.Bool
	saving  atomic.Bool
	failure atomic.Pointer[error]
	stalls  atomic.Int64

	// Producer-only state.
	first   bool
	stalled bool
	frags   []event.Fragment
	offsets []int

	sink  EventSink
	group *errgroup.Group
}

// NewPipeline allocates a ring of length slots served by the given number
// of decode workers. Event numbering and timestamps use rc.
func NewPipeline(length, workers int, rc *event.RunContext) (*Pipeline, error) {
	if length < 2 {
		return nil, fmt.Errorf("pipeline length %d: need at least 2 slots", length)
	}
	if workers < 1 {
		return nil, fmt.Errorf("pipeline needs at least 1 decode worker, have %d", workers)
	}
	if rc == nil {
		rc = event.NewRunContext(event.DefaultNanosPerTick, 0)
	}
	return &Pipeline{
		slots:   make([]event.Record, length),
		length:  int64(length),
		workers: workers,
		rc:      rc,
		first:   true,
		frags:   make([]event.Fragment, 0, event.MaxBoards),
		offsets: make([]int, 0, event.MaxBoards),
	}, nil
}

// Len returns the number of slots.
func (p *Pipeline) Len() int { return int(p.length) }

// InsertPtr returns the slot the producer fills next.
func (p *Pipeline) InsertPtr() int { return int(p.inserted.Load() % p.length) }

// DecodePtr returns the next slot to be published by the decoders.
func (p *Pipeline) DecodePtr() int { return int(p.decoded.Load() % p.length) }

// WritePtr returns the slot the writer handles next.
func (p *Pipeline) WritePtr() int { return int(p.written.Load() % p.length) }

// PendingDecode returns the number of slots filled but not yet decoded.
func (p *Pipeline) PendingDecode() int64 { return p.pendingDecode.Load() }

// PendingWrite returns the number of slots decoded but not yet written.
func (p *Pipeline) PendingWrite() int64 { return p.pendingWrite.Load() }

// Stalls returns how many times the producer found the ring full.
func (p *Pipeline) Stalls() int64 { return p.stalls.Load() }

// Running reports whether the workers are started.
func (p *Pipeline) Running() bool { return p.running.Load() }

// SetSaving turns event insertion on or off. While off, AddEvents only
// tracks the time tags of board 0 and releases readouts without inserting
// anything.
func (p *Pipeline) SetSaving(on bool) { p.saving.Store(on) }

// Saving reports whether events are being inserted.
func (p *Pipeline) Saving() bool { return p.saving.Load() }

// Err returns the error that stopped a worker, if any.
func (p *Pipeline) Err() error {
	if e := p.failure.Load(); e != nil {
		return *e
	}
	return nil
}

// MarkFirstEvent makes the next inserted event the first of a run. Call it
// from the producer goroutine only, after resetting the RunContext.
func (p *Pipeline) MarkFirstEvent() { p.first = true }

// Start launches the decode workers and the writer. Decoded events go to
// sink in insertion order; a nil sink discards them.
func (p *Pipeline) Start(ctx context.Context, sink EventSink) error {
	if p.running.Load() {
		return ErrPipelineActive
	}
	p.failure.Store(nil)
	p.sink = sink
	p.running.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.decodeLoop(gctx) })
	}
	g.Go(func() error { return p.writeLoop(gctx) })
	p.group = g
	return nil
}

// Stop tells the workers to quit and waits for them. It returns the first
// error any of them failed with.
func (p *Pipeline) Stop() error {
	p.running.Store(false)
	if p.group == nil {
		return nil
	}
	err := p.group.Wait()
	p.group = nil
	return err
}

// Drain waits until every inserted event has been written, the timeout
// expires or ctx is cancelled. It reports whether the ring emptied.
func (p *Pipeline) Drain(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var b backoff
	for p.pendingDecode.Load()+p.pendingWrite.Load() > 0 {
		if !p.running.Load() || ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
		b.wait()
	}
	return true
}

// ResetPointers empties the ring and marks the next event as the first of a
// run. The workers must be stopped.
func (p *Pipeline) ResetPointers() error {
	if p.running.Load() {
		return ErrPipelineActive
	}
	seq := p.inserted.Load()
	p.claimed.Store(seq)
	p.decoded.Store(seq)
	p.written.Store(seq)
	p.pendingDecode.Store(0)
	p.pendingWrite.Store(0)
	p.first = true
	p.stalled = false
	return nil
}

// AddEvents splits a readout into events and inserts them, stalling while
// the ring is full. The readout is released before AddEvents returns. It
// returns the number of events inserted.
func (p *Pipeline) AddEvents(ctx context.Context, ro *Readout) (int, error) {
	defer ro.Release()
	if ro == nil {
		return 0, nil
	}
	if !p.saving.Load() {
		p.observe(ro)
		return 0, nil
	}
	nevents, consistent := ro.Events()
	if !consistent {
		ProblemLogger.Printf("boards disagree on event count in one readout; keeping the first %d", nevents)
	}
	p.offsets = p.offsets[:0]
	for range ro.Boards {
		p.offsets = append(p.offsets, 0)
	}

	for i := 0; i < nevents; i++ {
		p.frags = p.frags[:0]
		for k := range ro.Boards {
			frag, next, err := frameBoard(ro.Boards[k].Data, p.offsets[k])
			if err != nil {
				return i, fmt.Errorf("board %d event %d: %w", k, i, err)
			}
			p.offsets[k] = next
			p.frags = append(p.frags, frag)
		}
		if err := p.waitForSpace(ctx); err != nil {
			return i, err
		}
		seq := p.inserted.Load()
		if err := p.slots[seq%p.length].Add(p.frags, p.rc, p.first); err != nil {
			return i, err
		}
		p.first = false
		p.pendingDecode.Add(1)
		p.inserted.Store(seq + 1)
	}
	return nevents, nil
}

// observe feeds board 0's events to the RunContext without inserting them.
// A malformed buffer ends the walk early.
func (p *Pipeline) observe(ro *Readout) {
	if len(ro.Boards) == 0 {
		return
	}
	nevents, _ := ro.Events()
	data, off := ro.Boards[0].Data, 0
	for i := 0; i < nevents; i++ {
		frag, next, err := frameBoard(data, off)
		if err != nil {
			return
		}
		p.rc.Observe(frag.Timestamp(), frag.Counter())
		off = next
	}
}

// frameBoard cuts the board event starting at off out of data.
func frameBoard(data []byte, off int) (event.Fragment, int, error) {
	var f event.Fragment
	if off+event.BoardHeaderBytes > len(data) {
		return f, off, fmt.Errorf("%w: %d bytes left at offset %d, need a %d-byte board header",
			ErrMalformedBuffer, len(data)-off, off, event.BoardHeaderBytes)
	}
	for i := range f.Header {
		f.Header[i] = binary.NativeEndian.Uint32(data[off+i*event.WordSize:])
	}
	words := int(f.Words())
	end := off + words*event.WordSize
	if words < event.BoardHeaderWords || end > len(data) {
		return f, off, fmt.Errorf("%w: board event at offset %d declares %d words, buffer has %d bytes",
			ErrMalformedBuffer, off, words, len(data))
	}
	f.Body = data[off+event.BoardHeaderBytes : end : end]
	return f, end, nil
}

// full reports whether inserting one more event would overrun the writer.
func (p *Pipeline) full() bool {
	return p.inserted.Load()-p.written.Load() >= p.length-1
}

// waitForSpace blocks the producer while the ring is full, logging one
// warning per stall.
func (p *Pipeline) waitForSpace(ctx context.Context) error {
	if !p.full() {
		p.stalled = false
		return nil
	}
	if !p.stalled {
		p.stalled = true
		p.stalls.Add(1)
		ProblemLogger.Printf("event pipeline full (%d slots, %d to decode, %d to write): readout stalled",
			p.length, p.pendingDecode.Load(), p.pendingWrite.Load())
	}
	var b backoff
	for p.full() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: waiting for pipeline space: %v", ErrInterrupted, err)
		}
		if !p.running.Load() {
			if err := p.Err(); err != nil {
				return err
			}
			return ErrPipelineStopped
		}
		b.wait()
	}
	p.stalled = false
	return nil
}

// fail records the first worker error and stops the pipeline.
func (p *Pipeline) fail(err error) error {
	p.failure.CompareAndSwap(nil, &err)
	p.running.Store(false)
	return err
}

// await spins until cond holds. It returns false if the pipeline is stopped
// or ctx is cancelled first.
func (p *Pipeline) await(ctx context.Context, cond func() bool) bool {
	var b backoff
	for {
		if !p.running.Load() || ctx.Err() != nil {
			return false
		}
		if cond() {
			return true
		}
		b.wait()
	}
}

func (p *Pipeline) decodeLoop(ctx context.Context) error {
	for {
		var seq int64
		claim := func() bool {
			c := p.claimed.Load()
			if c >= p.inserted.Load() {
				return false
			}
			if !p.claimed.CompareAndSwap(c, c+1) {
				return false
			}
			seq = c
			return true
		}
		if !p.await(ctx, claim) {
			return nil
		}
		if err := p.slots[seq%p.length].Decode(); err != nil {
			return p.fail(fmt.Errorf("decoding slot %d: %w", seq%p.length, err))
		}
		// Publish in insertion order.
		if !p.await(ctx, func() bool { return p.decoded.Load() == seq }) {
			return nil
		}
		p.decoded.Store(seq + 1)
		p.pendingWrite.Add(1)
		p.pendingDecode.Add(-1)
	}
}

func (p *Pipeline) writeLoop(ctx context.Context) error {
	ready := func() bool { return p.pendingWrite.Load() > 0 }
	for {
		if !p.await(ctx, ready) {
			return nil
		}
		seq := p.written.Load()
		if p.sink != nil {
			if _, err := p.sink.WriteEvent(&p.slots[seq%p.length]); err != nil {
				return p.fail(fmt.Errorf("writing event: %w", err))
			}
		}
		p.written.Store(seq + 1)
		p.pendingWrite.Add(-1)
	}
}

// backoff is the wait step of every pipeline spin loop: a run of yields,
// then sleeps doubling up to a ceiling.
type backoff struct {
	n int
}

const (
	backoffYields   = 64
	backoffMinSleep = time.Microsecond
	backoffMaxSleep = 500 * time.Microsecond
)

func (b *backoff) wait() {
	b.n++
	if b.n <= backoffYields {
		runtime.Gosched()
		return
	}
	d := backoffMinSleep << min(b.n-backoffYields, 10)
	time.Sleep(min(d, backoffMaxSleep))
}
