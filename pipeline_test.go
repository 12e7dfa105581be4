package obelix

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterix-daq/obelix/event"
	"github.com/asterix-daq/obelix/getbytes"
)

// fakeBoards generates readouts of CAEN board events for a set of boards
// that share a trigger counter and time tag.
type fakeBoards struct {
	masks     []uint32
	bodyWords int
	counter   uint32
	ticks     uint32
}

func (f *fakeBoards) next(nevents int) *Readout {
	boards := make([]BoardBuffer, len(f.masks))
	for k, mask := range f.masks {
		var data []byte
		for e := 0; e < nevents; e++ {
			data = getbytes.AppendWords(data,
				0xA0000000|uint32(event.BoardHeaderWords+f.bodyWords),
				uint32(k)<<event.BoardIDShift|mask,
				f.counter+uint32(e),
				f.ticks+uint32(e)*100,
			)
			for i := 0; i < f.bodyWords; i++ {
				data = getbytes.AppendWords(data, uint32(e<<16|i))
			}
		}
		boards[k] = BoardBuffer{Board: k, Data: data, Events: nevents}
	}
	f.counter += uint32(nevents)
	f.ticks += uint32(nevents) * 100
	return NewReadout(boards, nil)
}

// orderSink records event numbers and checks that every written slot has
// already been published by the decoders.
type orderSink struct {
	p          *Pipeline
	delay      time.Duration
	fail       error
	numbers    []uint32
	masks      []uint32
	stamps     []uint64
	violations int
}

func (s *orderSink) WriteEvent(rec *event.Record) (int, error) {
	if s.fail != nil {
		return 0, s.fail
	}
	if s.p.decoded.Load() <= s.p.written.Load() {
		s.violations++
	}
	s.numbers = append(s.numbers, rec.EventNumber())
	s.masks = append(s.masks, rec.ChannelMask())
	s.stamps = append(s.stamps, rec.Timestamp())
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return rec.Size(), nil
}

func newTestPipeline(t *testing.T, length, workers int) *Pipeline {
	t.Helper()
	rc := event.NewRunContext(10, 0)
	rc.Reset(time.Now())
	p, err := NewPipeline(length, workers, rc)
	require.NoError(t, err)
	p.SetSaving(true)
	return p
}

func sequence(n int) []uint32 {
	s := make([]uint32, n)
	for i := range s {
		s[i] = uint32(i)
	}
	return s
}

func TestNewPipelineErrors(t *testing.T) {
	_, err := NewPipeline(1, 1, nil)
	assert.Error(t, err)
	_, err = NewPipeline(4, 0, nil)
	assert.Error(t, err)
	p, err := NewPipeline(2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
}

func TestPipelineInOrder(t *testing.T) {
	for _, workers := range []int{1, 2, 4} {
		p := newTestPipeline(t, 8, workers)
		sink := &orderSink{p: p}
		ctx := context.Background()
		require.NoError(t, p.Start(ctx, sink))
		assert.ErrorIs(t, p.Start(ctx, sink), ErrPipelineActive)

		fb := &fakeBoards{masks: []uint32{0x0F}, bodyWords: 3, counter: 500}
		const nreads, perRead = 50, 7
		for i := 0; i < nreads; i++ {
			n, err := p.AddEvents(ctx, fb.next(perRead))
			require.NoError(t, err)
			require.Equal(t, perRead, n)
		}
		require.True(t, p.Drain(ctx, 10*time.Second), "%d workers", workers)
		require.NoError(t, p.Stop())

		assert.Equal(t, sequence(nreads*perRead), sink.numbers, "%d workers", workers)
		assert.Zero(t, sink.violations)
		assert.Zero(t, p.PendingDecode())
		assert.Zero(t, p.PendingWrite())
		assert.Equal(t, p.InsertPtr(), p.DecodePtr())
		assert.Equal(t, p.InsertPtr(), p.WritePtr())
		assert.Equal(t, (nreads*perRead)%8, p.InsertPtr())
	}
}

func TestPipelineBackpressure(t *testing.T) {
	p := newTestPipeline(t, 4, 1)
	sink := &orderSink{p: p, delay: 200 * time.Microsecond}
	ctx := context.Background()
	require.NoError(t, p.Start(ctx, sink))

	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1}
	n, err := p.AddEvents(ctx, fb.next(40))
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	require.True(t, p.Drain(ctx, 10*time.Second))
	require.NoError(t, p.Stop())

	assert.Equal(t, sequence(40), sink.numbers, "no event is lost or reordered")
	assert.Positive(t, p.Stalls())
}

// lockedBuffer is a log destination that can be read while loggers write.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureProblems(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	saved := ProblemLogger
	ProblemLogger = log.New(buf, "", 0)
	t.Cleanup(func() { ProblemLogger = saved })
	return buf
}

func TestPipelineOneWarningPerStall(t *testing.T) {
	problems := captureProblems(t)
	p := newTestPipeline(t, 4, 1)
	release := make(chan struct{})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx, blockingSink{release}))

	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1}
	errc := make(chan error, 1)
	go func() {
		_, err := p.AddEvents(ctx, fb.next(12))
		errc <- err
	}()

	// The writer holds the first event, so the producer spins on a full ring.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), p.Stalls())
	assert.Equal(t, 1, strings.Count(problems.String(), "event pipeline full"),
		"one warning however long the stall lasts")

	close(release)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AddEvents did not finish after the writer was released")
	}
	require.True(t, p.Drain(ctx, 5*time.Second))
	require.NoError(t, p.Stop())

	assert.GreaterOrEqual(t, p.Stalls(), int64(1))
	assert.Equal(t, int(p.Stalls()), strings.Count(problems.String(), "event pipeline full"),
		"one warning per stall episode")
}

func TestPipelineRolloverWhileNotSaving(t *testing.T) {
	p := newTestPipeline(t, 8, 1)
	sink := &orderSink{p: p}
	ctx := context.Background()
	require.NoError(t, p.Start(ctx, sink))

	fb := &fakeBoards{masks: []uint32{0x01, 0x02}, bodyWords: 1, counter: event.CounterMask - 1}
	add := func(ticks uint32) {
		fb.ticks = ticks
		_, err := p.AddEvents(ctx, fb.next(1))
		require.NoError(t, err)
	}
	add(1_000_000_000)
	p.SetSaving(false)
	add(2_000_000_000)
	add(500_000_000) // the time tag wraps while nothing is stored
	p.SetSaving(true)
	add(1_600_000_000)
	require.True(t, p.Drain(ctx, 5*time.Second))
	require.NoError(t, p.Stop())

	require.Len(t, sink.stamps, 2)
	wantTicks := int64(1_600_000_000) + event.TimestampRolloverTicks - 1_000_000_000
	assert.Equal(t, uint64(wantTicks*10), sink.stamps[1]-sink.stamps[0])
	assert.Equal(t, []uint32{0, 3}, sink.numbers, "skipped events still advance the counter")
	assert.Zero(t, sink.violations)
}

func TestPipelinePointerInvariants(t *testing.T) {
	const length = 6
	p := newTestPipeline(t, length, 3)
	sink := &orderSink{p: p, delay: 20 * time.Microsecond}
	ctx := context.Background()
	require.NoError(t, p.Start(ctx, sink))

	var stop atomic.Bool
	var bad atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			// Each counter only grows, so loading the smaller side first
			// gives a consistent bound.
			w := p.written.Load()
			d := p.decoded.Load()
			c := p.claimed.Load()
			i := p.inserted.Load()
			if w > d || d > c || c > i {
				bad.Add(1)
			}
			i = p.inserted.Load()
			w = p.written.Load()
			if i-w > length-1 {
				bad.Add(1)
			}
		}
	}()

	fb := &fakeBoards{masks: []uint32{0xFF, 0x03}, bodyWords: 2}
	for i := 0; i < 100; i++ {
		_, err := p.AddEvents(ctx, fb.next(5))
		require.NoError(t, err)
	}
	require.True(t, p.Drain(ctx, 10*time.Second))
	require.NoError(t, p.Stop())
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Equal(t, sequence(500), sink.numbers)
	assert.Equal(t, uint32(0x03FF), sink.masks[0])
}

func TestPipelineResetPointers(t *testing.T) {
	p := newTestPipeline(t, 8, 1)
	ctx := context.Background()
	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1, counter: 90}

	// Without workers the producer can still fill free slots.
	n, err := p.AddEvents(ctx, fb.next(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, p.InsertPtr())
	assert.Equal(t, 0, p.WritePtr())
	assert.Equal(t, int64(3), p.PendingDecode())

	require.NoError(t, p.ResetPointers())
	assert.Equal(t, 3, p.DecodePtr())
	assert.Equal(t, 3, p.WritePtr())
	assert.Zero(t, p.PendingDecode())
	assert.Zero(t, p.PendingWrite())

	sink := &orderSink{p: p}
	require.NoError(t, p.Start(ctx, sink))
	assert.ErrorIs(t, p.ResetPointers(), ErrPipelineActive)
	_, err = p.AddEvents(ctx, fb.next(2))
	require.NoError(t, err)
	require.True(t, p.Drain(ctx, 10*time.Second))
	require.NoError(t, p.Stop())
	assert.Equal(t, []uint32{0, 1}, sink.numbers, "stale events are never written and numbering restarts")
}

func TestPipelineFullWithoutWorkers(t *testing.T) {
	p := newTestPipeline(t, 4, 1)
	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1}
	n, err := p.AddEvents(context.Background(), fb.next(5))
	assert.ErrorIs(t, err, ErrPipelineStopped)
	assert.Equal(t, 3, n, "a ring of 4 holds 3 events")
}

func TestPipelineCancelWhileStalled(t *testing.T) {
	p := newTestPipeline(t, 2, 1)
	release := make(chan struct{})
	sink := blockingSink{release}
	require.NoError(t, p.Start(context.Background(), sink))

	ctx, cancel := context.WithCancel(context.Background())
	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1}
	errc := make(chan error, 1)
	go func() {
		_, err := p.AddEvents(ctx, fb.next(5))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("AddEvents did not return after cancellation")
	}
	close(release)
	assert.NoError(t, p.Stop())
}

type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) WriteEvent(rec *event.Record) (int, error) {
	<-s.release
	return rec.Size(), nil
}

func TestPipelineWriterFailure(t *testing.T) {
	p := newTestPipeline(t, 4, 2)
	boom := errors.New("disk full")
	sink := &orderSink{p: p, fail: boom}
	ctx := context.Background()
	require.NoError(t, p.Start(ctx, sink))

	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 1}
	_, err := p.AddEvents(ctx, fb.next(10))
	assert.ErrorIs(t, err, boom, "the producer sees the writer's failure once the ring fills")
	assert.ErrorIs(t, p.Err(), boom)
	assert.ErrorIs(t, p.Stop(), boom)
	assert.False(t, p.Running())
}

func TestPipelineNotSaving(t *testing.T) {
	p := newTestPipeline(t, 4, 1)
	p.SetSaving(false)
	released := false
	ro := NewReadout([]BoardBuffer{{Events: 1}}, func() { released = true })
	n, err := p.AddEvents(context.Background(), ro)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, released)
	assert.Zero(t, p.InsertPtr())

	n, err = p.AddEvents(context.Background(), nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipelineMalformedBuffer(t *testing.T) {
	p := newTestPipeline(t, 4, 1)
	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 4}
	ro := fb.next(2)
	ro.Boards[0].Data = ro.Boards[0].Data[:len(ro.Boards[0].Data)-4]
	n, err := p.AddEvents(context.Background(), ro)
	assert.ErrorIs(t, err, ErrMalformedBuffer)
	assert.Equal(t, 1, n)

	ro = NewReadout([]BoardBuffer{{Events: 1, Data: make([]byte, 8)}}, nil)
	_, err = p.AddEvents(context.Background(), ro)
	assert.ErrorIs(t, err, ErrMalformedBuffer)
}

func TestPipelineAllocationLimit(t *testing.T) {
	rc := event.NewRunContext(10, 8)
	rc.Reset(time.Now())
	p, err := NewPipeline(4, 1, rc)
	require.NoError(t, err)
	p.SetSaving(true)
	fb := &fakeBoards{masks: []uint32{0x01}, bodyWords: 3}
	_, err = p.AddEvents(context.Background(), fb.next(1))
	var aerr *event.AllocationError
	assert.True(t, errors.As(err, &aerr), "got %v", err)
}

func TestPipelineBoardsDisagree(t *testing.T) {
	p := newTestPipeline(t, 8, 1)
	fb := &fakeBoards{masks: []uint32{0x0F, 0x03}, bodyWords: 1}
	ro := fb.next(3)
	ro.Boards[1].Events = 2
	n, err := p.AddEvents(context.Background(), ro)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackoffSleeps(t *testing.T) {
	var b backoff
	for i := 0; i < backoffYields+20; i++ {
		b.wait()
	}
	assert.Equal(t, backoffYields+20, b.n)
}
