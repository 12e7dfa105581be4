package event

import "time"

// RunContext carries the per-run state needed to turn raw board counters
// into run-relative event numbers and wall-clock timestamps. One RunContext
// belongs to one pipeline and is touched only by that pipeline's producer
// goroutine.
type RunContext struct {
	NanosPerTick int64 // board clock period
	MaxBodyBytes int   // largest event body a slot may grow to; 0 means no limit

	runStartNs int64

	haveLast  bool
	lastTicks uint32
	rollovers int64
	refTicks  int64

	lastCounter      uint32
	counterRollovers int64
	refCounter       int64
}

// DefaultNanosPerTick is the trigger time tag period of a 100 MS/s V1724.
const DefaultNanosPerTick int64 = 10

// NewRunContext returns a RunContext with the given tick period and body limit.
func NewRunContext(nanosPerTick int64, maxBodyBytes int) *RunContext {
	if nanosPerTick <= 0 {
		nanosPerTick = DefaultNanosPerTick
	}
	return &RunContext{NanosPerTick: nanosPerTick, MaxBodyBytes: maxBodyBytes}
}

// Reset anchors the context to a new run starting at runStart and forgets
// all rollover history. The next event added must be flagged as the first.
func (rc *RunContext) Reset(runStart time.Time) {
	rc.runStartNs = runStart.UnixNano()
	rc.haveLast = false
	rc.lastTicks = 0
	rc.rollovers = 0
	rc.refTicks = 0
	rc.lastCounter = 0
	rc.counterRollovers = 0
	rc.refCounter = 0
}

// RunStart returns the wall-clock anchor of the current run.
func (rc *RunContext) RunStart() time.Time {
	return time.Unix(0, rc.runStartNs)
}

// Rollovers returns how many trigger time tag rollovers have been seen this run.
func (rc *RunContext) Rollovers() int64 {
	return rc.rollovers
}

// correctedTicks extends a raw 31-bit trigger time tag to a monotonic count.
func (rc *RunContext) correctedTicks(raw uint32) int64 {
	raw &= TimestampMask
	if rc.haveLast && raw < rc.lastTicks {
		rc.rollovers++
	}
	rc.lastTicks = raw
	rc.haveLast = true
	return int64(raw) + rc.rollovers*TimestampRolloverTicks
}

// correctedCounter extends the 24-bit board event counter the same way.
func (rc *RunContext) correctedCounter(raw uint32, first bool) int64 {
	raw &= CounterMask
	if !first && raw < rc.lastCounter {
		rc.counterRollovers++
	}
	rc.lastCounter = raw
	return int64(raw) + rc.counterRollovers*(int64(CounterMask)+1)
}

// Observe advances the rollover state with the time tag and counter of an
// event that is not stored, so a later stored event is still stamped
// correctly after a wrap.
func (rc *RunContext) Observe(rawTicks, rawCounter uint32) {
	first := !rc.haveLast
	rc.correctedTicks(rawTicks)
	rc.correctedCounter(rawCounter, first)
}

// stamp converts raw board values into the stored timestamp (ns since the
// epoch) and the run-relative event number. On the first event of a run the
// reference points are latched, so that event is number 0 at the run start.
func (rc *RunContext) stamp(rawTicks, rawCounter uint32, first bool) (uint64, uint32) {
	ticks := rc.correctedTicks(rawTicks)
	counter := rc.correctedCounter(rawCounter, first)
	if first {
		rc.refTicks = ticks
		rc.refCounter = counter
	}
	ts := rc.runStartNs + (ticks-rc.refTicks)*rc.NanosPerTick
	evno := uint32(counter-rc.refCounter) & EventNumberMask
	return uint64(ts), evno
}
