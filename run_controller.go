package obelix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asterix-daq/obelix/event"
	"github.com/asterix-daq/obelix/internal/runsdb"
)

// RunState is the acquisition state of a RunController.
type RunState int

// Acquisition states
const (
	Idle RunState = iota
	Acquiring
)

func (s RunState) String() string {
	if s == Acquiring {
		return "acquiring"
	}
	return "idle"
}

const (
	defaultDrainTimeout = 5 * time.Second
	statusInterval      = time.Second
	recordRunTimeout    = 10 * time.Second
)

// RunController owns the hardware source, the pipeline and the run files,
// and moves them together between Idle and Acquiring. Every method except
// Dispatch must be called from one goroutine, normally the one inside Run,
// which is also the pipeline's producer.
type RunController struct {
	cfg      *Config
	hw       HardwareSource
	rc       *event.RunContext
	pipeline *Pipeline
	writer   *RunFileWriter
	recorder runsdb.Recorder
	updates  chan<- ClientUpdate

	state    RunState
	saving   bool
	testRun  bool
	comment  string
	quit     bool
	trigger  bool
	run      *RunMetadata
	runStart time.Time

	runEvents  int64
	readBytes  int64
	readEvents int64
	lastStatus time.Time

	// DrainTimeout bounds how long a normal Stop waits for queued events.
	DrainTimeout time.Duration

	requests chan Command
	done     chan struct{}
	now      func() time.Time
}

// NewRunController builds a controller for a validated configuration. A nil
// recorder records nothing.
func NewRunController(cfg *Config, hw HardwareSource, recorder runsdb.Recorder) (*RunController, error) {
	rc := event.NewRunContext(cfg.NanosPerTick, cfg.MaxEventBytes)
	p, err := NewPipeline(cfg.BufferLength, cfg.DecodeWorkers, rc)
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = runsdb.NoDB{}
	}
	return &RunController{
		cfg:          cfg,
		hw:           hw,
		rc:           rc,
		pipeline:     p,
		writer:       NewRunFileWriter(cfg.EventsPerFile, cfg.FileExtension),
		recorder:     recorder,
		saving:       cfg.SaveWaveforms,
		testRun:      cfg.TestRun,
		DrainTimeout: defaultDrainTimeout,
		requests:     make(chan Command, 16),
		done:         make(chan struct{}),
		now:          time.Now,
	}, nil
}

// SetUpdates sets the channel status messages are published on.
func (c *RunController) SetUpdates(updates chan<- ClientUpdate) {
	c.updates = updates
}

// Setup programs the digitizers. Soft register failures are logged and
// do not prevent acquisition.
func (c *RunController) Setup() error {
	err := c.hw.Program(&c.cfg.Digitizer)
	var perr *ProgramError
	if errors.As(err, &perr) {
		ProblemLogger.Printf("digitizer programming: %v", perr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("programming digitizers: %w", err)
	}
	return nil
}

// State returns the acquisition state.
func (c *RunController) State() RunState { return c.state }

// Saving reports whether waveforms are being written.
func (c *RunController) Saving() bool { return c.saving }

// TestRun reports whether runs are kept out of the runs database.
func (c *RunController) TestRun() bool { return c.testRun }

// Comment returns the comment attached to new runs.
func (c *RunController) Comment() string { return c.comment }

// RunName returns the name of the run being written, or "".
func (c *RunController) RunName() string {
	if c.run == nil {
		return ""
	}
	return c.run.Name
}

// Pipeline returns the event pipeline.
func (c *RunController) Pipeline() *Pipeline { return c.pipeline }

// Writer returns the run file writer.
func (c *RunController) Writer() *RunFileWriter { return c.writer }

// Start moves from Idle to Acquiring. Starting while acquiring does nothing.
func (c *RunController) Start(ctx context.Context) error {
	if c.state == Acquiring {
		UpdateLogger.Printf("Start requested while already acquiring")
		return nil
	}
	if c.pipeline.Running() {
		if err := c.pipeline.Stop(); err != nil {
			ProblemLogger.Printf("stale pipeline workers stopped with: %v", err)
		}
	}
	if err := c.hw.StartAcquisition(); err != nil {
		return fmt.Errorf("starting acquisition: %w", err)
	}
	if err := c.pipeline.ResetPointers(); err != nil {
		return err
	}
	now := c.now()
	c.rc.Reset(now)
	c.runStart = now
	c.runEvents = 0
	c.readBytes, c.readEvents, c.lastStatus = 0, 0, now

	if c.saving {
		if err := c.beginRun(now); err != nil {
			c.hw.StopAcquisition()
			return err
		}
	}
	c.pipeline.SetSaving(c.saving)
	if err := c.pipeline.Start(ctx, c.writer); err != nil {
		c.hw.StopAcquisition()
		return err
	}
	c.state = Acquiring
	UpdateLogger.Printf("Acquisition started, writing to disk %s", enabledString(c.saving))
	if c.trigger {
		c.trigger = false
		if err := c.hw.SoftwareTrigger(); err != nil {
			ProblemLogger.Printf("queued software trigger: %v", err)
		}
	}
	return nil
}

// Stop moves from Acquiring to Idle and finalizes the open run. Unless ctx
// is already cancelled, events in the pipeline are written first. Stopping
// while idle does nothing.
func (c *RunController) Stop(ctx context.Context) error {
	if c.state == Idle {
		return nil
	}
	if err := c.hw.StopAcquisition(); err != nil {
		ProblemLogger.Printf("stopping acquisition: %v", err)
	}
	if ctx.Err() == nil && !c.pipeline.Drain(ctx, c.DrainTimeout) {
		ProblemLogger.Printf("stopping with %d events undecoded and %d unwritten",
			c.pipeline.PendingDecode(), c.pipeline.PendingWrite())
	}
	perr := c.pipeline.Stop()
	if err := c.pipeline.ResetPointers(); err != nil {
		ProblemLogger.Printf("resetting pipeline: %v", err)
	}
	c.state = Idle
	ferr := c.endRun()
	UpdateLogger.Printf("Acquisition stopped")
	return errors.Join(perr, ferr)
}

// beginRun creates the run directory and opens its first file.
func (c *RunController) beginRun(start time.Time) error {
	name, dir, err := makeRunDirectory(c.cfg.RawDataDir, start)
	if err != nil {
		return fmt.Errorf("cannot create run directory: %w", err)
	}
	if err := c.writer.Open(dir, name); err != nil {
		return err
	}
	c.run = newRunMetadata(name, dir, start, c.comment)
	UpdateLogger.Printf("Starting run %s (id %s)", name, c.run.ID)
	return nil
}

// endRun closes the run files and writes the run's metadata.
func (c *RunController) endRun() error {
	if c.run == nil {
		return nil
	}
	run := c.run
	c.run = nil
	run.End = c.now()
	cerr := c.writer.Close()
	if cerr != nil {
		ProblemLogger.Printf("run %s: closing file: %v", run.Name, cerr)
	}
	ferr := run.writeFiles(c.cfg, c.writer)
	if !c.testRun {
		ctx, cancel := context.WithTimeout(context.Background(), recordRunTimeout)
		if err := c.recorder.RecordRun(ctx, run.Record(c.cfg, c.writer)); err != nil {
			ProblemLogger.Printf("run %s: %v", run.Name, err)
		}
		cancel()
	}
	UpdateLogger.Printf("Ending run %s: %d events in %d files",
		run.Name, c.writer.EventsInRun(), len(c.writer.Files()))
	return errors.Join(cerr, ferr)
}

// SetSaveWaveforms turns waveform writing on or off. Turning it on during
// acquisition with no run open starts a new run.
func (c *RunController) SetSaveWaveforms(on bool) error {
	if on && c.state == Acquiring && c.run == nil {
		now := c.now()
		if err := c.beginRun(now); err != nil {
			return err
		}
		c.rc.Reset(now)
		c.pipeline.MarkFirstEvent()
		c.runStart = now
		c.runEvents = 0
	}
	c.saving = on
	c.pipeline.SetSaving(on)
	UpdateLogger.Printf("Writing to disk %s", enabledString(on))
	return nil
}

// SetTestRun keeps runs out of the runs database while on.
func (c *RunController) SetTestRun(on bool) {
	c.testRun = on
	UpdateLogger.Printf("Test run %s", enabledString(on))
}

// SetComment sets the comment of the open run and of later runs.
func (c *RunController) SetComment(text string) {
	c.comment = text
	if c.run != nil {
		c.run.Comment = text
	}
}

// Trigger sends a software trigger. While idle the trigger is held and sent
// once acquisition starts; repeated requests collapse into one.
func (c *RunController) Trigger() error {
	if c.state != Acquiring {
		c.trigger = true
		UpdateLogger.Printf("Software trigger queued until acquisition starts")
		return nil
	}
	return c.hw.SoftwareTrigger()
}

// Poll reads the hardware once and feeds the pipeline. It also reports
// status and starts a new run when the current one is long enough.
func (c *RunController) Poll(ctx context.Context) error {
	if c.state != Acquiring {
		return nil
	}
	if err := c.pipeline.Err(); err != nil {
		return err
	}
	ro, err := c.hw.ReadBuffer()
	if err != nil {
		return fmt.Errorf("reading digitizer: %w", err)
	}
	nevents, _ := ro.Events()
	nbytes := ro.Bytes()
	_, err = c.pipeline.AddEvents(ctx, ro)
	c.readBytes += int64(nbytes)
	c.readEvents += int64(nevents)
	c.runEvents += int64(nevents)
	if err != nil {
		return err
	}

	now := c.now()
	if now.Sub(c.lastStatus) >= statusInterval {
		c.reportStatus(now)
	}
	if c.rolloverDue(now) {
		UpdateLogger.Printf("Run limit reached after %d events, starting a new run", c.runEvents)
		if err := c.Stop(ctx); err != nil {
			return err
		}
		return c.Start(ctx)
	}
	return nil
}

func (c *RunController) rolloverDue(now time.Time) bool {
	if c.cfg.MaxRunDuration > 0 && now.Sub(c.runStart) >= c.cfg.MaxRunDuration {
		return true
	}
	return c.cfg.MaxRunEvents > 0 && c.runEvents >= c.cfg.MaxRunEvents
}

// Status summarizes the acquisition since the last status report.
func (c *RunController) Status() StatusMessage {
	now := c.now()
	msg := StatusMessage{
		State:        c.state.String(),
		RunName:      c.RunName(),
		EventsInFile: c.writer.EventsInFile(),
		EventsInRun:  c.writer.EventsInRun(),
		Saving:       c.saving,
		TestRun:      c.testRun,
		Stalls:       c.pipeline.Stalls(),
	}
	if c.state == Acquiring {
		msg.RunSeconds = int(now.Sub(c.runStart).Seconds())
	}
	if dt := now.Sub(c.lastStatus).Seconds(); dt > 0 {
		msg.ReadMBps = float64(c.readBytes) / (1 << 20) / dt
		msg.TriggerHz = float64(c.readEvents) / dt
	}
	return msg
}

func (c *RunController) reportStatus(now time.Time) {
	msg := c.Status()
	UpdateLogger.Print(msg)
	c.publish("STATUS", msg)
	c.readBytes, c.readEvents, c.lastStatus = 0, 0, now
}

// publish sends a client update without ever blocking acquisition.
func (c *RunController) publish(tag string, state any) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- ClientUpdate{Tag: tag, State: state}:
	default:
	}
}

// Execute carries out one operator command.
func (c *RunController) Execute(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CmdStartStop:
		if c.state == Acquiring {
			return c.Stop(ctx)
		}
		return c.Start(ctx)
	case CmdStart:
		return c.Start(ctx)
	case CmdStop:
		return c.Stop(ctx)
	case CmdTrigger:
		return c.Trigger()
	case CmdToggleSave:
		return c.SetSaveWaveforms(!c.saving)
	case CmdToggleTestRun:
		c.SetTestRun(!c.testRun)
	case CmdComment:
		c.SetComment(cmd.Text)
	case CmdStatus:
		c.reportStatus(c.now())
	case CmdQuit:
		c.quit = true
	default:
		return fmt.Errorf("unknown command %v", cmd.Kind)
	}
	return nil
}

// Dispatch queues a command for the goroutine inside Run. It may be called
// from any goroutine and reports false once Run has returned.
func (c *RunController) Dispatch(cmd Command) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.requests <- cmd:
		return true
	case <-c.done:
		return false
	}
}

// Run is the acquisition loop. It polls the hardware while acquiring and
// executes dispatched commands between polls, until a quit command, a fatal
// error or cancellation of ctx. Any open run is finalized before returning.
func (c *RunController) Run(ctx context.Context) error {
	defer close(c.done)
	for !c.quit {
		if c.state == Acquiring {
			select {
			case <-ctx.Done():
				return c.Stop(ctx)
			case cmd := <-c.requests:
				c.execute(ctx, cmd)
			default:
				if err := c.Poll(ctx); err != nil {
					if ctx.Err() != nil {
						return c.Stop(ctx)
					}
					ProblemLogger.Printf("acquisition failed: %v", err)
					return errors.Join(err, c.Stop(ctx))
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.requests:
			c.execute(ctx, cmd)
		}
	}
	return c.Stop(ctx)
}

func (c *RunController) execute(ctx context.Context, cmd Command) {
	if err := c.Execute(ctx, cmd); err != nil {
		ProblemLogger.Printf("command %v: %v", cmd.Kind, err)
	}
}

func enabledString(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
