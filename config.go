package obelix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/asterix-daq/obelix/astfile"
	"github.com/asterix-daq/obelix/event"
	"github.com/asterix-daq/obelix/internal/runsdb"
)

// TriggerMode says what a trigger source (external input or channel
// self-trigger) is enabled to do.
type TriggerMode int

// Trigger modes accepted in the configuration
const (
	TriggerDisabled TriggerMode = iota
	TriggerAcquisitionOnly
	TriggerOutOnly
	TriggerAcquisitionAndOut
)

var triggerModeNames = map[string]TriggerMode{
	"disabled":               TriggerDisabled,
	"acquisition_only":       TriggerAcquisitionOnly,
	"trgout_only":            TriggerOutOnly,
	"acquisition_and_trgout": TriggerAcquisitionAndOut,
}

func (m TriggerMode) String() string {
	for name, v := range triggerModeNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// ParseTriggerMode converts a configuration string to a TriggerMode.
func ParseTriggerMode(s string) (TriggerMode, error) {
	if s == "" {
		return TriggerDisabled, nil
	}
	if m, ok := triggerModeNames[strings.ToLower(s)]; ok {
		return m, nil
	}
	return TriggerDisabled, fmt.Errorf("unknown trigger mode %q", s)
}

// acquires reports whether the mode starts an acquisition.
func (m TriggerMode) acquires() bool {
	return m == TriggerAcquisitionOnly || m == TriggerAcquisitionAndOut
}

// propagates reports whether the mode drives the front-panel trigger output.
func (m TriggerMode) propagates() bool {
	return m == TriggerOutOnly || m == TriggerAcquisitionAndOut
}

// IOLevel is the front-panel logic standard.
type IOLevel int

// Front-panel logic levels
const (
	IOLevelNIM IOLevel = iota
	IOLevelTTL
)

func (l IOLevel) String() string {
	if l == IOLevelTTL {
		return "TTL"
	}
	return "NIM"
}

// ParseIOLevel converts "NIM" or "TTL" (any case) to an IOLevel.
func ParseIOLevel(s string) (IOLevel, error) {
	switch strings.ToUpper(s) {
	case "", "NIM":
		return IOLevelNIM, nil
	case "TTL":
		return IOLevelTTL, nil
	}
	return IOLevelNIM, fmt.Errorf("unknown IO level %q", s)
}

// ChannelSettings configures one digitizer channel. Channel numbers run over
// all boards: board k owns channels 8k to 8k+7.
type ChannelSettings struct {
	Channel          int    `mapstructure:"channel"`
	Enabled          bool   `mapstructure:"enabled"`
	DCOffset         uint32 `mapstructure:"dc_offset"`
	TriggerThreshold uint32 `mapstructure:"trigger_threshold"`
	ZLEThreshold     uint32 `mapstructure:"zle_threshold"`
}

// RegisterWrite is a generic register write as it appears in the config
// file, with hexadecimal strings.
type RegisterWrite struct {
	Register string `mapstructure:"register"`
	Data     string `mapstructure:"data"`
	Mask     string `mapstructure:"mask"`
}

// GenericWrite is a parsed RegisterWrite. Only bits set in Mask are changed.
type GenericWrite struct {
	Addr uint32
	Data uint32
	Mask uint32
}

// BoardAddress locates one digitizer on the optical link.
type BoardAddress struct {
	LinkNumber  int    `mapstructure:"link_number"`
	ConetNode   int    `mapstructure:"conet_node"`
	BaseAddress uint32 `mapstructure:"base_address"`
}

// SimConfig holds the parameters of the simulated digitizer.
type SimConfig struct {
	EventsPerRead int           `mapstructure:"events_per_read"`
	ReadPeriod    time.Duration `mapstructure:"read_period"`
	TicksPerEvent uint32        `mapstructure:"ticks_per_event"`
	StartTicks    uint32        `mapstructure:"start_ticks"`
	StartCounter  uint32        `mapstructure:"start_counter"`
}

// DigitizerSettings is the validated hardware configuration handed to a
// HardwareSource by Program.
type DigitizerSettings struct {
	RecordLength    uint32
	PostTrigger     uint32
	BlockTransfer   uint32
	EnableMask      uint32 // bit n enables channel n, over all boards
	ExternalTrigger TriggerMode
	ChannelTrigger  TriggerMode
	IOLevel         IOLevel
	IsZLE           bool
	Channels        []ChannelSettings
	GenericWrites   []GenericWrite
	Boards          []BoardAddress
}

// BoardMask returns the 8-bit channel enable mask of board k.
func (d *DigitizerSettings) BoardMask(k int) uint32 {
	return (d.EnableMask >> (event.ChannelsPerBoard * k)) & event.ChannelMaskMask
}

// Config is the complete validated configuration of the program.
type Config struct {
	RecordLength    uint32            `mapstructure:"record_length"`
	PostTrigger     uint32            `mapstructure:"post_trigger"`
	BlockTransfer   uint32            `mapstructure:"block_transfer"`
	EventsPerFile   int               `mapstructure:"events_per_file"`
	IsZLE           bool              `mapstructure:"is_zle"`
	RawDataDir      string            `mapstructure:"raw_data_dir"`
	FileExtension   string            `mapstructure:"file_extension"`
	BufferLength    int               `mapstructure:"buffer_length"`
	DecodeWorkers   int               `mapstructure:"decode_workers"`
	MaxRunDuration  time.Duration     `mapstructure:"max_run_duration"`
	MaxRunEvents    int64             `mapstructure:"max_run_events"`
	NanosPerTick    int64             `mapstructure:"nanos_per_tick"`
	MaxEventBytes   int               `mapstructure:"max_event_bytes"`
	ExternalTrigger string            `mapstructure:"external_trigger"`
	ChannelTrigger  string            `mapstructure:"channel_trigger"`
	IOLevel         string            `mapstructure:"io_level"`
	Boards          []BoardAddress    `mapstructure:"boards"`
	Channels        []ChannelSettings `mapstructure:"channels"`
	Registers       []RegisterWrite   `mapstructure:"registers"`
	Source          string            `mapstructure:"source"`
	SourceTag       string            `mapstructure:"source_tag"`
	Simulated       SimConfig         `mapstructure:"simulated"`
	RunsDB          runsdb.Config     `mapstructure:"runs_db"`
	StatusPort      int               `mapstructure:"status_port"`
	SaveWaveforms   bool              `mapstructure:"save_waveforms"`
	TestRun         bool              `mapstructure:"test_run"`
	Verbose         bool              `mapstructure:"verbose"`

	Digitizer DigitizerSettings `mapstructure:"-"`
}

// requiredKeys have no default: a configuration without them is rejected.
var requiredKeys = []string{"raw_data_dir", "record_length", "post_trigger", "events_per_file"}

// SetDefaults installs the default value of every optional key in v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("block_transfer", 64)
	v.SetDefault("file_extension", astfile.DefaultExtension)
	v.SetDefault("buffer_length", 1024)
	v.SetDefault("decode_workers", 2)
	v.SetDefault("max_run_duration", time.Hour)
	v.SetDefault("max_run_events", 0)
	v.SetDefault("nanos_per_tick", event.DefaultNanosPerTick)
	v.SetDefault("max_event_bytes", 64<<20)
	v.SetDefault("external_trigger", "acquisition_only")
	v.SetDefault("channel_trigger", "disabled")
	v.SetDefault("io_level", "NIM")
	v.SetDefault("source", "simulated")
	v.SetDefault("simulated.events_per_read", 10)
	v.SetDefault("simulated.read_period", 10*time.Millisecond)
	v.SetDefault("simulated.ticks_per_event", 100000)
	v.SetDefault("save_waveforms", true)
	v.SetDefault("test_run", false)
	v.SetDefault("verbose", false)
}

// LoadConfig unmarshals the configuration held by v and validates it. Every
// missing required key is reported as a *ConfigError.
func LoadConfig(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var missing []error
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, configErrorf(key, "is required"))
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and builds the typed DigitizerSettings. All
// problems found are returned together, each as a *ConfigError.
func (cfg *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, configErrorf(field, format, args...))
	}

	if cfg.RecordLength == 0 || cfg.RecordLength%2 != 0 {
		bad("record_length", "must be a positive even number of samples, have %d", cfg.RecordLength)
	}
	if cfg.PostTrigger > 100 {
		bad("post_trigger", "is a percentage, have %d", cfg.PostTrigger)
	}
	if cfg.EventsPerFile <= 0 {
		bad("events_per_file", "must be positive, have %d", cfg.EventsPerFile)
	}
	if cfg.RawDataDir == "" {
		bad("raw_data_dir", "must be set")
	}
	if cfg.FileExtension == "" {
		cfg.FileExtension = astfile.DefaultExtension
	}
	cfg.FileExtension = strings.TrimPrefix(cfg.FileExtension, ".")
	if cfg.BufferLength < 2 {
		bad("buffer_length", "must be at least 2, have %d", cfg.BufferLength)
	}
	if cfg.DecodeWorkers < 1 {
		bad("decode_workers", "must be at least 1, have %d", cfg.DecodeWorkers)
	}
	if cfg.MaxRunDuration < 0 {
		bad("max_run_duration", "must not be negative")
	}
	if cfg.MaxRunEvents < 0 {
		bad("max_run_events", "must not be negative")
	}
	if cfg.NanosPerTick <= 0 {
		bad("nanos_per_tick", "must be positive, have %d", cfg.NanosPerTick)
	}
	if cfg.MaxEventBytes < 0 {
		bad("max_event_bytes", "must not be negative")
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		bad("status_port", "%d is not a port number", cfg.StatusPort)
	}

	d := DigitizerSettings{
		RecordLength:  cfg.RecordLength,
		PostTrigger:   cfg.PostTrigger,
		BlockTransfer: cfg.BlockTransfer,
		IsZLE:         cfg.IsZLE,
		Boards:        cfg.Boards,
	}
	var err error
	if d.ExternalTrigger, err = ParseTriggerMode(cfg.ExternalTrigger); err != nil {
		bad("external_trigger", "%v", err)
	}
	if d.ChannelTrigger, err = ParseTriggerMode(cfg.ChannelTrigger); err != nil {
		bad("channel_trigger", "%v", err)
	}
	if d.IOLevel, err = ParseIOLevel(cfg.IOLevel); err != nil {
		bad("io_level", "%v", err)
	}

	if len(cfg.Boards) == 0 {
		cfg.Boards = []BoardAddress{{}}
		d.Boards = cfg.Boards
	}
	if len(cfg.Boards) > event.MaxBoards {
		bad("boards", "at most %d boards are supported, have %d", event.MaxBoards, len(cfg.Boards))
	}
	nchan := len(cfg.Boards) * event.ChannelsPerBoard
	seen := make(map[int]bool)
	for i, ch := range cfg.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		switch {
		case ch.Channel < 0 || ch.Channel >= nchan:
			bad(field, "channel %d outside 0..%d", ch.Channel, nchan-1)
			continue
		case seen[ch.Channel]:
			bad(field, "channel %d configured twice", ch.Channel)
			continue
		}
		seen[ch.Channel] = true
		if ch.ZLEThreshold > 0x3FFF {
			bad(field, "zle_threshold 0x%x exceeds 14 bits", ch.ZLEThreshold)
		}
		if ch.Enabled {
			d.EnableMask |= 1 << ch.Channel
		}
		d.Channels = append(d.Channels, ch)
	}
	if d.EnableMask == 0 {
		bad("channels", "no channel is enabled")
	}

	for i, rw := range cfg.Registers {
		gw, err := rw.parse()
		if err != nil {
			bad(fmt.Sprintf("registers[%d]", i), "%v", err)
			continue
		}
		d.GenericWrites = append(d.GenericWrites, gw)
	}

	cfg.Digitizer = d
	return errors.Join(errs...)
}

func (rw RegisterWrite) parse() (GenericWrite, error) {
	var gw GenericWrite
	var err error
	if gw.Addr, err = parseHex(rw.Register); err != nil {
		return gw, fmt.Errorf("register: %w", err)
	}
	if gw.Data, err = parseHex(rw.Data); err != nil {
		return gw, fmt.Errorf("data: %w", err)
	}
	if rw.Mask == "" {
		gw.Mask = 0xFFFFFFFF
	} else if gw.Mask, err = parseHex(rw.Mask); err != nil {
		return gw, fmt.Errorf("mask: %w", err)
	}
	return gw, nil
}

// parseHex accepts "0x1F", "1F" or "1f".
func parseHex(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 32-bit hex value", s)
	}
	return uint32(v), nil
}

// ChannelInfo returns the channel table in the form recorded in run sidecars.
func (cfg *Config) ChannelInfo() []astfile.ChannelInfo {
	info := make([]astfile.ChannelInfo, 0, len(cfg.Digitizer.Channels))
	for _, ch := range cfg.Digitizer.Channels {
		info = append(info, astfile.ChannelInfo{
			Channel:          ch.Channel,
			Enabled:          ch.Enabled,
			DCOffset:         ch.DCOffset,
			TriggerThreshold: ch.TriggerThreshold,
			ZLEThreshold:     ch.ZLEThreshold,
		})
	}
	return info
}
