package astfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
)

// SidecarName is the name of the run metadata file in each run directory.
const SidecarName = "pax_info.json"

// FileInfo describes one event file of a run.
type FileInfo struct {
	FileNumber int    `json:"file_number"`
	FirstEvent uint32 `json:"first_event"`
	LastEvent  uint32 `json:"last_event"`
	EventCount int    `json:"event_count"`
	Bytes      uint64 `json:"bytes"`
}

// ChannelInfo is the per-channel configuration recorded with a run.
type ChannelInfo struct {
	Channel          int    `json:"channel"`
	Enabled          bool   `json:"enabled"`
	DCOffset         uint32 `json:"dc_offset"`
	TriggerThreshold uint32 `json:"trigger_threshold"`
	ZLEThreshold     uint32 `json:"zle_threshold"`
}

// Sidecar is the JSON run header written next to the event files.
type Sidecar struct {
	RunID          string        `json:"run_id"`
	RunName        string        `json:"run_name"`
	IsZLE          bool          `json:"is_zle"`
	PostTrigger    uint32        `json:"post_trigger"`
	EventsPerFile  int           `json:"events_per_file"`
	NumFiles       int           `json:"num_files"`
	NumEvents      int           `json:"num_events"`
	StartTime      int64         `json:"start_time_ns"`
	EndTime        int64         `json:"end_time_ns"`
	Comment        string        `json:"comment,omitempty"`
	ChannelConfig  []ChannelInfo `json:"channel_settings"`
	Files          []FileInfo    `json:"files"`
	EventSizeBytes []uint32      `json:"event_size_bytes"`
	EventSizeCum   []uint64      `json:"event_size_cum"`
	MeanEventBytes float64       `json:"mean_event_bytes"`
	StdEventBytes  float64       `json:"std_event_bytes"`
}

// WriteSidecar writes s as dir/pax_info.json. Failing to create the file is
// reported separately from failing to fill it, since the former usually means
// the run directory itself is unusable.
func WriteSidecar(dir string, s *Sidecar) error {
	name := filepath.Join(dir, SidecarName)
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("cannot create run sidecar: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("cannot write run sidecar %s: %w", name, err)
	}
	return f.Close()
}

// ReadSidecar reads dir/pax_info.json.
func ReadSidecar(dir string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		return nil, err
	}
	s := new(Sidecar)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", SidecarName, err)
	}
	return s, nil
}

// OffsetsName returns the file name of the run's cumulative-size index.
func OffsetsName(runName string) string {
	return runName + "_offsets.npy"
}

// WriteOffsets stores the cumulative event sizes as a 1-d uint64 .npy array,
// so analysis code can seek to any event without parsing the JSON sidecar.
func WriteOffsets(path string, cum []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, cum); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadOffsets reads an index written by WriteOffsets.
func ReadOffsets(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cum []uint64
	if err := npyio.Read(f, &cum); err != nil {
		return nil, err
	}
	return cum, nil
}
