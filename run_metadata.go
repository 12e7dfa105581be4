package obelix

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/asterix-daq/obelix/astfile"
	"github.com/asterix-daq/obelix/internal/runsdb"
)

// RunNameFormat is the time layout of run names.
const RunNameFormat = "20060102_1504"

// makeRunDirectory creates basepath/<run name> for a run starting at start
// and returns the run name. If that directory exists, _1, _2... is appended.
func makeRunDirectory(basepath string, start time.Time) (string, string, error) {
	if len(basepath) == 0 {
		return "", "", fmt.Errorf("raw data directory is the empty string")
	}
	if err := os.MkdirAll(basepath, 0755); err != nil {
		return "", "", err
	}
	base := start.Format(RunNameFormat)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		dir := filepath.Join(basepath, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return name, dir, nil
		}
		if !os.IsExist(err) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("out of run names for %s in %s", base, basepath)
}

// RunMetadata is what the controller knows about the run being written.
type RunMetadata struct {
	ID      ulid.ULID
	Name    string
	Dir     string
	Start   time.Time
	End     time.Time
	Comment string
}

func newRunMetadata(name, dir string, start time.Time, comment string) *RunMetadata {
	return &RunMetadata{
		ID:      ulid.MustNew(ulid.Timestamp(start), ulid.DefaultEntropy()),
		Name:    name,
		Dir:     dir,
		Start:   start,
		Comment: comment,
	}
}

// Summarize returns the mean and standard deviation of the event sizes.
func Summarize(sizes []uint32) (mean, std float64) {
	switch len(sizes) {
	case 0:
		return 0, 0
	case 1:
		return float64(sizes[0]), 0
	}
	x := make([]float64, len(sizes))
	for i, s := range sizes {
		x[i] = float64(s)
	}
	return stat.MeanStdDev(x, nil)
}

// Sidecar builds the JSON run header from the configuration and what fw wrote.
func (m *RunMetadata) Sidecar(cfg *Config, fw *RunFileWriter) *astfile.Sidecar {
	sizes := fw.EventSizes()
	mean, std := Summarize(sizes)
	return &astfile.Sidecar{
		RunID:          m.ID.String(),
		RunName:        m.Name,
		IsZLE:          cfg.IsZLE,
		PostTrigger:    cfg.PostTrigger,
		EventsPerFile:  cfg.EventsPerFile,
		NumFiles:       len(fw.Files()),
		NumEvents:      len(sizes),
		StartTime:      m.Start.UnixNano(),
		EndTime:        m.End.UnixNano(),
		Comment:        m.Comment,
		ChannelConfig:  cfg.ChannelInfo(),
		Files:          append([]astfile.FileInfo{}, fw.Files()...),
		EventSizeBytes: append([]uint32{}, sizes...),
		EventSizeCum:   append([]uint64{}, fw.Cumulative()...),
		MeanEventBytes: mean,
		StdEventBytes:  std,
	}
}

// Record builds the runs-database row for the finished run.
func (m *RunMetadata) Record(cfg *Config, fw *RunFileWriter) *runsdb.RunRecord {
	source := cfg.SourceTag
	if source == "" {
		source = "LED"
		if cfg.IsZLE {
			source = "none"
		}
	}
	return &runsdb.RunRecord{
		ID:        m.ID.String(),
		Name:      m.Name,
		StartTime: m.Start,
		EndTime:   m.End,
		Runtime:   m.End.Sub(m.Start).Seconds(),
		Events:    int(fw.EventsInRun()),
		RawStatus: runsdb.StatusAcquired,
		Source:    source,
		RawSize:   runsdb.HumanSize(uint64(fw.BytesWritten())),
		Comment:   m.Comment,
	}
}

// writeFiles writes the sidecar and the offsets index into the run directory.
// Failing to create the sidecar is returned; an index failure is only logged.
func (m *RunMetadata) writeFiles(cfg *Config, fw *RunFileWriter) error {
	if err := astfile.WriteSidecar(m.Dir, m.Sidecar(cfg, fw)); err != nil {
		return err
	}
	offsets := filepath.Join(m.Dir, astfile.OffsetsName(m.Name))
	if err := astfile.WriteOffsets(offsets, fw.Cumulative()); err != nil {
		ProblemLogger.Printf("run %s: could not write offsets index: %v", m.Name, err)
	}
	return nil
}
