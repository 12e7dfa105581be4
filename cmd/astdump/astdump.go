package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/asterix-daq/obelix/astfile"
	"github.com/asterix-daq/obelix/event"
)

func dumpHeader(h event.Header) {
	ts := time.Unix(0, int64(h.Timestamp)).UTC().Format("15:04:05.000000000")
	fmt.Printf("%8d  mask 0x%04x  %7d bytes  zle=%-5v  %s\n", h.EventNumber, h.ChannelMask, h.Size, h.ZLE, ts)
}

func dumpBody(body []byte, max int) {
	if max > len(body) {
		max = len(body)
	}
	max -= max % 16
	for i := 0; i < max; i += 16 {
		for j := i; j < i+16; j++ {
			fmt.Printf("%2.2x ", body[j])
		}
		fmt.Println()
	}
}

// dumpFile prints up to maxEvents headers of one .ast file (all if negative).
func dumpFile(name string, maxEvents, bodyBytes int) error {
	r, err := astfile.OpenReader(name)
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Println("File", name)
	for maxEvents < 0 || r.Events < maxEvents {
		h, body, err := r.NextEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		dumpHeader(h)
		if bodyBytes > 0 {
			dumpBody(body, bodyBytes)
		}
	}
	fmt.Printf("%d events, %d bytes read\n", r.Events, r.Offset)
	return nil
}

func dumpRun(dir, ext string, maxEvents, bodyBytes int) error {
	sc, err := astfile.ReadSidecar(dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s (id %s): %d events in %d files, zle=%v, post trigger %d%%\n",
		sc.RunName, sc.RunID, sc.NumEvents, sc.NumFiles, sc.IsZLE, sc.PostTrigger)
	fmt.Printf("Started %v, ended %v\n", time.Unix(0, sc.StartTime), time.Unix(0, sc.EndTime))
	fmt.Printf("Event size %.1f +- %.1f bytes\n", sc.MeanEventBytes, sc.StdEventBytes)
	if sc.Comment != "" {
		fmt.Printf("Comment: %s\n", sc.Comment)
	}
	for _, ch := range sc.ChannelConfig {
		fmt.Printf("  channel %2d enabled=%-5v offset 0x%04x threshold %d zle %d\n",
			ch.Channel, ch.Enabled, ch.DCOffset, ch.TriggerThreshold, ch.ZLEThreshold)
	}
	offsets, err := astfile.ReadOffsets(filepath.Join(dir, astfile.OffsetsName(sc.RunName)))
	switch {
	case err != nil:
		fmt.Println("No offsets index:", err)
	case len(offsets) != sc.NumEvents:
		fmt.Printf("Offsets index holds %d entries, sidecar says %d events\n", len(offsets), sc.NumEvents)
	}

	for _, fi := range sc.Files {
		fmt.Printf("\nFile %d: events %d-%d (%d), %d bytes\n", fi.FileNumber, fi.FirstEvent, fi.LastEvent, fi.EventCount, fi.Bytes)
		name := filepath.Join(dir, astfile.FileName(sc.RunName, fi.FileNumber, ext))
		if err := dumpFile(name, maxEvents, bodyBytes); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	maxEvents := flag.Int("n", 10, "events to print per file (negative for all)")
	bodyBytes := flag.Int("body", 0, "hex-dump this many bytes of each event body")
	ext := flag.String("ext", astfile.DefaultExtension, "extension of the event files")
	flag.Usage = func() {
		fmt.Println("astdump, a program to print the events of an obelix run directory or .ast file")
		fmt.Println("Usage: astdump [flags] run_dir_or_file ...")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	status := 0
	for _, arg := range flag.Args() {
		info, err := os.Stat(arg)
		if err == nil {
			if info.IsDir() {
				err = dumpRun(arg, *ext, *maxEvents, *bodyBytes)
			} else {
				err = dumpFile(arg, *maxEvents, *bodyBytes)
			}
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "astdump:", err)
			status = 1
		}
	}
	os.Exit(status)
}
