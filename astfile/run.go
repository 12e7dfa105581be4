package astfile

import (
	"fmt"
	"path/filepath"

	"github.com/asterix-daq/obelix/event"
)

// RunHeaders reads the sidecar of the run in dir and then the headers of
// every event in every file it lists, in file order.
func RunHeaders(dir, ext string) (*Sidecar, [][]event.Header, error) {
	sc, err := ReadSidecar(dir)
	if err != nil {
		return nil, nil, err
	}
	perFile := make([][]event.Header, 0, len(sc.Files))
	for _, fi := range sc.Files {
		name := filepath.Join(dir, FileName(sc.RunName, fi.FileNumber, ext))
		r, err := OpenReader(name)
		if err != nil {
			return sc, perFile, err
		}
		headers, err := r.ReadAll()
		r.Close()
		if err != nil {
			return sc, perFile, err
		}
		if len(headers) != fi.EventCount {
			return sc, perFile, fmt.Errorf("%s holds %d events, sidecar says %d", name, len(headers), fi.EventCount)
		}
		perFile = append(perFile, headers)
	}
	return sc, perFile, nil
}
