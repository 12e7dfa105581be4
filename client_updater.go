package obelix

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest acquisition state.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State any
}

// StatusMessage is the periodic acquisition status.
type StatusMessage struct {
	State        string
	RunName      string
	ReadMBps     float64
	TriggerHz    float64
	RunSeconds   int
	EventsInFile int64
	EventsInRun  int64
	Saving       bool
	TestRun      bool
	Stalls       int64
}

func (s StatusMessage) String() string {
	return fmt.Sprintf("Status: %.3g MB/s, %.3g Hz, %d sec, %d/%d ev",
		s.ReadMBps, s.TriggerHz, s.RunSeconds, s.EventsInFile, s.EventsInRun)
}

// RunClientUpdater forwards every update from its input channel to a ZMQ
// publisher socket on portstatus, until ctx is done or updates is closed.
func RunClientUpdater(ctx context.Context, portstatus int, updates <-chan ClientUpdate) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("status publisher cannot bind %s: %w", hostname, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			message, err := json.Marshal(update.State)
			if err != nil {
				ProblemLogger.Printf("cannot marshal %s update: %v", update.Tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.Tag, message); err != nil {
				ProblemLogger.Printf("cannot publish %s update: %v", update.Tag, err)
			}
		}
	}
}
