package obelix

import (
	"fmt"
	"strings"
)

// CommandKind enumerates the operator requests.
type CommandKind int

// Operator requests
const (
	CmdStartStop CommandKind = iota
	CmdStart
	CmdStop
	CmdTrigger
	CmdToggleSave
	CmdToggleTestRun
	CmdComment
	CmdStatus
	CmdQuit
)

func (k CommandKind) String() string {
	switch k {
	case CmdStartStop:
		return "start/stop"
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdTrigger:
		return "trigger"
	case CmdToggleSave:
		return "toggle waveform saving"
	case CmdToggleTestRun:
		return "toggle test run"
	case CmdComment:
		return "comment"
	case CmdStatus:
		return "status"
	case CmdQuit:
		return "quit"
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Command is one parsed operator request. Text carries the comment of a
// CmdComment.
type Command struct {
	Kind CommandKind
	Text string
}

// CommandHelp is printed by the console.
const CommandHelp = `Commands:
 [s] Start/stop
 [t] Force trigger
 [w] Write events to disk (otherwise discard)
 [T] En/disable automatic runs database interfacing
 [c text] Set the comment of the current run
 [status] Print the run status
 [q] Quit
`

// ParseCommand converts one console line into a Command. Single-letter
// commands are case sensitive ("t" triggers, "T" toggles test runs); the
// long forms are not.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch word {
	case "s":
		return Command{Kind: CmdStartStop}, nil
	case "t":
		return Command{Kind: CmdTrigger}, nil
	case "w":
		return Command{Kind: CmdToggleSave}, nil
	case "T":
		return Command{Kind: CmdToggleTestRun}, nil
	case "q":
		return Command{Kind: CmdQuit}, nil
	case "c":
		return Command{Kind: CmdComment, Text: rest}, nil
	}

	switch strings.ToLower(word) {
	case "start":
		return Command{Kind: CmdStart}, nil
	case "stop":
		return Command{Kind: CmdStop}, nil
	case "trigger":
		return Command{Kind: CmdTrigger}, nil
	case "write", "save":
		return Command{Kind: CmdToggleSave}, nil
	case "test":
		return Command{Kind: CmdToggleTestRun}, nil
	case "comment":
		return Command{Kind: CmdComment, Text: rest}, nil
	case "status":
		return Command{Kind: CmdStatus}, nil
	case "quit", "exit":
		return Command{Kind: CmdQuit}, nil
	}
	return Command{}, fmt.Errorf("unknown command %q", word)
}
