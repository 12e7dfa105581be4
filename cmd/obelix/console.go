package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"

	"github.com/asterix-daq/obelix"
)

// console reads operator commands from the terminal and hands them to the
// run controller until the input ends or the controller stops accepting.
type console struct {
	line *liner.State
	rc   *obelix.RunController
}

func newConsole(rc *obelix.RunController) *console {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return &console{line: line, rc: rc}
}

// Close restores the terminal.
func (c *console) Close() error {
	return c.line.Close()
}

func (c *console) run() {
	fmt.Print(obelix.CommandHelp)
	for {
		input, err := c.line.Prompt(">>> ")
		if err != nil {
			if err != io.EOF && !errors.Is(err, liner.ErrPromptAborted) {
				obelix.ProblemLogger.Printf("console: %v", err)
			}
			c.rc.Dispatch(obelix.Command{Kind: obelix.CmdQuit})
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		c.line.AppendHistory(input)
		cmd, err := obelix.ParseCommand(input)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if !c.rc.Dispatch(cmd) {
			return
		}
		if cmd.Kind == obelix.CmdQuit {
			return
		}
	}
}
