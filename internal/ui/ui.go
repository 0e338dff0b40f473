package ui

import (
	"fmt"
	"io"
)

// UI receives live session updates from the command layer.
type UI interface {
	UpdateStatus(status string)
	StreamChunk(text string)
	Log(msg string)
}

// SilentUI swallows all updates; the default for one-shot commands.
type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string) {}
func (s SilentUI) StreamChunk(text string)    {}
func (s SilentUI) Log(msg string)             {}

// ConsoleUI writes streamed chunks straight to a writer; used for
// one-shot streaming output.
type ConsoleUI struct {
	Out io.Writer
}

func (c ConsoleUI) UpdateStatus(status string) {}

func (c ConsoleUI) StreamChunk(text string) {
	fmt.Fprint(c.Out, text)
}

func (c ConsoleUI) Log(msg string) {
	fmt.Fprintln(c.Out, msg)
}
