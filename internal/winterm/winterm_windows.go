//go:build windows

// Package winterm manages the Windows console: entering/restoring raw mode, enabling VT
// processing, and reading the console's current size.
package winterm

import (
	"os"

	"golang.org/x/sys/windows"
)

const (
	enableVirtualTerminalProcessing = 0x0004
	enableVirtualTerminalInput       = 0x0200
	enableLineInput                  = 0x0002
	enableEchoInput                  = 0x0004
	enableProcessedInput              = 0x0001
)

// Console owns the stdin/stdout handles and the console modes saved on Enter, so Restore can put
// the terminal back exactly how it found it on both normal exit and any fatal error path.
type Console struct {
	stdin, stdout              windows.Handle
	originalInMode, originalOutMode uint32
	entered                    bool
}

// New wraps the process's standard console handles.
func New() *Console {
	return &Console{
		stdin:  windows.Handle(os.Stdin.Fd()),
		stdout: windows.Handle(os.Stdout.Fd()),
	}
}

// Enter puts the console into raw mode (no line buffering, no local echo, no signal processing)
// and enables VT escape sequence interpretation on both directions.
func (c *Console) Enter() error {
	if err := windows.GetConsoleMode(c.stdin, &c.originalInMode); err != nil {
		return err
	}
	if err := windows.GetConsoleMode(c.stdout, &c.originalOutMode); err != nil {
		return err
	}

	newIn := (c.originalInMode &^ (enableLineInput | enableEchoInput | enableProcessedInput)) | enableVirtualTerminalInput
	if err := windows.SetConsoleMode(c.stdin, newIn); err != nil {
		return err
	}

	newOut := c.originalOutMode | enableVirtualTerminalProcessing
	if err := windows.SetConsoleMode(c.stdout, newOut); err != nil {
		_ = windows.SetConsoleMode(c.stdin, c.originalInMode)
		return err
	}

	c.entered = true
	return nil
}

// Restore undoes Enter, restoring the console modes observed beforehand. Safe to call multiple
// times or without a prior successful Enter.
func (c *Console) Restore() {
	if !c.entered {
		return
	}
	_ = windows.SetConsoleMode(c.stdin, c.originalInMode)
	_ = windows.SetConsoleMode(c.stdout, c.originalOutMode)
	c.entered = false
}

// Size reports the current console's visible buffer size in (cols, rows), for the initial window
// dimensions handed to the predictor and the VT sink.
func (c *Console) Size() (cols, rows int, err error) {
	var info windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(c.stdout, &info); err != nil {
		return 0, 0, err
	}
	cols = int(info.Window.Right-info.Window.Left) + 1
	rows = int(info.Window.Bottom-info.Window.Top) + 1
	return cols, rows, nil
}
