package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-isatty"
)

// DefaultTermWidth is the fallback terminal width when detection fails.
const DefaultTermWidth = 120

// DisplayContext holds display parameters for one output stream.
type DisplayContext struct {
	Out       io.Writer
	TermWidth int  // detected or fallback terminal width
	IsTTY     bool // whether Out is a terminal
}

// NewDisplayContext creates a DisplayContext for stdout.
func NewDisplayContext() *DisplayContext {
	return NewDisplayContextFor(os.Stdout)
}

// NewDisplayContextFor detects terminal dimensions when w is a terminal
// file and falls back to DefaultTermWidth otherwise.
func NewDisplayContextFor(w io.Writer) *DisplayContext {
	d := &DisplayContext{Out: w, TermWidth: DefaultTermWidth}

	f, ok := w.(*os.File)
	if !ok {
		return d
	}
	fd := f.Fd()
	d.IsTTY = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	if d.IsTTY {
		if width, _, err := term.GetSize(fd); err == nil && width > 0 {
			d.TermWidth = width
		}
	}
	return d
}

// NewDisplayContextWithWidth creates a DisplayContext with a fixed width (for testing).
func NewDisplayContextWithWidth(w io.Writer, width int) *DisplayContext {
	return &DisplayContext{
		Out:       w,
		TermWidth: width,
		IsTTY:     true,
	}
}

// AvailableWidth returns the usable width after accounting for left margin.
func (d *DisplayContext) AvailableWidth(leftMargin int) int {
	if w := d.TermWidth - leftMargin; w > 0 {
		return w
	}
	return 0
}
