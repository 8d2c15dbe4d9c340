// Package console renders session output for a human at a terminal.
//
// Status changes and notices are printed one per line. Estimates redraw a
// single line in place when the output is a terminal and are appended
// otherwise, so piping to a file yields one reading per line.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/blepulse/internal/bpm"
	"github.com/srg/blepulse/internal/session"
	"golang.org/x/term"
)

const (
	clearLineSequence = "\r\033[K"
	timeLayout        = "15:04:05"
)

// IsTerminal reports whether w is a terminal file.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type Option func(*Sink)

// WithColor forces colors on or off. By default colors follow the terminal.
func WithColor(enabled bool) Option { return func(s *Sink) { s.colors = enabled } }

// WithRedraw forces in-place estimate redraw on or off. By default it
// follows the terminal.
func WithRedraw(enabled bool) Option { return func(s *Sink) { s.redraw = enabled } }

// Sink is a session.Sink writing to a terminal or any io.Writer. It is safe
// for concurrent use, though an AsyncSink in front of it keeps the state
// machine off the terminal's write path.
type Sink struct {
	out    io.Writer
	colors bool
	redraw bool

	mu sync.Mutex
	// open is set while an in-place estimate line lacks its newline.
	open bool

	ok, warn, bad, info, beat, faint *color.Color
}

var _ session.Sink = (*Sink)(nil)

func New(out io.Writer, opts ...Option) *Sink {
	tty := IsTerminal(out)
	s := &Sink{out: out, colors: tty, redraw: tty}
	for _, opt := range opts {
		opt(s)
	}

	s.ok = color.New(color.FgGreen)
	s.warn = color.New(color.FgYellow)
	s.bad = color.New(color.FgRed, color.Bold)
	s.info = color.New(color.FgCyan)
	s.beat = color.New(color.FgRed)
	s.faint = color.New(color.Faint)
	for _, c := range []*color.Color{s.ok, s.warn, s.bad, s.info, s.beat, s.faint} {
		if s.colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

func (s *Sink) StatusChanged(u session.StatusUpdate) {
	var c *color.Color
	switch {
	case u.Fatal():
		c = s.bad
	case u.Degraded():
		c = s.warn
	case u.State == session.Streaming:
		c = s.ok
	case u.State == session.Disconnected && u.Err != nil:
		c = s.bad
	case u.State == session.Disconnected:
		c = s.faint
	default:
		c = s.info
	}

	line := fmt.Sprintf("%s %s", s.faint.Sprint(u.At.Format(timeLayout)), c.Sprintf("%-12s", u.State))
	if target := describe(u); target != "" {
		line += " " + target
	}
	if u.Err != nil {
		line += c.Sprintf(": %v", u.Err)
	}
	s.println(line)
}

func describe(u session.StatusUpdate) string {
	switch {
	case u.Device.Name != "" && u.Device.Address != "":
		return fmt.Sprintf("%s (%s)", u.Device.Name, u.Device.Address)
	default:
		return u.Device.Address
	}
}

func (s *Sink) EstimateUpdated(e bpm.Estimate) {
	reading := fmt.Sprintf("%s %s bpm", s.beat.Sprint("♥"), s.ok.Sprintf("%3d", e.BPM))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.redraw {
		fmt.Fprintf(s.out, "%s %s\n", s.faint.Sprint(e.ComputedAt.Format(timeLayout)), reading)
		return
	}
	fmt.Fprint(s.out, clearLineSequence+reading)
	s.open = true
}

func (s *Sink) Notice(msg string) {
	s.println(s.faint.Sprint("  · ") + msg)
}

// Finish terminates a pending in-place line.
func (s *Sink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLine()
}

func (s *Sink) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLine()
	fmt.Fprintln(s.out, line)
}

func (s *Sink) closeLine() {
	if s.open {
		fmt.Fprintln(s.out)
		s.open = false
	}
}
