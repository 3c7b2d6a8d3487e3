package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

var SectionHeaderColor = color.New(color.FgHiWhite, color.BgBlue, color.Bold)

// Spinner shows a step in progress. On a terminal it animates; elsewhere
// only the final line is written.
type Spinner struct {
	*spinner.Spinner
	step    string
	started time.Time
}

func NewSpinner(step string) *Spinner {
	return newSpinner(os.Stderr, step)
}

func newSpinner(w io.Writer, step string) *Spinner {
	options := []spinner.Option{
		spinner.WithHiddenCursor(true),
		spinner.WithWriter(w),
		spinner.WithSuffix(" " + step),
	}
	f, animate := w.(*os.File)
	if animate {
		options = append(options, spinner.WithWriterFile(f))
	}

	s := &Spinner{
		Spinner: spinner.New(spinner.CharSets[14], 200*time.Millisecond, options...),
		step:    step,
		started: time.Now(),
	}
	if animate {
		s.Start()
	}
	return s
}

// UpdateDetail shows detail next to the step name.
// This function is safe to call on a nil Spinner.
func (s *Spinner) UpdateDetail(detail string) {
	if s == nil {
		return
	}
	s.Lock()
	s.Suffix = fmt.Sprintf(" %s %s", s.step, color.HiBlackString("(%s)", detail))
	s.Unlock()
}

// Success stops the spinner with a check mark and the step duration.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success() {
	s.stop(color.HiGreenString("✓"))
}

// Fail stops the spinner with a cross and the step duration.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail() {
	s.stop(color.HiRedString("✗"))
}

func (s *Spinner) stop(mark string) {
	if s == nil {
		return
	}

	line := fmt.Sprintf("%s %s %s\n", mark, s.step, color.HiBlackString(time.Since(s.started).Round(time.Second).String()))
	if !s.Active() {
		fmt.Fprint(s.Writer, line)
		return
	}
	s.FinalMSG = line
	s.Stop()
}
