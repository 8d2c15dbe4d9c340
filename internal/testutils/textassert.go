// Package testutils holds assertions shared by the package tests.
package testutils

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of *testing.T a TextAsserter reports through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions selects the normalizations applied to both sides before
// comparing.
type TextAssertOptions struct {
	IgnoreTrailingWhitespace bool `default:"false"`
	IgnoreEmptyLines         bool `default:"false"`
	TrimSpace                bool `default:"false"`
	// StripANSI drops color and cursor escape sequences.
	StripANSI bool `default:"true"`
	// ResolveRedraws keeps only what a terminal would show for a line
	// rewritten in place after a carriage return.
	ResolveRedraws bool `default:"true"`
	EnableColors   bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

// TextAsserter compares terminal output as a user would see it and reports a
// unified diff on mismatch.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t *testing.T) *TextAsserter {
	return NewTextAsserterWithInterface(t)
}

func NewTextAsserterWithInterface(t TestingT) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.options)
	return ta
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, apply := range opts {
		apply(&ta.options)
	}
	return ta
}

func (ta *TextAsserter) Options() TextAssertOptions { return ta.options }

// Assert reports a diff through t when the normalized texts differ.
func (ta *TextAsserter) Assert(actual, expected string) bool {
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed:\n%s", diff)
		return false
	}
	return true
}

// Diff returns the unified diff from expected to actual after normalization,
// or "" when they match.
func (ta *TextAsserter) Diff(actual, expected string) string {
	want, got := ta.Normalize(expected), ta.Normalize(actual)
	if want == got {
		return ""
	}
	unified := gotextdiff.ToUnified("expected", "actual", want, myers.ComputeEdits("", want, got))
	diff := fmt.Sprint(unified)
	if ta.options.EnableColors {
		diff = colorizeDiff(diff)
	}
	return diff
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// lineFilters returns the per-line transformations the options enable, in
// the order they apply.
func (ta *TextAsserter) lineFilters() []func(string) string {
	var filters []func(string) string
	if ta.options.ResolveRedraws {
		filters = append(filters, resolveRedraw)
	}
	if ta.options.StripANSI {
		filters = append(filters, func(s string) string { return ansiSequence.ReplaceAllString(s, "") })
	}
	if ta.options.IgnoreTrailingWhitespace {
		filters = append(filters, func(s string) string { return strings.TrimRight(s, " \t") })
	}
	return filters
}

// Normalize applies the configured transformations to text.
func (ta *TextAsserter) Normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	filters := ta.lineFilters()

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		for _, f := range filters {
			line = f(line)
		}
		if ta.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// resolveRedraw returns the text after the last carriage return. Redrawn
// lines are always cleared first, so earlier text never shows through.
func resolveRedraw(line string) string {
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	return strings.ReplaceAll(line, "\x1b[K", "")
}

// diffStyles is matched in order against the start of each diff line.
var diffStyles = []struct {
	prefix     string
	attr       color.Attribute
	whitespace bool
}{
	{"---", color.FgYellow, false},
	{"+++", color.FgYellow, false},
	{"@@", color.FgCyan, false},
	{"-", color.FgRed, true},
	{"+", color.FgGreen, true},
}

func colorizeDiff(diff string) string {
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		for _, st := range diffStyles {
			if !strings.HasPrefix(line, st.prefix) {
				continue
			}
			if st.whitespace {
				line = strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
			}
			c := color.New(st.attr)
			c.EnableColor()
			lines[i] = c.Sprint(line)
			break
		}
	}
	return strings.Join(lines, "\n")
}

func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = ignore }
}

func WithIgnoreEmptyLines(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = ignore }
}

func WithTrimSpace(trim bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = trim }
}

func WithStripANSI(strip bool) TextOption {
	return func(o *TextAssertOptions) { o.StripANSI = strip }
}

func WithResolveRedraws(resolve bool) TextOption {
	return func(o *TextAssertOptions) { o.ResolveRedraws = resolve }
}

func WithEnableColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.EnableColors = enable }
}
