// Package console renders requests and their response envelopes for the
// command line.
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Sample is a canned request shown by the console.
type Sample struct {
	Name    string
	Request string
}

// SampleRequests covers one request of every family.
var SampleRequests = []Sample{
	{Name: "math", Request: `{"type": "math", "operation": "add", "numbers": [1, 2, 3, 4, 5]}`},
	{Name: "text", Request: `{"type": "text", "operation": "uppercase", "text": "hello world from qt!"}`},
	{Name: "data", Request: `{"type": "data", "operation": "stats", "dataset": [10, 20, 30, 40, 50, 25, 35, 45]}`},
	{Name: "echo", Request: `{"type": "echo", "message": "This is a test from Qt application"}`},
}

// SampleByName returns the sample request of a family.
func SampleByName(name string) (Sample, bool) {
	for _, s := range SampleRequests {
		if s.Name == name {
			return s, true
		}
	}
	return Sample{}, false
}

type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Failure lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title: r.NewStyle().
			Foreground(lipgloss.Color("#7aa2f7")).
			Bold(true),
		Label: r.NewStyle().
			Foreground(lipgloss.Color("#bb9af7")),
		Muted: r.NewStyle().
			Foreground(lipgloss.Color("#565f89")),
		Success: r.NewStyle().
			Foreground(lipgloss.Color("#9ece6a")).
			Bold(true),
		Failure: r.NewStyle().
			Foreground(lipgloss.Color("#f7768e")).
			Bold(true),
	}
}

// Renderer writes styled output to w. Colors are dropped when w is not a
// terminal.
type Renderer struct {
	w      io.Writer
	styles Styles
}

func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{
		w:      w,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// Header prints the title of a console run.
func (r *Renderer) Header(title string) {
	fmt.Fprintln(r.w, r.styles.Title.Render(title))
	fmt.Fprintln(r.w, r.styles.Muted.Render(strings.Repeat("=", len(title))))
	fmt.Fprintln(r.w)
}

// Result prints a request, its indented envelope and a success badge. It
// reports whether the envelope is a success.
func (r *Renderer) Result(title, request, envelope string) bool {
	ok := Succeeded(envelope)

	badge := r.styles.Success.Render("OK")
	if !ok {
		badge = r.styles.Failure.Render("FAILED")
	}

	fmt.Fprintf(r.w, "%s %s\n", r.styles.Title.Render("--- "+title+" ---"), badge)
	fmt.Fprintf(r.w, "%s %s\n", r.styles.Label.Render("Input:"), request)
	fmt.Fprintf(r.w, "%s %s\n\n", r.styles.Label.Render("Output:"), Indent(envelope))
	return ok
}

// Error prints a failure that has no envelope.
func (r *Renderer) Error(format string, args ...interface{}) {
	fmt.Fprintln(r.w, r.styles.Failure.Render(fmt.Sprintf(format, args...)))
}

// Summary prints the number of passed and failed requests.
func (r *Renderer) Summary(passed, failed int) {
	style := r.styles.Success
	if failed > 0 {
		style = r.styles.Failure
	}
	fmt.Fprintln(r.w, style.Render(fmt.Sprintf("%d succeeded, %d failed", passed, failed)))
}

// Indent pretty prints a JSON text with two spaces. Text that is not JSON is
// returned as is.
func Indent(text string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(text), "", "  "); err != nil {
		return text
	}
	return buf.String()
}

// Succeeded reports whether envelope has `"success": true`.
func Succeeded(envelope string) bool {
	var res struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(envelope), &res); err != nil {
		return false
	}
	return res.Success
}
