package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/glimte/mmate-httpbridge/health"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorWarning = color.New(color.FgYellow).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
)

// output writes the step-by-step progress of a command
type output struct {
	w io.Writer
}

func newOutput(w io.Writer, noColor bool) *output {
	if noColor {
		color.NoColor = true
	}
	return &output{w: w}
}

func (o *output) step(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", colorInfo("->"), fmt.Sprintf(format, args...))
}

func (o *output) success(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", colorSuccess("ok"), fmt.Sprintf(format, args...))
}

func (o *output) warning(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", colorWarning("!!"), fmt.Sprintf(format, args...))
}

func (o *output) failure(format string, args ...interface{}) {
	fmt.Fprintf(o.w, "%s %s\n", colorError("xx"), fmt.Sprintf(format, args...))
}

func (o *output) header(title string) {
	fmt.Fprintln(o.w, colorBold(title))
	fmt.Fprintln(o.w, strings.Repeat("-", len(title)))
}

func (o *output) headers(h map[string][]string) {
	for name, values := range h {
		for _, v := range values {
			fmt.Fprintf(o.w, "  %s: %s\n", name, v)
		}
	}
}

func (o *output) health(report health.Report) {
	o.header(fmt.Sprintf("Health: %s", statusColor(report.Status)))
	fmt.Fprintf(o.w, "%-24s %-20s %-10s %s\n", "Check", "Status", "Duration", "Message")
	for _, r := range report.Checks {
		msg := r.Message
		if r.Error != "" {
			msg += " (" + r.Error + ")"
		}
		fmt.Fprintf(o.w, "%-24s %-20s %-10s %s\n",
			truncate(r.Name, 24),
			statusColor(r.Status),
			r.Duration.Round(100*time.Microsecond).String(),
			msg,
		)
	}
}

func statusColor(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return colorSuccess(string(s))
	case health.StatusDegraded:
		return colorWarning(string(s))
	default:
		return colorError(string(s))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
