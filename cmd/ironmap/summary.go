package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"ironmap/pkg/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#50FA7B"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// summaryLine describes one outcome.
func summaryLine(o pipeline.Outcome) string {
	elapsed := dimStyle.Render(o.Elapsed.Round(time.Millisecond).String())
	if !o.OK() {
		return fmt.Sprintf("%s %s  %s\n    %s",
			failStyle.Render("FAIL"), o.Input, elapsed,
			dimStyle.Render(fmt.Sprintf("stage %s: %v", o.Stage, o.Err)))
	}

	size := ""
	if info, err := os.Stat(o.Output); err == nil {
		size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	line := fmt.Sprintf("%s %s -> %s%s  %s", okStyle.Render("OK  "), o.Input, o.Output, size, elapsed)
	if n := len(o.Artifacts); n > 0 {
		line += "\n    " + dimStyle.Render(fmt.Sprintf("%d intermediate %s kept", n, plural(n, "file", "files")))
	}
	return line
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// printSummary writes a boxed per-file summary of a batch.
func printSummary(w io.Writer, outcomes []pipeline.Outcome) {
	lines := make([]string, 0, len(outcomes)+1)
	failed := pipeline.FailureCount(outcomes)
	lines = append(lines, headerStyle.Render(fmt.Sprintf("ironmap: %d succeeded, %d failed",
		len(outcomes)-failed, failed)))
	for _, o := range outcomes {
		lines = append(lines, summaryLine(o))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}
