package storyctl

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/Oudwins/storyd/internals/schemas"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// supportsHyperlinks reports whether the terminal renders OSC 8 links.
func supportsHyperlinks() bool {
	term := os.Getenv("TERM")
	if term == "" || term == "dumb" || term == "alacritty" {
		return false
	}
	for _, key := range []string{"WT_SESSION", "VTE_VERSION", "KONSOLE_VERSION", "KITTY_WINDOW_ID", "WEZTERM_EXECUTABLE", "TERM_PROGRAM"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func link(w io.Writer, label string, target string) string {
	if target == "" || !isTerminal(w) || !supportsHyperlinks() {
		return label
	}
	return "\x1b]8;;" + target + "\x1b\\" + label + "\x1b]8;;\x1b\\"
}

func printProgress(w io.Writer, progress *schemas.ProgressResponse) {
	fmt.Fprintf(w, "task: %s\nworkflow: %s\nstatus: %s\nsegment: %d/%d\n",
		progress.TaskID, progress.Workflow, progress.Status, progress.CurrentSegment, progress.TotalSegments)
	if len(progress.SegmentNames) > 0 {
		names := make([]string, len(progress.SegmentNames))
		for i, name := range progress.SegmentNames {
			mark := " "
			if i < progress.CurrentSegment {
				mark = "x"
			}
			names[i] = fmt.Sprintf("[%s] %d %s", mark, i+1, name)
		}
		fmt.Fprintf(w, "segments:\n  %s\n", strings.Join(names, "\n  "))
	}
	if progress.Error != "" {
		fmt.Fprintf(w, "error: %s\n", progress.Error)
	}
}
