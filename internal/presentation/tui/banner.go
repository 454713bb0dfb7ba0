package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// PrintBanner writes the labrun banner followed by the version.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	// Teal to green, the colours of a plate reader.
	lines := []struct{ text, color string }{
		{"  _       _                      ", "#22d3ee"},
		{" | | __ _| |__  _ __ _   _ _ __  ", "#2dd4bf"},
		{" | |/ _` | '_ \\| '__| | | | '_ \\ ", "#34d399"},
		{" | | (_| | |_) | |  | |_| | | | |", "#4ade80"},
		{" |_|\\__,_|_.__/|_|   \\__,_|_| |_|", "#a3e635"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	if v := strings.TrimSpace(version); v != "" {
		fmt.Fprintln(w, out.String("  "+v).Faint())
	}
	fmt.Fprintln(w)
}
