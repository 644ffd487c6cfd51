package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

// statusf prints a progress message to stderr. --quiet drops it;
// command output proper goes to stdout and is never suppressed.
func statusf(format string, args ...any) {
	if flagQuiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// formatSize renders a byte count with a binary-unit suffix, one
// decimal above 1 KiB.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// formatTime renders timestamps for table output. Recent times keep
// the clock, older ones trade it for the year.
func formatTime(t time.Time) string {
	if time.Since(t) < 180*24*time.Hour {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2 2006")
}

// printTable writes a header row and data rows in aligned columns.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	writeTabRow(tw, headers)
	for _, row := range rows {
		writeTabRow(tw, row)
	}
	tw.Flush()
}

func writeTabRow(w io.Writer, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			io.WriteString(w, "\t")
		}
		io.WriteString(w, cell)
	}
	io.WriteString(w, "\n")
}
