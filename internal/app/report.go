package app

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dsync/internal/checkpoint"

	"github.com/dustin/go-humanize"
)

// recentPerStatus is how many of the newest successes and failures a
// summary lists.
const recentPerStatus = 5

// Summary aggregates recorded runs.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Bytes     int64
	ByKind    map[string]int

	RecentSucceeded []*checkpoint.RunRecord
	RecentFailed    []*checkpoint.RunRecord
}

// Summarize aggregates runs, which must be ordered newest first.
func Summarize(runs []*checkpoint.RunRecord) Summary {
	s := Summary{ByKind: make(map[string]int)}
	for _, run := range runs {
		s.Total++
		s.ByKind[run.Kind]++
		switch run.Status {
		case checkpoint.StatusSucceeded:
			s.Succeeded++
			s.Bytes += run.Size
			if len(s.RecentSucceeded) < recentPerStatus {
				s.RecentSucceeded = append(s.RecentSucceeded, run)
			}
		case checkpoint.StatusFailed:
			s.Failed++
			if len(s.RecentFailed) < recentPerStatus {
				s.RecentFailed = append(s.RecentFailed, run)
			}
		}
	}
	return s
}

// WriteText prints the summary as a plain text report.
func (s Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Runs:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Succeeded:\t%d\n", s.Succeeded)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	fmt.Fprintf(tw, "Data:\t%s\n", humanize.IBytes(uint64(s.Bytes)))

	fmt.Fprintln(tw, "\nRecent successes:")
	if len(s.RecentSucceeded) == 0 {
		fmt.Fprintln(tw, "  none")
	}
	for _, run := range s.RecentSucceeded {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			run.StartedAt.Format(time.RFC3339), run.Kind, describe(run),
			humanize.IBytes(uint64(run.Size)), run.Duration.Round(time.Millisecond))
	}

	fmt.Fprintln(tw, "\nRecent failures:")
	if len(s.RecentFailed) == 0 {
		fmt.Fprintln(tw, "  none")
	}
	for _, run := range s.RecentFailed {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
			run.StartedAt.Format(time.RFC3339), run.Kind, describe(run), run.Error)
	}
	return tw.Flush()
}

func describe(run *checkpoint.RunRecord) string {
	switch {
	case run.Location != "":
		return run.Location
	case run.Path != "":
		return run.Path
	case run.Database != "":
		return run.Database
	}
	return "-"
}

// Report summarizes the newest limit runs from the state store.
func (r *Runner) Report(limit int) (Summary, error) {
	runs, err := r.store.ListRuns(limit)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list runs: %w", err)
	}
	return Summarize(runs), nil
}
