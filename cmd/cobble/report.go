package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/basket/cobble/internal/scheduler"
)

// printReportPlain renders a RunReport as the line-oriented format
// used when stdout isn't a TTY (SPEC_FULL §13 step 5's non-TUI path).
func printReportPlain(w io.Writer, report *scheduler.RunReport) {
	for _, t := range report.Tasks {
		line := fmt.Sprintf("%-8s %s", t.Status, t.Name)
		if t.Err != nil {
			line += ": " + t.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\nOK %d  SKIP %d  FAIL %d  BLOCKED %d  (%s)\n",
		report.OK, report.Skipped, report.Failed, report.Blocked, report.Duration.Truncate(time.Millisecond))
}

type jsonTask struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Err        string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type jsonReport struct {
	Tasks      []jsonTask `json:"tasks"`
	OK         int        `json:"ok"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Blocked    int        `json:"blocked"`
	DurationMs int64      `json:"duration_ms"`
	Success    bool       `json:"success"`
}

// printReportJSON renders a RunReport as a single JSON document, for
// `--json` (SPEC_FULL §13 step 5).
func printReportJSON(w io.Writer, report *scheduler.RunReport) error {
	out := jsonReport{
		OK:         report.OK,
		Skipped:    report.Skipped,
		Failed:     report.Failed,
		Blocked:    report.Blocked,
		DurationMs: report.Duration.Milliseconds(),
		Success:    report.Success(),
	}
	for _, t := range report.Tasks {
		jt := jsonTask{Name: t.Name, Status: t.Status, DurationMs: t.Duration.Milliseconds()}
		if t.Err != nil {
			jt.Err = t.Err.Error()
		}
		out.Tasks = append(out.Tasks, jt)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
