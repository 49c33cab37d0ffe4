package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/pulse/events"
	"github.com/teranos/relay/pulse/run"
	"github.com/teranos/relay/pulse/store"
	"github.com/teranos/relay/sym"
)

// PrintError prints err with any hints attached to it
func PrintError(err error) {
	fmt.Fprintln(os.Stderr, pterm.Error.Sprint(err.Error()))
	if hint := errors.FlattenHints(err); hint != "" {
		fmt.Fprintln(os.Stderr, pterm.Info.Sprint(hint))
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Println(string(data))
	return nil
}

func glyph(status string) string {
	return sym.ForStatus(status)
}

// printReport renders a status report as a header plus a job table
func printReport(rep *run.StatusReport) error {
	pterm.DefaultSection.Printf("%s %s  %s", glyph(string(rep.Status)), rep.Pipeline, rep.RunID)
	pterm.Printfln("Status:   %s (%d%%)", rep.Status, rep.Percent)
	pterm.Printfln("Started:  %s", rep.StartedAt.Local().Format(time.DateTime))
	if rep.CompletedAt != nil {
		pterm.Printfln("Finished: %s (%s)", rep.CompletedAt.Local().Format(time.DateTime),
			rep.CompletedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	if rep.ResumeCount > 0 {
		pterm.Printfln("Resumed:  %d time(s)", rep.ResumeCount)
	}
	pterm.Println()

	data := pterm.TableData{{"", "JOB", "STATUS", "PROGRESS", "ATTEMPTS", "ERROR"}}
	for _, j := range rep.Jobs {
		data = append(data, []string{
			glyph(string(j.Status)),
			j.ID,
			string(j.Status),
			fmt.Sprintf("%d%%", j.Progress),
			fmt.Sprintf("%d", j.Attempts),
			truncate(j.Error, 60),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render job table")
	}

	if len(rep.Errors) > 0 {
		pterm.Println()
		for _, e := range rep.Errors {
			pterm.Error.Println(e)
		}
	}
	return nil
}

// printRuns renders run summaries as a table
func printRuns(list []store.Summary) error {
	if len(list) == 0 {
		pterm.Info.Println("No runs yet")
		return nil
	}
	data := pterm.TableData{{"", "RUN", "PIPELINE", "STATUS", "DONE", "STARTED"}}
	for _, s := range list {
		data = append(data, []string{
			glyph(string(s.Status)),
			s.ID,
			s.Pipeline,
			string(s.Status),
			fmt.Sprintf("%d%%", s.Percent),
			s.StartedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// printEvent writes one event as a progress line
func printEvent(e events.Event) {
	switch e.Type {
	case events.RunStarted, events.RunResumed:
		pterm.Info.Printfln("%s %s %s", sym.PulseOpen, e.Type, e.RunID)
	case events.JobStarted:
		pterm.Printfln("%s %s started (attempt %d)", glyph("running"), e.JobID, e.Attempt)
	case events.JobCompleted:
		pterm.Success.Printfln("%s completed", e.JobID)
	case events.JobFailed:
		pterm.Error.Printfln("%s failed: %s", e.JobID, e.Error)
	case events.JobRetryScheduled:
		pterm.Warning.Printfln("%s attempt %d failed, retrying in %s: %s", e.JobID, e.Attempt, e.Delay, e.Error)
	case events.JobSkipped, events.JobBlocked, events.JobCancelled:
		pterm.Printfln("%s %s %s", glyph(e.Status), e.JobID, e.Status)
	case events.JobProgress:
		pterm.Printfln("  %s %s %d%%", sym.Pulse, e.JobID, e.Progress)
	case events.JobLog:
		line := fmt.Sprintf("  %s | %s", e.JobID, e.Message)
		if e.Level == "error" {
			pterm.Println(pterm.FgRed.Sprint(line))
		} else {
			pterm.Println(pterm.FgGray.Sprint(line))
		}
	case events.RunPaused:
		pterm.Warning.Printfln("run %s paused", e.RunID)
	case events.RunCompleted, events.RunFailed, events.RunCancelled:
		pterm.Printfln("%s %s", sym.PulseClose, e.Type)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
