package formatting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bridgectl/internal/api"
	"bridgectl/internal/detector"
	"bridgectl/internal/events"
	pkgstrings "bridgectl/pkg/strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TableFormatter provides rich table output formatting
type TableFormatter struct {
	options Options
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(options Options) Formatter {
	return &TableFormatter{
		options: options,
	}
}

func (f *TableFormatter) createTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(f.options.Out)
	t.SetStyle(table.StyleRounded)
	return t
}

func header(cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = text.FgHiCyan.Sprint(c)
	}
	return row
}

func (f *TableFormatter) printf(format string, args ...interface{}) {
	fmt.Fprintf(f.options.Out, format, args...)
}

func (f *TableFormatter) emptyMessage(icon, message string) {
	f.printf("%s %s\n", text.FgYellow.Sprint(icon), text.FgYellow.Sprint(message))
}

func stateColor(state api.BridgeState) text.Color {
	switch state {
	case api.StateRunning:
		return text.FgHiGreen
	case api.StateStarting:
		return text.FgHiYellow
	case api.StateError:
		return text.FgHiRed
	default:
		return text.FgHiBlack
	}
}

func passMark(passed bool) string {
	if passed {
		return text.FgGreen.Sprint("✓")
	}
	return text.FgRed.Sprint("✗")
}

// LogLine renders an installation log entry for a terminal.
func LogLine(entry api.LogEntry) string {
	switch entry.Level {
	case api.LogSuccess:
		return passMark(true) + " " + entry.Text
	case api.LogError:
		return passMark(false) + " " + text.FgRed.Sprint(entry.Text)
	default:
		return "  " + entry.Text
	}
}

func yesNo(b bool) string {
	if b {
		return text.FgGreen.Sprint("yes")
	}
	return text.FgHiBlack.Sprint("no")
}

func orDash(s string) string {
	if s == "" {
		return text.FgHiBlack.Sprint("-")
	}
	return s
}

func (f *TableFormatter) Status(status api.BridgeStatus) error {
	t := f.createTable()
	t.AppendHeader(header("FIELD", "VALUE"))
	t.AppendRow(table.Row{"State", stateColor(status.State).Sprint(string(status.State))})
	if status.Config != nil {
		t.AppendRow(table.Row{"Backend", string(status.Config.Type)})
		t.AppendRow(table.Row{"Target", status.Config.Target()})
	}
	if status.Endpoint != "" {
		t.AppendRow(table.Row{"Endpoint", status.Endpoint})
	}
	if !status.Since.IsZero() {
		t.AppendRow(table.Row{"Since", status.Since.Format(time.RFC3339)})
	}
	if status.LastError != "" {
		t.AppendRow(table.Row{"Last error", text.FgRed.Sprint(pkgstrings.Truncate(status.LastError, pkgstrings.DefaultDetailMaxLen))})
	}
	if status.Diagnosis != "" {
		t.AppendRow(table.Row{"Diagnosis", status.Diagnosis})
	}
	if status.SessionID != "" {
		t.AppendRow(table.Row{"Install session", pkgstrings.ShortID(status.SessionID)})
	}
	t.Render()
	return nil
}

func (f *TableFormatter) Detection(results []detector.Result) error {
	if len(results) == 0 {
		f.emptyMessage("📋", "No backends detected")
		return nil
	}
	t := f.createTable()
	t.AppendHeader(header("BACKEND", "CANDIDATE", "RUNNING", "LAYER", "RUNTIME", "INSTALLED"))
	found := 0
	for _, r := range results {
		if r.Error != "" {
			t.AppendRow(table.Row{string(r.Type), text.FgRed.Sprint(pkgstrings.Truncate(r.Error, pkgstrings.DefaultDetailMaxLen)), "", "", "", ""})
			continue
		}
		if len(r.Candidates) == 0 {
			t.AppendRow(table.Row{string(r.Type), text.FgHiBlack.Sprint("not found"), "", "", "", ""})
			continue
		}
		for _, c := range r.Candidates {
			found++
			name := c.Identifier
			if c.Default {
				name += " (default)"
			}
			installed := yesNo(c.SoftwareInstalled)
			if c.SoftwareVersion != "" {
				installed += " " + c.SoftwareVersion
			}
			t.AppendRow(table.Row{string(r.Type), name, yesNo(c.Running), orDash(c.LayerVersion), orDash(c.RuntimeVersion), installed})
		}
	}
	t.Render()
	if !f.options.Quiet {
		f.printf("\n%s %s %s\n", text.FgHiBlue.Sprint("Total:"), text.FgHiWhite.Sprint(found), text.FgHiBlue.Sprint("candidates"))
	}
	return nil
}

func (f *TableFormatter) Recommendation(rec detector.Recommendation) error {
	if err := f.Detection(rec.Results); err != nil {
		return err
	}
	if rec.Type == "" {
		f.emptyMessage("💡", "No usable backend found")
		return nil
	}
	target := ""
	if rec.Candidate != nil {
		target = " (" + rec.Candidate.Identifier + ")"
	}
	f.printf("%s %s%s: %s\n", text.FgHiGreen.Sprint("Recommended:"), text.Bold.Sprint(string(rec.Type)), target, rec.Reason)
	return nil
}

func (f *TableFormatter) Report(report api.ValidationReport) error {
	t := f.createTable()
	t.AppendHeader(header("", "CHECK", "DETAIL", "RESOLUTION"))
	for _, c := range report.Checks {
		mark := passMark(c.Passed)
		if !c.Passed && !c.Blocking {
			mark = text.FgYellow.Sprint("!")
		}
		t.AppendRow(table.Row{mark, c.Name, pkgstrings.Truncate(c.Detail, pkgstrings.DefaultDetailMaxLen), resolutionText(c.Resolution)})
	}
	t.Render()
	for _, w := range report.Warnings {
		f.printf("%s %s\n", text.FgYellow.Sprint("⚠"), w)
	}
	if f.options.Quiet {
		return nil
	}
	if report.Passed() {
		f.printf("%s %s is ready on port %d\n", text.FgHiGreen.Sprint("✓"), report.Candidate, report.Params.Port)
	} else {
		f.printf("%s %d check(s) failed for %s\n", text.FgHiRed.Sprint("✗"), len(report.Failures()), report.Candidate)
	}
	return nil
}

func resolutionText(r *api.Resolution) string {
	if r == nil {
		return ""
	}
	if len(r.Command) > 0 {
		return strings.Join(r.Command, " ")
	}
	return r.Description
}

func (f *TableFormatter) Session(session api.InstallationSession) error {
	t := f.createTable()
	t.SetTitle(fmt.Sprintf("Install %s on %s [%s]", pkgstrings.ShortID(session.ID), session.Candidate, session.Status))
	t.AppendHeader(header("STEP", "STATUS", "CAUSE"))
	for _, s := range session.Steps {
		t.AppendRow(table.Row{s.Name, stepColor(s.Status).Sprint(string(s.Status)), pkgstrings.FirstLine(s.Cause)})
	}
	t.Render()
	if session.Status == api.SessionFailed && !f.options.Quiet {
		f.printf("%s %s: %s\n", text.FgHiRed.Sprint("✗"), session.FailureKind, pkgstrings.FirstLine(session.Cause))
	}
	return nil
}

func stepColor(status api.StepStatus) text.Color {
	switch status {
	case api.StepSucceeded:
		return text.FgGreen
	case api.StepFailed:
		return text.FgRed
	case api.StepRunning:
		return text.FgYellow
	default:
		return text.FgHiBlack
	}
}

func (f *TableFormatter) Probe(address string, result api.HealthProbeResult) error {
	if result.Reachable {
		f.printf("%s %s answered after %d attempt(s)\n", text.FgHiGreen.Sprint("✓"), address, result.AttemptCount)
		return nil
	}
	f.printf("%s %s unreachable after %d attempt(s)\n", text.FgHiRed.Sprint("✗"), address, result.AttemptCount)
	if result.LastError != nil {
		f.printf("  last error: %s\n", pkgstrings.FirstLine(result.LastError.Error()))
	}
	return nil
}

func (f *TableFormatter) Event(ev events.Event) error {
	color := text.FgHiWhite
	if ev.Type == events.EventTypeWarning {
		color = text.FgYellow
	}
	f.printf("%s %s %s\n", ev.Time.Format("15:04:05"), color.Sprintf("%-22s", ev.Reason), ev.Message)
	return nil
}

// Data formats generic data as a key/value table.
func (f *TableFormatter) Data(data interface{}) error {
	switch d := data.(type) {
	case map[string]interface{}:
		return f.formatObjectData(d)
	case map[string]string:
		m := make(map[string]interface{}, len(d))
		for k, v := range d {
			m[k] = v
		}
		return f.formatObjectData(m)
	case string:
		f.printf("%s\n", d)
	default:
		f.printf("%s\n", PrettyJSON(d))
	}
	return nil
}

func (f *TableFormatter) formatObjectData(data map[string]interface{}) error {
	if len(data) == 0 {
		f.emptyMessage("📋", "Nothing to show")
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := f.createTable()
	t.AppendHeader(header("KEY", "VALUE"))
	for _, k := range keys {
		t.AppendRow(table.Row{text.FgHiCyan.Sprint(k), fmt.Sprintf("%v", data[k])})
	}
	t.Render()
	return nil
}
