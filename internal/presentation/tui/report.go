package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/labrun/pkg/audit"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/muesli/termenv"
)

// maxLogLines bounds the log tail of a run report.
const maxLogLines = 20

// RunMarkdown renders a run snapshot as a markdown report.
func RunMarkdown(s domain.RunState) string {
	var b strings.Builder
	name := s.ProtocolName
	if name == "" {
		name = s.RunID
	}
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Run | `%s` |\n", s.RunID)
	fmt.Fprintf(&b, "| Mode | %s |\n", s.Mode)
	fmt.Fprintf(&b, "| Status | **%s**%s |\n", s.Status, statusNote(s))
	fmt.Fprintf(&b, "| Progress | %d%% |\n", s.Progress)
	if s.CurrentStep != "" {
		fmt.Fprintf(&b, "| Step | %s |\n", s.CurrentStep)
	}
	if !s.StartTime.IsZero() {
		fmt.Fprintf(&b, "| Started | %s |\n", s.StartTime.Format(time.RFC3339))
	}
	if s.EndTime != nil {
		fmt.Fprintf(&b, "| Duration | %s |\n", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
	}

	if s.Result != nil {
		b.WriteString("\n## Result\n\n")
		writeJSONBlock(&b, s.Result)
	}
	if s.WellState != nil {
		b.WriteString("\n## Deck\n\n")
		writeJSONBlock(&b, s.WellState)
	}
	if len(s.Logs) > 0 {
		b.WriteString("\n## Logs\n\n")
		logs := s.Logs
		if len(logs) > maxLogLines {
			fmt.Fprintf(&b, "_%d earlier lines omitted_\n\n", len(logs)-maxLogLines)
			logs = logs[len(logs)-maxLogLines:]
		}
		b.WriteString("```\n")
		for _, l := range logs {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteString("```\n")
	}
	return b.String()
}

func statusNote(s domain.RunState) string {
	var notes []string
	if s.Status == domain.StatusCancelled && !s.CancelConfirmed {
		notes = append(notes, "unconfirmed")
	}
	if s.Stale {
		note := "stale"
		if s.StaleReason != "" {
			note += ": " + s.StaleReason
		}
		notes = append(notes, note)
	}
	if len(notes) == 0 {
		return ""
	}
	return " (" + strings.Join(notes, ", ") + ")"
}

// RunsMarkdown renders stored run records as a table.
func RunsMarkdown(records []domain.RunRecord) string {
	if len(records) == 0 {
		return "_No runs recorded._\n"
	}
	var b strings.Builder
	b.WriteString("| Run | Protocol | Mode | Status | Created |\n|---|---|---|---|---|\n")
	for _, r := range records {
		name := r.ProtocolName
		if name == "" {
			name = r.ProtocolID
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s |\n",
			r.RunID, name, r.Mode, r.Status, r.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// CallsMarkdown renders replayed operations. With states set, every call
// shows the reconstructed deck after it ran.
func CallsMarkdown(calls []audit.ReplayedCall, states bool) string {
	if len(calls) == 0 {
		return "_No operations recorded._\n"
	}
	var b strings.Builder
	b.WriteString("| # | Operation | Status | Duration | Stored as |\n|---|---|---|---|---|\n")
	for _, c := range calls {
		fmt.Fprintf(&b, "| %d | %s | %s | %dms | %s |\n",
			c.Sequence, c.MethodName, c.Status, c.DurationMs, encoding(c.FunctionCallLogEntry))
	}
	if !states {
		return b.String()
	}
	for _, c := range calls {
		fmt.Fprintf(&b, "\n### %d. %s\n\n", c.Sequence, c.MethodName)
		if c.ErrorMessage != "" {
			fmt.Fprintf(&b, "> %s\n\n", c.ErrorMessage)
		}
		if c.Args != nil {
			b.WriteString("Arguments:\n\n")
			writeJSONBlock(&b, c.Args)
		}
		b.WriteString("State after:\n\n")
		writeJSONBlock(&b, c.After)
	}
	return b.String()
}

func encoding(e domain.FunctionCallLogEntry) string {
	return storedKind(e.StateBefore) + " / " + storedKind(e.StateAfter)
}

func storedKind(s *domain.StoredState) string {
	switch {
	case s == nil:
		return "omitted"
	case s.IsDiff:
		return fmt.Sprintf("diff (%d ops)", len(s.Diff))
	default:
		return "snapshot"
	}
}

func writeJSONBlock(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "`%v`\n", v)
		return
	}
	b.WriteString("```json\n")
	b.Write(data)
	b.WriteString("\n```\n")
}

// StatusLine is the one-line progress view of a live run.
func StatusLine(out *termenv.Output, s domain.RunState) string {
	status := out.String(fmt.Sprintf("%-10s", s.Status)).Bold()
	switch s.Status {
	case domain.StatusCompleted:
		status = status.Foreground(out.Color("2"))
	case domain.StatusFailed:
		status = status.Foreground(out.Color("1"))
	case domain.StatusPaused, domain.StatusCancelled:
		status = status.Foreground(out.Color("3"))
	}

	line := fmt.Sprintf("%s %3d%%", status, s.Progress)
	if s.CurrentStep != "" {
		line += "  " + s.CurrentStep
	}
	if s.Stale {
		line += "  " + out.String("(stale)").Faint().String()
	}
	return line
}

// ProtocolsMarkdown renders catalog entries as a table.
func ProtocolsMarkdown(entries []domain.CatalogEntry) string {
	if len(entries) == 0 {
		return "_No protocols available._\n"
	}
	var b strings.Builder
	b.WriteString("| Protocol | Name | Modes | Description |\n|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n", e.ProtocolID, e.Name, strings.Join(e.Modes, ", "), e.Description)
	}
	return b.String()
}
