// Package formatter renders workflow state for the terminal.
package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/proddelta/internal/ledger"
	"github.com/harunnryd/proddelta/internal/workflow"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	okStyle      lipgloss.Style
	warnStyle    lipgloss.Style
	errStyle     lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		okStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warnStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		errStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// FormatSnapshot renders the workflow state as a two-column table.
func (f *TableFormatter) FormatSnapshot(status string, s workflow.Snapshot) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("Wallet", status)
	t.Row("Run", s.RunID)
	t.Row("Phase", string(s.Phase))
	t.Row("Encryption", string(s.GateState))
	for _, role := range ledger.Roles {
		t.Row(titleCase(role.String()), slotText(s, role))
	}
	if s.Computation.ResultHandle != "" {
		t.Row("Delta handle", truncateHandle(string(s.Computation.ResultHandle)))
	}
	t.Row("Result", resultText(s))
	if s.LastError != "" {
		text := s.LastError
		if s.LastHint != "" {
			text += " (" + s.LastHint + ")"
		}
		t.Row("Error", f.errStyle.Render(text))
	}
	t.Row("Interactions", fmt.Sprintf("%d (avg %s, %d errors)",
		s.Stats.ContractInteractions, s.Stats.AverageResponseTime, s.Stats.ErrorCount))

	return t.String()
}

// FormatReport renders contract verification findings.
func (f *TableFormatter) FormatReport(report ledger.Report) string {
	if len(report.Findings) == 0 {
		return "No findings"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers("Check", "Status", "Detail")

	for _, finding := range report.Findings {
		t.Row(finding.Check, f.severity(finding.Severity), finding.Detail)
	}
	return t.String()
}

func (f *TableFormatter) severity(s ledger.Severity) string {
	switch s {
	case ledger.SeverityOK:
		return f.okStyle.Render("ok")
	case ledger.SeverityWarning:
		return f.warnStyle.Render("warning")
	default:
		return f.errStyle.Render("error")
	}
}

func slotText(s workflow.Snapshot, role ledger.Role) string {
	slot := s.Slot(role)
	switch {
	case s.Submitting[role]:
		return "submitting..."
	case s.RefreshRequired[role]:
		return "refresh required"
	case slot.Submitted:
		return "submitted " + truncateHandle(string(slot.Handle))
	default:
		return "empty"
	}
}

func resultText(s workflow.Snapshot) string {
	switch s.Decryption.State {
	case workflow.DecryptionPending:
		return "decrypting..."
	case workflow.DecryptionFailed:
		return s.Decryption.ErrorMessage
	}
	summary, ok := s.Summary()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%+d (%s): %s", summary.Delta, summary.Trend, summary.Text)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return s[:1] + strings.ToLower(s[1:])
}

func truncateHandle(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:8] + "..." + h[len(h)-4:]
}
