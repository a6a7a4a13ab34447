package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/guptarohit/asciigraph"
	"github.com/shopspring/decimal"

	"nftgate/internal/budget"
	"nftgate/internal/domain"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = cellStyle.Foreground(lipgloss.Color("#51cf66"))
	warnStyle   = cellStyle.Foreground(lipgloss.Color("#fcc419"))
	overStyle   = cellStyle.Foreground(lipgloss.Color("#ff6b6b"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#868e96"))
)

// percentColumn is the spend table column colored by usage
const percentColumn = 5

func (a *app) cmdReport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	days := fs.Int("days", 14, "Days of history to chart")
	width := fs.Int("width", 60, "Chart width")
	if err := fs.Parse(args); err != nil {
		return err
	}

	summary, err := a.ledger.Summary(ctx)
	if err != nil {
		return fmt.Errorf("failed to read budget: %w", err)
	}
	series, err := a.ledger.DailySeries(ctx, *days)
	if err != nil {
		return fmt.Errorf("failed to read spend history: %w", err)
	}
	monthStart, _ := budget.Monthly.Bounds(time.Now())
	alerts, err := a.ledger.Alerts(ctx, monthStart)
	if err != nil {
		return fmt.Errorf("failed to read alerts: %w", err)
	}

	_, err = io.WriteString(out, renderReport(summary, series, alerts, a.ledger.Limits().WarningThreshold, *width))
	return err
}

// renderReport lays out the spend table, the daily chart and this month's
// alerts
func renderReport(summary budget.Summary, series []budget.DayTotal, alerts []budget.Alert, warnAt float64, width int) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Budget"))
	b.WriteString("\n")
	b.WriteString(spendTable(summary, warnAt))
	b.WriteString("\n\n")

	b.WriteString(titleStyle.Render("Daily spend"))
	b.WriteString("\n")
	b.WriteString(spendChart(series, width))
	b.WriteString("\n")

	if len(alerts) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Alerts this month"))
		b.WriteString("\n")
		for _, al := range alerts {
			b.WriteString(subtleStyle.Render(al.Time.Format("01-02 15:04")))
			b.WriteString(" ")
			b.WriteString(al.Message)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func spendTable(summary budget.Summary, warnAt float64) string {
	names := make([]domain.ProviderName, 0, len(summary.Providers))
	for name := range summary.Providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	rows := make([][]string, 0, len(names)+1)
	for _, name := range names {
		ps := summary.Providers[name]
		rows = append(rows, []string{
			string(name),
			money(ps.DailySpent), limitText(ps.DailyLimit),
			money(ps.MonthlySpent), limitText(ps.MonthlyLimit),
			percentText(ps.MonthlySpent, ps.MonthlyLimit),
		})
	}
	rows = append(rows, []string{
		"global", "", "",
		money(summary.GlobalMonthlySpent), limitText(summary.GlobalMonthlyLimit),
		percentText(summary.GlobalMonthlySpent, summary.GlobalMonthlyLimit),
	})

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(subtleStyle).
		Headers("PROVIDER", "TODAY", "DAILY LIMIT", "MONTH", "MONTHLY LIMIT", "USED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col != percentColumn || row < 0 || row >= len(rows) {
				return cellStyle
			}
			return usageStyle(rows[row][percentColumn], warnAt)
		})
	return t.Render()
}

func spendChart(series []budget.DayTotal, width int) string {
	if len(series) == 0 {
		return subtleStyle.Render("No spend recorded")
	}
	if width < 20 {
		width = 20
	}

	data := make([]float64, len(series))
	for i, d := range series {
		data[i] = d.Amount.InexactFloat64()
	}
	caption := fmt.Sprintf("USD per day, %s to %s", series[0].Date, series[len(series)-1].Date)
	return asciigraph.Plot(data,
		asciigraph.Height(8),
		asciigraph.Width(width),
		asciigraph.Precision(2),
		asciigraph.Caption(caption),
	)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func limitText(d decimal.Decimal) string {
	if !d.IsPositive() {
		return "none"
	}
	return money(d)
}

func percentText(spent, limit decimal.Decimal) string {
	if !limit.IsPositive() {
		return "-"
	}
	return spent.Div(limit).Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}

// usageStyle colors a percentage cell against the warning threshold
func usageStyle(text string, warnAt float64) lipgloss.Style {
	var pct float64
	if _, err := fmt.Sscanf(strings.TrimSuffix(text, "%"), "%f", &pct); err != nil {
		return cellStyle
	}
	switch {
	case pct >= 100:
		return overStyle
	case pct >= warnAt:
		return warnStyle
	default:
		return okStyle
	}
}
