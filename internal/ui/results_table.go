package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Alignment represents column text alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// ColumnDef defines a column in a ResultsTable.
type ColumnDef struct {
	Name     string    // header text
	MinWidth int       // minimum width in characters
	MaxWidth int       // maximum width (0 = no limit)
	Align    Alignment // text alignment
	Style    lipgloss.Style
}

// ColID is the object id column.
var ColID = ColumnDef{
	Name:     "id",
	MinWidth: 4,
	MaxWidth: 12,
	Align:    AlignRight,
}

// FieldColumns returns the id column followed by one flexible column per
// field name.
func FieldColumns(names []string) []ColumnDef {
	id := ColID
	id.Style = Accent
	cols := []ColumnDef{id}
	for _, name := range names {
		cols = append(cols, ColumnDef{Name: name, MinWidth: 6, MaxWidth: 60})
	}
	return cols
}

// columnPadding separates adjacent columns.
const columnPadding = 2

// ResultsTable renders objects returned by a query, one per row.
type ResultsTable struct {
	display *DisplayContext
	columns []ColumnDef
	rows    [][]string
}

// NewResultsTable creates a new ResultsTable with the given display context and column layout.
func NewResultsTable(display *DisplayContext, columns []ColumnDef) *ResultsTable {
	return &ResultsTable{
		display: display,
		columns: columns,
	}
}

// AddRow adds a row of already formatted cells.
func (t *ResultsTable) AddRow(cells ...string) {
	row := make([]string, len(t.columns))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// calculateWidths sizes every column to its content within MinWidth and
// MaxWidth, then shrinks the widest columns until the row fits the terminal.
func (t *ResultsTable) calculateWidths() []int {
	widths := make([]int, len(t.columns))
	for i, col := range t.columns {
		w := lipgloss.Width(col.Name)
		for _, row := range t.rows {
			if cw := lipgloss.Width(row[i]); cw > w {
				w = cw
			}
		}
		if w < col.MinWidth {
			w = col.MinWidth
		}
		if col.MaxWidth > 0 && w > col.MaxWidth {
			w = col.MaxWidth
		}
		widths[i] = w
	}

	available := t.display.AvailableWidth(2) - (len(widths)-1)*columnPadding
	for {
		total, widest := 0, 0
		for i, w := range widths {
			total += w
			if w > widths[widest] {
				widest = i
			}
		}
		if total <= available || widths[widest] <= t.columns[widest].MinWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

// Render generates the table output as a string.
func (t *ResultsTable) Render() string {
	if len(t.rows) == 0 {
		return ""
	}

	widths := t.calculateWidths()
	headers := make([]string, len(t.columns))
	rows := make([][]string, len(t.rows))
	for i, col := range t.columns {
		headers[i] = col.Name
	}
	for i, row := range t.rows {
		rows[i] = make([]string, len(row))
		for j, cell := range row {
			rows[i][j] = TruncateWithEllipsis(cell, widths[j])
		}
	}

	tbl := table.New().
		Border(lipgloss.Border{
			Top:    "─",
			Bottom: "─",
			Middle: "─",
		}).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderRow(false).
		BorderHeader(true).
		BorderColumn(false).
		BorderStyle(Muted).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col >= len(t.columns) {
				return lipgloss.NewStyle()
			}
			def := t.columns[col]
			style := def.Style
			if row == table.HeaderRow {
				style = Muted
			}
			// lipgloss counts padding as part of the width
			width := widths[col]
			if col < len(t.columns)-1 {
				width += columnPadding
				style = style.PaddingRight(columnPadding)
			}
			style = style.Width(width)
			if def.Align == AlignRight {
				style = style.Align(lipgloss.Right)
			} else {
				style = style.Align(lipgloss.Left)
			}
			return style
		}).
		Rows(rows...)

	return tbl.Render()
}

// TruncateWithEllipsis truncates a string to maxLen display cells, adding an
// ellipsis if needed. Styled strings are left alone.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen <= 0 || lipgloss.Width(s) <= maxLen || strings.Contains(s, "\x1b") {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
