package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders aligned columns without borders. Widths are measured with
// lipgloss so styled cells line up.
type Table struct {
	header     []string
	rows       [][]string
	colWidths  []int
	colPadding int
}

// NewTable creates a table with the given column headers. An empty header
// cell still reserves the column.
func NewTable(header ...string) *Table {
	t := &Table{
		colWidths:  make([]int, len(header)),
		colPadding: 2,
	}
	if strings.Join(header, "") != "" {
		t.header = make([]string, len(header))
		for i, h := range header {
			t.header[i] = Muted.Render(h)
		}
		t.track(t.header)
	}
	return t
}

func (t *Table) track(row []string) {
	for i, cell := range row {
		if w := lipgloss.Width(cell); w > t.colWidths[i] {
			t.colWidths[i] = w
		}
	}
}

// AddRow adds a row; missing cells are left blank and extra cells dropped.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.colWidths))
	copy(row, cells)
	t.track(row)
	t.rows = append(t.rows, row)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// String renders the table as a string
func (t *Table) String() string {
	if len(t.rows) == 0 {
		return ""
	}

	var sb strings.Builder
	padding := strings.Repeat(" ", t.colPadding)
	write := func(row []string) {
		for i, cell := range row {
			if i > 0 {
				sb.WriteString(padding)
			}
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", t.colWidths[i]-lipgloss.Width(cell)))
			}
		}
		sb.WriteString("\n")
	}

	if t.header != nil {
		write(t.header)
	}
	for _, row := range t.rows {
		write(row)
	}
	return sb.String()
}
