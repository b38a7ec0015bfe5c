package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	plainRowStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	fadedRowStyle = plainRowStyle.Faint(true)
	diffRowStyle  = plainRowStyle.
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true)
)

// reportTable is a lipgloss table with alternating row shades, where rows can be highlighted, e.g. values that
// differ across checkpoints.
type reportTable struct {
	table       *lgtable.Table
	numRows     int
	highlighted map[int]bool
}

// newReportTable creates a table with the given column alignments: the last alignment given is used for the
// remaining columns, and columns are left aligned if none is given.
func newReportTable(alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{highlighted: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			s := plainRowStyle
			switch {
			case t.highlighted[row]:
				s = diffRowStyle
			case row%2 == 1:
				s = fadedRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// Headers sets the header row.
func (t *reportTable) Headers(headers ...string) *reportTable {
	t.table.Headers(headers...)
	return t
}

// Row appends a row.
func (t *reportTable) Row(row ...string) {
	t.HighlightedRow(false, row...)
}

// HighlightedRow appends a row, rendered in a distinct color if highlight is true.
func (t *reportTable) HighlightedRow(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.numRows] = true
	}
	t.table.Row(row...)
	t.numRows++
}

// Render returns the rendered table.
func (t *reportTable) Render() string {
	return t.table.Render()
}

// allEqual returns whether all values are equal. Empty values (missing in a checkpoint) also count.
func allEqual[E comparable](values []E) bool {
	for _, v := range values[min(1, len(values)):] {
		if v != values[0] {
			return false
		}
	}
	return true
}
