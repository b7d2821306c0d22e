package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment of a table column
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle holds the characters a table is drawn with
type BorderStyle struct {
	TopLeft, TopRight, BottomLeft, BottomRight  string
	Horizontal, Vertical                        string
	Cross, TopTee, BottomTee, LeftTee, RightTee string
}

var (
	asciiBorder = BorderStyle{
		TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
		Horizontal: "-", Vertical: "|",
		Cross: "+", TopTee: "+", BottomTee: "+", LeftTee: "+", RightTee: "+",
	}
	roundedBorder = BorderStyle{
		TopLeft: "╭", TopRight: "╮", BottomLeft: "╰", BottomRight: "╯",
		Horizontal: "─", Vertical: "│",
		Cross: "┼", TopTee: "┬", BottomTee: "┴", LeftTee: "├", RightTee: "┤",
	}
)

// Table renders rows of cells with borders sized to the content
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	colors     *ColorSystem
}

// NewTable creates a table in the named style. maxWidth 0 uses the
// terminal width.
func NewTable(style string, maxWidth int, colors *ColorSystem) *Table {
	t := &Table{
		alignments: make(map[int]Alignment),
		padding:    1,
		maxWidth:   maxWidth,
		colors:     colors,
	}
	switch style {
	case TableStyleRounded:
		t.border = roundedBorder
	case TableStyleMinimal:
		t.border = BorderStyle{}
	default:
		t.border = asciiBorder
	}
	if t.maxWidth <= 0 {
		t.maxWidth = terminalWidth()
	}
	return t
}

// SetHeaders sets the header row
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow appends a row
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetAlignment sets a column's alignment
func (t *Table) SetAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// Render returns the table as text
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fit(t.columnWidths())

	var b strings.Builder
	if t.border.Horizontal != "" {
		b.WriteString(t.rule(widths, t.border.TopLeft, t.border.TopTee, t.border.TopRight))
	}
	if len(t.headers) > 0 {
		b.WriteString(t.row(t.headers, widths, true))
		if t.border.Horizontal != "" {
			b.WriteString(t.rule(widths, t.border.LeftTee, t.border.Cross, t.border.RightTee))
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.row(row, widths, false))
	}
	if t.border.Horizontal != "" {
		b.WriteString(t.rule(widths, t.border.BottomLeft, t.border.BottomTee, t.border.BottomRight))
	}
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnWidths() []int {
	cols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	widths := make([]int, cols)
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for i := range widths {
		widths[i] += t.padding * 2
	}
	return widths
}

// fit shrinks columns proportionally until the table fits maxWidth
func (t *Table) fit(widths []int) []int {
	total := 0
	for _, w := range widths {
		total += w
	}
	if t.border.Vertical != "" {
		total += len(widths) + 1
	}
	if t.maxWidth <= 0 || total <= t.maxWidth || len(widths) == 0 {
		return widths
	}

	reduction := float64(total-t.maxWidth) / float64(len(widths))
	minWidth := t.padding*2 + 3
	for i := range widths {
		w := int(float64(widths[i]) - reduction)
		if w < minWidth {
			w = minWidth
		}
		widths[i] = w
	}
	return widths
}

func (t *Table) rule(widths []int, left, mid, right string) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) row(cells []string, widths []int, header bool) string {
	var b strings.Builder
	b.WriteString(t.border.Vertical)
	for i, w := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		b.WriteString(t.cell(cell, w, t.alignments[i], header))
		b.WriteString(t.border.Vertical)
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Table) cell(content string, width int, alignment Alignment, header bool) string {
	room := width - t.padding*2
	if room < 0 {
		room = 0
	}
	if runes := []rune(content); len(runes) > room {
		if room > 3 {
			content = string(runes[:room-3]) + "..."
		} else {
			content = string(runes[:room])
		}
	}

	pad := room - utf8.RuneCountInString(content)
	if header && t.colors != nil {
		content = t.colors.Colorize(content, t.colors.Theme().Primary)
	}

	left, right := t.padding, t.padding+pad
	if alignment == AlignRight {
		left, right = t.padding+pad, t.padding
	}
	return strings.Repeat(" ", left) + content + strings.Repeat(" ", right)
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 120
	}
	return width
}
