package output

import (
	"regexp"
	"strings"
)

var (
	lineBreakPattern = regexp.MustCompile(`\r?\n`)
	// two or more whitespace characters, or a tab run; a single space stays inside a cell
	columnSeparator = regexp.MustCompile(`\s{2,}|\t+`)
)

// Block is rendered command output: a padded grid when the text looked
// tabular, otherwise the original text to show verbatim.
type Block struct {
	Rows  [][]string
	Plain string
}

// IsTable reports whether the block holds a grid
func (b Block) IsTable() bool {
	return len(b.Rows) > 0
}

// Columns returns the uniform column count of the grid
func (b Block) Columns() int {
	if len(b.Rows) == 0 {
		return 0
	}
	return len(b.Rows[0])
}

// Render turns raw command output into a Block
func Render(text string) Block {
	rows := ParseColumns(text)
	if len(rows) == 0 {
		return Block{Plain: text}
	}
	return Block{Rows: rows}
}

// ParseColumns splits text into rows of columns. Lines that do not yield at
// least two fields are dropped. It returns nil when no line qualifies;
// otherwise every row is padded with empty cells to the widest row.
func ParseColumns(text string) [][]string {
	var rows [][]string
	for _, line := range lineBreakPattern.Split(text, -1) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var cols []string
		for _, field := range columnSeparator.Split(line, -1) {
			field = strings.TrimSpace(field)
			if field != "" {
				cols = append(cols, field)
			}
		}
		if len(cols) >= 2 {
			rows = append(rows, cols)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	maxCols := 0
	for _, r := range rows {
		if len(r) > maxCols {
			maxCols = len(r)
		}
	}
	for i, r := range rows {
		for len(r) < maxCols {
			r = append(r, "")
		}
		rows[i] = r
	}
	return rows
}

// JoinColumns writes rows back as text with a two-space column separator.
// Trailing empty cells are dropped.
func JoinColumns(rows [][]string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		end := len(r)
		for end > 0 && r[end-1] == "" {
			end--
		}
		lines = append(lines, strings.Join(r[:end], "  "))
	}
	return strings.Join(lines, "\n")
}
