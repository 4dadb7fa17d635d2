package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"fleetcmd/internal/filter"
	"fleetcmd/internal/model"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// OutputMode defines the available output formatting modes
type OutputMode string

const (
	// TableMode renders the final results as a grid, nesting detected tables inside cells
	TableMode OutputMode = "table"

	// PlainMode shows complete output per host as preformatted blocks
	PlainMode OutputMode = "plain"

	// JSONMode emits NDJSON objects with structured result data
	JSONMode OutputMode = "json"
)

// ParseMode validates a mode name
func ParseMode(name string) (OutputMode, error) {
	switch OutputMode(name) {
	case TableMode, PlainMode, JSONMode:
		return OutputMode(name), nil
	default:
		return "", fmt.Errorf("invalid output mode '%s': must be one of 'table', 'plain', or 'json'", name)
	}
}

// Formatter defines the interface for formatting and displaying dispatch snapshots
type Formatter interface {
	// Progress renders an intermediate snapshot
	Progress(s model.Snapshot) error

	// Final renders the terminal snapshot of a dispatch
	Final(s model.Snapshot) error
}

// Options tune a DefaultFormatter
type Options struct {
	Color   bool
	Filters []filter.Filter
}

// DefaultFormatter implements the Formatter interface with support for all output modes
type DefaultFormatter struct {
	mode     OutputMode
	writer   io.Writer
	options  Options
	mu       sync.Mutex
	lastSeen map[string]string // last status printed per host, reset on each generation
	gen      uint64
}

// NewFormatter creates a new formatter with the specified mode and writer
func NewFormatter(mode OutputMode, writer io.Writer, options Options) Formatter {
	if writer == nil {
		writer = os.Stdout
	}

	return &DefaultFormatter{
		mode:     mode,
		writer:   writer,
		options:  options,
		lastSeen: make(map[string]string),
	}
}

// Progress prints one line per host whose status changed since the previous snapshot
func (f *DefaultFormatter) Progress(s model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeTransitions(s)
}

// Final renders the complete result set of a dispatch
func (f *DefaultFormatter) Final(s model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows := filter.FilterRows(s.Rows(), f.options.Filters...)

	switch f.mode {
	case TableMode:
		return f.formatTable(rows)
	case PlainMode:
		return f.formatPlain(rows)
	case JSONMode:
		return f.formatJSON(rows)
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

func (f *DefaultFormatter) writeTransitions(s model.Snapshot) error {
	if s.Generation != f.gen {
		f.gen = s.Generation
		f.lastSeen = make(map[string]string)
	}

	for _, row := range s.Rows() {
		if f.lastSeen[row.Target] == row.Status {
			continue
		}
		f.lastSeen[row.Target] = row.Status

		if f.mode == JSONMode {
			line, err := json.Marshal(JSONProgress{Event: EventProgress, Host: row.Target, Status: row.Status})
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			if _, err := fmt.Fprintf(f.writer, "%s\n", line); err != nil {
				return fmt.Errorf("failed to write JSON: %w", err)
			}
			continue
		}
		if _, err := fmt.Fprintf(f.writer, "[%s] %s\n", row.Target, f.colorStatus(row.Status)); err != nil {
			return fmt.Errorf("failed to write status: %w", err)
		}
	}
	return nil
}

// formatTable renders rows as a grid; tabular stdout/stderr becomes a nested grid
func (f *DefaultFormatter) formatTable(rows []model.Row) error {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"IP", "Status", "Exit", "Stdout", "Stderr"})

	for _, row := range rows {
		t.AppendRow(table.Row{
			row.Target,
			f.statusCell(row),
			exitCodeText(row.Result.ExitCode),
			renderCell(row.Result.Stdout),
			renderCell(row.Result.StderrText()),
		})
	}

	if _, err := fmt.Fprintln(f.writer, t.Render()); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return nil
}

// formatPlain shows each host's output as a block in target order
func (f *DefaultFormatter) formatPlain(rows []model.Row) error {
	for i, row := range rows {
		// Add separator between hosts (except for the first one)
		if i > 0 {
			if _, err := fmt.Fprintln(f.writer, ""); err != nil {
				return fmt.Errorf("failed to write separator: %w", err)
			}
		}

		if _, err := fmt.Fprintf(f.writer, "=== %s ===\n", row.Target); err != nil {
			return fmt.Errorf("failed to write host header: %w", err)
		}

		for _, stream := range []string{row.Result.Stdout, row.Result.StderrText()} {
			if stream == "" {
				continue
			}
			if _, err := fmt.Fprint(f.writer, stream); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
			if !strings.HasSuffix(stream, "\n") {
				if _, err := fmt.Fprintln(f.writer, ""); err != nil {
					return fmt.Errorf("failed to write newline: %w", err)
				}
			}
		}

		if _, err := fmt.Fprintf(f.writer, "Status: %s, Exit code: %s\n",
			f.statusCell(row), exitCodeText(row.Result.ExitCode)); err != nil {
			return fmt.Errorf("failed to write exit info: %w", err)
		}
	}

	return nil
}

// NDJSON event names
const (
	EventProgress = "progress"
	EventResult   = "result"
)

// JSONProgress is one host status transition in NDJSON output
type JSONProgress struct {
	Event  string `json:"event"`
	Host   string `json:"host"`
	Status string `json:"status"`
}

// JSONOutput represents the JSON structure for NDJSON output
type JSONOutput struct {
	Event     string           `json:"event"`
	Host      string           `json:"host"`
	Status    string           `json:"status"`
	ExitCode  *int             `json:"exit_code"`
	Stdout    string           `json:"stdout"`
	Stderr    string           `json:"stderr"`
	Error     string           `json:"error,omitempty"`
	Postcheck *model.Postcheck `json:"postcheck,omitempty"`
}

// formatJSON outputs results as NDJSON (newline-delimited JSON)
func (f *DefaultFormatter) formatJSON(rows []model.Row) error {
	for _, row := range rows {
		out := JSONOutput{
			Event:     EventResult,
			Host:      row.Target,
			Status:    row.Status,
			ExitCode:  row.Result.ExitCode,
			Stdout:    row.Result.Stdout,
			Stderr:    row.Result.Stderr,
			Error:     row.Result.Error,
			Postcheck: row.Result.Postcheck,
		}

		jsonBytes, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}

		if _, err := fmt.Fprintf(f.writer, "%s\n", jsonBytes); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
	}

	return nil
}

func (f *DefaultFormatter) statusCell(row model.Row) string {
	status := f.colorStatus(row.Status)
	if pc := row.Result.Postcheck; pc != nil {
		if pc.Started {
			status += fmt.Sprintf(" (postcheck: started, pids %s)", joinInts(pc.PIDs))
		} else {
			status += " (postcheck: not started)"
		}
	}
	return status
}

func (f *DefaultFormatter) colorStatus(status string) string {
	if !f.options.Color {
		return status
	}
	switch status {
	case model.StatusCompleted:
		return text.FgGreen.Sprint(status)
	case model.StatusFailed:
		return text.FgRed.Sprint(status)
	default:
		return text.FgYellow.Sprint(status)
	}
}

// renderCell shows tabular output as a nested grid and anything else verbatim
func renderCell(s string) string {
	block := Render(s)
	if !block.IsTable() {
		return strings.TrimRight(block.Plain, "\n")
	}

	inner := table.NewWriter()
	inner.SetStyle(table.StyleLight)
	for _, r := range block.Rows {
		cells := make(table.Row, len(r))
		for i, c := range r {
			cells[i] = c
		}
		inner.AppendRow(cells)
	}
	return inner.Render()
}

func exitCodeText(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
