// Package filter provides result-row filtering and grouping for fleetcmd.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"fleetcmd/internal/model"
)

// Filter represents a row filter condition
type Filter interface {
	// Match returns true if the row matches the filter condition
	Match(row model.Row) bool
	// String returns a human-readable description of the filter
	String() string
}

// StatusFilter filters rows by host status
type StatusFilter struct {
	Include []string
	Exclude []string
}

// NewStatusFilter creates a new status-based filter
func NewStatusFilter(include, exclude []string) *StatusFilter {
	return &StatusFilter{
		Include: include,
		Exclude: exclude,
	}
}

// Match checks the row status against the include and exclude lists
func (f *StatusFilter) Match(row model.Row) bool {
	status := strings.ToLower(row.Status)

	if len(f.Include) > 0 {
		found := false
		for _, s := range f.Include {
			if strings.ToLower(s) == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, s := range f.Exclude {
		if strings.ToLower(s) == status {
			return false
		}
	}

	return true
}

// String returns a description of the status filter
func (f *StatusFilter) String() string {
	var parts []string
	if len(f.Include) > 0 {
		parts = append(parts, fmt.Sprintf("status: %s", strings.Join(f.Include, ",")))
	}
	if len(f.Exclude) > 0 {
		parts = append(parts, fmt.Sprintf("!status: %s", strings.Join(f.Exclude, ",")))
	}
	return strings.Join(parts, " AND ")
}

// HostFilter filters rows by address pattern
type HostFilter struct {
	Pattern string
	IsRegex bool
}

// NewHostFilter creates a new address-based filter
func NewHostFilter(pattern string, isRegex bool) *HostFilter {
	return &HostFilter{
		Pattern: pattern,
		IsRegex: isRegex,
	}
}

// Match checks if the row address matches the pattern
func (f *HostFilter) Match(row model.Row) bool {
	if f.IsRegex {
		matched, err := regexp.MatchString(f.Pattern, row.Target)
		return err == nil && matched
	}

	// Simple wildcard matching; dots are literal
	pattern := strings.ReplaceAll(regexp.QuoteMeta(f.Pattern), `\*`, ".*")
	matched, err := regexp.MatchString("^"+pattern+"$", row.Target)
	return err == nil && matched
}

// String returns a description of the host filter
func (f *HostFilter) String() string {
	if f.IsRegex {
		return fmt.Sprintf("host regex: %s", f.Pattern)
	}
	return fmt.Sprintf("host pattern: %s", f.Pattern)
}

// ExitCodeFilter keeps rows whose exit code is (or is not) zero
type ExitCodeFilter struct {
	NonZero bool
}

// Match checks the row exit code; rows without an exit code only match NonZero
func (f *ExitCodeFilter) Match(row model.Row) bool {
	code := row.Result.ExitCode
	if f.NonZero {
		return code == nil || *code != 0
	}
	return code != nil && *code == 0
}

// String returns a description of the exit code filter
func (f *ExitCodeFilter) String() string {
	if f.NonZero {
		return "exit: nonzero"
	}
	return "exit: zero"
}

// CompositeFilter combines multiple filters with AND/OR logic
type CompositeFilter struct {
	Filters []Filter
	Logic   string // "AND" or "OR"
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(logic string, filters ...Filter) *CompositeFilter {
	return &CompositeFilter{
		Filters: filters,
		Logic:   strings.ToUpper(logic),
	}
}

// Match evaluates all filters with the specified logic
func (f *CompositeFilter) Match(row model.Row) bool {
	if len(f.Filters) == 0 {
		return true
	}

	switch f.Logic {
	case "AND":
		for _, filter := range f.Filters {
			if !filter.Match(row) {
				return false
			}
		}
		return true
	case "OR":
		for _, filter := range f.Filters {
			if filter.Match(row) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// String returns a description of the composite filter
func (f *CompositeFilter) String() string {
	if len(f.Filters) == 0 {
		return "no filters"
	}

	var descriptions []string
	for _, filter := range f.Filters {
		descriptions = append(descriptions, filter.String())
	}

	return fmt.Sprintf("(%s)", strings.Join(descriptions, " "+f.Logic+" "))
}

// FilterRows applies filters to rows and returns the matching ones in order
func FilterRows(rows []model.Row, filters ...Filter) []model.Row {
	if len(filters) == 0 {
		return rows
	}

	all := NewCompositeFilter("AND", filters...)
	filtered := make([]model.Row, 0, len(rows))
	for _, row := range rows {
		if all.Match(row) {
			filtered = append(filtered, row)
		}
	}

	return filtered
}

// GroupByStatus groups row targets by status; each group keeps row order
func GroupByStatus(rows []model.Row) map[string][]string {
	groups := make(map[string][]string)
	for _, row := range rows {
		groups[row.Status] = append(groups[row.Status], row.Target)
	}
	return groups
}

// StatusNames returns the group keys sorted
func StatusNames(groups map[string][]string) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseFilterExpression parses a filter expression string
// Format: "status:failed,running !status:completed host:10.0.* host:regex:^10\. exit:nonzero"
func ParseFilterExpression(expression string) ([]Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	var filters []Filter
	for _, part := range strings.Fields(expression) {
		switch {
		case strings.HasPrefix(part, "status:"):
			filters = append(filters, NewStatusFilter(splitList(strings.TrimPrefix(part, "status:")), nil))
		case strings.HasPrefix(part, "!status:"):
			filters = append(filters, NewStatusFilter(nil, splitList(strings.TrimPrefix(part, "!status:"))))
		case strings.HasPrefix(part, "host:"):
			hostPattern := strings.TrimPrefix(part, "host:")
			isRegex := strings.HasPrefix(hostPattern, "regex:")
			if isRegex {
				hostPattern = strings.TrimPrefix(hostPattern, "regex:")
				if _, err := regexp.Compile(hostPattern); err != nil {
					return nil, fmt.Errorf("invalid host regex '%s': %w", hostPattern, err)
				}
			}
			filters = append(filters, NewHostFilter(hostPattern, isRegex))
		case part == "exit:nonzero":
			filters = append(filters, &ExitCodeFilter{NonZero: true})
		case part == "exit:zero":
			filters = append(filters, &ExitCodeFilter{})
		default:
			return nil, fmt.Errorf("unsupported filter term '%s'", part)
		}
	}

	return filters, nil
}

func splitList(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
