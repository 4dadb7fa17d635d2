// Package target validates and normalizes the host addresses a dispatch is sent to.
package target

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Target is a dot-decimal IPv4 address of one remote host.
type Target = string

var octetPattern = regexp.MustCompile(`^\d{1,3}$`)

// ErrHostFileContent is returned when a host file holds no tokens or an invalid token.
const ErrHostFileContent = "File must contain valid IPv4s separated by new lines or commas."

// isSeparator matches commas and any Unicode space, including no-break
// spaces and the byte order mark pasted from spreadsheets.
func isSeparator(r rune) bool {
	return r == ',' || r == '\uFEFF' || unicode.IsSpace(r)
}

// Sanitize splits raw host input into non-empty tokens, preserving order.
func Sanitize(text string) []string {
	tokens := strings.FieldsFunc(text, isSeparator)
	if tokens == nil {
		return []string{}
	}
	return tokens
}

// IsValidAddress reports whether token is four dot-separated octets in [0,255].
// Leading zeros are accepted, so "192.168.001.1" is valid.
func IsValidAddress(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if !octetPattern.MatchString(p) {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// ValidateAll reports whether tokens is non-empty and every token is a valid address.
func ValidateAll(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if !IsValidAddress(t) {
			return false
		}
	}
	return true
}

// InvalidTokens returns the tokens that are not valid addresses, in input order.
func InvalidTokens(tokens []string) []string {
	var invalid []string
	for _, t := range tokens {
		if !IsValidAddress(t) {
			invalid = append(invalid, t)
		}
	}
	return invalid
}

// InvalidMessage builds the operator-facing message for a token list.
// It returns "" when every token is valid.
func InvalidMessage(tokens []string) string {
	invalid := InvalidTokens(tokens)
	if len(invalid) == 0 {
		return ""
	}
	return "Invalid IP format: " + strings.Join(invalid, ", ")
}

// Parser defines the interface for reading target lists from operator input
type Parser interface {
	// ParseHosts parses free-form host text (newline, comma or space separated)
	ParseHosts(input string) ([]Target, error)

	// ParseHostFile reads hosts from a .txt or .csv file
	ParseHostFile(filename string) ([]Target, error)

	// ParseStdin reads hosts from stdin
	ParseStdin() ([]Target, error)
}

// DefaultParser implements the Parser interface
type DefaultParser struct {
	stdin io.Reader
}

// NewParser creates a new DefaultParser instance
func NewParser() Parser {
	return &DefaultParser{stdin: os.Stdin}
}

// ParseHosts parses free-form host text
func (p *DefaultParser) ParseHosts(input string) ([]Target, error) {
	tokens := Sanitize(input)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("Please provide at least one IP address.")
	}
	if msg := InvalidMessage(tokens); msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	return tokens, nil
}

// ParseHostFile reads hosts from a .txt or .csv file
func (p *DefaultParser) ParseHostFile(filename string) ([]Target, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".txt" && ext != ".csv" {
		return nil, fmt.Errorf("Please upload a .txt or .csv file containing IP addresses.")
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read IP file: %w", err)
	}
	defer file.Close()

	return p.parseFromReader(file)
}

// ParseStdin reads hosts from stdin
func (p *DefaultParser) ParseStdin() ([]Target, error) {
	return p.parseFromReader(p.stdin)
}

// parseFromReader reads the whole input, skipping '#' comment lines
func (p *DefaultParser) parseFromReader(reader io.Reader) ([]Target, error) {
	scanner := bufio.NewScanner(reader)
	var b strings.Builder

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Unable to parse IP file: %w", err)
	}

	tokens := Sanitize(b.String())
	if !ValidateAll(tokens) {
		return nil, fmt.Errorf("%s", ErrHostFileContent)
	}
	return tokens, nil
}
