package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TableEntry is one parsed line of a mapping table. Values are not range
// checked here.
type TableEntry struct {
	Line       int
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// TableLineError reports a line that does not have the
// "localPort remoteHost remotePort" shape.
type TableLineError struct {
	Line int
	Text string
	Err  error
}

func (e *TableLineError) Error() string {
	return fmt.Sprintf("table line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *TableLineError) Unwrap() error { return e.Err }

var errFieldCount = errors.New("want 3 fields: [local port] [remote host] [remote port]")

// ParseTable reads one rule per line, fields separated by whitespace:
//
//	8080  google.com    2345
//	5432  postgres.com  22
//
// Blank lines and lines starting with # are skipped. A bad line does not
// stop the parse: every good entry is returned, in file order, together with
// the joined *TableLineError values of the bad ones.
func ParseTable(r io.Reader) ([]TableEntry, error) {
	var entries []TableEntry
	var lineErrs []error

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entry, err := parseTableLine(lineNo, text)
		if err != nil {
			lineErrs = append(lineErrs, &TableLineError{Line: lineNo, Text: text, Err: err})
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read table: %w", err)
	}
	return entries, errors.Join(lineErrs...)
}

func parseTableLine(lineNo int, text string) (TableEntry, error) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return TableEntry{}, errFieldCount
	}
	local, err := strconv.Atoi(fields[0])
	if err != nil {
		return TableEntry{}, fmt.Errorf("local port: %w", err)
	}
	remote, err := strconv.Atoi(fields[2])
	if err != nil {
		return TableEntry{}, fmt.Errorf("remote port: %w", err)
	}
	return TableEntry{Line: lineNo, LocalPort: local, RemoteHost: fields[1], RemotePort: remote}, nil
}

// LoadTable parses the mapping table at path.
func LoadTable(path string) ([]TableEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTable(f)
}

// Entries returns the inline mappings followed by the table entries.
func (c *RelayConfig) Entries(table []TableEntry) []TableEntry {
	out := make([]TableEntry, 0, len(c.Mappings)+len(table))
	for _, m := range c.Mappings {
		out = append(out, TableEntry{LocalPort: m.LocalPort, RemoteHost: m.RemoteHost, RemotePort: m.RemotePort})
	}
	return append(out, table...)
}
