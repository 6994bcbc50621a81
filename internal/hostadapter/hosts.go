package hostadapter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// hostsTag formats the comment that marks an entry as kftray-managed,
// allowing stale entries to be found and removed by id (spec.md §4.8).
func hostsTag(alias string, id int64) string {
	return fmt.Sprintf("kftray custom host for %s - %d", alias, id)
}

// UpsertHostsEntry adds or replaces the hosts-file line mapping addr to
// alias, tagged with id so it can be located later.
func UpsertHostsEntry(hostsPath, addr, alias string, id int64) error {
	lines, err := readLines(hostsPath)
	if err != nil {
		return err
	}

	tag := hostsTag(alias, id)
	entry := fmt.Sprintf("%s %s # %s", addr, alias, tag)

	out := make([]string, 0, len(lines)+1)
	replaced := false
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), "# "+tag) {
			out = append(out, entry)
			replaced = true
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, entry)
	}

	return writeLines(hostsPath, out)
}

// RemoveHostsEntryByID removes any line tagged with id for alias.
func RemoveHostsEntryByID(hostsPath, alias string, id int64) error {
	lines, err := readLines(hostsPath)
	if err != nil {
		return err
	}

	tag := hostsTag(alias, id)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), "# "+tag) {
			continue
		}
		out = append(out, line)
	}
	return writeLines(hostsPath, out)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
