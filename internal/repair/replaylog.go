package repair

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var sectionMarker = regexp.MustCompile(`^=== Extra MongoDB Documents for (.+) ===$`)

// ParseReplayLog reads the log written by an audit: a section marker per
// file followed by indented JSON documents separated by blank lines.
// Documents without a fileName inherit the one of their section.
func ParseReplayLog(r io.Reader) ([]Target, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		targets   []Target
		section   string
		buf       bytes.Buffer
		startLine int
		line      int
	)

	flush := func() error {
		if strings.TrimSpace(buf.String()) == "" {
			buf.Reset()
			return nil
		}
		var t Target
		if err := json.Unmarshal(buf.Bytes(), &t); err != nil {
			return fmt.Errorf("line %d: %w", startLine, err)
		}
		if t.FileName == "" {
			t.FileName = section
		}
		targets = append(targets, t)
		buf.Reset()
		return nil
	}

	for scanner.Scan() {
		line++
		text := scanner.Text()

		if m := sectionMarker.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			section = strings.TrimSpace(m[1])
			continue
		}
		if strings.TrimSpace(text) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if buf.Len() == 0 {
			startLine = line
		}
		buf.WriteString(text)
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read replay log: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return targets, nil
}
