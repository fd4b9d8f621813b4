package processors

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func nonEmpty(lines []string) []string {
	var out []string
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// lastLine returns the last non-empty line that is not a comment
func lastLine(in Input) (any, error) {
	lines := in.Lines()
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.HasPrefix(lines[i], "#") {
			return lines[i], nil
		}
	}
	return NoData, nil
}

// lastInt parses the last output line as a positive integer
func lastInt(in Input) (any, error) {
	v, err := lastLine(in)
	if err != nil || v == NoData {
		return v, err
	}
	n, err := strconv.Atoi(v.(string))
	if err != nil {
		return nil, fmt.Errorf("not an integer: %q", v)
	}
	if n < 0 {
		return NoData, nil
	}
	return n, nil
}

// keyValue finds "key<sep> value" in output lines, case-insensitively
func keyValue(lines []string, key, sep string) (string, bool) {
	prefix := strings.ToLower(key + sep)
	for _, l := range lines {
		if strings.HasPrefix(strings.ToLower(l), prefix) {
			return strings.TrimSpace(l[len(prefix):]), true
		}
	}
	return "", false
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// uniqueStrings keeps first occurrences
func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999 -0700",
	time.RFC3339,
	time.UnixDate,
	time.ANSIC,
	"Mon Jan _2 15:04:05 MST 2006",
	"Mon 2006-01-02 15:04:05 MST",
}

// normalizeDate returns the date part (YYYY-MM-DD) of common date renderings
func normalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
