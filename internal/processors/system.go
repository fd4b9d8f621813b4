package processors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/stoewer/go-strcase"
)

var (
	releaseVersionPattern = regexp.MustCompile(`release\s+([\d.]+)`)
	isoDatePattern        = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	uuidPattern           = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	machineIDPattern      = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// hostnamectl parses "Key: value" lines into snake_case keys. A failed
// command yields a structured error that keeps the return code.
func hostnamectl(in Input) (any, error) {
	if in.Output != nil && in.Output.RC != 0 {
		msg := strings.TrimSpace(in.Output.Stderr)
		if msg == "" {
			msg = "hostnamectl returned a non-zero exit code"
		}
		return map[string]any{"error": msg, "rc": in.Output.RC}, nil
	}

	result := map[string]any{}
	for _, line := range in.Lines() {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name := strcase.SnakeCase(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if name == "chassis" {
			// newer systemd appends an emoji icon after the chassis type
			if fields := strings.Fields(value); len(fields) > 0 {
				value = fields[0]
			}
		}
		result[name] = value
	}
	if len(result) == 0 {
		return NoData, nil
	}
	return result, nil
}

func etcReleaseName(in Input) (any, error) {
	lines := in.Lines()
	if v, ok := keyValue(lines, "NAME", "="); ok {
		return unquote(v), nil
	}
	for _, l := range lines {
		if name, _, ok := strings.Cut(l, " release "); ok && !strings.Contains(l, "=") {
			return strings.TrimSpace(name), nil
		}
	}
	return NoData, nil
}

func etcReleaseRelease(in Input) (any, error) {
	lines := in.Lines()
	for _, l := range lines {
		if !strings.Contains(l, "=") {
			return l, nil
		}
	}
	if v, ok := keyValue(lines, "PRETTY_NAME", "="); ok {
		return unquote(v), nil
	}
	return NoData, nil
}

func etcReleaseVersion(in Input) (any, error) {
	lines := in.Lines()
	if v, ok := keyValue(lines, "VERSION_ID", "="); ok {
		return unquote(v), nil
	}
	for _, l := range lines {
		if m := releaseVersionPattern.FindStringSubmatch(l); m != nil {
			return m[1], nil
		}
	}
	if len(lines) == 1 && !strings.Contains(lines[0], " ") {
		return lines[0], nil
	}
	return NoData, nil
}

func dateValue(in Input) (any, error) {
	v, err := lastLine(in)
	if err != nil || v == NoData {
		return v, err
	}
	if d, ok := normalizeDate(v.(string)); ok {
		return d, nil
	}
	return nil, fmt.Errorf("unrecognized date %q", v)
}

// earliestDate returns the oldest ISO date found in the output
func earliestDate(in Input) (any, error) {
	earliest := ""
	for _, l := range in.Lines() {
		for _, d := range isoDatePattern.FindAllString(l, -1) {
			if earliest == "" || d < earliest {
				earliest = d
			}
		}
	}
	if earliest == "" {
		return NoData, nil
	}
	return earliest, nil
}

func matching(pattern *regexp.Regexp) func(Input) (any, error) {
	return func(in Input) (any, error) {
		v, err := lastLine(in)
		if err != nil || v == NoData {
			return v, err
		}
		s := v.(string)
		if !pattern.MatchString(s) {
			return NoData, nil
		}
		return strings.ToLower(s), nil
	}
}

func systemMemoryBytes(in Input) (any, error) {
	lines := in.Lines()
	v, ok := keyValue(lines, "MemTotal", ":")
	if !ok {
		if len(lines) == 0 {
			return NoData, nil
		}
		v = lines[len(lines)-1]
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return NoData, nil
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid memory size %q", v)
	}
	if len(fields) > 1 && strings.EqualFold(fields[1], "kb") {
		n *= 1024
	}
	return n, nil
}

func systemProcessors() []*Processor {
	return []*Processor{
		{Key: "hostnamectl", AcceptsErrors: true, Process: hostnamectl},
		{Key: "uname_hostname", Process: lastLine},
		{Key: "uname_processor", Process: lastLine},
		{Key: "uname_kernel", Process: lastLine},
		{Key: "etc_release_name", Process: etcReleaseName},
		{Key: "etc_release_release", Process: etcReleaseRelease},
		{Key: "etc_release_version", Process: etcReleaseVersion},
		{Key: "date_date", Process: dateValue},
		{Key: "date_filesystem_create", Process: dateValue},
		{Key: "date_machine_id", Process: dateValue},
		{Key: "date_yum_history", Process: earliestDate},
		{Key: "insights_client_id", Process: matching(uuidPattern)},
		{Key: "etc_machine_id", Process: matching(machineIDPattern)},
		{Key: "system_memory_bytes", Process: systemMemoryBytes},
	}
}
