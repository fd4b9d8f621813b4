package processors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// installedProducts parses grep context blocks separated by "--"
func installedProducts(in Input) (any, error) {
	if in.Output == nil {
		return NoData, nil
	}
	var products []map[string]any
	seen := map[string]bool{}

	flush := func(name, id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		products = append(products, map[string]any{"name": name, "id": id})
	}

	var name, id string
	for _, line := range in.Output.StdoutLines {
		line = strings.TrimSpace(line)
		if line == "--" {
			flush(name, id)
			name, id = "", ""
			continue
		}
		if v, ok := keyValue([]string{line}, "Name", ":"); ok {
			name = v
		} else if v, ok := keyValue([]string{line}, "ID", ":"); ok {
			id = v
		}
	}
	flush(name, id)

	if len(products) == 0 {
		return NoData, nil
	}
	return products, nil
}

// submanConsumed parses "name - entitlement_id" lines
func submanConsumed(in Input) (any, error) {
	var out []map[string]any
	for _, line := range in.Lines() {
		idx := strings.LastIndex(line, " - ")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		id := strings.TrimSpace(line[idx+3:])
		if name == "" || id == "" {
			continue
		}
		out = append(out, map[string]any{"name": name, "entitlement_id": id})
	}
	if len(out) == 0 {
		return NoData, nil
	}
	return out, nil
}

// systemPurpose extracts the JSON object, skipping any leading noise
func systemPurpose(in Input) (any, error) {
	if in.Output == nil {
		if m, ok := in.Raw.(map[string]any); ok {
			return m, nil
		}
		return NoData, nil
	}
	text := strings.Join(in.Output.StdoutLines, "\n")
	idx := strings.Index(text, "{")
	if idx < 0 {
		return NoData, nil
	}
	doc := text[idx:]
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("system purpose is not valid json")
	}
	m, ok := gjson.Parse(doc).Value().(map[string]any)
	if !ok || len(m) == 0 {
		return NoData, nil
	}
	return m, nil
}

func submanValue(key string, convert func(string) (any, error)) func(Input) (any, error) {
	return func(in Input) (any, error) {
		v, ok := keyValue(in.Lines(), key, ":")
		if !ok || v == "" {
			return NoData, nil
		}
		return convert(v)
	}
}

func asString(v string) (any, error) { return v, nil }

func asBool(v string) (any, error) {
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return nil, fmt.Errorf("not a boolean: %q", v)
	}
	return b, nil
}

func asInt(v string) (any, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("not an integer: %q", v)
	}
	return n, nil
}

func submanProcessors() []*Processor {
	return []*Processor{
		{Key: "installed_products", Process: installedProducts},
		{Key: "subman_consumed", Process: submanConsumed},
		{Key: "system_purpose", Process: systemPurpose},
		{Key: "subman_virt_is_guest", Process: submanValue("virt.is_guest", asBool)},
		{Key: "subman_virt_uuid", Process: submanValue("virt.uuid", asString)},
		{Key: "subman_cpu_core_per_socket", Process: submanValue("cpu.core(s)_per_socket", asInt)},
		{Key: "subman_cpu_cpu_socket", Process: submanValue("cpu.cpu_socket(s)", asInt)},
		{Key: "subman_overall_status", Process: submanValue("Overall Status", asString)},
	}
}
