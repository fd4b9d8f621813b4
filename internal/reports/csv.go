package reports

import (
	"encoding/json"
	"fmt"
	"sort"
)

// table renders records as a header of the sorted union of their keys
// followed by one row per record
func table(records []map[string]any) [][]string {
	keys := map[string]bool{}
	for _, r := range records {
		for k := range r {
			keys[k] = true
		}
	}
	header := make([]string, 0, len(keys))
	for k := range keys {
		header = append(header, k)
	}
	sort.Strings(header)

	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, header)
	for _, r := range records {
		row := make([]string, len(header))
		for i, k := range header {
			row[i] = cell(r[k])
		}
		rows = append(rows, row)
	}
	return rows
}

// cell writes strings as-is and everything else as compact JSON
func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, int, int64, bool:
		return fmt.Sprint(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
