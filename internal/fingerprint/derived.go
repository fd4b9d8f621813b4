package fingerprint

import (
	"strings"

	"quipucords/internal/models"
)

// derivedRules run on merged hosts, after every source contributed
var derivedRules = orderRules([]rule{
	{attr: "number_of_cpus", after: []string{"cpu_core_count", "cpu_count", "infrastructure_type"}, format: func(_ facts, c *candidate) (any, []string) {
		if c.attrs["infrastructure_type"] == models.InfraVirtualized {
			if n, ok := asInt(c.attrs["cpu_count"]); ok {
				return n, []string{c.meta["cpu_count"].RawFactKey}
			}
		}
		for _, attr := range []string{"cpu_core_count", "cpu_count"} {
			if n, ok := asInt(c.attrs[attr]); ok {
				return n, []string{c.meta[attr].RawFactKey}
			}
		}
		return nil, nil
	}},
	{attr: "number_of_sockets", after: []string{"cpu_socket_count", "cpu_count", "cpu_core_per_socket"}, format: func(_ facts, c *candidate) (any, []string) {
		if n, ok := asInt(c.attrs["cpu_socket_count"]); ok {
			return n, []string{c.meta["cpu_socket_count"].RawFactKey}
		}
		count, ok1 := asInt(c.attrs["cpu_count"])
		perSocket, ok2 := asInt(c.attrs["cpu_core_per_socket"])
		if ok1 && ok2 && perSocket > 0 {
			return (count + perSocket - 1) / perSocket, []string{c.meta["cpu_count"].RawFactKey, c.meta["cpu_core_per_socket"].RawFactKey}
		}
		return nil, nil
	}},
})

// applyDerived computes the derived attributes with the provenance of the
// attribute they were computed from.
func applyDerived(m *merged) {
	for _, r := range derivedRules {
		if _, ok := m.attrs[r.attr]; ok {
			continue
		}
		v, keys := r.format(nil, m.candidate)
		if v == nil {
			continue
		}
		source := m.meta[r.after[0]]
		for _, attr := range r.after {
			if meta, ok := m.meta[attr]; ok && len(keys) > 0 && meta.RawFactKey == keys[0] {
				source = meta
				break
			}
		}
		source.OtherSources = nil
		m.attrs[r.attr] = v
		source.RawFactKey = strings.Join(keys, "/")
		m.meta[r.attr] = source
	}
}
