package fingerprint

import (
	"fmt"
	"sort"
	"strings"
)

// rule maps one canonical attribute from raw facts, or from attributes
// already set on the candidate when after is non-empty.
type rule struct {
	attr   string
	after  []string
	format func(f facts, c *candidate) (any, []string)
}

// orderRules sorts rules so every rule runs after the attributes it reads.
// Each attribute is produced by at most one rule.
func orderRules(rules []rule) []rule {
	provided := map[string]bool{}
	for _, r := range rules {
		if provided[r.attr] {
			panic(fmt.Sprintf("fingerprint: duplicate rule for %s", r.attr))
		}
		provided[r.attr] = true
	}
	done := map[string]bool{}
	ordered := make([]rule, 0, len(rules))
	pending := rules
	for len(pending) > 0 {
		var next []rule
		for _, r := range pending {
			ready := true
			for _, dep := range r.after {
				if provided[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, r)
				done[r.attr] = true
			} else {
				next = append(next, r)
			}
		}
		if len(next) == len(pending) {
			names := make([]string, 0, len(next))
			for _, r := range next {
				names = append(names, r.attr)
			}
			panic(fmt.Sprintf("fingerprint: unresolvable rule order for %s", strings.Join(names, ", ")))
		}
		pending = next
	}
	return ordered
}

func apply(rules []rule, f facts, c *candidate) {
	for _, r := range rules {
		v, keys := r.format(f, c)
		c.set(r.attr, v, keys...)
	}
}

// str takes the first present string fact
func str(attr string, keys ...string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		for _, k := range keys {
			if v, ok := f.str(k); ok {
				return v, []string{k}
			}
		}
		return nil, nil
	}}
}

// integer takes the first integer fact
func integer(attr string, keys ...string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		for _, k := range keys {
			if v, ok := f.integer(k); ok {
				return v, []string{k}
			}
		}
		return nil, nil
	}}
}

func boolean(attr string, keys ...string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		for _, k := range keys {
			if v, ok := f.boolean(k); ok {
				return v, []string{k}
			}
		}
		return nil, nil
	}}
}

// list unions string list facts, keeping first-seen order
func list(attr string, keys ...string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		var out, used []string
		seen := map[string]bool{}
		for _, k := range keys {
			values := f.strings(k)
			if len(values) == 0 {
				continue
			}
			used = append(used, k)
			for _, v := range values {
				if !seen[v] {
					seen[v] = true
					out = append(out, v)
				}
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, used
	}}
}

// earliestDate picks the oldest YYYY-MM-DD among the facts
func earliestDate(attr string, keys ...string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		best, key := "", ""
		for _, k := range keys {
			s, ok := f.str(k)
			if !ok {
				continue
			}
			d, ok := datePart(s)
			if !ok {
				continue
			}
			if best == "" || d < best {
				best, key = d, k
			}
		}
		if best == "" {
			return nil, nil
		}
		return best, []string{key}
	}}
}

// fromAttr derives an attribute from another one already on the candidate
func fromAttr(attr, source string, fn func(v any) any) rule {
	return rule{attr: attr, after: []string{source}, format: func(_ facts, c *candidate) (any, []string) {
		v, ok := c.attrs[source]
		if !ok {
			return nil, nil
		}
		return fn(v), []string{c.meta[source].RawFactKey}
	}}
}

func constant(attr string, value any, key string) rule {
	return rule{attr: attr, format: func(f facts, _ *candidate) (any, []string) {
		if !f.present(key) {
			return nil, nil
		}
		return value, []string{key}
	}}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
