// Package processors normalizes raw command output collected from managed
// hosts into fact values. Each processor is a pure function keyed by the fact
// it produces; the Pipeline runs them in dependency order.
package processors

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

type noData struct{}

// MarshalJSON encodes the sentinel as null
func (noData) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (noData) String() string { return "no-data" }

// NoData marks a fact whose value could not be determined
var NoData any = noData{}

// IsAbsent reports whether v carries no information: nil, NoData, an empty
// string or an empty collection
func IsAbsent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case noData:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

// Output is the registered result of a command task
type Output struct {
	StdoutLines []string
	Stdout      string
	Stderr      string
	RC          int
	Skipped     bool
}

// Failed reports whether the command did not produce usable output
func (o *Output) Failed() bool {
	return o.Skipped || o.RC != 0
}

// AsOutput interprets a raw fact as command output. Plain strings are
// treated as successful output; maps must look like a task result.
func AsOutput(raw any) (*Output, bool) {
	switch v := raw.(type) {
	case string:
		return &Output{Stdout: v, StdoutLines: strings.Split(v, "\n")}, true
	case *Output:
		return v, true
	case map[string]any:
		_, hasLines := v["stdout_lines"]
		_, hasStdout := v["stdout"]
		_, hasRC := v["rc"]
		_, hasSkipped := v["skipped"]
		if !hasLines && !hasStdout && !hasRC && !hasSkipped {
			return nil, false
		}
		out := &Output{}
		if s, ok := v["stdout"].(string); ok {
			out.Stdout = s
		}
		switch lines := v["stdout_lines"].(type) {
		case []any:
			for _, l := range lines {
				out.StdoutLines = append(out.StdoutLines, fmt.Sprint(l))
			}
		case []string:
			out.StdoutLines = lines
		}
		if out.StdoutLines == nil && out.Stdout != "" {
			out.StdoutLines = strings.Split(out.Stdout, "\n")
		}
		if s, ok := v["stderr"].(string); ok {
			out.Stderr = s
		}
		switch rc := v["rc"].(type) {
		case float64:
			out.RC = int(rc)
		case int:
			out.RC = rc
		case json.Number:
			n, _ := rc.Int64()
			out.RC = int(n)
		}
		if b, ok := v["skipped"].(bool); ok {
			out.Skipped = b
		}
		return out, true
	}
	return nil, false
}

// Input is what a processor receives
type Input struct {
	Key string
	// Raw is the unprocessed fact value, nil for derived facts
	Raw any
	// Output is Raw interpreted as command output when possible
	Output *Output
	// Deps holds the values of declared dependencies, processed when a
	// processor exists for them
	Deps map[string]any
}

// Lines returns the non-empty, trimmed output lines
func (in Input) Lines() []string {
	if in.Output == nil {
		return nil
	}
	return nonEmpty(in.Output.StdoutLines)
}

// DepOutput returns a dependency as successful command output
func (in Input) DepOutput(name string) (*Output, bool) {
	out, ok := AsOutput(in.Deps[name])
	if !ok || out.Failed() {
		return nil, false
	}
	return out, true
}

// Processor produces one fact
type Processor struct {
	Key  string
	Deps []string
	// RequireDeps yields NoData when any dependency is absent
	RequireDeps bool
	// AcceptsErrors lets the processor see non-zero return codes
	AcceptsErrors bool
	// Derived processors have no raw fact of their own and run whenever a
	// dependency is present
	Derived bool
	Process func(in Input) (any, error)
}

// Registry holds processors keyed by fact name
type Registry struct {
	byKey map[string]*Processor
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]*Processor{}}
}

// Register adds a processor; keys must be unique and the dependency graph acyclic
func (r *Registry) Register(p *Processor) error {
	if p.Key == "" || p.Process == nil {
		return fmt.Errorf("processor must have a key and a function")
	}
	if _, exists := r.byKey[p.Key]; exists {
		return fmt.Errorf("processor %q already registered", p.Key)
	}
	r.byKey[p.Key] = p
	order, err := r.sort()
	if err != nil {
		delete(r.byKey, p.Key)
		return err
	}
	r.order = order
	return nil
}

// MustRegister is Register for static tables
func (r *Registry) MustRegister(ps ...*Processor) *Registry {
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the processor for a fact
func (r *Registry) Get(key string) (*Processor, bool) {
	p, ok := r.byKey[key]
	return p, ok
}

// Keys returns registered fact names in processing order
func (r *Registry) Keys() []string {
	return append([]string(nil), r.order...)
}

// sort orders processors so dependencies come first; ties are alphabetical
func (r *Registry) sort() ([]string, error) {
	indegree := make(map[string]int, len(r.byKey))
	dependents := map[string][]string{}
	for key, p := range r.byKey {
		indegree[key] += 0
		for _, d := range p.Deps {
			if _, ok := r.byKey[d]; !ok {
				continue
			}
			indegree[key]++
			dependents[d] = append(dependents[d], key)
		}
	}

	var ready []string
	for key, n := range indegree {
		if n == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)
		next := dependents[key]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				sort.Strings(ready)
			}
		}
	}
	if len(order) != len(r.byKey) {
		return nil, fmt.Errorf("processor dependency cycle detected")
	}
	return order, nil
}

// Pipeline applies a registry to the facts of one host
type Pipeline struct {
	registry *Registry
	log      zerolog.Logger
}

// NewPipeline creates a pipeline logging processor failures to log
func NewPipeline(r *Registry, log zerolog.Logger) *Pipeline {
	return &Pipeline{registry: r, log: log}
}

// InternalPrefix marks intermediate facts consumed only as dependencies
const InternalPrefix = "internal_"

// Process returns a new map with every fact processed at most once.
// Intermediate facts are dropped from the result.
func (p *Pipeline) Process(facts map[string]any) map[string]any {
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		out[k] = v
	}

	for _, key := range p.registry.order {
		proc := p.registry.byKey[key]
		raw, present := facts[key]
		if !present {
			if !proc.Derived || !anyPresent(out, proc.Deps) {
				continue
			}
		}
		out[key] = p.run(proc, raw, out)
	}

	for k := range out {
		if strings.HasPrefix(k, InternalPrefix) {
			delete(out, k)
		}
	}
	return out
}

func anyPresent(facts map[string]any, keys []string) bool {
	for _, k := range keys {
		if !IsAbsent(facts[k]) {
			return true
		}
	}
	return false
}

func (p *Pipeline) run(proc *Processor, raw any, current map[string]any) (result any) {
	in := Input{Key: proc.Key, Raw: raw, Deps: make(map[string]any, len(proc.Deps))}
	if raw != nil {
		if out, ok := AsOutput(raw); ok {
			if out.Skipped {
				return NoData
			}
			if out.RC != 0 && !proc.AcceptsErrors {
				return NoData
			}
			in.Output = out
		}
	}
	for _, d := range proc.Deps {
		v := current[d]
		if proc.RequireDeps && IsAbsent(v) {
			return NoData
		}
		in.Deps[d] = v
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Warn().Str("fact", proc.Key).Interface("panic", r).Msg("Processor failed")
			result = NoData
		}
	}()

	v, err := proc.Process(in)
	if err != nil {
		p.log.Warn().Str("fact", proc.Key).Err(err).Msg("Processor failed")
		return NoData
	}
	if v == nil {
		return NoData
	}
	return v
}
