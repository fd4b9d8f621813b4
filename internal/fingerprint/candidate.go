package fingerprint

import (
	"strings"

	"quipucords/internal/models"
	"quipucords/internal/processors"
)

// candidate is the per-source fingerprint of one inspected host before merging
type candidate struct {
	priority   int
	ref        models.SourceRef
	resultName string
	hasSudo    bool

	attrs        map[string]any
	meta         map[string]models.FactMetadata
	products     []models.Product
	entitlements []models.Entitlement
}

func newCandidate(group *models.InspectGroup, resultName string, hasSudo bool) *candidate {
	return &candidate{
		priority:   priorityOf(group.SourceType),
		ref:        group.Ref(),
		resultName: resultName,
		hasSudo:    hasSudo,
		attrs:      map[string]any{},
		meta:       map[string]models.FactMetadata{},
	}
}

func (c *candidate) metadata(rawKeys ...string) models.FactMetadata {
	return models.FactMetadata{
		SourceName: c.ref.SourceName,
		SourceType: c.ref.SourceType,
		ServerID:   c.ref.ServerID,
		RawFactKey: strings.Join(rawKeys, "/"),
		HasSudo:    c.hasSudo,
	}
}

// set records an attribute and its provenance; absent values are ignored
func (c *candidate) set(attr string, value any, rawKeys ...string) {
	if processors.IsAbsent(value) {
		return
	}
	if attr == "infrastructure_type" && value == models.InfraUnknown {
		return
	}
	c.attrs[attr] = value
	c.meta[attr] = c.metadata(rawKeys...)
}

func (c *candidate) copyString(f facts, attr, key string) {
	if v, ok := f.str(key); ok {
		c.set(attr, v, key)
	}
}

func (c *candidate) copyInt(f facts, attr, key string) {
	if v, ok := f.integer(key); ok {
		c.set(attr, v, key)
	}
}

func (c *candidate) copyBool(f facts, attr, key string) {
	if v, ok := f.boolean(key); ok {
		c.set(attr, v, key)
	}
}

func (c *candidate) copyStrings(f facts, attr, key string) {
	if v := f.strings(key); len(v) > 0 {
		c.set(attr, v, key)
	}
}

func (c *candidate) str(attr string) string {
	s, _ := c.attrs[attr].(string)
	return s
}

// identifiers returns normalized identity values used for matching
func (c *candidate) identifiers(attr string) []string {
	var out []string
	switch v := c.attrs[attr].(type) {
	case string:
		out = append(out, strings.ToLower(v))
	case []string:
		for _, s := range v {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func (c *candidate) addEntitlement(name, id string, rawKey string) {
	if name == "" {
		return
	}
	meta := c.metadata(rawKey)
	c.entitlements = append(c.entitlements, models.Entitlement{Name: name, EntitlementID: id, Metadata: &meta})
}

// priorityOf orders source types; lower merges first and wins conflicts
func priorityOf(t models.SourceType) int {
	for i, st := range models.SourceTypes {
		if st == t {
			return i
		}
	}
	return len(models.SourceTypes)
}
