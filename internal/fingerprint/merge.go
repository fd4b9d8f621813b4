package fingerprint

import (
	"net/netip"

	"quipucords/internal/models"
)

// identityTiers are tried in order; a candidate joins the first merged
// fingerprint sharing a value in the earliest matching tier.
var identityTiers = [][]string{
	{"bios_uuid", "subscription_manager_id", "insights_client_id"},
	{"mac_addresses"},
	{"ipv4"},
}

// merged accumulates the candidates resolved to the same host
type merged struct {
	*candidate
	ids     map[string]map[string]bool
	sources []models.SourceRef
}

func newMerged(c *candidate) *merged {
	m := &merged{
		candidate: &candidate{
			priority:     c.priority,
			ref:          c.ref,
			resultName:   c.resultName,
			hasSudo:      c.hasSudo,
			attrs:        map[string]any{},
			meta:         map[string]models.FactMetadata{},
			products:     append([]models.Product(nil), c.products...),
			entitlements: nil,
		},
		ids: map[string]map[string]bool{},
	}
	for k, v := range c.attrs {
		m.attrs[k] = v
		m.meta[k] = c.meta[k]
	}
	m.addEntitlements(c.entitlements)
	m.absorb(c)
	return m
}

func identityValues(c *candidate, key string) []string {
	switch key {
	case "mac_addresses":
		var out []string
		for _, mac := range c.identifiers(key) {
			if mac != "00:00:00:00:00:00" && mac != "ff:ff:ff:ff:ff:ff" {
				out = append(out, mac)
			}
		}
		return out
	case "ipv4":
		var out []string
		for _, ip := range c.identifiers("ip_addresses") {
			addr, err := netip.ParseAddr(ip)
			if err != nil || !addr.Is4() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, addr.String())
		}
		return out
	}
	return c.identifiers(key)
}

func (m *merged) absorb(c *candidate) {
	for _, tier := range identityTiers {
		for _, key := range tier {
			for _, v := range identityValues(c, key) {
				if m.ids[key] == nil {
					m.ids[key] = map[string]bool{}
				}
				m.ids[key][v] = true
			}
		}
	}
	for _, s := range m.sources {
		if s == c.ref {
			return
		}
	}
	m.sources = append(m.sources, c.ref)
}

func (m *merged) matches(c *candidate, tier []string) bool {
	for _, key := range tier {
		for _, v := range identityValues(c, key) {
			if m.ids[key][v] {
				return true
			}
		}
	}
	return false
}

// merge folds a lower or equal priority candidate into m. Values already set
// on m win and the loser's provenance is kept under other_sources.
func (m *merged) merge(c *candidate) {
	for _, attr := range sortedKeys(c.attrs) {
		if _, ok := m.attrs[attr]; !ok {
			m.attrs[attr] = c.attrs[attr]
			m.meta[attr] = c.meta[attr]
			continue
		}
		meta := m.meta[attr]
		loser := c.meta[attr]
		loser.OtherSources = nil
		meta.OtherSources = append(meta.OtherSources, loser)
		m.meta[attr] = meta
	}
	m.products = mergeProducts(m.products, c.products)
	m.addEntitlements(c.entitlements)
	m.absorb(c)
}

func (m *merged) addEntitlements(entitlements []models.Entitlement) {
	for _, e := range entitlements {
		dup := false
		for _, have := range m.entitlements {
			if have.Name == e.Name && have.EntitlementID == e.EntitlementID {
				dup = true
				break
			}
		}
		if !dup {
			m.entitlements = append(m.entitlements, e)
		}
	}
}

// mergeCandidates resolves ordered candidates into hosts
func mergeCandidates(candidates []*candidate) []*merged {
	var hosts []*merged
	for _, c := range candidates {
		var target *merged
		for _, tier := range identityTiers {
			for _, h := range hosts {
				if h.matches(c, tier) {
					target = h
					break
				}
			}
			if target != nil {
				break
			}
		}
		if target == nil {
			hosts = append(hosts, newMerged(c))
			continue
		}
		target.merge(c)
	}
	return hosts
}
