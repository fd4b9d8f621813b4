package fingerprint

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-version"

	"quipucords/internal/models"
)

const (
	ProductJBossEAP  = "JBoss EAP"
	ProductJBossFuse = "JBoss Fuse"
	ProductJBossBRMS = "JBoss BRMS"
	ProductJBossWS   = "JBoss Web Server"
	ProductOpenShift = "OpenShift"
)

type detector struct {
	name     string
	enabled  func(models.ProductToggles) bool
	evidence func(f facts) (versions []string, key string)
	// entitlement name fragments that only hint at the product
	entitlements []string
}

var detectors = []detector{
	{
		name:    ProductJBossEAP,
		enabled: func(t models.ProductToggles) bool { return t.JBossEAP },
		evidence: func(f facts) ([]string, string) {
			var versions []string
			for _, o := range f.objects("jboss_eap_jar_ver") {
				if v := mapStr(o, "version"); v != "" {
					versions = append(versions, v)
				}
			}
			if len(versions) > 0 {
				return versions, "jboss_eap_jar_ver"
			}
			for _, k := range []string{"jboss_eap_running_paths", "jboss_eap_packages"} {
				if f.present(k) {
					return nil, k
				}
			}
			return nil, ""
		},
		entitlements: []string{"jboss enterprise application platform", "jboss eap"},
	},
	{
		name:    ProductJBossFuse,
		enabled: func(t models.ProductToggles) bool { return t.JBossFuse },
		evidence: func(f facts) ([]string, string) {
			if v := f.strings("jboss_fuse_on_eap_activemq_ver"); len(v) > 0 {
				return v, "jboss_fuse_on_eap_activemq_ver"
			}
			if f.present("jboss_fuse_systemctl_unit_files") {
				return nil, "jboss_fuse_systemctl_unit_files"
			}
			return nil, ""
		},
		entitlements: []string{"fuse"},
	},
	{
		name:    ProductJBossBRMS,
		enabled: func(t models.ProductToggles) bool { return t.JBossBRMS },
		evidence: func(f facts) ([]string, string) {
			if v := f.strings("jboss_brms_kie_api_ver"); len(v) > 0 {
				return v, "jboss_brms_kie_api_ver"
			}
			return nil, ""
		},
		entitlements: []string{"decision manager", "business rules", "brms"},
	},
	{
		name:    ProductJBossWS,
		enabled: func(t models.ProductToggles) bool { return t.JBossWS },
		evidence: func(f facts) ([]string, string) {
			if v := f.strings("jws_version"); len(v) > 0 {
				return v, "jws_version"
			}
			if rpm, ok := f.boolean("jws_installed_with_rpm"); ok && rpm {
				return nil, "jws_installed_with_rpm"
			}
			return nil, ""
		},
		entitlements: []string{"jboss web server"},
	},
	{
		name:         ProductOpenShift,
		enabled:      func(models.ProductToggles) bool { return true },
		entitlements: []string{"openshift"},
	},
}

// detectHostProducts reads the product facts collected on a managed host
func detectHostProducts(f facts, c *candidate) []models.Product {
	var out []models.Product
	for _, d := range detectors {
		if d.evidence == nil {
			continue
		}
		versions, key := d.evidence(f)
		if key == "" {
			continue
		}
		meta := c.metadata(key)
		out = append(out, models.Product{
			Name:     d.name,
			Presence: models.PresencePresent,
			Versions: dedupeVersions(versions),
			Metadata: &meta,
		})
	}
	return mergeProducts(out, detectEntitlementProducts(c))
}

// detectEntitlementProducts maps subscription-only evidence to potential
func detectEntitlementProducts(c *candidate) []models.Product {
	var out []models.Product
	for _, d := range detectors {
		for _, e := range c.entitlements {
			if matchesAny(e.Name, d.entitlements) {
				meta := *e.Metadata
				out = append(out, models.Product{Name: d.name, Presence: models.PresencePotential, Metadata: &meta})
				break
			}
		}
	}
	return out
}

func matchesAny(name string, fragments []string) bool {
	lower := strings.ToLower(name)
	for _, frag := range fragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// mergeProducts keeps the strongest presence per product. Versions of equally
// strong evidence are combined; metadata stays with the first source.
func mergeProducts(base, other []models.Product) []models.Product {
	out := append([]models.Product(nil), base...)
	for _, p := range other {
		idx := -1
		for i := range out {
			if out[i].Name == p.Name {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			out = append(out, p)
		case p.Presence.Rank() > out[idx].Presence.Rank():
			out[idx] = p
		case p.Presence.Rank() == out[idx].Presence.Rank():
			out[idx].Versions = dedupeVersions(append(append([]string(nil), out[idx].Versions...), p.Versions...))
		}
	}
	return out
}

// finalizeProducts drops disabled products, adds absent entries for the
// enabled ones without evidence and orders the list by detector.
func finalizeProducts(found []models.Product, toggles models.ProductToggles) []models.Product {
	out := make([]models.Product, 0, len(detectors))
	for _, d := range detectors {
		if !d.enabled(toggles) {
			continue
		}
		product := models.Product{Name: d.name, Presence: models.PresenceAbsent}
		for _, p := range found {
			if p.Name == d.name {
				product = p
				break
			}
		}
		out = append(out, product)
	}
	return out
}

// dedupeVersions removes versions that compare equal and sorts the rest.
// Strings that are not versions sort lexically after the parsable ones.
func dedupeVersions(versions []string) []string {
	type entry struct {
		raw    string
		parsed *version.Version
	}
	var parsed, other []entry
	seen := map[string]bool{}
	for _, raw := range versions {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			continue
		}
		seen[raw] = true
		v, err := version.NewVersion(raw)
		if err != nil {
			other = append(other, entry{raw: raw})
			continue
		}
		dup := false
		for _, e := range parsed {
			if e.parsed.Equal(v) {
				dup = true
				break
			}
		}
		if !dup {
			parsed = append(parsed, entry{raw: raw, parsed: v})
		}
	}
	sort.SliceStable(parsed, func(i, j int) bool { return parsed[i].parsed.LessThan(parsed[j].parsed) })
	sort.SliceStable(other, func(i, j int) bool { return other[i].raw < other[j].raw })

	if len(parsed)+len(other) == 0 {
		return nil
	}
	out := make([]string, 0, len(parsed)+len(other))
	for _, e := range append(parsed, other...) {
		out = append(out, e.raw)
	}
	return out
}
