// Package fingerprint merges the raw facts of a job into per-host
// fingerprints.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"quipucords/internal/models"
)

// SourceResults are the inspect results of one inspect group
type SourceResults struct {
	Group   *models.InspectGroup
	Results []*models.InspectResult
}

// Engine builds fingerprints for one job
type Engine struct {
	products models.ProductToggles
	log      zerolog.Logger
}

// New creates an engine honoring the scan's product toggles
func New(options models.ScanOptions, log zerolog.Logger) *Engine {
	return &Engine{products: options.Products(), log: log}
}

// Run maps, merges and materializes fingerprints. The output does not depend
// on the order of inputs or results.
func (e *Engine) Run(inputs []SourceResults) ([]*models.SystemFingerprint, error) {
	var candidates []*candidate
	for _, in := range inputs {
		m, ok := mappers[in.Group.SourceType]
		if !ok {
			continue
		}
		for _, r := range in.Results {
			if r.Status != models.InspectSuccess {
				continue
			}
			candidates = append(candidates, m(in.Group, r)...)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.ref.ServerID != b.ref.ServerID {
			return a.ref.ServerID < b.ref.ServerID
		}
		if a.ref.SourceName != b.ref.SourceName {
			return a.ref.SourceName < b.ref.SourceName
		}
		return a.resultName < b.resultName
	})

	hosts := mergeCandidates(candidates)
	out := make([]*models.SystemFingerprint, 0, len(hosts))
	for _, h := range hosts {
		applyDerived(h)
		fp, err := e.materialize(h)
		if err != nil {
			return nil, fmt.Errorf("failed to build fingerprint for %s: %w", h.resultName, err)
		}
		out = append(out, fp)
	}
	e.log.Debug().Int("candidates", len(candidates)).Int("fingerprints", len(out)).Msg("Fingerprints merged")
	return out, nil
}

// materialize converts canonical attributes to the fingerprint record; the
// attribute names are the record's JSON field names.
func (e *Engine) materialize(h *merged) (*models.SystemFingerprint, error) {
	raw, err := json.Marshal(h.attrs)
	if err != nil {
		return nil, err
	}
	fp := &models.SystemFingerprint{}
	if err := json.Unmarshal(raw, fp); err != nil {
		return nil, err
	}
	if fp.InfrastructureType == "" {
		fp.InfrastructureType = models.InfraUnknown
	}
	fp.Sources = h.sources
	fp.Metadata = h.meta
	fp.Products = finalizeProducts(h.products, e.products)
	fp.Entitlements = h.entitlements
	if fp.Entitlements == nil {
		fp.Entitlements = []models.Entitlement{}
	}
	return fp, nil
}
