package reports

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"quipucords/internal/fingerprint"
	"quipucords/internal/models"
)

const dateLayout = "2006-01-02"

// Aggregate computes the rollups of a completed report. The rollups are
// counted here over the stored fingerprints and inspect results, so every
// Storage implementation yields the same numbers.
func (s *Service) Aggregate(ctx context.Context, reportID int64) (*models.AggregateReport, error) {
	_, dr, err := s.completed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	fps, err := s.store.ListFingerprints(ctx, dr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	inputs, err := s.loadResults(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return aggregate(reportID, fps, inputs), nil
}

func aggregate(reportID int64, fps []*models.SystemFingerprint, inputs []sourceResults) *models.AggregateReport {
	out := &models.AggregateReport{
		ReportID:           reportID,
		OSByNameAndVersion: map[string]int{},
		OpenShift: models.OpenShiftTotals{
			Operators: map[string]int{},
			Kinds:     map[string]int{},
		},
	}

	var creationSum, creationCount int64
	for _, fp := range fps {
		countInstance(&out.Instances, fp)
		if fp.OSName != "" {
			out.OSByNameAndVersion[strings.TrimSpace(fp.OSName+" "+fp.OSVersion)]++
		}
		switch fp.InfrastructureType {
		case models.InfraPhysical, models.InfraHypervisor:
			if fp.NumberOfSockets != nil {
				out.SocketPairs += (*fp.NumberOfSockets + 1) / 2
			}
		case models.InfraVirtualized:
			if fp.NumberOfCPUs != nil {
				out.VCPUs += *fp.NumberOfCPUs
			}
		}
		if t, err := time.Parse(dateLayout, fp.SystemCreationDate); err == nil {
			creationSum += t.Unix()
			creationCount++
		}
		countJBoss(&out.JBoss, fp)
		countMissing(&out.Diagnostics, fp)
	}
	if creationCount > 0 {
		out.AverageSystemCreation = time.Unix(creationSum/creationCount, 0).UTC().Format(dateLayout)
	}

	for _, in := range inputs {
		for _, r := range in.results {
			countStatus(&out.Diagnostics, r.Status)
			if r.Status != models.InspectSuccess {
				continue
			}
			switch {
			case in.group.SourceType == models.SourceTypeOpenShift:
				countOpenShift(&out.OpenShift, r)
			case in.group.SourceType == models.SourceTypeAnsible:
				countAnsible(&out.Ansible, r)
			case in.group.SourceType.IsACS():
				countACS(&out.ACS, r)
			}
		}
	}
	return out
}

func countInstance(c *models.InstanceCounts, fp *models.SystemFingerprint) {
	c.Total++
	switch fp.InfrastructureType {
	case models.InfraPhysical:
		c.Physical++
	case models.InfraVirtualized:
		c.Virtual++
	case models.InfraHypervisor:
		c.Hypervisor++
	default:
		c.Unknown++
	}
	if fp.IsRedHat != nil {
		if *fp.IsRedHat {
			c.RedHat++
		} else {
			c.NotRedHat++
		}
	}
}

func hasProduct(fp *models.SystemFingerprint, name string) bool {
	for _, p := range fp.Products {
		if p.Name == name && p.Presence == models.PresencePresent {
			return true
		}
	}
	return false
}

// cores is the per-host core count used for JBoss capacity: physical cores
// on bare metal, vCPUs on guests
func cores(fp *models.SystemFingerprint) (float64, bool) {
	switch fp.InfrastructureType {
	case models.InfraPhysical, models.InfraHypervisor:
		if fp.CPUCoreCount != nil {
			return float64(*fp.CPUCoreCount), false
		}
		if fp.NumberOfCPUs != nil {
			return float64(*fp.NumberOfCPUs), false
		}
	case models.InfraVirtualized:
		if fp.NumberOfCPUs != nil {
			return float64(*fp.NumberOfCPUs), true
		}
	}
	return 0, false
}

func countJBoss(j *models.JBossTotals, fp *models.SystemFingerprint) {
	n, virtual := cores(fp)
	if hasProduct(fp, fingerprint.ProductJBossEAP) {
		j.EAPInstances++
		if virtual {
			j.EAPCoresVirtual += n
		} else {
			j.EAPCoresPhysical += n
		}
	}
	if hasProduct(fp, fingerprint.ProductJBossWS) {
		j.WSInstances++
		if virtual {
			j.WSCoresVirtual += n
		} else {
			j.WSCoresPhysical += n
		}
	}
	if hasProduct(fp, fingerprint.ProductJBossFuse) {
		j.FuseInstances++
	}
	if hasProduct(fp, fingerprint.ProductJBossBRMS) {
		j.BRMSInstances++
	}
}

func countMissing(d *models.Diagnostics, fp *models.SystemFingerprint) {
	if fp.CPUCoreCount == nil {
		d.MissingCPUCore++
	}
	if fp.CPUSocketCount == nil {
		d.MissingCPUSocket++
	}
	if fp.Name == "" {
		d.MissingName++
	}
	if fp.SystemCreationDate == "" {
		d.MissingSystemCreationDate++
	}
	if len(fp.SystemPurpose) == 0 {
		d.MissingSystemPurpose++
	}
}

func countStatus(d *models.Diagnostics, status models.InspectStatus) {
	switch status {
	case models.InspectSuccess:
		d.InspectResultStatusSuccess++
	case models.InspectUnreachable:
		d.InspectResultStatusUnreachable++
	default:
		d.InspectResultStatusFailed++
	}
}

// fact returns the raw JSON of one fact of a result
func fact(r *models.InspectResult, name string) gjson.Result {
	for _, f := range r.Facts {
		if f.Name == name {
			return gjson.ParseBytes(f.Value)
		}
	}
	return gjson.Result{}
}

func countOpenShift(o *models.OpenShiftTotals, r *models.InspectResult) {
	o.Clusters++
	nodes := fact(r, "nodes").Array()
	o.Nodes += len(nodes)
	for _, n := range nodes {
		o.Cores += n.Get("cpu_capacity").Float()
	}
	for kind, key := range map[string]string{"cluster": "cluster_operators", "olm": "olm_operators"} {
		for _, op := range fact(r, key).Array() {
			name := op.Get("name").String()
			if name == "" {
				continue
			}
			o.Operators[name]++
			o.Kinds[kind]++
		}
	}
}

func countAnsible(a *models.AnsibleTotals, r *models.InspectResult) {
	cmp := fact(r, "comparison")
	inventory := int(cmp.Get("number_of_hosts_in_inventory").Int())
	a.HostsInDatabase += inventory
	a.HostsAll += inventory + int(cmp.Get("number_of_hosts_only_in_jobs").Int())
	a.HostsInJobs += int(fact(r, "jobs").Get("unique_hosts").Int())
}

func countACS(a *models.ACSTotals, r *models.InspectResult) {
	current := fact(r, "secured_units_current")
	a.CurrentNodes += int(current.Get("nodes").Int())
	a.CurrentCPUUnits += int(current.Get("cpu_units").Int())
	peak := fact(r, "secured_units_max")
	a.MaxNodes += int(peak.Get("nodes").Int())
	a.MaxCPUUnits += int(peak.Get("cpu_units").Int())
}
