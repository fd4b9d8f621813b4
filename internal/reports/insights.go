package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/google/uuid"

	"quipucords/internal/models"
)

const hostInventoryAPIVersion = "1.0"

// SliceInfo summarizes one slice in the insights metadata
type SliceInfo struct {
	NumberHosts int `json:"number_hosts"`
}

// InsightsMetadata is the metadata.json document of an insights payload
type InsightsMetadata struct {
	ReportID                int64                `json:"report_id"`
	HostInventoryAPIVersion string               `json:"host_inventory_api_version"`
	Source                  string               `json:"source"`
	SourceMetadata          map[string]any       `json:"source_metadata"`
	ReportSlices            map[string]SliceInfo `json:"report_slices"`
}

// InsightsSlice is one {slice_id}.json document
type InsightsSlice struct {
	ID    string           `json:"report_slice_id"`
	Hosts []map[string]any `json:"hosts"`
}

// InsightsReport is the host payload of a report, split into slices
type InsightsReport struct {
	PlatformID string
	Metadata   InsightsMetadata
	Slices     []InsightsSlice
}

// Insights builds the insights payload of a completed report. ErrNoHosts is
// returned when no fingerprint has a canonical fact.
func (s *Service) Insights(ctx context.Context, reportID int64) (*InsightsReport, error) {
	report, dr, err := s.completed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	fps, err := s.store.ListFingerprints(ctx, dr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	serverID, err := s.store.ServerID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read server id: %w", err)
	}
	return buildInsights(report, fps, serverID, s.opts.ServerVersion, s.opts.SliceSize)
}

func buildInsights(report *models.Report, fps []*models.SystemFingerprint, serverID, serverVersion string, sliceSize int) (*InsightsReport, error) {
	var hosts []map[string]any
	for _, fp := range fps {
		if !hasCanonicalFacts(fp) {
			continue
		}
		hosts = append(hosts, insightsHost(fp))
	}
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}

	out := &InsightsReport{
		PlatformID: report.ReportPlatformID,
		Metadata: InsightsMetadata{
			ReportID:                report.ID,
			HostInventoryAPIVersion: hostInventoryAPIVersion,
			Source:                  "qpc",
			SourceMetadata: map[string]any{
				"report_platform_id":   report.ReportPlatformID,
				"report_type":          TypeInsights,
				"report_version":       report.ReportVersion,
				"qpc_server_report_id": report.ID,
				"qpc_server_version":   serverVersion,
				"qpc_server_id":        serverID,
			},
			ReportSlices: map[string]SliceInfo{},
		},
	}
	namespace := uuid.NewSHA1(uuid.NameSpaceURL, []byte("quipucords:"+report.ReportPlatformID))
	for i := 0; i < len(hosts); i += sliceSize {
		end := min(i+sliceSize, len(hosts))
		slice := InsightsSlice{
			ID:    uuid.NewSHA1(namespace, []byte(fmt.Sprint(i/sliceSize))).String(),
			Hosts: hosts[i:end],
		}
		out.Slices = append(out.Slices, slice)
		out.Metadata.ReportSlices[slice.ID] = SliceInfo{NumberHosts: len(slice.Hosts)}
	}
	return out, nil
}

func hasCanonicalFacts(fp *models.SystemFingerprint) bool {
	return fp.BIOSUUID != "" || fp.SubscriptionManagerID != "" || fp.InsightsClientID != "" ||
		fp.EtcMachineID != "" || len(fp.IPAddresses) > 0 || len(fp.MACAddresses) > 0 || fp.Name != ""
}

// putNonEmpty sets m[key] unless v is a zero string, a nil pointer or an empty slice
func putNonEmpty(m map[string]any, key string, v any) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return
		}
	case []string:
		if len(t) == 0 {
			return
		}
	case *int:
		if t == nil {
			return
		}
		v = *t
	case *int64:
		if t == nil {
			return
		}
		v = *t
	case *bool:
		if t == nil {
			return
		}
		v = *t
	}
	m[key] = v
}

func insightsHost(fp *models.SystemFingerprint) map[string]any {
	host := map[string]any{}
	putNonEmpty(host, "display_name", fp.Name)
	putNonEmpty(host, "fqdn", fp.Name)
	putNonEmpty(host, "bios_uuid", fp.BIOSUUID)
	putNonEmpty(host, "insights_id", fp.InsightsClientID)
	putNonEmpty(host, "subscription_manager_id", fp.SubscriptionManagerID)
	putNonEmpty(host, "ip_addresses", fp.IPAddresses)
	putNonEmpty(host, "mac_addresses", fp.MACAddresses)
	putNonEmpty(host, "vm_uuid", fp.VMUUID)

	profile := map[string]any{}
	putNonEmpty(profile, "arch", fp.Architecture)
	putNonEmpty(profile, "os_release", fp.OSVersion)
	putNonEmpty(profile, "number_of_cpus", fp.NumberOfCPUs)
	putNonEmpty(profile, "number_of_sockets", fp.NumberOfSockets)
	putNonEmpty(profile, "cores_per_socket", fp.CPUCorePerSocket)
	putNonEmpty(profile, "system_memory_bytes", fp.SystemMemoryBytes)
	putNonEmpty(profile, "cloud_provider", fp.CloudProvider)
	if fp.InfrastructureType != "" && fp.InfrastructureType != models.InfraUnknown {
		profile["infrastructure_type"] = string(fp.InfrastructureType)
	}
	if len(fp.InstalledProducts) > 0 {
		profile["installed_products"] = fp.InstalledProducts
	}
	if len(profile) > 0 {
		host["system_profile"] = profile
	}

	facts := map[string]any{}
	putNonEmpty(facts, "etc_machine_id", fp.EtcMachineID)
	putNonEmpty(facts, "is_redhat", fp.IsRedHat)
	putNonEmpty(facts, "rh_product_certs", fp.RedHatCerts)
	putNonEmpty(facts, "last_reported", fp.SystemLastCheckin)
	putNonEmpty(facts, "infrastructure_type", string(fp.InfrastructureType))
	var installed []string
	for _, p := range fp.Products {
		if p.Presence == models.PresencePresent {
			installed = append(installed, p.Name)
		}
	}
	putNonEmpty(facts, "rh_products_installed", installed)
	sourceTypes := map[string]bool{}
	for _, src := range fp.Sources {
		sourceTypes[string(src.SourceType)] = true
	}
	types := make([]string, 0, len(sourceTypes))
	for t := range sourceTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	putNonEmpty(facts, "source_types", types)
	host["facts"] = []map[string]any{{"namespace": "qpc", "facts": facts}}
	return host
}

// Files returns the payload documents keyed by their path in the archive
func (r *InsightsReport) Files() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(r.Slices)+1)
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	out[path.Join(r.PlatformID, "metadata.json")] = meta
	for _, slice := range r.Slices {
		data, err := json.Marshal(slice)
		if err != nil {
			return nil, err
		}
		out[path.Join(r.PlatformID, slice.ID+".json")] = data
	}
	return out, nil
}

// WriteTarGz writes the payload documents as a gzipped tarball
func (r *InsightsReport) WriteTarGz(w io.Writer) error {
	files, err := r.Files()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]archiveFile, 0, len(names))
	for _, name := range names {
		entries = append(entries, archiveFile{name: name, data: files[name]})
	}
	return writeTarGz(w, entries)
}
