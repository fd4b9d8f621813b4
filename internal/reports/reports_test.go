package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/fingerprint"
	"quipucords/internal/logger"
	"quipucords/internal/models"
	"quipucords/internal/storage"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

type fixture struct {
	store  *storage.MemoryStorage
	svc    *Service
	report *models.Report
	job    *models.ScanJob
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	job := &models.ScanJob{ScanType: models.ScanTypeFingerprint}
	require.NoError(t, store.CreateJob(ctx, job))
	report := &models.Report{JobID: &job.ID, ReportPlatformID: "5f2b1e1c-0000-4000-8000-000000000001", ReportVersion: "1.2.0+abc123"}
	require.NoError(t, store.CreateReport(ctx, report))

	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	svc, err := New(store, opts)
	require.NoError(t, err)
	return &fixture{store: store, svc: svc, report: report, job: job}
}

func (f *fixture) addResults(t *testing.T, sourceType models.SourceType, results ...*models.InspectResult) {
	t.Helper()
	ctx := context.Background()
	group := &models.InspectGroup{ReportID: &f.report.ID, SourceType: sourceType, SourceName: "src-" + string(sourceType), ServerID: "server-1"}
	require.NoError(t, f.store.CreateInspectGroup(ctx, group))
	for _, r := range results {
		r.InspectGroupID = group.ID
		require.NoError(t, f.store.SaveInspectResult(ctx, 0, r))
	}
}

func (f *fixture) complete(t *testing.T, fps ...*models.SystemFingerprint) *models.DeploymentsReport {
	t.Helper()
	dr, err := f.store.SaveDeploymentsReport(context.Background(), f.report.ID, 0, models.StatusCompleted, fps)
	require.NoError(t, err)
	return dr
}

func result(name string, status models.InspectStatus, facts map[string]any) *models.InspectResult {
	r := &models.InspectResult{Name: name, Status: status}
	for k, v := range facts {
		raw, _ := json.Marshal(v)
		r.Facts = append(r.Facts, models.RawFact{Name: k, Value: raw})
	}
	return r
}

func sampleFingerprints() []*models.SystemFingerprint {
	return []*models.SystemFingerprint{
		{
			Name:                  "web1.example.com",
			OSName:                "Red Hat Enterprise Linux",
			OSVersion:             "8.7",
			InfrastructureType:    models.InfraPhysical,
			BIOSUUID:              "4c4c4544-0001",
			SubscriptionManagerID: "sub-1",
			IPAddresses:           []string{"10.0.0.1"},
			MACAddresses:          []string{"52:54:00:aa:bb:01"},
			CPUCoreCount:          intPtr(8),
			CPUSocketCount:        intPtr(2),
			NumberOfCPUs:          intPtr(8),
			NumberOfSockets:       intPtr(3),
			IsRedHat:              boolPtr(true),
			SystemCreationDate:    "2024-01-01",
			Sources:               []models.SourceRef{{ServerID: "server-1", SourceName: "net", SourceType: models.SourceTypeNetwork}},
			Metadata:              map[string]models.FactMetadata{"name": {SourceName: "net", SourceType: models.SourceTypeNetwork, RawFactKey: "uname_hostname"}},
			Products:              []models.Product{{Name: fingerprint.ProductJBossEAP, Presence: models.PresencePresent, Versions: []string{"7.4.0"}}},
			Entitlements:          []models.Entitlement{},
		},
		{
			Name:               "vm1.example.com",
			OSName:             "Red Hat Enterprise Linux",
			OSVersion:          "9.2",
			InfrastructureType: models.InfraVirtualized,
			MACAddresses:       []string{"52:54:00:aa:bb:02"},
			NumberOfCPUs:       intPtr(4),
			IsRedHat:           boolPtr(false),
			SystemCreationDate: "2024-01-03",
			SystemPurpose:      map[string]any{"role": "server"},
			Sources:            []models.SourceRef{{ServerID: "server-1", SourceName: "vc", SourceType: models.SourceTypeVCenter}},
			Metadata:           map[string]models.FactMetadata{},
			Products: []models.Product{
				{Name: fingerprint.ProductJBossEAP, Presence: models.PresencePresent},
				{Name: fingerprint.ProductJBossWS, Presence: models.PresencePotential},
			},
			Entitlements: []models.Entitlement{},
		},
		{
			InfrastructureType: models.InfraUnknown,
			Sources:            []models.SourceRef{},
			Metadata:           map[string]models.FactMetadata{},
			Products:           []models.Product{},
			Entitlements:       []models.Entitlement{},
		},
	}
}

func TestReportsRequireCompletedDeployments(t *testing.T) {
	f := newFixture(t, Options{MaskEnabled: true})
	ctx := context.Background()

	_, err := f.svc.DeploymentsJSON(ctx, f.report.ID, false)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.store.SaveDeploymentsReport(ctx, f.report.ID, 0, models.StatusCanceled, nil)
	require.NoError(t, err)
	_, err = f.svc.Aggregate(ctx, f.report.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.svc.Insights(ctx, f.report.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, f.svc.Bundle(ctx, f.report.ID, io.Discard), ErrNotReady)

	_, err = f.svc.DeploymentsJSON(ctx, 9999, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Details(ctx, f.report.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDeploymentsCacheFile(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{DataDir: dir})
	ctx := context.Background()
	dr := f.complete(t, sampleFingerprints()...)

	first, err := f.svc.DeploymentsJSON(ctx, f.report.ID, false)
	require.NoError(t, err)

	stored, err := f.store.GetDeploymentsReport(ctx, f.report.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.CachedFingerprintsFilePath)
	assert.Equal(t, dir, filepath.Dir(stored.CachedFingerprintsFilePath))
	assert.Regexp(t, fmt.Sprintf(`^deployments-report-%d-\d+\.json$`, dr.ID), filepath.Base(stored.CachedFingerprintsFilePath))

	cached, err := os.ReadFile(stored.CachedFingerprintsFilePath)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// deleting the file invalidates the cache; the rebuild is identical
	require.NoError(t, os.Remove(stored.CachedFingerprintsFilePath))
	second, err := f.svc.DeploymentsJSON(ctx, f.report.ID, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var view models.DeploymentsView
	require.NoError(t, json.Unmarshal(first, &view))
	assert.Equal(t, TypeDeployments, view.ReportType)
	assert.Equal(t, f.report.ReportPlatformID, view.ReportPlatformID)
	assert.Len(t, view.SystemFingerprints, 3)

	csvData, err := f.svc.DeploymentsCSV(ctx, f.report.ID)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "System Fingerprints", lines[3])
	assert.NotContains(t, lines[4], "metadata")
	assert.Contains(t, lines[4], "os_name")

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMaskedDeployments(t *testing.T) {
	f := newFixture(t, Options{MaskEnabled: true})
	ctx := context.Background()
	f.complete(t, sampleFingerprints()...)

	plainData, err := f.svc.DeploymentsJSON(ctx, f.report.ID, false)
	require.NoError(t, err)
	maskedData, err := f.svc.DeploymentsJSON(ctx, f.report.ID, true)
	require.NoError(t, err)

	var plain, masked models.DeploymentsView
	require.NoError(t, json.Unmarshal(plainData, &plain))
	require.NoError(t, json.Unmarshal(maskedData, &masked))
	assert.Equal(t, plain.ReportPlatformID, masked.ReportPlatformID)
	require.Len(t, masked.SystemFingerprints, len(plain.SystemFingerprints))

	for i, p := range plain.SystemFingerprints {
		m := masked.SystemFingerprints[i]
		assert.Equal(t, maskValue(p.Name), m.Name)
		assert.Equal(t, maskValue(p.BIOSUUID), m.BIOSUUID)
		assert.Equal(t, maskValue(p.SubscriptionManagerID), m.SubscriptionManagerID)
		assert.Equal(t, maskValues(p.IPAddresses), m.IPAddresses)
		assert.Equal(t, maskValues(p.MACAddresses), m.MACAddresses)
		if p.Name != "" {
			assert.NotEqual(t, p.Name, m.Name)
		}

		m.Name, m.BIOSUUID, m.SubscriptionManagerID = p.Name, p.BIOSUUID, p.SubscriptionManagerID
		m.IPAddresses, m.MACAddresses = p.IPAddresses, p.MACAddresses
		assert.Equal(t, p, m)
	}

	assert.Equal(t, maskValue("web1.example.com"), maskValue("web1.example.com"))
	assert.Len(t, maskValue("web1.example.com"), 64)
}

func TestMaskDisabled(t *testing.T) {
	f := newFixture(t, Options{MaskEnabled: false})
	f.complete(t, sampleFingerprints()...)
	_, err := f.svc.DeploymentsJSON(context.Background(), f.report.ID, true)
	assert.ErrorIs(t, err, ErrMaskDisabled)
}

func TestAggregate(t *testing.T) {
	inputs := []sourceResults{
		{
			group: &models.InspectGroup{SourceType: models.SourceTypeOpenShift},
			results: []*models.InspectResult{result("ocp", models.InspectSuccess, map[string]any{
				"nodes":             []map[string]any{{"name": "n1", "cpu_capacity": 4}, {"name": "n2", "cpu_capacity": 8.5}},
				"cluster_operators": []map[string]any{{"name": "dns"}},
				"olm_operators":     []map[string]any{{"name": "amq"}, {"name": "dns"}},
			})},
		},
		{
			group: &models.InspectGroup{SourceType: models.SourceTypeAnsible},
			results: []*models.InspectResult{result("controller", models.InspectSuccess, map[string]any{
				"jobs":       map[string]any{"unique_hosts": 4},
				"comparison": map[string]any{"number_of_hosts_in_inventory": 5, "number_of_hosts_only_in_jobs": 2},
			})},
		},
		{
			group: &models.InspectGroup{SourceType: models.SourceTypeRHACS},
			results: []*models.InspectResult{result("central", models.InspectSuccess, map[string]any{
				"secured_units_current": map[string]any{"nodes": 3, "cpu_units": 24},
				"secured_units_max":     map[string]any{"nodes": 5, "cpu_units": 40},
			})},
		},
		{
			group: &models.InspectGroup{SourceType: models.SourceTypeNetwork},
			results: []*models.InspectResult{
				result("a", models.InspectFailed, nil),
				result("b", models.InspectUnreachable, nil),
			},
		},
	}

	agg := aggregate(7, sampleFingerprints(), inputs)

	assert.Equal(t, models.InstanceCounts{Total: 3, Physical: 1, Virtual: 1, Unknown: 1, RedHat: 1, NotRedHat: 1}, agg.Instances)
	assert.Equal(t, map[string]int{"Red Hat Enterprise Linux 8.7": 1, "Red Hat Enterprise Linux 9.2": 1}, agg.OSByNameAndVersion)
	assert.Equal(t, 2, agg.SocketPairs)
	assert.Equal(t, 4, agg.VCPUs)
	assert.Equal(t, "2024-01-02", agg.AverageSystemCreation)

	assert.Equal(t, 2, agg.JBoss.EAPInstances)
	assert.Equal(t, 8.0, agg.JBoss.EAPCoresPhysical)
	assert.Equal(t, 4.0, agg.JBoss.EAPCoresVirtual)
	assert.Zero(t, agg.JBoss.WSInstances)

	assert.Equal(t, 1, agg.OpenShift.Clusters)
	assert.Equal(t, 2, agg.OpenShift.Nodes)
	assert.Equal(t, 12.5, agg.OpenShift.Cores)
	assert.Equal(t, map[string]int{"dns": 2, "amq": 1}, agg.OpenShift.Operators)
	assert.Equal(t, map[string]int{"cluster": 1, "olm": 2}, agg.OpenShift.Kinds)

	assert.Equal(t, models.AnsibleTotals{HostsAll: 7, HostsInDatabase: 5, HostsInJobs: 4}, agg.Ansible)
	assert.Equal(t, models.ACSTotals{CurrentNodes: 3, CurrentCPUUnits: 24, MaxNodes: 5, MaxCPUUnits: 40}, agg.ACS)

	assert.Equal(t, 1, agg.Diagnostics.MissingName)
	assert.Equal(t, 2, agg.Diagnostics.MissingCPUCore)
	assert.Equal(t, 2, agg.Diagnostics.MissingSystemPurpose)
	assert.Equal(t, 3, agg.Diagnostics.InspectResultStatusSuccess)
	assert.Equal(t, 1, agg.Diagnostics.InspectResultStatusFailed)
	assert.Equal(t, 1, agg.Diagnostics.InspectResultStatusUnreachable)
}

func TestInsightsSlices(t *testing.T) {
	report := &models.Report{ID: 3, ReportPlatformID: "platform-1", ReportVersion: "1.2.0+abc"}

	out, err := buildInsights(report, sampleFingerprints(), "server-1", "1.2.0+abc", 1)
	require.NoError(t, err)
	require.Len(t, out.Slices, 2, "the host without canonical facts is left out")
	assert.Len(t, out.Metadata.ReportSlices, 2)
	assert.Equal(t, "server-1", out.Metadata.SourceMetadata["qpc_server_id"])

	again, err := buildInsights(report, sampleFingerprints(), "server-1", "1.2.0+abc", 1)
	require.NoError(t, err)
	assert.Equal(t, out.Slices[0].ID, again.Slices[0].ID)
	assert.NotEqual(t, out.Slices[0].ID, out.Slices[1].ID)

	host := out.Slices[0].Hosts[0]
	assert.Equal(t, "web1.example.com", host["fqdn"])
	profile := host["system_profile"].(map[string]any)
	assert.Equal(t, 8, profile["number_of_cpus"])
	assert.Equal(t, "physical", profile["infrastructure_type"])

	files, err := out.Files()
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Contains(t, files, "platform-1/metadata.json")
	assert.Contains(t, files, path.Join("platform-1", out.Slices[1].ID+".json"))

	var buf bytes.Buffer
	require.NoError(t, out.WriteTarGz(&buf))
	assert.Len(t, untar(t, buf.Bytes()), 3)

	_, err = buildInsights(report, sampleFingerprints()[2:], "server-1", "1.2.0+abc", 10)
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestDetails(t *testing.T) {
	f := newFixture(t, Options{})
	f.addResults(t, models.SourceTypeNetwork,
		result("10.0.0.1", models.InspectSuccess, map[string]any{"uname_hostname": "web1", "cpu_count": 2}),
		result("10.0.0.2", models.InspectUnreachable, nil),
	)
	f.complete(t)

	details, err := f.svc.Details(context.Background(), f.report.ID)
	require.NoError(t, err)
	require.Len(t, details.Sources, 1)
	src := details.Sources[0]
	assert.Equal(t, "server-1", src.ServerID)
	assert.Equal(t, models.SourceTypeNetwork, src.SourceType)
	require.Len(t, src.Facts, 1)
	assert.Equal(t, map[string]any{"uname_hostname": "web1", "cpu_count": float64(2)}, src.Facts[0])

	data, err := DetailsCSV(details)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Server Identifier,Source Name,Source Type\nserver-1,src-network,network\n")
	assert.Contains(t, text, "cpu_count,uname_hostname\n2,web1\n")
}

func TestBundle(t *testing.T) {
	logDir := t.TempDir()
	logger.Setup(logger.Options{Level: "error", GinMode: "release", Dir: logDir})
	t.Cleanup(func() { logger.Setup(logger.Options{Level: "error", GinMode: "release"}) })

	f := newFixture(t, Options{MaskEnabled: true})
	jobLog := logger.ForJob(f.job.ID)
	jobLog.Error().Msg("inspection failed for one host")
	require.NoError(t, jobLog.Close())

	f.addResults(t, models.SourceTypeNetwork, result("10.0.0.1", models.InspectSuccess, map[string]any{"uname_hostname": "web1"}))
	f.complete(t, sampleFingerprints()...)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Bundle(context.Background(), f.report.ID, &buf))
	files := untar(t, buf.Bytes())

	dir := fmt.Sprintf("report_id_%d/", f.report.ID)
	sums, ok := files[dir+"SHA256SUM"]
	require.True(t, ok)

	listed := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(string(sums)), "\n") {
		digest, name, found := strings.Cut(line, "  ")
		require.True(t, found, line)
		data, ok := files[dir+name]
		require.True(t, ok, "listed file %s is in the bundle", name)
		assert.Equal(t, digest, fmt.Sprintf("%x", sha256Sum(data)))
		listed[name] = true
	}
	for name := range files {
		require.True(t, strings.HasPrefix(name, dir))
		base := strings.TrimPrefix(name, dir)
		if base != "SHA256SUM" {
			assert.True(t, listed[base], "sibling %s is listed", base)
		}
	}
	for _, name := range []string{"details.json", "details.csv", "deployments.json", "deployments.csv", "aggregate.json"} {
		assert.True(t, listed[name], name)
	}
	assert.Len(t, listed, 6, "one job log file is bundled")
}
