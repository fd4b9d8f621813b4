package fingerprint

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quipucords/internal/models"
)

func group(id int64, t models.SourceType, name, serverID string) *models.InspectGroup {
	return &models.InspectGroup{ID: id, SourceType: t, SourceName: name, ServerID: serverID, SourceVersion: "1.0.0"}
}

func result(t *testing.T, name string, values map[string]any) *models.InspectResult {
	t.Helper()
	r := &models.InspectResult{Name: name, Status: models.InspectSuccess}
	for _, k := range sortedKeys(values) {
		raw, err := json.Marshal(values[k])
		require.NoError(t, err)
		r.Facts = append(r.Facts, models.RawFact{Name: k, Value: raw})
	}
	return r
}

func run(t *testing.T, inputs ...SourceResults) []*models.SystemFingerprint {
	t.Helper()
	fps, err := New(models.ScanOptions{}, zerolog.Nop()).Run(inputs)
	require.NoError(t, err)
	return fps
}

func TestUploadedNetworkHost(t *testing.T) {
	fps := run(t, SourceResults{
		Group: group(1, models.SourceTypeNetwork, "upload", "srv-1"),
		Results: []*models.InspectResult{result(t, "10.0.0.1", map[string]any{
			"etc_release_name":    "Red Hat Enterprise Linux",
			"etc_release_release": "Red Hat Enterprise Linux release 8.7 (Ootpa)",
			"etc_release_version": "8.7",
			"uname_processor":     "x86_64",
			"cpu_core_count":      4,
			"cpu_socket_count":    1,
		})},
	})

	require.Len(t, fps, 1)
	fp := fps[0]
	assert.Equal(t, "Red Hat Enterprise Linux", fp.OSName)
	assert.Equal(t, "x86_64", fp.Architecture)
	require.NotNil(t, fp.NumberOfCPUs)
	require.NotNil(t, fp.NumberOfSockets)
	assert.Equal(t, 4, *fp.NumberOfCPUs)
	assert.Equal(t, 1, *fp.NumberOfSockets)
	assert.Equal(t, "10.0.0.1", fp.Name)
	assert.Equal(t, models.InfraUnknown, fp.InfrastructureType)
	assert.Equal(t, "etc_release_name", fp.Metadata["os_name"].RawFactKey)
	assert.Equal(t, "cpu_core_count", fp.Metadata["number_of_cpus"].RawFactKey)
	assert.Equal(t, []models.SourceRef{{ServerID: "srv-1", SourceName: "upload", SourceType: models.SourceTypeNetwork}}, fp.Sources)
}

func networkAndVCenter(t *testing.T) []SourceResults {
	return []SourceResults{
		{
			Group: group(1, models.SourceTypeNetwork, "lab", "srv-1"),
			Results: []*models.InspectResult{result(t, "192.168.1.20", map[string]any{
				"uname_hostname":      "web01.lab",
				"etc_release_name":    "Red Hat Enterprise Linux",
				"etc_release_version": "9.2",
				"ip_address_show_mac": []string{"06:c5:af:85:83:e1"},
				"ip_address_show_ips": []string{"192.168.1.20"},
				"cpu_count":           2,
			})},
		},
		{
			Group: group(2, models.SourceTypeVCenter, "vc", "srv-1"),
			Results: []*models.InspectResult{result(t, "web01", map[string]any{
				"vm.name":          "web01",
				"vm.os":            "Red Hat Enterprise Linux 9 (64-bit)",
				"vm.uuid":          "4230c5a8-7a4b-1a2b-3c4d-5e6f7a8b9c0d",
				"vm.mac_addresses": []string{"06:C5:AF:85:83:E1"},
				"vm.host.name":     "esxi-07.lab",
				"vm.host.uuid":     "host-uuid-7",
				"vm.cpu_count":     4,
				"vm.memory_size":   2,
			})},
		},
	}
}

func TestNetworkAndVCenterMergeOnMAC(t *testing.T) {
	fps := run(t, networkAndVCenter(t)...)

	require.Len(t, fps, 1)
	fp := fps[0]
	assert.Equal(t, models.InfraVirtualized, fp.InfrastructureType)
	assert.Equal(t, "esxi-07.lab", fp.VirtualHostName)
	assert.Equal(t, "Red Hat Enterprise Linux", fp.OSName)
	assert.Equal(t, "9.2", fp.OSVersion)
	assert.Equal(t, "web01.lab", fp.Name)
	require.NotNil(t, fp.SystemMemoryBytes)
	assert.Equal(t, int64(2*bytesPerGiB), *fp.SystemMemoryBytes)

	assert.Equal(t, models.SourceTypeNetwork, fp.Metadata["os_name"].SourceType)
	assert.Equal(t, "etc_release_name", fp.Metadata["os_name"].RawFactKey)
	assert.Equal(t, models.SourceTypeVCenter, fp.Metadata["virtual_host_name"].SourceType)
	assert.Equal(t, "vm.host.name", fp.Metadata["virtual_host_name"].RawFactKey)
	assert.Equal(t, models.SourceTypeVCenter, fp.Metadata["infrastructure_type"].SourceType)

	// both sources reported a name; network wins and vcenter is kept as provenance
	nameMeta := fp.Metadata["name"]
	assert.Equal(t, models.SourceTypeNetwork, nameMeta.SourceType)
	require.Len(t, nameMeta.OtherSources, 1)
	assert.Equal(t, "vm.name", nameMeta.OtherSources[0].RawFactKey)

	// virtualized hosts count vcpus
	require.NotNil(t, fp.NumberOfCPUs)
	assert.Equal(t, 2, *fp.NumberOfCPUs)
	assert.Len(t, fp.Sources, 2)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	inputs := networkAndVCenter(t)
	inputs = append(inputs, SourceResults{
		Group: group(3, models.SourceTypeSatellite, "sat", "srv-1"),
		Results: []*models.InspectResult{
			result(t, "web01.lab", map[string]any{"hostname": "web01.lab", "uuid": "sub-1", "mac_addresses": []string{"06:c5:af:85:83:e1"}}),
			result(t, "db01.lab", map[string]any{"hostname": "db01.lab", "uuid": "sub-2", "ip_addresses": []string{"192.168.1.30"}}),
			result(t, "app01.lab", map[string]any{"hostname": "app01.lab", "uuid": "sub-3", "is_virtualized": false}),
		},
	})

	expected, err := json.Marshal(run(t, inputs...))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := make([]SourceResults, len(inputs))
		copy(shuffled, inputs)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		for j := range shuffled {
			results := append([]*models.InspectResult(nil), shuffled[j].Results...)
			rng.Shuffle(len(results), func(a, b int) { results[a], results[b] = results[b], results[a] })
			shuffled[j].Results = results
		}
		got, err := json.Marshal(run(t, shuffled...))
		require.NoError(t, err)
		assert.JSONEq(t, string(expected), string(got))
	}

	var fps []*models.SystemFingerprint
	require.NoError(t, json.Unmarshal(expected, &fps))
	assert.Len(t, fps, 3)
}

func TestIdentityTierPrecedence(t *testing.T) {
	// the satellite host shares a MAC with the first network host but its
	// subscription id belongs to the second one
	fps := run(t,
		SourceResults{
			Group: group(1, models.SourceTypeNetwork, "net", "srv-1"),
			Results: []*models.InspectResult{
				result(t, "a", map[string]any{"uname_hostname": "a", "ip_address_show_mac": []string{"52:54:00:00:00:01"}}),
				result(t, "b", map[string]any{"uname_hostname": "b", "subscription_manager_id": "SUB-B"}),
			},
		},
		SourceResults{
			Group: group(2, models.SourceTypeSatellite, "sat", "srv-1"),
			Results: []*models.InspectResult{
				result(t, "b", map[string]any{"hostname": "b.sat", "uuid": "sub-b", "mac_addresses": []string{"52:54:00:00:00:01"}}),
			},
		},
	)

	require.Len(t, fps, 2)
	assert.Equal(t, "a", fps[0].Name)
	assert.Len(t, fps[0].Sources, 1)
	assert.Equal(t, "b", fps[1].Name)
	assert.Len(t, fps[1].Sources, 2)
}

func TestSameTypeConflictsResolveByServerID(t *testing.T) {
	mk := func(serverID, osName string) SourceResults {
		return SourceResults{
			Group:   group(1, models.SourceTypeSatellite, "sat", serverID),
			Results: []*models.InspectResult{result(t, "h", map[string]any{"hostname": "h", "uuid": "sub-1", "os_name": osName})},
		}
	}
	fps := run(t, mk("bbbb", "RHEL B"), mk("aaaa", "RHEL A"))

	require.Len(t, fps, 1)
	assert.Equal(t, "RHEL A", fps[0].OSName)
	assert.Equal(t, "aaaa", fps[0].Metadata["os_name"].ServerID)
	require.Len(t, fps[0].Metadata["os_name"].OtherSources, 1)
	assert.Equal(t, "bbbb", fps[0].Metadata["os_name"].OtherSources[0].ServerID)
}

func TestLoopbackAndZeroIdentifiersDoNotMerge(t *testing.T) {
	fps := run(t, SourceResults{
		Group: group(1, models.SourceTypeNetwork, "net", "srv-1"),
		Results: []*models.InspectResult{
			result(t, "a", map[string]any{"uname_hostname": "a", "ip_address_show_ips": []string{"127.0.0.1"}, "ip_address_show_mac": []string{"00:00:00:00:00:00"}}),
			result(t, "b", map[string]any{"uname_hostname": "b", "ip_address_show_ips": []string{"127.0.0.1"}, "ip_address_show_mac": []string{"00:00:00:00:00:00"}}),
		},
	})
	assert.Len(t, fps, 2)
}

func TestFailedResultsAndAggregateOnlySourcesAreSkipped(t *testing.T) {
	failed := result(t, "down", map[string]any{"uname_hostname": "down"})
	failed.Status = models.InspectUnreachable

	fps := run(t,
		SourceResults{Group: group(1, models.SourceTypeNetwork, "net", "srv-1"), Results: []*models.InspectResult{failed}},
		SourceResults{Group: group(2, models.SourceTypeAnsible, "tower", "srv-1"), Results: []*models.InspectResult{result(t, "tower", map[string]any{"hosts": []string{"x"}})}},
		SourceResults{Group: group(3, models.SourceTypeACS, "acs", "srv-1"), Results: []*models.InspectResult{result(t, "acs", map[string]any{"secured_units_current": map[string]any{"nodes": 3}})}},
	)
	assert.Empty(t, fps)
}

func TestOpenShiftYieldsNodeCandidates(t *testing.T) {
	fps := run(t, SourceResults{
		Group: group(1, models.SourceTypeOpenShift, "ocp", "srv-1"),
		Results: []*models.InspectResult{result(t, "api.ocp.lab", map[string]any{
			"cluster": map[string]any{"uuid": "cluster-1", "version": "4.14.3"},
			"nodes": []map[string]any{
				{
					"name":         "worker-1",
					"architecture": "amd64",
					"cpu_capacity": 7.5,
					"machine_id":   "m1",
					"os_image":     "Red Hat Enterprise Linux CoreOS 414",
					"addresses": []map[string]any{
						{"type": "InternalIP", "address": "10.1.0.11"},
						{"type": "Hostname", "address": "worker-1"},
					},
				},
				{"name": "master-1", "architecture": "arm64", "cpu_capacity": 4, "machine_id": "m2"},
			},
		})},
	})

	require.Len(t, fps, 2)
	assert.Equal(t, "master-1", fps[0].Name)
	assert.Equal(t, "aarch64", fps[0].Architecture)
	worker := fps[1]
	assert.Equal(t, "worker-1", worker.Name)
	assert.Equal(t, "x86_64", worker.Architecture)
	assert.Equal(t, []string{"10.1.0.11"}, worker.IPAddresses)
	require.NotNil(t, worker.CPUCount)
	assert.Equal(t, 8, *worker.CPUCount)
	require.NotNil(t, worker.IsRedHat)
	assert.True(t, *worker.IsRedHat)
	assert.Equal(t, "node.machine_id", worker.Metadata["etc_machine_id"].RawFactKey)

	var ocp *models.Product
	for i := range worker.Products {
		if worker.Products[i].Name == ProductOpenShift {
			ocp = &worker.Products[i]
		}
	}
	require.NotNil(t, ocp)
	assert.Equal(t, models.PresencePresent, ocp.Presence)
	assert.Equal(t, []string{"4.14.3"}, ocp.Versions)
}

func TestNetworkInfrastructure(t *testing.T) {
	tests := []struct {
		name  string
		facts facts
		want  models.InfrastructureType
		key   string
	}{
		{"bare metal", facts{"virt_what_type": "bare metal"}, models.InfraPhysical, "virt_what_type"},
		{"virt-what guest", facts{"virt_what_type": "kvm"}, models.InfraVirtualized, "virt_what_type"},
		{"virt type only", facts{"virt_type": "vmware"}, models.InfraVirtualized, "virt_type"},
		{"subman guest", facts{"subman_virt_is_guest": true}, models.InfraVirtualized, "subman_virt_is_guest"},
		{"chassis vm", facts{"hostnamectl": map[string]any{"chassis": "vm"}}, models.InfraVirtualized, "hostnamectl"},
		{"chassis server", facts{"hostnamectl": map[string]any{"chassis": "server"}}, models.InfraPhysical, "hostnamectl"},
		{"hypervisor", facts{"virt_num_guests": 3, "virt_what_type": "bare metal"}, models.InfraHypervisor, "virt_num_guests"},
		{"nothing", facts{}, models.InfraUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.facts)
			require.NoError(t, err)
			var decoded facts
			require.NoError(t, json.Unmarshal(raw, &decoded))

			got, key := networkInfrastructure(decoded)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestOrderRulesRejectsCycles(t *testing.T) {
	noop := func(facts, *candidate) (any, []string) { return nil, nil }
	assert.Panics(t, func() {
		orderRules([]rule{{attr: "a", after: []string{"b"}, format: noop}, {attr: "b", after: []string{"a"}, format: noop}})
	})
	ordered := orderRules([]rule{{attr: "a", after: []string{"b"}, format: noop}, {attr: "b", format: noop}})
	assert.Equal(t, "b", ordered[0].attr)
}
