package fingerprint

import (
	"math"
	"sort"
	"strings"

	"quipucords/internal/models"
	"quipucords/internal/processors"
)

// mapper turns one inspect result into zero or more candidates
type mapper func(group *models.InspectGroup, result *models.InspectResult) []*candidate

var mappers = map[models.SourceType]mapper{
	models.SourceTypeNetwork:   mapNetwork,
	models.SourceTypeVCenter:   mapVCenter,
	models.SourceTypeSatellite: mapSatellite,
	models.SourceTypeOpenShift: mapOpenShift,
}

const bytesPerGiB = 1 << 30

var networkRules = orderRules([]rule{
	str("name", "uname_hostname", "connection_host"),
	str("os_name", "etc_release_name"),
	str("os_release", "etc_release_release"),
	str("os_version", "etc_release_version"),
	str("architecture", "uname_processor"),
	str("cloud_provider", "cloud_provider"),
	list("ip_addresses", "ip_address_show_ips", "ip_address_show_ips_v6"),
	list("mac_addresses", "ip_address_show_mac"),
	integer("cpu_count", "cpu_count"),
	integer("cpu_core_per_socket", "cpu_core_per_socket", "subman_cpu_core_per_socket"),
	integer("cpu_siblings", "cpu_siblings"),
	boolean("cpu_hyperthreading", "cpu_hyperthreading"),
	integer("cpu_socket_count", "cpu_socket_count", "subman_cpu_cpu_socket"),
	integer("cpu_core_count", "cpu_core_count"),
	integer("system_memory_bytes", "system_memory_bytes"),
	str("bios_uuid", "dmi_system_uuid"),
	str("subscription_manager_id", "subscription_manager_id"),
	str("insights_client_id", "insights_client_id"),
	str("etc_machine_id", "etc_machine_id"),
	boolean("is_redhat", "redhat_packages_gpg_is_redhat"),
	integer("redhat_package_count", "redhat_packages_gpg_num_rh_packages"),
	list("redhat_certs", "redhat_packages_certs"),
	earliestDate("system_creation_date", "date_machine_id", "date_filesystem_create", "date_yum_history"),
	earliestDate("system_last_checkin_date", "date_date"),
	{attr: "system_purpose", format: func(f facts, _ *candidate) (any, []string) {
		if m := f.object("system_purpose"); len(m) > 0 {
			return m, []string{"system_purpose"}
		}
		return nil, nil
	}},
	fromAttr("system_role", "system_purpose", purposeField("role")),
	fromAttr("system_service_level_agreement", "system_purpose", purposeField("service_level_agreement")),
	fromAttr("system_usage_type", "system_purpose", purposeField("usage")),
	fromAttr("system_addons", "system_purpose", func(v any) any {
		m, _ := v.(map[string]any)
		return asStrings(m["addons"])
	}),
	{attr: "virtualized_type", format: func(f facts, _ *candidate) (any, []string) {
		if v, ok := f.str("virt_type"); ok {
			return v, []string{"virt_type"}
		}
		if v, ok := f.str("virt_what_type"); ok && v != processors.BareMetal {
			return v, []string{"virt_what_type"}
		}
		return nil, nil
	}},
	{attr: "infrastructure_type", format: func(f facts, _ *candidate) (any, []string) {
		infra, key := networkInfrastructure(f)
		if key == "" {
			return nil, nil
		}
		return infra, []string{key}
	}},
	{attr: "installed_products", format: func(f facts, _ *candidate) (any, []string) {
		products := installedProducts(f.objects("installed_products"))
		if len(products) == 0 {
			return nil, nil
		}
		return products, []string{"installed_products"}
	}},
})

func purposeField(key string) func(v any) any {
	return func(v any) any {
		m, _ := v.(map[string]any)
		return mapStr(m, key)
	}
}

func installedProducts(objs []map[string]any) []models.InstalledProduct {
	var out []models.InstalledProduct
	for _, o := range objs {
		id := mapStr(o, "id")
		if id == "" {
			continue
		}
		out = append(out, models.InstalledProduct{Name: mapStr(o, "name"), ID: id})
	}
	return out
}

// networkInfrastructure applies the virtualization decision table and returns
// the raw fact that decided it; an empty key means unknown.
func networkInfrastructure(f facts) (models.InfrastructureType, string) {
	if n, ok := f.integer("virt_num_guests"); ok && n > 0 {
		return models.InfraHypervisor, "virt_num_guests"
	}
	if v, ok := f.str("virt_what_type"); ok {
		if v == processors.BareMetal {
			return models.InfraPhysical, "virt_what_type"
		}
		return models.InfraVirtualized, "virt_what_type"
	}
	if _, ok := f.str("virt_type"); ok {
		return models.InfraVirtualized, "virt_type"
	}
	if guest, ok := f.boolean("subman_virt_is_guest"); ok && guest {
		return models.InfraVirtualized, "subman_virt_is_guest"
	}
	if h := f.object("hostnamectl"); h != nil {
		switch strings.ToLower(mapStr(h, "chassis")) {
		case "vm", "container":
			return models.InfraVirtualized, "hostnamectl"
		case "desktop", "laptop", "server", "tablet", "handset", "convertible", "embedded":
			return models.InfraPhysical, "hostnamectl"
		}
	}
	return models.InfraUnknown, ""
}

func mapNetwork(group *models.InspectGroup, result *models.InspectResult) []*candidate {
	f := facts(result.FactMap())
	sudo, _ := f.boolean("user_has_sudo")
	c := newCandidate(group, result.Name, sudo)
	apply(networkRules, f, c)
	if c.attrs["name"] == nil && result.Name != "" {
		c.set("name", result.Name, "connection_host")
	}
	for _, e := range f.objects("subman_consumed") {
		c.addEntitlement(mapStr(e, "name"), mapStr(e, "entitlement_id"), "subman_consumed")
	}
	c.products = detectHostProducts(f, c)
	return []*candidate{c}
}

var vcenterRules = orderRules([]rule{
	str("name", "vm.dns_name", "vm.name"),
	str("os_release", "vm.os"),
	str("vm_state", "vm.state"),
	str("vm_uuid", "vm.uuid"),
	str("bios_uuid", "vm.uuid"),
	str("vm_dns_name", "vm.dns_name"),
	str("vm_cluster", "vm.cluster"),
	str("vm_datacenter", "vm.datacenter"),
	integer("vm_host_socket_count", "vm.host.cpu_count"),
	integer("vm_host_core_count", "vm.host.cpu_cores"),
	str("virtual_host_name", "vm.host.name"),
	str("virtual_host_uuid", "vm.host.uuid"),
	integer("cpu_count", "vm.cpu_count"),
	{attr: "system_memory_bytes", format: func(f facts, _ *candidate) (any, []string) {
		gb, ok := asFloat(f["vm.memory_size"])
		if !ok || gb <= 0 {
			return nil, nil
		}
		return int64(gb * bytesPerGiB), []string{"vm.memory_size"}
	}},
	list("ip_addresses", "vm.ip_addresses"),
	list("mac_addresses", "vm.mac_addresses"),
	constant("infrastructure_type", models.InfraVirtualized, "vm.uuid"),
	constant("virtualized_type", "vmware", "vm.uuid"),
	earliestDate("system_last_checkin_date", "vm.last_check_in"),
})

func mapVCenter(group *models.InspectGroup, result *models.InspectResult) []*candidate {
	f := facts(result.FactMap())
	c := newCandidate(group, result.Name, false)
	apply(vcenterRules, f, c)
	return []*candidate{c}
}

var satelliteRules = orderRules([]rule{
	str("name", "hostname"),
	str("subscription_manager_id", "uuid"),
	str("bios_uuid", "bios_uuid"),
	str("os_name", "os_name"),
	str("os_release", "os_release"),
	str("os_version", "os_version"),
	str("architecture", "architecture"),
	integer("cpu_core_count", "cores"),
	integer("cpu_socket_count", "num_sockets"),
	integer("system_memory_bytes", "memory_bytes"),
	list("ip_addresses", "ip_addresses"),
	list("mac_addresses", "mac_addresses"),
	{attr: "infrastructure_type", format: func(f facts, _ *candidate) (any, []string) {
		if n, ok := f.integer("num_virtual_guests"); ok && n > 0 {
			return models.InfraHypervisor, []string{"num_virtual_guests"}
		}
		if virt, ok := f.boolean("is_virtualized"); ok {
			if virt {
				return models.InfraVirtualized, []string{"is_virtualized"}
			}
			return models.InfraPhysical, []string{"is_virtualized"}
		}
		return nil, nil
	}},
	str("virtualized_type", "virt_type"),
	str("virtual_host_name", "virtual_host_name"),
	str("virtual_host_uuid", "virtual_host_uuid"),
	earliestDate("system_creation_date", "registration_time"),
	earliestDate("system_last_checkin_date", "last_checkin_time"),
	{attr: "installed_products", format: func(f facts, _ *candidate) (any, []string) {
		products := installedProducts(f.objects("products"))
		if len(products) == 0 {
			return nil, nil
		}
		return products, []string{"products"}
	}},
	fromAttr("is_redhat", "os_name", func(v any) any {
		return isRedHatOS(v.(string))
	}),
})

func isRedHatOS(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "red hat") || strings.Contains(lower, "redhat") || strings.HasPrefix(lower, "rhel")
}

func mapSatellite(group *models.InspectGroup, result *models.InspectResult) []*candidate {
	f := facts(result.FactMap())
	c := newCandidate(group, result.Name, false)
	apply(satelliteRules, f, c)
	for _, e := range f.objects("entitlements") {
		c.addEntitlement(mapStr(e, "name"), mapStr(e, "entitlement_id"), "entitlements")
	}
	c.products = detectEntitlementProducts(c)
	return []*candidate{c}
}

var openshiftRules = orderRules([]rule{
	str("name", "node.name"),
	earliestDate("system_creation_date", "node.creation_timestamp"),
	str("etc_machine_id", "node.machine_id"),
	str("bios_uuid", "node.system_uuid"),
	{attr: "architecture", format: func(f facts, _ *candidate) (any, []string) {
		arch, ok := f.str("node.architecture")
		if !ok {
			return nil, nil
		}
		switch arch {
		case "amd64":
			arch = "x86_64"
		case "arm64":
			arch = "aarch64"
		}
		return arch, []string{"node.architecture"}
	}},
	{attr: "ip_addresses", format: func(f facts, _ *candidate) (any, []string) {
		var ips []string
		for _, a := range f.objects("node.addresses") {
			switch mapStr(a, "type") {
			case "InternalIP", "ExternalIP":
				if addr := mapStr(a, "address"); addr != "" {
					ips = append(ips, addr)
				}
			}
		}
		if len(ips) == 0 {
			return nil, nil
		}
		return ips, []string{"node.addresses"}
	}},
	{attr: "cpu_count", format: func(f facts, _ *candidate) (any, []string) {
		cores, ok := asFloat(f["node.cpu_capacity"])
		if !ok || cores <= 0 {
			return nil, nil
		}
		return int(math.Ceil(cores)), []string{"node.cpu_capacity"}
	}},
	integer("system_memory_bytes", "node.memory_capacity"),
	str("os_name", "node.os_image"),
	fromAttr("is_redhat", "os_name", func(v any) any {
		return isRedHatOS(v.(string))
	}),
})

// mapOpenShift yields one candidate per node of the cluster result
func mapOpenShift(group *models.InspectGroup, result *models.InspectResult) []*candidate {
	all := facts(result.FactMap())
	cluster := all.object("cluster")
	version := mapStr(cluster, "version")

	var out []*candidate
	for _, node := range all.objects("nodes") {
		f := facts{}
		for k, v := range node {
			f["node."+k] = v
		}
		c := newCandidate(group, result.Name+"/"+mapStr(node, "name"), false)
		apply(openshiftRules, f, c)
		if c.attrs["name"] == nil {
			continue
		}
		ocp := models.Product{Name: ProductOpenShift, Presence: models.PresencePresent}
		if version != "" {
			ocp.Versions = []string{version}
		}
		meta := c.metadata("cluster")
		ocp.Metadata = &meta
		c.products = []models.Product{ocp}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].resultName < out[j].resultName })
	return out
}
