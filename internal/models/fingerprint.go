package models

// InfrastructureType classifies how a system runs
type InfrastructureType string

const (
	InfraPhysical    InfrastructureType = "physical"
	InfraVirtualized InfrastructureType = "virtualized"
	InfraHypervisor  InfrastructureType = "hypervisor"
	InfraUnknown     InfrastructureType = "unknown"
)

// Presence is the detection confidence of a product
type Presence string

const (
	PresencePresent   Presence = "present"
	PresencePotential Presence = "potential"
	PresenceAbsent    Presence = "absent"
)

// Rank orders presences so merges can keep the strongest evidence
func (p Presence) Rank() int {
	switch p {
	case PresencePresent:
		return 2
	case PresencePotential:
		return 1
	}
	return 0
}

// FactMetadata records where a fingerprint attribute came from
type FactMetadata struct {
	SourceName   string         `json:"source_name"`
	SourceType   SourceType     `json:"source_type"`
	ServerID     string         `json:"server_id"`
	RawFactKey   string         `json:"raw_fact_key"`
	HasSudo      bool           `json:"has_sudo"`
	OtherSources []FactMetadata `json:"other_sources,omitempty"`
}

// Product is a detected product on a system
type Product struct {
	Name     string        `json:"name"`
	Presence Presence      `json:"presence"`
	Versions []string      `json:"version,omitempty"`
	Metadata *FactMetadata `json:"metadata,omitempty"`
}

// Entitlement is a subscription consumed by a system
type Entitlement struct {
	Name          string        `json:"name"`
	EntitlementID string        `json:"entitlement_id"`
	Metadata      *FactMetadata `json:"metadata,omitempty"`
}

// InstalledProduct is a product certificate found on a system
type InstalledProduct struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// SystemFingerprint is a normalized, source-merged, per-host record
type SystemFingerprint struct {
	ID                  int64 `json:"id,omitempty"`
	DeploymentsReportID int64 `json:"deployment_report_id,omitempty"`

	Name               string             `json:"name,omitempty"`
	OSName             string             `json:"os_name,omitempty"`
	OSRelease          string             `json:"os_release,omitempty"`
	OSVersion          string             `json:"os_version,omitempty"`
	Architecture       string             `json:"architecture,omitempty"`
	InfrastructureType InfrastructureType `json:"infrastructure_type"`
	CloudProvider      string             `json:"cloud_provider,omitempty"`
	IPAddresses        []string           `json:"ip_addresses,omitempty"`
	MACAddresses       []string           `json:"mac_addresses,omitempty"`

	CPUCount          *int   `json:"cpu_count,omitempty"`
	CPUCorePerSocket  *int   `json:"cpu_core_per_socket,omitempty"`
	CPUSiblings       *int   `json:"cpu_siblings,omitempty"`
	CPUHyperthreading *bool  `json:"cpu_hyperthreading,omitempty"`
	CPUSocketCount    *int   `json:"cpu_socket_count,omitempty"`
	CPUCoreCount      *int   `json:"cpu_core_count,omitempty"`
	NumberOfCPUs      *int   `json:"number_of_cpus,omitempty"`
	NumberOfSockets   *int   `json:"number_of_sockets,omitempty"`
	SystemMemoryBytes *int64 `json:"system_memory_bytes,omitempty"`

	BIOSUUID              string `json:"bios_uuid,omitempty"`
	SubscriptionManagerID string `json:"subscription_manager_id,omitempty"`
	InsightsClientID      string `json:"insights_client_id,omitempty"`
	EtcMachineID          string `json:"etc_machine_id,omitempty"`

	IsRedHat           *bool              `json:"is_redhat,omitempty"`
	RedHatCerts        []string           `json:"redhat_certs,omitempty"`
	RedHatPackageCount *int               `json:"redhat_package_count,omitempty"`
	SystemCreationDate string             `json:"system_creation_date,omitempty"`
	SystemLastCheckin  string             `json:"system_last_checkin_date,omitempty"`
	SystemPurpose      map[string]any     `json:"system_purpose,omitempty"`
	SystemRole         string             `json:"system_role,omitempty"`
	SystemServiceLevel string             `json:"system_service_level_agreement,omitempty"`
	SystemUsageType    string             `json:"system_usage_type,omitempty"`
	SystemAddons       []string           `json:"system_addons,omitempty"`
	VirtualizedType    string             `json:"virtualized_type,omitempty"`
	InstalledProducts  []InstalledProduct `json:"installed_products,omitempty"`

	VMState           string `json:"vm_state,omitempty"`
	VMUUID            string `json:"vm_uuid,omitempty"`
	VMDNSName         string `json:"vm_dns_name,omitempty"`
	VMClusterName     string `json:"vm_cluster,omitempty"`
	VMDatacenter      string `json:"vm_datacenter,omitempty"`
	VMHostSocketCount *int   `json:"vm_host_socket_count,omitempty"`
	VMHostCoreCount   *int   `json:"vm_host_core_count,omitempty"`
	VirtualHostName   string `json:"virtual_host_name,omitempty"`
	VirtualHostUUID   string `json:"virtual_host_uuid,omitempty"`

	Sources      []SourceRef             `json:"sources"`
	Metadata     map[string]FactMetadata `json:"metadata"`
	Products     []Product               `json:"products"`
	Entitlements []Entitlement           `json:"entitlements"`
}

// DeploymentsView is the JSON shape of a deployments report
type DeploymentsView struct {
	ReportID           int64                `json:"report_id"`
	ReportType         string               `json:"report_type"`
	ReportVersion      string               `json:"report_version"`
	ReportPlatformID   string               `json:"report_platform_id"`
	Status             Status               `json:"status"`
	SystemFingerprints []*SystemFingerprint `json:"system_fingerprints"`
}
