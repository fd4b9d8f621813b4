package models

// InstanceCounts classifies hosts by infrastructure
type InstanceCounts struct {
	Total      int `json:"instances_total"`
	Physical   int `json:"instances_physical"`
	Virtual    int `json:"instances_virtual"`
	Hypervisor int `json:"instances_hypervisor"`
	Unknown    int `json:"instances_unknown"`
	NotRedHat  int `json:"instances_not_redhat"`
	RedHat     int `json:"instances_redhat"`
}

// JBossTotals sums cores of hosts where a JBoss product is present
type JBossTotals struct {
	EAPCoresPhysical float64 `json:"jboss_eap_cores_physical"`
	EAPCoresVirtual  float64 `json:"jboss_eap_cores_virtual"`
	EAPInstances     int     `json:"jboss_eap_instances"`
	WSCoresPhysical  float64 `json:"jboss_ws_cores_physical"`
	WSCoresVirtual   float64 `json:"jboss_ws_cores_virtual"`
	WSInstances      int     `json:"jboss_ws_instances"`
	FuseInstances    int     `json:"jboss_fuse_instances"`
	BRMSInstances    int     `json:"jboss_brms_instances"`
}

// OpenShiftTotals summarizes OpenShift clusters
type OpenShiftTotals struct {
	Clusters  int            `json:"openshift_clusters"`
	Cores     float64        `json:"openshift_cores"`
	Nodes     int            `json:"openshift_nodes"`
	Operators map[string]int `json:"openshift_operators_by_name"`
	Kinds     map[string]int `json:"openshift_operators_by_kind"`
}

// AnsibleTotals summarizes controller inventories
type AnsibleTotals struct {
	HostsAll        int `json:"ansible_hosts_all"`
	HostsInDatabase int `json:"ansible_hosts_in_database"`
	HostsInJobs     int `json:"ansible_hosts_in_jobs"`
}

// ACSTotals summarizes ACS secured units
type ACSTotals struct {
	CurrentNodes    int `json:"acs_current_nodes"`
	CurrentCPUUnits int `json:"acs_current_cpu_units"`
	MaxNodes        int `json:"acs_max_nodes"`
	MaxCPUUnits     int `json:"acs_max_cpu_units"`
}

// Diagnostics counts inventory gaps
type Diagnostics struct {
	MissingCPUCore                 int `json:"missing_cpu_core_count"`
	MissingCPUSocket               int `json:"missing_cpu_socket_count"`
	MissingName                    int `json:"missing_name"`
	MissingSystemCreationDate      int `json:"missing_system_creation_date"`
	MissingSystemPurpose           int `json:"missing_system_purpose"`
	InspectResultStatusFailed      int `json:"inspect_result_status_failed"`
	InspectResultStatusUnreachable int `json:"inspect_result_status_unreachable"`
	InspectResultStatusSuccess     int `json:"inspect_result_status_success"`
}

// AggregateReport holds per-report rollups
type AggregateReport struct {
	ReportID              int64           `json:"report_id"`
	Instances             InstanceCounts  `json:"instances"`
	OSByNameAndVersion    map[string]int  `json:"os_by_name_and_version"`
	SocketPairs           int             `json:"socket_pairs"`
	VCPUs                 int             `json:"vcpus"`
	AverageSystemCreation string          `json:"system_creation_date_average,omitempty"`
	JBoss                 JBossTotals     `json:"jboss"`
	OpenShift             OpenShiftTotals `json:"openshift"`
	Ansible               AnsibleTotals   `json:"ansible"`
	ACS                   ACSTotals       `json:"acs"`
	Diagnostics           Diagnostics     `json:"diagnostics"`
}
