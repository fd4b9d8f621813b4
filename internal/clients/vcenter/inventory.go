package vcenter

import (
	"context"
	"slices"

	"github.com/vmware/govmomi/vim25/types"
)

// VM is the collected view of a virtual machine
type VM struct {
	Ref         types.ManagedObjectReference
	Name        string
	UUID        string
	Template    bool
	GuestOS     string
	CPUCount    int
	MemoryMB    int
	PowerState  string
	Host        *types.ManagedObjectReference
	DNSName     string
	IPAddresses []string
	MACs        []string
}

// Host is the collected view of an ESXi hypervisor
type Host struct {
	Ref        types.ManagedObjectReference
	Name       string
	Parent     *types.ManagedObjectReference
	UUID       string
	CPUPkgs    int
	CPUCores   int
	CPUThreads int
}

// Placement resolves the cluster and datacenter of hypervisors
type Placement struct {
	names   map[types.ManagedObjectReference]string
	parents map[types.ManagedObjectReference]types.ManagedObjectReference
}

// VMs collects every virtual machine; templates are skipped
func (c *Client) VMs(ctx context.Context) ([]VM, error) {
	var out []VM
	err := c.Retrieve(ctx, []string{"VirtualMachine"}, VMProperties, func(o Object) error {
		vm := decodeVM(o)
		if !vm.Template {
			out = append(out, vm)
		}
		return nil
	})
	return out, err
}

// Hosts collects every hypervisor
func (c *Client) Hosts(ctx context.Context) (map[types.ManagedObjectReference]Host, error) {
	out := map[types.ManagedObjectReference]Host{}
	err := c.Retrieve(ctx, []string{"HostSystem"}, HostProperties, func(o Object) error {
		h := Host{Ref: o.Ref, Name: stringProp(o, "name"), Parent: refProp(o, "parent")}
		if hw := hardwareProp(o, "summary.hardware"); hw != nil {
			h.UUID = hw.Uuid
			h.CPUPkgs = int(hw.NumCpuPkgs)
			h.CPUCores = int(hw.NumCpuCores)
			h.CPUThreads = int(hw.NumCpuThreads)
		}
		out[o.Ref] = h
		return nil
	})
	return out, err
}

// Placement collects the datacenter, folder and compute resource tree
func (c *Client) Placement(ctx context.Context) (*Placement, error) {
	p := &Placement{
		names:   map[types.ManagedObjectReference]string{},
		parents: map[types.ManagedObjectReference]types.ManagedObjectReference{},
	}
	err := c.Retrieve(ctx, placementKinds, PlacementProperties, func(o Object) error {
		p.names[o.Ref] = stringProp(o, "name")
		if parent := refProp(o, "parent"); parent != nil {
			p.parents[o.Ref] = *parent
		}
		return nil
	})
	return p, err
}

// Locate returns the cluster and datacenter names above a host's parent.
// Standalone hosts have no cluster.
func (p *Placement) Locate(parent *types.ManagedObjectReference) (cluster, datacenter string) {
	if parent == nil {
		return "", ""
	}
	ref := *parent
	seen := map[types.ManagedObjectReference]bool{}
	for !seen[ref] {
		seen[ref] = true
		switch ref.Type {
		case "ClusterComputeResource":
			cluster = p.names[ref]
		case "Datacenter":
			return cluster, p.names[ref]
		}
		next, ok := p.parents[ref]
		if !ok {
			break
		}
		ref = next
	}
	return cluster, ""
}

func decodeVM(o Object) VM {
	vm := VM{
		Ref:        o.Ref,
		Name:       stringProp(o, "name"),
		UUID:       stringProp(o, "config.uuid"),
		GuestOS:    stringProp(o, "guest.guestFullName"),
		CPUCount:   intProp(o, "config.hardware.numCPU"),
		MemoryMB:   intProp(o, "config.hardware.memoryMB"),
		PowerState: stringProp(o, "runtime.powerState"),
		Host:       refProp(o, "runtime.host"),
		DNSName:    stringProp(o, "guest.hostName"),
	}
	if t, ok := o.Props["config.template"].(bool); ok {
		vm.Template = t
	}
	if vm.GuestOS == "" {
		vm.GuestOS = stringProp(o, "config.guestFullName")
	}
	for _, nic := range nicsProp(o, "guest.net") {
		if nic.MacAddress != "" {
			vm.MACs = append(vm.MACs, nic.MacAddress)
		}
		vm.IPAddresses = append(vm.IPAddresses, nic.IpAddress...)
	}
	if len(vm.IPAddresses) == 0 {
		if ip := stringProp(o, "guest.ipAddress"); ip != "" {
			vm.IPAddresses = []string{ip}
		}
	}
	slices.Sort(vm.MACs)
	vm.MACs = slices.Compact(vm.MACs)
	slices.Sort(vm.IPAddresses)
	vm.IPAddresses = slices.Compact(vm.IPAddresses)
	return vm
}

func stringProp(o Object, name string) string {
	switch v := o.Props[name].(type) {
	case string:
		return v
	case types.VirtualMachinePowerState:
		return string(v)
	}
	return ""
}

func intProp(o Object, name string) int {
	switch v := o.Props[name].(type) {
	case int32:
		return int(v)
	case int16:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func refProp(o Object, name string) *types.ManagedObjectReference {
	switch v := o.Props[name].(type) {
	case types.ManagedObjectReference:
		return &v
	case *types.ManagedObjectReference:
		return v
	}
	return nil
}

func hardwareProp(o Object, name string) *types.HostHardwareSummary {
	switch v := o.Props[name].(type) {
	case types.HostHardwareSummary:
		return &v
	case *types.HostHardwareSummary:
		return v
	}
	return nil
}

func nicsProp(o Object, name string) []types.GuestNicInfo {
	switch v := o.Props[name].(type) {
	case types.ArrayOfGuestNicInfo:
		return v.GuestNicInfo
	case []types.GuestNicInfo:
		return v
	}
	return nil
}
