package runners

import (
	"context"
	"fmt"
	"slices"
	"time"

	"quipucords/internal/clients/vcenter"
	"quipucords/internal/httpsession"
)

// vcenterPageSize is the property collector page size used by the runners
var vcenterPageSize int32 = vcenter.DefaultPageSize

func openVCenter(ctx context.Context, opts httpsession.Options) (*vcenter.Client, error) {
	client, err := vcenter.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	client.PageSize = vcenterPageSize
	if err := client.Login(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func checkVCenter(ctx context.Context, opts httpsession.Options) (string, error) {
	client, err := openVCenter(ctx, opts)
	if err != nil {
		return "", err
	}
	defer client.Logout(context.WithoutCancel(ctx))
	return client.About().Version, nil
}

// vcenterInventory is the collected VM list with the hypervisors and
// placement tree needed to describe each VM
type vcenterInventory struct {
	vms       []vcenter.VM
	hosts     map[string]vcenter.Host
	placement *vcenter.Placement
}

func collectVCenter(ctx context.Context, client *vcenter.Client) (*vcenterInventory, error) {
	vms, err := client.VMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect virtual machines: %w", err)
	}
	hosts, err := client.Hosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect hosts: %w", err)
	}
	placement, err := client.Placement(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect inventory tree: %w", err)
	}
	inv := &vcenterInventory{vms: vms, hosts: make(map[string]vcenter.Host, len(hosts)), placement: placement}
	for ref, h := range hosts {
		inv.hosts[ref.Value] = h
	}
	return inv, nil
}

func (inv *vcenterInventory) facts(vm vcenter.VM) map[string]any {
	facts := map[string]any{
		"vm.name":          vm.Name,
		"vm.state":         vm.PowerState,
		"vm.uuid":          vm.UUID,
		"vm.cpu_count":     vm.CPUCount,
		"vm.memory_size":   float64(vm.MemoryMB) / 1024,
		"vm.mac_addresses": nonNilStrings(vm.MACs),
		"vm.ip_addresses":  nonNilStrings(vm.IPAddresses),
		"vm.os":            vm.GuestOS,
		"vm.dns_name":      vm.DNSName,
		"vm.last_check_in": time.Now().UTC().Format(time.RFC3339),
	}
	if vm.Host == nil {
		return facts
	}
	host, ok := inv.hosts[vm.Host.Value]
	if !ok {
		return facts
	}
	cluster, datacenter := inv.placement.Locate(host.Parent)
	facts["vm.host.name"] = host.Name
	facts["vm.host.uuid"] = host.UUID
	facts["vm.host.cpu_count"] = host.CPUPkgs
	facts["vm.host.cpu_cores"] = host.CPUCores
	facts["vm.host.cpu_threads"] = host.CPUThreads
	facts["vm.cluster"] = cluster
	facts["vm.datacenter"] = datacenter
	return facts
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func inspectVCenter(ctx context.Context, env *Env) Result {
	var p *progress
	err := withSourceSession(ctx, env, func(_ string, opts httpsession.Options) error {
		client, err := openVCenter(ctx, opts)
		if err != nil {
			return err
		}
		defer client.Logout(context.WithoutCancel(ctx))

		group, err := ensureGroup(ctx, env, client.About().Version)
		if err != nil {
			return err
		}
		inv, err := collectVCenter(ctx, client)
		if err != nil {
			return err
		}
		done, resumed, err := resume(ctx, env, group)
		if err != nil {
			return err
		}

		p = newProgress(env, len(inv.vms), resumed)
		if err := p.start(ctx); err != nil {
			return err
		}
		pending := slices.DeleteFunc(slices.Clone(inv.vms), func(vm vcenter.VM) bool { return done[vm.Name] })
		env.Log.Info().Int("vms", len(inv.vms)).Int("pending", len(pending)).Msg("Inspecting vCenter inventory")

		// properties were collected in bulk; each VM only needs to be recorded
		for _, vm := range pending {
			if _, ok := env.interrupted(ctx); ok {
				return errInterrupted
			}
			result, err := successResult(vm.Name, inv.facts(vm))
			if err != nil {
				result = failedResult(vm.Name, err)
			}
			if err := p.save(ctx, group, result); err != nil {
				return err
			}
		}
		return nil
	})
	return settle(ctx, env, p, err)
}
