package runners

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"quipucords/internal/clients/satellite"
	"quipucords/internal/httpsession"
	"quipucords/internal/models"
)

func checkSatellite(ctx context.Context, opts httpsession.Options) (string, error) {
	client, err := satellite.New(opts)
	if err != nil {
		return "", err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return "", err
	}
	return status.Version, nil
}

// splitOperatingSystem splits "RedHat 8.7" into its name and version
func splitOperatingSystem(os string) (name, version string) {
	os = strings.TrimSpace(os)
	idx := strings.LastIndex(os, " ")
	if idx < 0 {
		return os, ""
	}
	return os[:idx], os[idx+1:]
}

func factInt(facts map[string]any, key string) (int, bool) {
	switch v := facts[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// satelliteFacts joins the two per-host responses into raw facts
func satelliteFacts(fields *satellite.HostFields, subs []satellite.Subscription) map[string]any {
	osName, osVersion := splitOperatingSystem(fields.OperatingSystem)
	facts := map[string]any{
		"hostname":      fields.Name,
		"os_name":       osName,
		"os_version":    osVersion,
		"os_release":    fields.OperatingSystem,
		"architecture":  fields.Architecture,
		"location":      fields.Location,
		"organization":  fields.Organization,
		"ip_addresses":  nonEmptyStrings(fields.IP, fields.IP6),
		"mac_addresses": nonEmptyStrings(strings.ToLower(fields.MAC)),
		"satellite_id":  fields.ID,
	}

	if f := fields.Facts; f != nil {
		if v, ok := f["dmi::system::uuid"].(string); ok {
			facts["bios_uuid"] = v
		}
		if sockets, ok := factInt(f, "cpu::cpu_socket(s)"); ok {
			facts["num_sockets"] = sockets
			if perSocket, ok := factInt(f, "cpu::core(s)_per_socket"); ok {
				facts["cores"] = sockets * perSocket
			}
		}
		if kb, ok := factInt(f, "memory::memtotal"); ok {
			facts["memory_bytes"] = int64(kb) * 1024
		}
		if v, ok := f["virt::is_guest"]; ok {
			guest, _ := strconv.ParseBool(strings.TrimSpace(strings.ToLower(toString(v))))
			facts["is_virtualized"] = guest
		}
		if v, ok := f["virt::host_type"].(string); ok {
			facts["virt_type"] = v
		}
	}

	if facet := fields.SubscriptionFacet; facet != nil {
		facts["uuid"] = facet.UUID
		facts["registration_time"] = facet.RegisteredAt
		facts["last_checkin_time"] = facet.LastCheckin
		facts["num_virtual_guests"] = len(facet.VirtualGuests)
		if facet.VirtualHost != nil {
			facts["virtual_host_name"] = facet.VirtualHost.Name
			facts["virtual_host_uuid"] = facet.VirtualHost.UUID
		}
		products := make([]map[string]any, 0, len(facet.InstalledProducts))
		for _, ip := range facet.InstalledProducts {
			products = append(products, map[string]any{"name": ip.ProductName, "id": ip.ProductID})
		}
		facts["products"] = products
	}

	entitlements := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		entitlements = append(entitlements, map[string]any{
			"name":           s.Name,
			"entitlement_id": s.ProductID,
			"amount":         s.Amount,
			"account_number": s.AccountNumber,
			"start_date":     s.StartDate,
			"end_date":       s.EndDate,
			"derived":        s.DerivedEntitlement,
		})
	}
	facts["entitlements"] = entitlements
	return facts
}

func nonEmptyStrings(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

func inspectSatellite(ctx context.Context, env *Env) Result {
	var p *progress
	err := withSourceSession(ctx, env, func(_ string, opts httpsession.Options) error {
		client, err := satellite.New(opts)
		if err != nil {
			return err
		}
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		group, err := ensureGroup(ctx, env, status.Version)
		if err != nil {
			return err
		}
		hosts, err := httpsession.Collect(client.Hosts(ctx))
		if err != nil {
			return err
		}
		done, resumed, err := resume(ctx, env, group)
		if err != nil {
			return err
		}

		p = newProgress(env, len(hosts), resumed)
		if err := p.start(ctx); err != nil {
			return err
		}
		pending := slices.DeleteFunc(hosts, func(h satellite.HostRef) bool { return done[h.Name] })

		// each host needs two calls; a failure of either fails only that host
		return fanOut(ctx, env, pending, func(ctx context.Context, h satellite.HostRef) error {
			result, err := inspectSatelliteHost(ctx, client, h)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				env.Log.Warn().Err(err).Str("host", h.Name).Msg("Failed to inspect satellite host")
				result = failedResult(h.Name, err)
			}
			return p.save(ctx, group, result)
		})
	})
	return settle(ctx, env, p, err)
}

func inspectSatelliteHost(ctx context.Context, client *satellite.Client, h satellite.HostRef) (*models.InspectResult, error) {
	fields, err := client.HostFields(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	subs, err := client.HostSubscriptions(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	return successResult(h.Name, satelliteFacts(fields, subs))
}
