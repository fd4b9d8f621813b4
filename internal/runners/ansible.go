package runners

import (
	"context"
	"sort"
	"sync"

	"quipucords/internal/clients/ansible"
	"quipucords/internal/httpsession"
)

func checkAnsible(ctx context.Context, opts httpsession.Options) (string, error) {
	client, err := ansible.New(opts)
	if err != nil {
		return "", err
	}
	if _, err := client.Me(ctx); err != nil {
		return "", err
	}
	ping, err := client.Ping(ctx)
	if err != nil {
		return "", err
	}
	return ping.Version, nil
}

// collectAnsible reconciles the registered inventory with the hosts only
// referenced by past job events.
func collectAnsible(ctx context.Context, env *Env, opts httpsession.Options) (string, map[string]any, error) {
	client, err := ansible.New(opts)
	if err != nil {
		return "", nil, err
	}
	ping, err := client.Ping(ctx)
	if err != nil {
		return "", nil, err
	}

	hosts, err := httpsession.Collect(client.Hosts(ctx))
	if err != nil {
		return ping.Version, nil, err
	}
	jobs, err := httpsession.Collect(client.Jobs(ctx))
	if err != nil {
		return ping.Version, nil, err
	}

	var mu sync.Mutex
	seenInJobs := map[string]bool{}
	err = fanOut(ctx, env, jobs, func(ctx context.Context, job ansible.Job) error {
		for ev, err := range client.JobEvents(ctx, job.ID) {
			if err != nil {
				return err
			}
			if ev.HostName == "" {
				continue
			}
			mu.Lock()
			seenInJobs[ev.HostName] = true
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return ping.Version, nil, err
	}

	inventory := make([]map[string]any, 0, len(hosts))
	registered := map[string]bool{}
	for _, h := range hosts {
		registered[h.Name] = true
		inventory = append(inventory, map[string]any{
			"name":     h.Name,
			"host_id":  h.ID,
			"created":  h.Created,
			"modified": h.Modified,
			"last_job": h.LastJob,
		})
	}
	var onlyInJobs []string
	for name := range seenInJobs {
		if !registered[name] {
			onlyInJobs = append(onlyInJobs, name)
		}
	}
	sort.Strings(onlyInJobs)

	jobIDs := make([]int, 0, len(jobs))
	for _, j := range jobs {
		jobIDs = append(jobIDs, j.ID)
	}

	facts := map[string]any{
		"instance_details": map[string]any{
			"version":      ping.Version,
			"active_node":  ping.ActiveNode,
			"install_uuid": ping.InstallUUID,
			"ha":           ping.HA,
		},
		"hosts": inventory,
		"jobs": map[string]any{
			"job_ids":      jobIDs,
			"unique_hosts": len(seenInJobs),
		},
		"comparison": map[string]any{
			"hosts_in_inventory":           len(hosts),
			"hosts_only_in_jobs":           onlyInJobs,
			"number_of_hosts_in_inventory": len(hosts),
			"number_of_hosts_only_in_jobs": len(onlyInJobs),
		},
	}
	return ping.Version, facts, nil
}

func inspectAnsible(ctx context.Context, env *Env) Result {
	return singleResult(ctx, env, collectAnsible)
}
