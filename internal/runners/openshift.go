package runners

import (
	"context"
	"sort"
	"strings"

	"quipucords/internal/clients/openshift"
	"quipucords/internal/httpsession"
)

const nodeRolePrefix = "node-role.kubernetes.io/"

func checkOpenShift(ctx context.Context, opts httpsession.Options) (string, error) {
	client, err := openshift.New(opts)
	if err != nil {
		return "", err
	}
	cv, err := client.ClusterVersion(ctx)
	if err != nil {
		return "", err
	}
	return cv.Status.Desired.Version, nil
}

func nodeFacts(n openshift.Node) map[string]any {
	addresses := make([]map[string]any, 0, len(n.Status.Addresses))
	for _, a := range n.Status.Addresses {
		addresses = append(addresses, map[string]any{"type": a.Type, "address": a.Address})
	}
	taints := make([]map[string]any, 0, len(n.Spec.Taints))
	for _, t := range n.Spec.Taints {
		taints = append(taints, map[string]any{"key": t.Key, "effect": t.Effect})
	}
	var roles []string
	for label := range n.Metadata.Labels {
		if role, ok := strings.CutPrefix(label, nodeRolePrefix); ok && role != "" {
			roles = append(roles, role)
		}
	}
	sort.Strings(roles)

	facts := map[string]any{
		"name":               n.Metadata.Name,
		"creation_timestamp": n.Metadata.CreationTimestamp,
		"labels":             n.Metadata.Labels,
		"roles":              roles,
		"addresses":          addresses,
		"taints":             taints,
		"machine_id":         n.Status.NodeInfo.MachineID,
		"system_uuid":        n.Status.NodeInfo.SystemUUID,
		"architecture":       n.Status.NodeInfo.Architecture,
		"kernel_version":     n.Status.NodeInfo.KernelVersion,
		"operating_system":   n.Status.NodeInfo.OperatingSystem,
		"os_image":           n.Status.NodeInfo.OSImage,
		"ready":              n.Ready(),
		"unschedulable":      n.Spec.Unschedulable,
	}
	if cpu, err := openshift.ParseCPU(n.Status.Capacity["cpu"]); err == nil {
		facts["cpu_capacity"] = cpu
	}
	if mem, err := openshift.ParseBytes(n.Status.Capacity["memory"]); err == nil {
		facts["memory_capacity"] = mem
	}
	return facts
}

func collectOpenShift(ctx context.Context, _ *Env, opts httpsession.Options) (string, map[string]any, error) {
	client, err := openshift.New(opts)
	if err != nil {
		return "", nil, err
	}
	cv, err := client.ClusterVersion(ctx)
	if err != nil {
		return "", nil, err
	}
	version := cv.Status.Desired.Version

	nodes, err := httpsession.Collect(client.Nodes(ctx))
	if err != nil {
		return version, nil, err
	}
	namespaces, err := httpsession.Collect(client.Namespaces(ctx))
	if err != nil {
		return version, nil, err
	}
	operators, err := httpsession.Collect(client.ClusterOperators(ctx))
	if err != nil {
		return version, nil, err
	}
	csvs, err := httpsession.Collect(client.ClusterServiceVersions(ctx))
	if err != nil {
		return version, nil, err
	}
	subs, err := httpsession.Collect(client.Subscriptions(ctx))
	if err != nil {
		return version, nil, err
	}
	pods, err := httpsession.Collect(client.Pods(ctx))
	if err != nil {
		return version, nil, err
	}

	nodeList := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, nodeFacts(n))
	}
	nsNames := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		nsNames = append(nsNames, ns.Metadata.Name)
	}
	clusterOperators := make([]map[string]any, 0, len(operators))
	for _, op := range operators {
		clusterOperators = append(clusterOperators, map[string]any{"name": op.Metadata.Name, "version": op.Version()})
	}

	// OLM operators joined with the subscription that installed them
	subByCSV := map[string]openshift.Subscription{}
	for _, s := range subs {
		if s.Status.InstalledCSV != "" {
			subByCSV[s.Metadata.Namespace+"/"+s.Status.InstalledCSV] = s
		}
	}
	olmOperators := make([]map[string]any, 0, len(csvs))
	for _, csv := range csvs {
		op := map[string]any{
			"name":         csv.Metadata.Name,
			"namespace":    csv.Metadata.Namespace,
			"display_name": csv.Spec.DisplayName,
			"version":      csv.Spec.Version,
			"phase":        csv.Status.Phase,
		}
		if s, ok := subByCSV[csv.Metadata.Namespace+"/"+csv.Metadata.Name]; ok {
			op["package"] = s.Spec.Name
			op["channel"] = s.Spec.Channel
			op["catalog_source"] = s.Spec.Source
		}
		olmOperators = append(olmOperators, op)
	}

	workloads := make([]map[string]any, 0, len(pods))
	for _, pod := range pods {
		images := make([]string, 0, len(pod.Spec.Containers))
		for _, c := range pod.Spec.Containers {
			images = append(images, c.Image)
		}
		workloads = append(workloads, map[string]any{
			"namespace": pod.Metadata.Namespace,
			"name":      pod.Metadata.Name,
			"node":      pod.Spec.NodeName,
			"phase":     pod.Status.Phase,
			"images":    images,
		})
	}

	facts := map[string]any{
		"cluster": map[string]any{
			"uuid":    cv.Spec.ClusterID,
			"version": version,
			"channel": cv.Spec.Channel,
		},
		"nodes":             nodeList,
		"namespaces":        nsNames,
		"cluster_operators": clusterOperators,
		"olm_operators":     olmOperators,
		"workloads":         workloads,
	}
	return version, facts, nil
}

func inspectOpenShift(ctx context.Context, env *Env) Result {
	return singleResult(ctx, env, collectOpenShift)
}
