// Package openshift lists cluster resources through the Kubernetes API with
// bearer token authentication.
package openshift

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"quipucords/internal/httpsession"
)

const listLimit = 500

const (
	clusterVersionPath  = "/apis/config.openshift.io/v1/clusterversions/version"
	namespacesPath      = "/api/v1/namespaces"
	nodesPath           = "/api/v1/nodes"
	podsPath            = "/api/v1/pods"
	clusterOperatorPath = "/apis/config.openshift.io/v1/clusteroperators"
	csvPath             = "/apis/operators.coreos.com/v1alpha1/clusterserviceversions"
	subscriptionPath    = "/apis/operators.coreos.com/v1alpha1/subscriptions"
)

// Client is a thin Kubernetes/OpenShift API client
type Client struct {
	session *httpsession.Session
}

// New creates a client; the credential token is sent as a bearer token
func New(opts httpsession.Options) (*Client, error) {
	opts.ClientName = "openshift"
	s, err := httpsession.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{session: s}, nil
}

// ObjectMeta is the subset of Kubernetes object metadata used here
type ObjectMeta struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace,omitempty"`
	UID               string            `json:"uid,omitempty"`
	CreationTimestamp string            `json:"creationTimestamp,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// ClusterVersion identifies the cluster
type ClusterVersion struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     struct {
		ClusterID string `json:"clusterID"`
		Channel   string `json:"channel"`
	} `json:"spec"`
	Status struct {
		Desired struct {
			Version string `json:"version"`
		} `json:"desired"`
	} `json:"status"`
}

// Namespace is a cluster namespace
type Namespace struct {
	Metadata ObjectMeta `json:"metadata"`
}

// Taint is a node taint
type Taint struct {
	Key    string `json:"key"`
	Effect string `json:"effect"`
}

// NodeAddress is an address reported by a node
type NodeAddress struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// NodeCondition is a node health condition
type NodeCondition struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Node is a cluster node
type Node struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     struct {
		Taints        []Taint `json:"taints,omitempty"`
		Unschedulable bool    `json:"unschedulable,omitempty"`
	} `json:"spec"`
	Status struct {
		Capacity    map[string]string `json:"capacity"`
		Allocatable map[string]string `json:"allocatable"`
		Addresses   []NodeAddress     `json:"addresses"`
		Conditions  []NodeCondition   `json:"conditions"`
		NodeInfo    struct {
			MachineID       string `json:"machineID"`
			SystemUUID      string `json:"systemUUID"`
			Architecture    string `json:"architecture"`
			KernelVersion   string `json:"kernelVersion"`
			OSImage         string `json:"osImage"`
			OperatingSystem string `json:"operatingSystem"`
		} `json:"nodeInfo"`
	} `json:"status"`
}

// Ready reports whether the node Ready condition is true
func (n *Node) Ready() bool {
	for _, c := range n.Status.Conditions {
		if c.Type == "Ready" {
			return c.Status == "True"
		}
	}
	return false
}

// ClusterOperator is a core platform operator
type ClusterOperator struct {
	Metadata ObjectMeta `json:"metadata"`
	Status   struct {
		Versions []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"versions"`
	} `json:"status"`
}

// Version returns the operator's own version entry
func (o *ClusterOperator) Version() string {
	for _, v := range o.Status.Versions {
		if v.Name == "operator" {
			return v.Version
		}
	}
	return ""
}

// ClusterServiceVersion is an installed OLM operator version
type ClusterServiceVersion struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     struct {
		DisplayName string `json:"displayName"`
		Version     string `json:"version"`
	} `json:"spec"`
	Status struct {
		Phase string `json:"phase"`
	} `json:"status"`
}

// Subscription is an OLM subscription
type Subscription struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     struct {
		Name                string `json:"name"`
		Source              string `json:"source"`
		Channel             string `json:"channel"`
		InstallPlanApproval string `json:"installPlanApproval"`
	} `json:"spec"`
	Status struct {
		InstalledCSV string `json:"installedCSV"`
	} `json:"status"`
}

// Container is a pod container
type Container struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Pod is a running workload
type Pod struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     struct {
		NodeName   string      `json:"nodeName"`
		Containers []Container `json:"containers"`
	} `json:"spec"`
	Status struct {
		Phase string `json:"phase"`
	} `json:"status"`
}

// ClusterVersion returns the cluster identity; used as the liveness check
func (c *Client) ClusterVersion(ctx context.Context) (*ClusterVersion, error) {
	var cv ClusterVersion
	if err := c.session.Get(ctx, clusterVersionPath, &cv); err != nil {
		return nil, err
	}
	if cv.Spec.ClusterID == "" {
		return nil, fmt.Errorf("cluster version has no cluster id")
	}
	return &cv, nil
}

// Namespaces iterates namespaces
func (c *Client) Namespaces(ctx context.Context) iter.Seq2[Namespace, error] {
	return list[Namespace](ctx, c.session, namespacesPath)
}

// Nodes iterates nodes
func (c *Client) Nodes(ctx context.Context) iter.Seq2[Node, error] {
	return list[Node](ctx, c.session, nodesPath)
}

// Pods iterates pods of all namespaces
func (c *Client) Pods(ctx context.Context) iter.Seq2[Pod, error] {
	return list[Pod](ctx, c.session, podsPath)
}

// ClusterOperators iterates platform operators
func (c *Client) ClusterOperators(ctx context.Context) iter.Seq2[ClusterOperator, error] {
	return list[ClusterOperator](ctx, c.session, clusterOperatorPath)
}

// ClusterServiceVersions iterates installed OLM operators
func (c *Client) ClusterServiceVersions(ctx context.Context) iter.Seq2[ClusterServiceVersion, error] {
	return list[ClusterServiceVersion](ctx, c.session, csvPath)
}

// Subscriptions iterates OLM subscriptions
func (c *Client) Subscriptions(ctx context.Context) iter.Seq2[Subscription, error] {
	return list[Subscription](ctx, c.session, subscriptionPath)
}

// list walks a Kubernetes list endpoint using limit/continue chunking
func list[T any](ctx context.Context, s *httpsession.Session, path string) iter.Seq2[T, error] {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(listLimit))
	return httpsession.Paginate(ctx, s, path+"?"+q.Encode(), func(body []byte, current *url.URL) (httpsession.Page[T], error) {
		var l struct {
			Metadata struct {
				Continue string `json:"continue"`
			} `json:"metadata"`
			Items []T `json:"items"`
		}
		if err := json.Unmarshal(body, &l); err != nil {
			return httpsession.Page[T]{}, fmt.Errorf("malformed list: %w", err)
		}
		p := httpsession.Page[T]{Items: l.Items}
		if l.Metadata.Continue != "" {
			p.Next = httpsession.WithQuery(current, "continue", l.Metadata.Continue)
		}
		return p, nil
	})
}
