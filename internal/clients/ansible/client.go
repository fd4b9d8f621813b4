// Package ansible talks to an Ansible automation controller.
package ansible

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"quipucords/internal/httpsession"
)

const pageSize = 100

// Client is a thin controller API client
type Client struct {
	session *httpsession.Session
}

// New creates a client using basic auth
func New(opts httpsession.Options) (*Client, error) {
	opts.ClientName = "ansible"
	s, err := httpsession.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{session: s}, nil
}

// Me is the authenticated user
type Me struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Ping is the controller instance summary
type Ping struct {
	Version     string `json:"version"`
	ActiveNode  string `json:"active_node"`
	InstallUUID string `json:"install_uuid"`
	HA          bool   `json:"ha"`
}

// Host is a host registered in the controller inventory
type Host struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Created  string `json:"created"`
	Modified string `json:"modified"`
	LastJob  *int   `json:"last_job"`
}

// Job is a past job run
type Job struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Finished string `json:"finished"`
}

// JobEvent is one event of a job; HostName is empty for play level events
type JobEvent struct {
	ID       int    `json:"id"`
	Event    string `json:"event"`
	HostName string `json:"host_name"`
}

// Me returns the authenticated user; used as the liveness check
func (c *Client) Me(ctx context.Context) (*Me, error) {
	var out struct {
		Results []Me `json:"results"`
	}
	if err := c.session.Get(ctx, "/api/v2/me/", &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("controller returned no user for the credential")
	}
	return &out.Results[0], nil
}

// Ping returns controller version information
func (c *Client) Ping(ctx context.Context) (*Ping, error) {
	var out Ping
	if err := c.session.Get(ctx, "/api/v2/ping/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Hosts iterates the controller inventory
func (c *Client) Hosts(ctx context.Context) iter.Seq2[Host, error] {
	return list[Host](ctx, c.session, "/api/v2/hosts/")
}

// Jobs iterates past jobs
func (c *Client) Jobs(ctx context.Context) iter.Seq2[Job, error] {
	return list[Job](ctx, c.session, "/api/v2/jobs/")
}

// JobEvents iterates the events of one job
func (c *Client) JobEvents(ctx context.Context, jobID int) iter.Seq2[JobEvent, error] {
	return list[JobEvent](ctx, c.session, fmt.Sprintf("/api/v2/jobs/%d/job_events/", jobID))
}

// list follows the controller's "next" links, which are absolute paths
func list[T any](ctx context.Context, s *httpsession.Session, path string) iter.Seq2[T, error] {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(pageSize))
	return httpsession.Paginate(ctx, s, path+"?"+q.Encode(), func(body []byte, _ *url.URL) (httpsession.Page[T], error) {
		var page struct {
			Next    *string `json:"next"`
			Results []T     `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return httpsession.Page[T]{}, fmt.Errorf("malformed listing: %w", err)
		}
		p := httpsession.Page[T]{Items: page.Results}
		if page.Next != nil {
			p.Next = *page.Next
		}
		return p, nil
	})
}
