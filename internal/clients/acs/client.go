// Package acs talks to an Advanced Cluster Security (RHACS) central.
package acs

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"quipucords/internal/httpsession"
)

const (
	authStatusPath   = "/v1/auth/status"
	currentUnitsPath = "/v1/administration/usage/secured-units/current"
	maxUnitsPath     = "/v1/administration/usage/secured-units/max"
)

// Client is a thin ACS API client
type Client struct {
	session *httpsession.Session
}

// New creates a client; the credential token is sent as a bearer token
func New(opts httpsession.Options) (*Client, error) {
	opts.ClientName = "acs"
	s, err := httpsession.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{session: s}, nil
}

// AuthStatus is the identity the token authenticates as
type AuthStatus struct {
	UserID  string `json:"userId"`
	Expires string `json:"expires,omitempty"`
}

// SecuredUnits is a usage sample of secured nodes and CPU units
type SecuredUnits struct {
	Nodes      int64  `json:"nodes"`
	CPUUnits   int64  `json:"cpu_units"`
	NodesAt    string `json:"nodes_at,omitempty"`
	CPUUnitsAt string `json:"cpu_units_at,omitempty"`
}

// AuthStatus checks liveness and token validity
func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	resp, err := c.session.Do(ctx, "GET", authStatusPath, nil)
	if err != nil {
		return nil, err
	}
	status := &AuthStatus{
		UserID:  gjson.GetBytes(resp.Body, "userId").String(),
		Expires: gjson.GetBytes(resp.Body, "expires").String(),
	}
	return status, nil
}

// CurrentSecuredUnits returns the latest usage sample
func (c *Client) CurrentSecuredUnits(ctx context.Context) (SecuredUnits, error) {
	resp, err := c.session.Do(ctx, "GET", currentUnitsPath, nil)
	if err != nil {
		return SecuredUnits{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return SecuredUnits{}, fmt.Errorf("malformed secured units response")
	}
	// int64 fields are encoded as JSON strings by the gRPC gateway
	return SecuredUnits{
		Nodes:    gjson.GetBytes(resp.Body, "numNodes").Int(),
		CPUUnits: gjson.GetBytes(resp.Body, "numCpuUnits").Int(),
	}, nil
}

// MaxSecuredUnits returns the peak usage within [from, to]
func (c *Client) MaxSecuredUnits(ctx context.Context, from, to time.Time) (SecuredUnits, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	resp, err := c.session.Do(ctx, "GET", maxUnitsPath+"?"+q.Encode(), nil)
	if err != nil {
		return SecuredUnits{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return SecuredUnits{}, fmt.Errorf("malformed secured units response")
	}
	body := gjson.ParseBytes(resp.Body)
	return SecuredUnits{
		Nodes:      body.Get("maxNodes").Int(),
		NodesAt:    body.Get("maxNodesAt").String(),
		CPUUnits:   body.Get("maxCpuUnits").Int(),
		CPUUnitsAt: body.Get("maxCpuUnitsAt").String(),
	}, nil
}
