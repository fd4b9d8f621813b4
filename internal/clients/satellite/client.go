// Package satellite talks to the Satellite v2 REST API.
package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strconv"

	"quipucords/internal/httpsession"
)

const perPage = 100

// Client is a thin Satellite API client
type Client struct {
	session *httpsession.Session
}

// New creates a client using basic auth
func New(opts httpsession.Options) (*Client, error) {
	opts.ClientName = "satellite"
	s, err := httpsession.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{session: s}, nil
}

// Status is the server identification returned by /api/status
type Status struct {
	Version    string `json:"version"`
	APIVersion int    `json:"api_version"`
}

// HostRef is an entry of the host listing
type HostRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// InstalledProduct is a product certificate reported by subscription-manager
type InstalledProduct struct {
	ProductName string `json:"productName"`
	ProductID   string `json:"productId"`
}

// VirtualHost references the hypervisor of a guest
type VirtualHost struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// SubscriptionFacet is the subscription-manager view of a host
type SubscriptionFacet struct {
	UUID              string             `json:"uuid"`
	RegisteredAt      string             `json:"registered_at"`
	LastCheckin       string             `json:"last_checkin"`
	VirtualHost       *VirtualHost       `json:"virtual_host"`
	VirtualGuests     []HostRef          `json:"virtual_guests"`
	InstalledProducts []InstalledProduct `json:"installed_products"`
}

// HostFields are the per-host details
type HostFields struct {
	ID                int                `json:"id"`
	Name              string             `json:"name"`
	IP                string             `json:"ip"`
	IP6               string             `json:"ip6"`
	MAC               string             `json:"mac"`
	OperatingSystem   string             `json:"operatingsystem_name"`
	Architecture      string             `json:"architecture_name"`
	Location          string             `json:"location_name"`
	Organization      string             `json:"organization_name"`
	CreatedAt         string             `json:"created_at"`
	SubscriptionFacet *SubscriptionFacet `json:"subscription_facet_attributes"`
	Facts             map[string]any     `json:"facts"`
}

// Subscription is an entitlement consumed by a host
type Subscription struct {
	Name               string `json:"name"`
	ProductID          string `json:"product_id"`
	Amount             int    `json:"amount"`
	AccountNumber      string `json:"account_number"`
	ContractNumber     string `json:"contract_number"`
	StartDate          string `json:"start_date"`
	EndDate            string `json:"end_date"`
	DerivedEntitlement bool   `json:"derived_entitlement"`
}

// Status returns server identification; only API version 2 is supported
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.session.Get(ctx, "/api/status", &st); err != nil {
		return nil, err
	}
	if st.APIVersion != 2 {
		return nil, fmt.Errorf("unsupported satellite api version %d", st.APIVersion)
	}
	return &st, nil
}

// Hosts iterates the host listing page by page
func (c *Client) Hosts(ctx context.Context) iter.Seq2[HostRef, error] {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("per_page", strconv.Itoa(perPage))
	return httpsession.Paginate(ctx, c.session, "/api/v2/hosts?"+q.Encode(), func(body []byte, current *url.URL) (httpsession.Page[HostRef], error) {
		var page struct {
			Subtotal int       `json:"subtotal"`
			Page     int       `json:"page"`
			PerPage  int       `json:"per_page"`
			Results  []HostRef `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return httpsession.Page[HostRef]{}, fmt.Errorf("malformed host listing: %w", err)
		}
		p := httpsession.Page[HostRef]{Items: page.Results}
		if len(page.Results) > 0 && page.Page*page.PerPage < page.Subtotal {
			p.Next = httpsession.WithQuery(current, "page", strconv.Itoa(page.Page+1))
		}
		return p, nil
	})
}

// HostFields returns the details of one host
func (c *Client) HostFields(ctx context.Context, id int) (*HostFields, error) {
	var fields HostFields
	if err := c.session.Get(ctx, fmt.Sprintf("/api/v2/hosts/%d", id), &fields); err != nil {
		return nil, err
	}
	return &fields, nil
}

// HostSubscriptions returns the entitlements consumed by one host
func (c *Client) HostSubscriptions(ctx context.Context, id int) ([]Subscription, error) {
	var out struct {
		Results []Subscription `json:"results"`
	}
	if err := c.session.Get(ctx, fmt.Sprintf("/api/v2/hosts/%d/subscriptions", id), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}
