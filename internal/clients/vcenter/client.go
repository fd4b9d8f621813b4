// Package vcenter reads the vSphere inventory through the managed object
// property collector over the SOAP API.
package vcenter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"quipucords/internal/httpsession"
)

// DefaultPageSize bounds the objects returned per property collector page
const DefaultPageSize = 100

// Fixed property lists per entity type
var (
	VMProperties = []string{
		"name",
		"config.uuid",
		"config.template",
		"config.guestFullName",
		"config.hardware.numCPU",
		"config.hardware.memoryMB",
		"runtime.powerState",
		"runtime.host",
		"guest.hostName",
		"guest.ipAddress",
		"guest.guestFullName",
		"guest.net",
	}
	HostProperties      = []string{"name", "parent", "summary.hardware"}
	PlacementProperties = []string{"name", "parent"}
)

// placementKinds are the containers between a host and its datacenter
var placementKinds = []string{"Datacenter", "Folder", "ComputeResource", "ClusterComputeResource"}

// Client is a logged in vCenter session
type Client struct {
	vim      *vim25.Client
	sessions *session.Manager
	user     *url.Userinfo
	// PageSize is the MaxObjects of each property collector page
	PageSize int32
}

// New connects to the SDK endpoint described by opts. Login must be called
// before anything but About.
func New(ctx context.Context, opts httpsession.Options) (*Client, error) {
	u, err := url.Parse(httpsession.BaseURL(opts.Host, opts.Port, opts.DisableSSL) + vim25.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid vcenter url: %w", err)
	}
	tlsConfig, err := httpsession.TLSConfig(opts.Verify, opts.SSLProtocol)
	if err != nil {
		return nil, err
	}

	sc := soap.NewClient(u, !opts.Verify)
	transport := sc.DefaultTransport()
	transport.TLSClientConfig.MinVersion = tlsConfig.MinVersion
	transport.TLSClientConfig.MaxVersion = tlsConfig.MaxVersion
	if opts.Timeout > 0 {
		sc.Timeout = opts.Timeout
	}

	vim, err := vim25.NewClient(ctx, sc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", httpsession.ErrUnreachable, u.Host, err)
	}
	return &Client{
		vim:      vim,
		sessions: session.NewManager(vim),
		user:     url.UserPassword(opts.Auth.Username, opts.Auth.Password),
		PageSize: DefaultPageSize,
	}, nil
}

// Login opens a session with the credential of the source
func (c *Client) Login(ctx context.Context) error {
	if err := c.sessions.Login(ctx, c.user); err != nil {
		if isInvalidLogin(err) {
			return fmt.Errorf("%w: %v", httpsession.ErrUnauthorized, err)
		}
		return fmt.Errorf("vcenter login failed: %w", err)
	}
	return nil
}

// Logout ends the session; errors are returned but usually ignored
func (c *Client) Logout(ctx context.Context) error {
	return c.sessions.Logout(ctx)
}

// About returns the product version from the service content
func (c *Client) About() types.AboutInfo {
	return c.vim.ServiceContent.About
}

func isInvalidLogin(err error) bool {
	if !soap.IsSoapFault(err) {
		return false
	}
	switch soap.ToSoapFault(err).VimFault().(type) {
	case types.InvalidLogin, *types.InvalidLogin:
		return true
	}
	return false
}

// Object is one managed object with the properties that were collected
type Object struct {
	Ref   types.ManagedObjectReference
	Props map[string]types.AnyType
}

// Retrieve walks every object of kinds below the root folder through a
// container view. Each kind is collected with props; results arrive in pages
// of PageSize objects linked by continuation tokens.
func (c *Client) Retrieve(ctx context.Context, kinds []string, props []string, fn func(Object) error) error {
	views := view.NewManager(c.vim)
	v, err := views.CreateContainerView(ctx, c.vim.ServiceContent.RootFolder, kinds, true)
	if err != nil {
		return fmt.Errorf("failed to create container view: %w", err)
	}
	defer v.Destroy(context.WithoutCancel(ctx))

	propSet := make([]types.PropertySpec, 0, len(kinds))
	for _, kind := range kinds {
		propSet = append(propSet, types.PropertySpec{Type: kind, PathSet: props})
	}
	collector := c.vim.ServiceContent.PropertyCollector
	req := types.RetrievePropertiesEx{
		This: collector,
		SpecSet: []types.PropertyFilterSpec{{
			ObjectSet: []types.ObjectSpec{{
				Obj:  v.Reference(),
				Skip: types.NewBool(true),
				SelectSet: []types.BaseSelectionSpec{
					&types.TraversalSpec{Type: "ContainerView", Path: "view"},
				},
			}},
			PropSet: propSet,
		}},
		Options: types.RetrieveOptions{MaxObjects: c.PageSize},
	}

	res, err := methods.RetrievePropertiesEx(ctx, c.vim, &req)
	if err != nil {
		return fmt.Errorf("failed to retrieve properties: %w", err)
	}
	page := res.Returnval
	for page != nil {
		for _, oc := range page.Objects {
			obj := Object{Ref: oc.Obj, Props: make(map[string]types.AnyType, len(oc.PropSet))}
			for _, p := range oc.PropSet {
				obj.Props[p.Name] = p.Val
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
		if page.Token == "" {
			return nil
		}
		next, err := methods.ContinueRetrievePropertiesEx(ctx, c.vim, &types.ContinueRetrievePropertiesEx{This: collector, Token: page.Token})
		if err != nil {
			return fmt.Errorf("failed to continue property retrieval: %w", err)
		}
		page = &next.Returnval
	}
	return nil
}
