// Package remote calls a running tenancy API over HTTP. Errors come back as the same values the
// in-process Manager returns, so errors.Is(err, authz.ErrForbidden) and friends keep working.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/lifecycle"
	"qazna.org/tenancy/internal/tenancy"
)

// Client is safe for concurrent use.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

type Option func(*Client)

// WithToken sends token on every request. Without it the token stored in the request context
// (auth.ContextWithToken) is forwarded, if any.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: base url %q must be absolute", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Node is a tenancy node as the API renders it.
type Node struct {
	Kind string `json:"kind"`
	tenancy.Node
}

type authorizeRequest struct {
	PrincipalID string                    `json:"principal_id,omitempty"`
	Action      access.ResourceAction     `json:"action"`
	Target      *tenancy.OwnershipContext `json:"target,omitempty"`
	TargetID    string                    `json:"target_id,omitempty"`
}

// Authorize asks for a decision on behalf of principalID; empty means the token's principal.
func (c *Client) Authorize(ctx context.Context, principalID string, action access.ResourceAction, target tenancy.OwnershipContext) (authz.Decision, error) {
	var d authz.Decision
	err := c.do(ctx, http.MethodPost, "/v1/authorize", authorizeRequest{
		PrincipalID: principalID,
		Action:      action,
		Target:      &target,
	}, &d)
	return d, err
}

// AuthorizeOn is Authorize against the context of node targetID, resolved by the server.
func (c *Client) AuthorizeOn(ctx context.Context, principalID string, action access.ResourceAction, targetID string) (authz.Decision, error) {
	var d authz.Decision
	err := c.do(ctx, http.MethodPost, "/v1/authorize", authorizeRequest{
		PrincipalID: principalID,
		Action:      action,
		TargetID:    targetID,
	}, &d)
	return d, err
}

// Require folds a deny into authz.ErrForbidden.
func (c *Client) Require(ctx context.Context, principalID string, action access.ResourceAction, target tenancy.OwnershipContext) error {
	d, err := c.Authorize(ctx, principalID, action, target)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return authz.ErrForbidden
	}
	return nil
}

func (c *Client) ResolveContext(ctx context.Context, id string) (tenancy.OwnershipContext, error) {
	var oc tenancy.OwnershipContext
	err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id)+"/context", nil, &oc)
	return oc, err
}

type createRequest struct {
	Name           string `json:"name"`
	Type           string `json:"ty,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

func (c *Client) CreateCustomer(ctx context.Context, name, typ string) (Node, error) {
	return c.create(ctx, "/v1/customers", createRequest{Name: name, Type: typ})
}

func (c *Client) CreateOrganization(ctx context.Context, customerID, name, typ string) (Node, error) {
	return c.create(ctx, "/v1/customers/"+url.PathEscape(customerID)+"/organizations", createRequest{Name: name, Type: typ})
}

func (c *Client) CreateInstitution(ctx context.Context, organizationID, name, typ string) (Node, error) {
	return c.create(ctx, "/v1/organizations/"+url.PathEscape(organizationID)+"/institutions", createRequest{Name: name, Type: typ})
}

func (c *Client) CreateOrganizationUnit(ctx context.Context, customerID, organizationID, name, typ string) (Node, error) {
	return c.create(ctx, "/v1/customers/"+url.PathEscape(customerID)+"/units", createRequest{
		Name:           name,
		Type:           typ,
		OrganizationID: organizationID,
	})
}

func (c *Client) create(ctx context.Context, path string, req createRequest) (Node, error) {
	var n Node
	err := c.do(ctx, http.MethodPost, path, req, &n)
	return n, err
}

func (c *Client) GetNode(ctx context.Context, id string) (Node, error) {
	var n Node
	err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id), nil, &n)
	return n, err
}

// DeleteNode removes id and everything below it, returning the ids removed.
func (c *Client) DeleteNode(ctx context.Context, id string, mode tenancy.DeleteMode) ([]string, error) {
	path := "/v1/nodes/" + url.PathEscape(id) + "?mode=" + mode.String()
	var out struct {
		Nodes []Node `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

type errorBody struct {
	Errors []struct {
		Message    string         `json:"message"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fmt.Errorf("remote: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return lifecycle.FromError(err)
		}
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) bearer(ctx context.Context) string {
	if c.token != "" {
		return c.token
	}
	tok, _ := auth.TokenFromContext(ctx)
	return tok
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || len(eb.Errors) == 0 {
		return lifecycle.FromExtensions(resp.StatusCode, "", "", strings.TrimSpace(string(raw)))
	}
	item := eb.Errors[0]
	code := resp.StatusCode
	if v, ok := item.Extensions["code"].(float64); ok {
		code = int(v)
	}
	typ, _ := item.Extensions["type"].(string)
	field, _ := item.Extensions["field"].(string)
	return lifecycle.FromExtensions(code, typ, field, item.Message)
}
