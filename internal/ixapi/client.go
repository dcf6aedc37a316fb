package ixapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 4 << 10

// TransportError is returned for network failures and non-2xx responses
// from the ixctl API. The client never retries on its own.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusNotFound
}

// ErrEmptyResponse is returned when a single-object endpoint answers with no data.
var ErrEmptyResponse = errors.New("empty response data")

// Client talks to the ixctl REST API for one organization.
type Client struct {
	baseURL string
	org     string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a Client. baseURL is the service root, e.g. https://ixctl.example.com.
func New(baseURL, org, apiKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		org:     org,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Org returns the organization slug the client is scoped to.
func (c *Client) Org() string {
	return c.org
}

// --- Exchanges ---

// ListExchanges returns the exchanges the principal can see, in server order.
func (c *Client) ListExchanges(ctx context.Context) ([]Exchange, error) {
	var out []Exchange
	err := c.do(ctx, http.MethodGet, c.path("ix", c.org), nil, nil, &out)
	return out, err
}

// CreateExchange creates a new exchange.
func (c *Client) CreateExchange(ctx context.Context, req ExchangeRequest) (Exchange, error) {
	var out []Exchange
	if err := c.do(ctx, http.MethodPost, c.path("ix", c.org), nil, req, &out); err != nil {
		return Exchange{}, err
	}
	return first(out)
}

// ImportExchange imports an exchange from PeeringDB by its PeeringDB id.
func (c *Client) ImportExchange(ctx context.Context, pdbID int) (Exchange, error) {
	var out []Exchange
	body := map[string]int{"pdb_ix_id": pdbID}
	if err := c.do(ctx, http.MethodPost, c.path("ix", c.org, "import_peeringdb"), nil, body, &out); err != nil {
		return Exchange{}, err
	}
	return first(out)
}

// UpdateExchange updates the settings of the exchange with the given slug.
func (c *Client) UpdateExchange(ctx context.Context, slug string, req ExchangeRequest) (Exchange, error) {
	var out []Exchange
	if err := c.do(ctx, http.MethodPut, c.path("ix", c.org, slug), nil, req, &out); err != nil {
		return Exchange{}, err
	}
	return first(out)
}

// DeleteExchange deletes the exchange with the given slug.
func (c *Client) DeleteExchange(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, c.path("ix", c.org, slug), nil, nil, nil)
}

// --- Members ---

// ListMembers returns the members of the exchange with the given slug.
func (c *Client) ListMembers(ctx context.Context, slug string) ([]Member, error) {
	var out []Member
	err := c.do(ctx, http.MethodGet, c.path("member", c.org, slug), nil, nil, &out)
	return out, err
}

// GetMember returns one member of the exchange.
func (c *Client) GetMember(ctx context.Context, slug string, id int) (Member, error) {
	var out []Member
	if err := c.do(ctx, http.MethodGet, c.path("member", c.org, slug, strconv.Itoa(id)), nil, nil, &out); err != nil {
		return Member{}, err
	}
	return first(out)
}

// --- Route servers ---

// ListRouteservers returns the route servers of the exchange with the given slug.
func (c *Client) ListRouteservers(ctx context.Context, slug string) ([]Routeserver, error) {
	var out []Routeserver
	err := c.do(ctx, http.MethodGet, c.path("rs", c.org, slug), nil, nil, &out)
	return out, err
}

// GetRouteserver returns one route server, including its current job status.
func (c *Client) GetRouteserver(ctx context.Context, slug string, id int) (Routeserver, error) {
	var out []Routeserver
	if err := c.do(ctx, http.MethodGet, c.path("rs", c.org, slug, strconv.Itoa(id)), nil, nil, &out); err != nil {
		return Routeserver{}, err
	}
	return first(out)
}

// GenerateRouteserverConfig queues config generation for a route server.
// The response body is ignored: generation runs asynchronously server side.
func (c *Client) GenerateRouteserverConfig(ctx context.Context, slug, name string) error {
	return c.do(ctx, http.MethodPost, c.path("rsconf", c.org, slug, name, "generate"), nil, nil, nil)
}

// --- Networks, traffic, permissions ---

// ListNetworkPresence returns where an ASN is present and the principal's access there.
func (c *Client) ListNetworkPresence(ctx context.Context, asn int) ([]NetworkPresence, error) {
	var out []NetworkPresence
	err := c.do(ctx, http.MethodGet, c.path("net", c.org, "presence", strconv.Itoa(asn)), nil, nil, &out)
	return out, err
}

// ExchangeTraffic returns aggregated traffic for the exchange with the given slug.
func (c *Client) ExchangeTraffic(ctx context.Context, slug string, r TrafficRange) ([]TrafficPoint, error) {
	q := url.Values{}
	if !r.End.IsZero() {
		q.Set("start_time", strconv.FormatInt(r.End.Unix(), 10))
		if r.Duration > 0 {
			q.Set("duration", strconv.Itoa(durationHours(r.Duration)))
		}
	}
	var out []TrafficPoint
	err := c.do(ctx, http.MethodGet, c.path("traffic", c.org, slug), q, nil, &out)
	return out, err
}

// durationHours rounds d up to whole hours, the unit ixctl takes.
func durationHours(d time.Duration) int {
	return int((d + time.Hour - 1) / time.Hour)
}

type permissionRow struct {
	Namespace   string `json:"namespace"`
	Permissions int    `json:"permissions"`
}

// Permissions returns the principal's grants as namespace -> numeric flag mask.
func (c *Client) Permissions(ctx context.Context) (map[string]string, error) {
	var rows []permissionRow
	if err := c.do(ctx, http.MethodGet, c.path("account", c.org, "permissions"), nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Namespace] = strconv.Itoa(r.Permissions)
	}
	return out, nil
}

// --- Links ---

// ExportURL returns the IX-F export link for an exchange. Private exchanges
// carry their urlkey as the secret query parameter; public ones never do.
func (c *Client) ExportURL(ex Exchange) string {
	u := c.baseURL + "/" + url.PathEscape(c.org) + "/export/ixf/" + url.PathEscape(ex.Slug)
	if ex.Private() {
		u += "?" + url.Values{"secret": {ex.URLKey}}.Encode()
	}
	return u
}

// APIViewURL returns the browsable API link for a collection scoped by slug.
func (c *Client) APIViewURL(collection, slug string) string {
	return c.baseURL + c.path(collection, c.org, slug) + "?pretty"
}

// ConfigURL returns the link to a route server's generated config.
func (c *Client) ConfigURL(slug, rsName string) string {
	return c.baseURL + c.path("rsconf", c.org, slug, rsName)
}

// --- Helpers ---

func (c *Client) path(segs ...string) string {
	var b strings.Builder
	b.WriteString("/api")
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	b.WriteByte('/')
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return &TransportError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &TransportError{Method: method, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding data: %w", err)}
	}
	return nil
}

func first[T any](rows []T) (T, error) {
	if len(rows) == 0 {
		var zero T
		return zero, ErrEmptyResponse
	}
	return rows[0], nil
}
