package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"railtrace.opentransit.org/internal/feed"
)

// ErrTransientNetwork marks fetch failures worth retrying on the next
// cycle: timeouts, connection errors, upstream 5xx.
var ErrTransientNetwork = errors.New("transient network error")

// Endpoints are the three upstream GET endpoints. Routes and key table are
// JSON; the payload endpoints return opaque bytes.
type Endpoints struct {
	RoutesURL   string
	KeyTableURL string
	TrainsURL   string
	StationsURL string
}

// DefaultEndpoints points at the provider's production map service.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		RoutesURL:   "https://maps.amtrak.com/rttl/js/RoutesList.json",
		KeyTableURL: "https://maps.amtrak.com/rttl/js/RoutesList.v.json",
		TrainsURL:   "https://maps.amtrak.com/services/MapDataService/trains/getTrainsData",
		StationsURL: "https://maps.amtrak.com/services/MapDataService/stations/trainStations",
	}
}

// The upstream occasionally blocks default Go client signatures, so every
// request carries a rotating browser User-Agent.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
}

// Client fetches the upstream feed over an optional rotating proxy pool.
type Client struct {
	http      *resty.Client
	endpoints Endpoints
	proxies   *ProxyPool
	uaCounter atomic.Uint64
}

func NewClient(endpoints Endpoints, timeout time.Duration, proxies *ProxyPool) *Client {
	httpClient := resty.New().SetTimeout(timeout)
	return &Client{
		http:      httpClient,
		endpoints: endpoints,
		proxies:   proxies,
	}
}

// FetchRoutes returns the route-descriptor list.
func (c *Client) FetchRoutes(ctx context.Context) ([]feed.RouteDescriptor, error) {
	body, err := c.get(ctx, c.endpoints.RoutesURL)
	if err != nil {
		return nil, err
	}

	var routes []feed.RouteDescriptor
	if err := json.Unmarshal(body, &routes); err != nil {
		return nil, fmt.Errorf("%w: route list: %v", feed.ErrMalformedFeed, err)
	}
	return routes, nil
}

// FetchKeyTable returns the candidate key/salt/IV table.
func (c *Client) FetchKeyTable(ctx context.Context) (feed.KeyMaterialTable, error) {
	body, err := c.get(ctx, c.endpoints.KeyTableURL)
	if err != nil {
		return feed.KeyMaterialTable{}, err
	}

	var table feed.KeyMaterialTable
	if err := json.Unmarshal(body, &table); err != nil {
		return feed.KeyMaterialTable{}, fmt.Errorf("%w: key table: %v", feed.ErrMalformedFeed, err)
	}
	return table, nil
}

// FetchTrainsPayload returns the opaque encrypted train payload.
func (c *Client) FetchTrainsPayload(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.endpoints.TrainsURL)
}

// FetchStationsPayload returns the opaque encrypted station payload.
func (c *Client) FetchStationsPayload(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.endpoints.StationsURL)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if c.proxies != nil {
		proxy, err := c.proxies.Next(ctx)
		if err == nil && proxy != "" {
			c.http.SetProxy(proxy)
		}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("User-Agent", c.nextUserAgent()).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransientNetwork, url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrTransientNetwork, url, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (c *Client) nextUserAgent() string {
	n := c.uaCounter.Add(1)
	return userAgents[int(n)%len(userAgents)]
}
