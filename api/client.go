// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api is the client side of the storefeed api server: a JSON
// read client for polling consumers and a websocket feed connection
// for live subscribers.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/httprequest.v1"

	"github.com/storefeed/storefeed/catalog"
	"github.com/storefeed/storefeed/params"
)

var logger = loggo.GetLogger("storefeed.api")

// Transport defines a type for making the actual request.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

const defaultRequestTimeout = 30 * time.Second

// ClientConfig holds the configuration for a read API client.
type ClientConfig struct {
	// BaseURL locates the api server, e.g. "http://10.0.0.1:17700".
	BaseURL string

	// Transport overrides the http client used for requests.
	Transport Transport
}

// Validate returns an error if the config cannot be used.
func (c ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.NotValidf("missing BaseURL")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.Annotate(err, "base URL is not valid")
	}
	return nil
}

// Client reads the catalog over the api server's JSON endpoints.
type Client struct {
	baseURL   string
	transport Transport
}

// NewClient returns a read API client for the given server.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new client invalid config")
	}
	transport := config.Transport
	if transport == nil {
		transport = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL:   strings.TrimSuffix(config.BaseURL, "/"),
		transport: transport,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return 0, errors.Annotate(err, "cannot make request")
	}
	req.Header.Set("Accept", params.ContentTypeJSON)
	resp, err := c.transport.Do(req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()
	// The envelope carries success or failure itself, so decode the
	// body whatever the status code.
	if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
		return resp.StatusCode, errors.Annotatef(err, "reading %s response", path)
	}
	return resp.StatusCode, nil
}

// Products fetches the full product catalog. A refusal by the server
// comes back as an error; callers polling on a cadence should treat it
// as a skipped cycle.
func (c *Client) Products(ctx context.Context) ([]catalog.Product, error) {
	var result params.ProductsResponse
	if _, err := c.get(ctx, "/products", &result); err != nil {
		return nil, errors.Trace(err)
	}
	if !result.Success {
		return nil, errors.Errorf("server refused product listing: %s", result.Error)
	}
	return result.Data, nil
}

// Product fetches a single product by id.
func (c *Client) Product(ctx context.Context, id string) (*catalog.Product, error) {
	var result params.ProductResponse
	status, err := c.get(ctx, "/products/"+url.PathEscape(id), &result)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if status == http.StatusNotFound {
		return nil, errors.NotFoundf("product %q", id)
	}
	if !result.Success {
		return nil, errors.Errorf("server refused product fetch: %s", result.Error)
	}
	return result.Data, nil
}

// Tickets fetches all support tickets.
func (c *Client) Tickets(ctx context.Context) ([]catalog.Ticket, error) {
	var result params.TicketsResponse
	if _, err := c.get(ctx, "/tickets", &result); err != nil {
		return nil, errors.Trace(err)
	}
	if !result.Success {
		return nil, errors.Errorf("server refused ticket listing: %s", result.Error)
	}
	return result.Data, nil
}
