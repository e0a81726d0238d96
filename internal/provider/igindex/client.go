package igindex

import (
	"net/http"
	"net/url"
)

const defaultBaseURL = "https://api.ig.com/gateway/deal"

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=igindex_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// IGAPIClient is a client for the IG trading REST API.
type IGAPIClient struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient is the HTTP httpClient.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
	// query contains additional query parameters to be sent with each request.
	query url.Values
}

// IGAPIClientOption is a configuration option for the IG API client.
type IGAPIClientOption func(*IGAPIClient)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) IGAPIClientOption {
	return func(c *IGAPIClient) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) IGAPIClientOption {
	return func(c *IGAPIClient) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) IGAPIClientOption {
	return func(c *IGAPIClient) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// NewIGAPIClient creates a new IG API client.
func NewIGAPIClient(apiKey string, options ...IGAPIClientOption) (*IGAPIClient, error) {
	var igAPIClient = &IGAPIClient{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		header:     http.Header{},
		query:      url.Values{},
	}
	if apiKey != "" {
		// Every request carries the application key.
		// https://labs.ig.com/rest-trading-api-reference
		igAPIClient.header.Set("X-IG-API-KEY", apiKey)
	}
	igAPIClient.header.Set("Content-Type", "application/json; charset=UTF-8")
	igAPIClient.header.Set("Accept", "application/json; charset=UTF-8")
	for _, option := range options {
		option(igAPIClient)
	}
	return igAPIClient, nil
}
