package igindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Market is the detail view of a single instrument.
type Market struct {
	Instrument Instrument `json:"instrument"`
	Snapshot   Snapshot   `json:"snapshot"`
}

// Instrument describes the traded instrument behind an epic.
type Instrument struct {
	Epic     string `json:"epic"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Currency string `json:"currency,omitempty"`
}

// Snapshot is the current price snapshot of a market.
type Snapshot struct {
	Bid              *float64 `json:"bid"`
	Offer            *float64 `json:"offer"`
	NetChange        *float64 `json:"netChange"`
	PercentageChange *float64 `json:"percentageChange"`
	MarketStatus     string   `json:"marketStatus"`
	UpdateTime       string   `json:"updateTime"`
}

// MarketHit is a single search result.
type MarketHit struct {
	Epic                     string   `json:"epic"`
	InstrumentName           string   `json:"instrumentName"`
	InstrumentType           string   `json:"instrumentType"`
	Expiry                   string   `json:"expiry"`
	MarketStatus             string   `json:"marketStatus"`
	StreamingPricesAvailable bool     `json:"streamingPricesAvailable"`
	Bid                      *float64 `json:"bid"`
	Offer                    *float64 `json:"offer"`
}

// MarketByEpic retrieves the market detail for an epic.
func (c *IGAPIClient) MarketByEpic(ctx context.Context, session *Session, epic string, opts ...IGAPIClientOption) (*Market, error) {
	override := c.override(opts)

	reqURL := fmt.Sprintf("%s/markets/%s", override.baseURL, url.PathEscape(epic))
	req, err := override.authedRequest(ctx, http.MethodGet, reqURL, session, "3")
	if err != nil {
		return nil, err
	}

	res, err := override.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		break

	case http.StatusNotFound:
		return nil, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("unauthorized")

	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited")

	default:
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	var market Market
	if err := json.NewDecoder(res.Body).Decode(&market); err != nil {
		return nil, fmt.Errorf("decoding market response: %w", err)
	}
	return &market, nil
}

// SearchMarkets searches instruments by free-text term.
func (c *IGAPIClient) SearchMarkets(ctx context.Context, session *Session, term string, opts ...IGAPIClientOption) ([]MarketHit, error) {
	override := c.override(opts)

	query := url.Values{}
	query.Set("searchTerm", term)
	reqURL := fmt.Sprintf("%s/markets?%s", override.baseURL, query.Encode())
	req, err := override.authedRequest(ctx, http.MethodGet, reqURL, session, "1")
	if err != nil {
		return nil, err
	}

	res, err := override.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		break

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("unauthorized")

	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited")

	default:
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	var body struct {
		Markets []MarketHit `json:"markets"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return body.Markets, nil
}
