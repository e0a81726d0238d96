package igindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Session holds the security tokens returned by the session endpoint. Both
// tokens must accompany every authenticated request.
type Session struct {
	CST           string
	SecurityToken string
	AccountID     string
	Currency      string
	LightstreamerEndpoint string
}

// CreateSession authenticates against the IG gateway and returns the session
// tokens captured from the response headers.
func (c *IGAPIClient) CreateSession(ctx context.Context, username, password string, opts ...IGAPIClientOption) (*Session, error) {
	override := c.override(opts)

	payload, err := json.Marshal(map[string]string{
		"identifier": username,
		"password":   password,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding credentials: %w", err)
	}

	url := fmt.Sprintf("%s/session", override.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = override.header.Clone()
	req.Header.Set("Version", "2")

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
		CurrentAccountID      string `json:"currentAccountId"`
		CurrencyIsoCode       string `json:"currencyIsoCode"`
		LightstreamerEndpoint string `json:"lightstreamerEndpoint"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}

	session := &Session{
		CST:           res.Header.Get("CST"),
		SecurityToken: res.Header.Get("X-SECURITY-TOKEN"),
		AccountID:     body.CurrentAccountID,
		Currency:      body.CurrencyIsoCode,
		LightstreamerEndpoint: body.LightstreamerEndpoint,
	}
	if session.CST == "" || session.SecurityToken == "" {
		return nil, fmt.Errorf("session response missing security tokens")
	}
	return session, nil
}

// DeleteSession logs the session out. A missing session is a no-op.
func (c *IGAPIClient) DeleteSession(ctx context.Context, session *Session, opts ...IGAPIClientOption) error {
	if session == nil {
		return nil
	}
	override := c.override(opts)

	url := fmt.Sprintf("%s/session", override.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = override.header.Clone()
	req.Header.Set("Version", "1")
	req.Header.Set("CST", session.CST)
	req.Header.Set("X-SECURITY-TOKEN", session.SecurityToken)

	res, err := override.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	return nil
}

func (c *IGAPIClient) override(opts []IGAPIClientOption) *IGAPIClient {
	override := &IGAPIClient{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		header:     c.header.Clone(),
		query:      c.query,
	}
	for _, opt := range opts {
		opt(override)
	}
	return override
}

func (c *IGAPIClient) authedRequest(ctx context.Context, method, url string, session *Session, version string) (*http.Request, error) {
	if session == nil {
		return nil, fmt.Errorf("no active session")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Version", version)
	req.Header.Set("CST", session.CST)
	req.Header.Set("X-SECURITY-TOKEN", session.SecurityToken)
	return req, nil
}
