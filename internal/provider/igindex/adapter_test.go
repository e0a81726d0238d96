package igindex_test

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"marketdata/internal/provider"
	igindex "marketdata/internal/provider/igindex"
)

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func sessionResponse(cst string) *http.Response {
	res := jsonResponse(http.StatusOK, `{"currentAccountId":"ABC123","currencyIsoCode":"USD"}`)
	res.Header.Set("CST", cst)
	res.Header.Set("X-SECURITY-TOKEN", "xst-token")
	return res
}

const eurusdMarket = `{
	"instrument": {"epic": "CS.D.EURUSD.TODAY.IP", "name": "EUR/USD", "type": "CURRENCIES"},
	"snapshot": {"bid": 108500, "offer": 108520, "netChange": 120, "percentageChange": 0.11, "marketStatus": "TRADEABLE"}
}`

func newTestAdapter(t *testing.T, httpClient igindex.HTTPClient, cfg igindex.Config) *igindex.Adapter {
	t.Helper()
	client, err := igindex.NewIGAPIClient(cfg.APIKey, igindex.WithHTTPClient(httpClient))
	require.NoError(t, err)
	return igindex.New(cfg, client, nil)
}

func TestAdapterGetPrice_ReauthenticatesOnRejectedSession(t *testing.T) {
	t.Parallel()

	// Arrange: a gateway whose first market request rejects the session
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	var sessions, logouts, markets atomic.Int64
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			switch {
			case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/session"):
				return sessionResponse(fmt.Sprintf("cst-%d", sessions.Add(1))), nil

			case req.Method == http.MethodDelete && strings.HasSuffix(req.URL.Path, "/session"):
				logouts.Add(1)
				return jsonResponse(http.StatusOK, "{}"), nil

			case req.Method == http.MethodGet && strings.Contains(req.URL.Path, "/markets/"):
				if markets.Add(1) == 1 {
					return jsonResponse(http.StatusUnauthorized, "{}"), nil
				}
				// The retry must carry the fresh session tokens.
				require.Equal(t, "cst-2", req.Header.Get("CST"))
				return jsonResponse(http.StatusOK, eurusdMarket), nil
			}
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}).
		AnyTimes()

	adapter := newTestAdapter(t, httpClient, igindex.Config{
		APIKey:   "test-key",
		Username: "demo-user",
		Password: "demo-pass",
	})

	// Act: fetch a statically mapped symbol
	rec, err := adapter.GetPrice(t.Context(), "EURUSD=X")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Assert: normalized price from the second, authenticated attempt
	require.Equal(t, "10.85", rec.Price.String())
	require.Equal(t, "0.012", rec.ChangeAbs.String())
	require.InDelta(t, 0.11, rec.ChangePct, 1e-9)
	require.EqualValues(t, 2, sessions.Load())
	require.EqualValues(t, 1, logouts.Load())
}

func TestAdapterGetPrice_SingleSessionAcrossConcurrentCalls(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	var sessions atomic.Int64
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			switch {
			case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/session"):
				return sessionResponse(fmt.Sprintf("cst-%d", sessions.Add(1))), nil

			case req.Method == http.MethodGet && strings.Contains(req.URL.Path, "/markets/"):
				return jsonResponse(http.StatusOK, eurusdMarket), nil
			}
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}).
		AnyTimes()

	adapter := newTestAdapter(t, httpClient, igindex.Config{
		APIKey:   "test-key",
		Username: "demo-user",
		Password: "demo-pass",
	})

	// Act: hammer the adapter from concurrent goroutines
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := adapter.GetPrice(t.Context(), "EURUSD=X")
			require.NoError(t, err)
			require.NotNil(t, rec)
		}()
	}
	wg.Wait()

	// Assert: every call shares the one session
	require.EqualValues(t, 1, sessions.Load())
}

func TestAdapterGetBulkPrices_PacesBatches(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			switch {
			case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/session"):
				return sessionResponse("cst-1"), nil

			case req.Method == http.MethodGet && strings.Contains(req.URL.Path, "/markets/"):
				return jsonResponse(http.StatusOK, eurusdMarket), nil
			}
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}).
		AnyTimes()

	pause := 40 * time.Millisecond
	adapter := newTestAdapter(t, httpClient, igindex.Config{
		APIKey:        "test-key",
		Username:      "demo-user",
		Password:      "demo-pass",
		BulkBatchSize: 2,
		BulkPause:     pause,
	})

	// Assert: the adapter advertises its paced bulk endpoint
	var bulk provider.BulkCapable = adapter
	require.True(t, bulk.SupportsBulk())

	// Act: five symbols with a batch size of two cross two batch boundaries
	start := time.Now()
	recs, err := adapter.GetBulkPrices(t.Context(), []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD"})
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		require.NotNilf(t, rec, "position %d", i)
	}
	require.GreaterOrEqual(t, elapsed, 2*pause, "batch pauses were skipped")
}

func TestAdapterInitialize_MissingCredentials(t *testing.T) {
	t.Parallel()

	// No expectations: the adapter must not touch the network without
	// credentials.
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	adapter := newTestAdapter(t, httpClient, igindex.Config{APIKey: "test-key"})

	require.False(t, adapter.Initialize(t.Context()))
	_, err := adapter.GetPrice(t.Context(), "EURUSD=X")
	require.Error(t, err)
}
