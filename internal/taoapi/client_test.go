package taoapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetlab/taometrics/internal/errors"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		RequestsPerMinute: 60000,
		MaxRetries:        2,
		InitialRetryDelay: 0.001,
		MaxRetryDelay:     0.01,
		RequestTimeout:    5,
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(testConfig(baseURL), clockwork.NewRealClock())
	require.NoError(t, err)
	return client
}

func TestClientRequiresAPIKey(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.APIKey = ""

	_, err := NewClient(cfg, nil)
	require.Error(t, err)
	assert.Equal(t, ErrMissingAPIKey, errors.CodeOf(err))
}

func TestClientSendsAPIKeyHeader(t *testing.T) {
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SubnetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey.Load())
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"netuid": 1}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	records, err := client.SubnetInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Netuid)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SubnetInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrRequestFailed, errors.CodeOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientExhaustionReturnsUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SubnetInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrUpstreamUnavailable, errors.CodeOf(err))

	var domainErr errors.Error
	require.True(t, errors.As(err, &domainErr))
	data, ok := domainErr.GetData().(StatusData)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, data.Status)

	// MaxRetries retries after the initial attempt
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubnetListRejectsItemsWithoutNetuid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name": "orphan"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.SubnetInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrDecodeFailed, errors.CodeOf(err))
}

func TestAlphaAPYAveragesValidators(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("netuid"))
		w.Write([]byte(`{"data": [
			{"hotkey": "a", "alpha_apy": 12.5, "vtrust": 0.9},
			{"hotkey": "b", "alpha_apy": 7.5},
			{"hotkey": "c", "alpha_apy": null}
		]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	snapshot, err := client.AlphaAPY(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, snapshot.AverageAPY)
	assert.InDelta(t, 10.0, *snapshot.AverageAPY, 1e-9)
	assert.Len(t, snapshot.Validators, 3)
	assert.Nil(t, snapshot.Validators[2].AlphaAPY)
}

func TestAlphaAPYNoValidValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	snapshot, err := client.AlphaAPY(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, snapshot.AverageAPY)
	assert.Empty(t, snapshot.Validators)
}

func TestAlphaAPYMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.AlphaAPY(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, ErrDecodeFailed, errors.CodeOf(err))
}
