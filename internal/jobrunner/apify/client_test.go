package apify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mission-vault/internal/jobrunner"
	"github.com/JakeFAU/mission-vault/internal/policy/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(Config{BaseURL: srv.URL, Token: "secret", ActorID: "acme~scraper"}, srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestSubmitPostsRunInput(t *testing.T) {
	t.Parallel()

	var got jobrunner.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/acts/acme~scraper/runs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"run-1","status":"READY","defaultDatasetId":"ds-1"}}`))
	})

	job, err := client.Submit(context.Background(), jobrunner.Request{
		SearchQueries: []string{"golang"},
		MaxItems:      5,
		AddUserInfo:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, jobrunner.Job{ID: "run-1", DatasetRef: "ds-1", Status: jobrunner.StatusPending}, job)
	assert.Equal(t, []string{"golang"}, got.SearchQueries)
	assert.Equal(t, 5, got.MaxItems)
}

func TestSubmitSurfacesAPIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"invalid-token"}}`, http.StatusUnauthorized)
	})

	_, err := client.Submit(context.Background(), jobrunner.Request{MaxItems: 1})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Contains(t, statusErr.Body, "invalid-token")
}

func TestStatusMapsRemoteStates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actor-runs/run-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"id":"run-9","status":"TIMED-OUT"}}`))
	})

	status, err := client.Status(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, jobrunner.StatusTimedOut, status)
}

func TestItemsReturnsRawRecords(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/datasets/ds-1/items", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`[{"id":"a","text":"hi"},{"id":"b"}]`))
	})

	items, err := client.Items(context.Background(), "ds-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"id":"a","text":"hi"}`, string(items[0]))
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]jobrunner.Status{
		"READY":      jobrunner.StatusPending,
		"RUNNING":    jobrunner.StatusRunning,
		"TIMING-OUT": jobrunner.StatusRunning,
		"ABORTING":   jobrunner.StatusRunning,
		"SUCCEEDED":  jobrunner.StatusSucceeded,
		"FAILED":     jobrunner.StatusFailed,
		"ABORTED":    jobrunner.StatusAborted,
		"TIMED-OUT":  jobrunner.StatusTimedOut,
	}
	for raw, want := range cases {
		got, err := MapStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := MapStatus("PAUSED")
	require.Error(t, err)
}

func TestRequestsAreRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"run-1","status":"RUNNING"}}`))
	}))
	t.Cleanup(srv.Close)
	client, err := New(Config{
		BaseURL:   srv.URL,
		Token:     "secret",
		RateLimit: ratelimit.Config{RequestsPerSecond: 10, Burst: 1},
	}, srv.Client())
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		status, err := client.Status(context.Background(), "run-1")
		require.NoError(t, err)
		assert.Equal(t, jobrunner.StatusRunning, status)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
