// Package apify implements jobrunner.Runner against the Apify actor API.
package apify

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

	"github.com/JakeFAU/mission-vault/internal/jobrunner"
	"github.com/JakeFAU/mission-vault/internal/policy/ratelimit"
)

// DefaultBaseURL is the public Apify API root.
const DefaultBaseURL = "https://api.apify.com/v2"

// DefaultActorID is the scraper actor used when none is configured.
const DefaultActorID = "apify~twitter-scraper-v2"

// maxErrorBody bounds how much of an error response is echoed back.
const maxErrorBody = 2048

// Config captures the parameters required to talk to Apify.
type Config struct {
	BaseURL   string
	Token     string
	ActorID   string
	Timeout   time.Duration
	// RateLimit throttles requests to the API host. The zero value is unlimited.
	RateLimit ratelimit.Config
}

// Client is an HTTP client for actor runs and datasets.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	actorID string
	limiter *ratelimit.Limiter
}

// New creates an Apify client. A nil httpClient gets a default with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("apify token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	actor := cfg.ActorID
	if actor == "" {
		actor = DefaultActorID
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:    httpClient,
		baseURL: base,
		token:   cfg.Token,
		actorID: actor,
		limiter: ratelimit.New(cfg.RateLimit),
	}, nil
}

type runEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

// Submit starts an actor run with req as its input.
func (c *Client) Submit(ctx context.Context, req jobrunner.Request) (jobrunner.Job, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jobrunner.Job{}, fmt.Errorf("marshal run input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/acts/%s/runs", c.baseURL, url.PathEscape(c.actorID))
	var env runEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body), &env); err != nil {
		return jobrunner.Job{}, fmt.Errorf("start run: %w", err)
	}
	if env.Data.ID == "" {
		return jobrunner.Job{}, errors.New("start run: response missing run id")
	}
	status, err := MapStatus(env.Data.Status)
	if err != nil {
		status = jobrunner.StatusPending
	}
	return jobrunner.Job{
		ID:         env.Data.ID,
		DatasetRef: env.Data.DefaultDatasetID,
		Status:     status,
	}, nil
}

// Status fetches the current state of a run.
func (c *Client) Status(ctx context.Context, jobID string) (jobrunner.Status, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s", c.baseURL, url.PathEscape(jobID))
	var env runEnvelope
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &env); err != nil {
		return "", fmt.Errorf("get run %s: %w", jobID, err)
	}
	return MapStatus(env.Data.Status)
}

// Items returns every record in the dataset in one request.
func (c *Client) Items(ctx context.Context, datasetRef string) ([]json.RawMessage, error) {
	if datasetRef == "" {
		return nil, errors.New("dataset reference is required")
	}
	endpoint := fmt.Sprintf("%s/datasets/%s/items?format=json&clean=true", c.baseURL, url.PathEscape(datasetRef))
	var items []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", datasetRef, err)
	}
	return items, nil
}

// MapStatus converts an Apify run status into a jobrunner.Status.
func MapStatus(raw string) (jobrunner.Status, error) {
	switch strings.ToUpper(raw) {
	case "READY":
		return jobrunner.StatusPending, nil
	case "RUNNING", "TIMING-OUT", "ABORTING":
		return jobrunner.StatusRunning, nil
	case "SUCCEEDED":
		return jobrunner.StatusSucceeded, nil
	case "FAILED":
		return jobrunner.StatusFailed, nil
	case "ABORTED":
		return jobrunner.StatusAborted, nil
	case "TIMED-OUT", "TIMED_OUT":
		return jobrunner.StatusTimedOut, nil
	default:
		return "", fmt.Errorf("unknown run status %q", raw)
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("apify responded %d", e.Code)
	}
	return fmt.Sprintf("apify responded %d: %s", e.Code, e.Body)
}
