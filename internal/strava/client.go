package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultBaseURL is the production Strava API root.
const DefaultBaseURL = "https://www.strava.com/api/v3"

// RemoteError reports a non-2xx response from the remote platform.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("strava: remote error %d: %s", e.Status, e.Body)
}

// IsRemoteStatus reports whether err is a RemoteError with the given status.
func IsRemoteStatus(err error, status int) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Status == status
}

// ClientConfig bundles construction parameters for the API client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client performs authenticated calls against the remote activity API.
// All status-code interpretation lives here so callers can treat "no
// streams yet" as expected and any other non-2xx as exceptional.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    NewRateLimiter(),
	}
}

// ListActivities fetches one page of activity summaries, newest first.
// An empty slice signals the page is beyond the end of the athlete's history.
func (c *Client) ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]ActivitySummary, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))

	body, err := c.get(ctx, accessToken, "/athlete/activities", params)
	if err != nil {
		return nil, err
	}

	var rawItems []json.RawMessage
	if err := json.Unmarshal(body, &rawItems); err != nil {
		return nil, fmt.Errorf("strava: decoding activity list: %w", err)
	}

	summaries := make([]ActivitySummary, 0, len(rawItems))
	for _, raw := range rawItems {
		var summary ActivitySummary
		if err := json.Unmarshal(raw, &summary); err != nil {
			return nil, fmt.Errorf("strava: decoding activity summary: %w", err)
		}
		summary.Raw = raw
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// GetActivityDetail fetches the full record for a single activity.
func (c *Client) GetActivityDetail(ctx context.Context, accessToken, activityID string) (ActivityDetail, error) {
	params := url.Values{}
	params.Set("include_all_efforts", "true")

	body, err := c.get(ctx, accessToken, "/activities/"+url.PathEscape(activityID), params)
	if err != nil {
		return ActivityDetail{}, err
	}

	var detail ActivityDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return ActivityDetail{}, fmt.Errorf("strava: decoding activity detail: %w", err)
	}
	detail.Raw = body
	return detail, nil
}

// GetActivityStreams fetches the time-series channels for an activity.
// A 404 means the activity lacks recorded streams (or they are not yet
// processed) and yields (nil, nil) rather than an error.
func (c *Client) GetActivityStreams(ctx context.Context, accessToken, activityID string) (*StreamSet, error) {
	params := url.Values{}
	params.Set("keys", StreamKeys)
	params.Set("key_by_type", "true")

	body, err := c.get(ctx, accessToken, "/activities/"+url.PathEscape(activityID)+"/streams", params)
	if IsRemoteStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var streams StreamSet
	if err := json.Unmarshal(body, &streams); err != nil {
		return nil, fmt.Errorf("strava: decoding streams: %w", err)
	}
	return &streams, nil
}

// RateLimitStatus exposes remaining request budget as last reported by the
// remote platform's response headers.
func (c *Client) RateLimitStatus() (shortRemaining, dailyRemaining int) {
	return c.limiter.Remaining()
}

func (c *Client) get(ctx context.Context, accessToken, path string, params url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.limiter.UpdateFromHeaders(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
