package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nyct-live/tracker/internal/model"
)

// maxFailureBody caps how much of a failed response body is kept for diagnostics
const maxFailureBody = 4096

// Client fetches raw partition payloads from the upstream feed service
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// RetryMaxElapsed bounds retries of transient failures, 0 disables retrying
	RetryMaxElapsed time.Duration
}

// NewClient creates a feed client. baseURL is the feed endpoint without query parameters.
func NewClient(baseURL, apiKey string, retryMaxElapsed time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		RetryMaxElapsed: retryMaxElapsed,
	}
}

// Fetch returns the body of one partition. Failures are KindTransport faults wrapping a *model.FetchFailure.
func (c *Client) Fetch(ctx context.Context, p Partition) ([]byte, error) {
	start := time.Now()

	op := func() ([]byte, error) {
		body, failure := c.fetchOnce(ctx, p)
		if failure == nil {
			return body, nil
		}
		failure.Elapsed = time.Since(start)
		if !retryable(failure) {
			return nil, backoff.Permanent(failure)
		}
		return nil, failure
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.RetryMaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = c.RetryMaxElapsed
		b = eb
	}

	body, err := backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Printf("Poller: %s fetch failed, retrying in %v: %v", p.Label, d, err)
	})
	if err != nil {
		return nil, model.NewFault(model.KindTransport, p.Label, err)
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, p Partition) ([]byte, *model.FetchFailure) {
	failure := &model.FetchFailure{
		Partition: p.Label,
		FeedID:    p.FeedID,
		URL:       c.requestURL(p, false),
		At:        time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.requestURL(p, true), nil)
	if err != nil {
		failure.Reason = fmt.Sprintf("failed to create request: %v", err)
		return nil, failure
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		failure.Reason = fmt.Sprintf("failed to fetch feed: %v", err)
		return nil, failure
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		content, _ := io.ReadAll(io.LimitReader(resp.Body, maxFailureBody))
		failure.StatusCode = resp.StatusCode
		failure.Reason = resp.Status
		failure.Content = string(content)
		failure.Headers = make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			failure.Headers[k] = resp.Header.Get(k)
		}
		return nil, failure
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		failure.Reason = fmt.Sprintf("failed to read response: %v", err)
		return nil, failure
	}
	return body, nil
}

func (c *Client) requestURL(p Partition, withKey bool) string {
	q := url.Values{}
	if withKey {
		q.Set("key", c.apiKey)
	} else {
		q.Set("key", "REDACTED")
	}
	q.Set("feed_id", strconv.Itoa(p.FeedID))
	return c.baseURL + "?" + q.Encode()
}

// retryable reports whether a failure may succeed on a second attempt. Client errors are final.
func retryable(f *model.FetchFailure) bool {
	if f.StatusCode == 0 {
		return true
	}
	return f.StatusCode >= 500 || f.StatusCode == http.StatusTooManyRequests
}

// AsFetchFailure extracts the failure details from a Fetch error
func AsFetchFailure(err error) (*model.FetchFailure, bool) {
	var f *model.FetchFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
