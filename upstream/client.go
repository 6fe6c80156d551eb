package upstream

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

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/normalizer"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	maxPages         = 10000
	maxResponseBytes = 64 << 20
	breakerFailures  = 5
	breakerOpenFor   = 30 * time.Second
)

// Client reads the extract API. Every request waits on the rate limiter and runs through
// the circuit breaker; transient failures are retried with exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	backoff    time.Duration
	paths      map[string]string
}

func NewClient(s config.UpstreamSettings) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("upstream base url is empty")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("upstream api key is empty")
	}
	header := strings.TrimSpace(s.APIKeyHeader)
	if header == "" {
		header = "X-API-Key"
	}
	perMin := s.RateLimitPerMin
	if perMin <= 0 {
		perMin = 120
	}
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	log := config.GetLogger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "upstream",
		Timeout: breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    baseURL,
		apiKey:     s.APIKey,
		apiKeyHdr:  header,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
		breaker:    breaker,
		maxRetries: s.MaxRetries,
		backoff:    500 * time.Millisecond,
		paths: map[string]string{
			FeedEmployees: s.EmployeesPath,
			FeedProjects:  s.ProjectsPath,
			FeedHierarchy: s.HierarchyPath,
			FeedHours:     s.HoursPath,
		},
	}, nil
}

func (c *Client) Name() string { return config.SourceHTTP }

func (c *Client) Employees(ctx context.Context) ([]normalizer.Record, error) {
	return c.feed(ctx, FeedEmployees, nil)
}

func (c *Client) Projects(ctx context.Context) ([]normalizer.Record, error) {
	return c.feed(ctx, FeedProjects, nil)
}

func (c *Client) Hierarchy(ctx context.Context) ([]normalizer.Record, error) {
	if strings.TrimSpace(c.paths[FeedHierarchy]) == "" {
		return nil, nil
	}
	return c.feed(ctx, FeedHierarchy, nil)
}

func (c *Client) Hours(ctx context.Context, w Window) ([]normalizer.Record, error) {
	params := url.Values{}
	params.Set("from", w.From.Format("2006-01-02"))
	params.Set("to", w.To.Format("2006-01-02"))
	return c.feed(ctx, FeedHours, params)
}

type listResponse struct {
	Data       []normalizer.Record `json:"data"`
	Items      []normalizer.Record `json:"items"`
	Records    []normalizer.Record `json:"records"`
	NextCursor string              `json:"next_cursor"`
	HasMore    *bool               `json:"has_more"`
}

func (r listResponse) rows() []normalizer.Record {
	switch {
	case len(r.Data) > 0:
		return r.Data
	case len(r.Items) > 0:
		return r.Items
	}
	return r.Records
}

// feed follows next_cursor until the upstream reports no more pages.
func (c *Client) feed(ctx context.Context, feed string, params url.Values) ([]normalizer.Record, error) {
	path := c.paths[feed]
	if params == nil {
		params = url.Values{}
	}
	var out []normalizer.Record
	cursor := ""
	for page := 0; page < maxPages; page++ {
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.getList(ctx, path, params)
		if err != nil {
			return out, err
		}
		out = append(out, resp.rows()...)
		if resp.NextCursor == "" || resp.NextCursor == cursor || (resp.HasMore != nil && !*resp.HasMore) {
			return out, nil
		}
		cursor = resp.NextCursor
	}
	return out, utils.SyncErrorf(utils.ErrorKindUpstreamFetch, feed, "pagination did not finish after %d pages", maxPages)
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream api error %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (c *Client) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var body []byte
	var err error
	for attempt := 0; ; attempt++ {
		body, err = c.fetch(ctx, endpoint)
		if err == nil {
			break
		}
		var se *statusError
		transient := !errors.As(err, &se) || se.retryable()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			transient = false
		}
		if !transient || attempt >= c.maxRetries {
			return listResponse{}, utils.NewSyncError(utils.ErrorKindUpstreamFetch, path, params.Encode(), err)
		}
		if werr := sleepCtx(ctx, c.backoff<<attempt); werr != nil {
			return listResponse{}, utils.NewSyncError(utils.ErrorKindUpstreamFetch, path, params.Encode(), werr)
		}
	}

	parsed, err := decodeList(body)
	if err != nil {
		return listResponse{}, utils.NewSyncError(utils.ErrorKindParse, path, params.Encode(), err)
	}
	return parsed, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// decodeList accepts a paged envelope or a bare array. Numbers stay json.Number so ids and
// amounts are not rounded through float64.
func decodeList(body []byte) (listResponse, error) {
	trimmed := bytes.TrimSpace(body)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []normalizer.Record
		if err := dec.Decode(&rows); err != nil {
			return listResponse{}, err
		}
		return listResponse{Data: rows}, nil
	}
	var parsed listResponse
	if err := dec.Decode(&parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
