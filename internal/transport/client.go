package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"activity-mirror/internal/models"
)

// Client is the rate-limited REST client to the external Git hosts. One
// instance is shared across all servers; each server gets its own token
// bucket so a slow or throttling host never starves the others.
type Client struct {
	http *http.Client
	log  *slog.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	perServerRate  rate.Limit
	perServerBurst int
}

// New creates a client with connection pooling and per-request timeouts
// tuned for bursty API traffic.
func New(log *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		log:            log,
		limiters:       make(map[int64]*rate.Limiter),
		perServerRate:  rate.Limit(8),
		perServerBurst: 16,
	}
}

func (c *Client) limiter(serverID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[serverID]
	if !ok {
		lim = rate.NewLimiter(c.perServerRate, c.perServerBurst)
		c.limiters[serverID] = lim
	}
	return lim
}

// retryableError marks failures worth retrying (network errors, 429, 5xx).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// StatusError is a non-2xx response that is not transient.
type StatusError struct {
	Status int
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d on %s: %s", e.Status, e.Path, e.Body)
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return asStatus(err, &se) && se.Status == http.StatusNotFound
}

func asStatus(err error, target **StatusError) bool {
	for err != nil {
		if se, ok := err.(*StatusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Fetch GETs one object.
func (c *Client) Fetch(ctx context.Context, server *models.Server, path string, query url.Values) (map[string]any, error) {
	var out map[string]any
	_, err := c.do(ctx, server, http.MethodGet, path, query, nil, 0, &out)
	return out, err
}

// FetchAll GETs a paginated list to completion and returns every item.
func (c *Client) FetchAll(ctx context.Context, server *models.Server, path string, query url.Values) ([]map[string]any, error) {
	var all []map[string]any
	err := c.FetchEach(ctx, server, path, query, func(item map[string]any, _, _ int) error {
		all = append(all, item)
		return nil
	})
	return all, err
}

// FetchEach GETs a paginated list and calls fn once per item, in order.
// total is the server-reported item count, or -1 when the host elides it on
// large collections. fn returning an error stops the walk.
func (c *Client) FetchEach(ctx context.Context, server *models.Server, path string, query url.Values, fn func(item map[string]any, index, total int) error) error {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	if q.Get("per_page") == "" {
		q.Set("per_page", "100")
	}

	index := 0
	page := 1
	for {
		q.Set("page", strconv.Itoa(page))
		var items []map[string]any
		header, err := c.do(ctx, server, http.MethodGet, path, q, nil, 0, &items)
		if err != nil {
			return err
		}
		total := -1
		if t := header.Get("X-Total"); t != "" {
			if n, err := strconv.Atoi(t); err == nil {
				total = n
			}
		}
		for _, item := range items {
			if err := fn(item, index, total); err != nil {
				return err
			}
			index++
		}
		next := header.Get("X-Next-Page")
		if next == "" || len(items) == 0 {
			return nil
		}
		n, err := strconv.Atoi(next)
		if err != nil || n <= page {
			return nil
		}
		page = n
	}
}

// Post creates an object, acting as the given external user.
func (c *Client) Post(ctx context.Context, server *models.Server, path string, body map[string]any, asUserID int64) (map[string]any, error) {
	var out map[string]any
	_, err := c.do(ctx, server, http.MethodPost, path, nil, body, asUserID, &out)
	return out, err
}

// Put updates an object, acting as the given external user.
func (c *Client) Put(ctx context.Context, server *models.Server, path string, body map[string]any, asUserID int64) (map[string]any, error) {
	var out map[string]any
	_, err := c.do(ctx, server, http.MethodPut, path, nil, body, asUserID, &out)
	return out, err
}

// do performs one API call with rate limiting and bounded exponential
// backoff on transient failures. The decoded body lands in out; response
// headers are returned for pagination.
func (c *Client) do(ctx context.Context, server *models.Server, method, path string, query url.Values, body map[string]any, asUserID int64, out any) (http.Header, error) {
	endpoint, err := c.buildURL(server, path, query)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	lim := c.limiter(server.ID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute

	var header http.Header
	operation := func() error {
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("PRIVATE-TOKEN", server.APIToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if asUserID > 0 {
			req.Header.Set("Sudo", strconv.FormatInt(asUserID, 10))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &retryableError{err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return &retryableError{err: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.log.Warn("api_retry",
				"server_id", server.ID,
				"path", path,
				"status", resp.StatusCode,
				"retry_after", retryAfter)
			if retryAfter > 0 {
				// Honor the server's pacing before backoff takes over.
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return &retryableError{err: fmt.Errorf("api status %d on %s", resp.StatusCode, path)}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&StatusError{
				Status: resp.StatusCode,
				Path:   path,
				Body:   excerpt(data),
			})
		}

		header = resp.Header
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return header, nil
}

func (c *Client) buildURL(server *models.Server, path string, query url.Values) (string, error) {
	base, err := url.Parse(server.APIURL)
	if err != nil {
		return "", fmt.Errorf("server %d api url: %w", server.ID, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("bad api path %q: %w", path, err)
	}
	u := base.JoinPath(ref.Path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func excerpt(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
