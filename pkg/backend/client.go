package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3

	baseDelay = 200 * time.Millisecond
	maxDelay  = 5 * time.Second

	// a single row is expected, anything bigger is an error
	maxBodySize = 1 << 20
)

var (
	ErrNotFound     = errors.New("row not found")
	ErrBodyTooLarge = errors.New("response body too large")
)

// HTTPError captures unexpected status codes and response bodies
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

type Options struct {
	// base url of the project, ex: https://xyz.example.co
	URL string
	// public api key, sent on every request in the apikey header
	APIKey string
	// bearer token. If empty the api key is used
	ServiceToken string

	Timeout    time.Duration
	MaxRetries int
}

// apiKeyRoundTripper adds the apikey header the REST gateway expects
type apiKeyRoundTripper struct {
	Wrapped http.RoundTripper
	APIKey  string
}

func (rt *apiKeyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("apikey", rt.APIKey)
	clone.Header.Set("Accept", "application/json")
	return rt.Wrapped.RoundTrip(clone)
}

// Client reads rows from the auto generated REST api of the backend
type Client struct {
	baseURL    string
	client     *http.Client
	maxRetries int

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url '%s'", opts.URL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	token := opts.ServiceToken
	if token == "" {
		token = opts.APIKey
	}

	base := &http.Client{
		Transport: &apiKeyRoundTripper{
			Wrapped: http.DefaultTransport,
			APIKey:  opts.APIKey,
		},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	client.Timeout = timeout

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		client:     client,
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) rowURL(table string, id string) string {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "*")
	q.Set("limit", "1")
	return fmt.Sprintf("%s/rest/v1/%s?%s", c.baseURL, url.PathEscape(table), q.Encode())
}

// Fetch loads the row with the given id from table and decodes it into out.
// It returns ErrNotFound if there is no such row.
func (c *Client) Fetch(ctx context.Context, table string, id string, out any) error {
	u := c.rowURL(table, id)

	body, err := c.getWithRetry(ctx, u)
	if err != nil {
		return err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("cannot decode %s rows: %w", table, err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	if err := json.Unmarshal(rows[0], out); err != nil {
		return fmt.Errorf("cannot decode %s row: %w", table, err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, u string) ([]byte, error) {
	delay := baseDelay

	var err error
	for i := 0; i <= c.maxRetries; i++ {
		var body []byte
		body, err = c.get(ctx, u)
		if err == nil {
			return body, nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.retryable() || i == c.maxRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay)))
		log.Debug().Msgf("[backend] retrying in %s: %s", delay+jitter, err)
		if sleepErr := c.sleep(ctx, delay+jitter); sleepErr != nil {
			return nil, sleepErr
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, ErrBodyTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
