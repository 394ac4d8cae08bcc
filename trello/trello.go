// Package trello fetches boards and card changes from the Trello REST API.
package trello

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"trello-slack-hooks/pkg/notifier"
)

// DefaultBaseURL is the Trello REST API root.
const DefaultBaseURL = "https://api.trello.com/1"

// Trello allows 100 requests per 10 seconds per token.
const requestsPerSecond = 10

const (
	maxAttempts    = 4
	defaultBackoff = time.Second
	maxBackoff     = time.Minute
)

// ErrNotFound is returned when Trello answers 404.
var ErrNotFound = errors.New("trello: not found")

// RateLimitError indicates Trello asked the client to slow down: a 429, or a
// 5xx carrying Retry-After.
type RateLimitError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.URL, e.RetryAfter)
}

// IsRateLimitError checks if an error asks for a back-off.
func IsRateLimitError(err error) bool {
	var limited *RateLimitError
	return errors.As(err, &limited)
}

// Client talks to the Trello API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	baseURL string
	apiKey  string
	token   string
	backoff time.Duration // base delay when Trello sends no Retry-After
}

// New creates a new Trello client.
func New(client *http.Client, baseURL, apiKey, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		backoff: defaultBackoff,
	}
}

type boardStar struct {
	ID      string `json:"id"`
	IDBoard string `json:"idBoard"`
}

type boardJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type organizationJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type memberJSON struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

// StarredBoards returns every board starred by the token's member. A star whose
// board cannot be loaded is skipped; the call fails only when the star list
// itself, or every starred board, cannot be read.
func (c *Client) StarredBoards(ctx context.Context) ([]notifier.Board, error) {
	var stars []boardStar
	if err := c.get(ctx, "/members/me/boardStars", nil, &stars); err != nil {
		return nil, fmt.Errorf("list board stars: %w", err)
	}

	boards := make([]notifier.Board, 0, len(stars))
	var lastErr error
	for _, star := range stars {
		var b boardJSON
		q := url.Values{"fields": {"name,url"}}
		if err := c.get(ctx, "/boards/"+url.PathEscape(star.IDBoard), q, &b); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("Skipping starred board", "board_id", star.IDBoard, "error", err)
			lastErr = fmt.Errorf("fetch board %s: %w", star.IDBoard, err)
			continue
		}
		boards = append(boards, notifier.Board{ID: b.ID, Name: b.Name, URL: b.URL})
	}
	if len(boards) == 0 && lastErr != nil {
		return nil, lastErr
	}

	c.logger.Info("Starred boards fetched", "count", len(boards), "skipped", len(stars)-len(boards))
	return boards, nil
}

// Members returns the members of every organization the token's member belongs to,
// deduplicated by member ID.
func (c *Client) Members(ctx context.Context) ([]notifier.Member, error) {
	var orgs []organizationJSON
	if err := c.get(ctx, "/members/me/organizations", url.Values{"fields": {"displayName"}}, &orgs); err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}

	seen := make(map[string]bool)
	var members []notifier.Member
	for _, org := range orgs {
		var ms []memberJSON
		if err := c.get(ctx, "/organizations/"+url.PathEscape(org.ID)+"/members", url.Values{"fields": {"fullName"}}, &ms); err != nil {
			return nil, fmt.Errorf("list members of %s: %w", org.DisplayName, err)
		}
		for _, m := range ms {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			members = append(members, notifier.Member{ID: m.ID, FullName: m.FullName})
		}
	}
	return members, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("key", c.apiKey)
	q.Set("token", c.token)
	reqURL := c.baseURL + path + "?" + q.Encode()
	logURL := c.baseURL + path

	var notFound bool
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("Trello API request failed", "url", logURL, "duration_ms", duration.Milliseconds(), "error", err)
				return retry.Unrecoverable(err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("Trello API request completed",
				"url", logURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusTooManyRequests,
				resp.StatusCode >= 500 && resp.Header.Get("Retry-After") != "":
				return &RateLimitError{URL: logURL, StatusCode: resp.StatusCode, RetryAfter: retryAfter(resp.Header)}
			case resp.StatusCode == http.StatusNotFound:
				notFound = true
				return retry.Unrecoverable(ErrNotFound)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, logURL))
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(maxAttempts),
		retry.Delay(c.backoff),
		retry.MaxDelay(maxBackoff),
		retry.MaxJitter(c.backoff),
		retry.DelayType(backoffDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Trello asked to back off", "attempt", n, "url", logURL, "error", err)
		}),
		retry.RetryIf(IsRateLimitError),
	)
	if notFound {
		return ErrNotFound
	}
	return err
}

// backoffDelay waits as long as Retry-After asks, falling back to jittered
// exponential backoff when the header is absent.
func backoffDelay(n uint, err error, config *retry.Config) time.Duration {
	var limited *RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter
	}
	return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
}

// retryAfter parses the Retry-After header in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
