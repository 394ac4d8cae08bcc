package message

import (
	"bytes"
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

// DefaultSlackURL is the Slack Web API root.
const DefaultSlackURL = "https://slack.com/api"

// rateLimitError marks a 429 from Slack; it is the only retried failure.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("slack: rate limited, retry after %v", e.retryAfter)
}

func isRateLimited(err error) bool {
	var limited *rateLimitError
	return errors.As(err, &limited)
}

// slackDelay follows Slack's Retry-After, or backs off exponentially without it.
func slackDelay(n uint, err error, config *retry.Config) time.Duration {
	var limited *rateLimitError
	if errors.As(err, &limited) && limited.retryAfter > 0 {
		return limited.retryAfter
	}
	return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
}

// SlackProvider posts messages through the Slack Web API.
type SlackProvider struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlackProvider creates a new Slack provider.
func NewSlackProvider(token, baseURL string, logger *slog.Logger) *SlackProvider {
	if baseURL == "" {
		baseURL = DefaultSlackURL
	}
	return &SlackProvider{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		// chat.postMessage allows roughly one message per second per channel.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  logger,
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type usersListResponse struct {
	apiResponse
	Members []struct {
		ID       string `json:"id"`
		RealName string `json:"real_name"`
		IsBot    bool   `json:"is_bot"`
		Deleted  bool   `json:"deleted"`
	} `json:"members"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// Post sends a message via chat.postMessage.
func (s *SlackProvider) Post(ctx context.Context, channel, text string) error {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var resp apiResponse
	if err := s.call(ctx, http.MethodPost, "chat.postMessage", nil, body, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("chat.postMessage to %s: %s", channel, resp.Error)
	}
	return nil
}

// Users lists workspace users, following pagination cursors.
func (s *SlackProvider) Users(ctx context.Context) ([]notifier.SlackUser, error) {
	var users []notifier.SlackUser
	cursor := ""
	for {
		q := url.Values{"limit": {"200"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp usersListResponse
		if err := s.call(ctx, http.MethodGet, "users.list", q, nil, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, fmt.Errorf("users.list: %s", resp.Error)
		}
		for _, m := range resp.Members {
			if m.Deleted {
				continue
			}
			users = append(users, notifier.SlackUser{ID: m.ID, RealName: m.RealName, IsBot: m.IsBot})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return users, nil
		}
	}
}

func (s *SlackProvider) call(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	reqURL := s.baseURL + "/" + endpoint
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	return retry.Do(
		func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			s.logger.Debug("Slack API request starting", "method", method, "endpoint", endpoint)

			req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+s.token)
			if body != nil {
				req.Header.Set("Content-Type", "application/json; charset=utf-8")
			}

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("Slack API request failed",
					"endpoint", endpoint,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return retry.Unrecoverable(err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode == http.StatusTooManyRequests {
				wait, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
				s.logger.Warn("Slack API rate limited", "endpoint", endpoint, "retry_after_s", wait)
				return &rateLimitError{retryAfter: time.Duration(max(wait, 0)) * time.Second}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return retry.Unrecoverable(fmt.Errorf("%s: HTTP %d", endpoint, resp.StatusCode))
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode %s response: %w", endpoint, err))
			}

			s.logger.Debug("Slack API request completed",
				"endpoint", endpoint,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.DelayType(slackDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying Slack request after rate limit", "attempt", n, "endpoint", endpoint)
		}),
		retry.RetryIf(isRateLimited),
	)
}
