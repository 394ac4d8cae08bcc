// Package config parses and validates the service configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trello-slack-hooks/pkg/notifier"
)

const (
	defaultInterval = 5 * time.Minute
	defaultWorkers  = 8
)

// TrelloConfig holds Trello API credentials.
type TrelloConfig struct {
	APIKey  string `yaml:"api_key"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// SlackConfig holds Slack API credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// Config is the immutable service configuration built once at startup.
type Config struct {
	CheckInterval time.Duration
	Workers       int
	ListenAddr    string
	Trello        TrelloConfig
	Slack         SlackConfig
	Users         []notifier.UserMapping
	Hooks         []notifier.HookConfig
}

type fileHook struct {
	Name         string            `yaml:"name"`
	TrelloBoards string            `yaml:"trello_boards"`
	ListName     string            `yaml:"list_name"`
	Triggers     string            `yaml:"triggers"`
	SlackMessage notifier.Template `yaml:"slack_message"`
}

type file struct {
	CheckInterval        time.Duration          `yaml:"check_interval"`
	CheckIntervalMinutes int                    `yaml:"check_interval_minutes"`
	Workers              int                    `yaml:"workers"`
	ListenAddr           string                 `yaml:"listen_addr"`
	Trello               TrelloConfig           `yaml:"trello"`
	Slack                SlackConfig            `yaml:"slack"`
	Users                []notifier.UserMapping `yaml:"users"`
	Hooks                []fileHook             `yaml:"hooks"`
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := &Config{
		CheckInterval: f.CheckInterval,
		Workers:       f.Workers,
		ListenAddr:    f.ListenAddr,
		Trello:        f.Trello,
		Slack:         f.Slack,
		Users:         f.Users,
	}
	if cfg.CheckInterval == 0 && f.CheckIntervalMinutes > 0 {
		cfg.CheckInterval = time.Duration(f.CheckIntervalMinutes) * time.Minute
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = defaultInterval
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}

	for i, fh := range f.Hooks {
		h, err := parseHook(i, fh)
		if err != nil {
			return nil, err
		}
		cfg.Hooks = append(cfg.Hooks, h)
	}
	return cfg, nil
}

func parseHook(i int, fh fileHook) (notifier.HookConfig, error) {
	h := notifier.HookConfig{
		Name:     strings.TrimSpace(fh.Name),
		ListName: strings.TrimSpace(fh.ListName),
		Template: fh.SlackMessage,
	}
	if h.Name == "" {
		h.Name = fmt.Sprintf("hook-%d", i+1)
	}

	boards := strings.TrimSpace(fh.TrelloBoards)
	if boards == notifier.AllStarred {
		h.Starred = true
	} else {
		for _, id := range strings.Split(boards, ",") {
			if id = strings.TrimSpace(id); id != "" {
				h.Boards = append(h.Boards, id)
			}
		}
	}

	for _, t := range strings.Split(fh.Triggers, ",") {
		if strings.TrimSpace(t) == "" {
			continue
		}
		kind, ok := notifier.ParseKind(t)
		if !ok {
			return h, fmt.Errorf("hook %s: unknown trigger %q", h.Name, strings.TrimSpace(t))
		}
		if !h.Wants(kind) {
			h.Triggers = append(h.Triggers, kind)
		}
	}

	if h.Template.Type == "" {
		h.Template.Type = notifier.DeliveryDirect
	}
	return h, nil
}

// ApplyEnv overrides credentials from environment variables when set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Trello.APIKey, "TRELLO_API_KEY")
	override(&c.Trello.Token, "TRELLO_TOKEN")
	override(&c.Slack.Token, "SLACK_TOKEN")
	if port := getenv("PORT"); port != "" && c.ListenAddr == "" {
		c.ListenAddr = ":" + port
	}
}

// ValidateCredentials checks that Trello can be reached.
func (c *Config) ValidateCredentials() error {
	if c.Trello.APIKey == "" || c.Trello.Token == "" {
		return errors.New("trello api_key and token are required")
	}
	return nil
}

// Validate checks that the configuration can run the polling loop.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateCredentials(); err != nil {
		errs = append(errs, err)
	}
	if c.CheckInterval < time.Second {
		errs = append(errs, fmt.Errorf("check_interval %v is too short", c.CheckInterval))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if len(c.Hooks) == 0 {
		errs = append(errs, errors.New("no hooks configured"))
	}
	for _, u := range c.Users {
		if u.TrelloID == "" || u.SlackID == "" {
			errs = append(errs, fmt.Errorf("user mapping %q needs both trello_id and slack_id", u.DisplayName))
		}
	}
	for i := range c.Hooks {
		if err := validateHook(&c.Hooks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateHook(h *notifier.HookConfig) error {
	switch {
	case !h.Starred && len(h.Boards) == 0:
		return fmt.Errorf("hook %s: trello_boards must be %s or a list of board IDs", h.Name, notifier.AllStarred)
	case h.ListName == "":
		return fmt.Errorf("hook %s: list_name is required", h.Name)
	case len(h.Triggers) == 0:
		return fmt.Errorf("hook %s: at least one trigger is required", h.Name)
	case strings.TrimSpace(h.Template.Recipient) == "":
		return fmt.Errorf("hook %s: slack_message.recipient is required", h.Name)
	case h.Template.Message == "":
		return fmt.Errorf("hook %s: slack_message.message is required", h.Name)
	case h.Template.Type != notifier.DeliveryDirect && h.Template.Type != notifier.DeliveryChannel:
		return fmt.Errorf("hook %s: slack_message.type must be direct or channel, got %q", h.Name, h.Template.Type)
	}
	return nil
}
