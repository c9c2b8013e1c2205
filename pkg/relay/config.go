package relay

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings is the environment-backed configuration for the relay service.
type Settings struct {
	Addr string

	WebhookURL    string
	WebhookSecret string
	ChatTimeout   time.Duration

	TransportMode TransportMode

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int
	RateLimitStoreSize   int

	QueueMaxSize           int
	QueueProcessingTimeout time.Duration
	QueueMaxRetries        int
	QueuePollBatch         int

	ResultStoreSize int
	ResultRetention time.Duration

	PollInterval time.Duration
	PollBudget   time.Duration
}

const (
	minChatTimeout = 5 * time.Second
	maxChatTimeout = 60 * time.Second
)

// LoadSettings reads configuration from the environment with the recognized
// defaults. The chat timeout is clamped to [5s, 60s]; a configured webhook
// URL must parse as http(s). A missing webhook URL is allowed — the service
// then answers with fallback replies, keeping the widget functional.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("webhook_url", "")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("chat_timeout_ms", 25000)
	v.SetDefault("transport_mode", string(TransportDirect))
	v.SetDefault("rate_limit_window_sec", 3600)
	v.SetDefault("rate_limit_max_requests", 20)
	v.SetDefault("rate_limit_max_store_size", 10000)
	v.SetDefault("queue_max_size", 1000)
	v.SetDefault("queue_processing_timeout_sec", 180)
	v.SetDefault("queue_max_retries", 3)
	v.SetDefault("queue_poll_batch", 10)
	v.SetDefault("result_store_size", 10000)
	v.SetDefault("result_retention_sec", 3600)
	v.SetDefault("poll_interval_ms", 500)
	v.SetDefault("poll_budget_sec", 60)

	s := &Settings{
		Addr:                   v.GetString("addr"),
		WebhookURL:             v.GetString("webhook_url"),
		WebhookSecret:          v.GetString("webhook_secret"),
		ChatTimeout:            time.Duration(v.GetInt("chat_timeout_ms")) * time.Millisecond,
		TransportMode:          TransportMode(v.GetString("transport_mode")),
		RateLimitWindow:        time.Duration(v.GetInt("rate_limit_window_sec")) * time.Second,
		RateLimitMaxRequests:   v.GetInt("rate_limit_max_requests"),
		RateLimitStoreSize:     v.GetInt("rate_limit_max_store_size"),
		QueueMaxSize:           v.GetInt("queue_max_size"),
		QueueProcessingTimeout: time.Duration(v.GetInt("queue_processing_timeout_sec")) * time.Second,
		QueueMaxRetries:        v.GetInt("queue_max_retries"),
		QueuePollBatch:         v.GetInt("queue_poll_batch"),
		ResultStoreSize:        v.GetInt("result_store_size"),
		ResultRetention:        time.Duration(v.GetInt("result_retention_sec")) * time.Second,
		PollInterval:           time.Duration(v.GetInt("poll_interval_ms")) * time.Millisecond,
		PollBudget:             time.Duration(v.GetInt("poll_budget_sec")) * time.Second,
	}

	if s.ChatTimeout < minChatTimeout {
		s.ChatTimeout = minChatTimeout
	}
	if s.ChatTimeout > maxChatTimeout {
		s.ChatTimeout = maxChatTimeout
	}

	if s.TransportMode != TransportDirect && s.TransportMode != TransportQueue {
		return nil, errors.Errorf("unknown TRANSPORT_MODE %q (want %q or %q)", s.TransportMode, TransportDirect, TransportQueue)
	}

	if s.WebhookURL != "" {
		u, err := url.Parse(s.WebhookURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid WEBHOOK_URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.Errorf("invalid WEBHOOK_URL scheme %q", u.Scheme)
		}
	}

	return s, nil
}
