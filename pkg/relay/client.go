package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// SecretHeader carries the shared secret on outbound webhook calls.
	SecretHeader = "X-Relay-Secret"

	defaultMaxPayloadBytes = 50 * 1024
	defaultTimeout         = 25 * time.Second
	defaultMaxRetries      = 2
	defaultRetryDelay      = time.Second

	// historyKeepOnTrim is how many recent turns survive the payload shrink.
	historyKeepOnTrim = 5

	maxResponseBytes = 1 << 20
)

// ClientOptions configures a WebhookClient. Zero values fall back to the
// defaults above.
type ClientOptions struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxPayload int
	MaxRetries int
	RetryDelay time.Duration
	Breaker    *CircuitBreaker
	Logger     *zerolog.Logger
}

// WebhookClient posts chat messages to the workflow-automation webhook. It
// layers a payload-size guard, retry-with-backoff, a per-call deadline, and
// the process-wide circuit breaker, and normalizes the loosely structured
// upstream reply.
type WebhookClient struct {
	url        string
	secret     string
	timeout    time.Duration
	maxPayload int
	breaker    *CircuitBreaker
	httpClient *retryablehttp.Client
	logger     zerolog.Logger
}

func NewWebhookClient(opts ClientOptions) *WebhookClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = defaultMaxPayloadBytes
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(0, 0)
	}
	logger := log.With().Str("component", "webhook-client").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.MaxRetries
	rc.Logger = retryLogger{logger: logger}
	retryDelay := opts.RetryDelay
	// Linear backoff: delay grows by one RetryDelay per attempt.
	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return retryDelay * time.Duration(attemptNum+1)
	}
	// Retry transport failures and 5xx; never 4xx.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp != nil && resp.StatusCode >= 500, nil
	}

	return &WebhookClient{
		url:        opts.URL,
		secret:     opts.Secret,
		timeout:    opts.Timeout,
		maxPayload: opts.MaxPayload,
		breaker:    opts.Breaker,
		httpClient: rc,
		logger:     logger,
	}
}

func (c *WebhookClient) Breaker() *CircuitBreaker {
	if c == nil {
		return nil
	}
	return c.breaker
}

// SendMessage posts payload to the webhook and returns the normalized reply.
// Every failure is typed (ErrCircuitOpen, ErrPayloadTooLarge,
// ErrUpstreamTimeout, ErrMalformedReply, *UpstreamHTTPError) so callers can
// pick the right user-facing fallback.
func (c *WebhookClient) SendMessage(ctx context.Context, payload WebhookPayload) (*WebhookReply, error) {
	if c == nil || c.url == "" {
		return nil, errors.New("webhook url is not configured")
	}
	if payload.RequestID == "" {
		payload.RequestID = "req-" + uuid.NewString()
	}
	if payload.ReceivedAt == "" {
		payload.ReceivedAt = nowRFC3339()
	}

	body, err := c.marshalBounded(&payload)
	if err != nil {
		return nil, err
	}

	var reply *WebhookReply
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		out, callErr := c.call(ctx, payload.RequestID, body)
		if callErr != nil {
			return callErr
		}
		reply = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// marshalBounded serializes the payload, shrinking the conversational history
// to the most recent turns when the body exceeds the size cap. The current
// message is never truncated; if the shrunk payload is still too large the
// call fails with ErrPayloadTooLarge.
func (c *WebhookClient) marshalBounded(payload *WebhookPayload) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal webhook payload")
	}
	if len(body) <= c.maxPayload {
		return body, nil
	}

	originalSize := len(body)
	if n := len(payload.History); n > historyKeepOnTrim {
		payload.History = payload.History[n-historyKeepOnTrim:]
	}
	body, err = json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal webhook payload")
	}
	if len(body) > c.maxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes (max %d)", len(body), c.maxPayload)
	}
	c.logger.Warn().
		Int("original_bytes", originalSize).
		Int("trimmed_bytes", len(body)).
		Msg("webhook payload trimmed to recent history")
	return body, nil
}

func (c *WebhookClient) call(ctx context.Context, requestID string, body []byte) (*WebhookReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrUpstreamTimeout, "after %s", c.timeout)
		}
		return nil, errors.Wrap(err, "call webhook")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrUpstreamTimeout, "after %s", c.timeout)
		}
		return nil, errors.Wrap(err, "read webhook response")
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("webhook call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
	}

	out, err := extractReply(raw)
	if err != nil {
		c.logger.Error().
			Str("request_id", requestID).
			Err(err).
			Str("body", truncate(string(raw), 500)).
			Msg("webhook reply rejected")
		return nil, err
	}
	return &WebhookReply{Reply: out, Status: "ok"}, nil
}

// extractReply digs the answer out of the loosely specified webhook response.
// Accepted shapes: a bare string, an object carrying one of the conventional
// reply fields, an array whose first element carries one, or a single wrapper
// object/array under "output"/"data"/"body".
func extractReply(raw []byte) (string, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", errors.Wrap(ErrMalformedReply, "non-JSON body")
	}
	reply, ok := replyFromValue(data, true)
	if !ok {
		return "", errors.Wrap(ErrMalformedReply, "no reply field found")
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.Wrap(ErrMalformedReply, "empty reply")
	}
	// "{{ ... }}" means the workflow returned its own template unrendered.
	if strings.Contains(reply, "{{") && strings.Contains(reply, "}}") {
		return "", errors.Wrap(ErrMalformedReply, "unresolved template placeholders")
	}
	return reply, nil
}

var replyFields = []string{"reply", "answer", "text", "message"}

var wrapperFields = []string{"output", "data", "body"}

func replyFromValue(v any, unwrap bool) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case []any:
		if len(t) == 0 {
			return "", false
		}
		return replyFromValue(t[0], unwrap)
	case map[string]any:
		for _, field := range replyFields {
			if s, ok := t[field].(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
		if !unwrap {
			return "", false
		}
		for _, field := range wrapperFields {
			inner, ok := t[field]
			if !ok {
				continue
			}
			if s, ok := replyFromValue(inner, false); ok {
				return s, true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// retryLogger adapts zerolog to retryablehttp's leveled logger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}
