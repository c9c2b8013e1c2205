package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TransportMode selects how inbound chat messages reach the workflow engine.
type TransportMode string

const (
	// TransportDirect calls the webhook synchronously from the request.
	TransportDirect TransportMode = "direct"
	// TransportQueue enqueues the message for an out-of-band worker and polls
	// for the result.
	TransportQueue TransportMode = "queue"
)

// User-facing fallback copy. The timeout variant is deliberately distinct
// from the generic overload one so users know retrying as-is may work.
const (
	FallbackReply = "The assistant is overloaded right now. Please try again in a minute."
	TimeoutReply  = "The assistant is taking too long to answer. Please try again or rephrase your question."
	TooLongReply  = "The conversation is too long for the assistant. Please shorten your message and try again."
)

const defaultPollBudget = 60 * time.Second

// ServiceOptions wires the shared singletons into a ChatService.
type ServiceOptions struct {
	Limiter      *Limiter
	Client       *WebhookClient
	Queue        *MessageQueue
	Results      *ResultStore
	Mode         TransportMode
	PollInterval time.Duration
	PollBudget   time.Duration
	Logger       *zerolog.Logger
}

// ChatService orchestrates one inbound chat request: rate-limit check, then
// either a direct webhook call or enqueue-and-poll, and maps every failure
// onto a well-formed fallback response. It never returns a raw error to the
// HTTP layer.
type ChatService struct {
	limiter      *Limiter
	client       *WebhookClient
	queue        *MessageQueue
	results      *ResultStore
	mode         TransportMode
	pollInterval time.Duration
	pollBudget   time.Duration
	logger       zerolog.Logger
}

func NewChatService(opts ServiceOptions) (*ChatService, error) {
	if opts.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if opts.Mode == "" {
		opts.Mode = TransportDirect
	}
	if opts.Mode != TransportDirect && opts.Mode != TransportQueue {
		return nil, errors.Errorf("unknown transport mode %q", opts.Mode)
	}
	if opts.Mode == TransportQueue && (opts.Queue == nil || opts.Results == nil) {
		return nil, errors.New("queue transport requires a queue and a result store")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollBudget <= 0 {
		opts.PollBudget = defaultPollBudget
	}
	logger := log.With().Str("component", "chat-service").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &ChatService{
		limiter:      opts.Limiter,
		client:       opts.Client,
		queue:        opts.Queue,
		results:      opts.Results,
		mode:         opts.Mode,
		pollInterval: opts.PollInterval,
		pollBudget:   opts.PollBudget,
		logger:       logger,
	}, nil
}

func (s *ChatService) Queue() *MessageQueue { return s.queue }

func (s *ChatService) Results() *ResultStore { return s.results }

func (s *ChatService) Mode() TransportMode { return s.mode }

// HandleChat processes one sanitized chat request and returns the response
// plus the HTTP status to send. Failures surface as fallback replies with a
// status field; only rate limiting changes the HTTP status (429) so the
// widget UI keeps working through transient upstream trouble.
func (s *ChatService) HandleChat(ctx context.Context, req *ChatRequest) (ChatResponse, int) {
	start := time.Now()

	if s.limiter.IsLimited(req.CallerID) {
		s.logger.Warn().Str("caller_id", req.CallerID).Msg("caller over rate limit")
		return ChatResponse{
			Reply:  FallbackReply,
			Status: "error",
			Reason: reasonForError(ErrRateLimited),
		}, http.StatusTooManyRequests
	}

	if s.mode == TransportQueue {
		return s.handleQueued(ctx, req, start), http.StatusOK
	}

	// In direct mode a missing webhook is answered with a fallback, not an
	// HTTP error, so the widget keeps working while the deployment is fixed.
	if s.client == nil {
		s.logger.Error().Msg("webhook client is not configured")
		return ChatResponse{Reply: FallbackReply, Status: "fallback", Reason: "webhook_unconfigured"}, http.StatusOK
	}
	return s.handleDirect(ctx, req, start), http.StatusOK
}

func (s *ChatService) handleDirect(ctx context.Context, req *ChatRequest, start time.Time) ChatResponse {
	reply, err := s.client.SendMessage(ctx, WebhookPayload{
		CallerID: req.CallerID,
		Message:  req.Message,
		History:  req.History,
		Meta:     req.Meta,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("caller_id", req.CallerID).
			Int64("latency_ms", latency).
			Msg("webhook call failed")
		return fallbackResponse(err, latency)
	}
	return ChatResponse{Reply: reply.Reply, LatencyMs: latency, Status: reply.Status}
}

func (s *ChatService) handleQueued(ctx context.Context, req *ChatRequest, start time.Time) ChatResponse {
	receipt, err := s.queue.Enqueue(req.CallerID, req.Message, req.Meta)
	if err != nil {
		s.logger.Error().Err(err).Str("caller_id", req.CallerID).Msg("enqueue failed")
		return fallbackResponse(err, time.Since(start).Milliseconds())
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.pollBudget)
	defer cancel()
	res, err := s.results.AwaitResult(waitCtx, receipt.ID, s.pollInterval)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("message_id", receipt.ID).
			Int64("latency_ms", latency).
			Msg("no worker result within budget")
		return fallbackResponse(err, latency)
	}
	status := res.Status
	if status == "" {
		status = "ok"
	}
	return ChatResponse{Reply: res.Reply, LatencyMs: latency, Status: status}
}

// fallbackResponse picks the user-facing reply and status for a failed relay
// attempt. The reason field preserves the taxonomy for diagnostics.
func fallbackResponse(err error, latencyMs int64) ChatResponse {
	reply := FallbackReply
	status := "error"
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		reply = TimeoutReply
	case errors.Is(err, ErrPayloadTooLarge):
		reply = TooLongReply
	case errors.Is(err, ErrMalformedReply):
		status = "fallback"
	}
	return ChatResponse{
		Reply:     reply,
		LatencyMs: latencyMs,
		Status:    status,
		Reason:    reasonForError(err),
	}
}
