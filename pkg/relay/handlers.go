package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxRequestBodyBytes = 256 * 1024

// NewChatHTTPHandler serves POST /chat: validate and sanitize the request,
// then hand it to the ChatService. Responses are always well-formed JSON.
func NewChatHTTPHandler(svc *ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if svc == nil {
			http.Error(w, "chat service not initialized", http.StatusServiceUnavailable)
			return
		}

		var body ChatRequest
		if err := decodeJSONBody(w, req, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON in request body")
			return
		}
		body.Sanitize()

		if body.CallerID == "" {
			writeJSONError(w, http.StatusBadRequest, "callerId is required and cannot be empty")
			return
		}
		// An empty message is only valid for the widget's opening handshake.
		if body.Message == "" && !body.IsInitial() {
			writeJSONError(w, http.StatusBadRequest, "message is required")
			return
		}

		resp, status := svc.HandleChat(req.Context(), &body)
		writeJSON(w, status, resp)
	}
}

// queueWorkerResponse is the body served to polling workers. QueueItem's
// claim fields are already excluded from serialization.
type queueWorkerResponse struct {
	Messages []QueueItem `json:"messages"`
}

// NewQueueHTTPHandler serves the queue transport surface: POST enqueues a
// caller message, GET hands pending work to the out-of-band worker.
func NewQueueHTTPHandler(queue *MessageQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if queue == nil {
			http.Error(w, "queue not initialized", http.StatusServiceUnavailable)
			return
		}
		switch req.Method {
		case http.MethodGet:
			items := queue.PollWork()
			if items == nil {
				items = []QueueItem{}
			}
			writeJSON(w, http.StatusOK, queueWorkerResponse{Messages: items})
		case http.MethodPost:
			var body ChatRequest
			if err := decodeJSONBody(w, req, &body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON in request body")
				return
			}
			body.Sanitize()
			if body.Message == "" {
				writeJSONError(w, http.StatusBadRequest, "message is required")
				return
			}
			receipt, err := queue.Enqueue(body.CallerID, body.Message, body.Meta)
			if err != nil {
				if errors.Is(err, ErrQueueFull) {
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{
						"queued": false,
						"reason": reasonForError(err),
					})
					return
				}
				log.Error().Err(err).Str("component", "relay").Msg("enqueue failed")
				writeJSONError(w, http.StatusInternalServerError, "failed to enqueue message")
				return
			}
			writeJSON(w, http.StatusOK, receipt)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// resultPostBody is the worker's result delivery payload.
type resultPostBody struct {
	MessageID string `json:"messageId"`
	Reply     string `json:"reply"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
}

// NewResultHTTPHandler serves the result surface: POST stores a worker result
// (removing the queue item), GET lets the original caller fetch it by id.
func NewResultHTTPHandler(queue *MessageQueue, results *ResultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if results == nil {
			http.Error(w, "result store not initialized", http.StatusServiceUnavailable)
			return
		}
		switch req.Method {
		case http.MethodPost:
			var body resultPostBody
			if err := decodeJSONBody(w, req, &body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON in request body")
				return
			}
			if strings.TrimSpace(body.MessageID) == "" {
				writeJSONError(w, http.StatusBadRequest, "messageId required")
				return
			}
			if strings.TrimSpace(body.Reply) == "" {
				writeJSONError(w, http.StatusBadRequest, "reply required")
				return
			}
			status := body.Status
			if status == "" {
				status = "ok"
			}
			if queue != nil {
				queue.Complete(body.MessageID)
			}
			results.Put(Result{
				MessageID: body.MessageID,
				Reply:     body.Reply,
				Status:    status,
				LatencyMs: body.LatencyMs,
			})
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		case http.MethodGet:
			id := strings.TrimSpace(req.URL.Query().Get("messageId"))
			if id == "" {
				writeJSONError(w, http.StatusBadRequest, "messageId required")
				return
			}
			res, err := results.Get(id)
			if err != nil {
				msg := "result not found"
				if errors.Is(err, ErrResultExpired) {
					msg = "result expired"
				}
				writeJSONError(w, http.StatusNotFound, msg)
				return
			}
			writeJSON(w, http.StatusOK, res)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// NewHealthHTTPHandler reports process liveness.
func NewHealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func decodeJSONBody(w http.ResponseWriter, req *http.Request, dst any) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(req.Body)
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("response write failed")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
