package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newDirectService(t *testing.T, upstreamURL string, maxRequests int) *ChatService {
	t.Helper()
	var client *WebhookClient
	if upstreamURL != "" {
		client = newTestClient(upstreamURL, ClientOptions{})
	}
	svc, err := NewChatService(ServiceOptions{
		Limiter: NewLimiter(maxRequests, time.Minute, 100),
		Client:  client,
		Mode:    TransportDirect,
	})
	require.NoError(t, err)
	return svc
}

func postJSON(t *testing.T, handler http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeChatResponse(t *testing.T, rec *httptest.ResponseRecorder) ChatResponse {
	t.Helper()
	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestChatHandlerRejectsNonPost(t *testing.T) {
	h := NewChatHTTPHandler(newDirectService(t, "", 10))
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatHandlerValidation(t *testing.T) {
	h := NewChatHTTPHandler(newDirectService(t, "", 10))

	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{not json`},
		{"missing callerId", `{"message":"hi"}`},
		{"blank callerId", `{"callerId":"   ","message":"hi"}`},
		{"missing message", `{"callerId":"c1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h, "/chat", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestChatHandlerAllowsEmptyMessageOnInitialHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"welcome"}`))
	}))
	defer srv.Close()

	h := NewChatHTTPHandler(newDirectService(t, srv.URL, 10))
	rec := postJSON(t, h, "/chat", `{"callerId":"c1","message":"","meta":{"isInitial":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeChatResponse(t, rec)
	require.Equal(t, "welcome", resp.Reply)
	require.Equal(t, "ok", resp.Status)
}

func TestChatHandlerRateLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"ok"}`))
	}))
	defer srv.Close()

	h := NewChatHTTPHandler(newDirectService(t, srv.URL, 2))

	for i := 0; i < 2; i++ {
		rec := postJSON(t, h, "/chat", `{"callerId":"c1","message":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := postJSON(t, h, "/chat", `{"callerId":"c1","message":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	resp := decodeChatResponse(t, rec)
	require.Equal(t, FallbackReply, resp.Reply)
	require.Equal(t, "error", resp.Status)
	require.Equal(t, "rate_limited", resp.Reason)
}

func TestChatHandlerFallsBackWithoutWebhook(t *testing.T) {
	h := NewChatHTTPHandler(newDirectService(t, "", 10))
	rec := postJSON(t, h, "/chat", `{"callerId":"c1","message":"hi"}`)

	// Transient misconfiguration must not break the widget: HTTP 200 with a
	// fallback status.
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeChatResponse(t, rec)
	require.Equal(t, FallbackReply, resp.Reply)
	require.Equal(t, "fallback", resp.Status)
}

func TestQueueAndResultHandlersRoundtrip(t *testing.T) {
	queue := NewMessageQueue(QueueOptions{})
	results := NewResultStore(100, time.Hour)
	queueHandler := NewQueueHTTPHandler(queue)
	resultHandler := NewResultHTTPHandler(queue, results)

	// Caller enqueues a message.
	rec := postJSON(t, queueHandler, "/chat/queue", `{"callerId":"c1","message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var receipt EnqueueReceipt
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&receipt))
	require.True(t, receipt.Queued)
	require.NotEmpty(t, receipt.ID)

	// Worker polls and receives the message with claim fields stripped.
	req := httptest.NewRequest(http.MethodGet, "/chat/queue", nil)
	rec = httptest.NewRecorder()
	queueHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "inFlight")
	var work queueWorkerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&work))
	require.Len(t, work.Messages, 1)
	require.Equal(t, receipt.ID, work.Messages[0].ID)

	// Worker posts the result.
	rec = postJSON(t, resultHandler, "/chat/result",
		fmt.Sprintf(`{"messageId":%q,"reply":"answer","status":"ok","latencyMs":1200}`, receipt.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, queue.Len(), "delivered item must leave the queue")

	// Caller fetches the result by id.
	req = httptest.NewRequest(http.MethodGet, "/chat/result?messageId="+receipt.ID, nil)
	rec = httptest.NewRecorder()
	resultHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, "answer", res.Reply)
	require.Equal(t, int64(1200), res.LatencyMs)
}

func TestResultHandlerValidation(t *testing.T) {
	resultHandler := NewResultHTTPHandler(nil, NewResultStore(10, time.Hour))

	rec := postJSON(t, resultHandler, "/chat/result", `{"reply":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, resultHandler, "/chat/result", `{"messageId":"m1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/chat/result?messageId=missing", nil)
	rec = httptest.NewRecorder()
	resultHandler(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueHandlerRejectsWhenFull(t *testing.T) {
	queue := NewMessageQueue(QueueOptions{MaxSize: 1, PollBatchSize: 1})
	queueHandler := NewQueueHTTPHandler(queue)

	rec := postJSON(t, queueHandler, "/chat/queue", `{"callerId":"c1","message":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Claim the only slot so nothing is evictable.
	req := httptest.NewRequest(http.MethodGet, "/chat/queue", nil)
	queueHandler(httptest.NewRecorder(), req)

	rec = postJSON(t, queueHandler, "/chat/queue", `{"callerId":"c1","message":"two"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue_full")
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHTTPHandler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}
