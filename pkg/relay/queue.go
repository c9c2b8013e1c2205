package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueueMaxSize      = 1000
	defaultProcessingTimeout = 180 * time.Second
	defaultQueueMaxRetries   = 3
	defaultQueueRetention    = time.Hour
	defaultPollBatchSize     = 10

	// estimatedWaitPerItem is the rough per-message processing estimate used
	// for the enqueue receipt.
	estimatedWaitPerItem = 5 * time.Second
)

// QueueItem is one chat message awaiting an out-of-band worker. The claim
// fields are service-internal and never serialized in worker responses.
type QueueItem struct {
	ID         string         `json:"id"`
	CallerID   string         `json:"callerId"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`

	InFlight      bool      `json:"-"`
	InFlightSince time.Time `json:"-"`
	RetryCount    int       `json:"-"`
}

// EnqueueReceipt is returned to the caller after a message is queued.
type EnqueueReceipt struct {
	ID                   string `json:"id"`
	Queued               bool   `json:"queued"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// QueueOptions configures a MessageQueue. Zero values fall back to defaults.
type QueueOptions struct {
	MaxSize           int
	ProcessingTimeout time.Duration
	MaxRetries        int
	Retention         time.Duration
	PollBatchSize     int
	Logger            *zerolog.Logger
}

// MessageQueue holds chat messages for the polling transport. Workers claim
// pending items via PollWork; the claim-and-return step happens under one lock
// so two concurrent pollers never receive the same item. Items stuck in flight
// past the processing timeout are requeued up to MaxRetries, then dropped.
type MessageQueue struct {
	mu    sync.Mutex
	items map[string]*QueueItem

	maxSize           int
	processingTimeout time.Duration
	maxRetries        int
	retention         time.Duration
	batchSize         int
	logger            zerolog.Logger

	now func() time.Time
}

func NewMessageQueue(opts QueueOptions) *MessageQueue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultQueueMaxSize
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = defaultProcessingTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultQueueMaxRetries
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultQueueRetention
	}
	if opts.PollBatchSize <= 0 {
		opts.PollBatchSize = defaultPollBatchSize
	}
	logger := log.With().Str("component", "message-queue").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &MessageQueue{
		items:             map[string]*QueueItem{},
		maxSize:           opts.MaxSize,
		processingTimeout: opts.ProcessingTimeout,
		maxRetries:        opts.MaxRetries,
		retention:         opts.Retention,
		batchSize:         opts.PollBatchSize,
		logger:            logger,
		now:               time.Now,
	}
}

// Enqueue adds a message and returns its receipt. When the queue is at
// capacity the oldest pending item is evicted first; if every item is in
// flight the enqueue is rejected with ErrQueueFull.
func (q *MessageQueue) Enqueue(callerID, message string, meta map[string]any) (*EnqueueReceipt, error) {
	if q == nil {
		return nil, errors.New("message queue is not initialized")
	}
	if callerID == "" {
		callerID = anonymousKey
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.sweepLocked(now)

	if len(q.items) >= q.maxSize {
		if !q.evictOldestPendingLocked() {
			return nil, errors.Wrapf(ErrQueueFull, "%d items in flight", len(q.items))
		}
	}

	item := &QueueItem{
		ID:         "msg-" + uuid.NewString(),
		CallerID:   callerID,
		Message:    message,
		Meta:       meta,
		ReceivedAt: now,
	}
	q.items[item.ID] = item

	pending := q.pendingCountLocked()
	return &EnqueueReceipt{
		ID:                   item.ID,
		Queued:               true,
		Position:             len(q.items),
		EstimatedWaitSeconds: int(estimatedWaitPerItem.Seconds()) * pending,
	}, nil
}

// PollWork claims up to the batch size of pending items, oldest first, and
// returns copies with InFlight already set. The sweep for stuck and expired
// items is amortized into this call; there is no background timer.
func (q *MessageQueue) PollWork() []QueueItem {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.sweepLocked(now)

	pending := make([]*QueueItem, 0, q.batchSize)
	for _, item := range q.items {
		if !item.InFlight {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ReceivedAt.Before(pending[j].ReceivedAt) })
	if len(pending) > q.batchSize {
		pending = pending[:q.batchSize]
	}

	out := make([]QueueItem, 0, len(pending))
	for _, item := range pending {
		item.InFlight = true
		item.InFlightSince = now
		out = append(out, *item)
	}
	return out
}

// Complete removes the item once its result has been delivered.
func (q *MessageQueue) Complete(id string) (QueueItem, bool) {
	if q == nil || id == "" {
		return QueueItem{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return QueueItem{}, false
	}
	delete(q.items, id)
	return *item, true
}

// Item returns a copy of the stored item, claim state included.
func (q *MessageQueue) Item(id string) (QueueItem, bool) {
	if q == nil {
		return QueueItem{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return QueueItem{}, false
	}
	return *item, true
}

func (q *MessageQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MessageQueue) PendingCount() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCountLocked()
}

func (q *MessageQueue) pendingCountLocked() int {
	n := 0
	for _, item := range q.items {
		if !item.InFlight {
			n++
		}
	}
	return n
}

// sweepLocked requeues or drops items stuck in flight past the processing
// timeout and purges items older than the retention window regardless of
// state. Caller must hold q.mu.
func (q *MessageQueue) sweepLocked(now time.Time) {
	cutoff := now.Add(-q.retention)
	for id, item := range q.items {
		if item.ReceivedAt.Before(cutoff) {
			delete(q.items, id)
			continue
		}
		if !item.InFlight || now.Sub(item.InFlightSince) <= q.processingTimeout {
			continue
		}
		if item.RetryCount >= q.maxRetries {
			delete(q.items, id)
			q.logger.Warn().
				Str("id", id).
				Int("retries", item.RetryCount).
				Msg("dropping message after exhausting processing retries")
			continue
		}
		item.InFlight = false
		item.InFlightSince = time.Time{}
		item.RetryCount++
		q.logger.Info().
			Str("id", id).
			Int("retry", item.RetryCount).
			Msg("requeued message stuck in flight")
	}
}

// evictOldestPendingLocked drops the oldest not-in-flight item to make room.
// Caller must hold q.mu.
func (q *MessageQueue) evictOldestPendingLocked() bool {
	var oldest *QueueItem
	for _, item := range q.items {
		if item.InFlight {
			continue
		}
		if oldest == nil || item.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = item
		}
	}
	if oldest == nil {
		return false
	}
	delete(q.items, oldest.ID)
	q.logger.Warn().Str("id", oldest.ID).Msg("evicted oldest pending message, queue at capacity")
	return true
}
