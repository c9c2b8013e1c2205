package relay

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultResultStoreSize = 10000
	defaultResultRetention = time.Hour

	defaultPollInterval = 500 * time.Millisecond
)

// Result is a worker-posted answer correlated with a queued message by id.
// Posting twice for the same id overwrites; last write wins.
type Result struct {
	MessageID string `json:"messageId"`
	Reply     string `json:"reply"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`

	CreatedAt time.Time `json:"-"`
}

// ResultStore holds worker results until the original caller picks them up or
// the retention window expires. Capacity is bounded by the LRU cache; age is
// checked lazily on read plus an amortized sweep every Nth access.
type ResultStore struct {
	mu        sync.Mutex
	cache     *Cache[string, Result]
	retention time.Duration
	accesses  int

	now func() time.Time
}

func NewResultStore(maxSize int, retention time.Duration) *ResultStore {
	if maxSize <= 0 {
		maxSize = defaultResultStoreSize
	}
	if retention <= 0 {
		retention = defaultResultRetention
	}
	return &ResultStore{
		cache:     NewCache[string, Result](maxSize),
		retention: retention,
		now:       time.Now,
	}
}

// Put stores or overwrites the result for its message id.
func (s *ResultStore) Put(res Result) {
	if s == nil || res.MessageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	s.maybeSweepLocked()
	s.cache.Set(res.MessageID, res)
}

// Get returns the result for id. Expired results are deleted on read and
// reported as ErrResultExpired; unknown ids as ErrResultNotFound.
func (s *ResultStore) Get(id string) (Result, error) {
	if s == nil || id == "" {
		return Result{}, ErrResultNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweepLocked()
	return s.getLocked(id)
}

// Take returns the result like Get and removes it, so each result is
// delivered at most once. Lookup and removal happen under one lock hold, so
// concurrent takers for the same id get exactly one hit.
func (s *ResultStore) Take(id string) (Result, error) {
	if s == nil || id == "" {
		return Result{}, ErrResultNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweepLocked()

	res, err := s.getLocked(id)
	if err != nil {
		return Result{}, err
	}
	s.cache.Delete(id)
	return res, nil
}

// getLocked looks up id and enforces retention. Caller must hold s.mu.
func (s *ResultStore) getLocked(id string) (Result, error) {
	res, ok := s.cache.Get(id)
	if !ok {
		return Result{}, ErrResultNotFound
	}
	if s.now().Sub(res.CreatedAt) > s.retention {
		s.cache.Delete(id)
		return Result{}, errors.Wrapf(ErrResultExpired, "id %s", id)
	}
	return res, nil
}

func (s *ResultStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// AwaitResult polls for the result of id until it appears or ctx expires.
// The caller bounds the total wait through ctx; the per-poll interval is
// separate from any upstream call timeout.
func (s *ResultStore) AwaitResult(ctx context.Context, id string, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := s.Get(id)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrResultExpired) {
			return Result{}, err
		}
		select {
		case <-ctx.Done():
			return Result{}, errors.Wrapf(ErrUpstreamTimeout, "no result for %s", id)
		case <-ticker.C:
		}
	}
}

func (s *ResultStore) maybeSweepLocked() {
	s.accesses++
	if s.accesses%cleanupEveryNCalls == 0 {
		s.cache.CleanupOlderThan(s.retention)
	}
}
