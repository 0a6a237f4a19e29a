package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// storedResponse is a previously-seen response kept for idempotent
// replay.
type storedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
}

// ReplayStore is the idempotency backend.
type ReplayStore interface {
	Check(key string) (*storedResponse, bool)
	Set(key string, statusCode int, headers http.Header, body []byte)
}

// MemoryReplayStore keeps cached responses in memory with a TTL.
type MemoryReplayStore struct {
	mu      sync.RWMutex
	entries map[string]*storedResponse
	ttl     time.Duration
}

// NewMemoryReplayStore starts the store and its expiry sweep.
func NewMemoryReplayStore(ttl time.Duration) *MemoryReplayStore {
	s := &MemoryReplayStore{entries: make(map[string]*storedResponse), ttl: ttl}
	go s.sweep()
	return s
}

func (s *MemoryReplayStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.StoredAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a live cached response, if any.
func (s *MemoryReplayStore) Check(key string) (*storedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()
	if exists && time.Since(cached.StoredAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response for replay.
func (s *MemoryReplayStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &storedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		StoredAt:   time.Now(),
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays the cached response for a repeated
// Idempotency-Key on a mutating request. Keys are scoped to method and
// path so the same key on different endpoints stays independent.
func Idempotency(store ReplayStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.Method + " " + r.URL.Path + " " + key

			if cached, ok := store.Check(key); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
