package ephemeral

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

type sortedSetEntry struct {
	member string
	score  float64
}

// MemoryStore is an in-process fake of Store for tests and single-instance
// development, matching the teacher's internal/app/storage/memory.go
// pattern: plain maps behind one mutex, no background eviction beyond
// lazy expiry checks on read.
type MemoryStore struct {
	mu   sync.Mutex
	kv   map[string]memoryEntry
	sets map[string][]sortedSetEntry
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string]memoryEntry),
		sets: make(map[string][]sortedSetEntry),
	}
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemoryStore) CheckAndConsumeSlidingWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (SlidingWindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(key, now, window)
	entries := s.sets[key]
	current := len(entries)

	result := SlidingWindowResult{Current: current, Limit: limit, ResetInS: int(window.Seconds())}
	if current < limit {
		s.sets[key] = append(entries, sortedSetEntry{member: uuid.NewString(), score: float64(now.UnixMilli())})
		result.Allowed = true
		result.Current = current + 1
	}
	result.ResetInS = s.resetInLocked(key, now, window)
	return result, nil
}

func (s *MemoryStore) CheckAndConsumeCombined(ctx context.Context, tenantKey, entityKey string, window time.Duration, tenantLimit, entityLimit int, now time.Time) (bool, string, SlidingWindowResult, SlidingWindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(tenantKey, now, window)
	s.evictLocked(entityKey, now, window)

	tenantCurrent := len(s.sets[tenantKey])
	entityCurrent := len(s.sets[entityKey])

	tenantOK := tenantCurrent < tenantLimit
	entityOK := entityCurrent < entityLimit

	blocked := ""
	if !tenantOK {
		blocked = tenantKey
	} else if !entityOK {
		blocked = entityKey
	}

	allowed := tenantOK && entityOK
	if allowed {
		member := uuid.NewString()
		s.sets[tenantKey] = append(s.sets[tenantKey], sortedSetEntry{member: member, score: float64(now.UnixMilli())})
		s.sets[entityKey] = append(s.sets[entityKey], sortedSetEntry{member: member, score: float64(now.UnixMilli())})
		tenantCurrent++
		entityCurrent++
	}

	tenantResult := SlidingWindowResult{Allowed: allowed, Current: tenantCurrent, Limit: tenantLimit, ResetInS: int(window.Seconds())}
	entityResult := SlidingWindowResult{Allowed: allowed, Current: entityCurrent, Limit: entityLimit, ResetInS: int(window.Seconds())}
	return allowed, blocked, tenantResult, entityResult, nil
}

func (s *MemoryStore) evictLocked(key string, now time.Time, window time.Duration) {
	cutoff := float64(now.Add(-window).UnixMilli())
	entries := s.sets[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.score >= cutoff {
			kept = append(kept, e)
		}
	}
	s.sets[key] = kept
}

func (s *MemoryStore) resetInLocked(key string, now time.Time, window time.Duration) int {
	entries := s.sets[key]
	if len(entries) == 0 {
		return int(window.Seconds())
	}
	oldest := entries[0].score
	for _, e := range entries {
		if e.score < oldest {
			oldest = e.score
		}
	}
	remaining := window - now.Sub(time.UnixMilli(int64(oldest)))
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.kv[key]; ok && !s.expired(e) {
		return false, nil
	}
	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.kv[key] = memoryEntry{value: value, expires: expires}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || s.expired(e) || e.value != expected {
		return false, nil
	}
	delete(s.kv, key)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.kv[key]
	if !ok || s.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.kv[key] = memoryEntry{value: value, expires: expires}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) ZAddTimestamp(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[key] = append(s.sets[key], sortedSetEntry{member: member, score: score})
	return nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([]sortedSetEntry(nil), s.sets[key]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })

	var out []string
	for _, e := range entries {
		if e.score >= min && e.score <= max {
			out = append(out, e.member)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
