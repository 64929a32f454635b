// Package store implements the node's local two-tier value store: a
// bounded cache tier for values seen in STORE requests, and an
// unbounded (age-only) long-term tier for values this node is
// currently among the k closest holders of.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenkendk/slimdht/dhtkey"
	"github.com/kenkendk/slimdht/mru"
	"github.com/kenkendk/slimdht/routing"
)

// Nearest is the subset of the routing table the store consults to
// decide whether it belongs among a key's closest holders.
type Nearest interface {
	Nearest(target dhtkey.Key, n int, onlyClosestBucket bool) []routing.PeerInfo
}

// Store holds this node's copies of DHT values.
type Store struct {
	owner dhtkey.Key
	k     int
	table Nearest
	log   *logrus.Entry

	cache    *mru.Cache[dhtkey.Key, []byte]
	longTerm *mru.Cache[dhtkey.Key, []byte]

	mu            sync.Mutex
	longTermOwn   map[dhtkey.Key]bool
	cacheBytes    map[dhtkey.Key]int
	longTermBytes map[dhtkey.Key]int
	totalBytes    int

	// BroadcastHook, if set, is invoked whenever this node determines
	// it is the single closest holder of a key - a hook for
	// replicating to the next-closest peers. Left unset by default.
	BroadcastHook func(key dhtkey.Key, data []byte)
}

// New creates a Store. cacheSize bounds the cache tier's entry count;
// the long-term tier is unbounded in count and expires purely by age.
func New(owner dhtkey.Key, table Nearest, k, cacheSize int, maxAge time.Duration, log *logrus.Entry) *Store {
	return &Store{
		owner:         owner,
		k:             k,
		table:         table,
		log:           log,
		cache:         mru.New[dhtkey.Key, []byte](cacheSize, maxAge),
		longTerm:      mru.New[dhtkey.Key, []byte](0, maxAge),
		longTermOwn:   make(map[dhtkey.Key]bool),
		cacheBytes:    make(map[dhtkey.Key]int),
		longTermBytes: make(map[dhtkey.Key]int),
	}
}

// Put stores data under key in the cache tier immediately, and
// asynchronously evaluates whether this node should also keep it in
// the long-term tier (when this node is among the key's k closest
// known peers).
func (s *Store) Put(key dhtkey.Key, data []byte) {
	evicted, didEvict := s.cache.Add(key, data)
	s.mu.Lock()
	if didEvict {
		if sz, ok := s.cacheBytes[evicted]; ok {
			s.totalBytes -= sz
			delete(s.cacheBytes, evicted)
		}
	}
	if old, ok := s.cacheBytes[key]; ok {
		s.totalBytes -= old
	}
	s.cacheBytes[key] = len(data)
	s.totalBytes += len(data)
	s.mu.Unlock()
	s.log.WithField("key", key.Hex()[:12]).Debug("stored value in cache tier")
	go s.evaluateLongTerm(key, data)
}

func (s *Store) evaluateLongTerm(key dhtkey.Key, data []byte) {
	nearest := s.table.Nearest(key, s.k, true)
	member := false
	closest := len(nearest) > 0 && nearest[0].Key.Equal(s.owner)
	for _, p := range nearest {
		if p.Key.Equal(s.owner) {
			member = true
			break
		}
	}
	if !member {
		return
	}
	s.longTerm.Add(key, data)
	s.mu.Lock()
	if old, ok := s.longTermBytes[key]; ok {
		s.totalBytes -= old
	}
	s.longTermBytes[key] = len(data)
	s.totalBytes += len(data)
	s.mu.Unlock()
	s.log.WithField("key", key.Hex()[:12]).Debug("promoted value to long-term tier")
	if closest {
		s.mu.Lock()
		s.longTermOwn[key] = true
		s.mu.Unlock()
		if s.BroadcastHook != nil {
			s.BroadcastHook(key, data)
		}
	}
}

// Get returns a value, checking the cache tier before the long-term
// tier. Neither lookup affects recency ordering.
func (s *Store) Get(key dhtkey.Key) ([]byte, bool) {
	if v, ok := s.cache.TryGet(key); ok {
		return v, true
	}
	if v, ok := s.longTerm.TryGet(key); ok {
		return v, true
	}
	return nil, false
}

// Expire removes entries older than max_age from both tiers. The
// node supervisor drives this on a max_age/3 ticker.
func (s *Store) Expire() {
	expiredCache := s.cache.ExpireOld()
	expiredLongTerm := s.longTerm.ExpireOld()

	s.mu.Lock()
	for _, key := range expiredCache {
		if sz, ok := s.cacheBytes[key]; ok {
			s.totalBytes -= sz
			delete(s.cacheBytes, key)
		}
	}
	for _, key := range expiredLongTerm {
		if sz, ok := s.longTermBytes[key]; ok {
			s.totalBytes -= sz
			delete(s.longTermBytes, key)
		}
		delete(s.longTermOwn, key)
	}
	s.mu.Unlock()

	if len(expiredCache) > 0 || len(expiredLongTerm) > 0 {
		s.log.WithFields(logrus.Fields{
			"cache_expired":     len(expiredCache),
			"long_term_expired": len(expiredLongTerm),
		}).Debug("expired stale entries")
	}
}

// RunExpiryLoop periodically calls Expire until ctx is done.
func (s *Store) RunExpiryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Expire()
		}
	}
}

// Stats summarizes both tiers combined.
type Stats struct {
	CacheCount    int
	LongTermCount int
	TotalBytes    int
	Oldest        time.Time
	HasOldest     bool
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	totalBytes := s.totalBytes
	s.mu.Unlock()

	st := Stats{CacheCount: s.cache.Count(), LongTermCount: s.longTerm.Count(), TotalBytes: totalBytes}
	oldestCache, okC := s.cache.OldestTimestamp()
	oldestLT, okL := s.longTerm.OldestTimestamp()
	switch {
	case okC && okL:
		if oldestCache.Before(oldestLT) {
			st.Oldest, st.HasOldest = oldestCache, true
		} else {
			st.Oldest, st.HasOldest = oldestLT, true
		}
	case okC:
		st.Oldest, st.HasOldest = oldestCache, true
	case okL:
		st.Oldest, st.HasOldest = oldestLT, true
	}
	return st
}
