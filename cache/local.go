package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// shardCount bounds lock contention on the local tier. Keys hash to a
// shard; each shard carries an equal slice of the byte budget.
const shardCount = 16

type (
	// Local is the in-process tier: a sharded LRU with a byte budget and
	// per-entry TTL. Eviction within a shard is strict LRU; expired entries
	// are dropped on read and lazily during eviction.
	Local struct {
		shards [shardCount]*shard
	}

	shard struct {
		mu       sync.Mutex
		maxBytes int64
		bytes    int64
		order    *list.List // front = most recently used
		entries  map[string]*list.Element
	}

	entry struct {
		key     string
		value   []byte
		size    int64
		created time.Time
		expires time.Time
	}
)

// NewLocal builds a local tier with the given total byte budget.
func NewLocal(maxBytes int64) *Local {
	if maxBytes < shardCount {
		maxBytes = shardCount
	}
	l := &Local{}
	per := maxBytes / shardCount
	for i := range l.shards {
		l.shards[i] = &shard{
			maxBytes: per,
			order:    list.New(),
			entries:  make(map[string]*list.Element),
		}
	}
	return l
}

func (l *Local) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// Get returns the cached value, or ok=false on miss or expiry.
func (l *Local) Get(key string, now time.Time) ([]byte, bool) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expires.IsZero() && !now.Before(e.expires) {
		s.removeLocked(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the given TTL, evicting LRU entries as
// needed to honor the shard byte budget. Values larger than a whole shard
// are not cached.
func (l *Local) Set(key string, value []byte, ttl time.Duration, now time.Time) {
	s := l.shardFor(key)
	size := int64(len(key) + len(value))
	if size > s.maxBytes {
		return
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	for s.bytes+size > s.maxBytes {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.removeLocked(back)
	}
	e := &entry{key: key, value: value, size: size, created: now, expires: expires}
	s.entries[key] = s.order.PushFront(e)
	s.bytes += size
}

// Delete removes key from the local tier.
func (l *Local) Delete(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
}

// Bytes returns the current total resident size across shards.
func (l *Local) Bytes() int64 {
	var total int64
	for _, s := range l.shards {
		s.mu.Lock()
		total += s.bytes
		s.mu.Unlock()
	}
	return total
}

// Len returns the number of resident entries.
func (l *Local) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (s *shard) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.order.Remove(el)
	delete(s.entries, e.key)
	s.bytes -= e.size
}
