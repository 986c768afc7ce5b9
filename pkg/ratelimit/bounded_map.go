package ratelimit

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// bucketMap is the in-memory bucket store: a map from sanitized key to bucket
// state with LRU eviction. Touching a key on get or set moves it to the
// most-recent end; when the map is full, inserting a new key evicts the
// least-recent entry and increments the eviction counter. A maxSize of zero
// disables eviction entirely.
type bucketMap struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // most recently used at front
	maxSize int

	evictions   atomic.Int64
	expirations atomic.Int64
}

type bucketEntry struct {
	key     string
	state   BucketState
	touched time.Time
}

func newBucketMap(maxSize int) *bucketMap {
	return &bucketMap{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// get returns the state for key, bumping its recency.
func (m *bucketMap) get(key string) (BucketState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.entries[key]
	if !ok {
		return BucketState{}, false
	}
	m.lru.MoveToFront(element)
	entry := element.Value.(*bucketEntry)
	entry.touched = time.Now()
	return entry.state, true
}

// set stores the state for key, bumping its recency and evicting the
// least-recent entry if the map is over capacity.
func (m *bucketMap) set(key string, state BucketState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.entries[key]; ok {
		entry := element.Value.(*bucketEntry)
		entry.state = state
		entry.touched = time.Now()
		m.lru.MoveToFront(element)
		return
	}

	element := m.lru.PushFront(&bucketEntry{key: key, state: state, touched: time.Now()})
	m.entries[key] = element

	for m.maxSize > 0 && m.lru.Len() > m.maxSize {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.removeElement(oldest)
		m.evictions.Add(1)
	}
}

// delete removes key. It reports whether an entry was present.
func (m *bucketMap) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.entries[key]
	if !ok {
		return false
	}
	m.removeElement(element)
	return true
}

// removeElement must be called with the lock held.
func (m *bucketMap) removeElement(element *list.Element) {
	entry := element.Value.(*bucketEntry)
	delete(m.entries, entry.key)
	m.lru.Remove(element)
}

// cleanup removes entries idle longer than ttl, walking from the cold end of
// the recency list. Returns the number removed.
func (m *bucketMap) cleanup(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*bucketEntry)
		if entry.touched.After(cutoff) {
			// The list is ordered by recency; everything further forward is
			// newer still.
			break
		}
		m.removeElement(oldest)
		removed++
	}
	if removed > 0 {
		m.expirations.Add(int64(removed))
	}
	return removed
}

func (m *bucketMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *bucketMap) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
}

func (m *bucketMap) evictionCount() int64 {
	return m.evictions.Load()
}
