package workspace

import (
	"container/list"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/internal/platform/models"
)

// agentCache is a bounded LRU of agent descriptors with a soft TTL. Expired
// entries are dropped on access; inserting past capacity evicts the least
// recently used entry.
type agentCache struct {
	ttl time.Duration
	max int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	agent    *models.Agent
	storedAt time.Time
}

func newAgentCache(ttl time.Duration, max int) *agentCache {
	if max < 1 {
		max = 1
	}
	return &agentCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *agentCache) get(agentID string) (*models.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[agentID]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, agentID)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return entry.agent, true
}

func (c *agentCache) put(agent *models.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[agent.ID]; ok {
		elem.Value = &cacheEntry{agent: agent, storedAt: time.Now()}
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).agent.ID)
		}
	}
	c.entries[agent.ID] = c.order.PushFront(&cacheEntry{agent: agent, storedAt: time.Now()})
}

func (c *agentCache) remove(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[agentID]; ok {
		c.order.Remove(elem)
		delete(c.entries, agentID)
	}
}

func (c *agentCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *agentCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// hitRate returns the fraction of lookups served from cache, or 0 before the
// first lookup.
func (c *agentCache) hitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
