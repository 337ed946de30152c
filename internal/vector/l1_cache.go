package vector

import (
	"container/list"
	"sync"
)

// l1Cache is the hot tier: a bounded id→fragment map with LRU eviction.
// A single mutex guards it; the tier below (L2/L3) is the source of truth,
// so eviction is silent.
type l1Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type l1Entry struct {
	key      string
	fragment *Fragment
}

func newL1Cache(capacity int) *l1Cache {
	if capacity <= 0 {
		capacity = 500
	}
	return &l1Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// l1Key namespaces ids by project so two projects can share the cache.
func l1Key(projectKey, id string) string {
	return projectKey + "\x00" + id
}

func (c *l1Cache) get(projectKey, id string) (*Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[l1Key(projectKey, id)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*l1Entry).fragment, true
}

func (c *l1Cache) put(f *Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := l1Key(f.ProjectKey, f.ID)
	if el, ok := c.entries[key]; ok {
		el.Value.(*l1Entry).fragment = f
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&l1Entry{key: key, fragment: f})
	c.entries[key] = el
	for c.order.Len() > c.capacity {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*l1Entry).key)
	}
}

func (c *l1Cache) remove(projectKey, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := l1Key(projectKey, id)
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *l1Cache) removeFunc(projectKey string, pred func(*Fragment) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*l1Entry)
		if entry.fragment.ProjectKey == projectKey && pred(entry.fragment) {
			c.order.Remove(el)
			delete(c.entries, entry.key)
		}
		el = next
	}
}

func (c *l1Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
