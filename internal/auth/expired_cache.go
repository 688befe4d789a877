package auth

import "sync"

// expiredCache is a bounded LRU set of token digests that already failed
// verification as expired. Keeping digests rather than tokens bounds
// memory and keeps credential bytes out of long-lived state.
type expiredCache struct {
	mu         sync.Mutex
	entries    map[[32]byte]*cacheNode
	head, tail *cacheNode
	capacity   int
}

type cacheNode struct {
	key        [32]byte
	prev, next *cacheNode
}

func newExpiredCache(capacity int) *expiredCache {
	head := &cacheNode{}
	tail := &cacheNode{}
	head.next = tail
	tail.prev = head
	return &expiredCache{
		entries:  make(map[[32]byte]*cacheNode, capacity),
		head:     head,
		tail:     tail,
		capacity: capacity,
	}
}

func (c *expiredCache) Has(key [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[key]
	if ok {
		c.moveToHead(node)
	}
	return ok
}

func (c *expiredCache) Put(key [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.entries[key]; ok {
		c.moveToHead(node)
		return
	}

	if len(c.entries) >= c.capacity {
		oldest := c.tail.prev
		c.remove(oldest)
		delete(c.entries, oldest.key)
	}

	node := &cacheNode{key: key}
	c.entries[key] = node
	c.addToHead(node)
}

func (c *expiredCache) addToHead(node *cacheNode) {
	node.prev = c.head
	node.next = c.head.next
	c.head.next.prev = node
	c.head.next = node
}

func (c *expiredCache) remove(node *cacheNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (c *expiredCache) moveToHead(node *cacheNode) {
	c.remove(node)
	c.addToHead(node)
}
