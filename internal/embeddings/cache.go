package embeddings

import "sync"

// vectorCache is a bounded FIFO cache of embeddings keyed by prompt.
// A question is embedded once for retrieval and again when it is ratified,
// so recent prompts are worth keeping.
type vectorCache struct {
	mu    sync.Mutex
	size  int
	order []string
	items map[string][]float32
}

func newVectorCache(size int) *vectorCache {
	if size <= 0 {
		return nil
	}
	return &vectorCache{size: size, items: make(map[string][]float32, size)}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

func (c *vectorCache) put(key string, v []float32) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return
	}
	if len(c.order) >= c.size {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, key)
	c.items[key] = append([]float32(nil), v...)
}

func (c *vectorCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
