package inventory

import "sync"

// tagCache remembers every EPC seen in the current session and the TID read
// for it, so a tag is sub-read at most once per session.
type tagCache struct {
	mu   sync.RWMutex
	tids map[string]string
}

func newTagCache() *tagCache {
	return &tagCache{tids: make(map[string]string)}
}

func (c *tagCache) Reset() {
	c.mu.Lock()
	c.tids = make(map[string]string)
	c.mu.Unlock()
}

// Add records epc and reports whether it is new.
func (c *tagCache) Add(epc string) bool {
	if epc == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tids[epc]; exists {
		return false
	}
	c.tids[epc] = ""
	return true
}

func (c *tagCache) TID(epc string) (string, bool) {
	c.mu.RLock()
	tid, ok := c.tids[epc]
	c.mu.RUnlock()
	return tid, ok && tid != ""
}

func (c *tagCache) SetTID(epc, tid string) {
	if epc == "" || tid == "" {
		return
	}
	c.mu.Lock()
	c.tids[epc] = tid
	c.mu.Unlock()
}

func (c *tagCache) Size() int {
	c.mu.RLock()
	size := len(c.tids)
	c.mu.RUnlock()
	return size
}
