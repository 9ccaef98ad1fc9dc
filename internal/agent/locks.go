package agent

import "sync"

// conversationLocks provides per-conversation mutual exclusion so two
// emails resolving to the same conversation are processed to
// completion in a strictly serialized order. Entries are reference
// counted and removed once the last holder releases, so the map does
// not grow with conversation count.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the conversation's lock is held and returns
// the release function.
func (c *conversationLocks) acquire(conversationID string) func() {
	c.mu.Lock()
	entry, ok := c.locks[conversationID]
	if !ok {
		entry = &lockEntry{}
		c.locks[conversationID] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}
