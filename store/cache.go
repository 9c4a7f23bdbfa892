package store

import "sync"

// cacheKey identifies one message within one mailbox. Entries, content
// facets included, are keyed by (mailboxID, uid); a COPY/MOVE destination
// is a new key and starts with no facets loaded.
type cacheKey struct {
	mailboxID int64
	uid       UID
}

type cacheEntry struct {
	msg  *Message
	refs int
}

// Cache is the process-wide, content-addressed holder of loaded message
// facets, shared by every session so that one FETCH's disk/network cost is
// paid once even when a dozen sessions have the same mailbox selected.
// Grounded on mjl--mox/store/state.go's cache of parsed message parts,
// generalized from its single bstore-backed field to a multi-facet model.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	byID    map[int64]map[cacheKey]bool // content ID -> set of keys sharing it, for eviction-on-expunge bookkeeping.
	maxSize int
}

func NewCache(maxSize int) *Cache {
	return &Cache{
		entries: map[cacheKey]*cacheEntry{},
		byID:    map[int64]map[cacheKey]bool{},
		maxSize: maxSize,
	}
}

// Acquire returns the cached Message for (mailboxID,uid), creating an
// empty placeholder with contentID/UID/ModSeq set if absent, and
// incrementing its reference count. Callers must call Release when the
// session no longer needs the reference (typically: after assembling one
// FETCH response, or on UNSELECT/logout for the whole mailbox).
func (c *Cache) Acquire(mailboxID int64, uid UID, contentID int64, modSeq ModSeq) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{mailboxID, uid}
	e, ok := c.entries[k]
	if !ok {
		e = &cacheEntry{msg: &Message{ID: contentID, MailboxID: mailboxID, UID: uid, ModSeq: modSeq}}
		c.entries[k] = e
		if c.byID[contentID] == nil {
			c.byID[contentID] = map[cacheKey]bool{}
		}
		c.byID[contentID][k] = true
	}
	e.refs++
	return e.msg
}

// Release decrements (mailboxID,uid)'s reference count, evicting it once
// no session holds a reference and the cache is over maxSize. A message
// with zero refs but under budget is kept warm for the next FETCH.
func (c *Cache) Release(mailboxID int64, uid UID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{mailboxID, uid}
	e, ok := c.entries[k]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && len(c.entries) > c.maxSize {
		c.evict(k, e.msg.ID)
	}
}

// Invalidate drops any cached facets for (mailboxID,uid) regardless of
// reference count, used after an EXPUNGE so a stale Envelope/Root never
// survives the row's deletion and gets re-associated with a reused UID
// under a new uidvalidity.
func (c *Cache) Invalidate(mailboxID int64, uid UID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{mailboxID, uid}
	if e, ok := c.entries[k]; ok {
		c.evict(k, e.msg.ID)
	}
}

func (c *Cache) evict(k cacheKey, contentID int64) {
	delete(c.entries, k)
	if m := c.byID[contentID]; m != nil {
		delete(m, k)
		if len(m) == 0 {
			delete(c.byID, contentID)
		}
	}
}

// Len reports the number of cached (mailboxID,uid) entries, for metrics
// and tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
