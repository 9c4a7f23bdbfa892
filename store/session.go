package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sort"

	"github.com/lib/pq"
)

// Session is one connection's SELECTed-mailbox state: the UID<->MSN
// mapping it has observed, which UIDs it considers \Recent, and the
// highest ModSeq it has reported (for CONDSTORE/QRESYNC). A Session is not
// safe for concurrent use; it belongs to exactly one connection's
// goroutine.
type Session struct {
	acc     *Account
	Mailbox Mailbox
	comm    *Comm

	uids   []UID // Ascending, MSN i+1 == uids[i]. The session's frozen view between syncs.
	recent map[UID]bool
	highestModSeq ModSeq
}

// Select opens mb for the session, taking a snapshot of its current UIDs.
// comm is the session's already-registered Comm; Select does not register
// or unregister it, only reads from it going forward via Sync.
func Select(ctx context.Context, acc *Account, mb Mailbox, comm *Comm) (*Session, error) {
	rows, err := acc.db.sql.QueryContext(ctx, `
		SELECT uid FROM messages WHERE mailbox_id = $1 AND NOT expunged ORDER BY uid`, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("listing uids: %w", err)
	}
	defer rows.Close()
	var uids []UID
	for rows.Next() {
		var u UID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uids = append(uids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Session{acc: acc, Mailbox: mb, comm: comm, uids: uids, recent: map[UID]bool{}, highestModSeq: mb.NextModSeq - 1}, nil
}

// NumMessages is EXISTS.
func (s *Session) NumMessages() int { return len(s.uids) }

// UIDs returns the session's current ascending UID slice. Index i
// corresponds to MSN i+1. Callers must not retain the slice past the next
// Sync call.
func (s *Session) UIDs() []UID { return s.uids }

// MSN converts a UID to its 1-based sequence number in the session's
// current view, or 0 if the UID is not present.
func (s *Session) MSN(uid UID) int {
	i := sort.Search(len(s.uids), func(i int) bool { return s.uids[i] >= uid })
	if i < len(s.uids) && s.uids[i] == uid {
		return i + 1
	}
	return 0
}

// UIDAt returns the UID at 1-based sequence number msn, or 0 if out of
// range.
func (s *Session) UIDAt(msn int) UID {
	if msn < 1 || msn > len(s.uids) {
		return 0
	}
	return s.uids[msn-1]
}

// MarkRecent flags uid as session-local \Recent, typically because this
// session's APPEND or local delivery added it.
func (s *Session) MarkRecent(uid UID) { s.recent[uid] = true }

func (s *Session) IsRecent(uid UID) bool { return s.recent[uid] }

// Expunged is one removed UID together with the MSN it held immediately
// before removal, which is what an untagged EXPUNGE must report (RFC
// 3501 §7.4.1): as a batch of EXPUNGEs is emitted, each one shifts every
// higher MSN down by one, so later lines in the same batch must already
// account for earlier ones.
type Expunged struct {
	UID UID
	MSN int
}

// ApplyChanges folds a batch of Comm-delivered changes into the session's
// UID list, returning the untagged-response-worthy effects: newly visible
// UIDs (for EXISTS/RECENT) and removed UIDs with their pre-removal MSNs
// (for EXPUNGE), in the order the scheduler should emit them. It does not
// itself write responses.
func (s *Session) ApplyChanges(changes []Change) (added []UID, removed []Expunged) {
	for _, ch := range changes {
		switch c := ch.(type) {
		case ChangeAddUID:
			if c.MailboxID != s.Mailbox.ID {
				continue
			}
			s.insertUID(c.UID)
			added = append(added, c.UID)
			if c.ModSeq > s.highestModSeq {
				s.highestModSeq = c.ModSeq
			}
		case ChangeRemoveUIDs:
			if c.MailboxID != s.Mailbox.ID {
				continue
			}
			for _, u := range c.UIDs {
				if msn := s.MSN(u); msn > 0 && s.removeUID(u) {
					removed = append(removed, Expunged{UID: u, MSN: msn})
				}
			}
			if c.ModSeq > s.highestModSeq {
				s.highestModSeq = c.ModSeq
			}
		case ChangeFlags:
			if c.MailboxID == s.Mailbox.ID && c.ModSeq > s.highestModSeq {
				s.highestModSeq = c.ModSeq
			}
		}
	}
	return added, removed
}

func (s *Session) insertUID(uid UID) {
	i := sort.Search(len(s.uids), func(i int) bool { return s.uids[i] >= uid })
	if i < len(s.uids) && s.uids[i] == uid {
		return
	}
	s.uids = append(s.uids, 0)
	copy(s.uids[i+1:], s.uids[i:])
	s.uids[i] = uid
}

func (s *Session) removeUID(uid UID) bool {
	i := sort.Search(len(s.uids), func(i int) bool { return s.uids[i] >= uid })
	if i >= len(s.uids) || s.uids[i] != uid {
		return false
	}
	s.uids = append(s.uids[:i], s.uids[i+1:]...)
	delete(s.recent, uid)
	return true
}

// HighestModSeq is HIGHESTMODSEQ for this session's current view.
func (s *Session) HighestModSeq() ModSeq { return s.highestModSeq }

// UIDsSince returns the subset of the session's current UIDs whose
// message row has modseq > since, for CONDSTORE's CHANGEDSINCE
// narrowing.
func (s *Session) UIDsSince(ctx context.Context, since ModSeq, candidates []UID) ([]UID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	rows, err := s.acc.db.sql.QueryContext(ctx, `
		SELECT uid FROM messages
		WHERE mailbox_id = $1 AND NOT expunged AND modseq > $2 AND uid = ANY($3)
		ORDER BY uid`, s.Mailbox.ID, since, pqUIDArray(candidates))
	if err != nil {
		return nil, fmt.Errorf("querying changed uids: %w", err)
	}
	defer rows.Close()
	var out []UID
	for rows.Next() {
		var u UID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Close marks the session done with its mailbox. Cache references are
// acquired and released per-fetch by LoadFacets/its callers, not by the
// session itself, so there is nothing to release here; Close exists as
// the symmetric counterpart to Select for callers that track session
// lifetime regardless. Sessions do not unregister the Comm: the
// connection owns that lifecycle since one Comm can outlive multiple
// SELECT/UNSELECT cycles.
func (s *Session) Close() {
}

// pqUIDArray converts a UID slice to the driver value lib/pq expects for
// a "= ANY($n)" placeholder.
func pqUIDArray(uids []UID) driver.Valuer {
	out := make([]int64, len(uids))
	for i, u := range uids {
		out[i] = int64(u)
	}
	return pq.Array(out)
}
