package store

// Change is the broadcast unit a switchboard forwards to every other
// session interested in a mailbox: one committed transaction's effect,
// described precisely enough for a receiving session to turn it into
// untagged IMAP responses without re-querying the database. Grounded on
// mjl--mox/store/state.go's Change* family.
type Change interface{}

type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     Flags
	Keywords  []string
}

type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []UID
	ModSeq    ModSeq
}

type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	Flags     Flags
	Keywords  []string
}

type ChangeAnnotation struct {
	MailboxID int64
	UID       UID
	Entry     string
}

type ChangeMailboxCreate struct {
	Mailbox Mailbox
}

type ChangeMailboxRemove struct {
	MailboxID int64
	Name      string
}

type ChangeMailboxRename struct {
	MailboxID int64
	OldName   string
	NewName   string
}

// Comm is a session's handle to its account's switchboard: Broadcast sends
// a change out to every other registered Comm for the account; Get drains
// changes addressed to this Comm, non-blocking so a connection's main
// select loop never stalls on a slow peer.
type Comm struct {
	accountID int64
	changes   chan []Change
}

// Get returns the channel on which batches of changes arrive; Unregister
// closes it. imapserver's IDLE loop and drainComm select on it.
func (c *Comm) Get() <-chan []Change { return c.changes }

type sbRegister struct {
	accountID int64
	comm      *Comm
}

type sbBroadcast struct {
	accountID int64
	origin    *Comm
	changes   []Change
}

// Switchboard is the process-wide fan-out hub: one goroutine owns the
// registry of live Comms per account and serializes register/unregister/
// broadcast through channels, so no lock is needed in the hot broadcast
// path. Grounded on mjl--mox/store/state.go's switchboard().
type Switchboard struct {
	register   chan sbRegister
	unregister chan *Comm
	broadcast  chan sbBroadcast
}

var sb = newSwitchboard()

func newSwitchboard() *Switchboard {
	s := &Switchboard{
		register:   make(chan sbRegister),
		unregister: make(chan *Comm),
		broadcast:  make(chan sbBroadcast),
	}
	go s.run()
	return s
}

func (s *Switchboard) run() {
	comms := map[int64]map[*Comm]bool{} // accountID -> set of registered Comms.

	for {
		select {
		case r := <-s.register:
			if comms[r.accountID] == nil {
				comms[r.accountID] = map[*Comm]bool{}
			}
			comms[r.accountID][r.comm] = true

		case c := <-s.unregister:
			if m, ok := comms[c.accountID]; ok {
				delete(m, c)
				if len(m) == 0 {
					delete(comms, c.accountID)
				}
			}
			close(c.changes)

		case b := <-s.broadcast:
			for c := range comms[b.accountID] {
				if c == b.origin {
					continue
				}
				select {
				case c.changes <- b.changes:
				default:
					// A session that isn't draining its Comm fast enough loses this
					// batch; it will still see the new state on its next database
					// read (e.g. the next SELECT ... FOR UPDATE), so this is a lost
					// notification, not a lost change.
				}
			}
		}
	}
}

// RegisterComm creates and registers a new Comm for accountID. The caller
// must call Unregister when the session ends.
func RegisterComm(accountID int64) *Comm {
	c := &Comm{accountID: accountID, changes: make(chan []Change, 64)}
	sb.register <- sbRegister{accountID, c}
	return c
}

// Unregister removes c from its account's switchboard and closes its
// channel; Get's caller should stop selecting on it afterward.
func (c *Comm) Unregister() {
	sb.unregister <- c
}

// Broadcast sends changes to every other Comm registered for accountID.
// origin may be nil; if non-nil, that Comm is skipped (a session does not
// need its own changes echoed back, it already applied them locally).
func Broadcast(accountID int64, origin *Comm, changes []Change) {
	if len(changes) == 0 {
		return
	}
	sb.broadcast <- sbBroadcast{accountID, origin, changes}
}
