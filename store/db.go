package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/usrlocalben/corvid/mlog"
)

var log = mlog.New("store")

// DB is the process-wide connection pool. Every transaction that touches a
// mailbox's messages takes out SELECT ... FOR UPDATE on the mailbox row
// first, making mailbox-level serialization a property of Postgres's lock
// manager rather than of in-process mutexes; this is what lets several
// imapserver/smtpserver/queue goroutines share one *sql.DB safely.
type DB struct {
	sql *sql.DB
	dsn string
}

// Open connects to Postgres and checks the connection with a ping. The
// LISTEN session on deliveries_updated is set up separately by Listener.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{sql: sqldb, dsn: dsn}, nil
}

func (db *DB) Close() error { return db.sql.Close() }

// SQL exposes the underlying pool to sibling domain packages (queue) that
// own their own tables (deliveries, delivery_recipients) but share this
// process's one connection pool and LISTEN/NOTIFY wiring.
func (db *DB) SQL() *sql.DB { return db.sql }

// Listener returns a pq.Listener subscribed to channel, reconnecting
// automatically on connection loss. Callers read Listener.Notify for
// wakeups and must tolerate spurious/missed notifications by also polling
// on their own ceiling (queue.SpoolManager does both).
func (db *DB) Listener(channel string, eventCb pq.EventCallbackType) *pq.Listener {
	l := pq.NewListener(db.dsn, 1, 30, eventCb)
	if err := l.Listen(channel); err != nil {
		// Listen only fails on a connection problem; the listener's internal
		// reconnect loop will retry and re-issue LISTEN, so this is logged,
		// not fatal.
		log.Error("initial LISTEN failed, relying on reconnect", mlog.Field("channel", channel), mlog.Field("err", err.Error()))
	}
	return l
}

// Notify sends a NOTIFY on channel with payload, used after committing a
// transaction that inserted or reactivated a deliveries row.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.sql.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

// BeginTx starts a transaction. Callers that need mailbox-level
// serialization follow with a SELECT ... FOR UPDATE on the mailbox row
// (see LockMailbox).
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return db.sql.BeginTx(ctx, nil)
}

// LockMailbox takes out a row lock on mailboxes.id, blocking any
// concurrent mutator of that mailbox (another session's EXPUNGE, a
// concurrent APPEND, local delivery) until this transaction commits or
// rolls back. This is the relational stand-in for an in-process
// per-account mutex.
func LockMailbox(ctx context.Context, tx *sql.Tx, mailboxID int64) (Mailbox, error) {
	var mb Mailbox
	row := tx.QueryRowContext(ctx, `
		SELECT id, account_id, name, uidnext, uidvalidity, nextmodseq, deleted, subscribed, specialuse
		FROM mailboxes WHERE id = $1 FOR UPDATE`, mailboxID)
	err := row.Scan(&mb.ID, &mb.AccountID, &mb.Name, &mb.UIDNext, &mb.UIDValidity, &mb.NextModSeq, &mb.Deleted, &mb.Subscribed, &mb.SpecialUse)
	if err != nil {
		return Mailbox{}, fmt.Errorf("locking mailbox %d: %w", mailboxID, err)
	}
	return mb, nil
}

func isUniqueViolation(err error) bool {
	var pqerr *pq.Error
	if e, ok := err.(*pq.Error); ok {
		pqerr = e
	}
	return pqerr != nil && pqerr.Code == "23505"
}
