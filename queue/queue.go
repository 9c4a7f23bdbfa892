// Package queue is the outbound mail spool: the deliveries/
// delivery_recipients tables, the process-wide SpoolManager singleton
// that wakes on NOTIFY/timer, and the DeliveryAgent that owns one
// delivery attempt end to end. Grounded on mjl--mox/queue/queue.go for
// the spool-row/filter shape and mjl--mox/queue/direct.go for the
// per-attempt delivery steps, adapted from mox's bstore message queue to
// this system's relational deliveries/delivery_recipients tables, with
// NOTIFY-driven wakeup in place of bstore's in-process Changed()
// subscription.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/smtpaddr"
	"github.com/usrlocalben/corvid/store"
)

var log = mlog.New("queue")

// RecipientStatus is one recipient's outcome so far: Unknown, Relayed,
// Delayed, or Failed (Relayed standing in for the successful terminal
// state, matching DSN action vocabulary).
type RecipientStatus string

const (
	StatusUnknown RecipientStatus = "unknown"
	StatusRelayed RecipientStatus = "relayed"
	StatusDelayed RecipientStatus = "delayed"
	StatusFailed  RecipientStatus = "failed"
)

// Recipient is one delivery_recipients row.
type Recipient struct {
	ID          int64
	DeliveryID  int64
	Localpart   string
	Domain      string
	Status      RecipientStatus
	Ecode       string
	LastAttempt *time.Time
}

func (r Recipient) Path() smtpaddr.Path {
	return smtpaddr.Path{Localpart: smtpaddr.Localpart(r.Localpart), Domain: smtpaddr.Domain(r.Domain)}
}

// Delivery is one deliveries row: one spooled message addressed to one
// or more external recipients, sharing a single sender envelope.
type Delivery struct {
	ID              int64
	SenderLocalpart string
	SenderDomain    string
	Data            []byte
	CreatedAt       time.Time
	TriedAt         *time.Time
	DeliverAfter    time.Time
	ExpiresAt       time.Time
	Recipients      []Recipient
}

func (d Delivery) Sender() smtpaddr.Path {
	return smtpaddr.Path{Localpart: smtpaddr.Localpart(d.SenderLocalpart), Domain: smtpaddr.Domain(d.SenderDomain)}
}

// NotifyChannel is the LISTEN/NOTIFY channel name the spool manager
// subscribes to and Enqueue notifies on commit.
const NotifyChannel = "deliveries_updated"

// Enqueue inserts a new deliveries row plus one delivery_recipients row
// per rcpt, commits, and NOTIFYs the spool manager. deliverAfter lets a
// caller (e.g. BURL/HOLDFOR handling) schedule a future attempt; a zero
// value means "as soon as possible".
func Enqueue(ctx context.Context, db *store.DB, sender smtpaddr.Path, rcpts []smtpaddr.Path, data []byte, deliverAfter time.Time, expires time.Duration) (int64, error) {
	tx, err := db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := EnqueueTx(ctx, tx, sender, rcpts, data, deliverAfter, expires)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delivery: %w", err)
	}
	if err := db.Notify(ctx, NotifyChannel, fmt.Sprint(id)); err != nil {
		log.Infox("notifying deliveries_updated", err)
	}
	return id, nil
}

// EnqueueTx does Enqueue's inserts against a transaction the caller owns,
// so a multi-recipient delivery that fans out to both local mailboxes and
// the outbound spool can commit everything as one unit. Callers still own
// the NOTIFY after their own commit succeeds.
func EnqueueTx(ctx context.Context, tx *sql.Tx, sender smtpaddr.Path, rcpts []smtpaddr.Path, data []byte, deliverAfter time.Time, expires time.Duration) (int64, error) {
	if deliverAfter.IsZero() {
		deliverAfter = time.Now()
	}
	var id int64
	row := tx.QueryRowContext(ctx, `
		INSERT INTO deliveries (sender_localpart, sender_domain, data, created_at, deliver_after, expires_at)
		VALUES ($1, $2, $3, now(), $4, now() + $5)
		RETURNING id`,
		string(sender.Localpart), string(sender.Domain), data, deliverAfter, expires.Seconds())
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting delivery: %w", err)
	}
	for _, r := range rcpts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_recipients (delivery_id, localpart, domain, status)
			VALUES ($1, $2, $3, $4)`,
			id, string(r.Localpart), string(r.Domain), StatusUnknown); err != nil {
			return 0, fmt.Errorf("inserting recipient: %w", err)
		}
	}
	return id, nil
}

// dueQuery implements the spool manager's (message_id, delay_seconds)
// scan: candidates are deliveries whose deliver_after has passed and
// that still have at least one recipient with status 'unknown', ordered
// so the soonest-due row comes first. Expiry is checked by the
// DeliveryAgent once it holds the row lock.
const dueQuery = `
	SELECT id, sender_localpart, sender_domain, data, created_at, tried_at, deliver_after, expires_at
	FROM deliveries
	WHERE deliver_after <= now()
	  AND EXISTS (
	      SELECT 1 FROM delivery_recipients r
	      WHERE r.delivery_id = deliveries.id AND r.status = 'unknown'
	  )
	ORDER BY deliver_after
	LIMIT $1`

// Due returns up to limit deliveries ready for an attempt right now.
func Due(ctx context.Context, db *store.DB, limit int) ([]Delivery, error) {
	rows, err := db.SQL().QueryContext(ctx, dueQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due deliveries: %w", err)
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SenderLocalpart, &d.SenderDomain, &d.Data, &d.CreatedAt, &d.TriedAt, &d.DeliverAfter, &d.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		recs, err := recipientsFor(ctx, db.SQL(), out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Recipients = recs
	}
	return out, nil
}

// querier is the read subset both *sql.DB and *sql.Tx satisfy, letting
// recipientsFor run either as a standalone read (SpoolManager.Due) or
// inside a DeliveryAgent's row-locking transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func recipientsFor(ctx context.Context, q querier, deliveryID int64) ([]Recipient, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, delivery_id, localpart, domain, status, ecode, last_attempt
		FROM delivery_recipients WHERE delivery_id = $1 ORDER BY id`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("loading recipients: %w", err)
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.DeliveryID, &r.Localpart, &r.Domain, &r.Status, &r.Ecode, &r.LastAttempt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextDeliverAfter computes the earliest future deliver_after across all
// still-pending deliveries, for the spool manager's timer when nothing is
// due right now. Returns the zero Duration if nothing is pending.
func NextDeliverAfter(ctx context.Context, db *store.DB) (time.Duration, bool) {
	var secs sql.NullFloat64
	row := db.SQL().QueryRowContext(ctx, `
		SELECT EXTRACT(EPOCH FROM (MIN(deliver_after) - now()))
		FROM deliveries d
		WHERE EXISTS (SELECT 1 FROM delivery_recipients r WHERE r.delivery_id = d.id AND r.status = 'unknown')`)
	if err := row.Scan(&secs); err != nil || !secs.Valid {
		return 0, false
	}
	if secs.Float64 <= 0 {
		return 0, true
	}
	return time.Duration(secs.Float64 * float64(time.Second)), true
}

// CountHeld reports how many deliveries are pending but not yet due
// (deliver_after, set at enqueue time, still in the future).
func CountHeld(ctx context.Context, db *store.DB) (int, error) {
	var n int
	row := db.SQL().QueryRowContext(ctx, `
		SELECT count(*) FROM deliveries d
		WHERE d.deliver_after > now()
		AND EXISTS (SELECT 1 FROM delivery_recipients r WHERE r.delivery_id = d.id AND r.status = 'unknown')`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting held deliveries: %w", err)
	}
	return n, nil
}

