package queue

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/usrlocalben/corvid/dsn"
	"github.com/usrlocalben/corvid/metrics"
	"github.com/usrlocalben/corvid/mlog"
	"github.com/usrlocalben/corvid/smtpaddr"
	"github.com/usrlocalben/corvid/smtpclient"
	"github.com/usrlocalben/corvid/store"
)

// Injector delivers a composed DSN (or any other locally-originated
// message) back into the mail system for the given recipient, used for
// the bounce generated on partial/total failure. The equivalent of
// Archiveopteryx's outbound spool injection step is this system's
// outbound spool (for an external recipient) or the recipient's own
// INBOX (for a local one).
type Injector interface {
	Inject(ctx context.Context, to smtpaddr.Path, data []byte) error
}

// StoreInjector is the default Injector: local recipients get the bounce
// appended straight to their INBOX; everyone else gets it re-spooled with
// the null reverse-path, so a bounce of a bounce can never loop.
type StoreInjector struct {
	DB    *store.DB
	Cache *store.Cache
}

func (si *StoreInjector) Inject(ctx context.Context, to smtpaddr.Path, data []byte) error {
	acc, err := store.OpenAccount(ctx, si.DB, si.Cache, to.String())
	if err == nil {
		mb, err := acc.Mailbox(ctx, "INBOX")
		if err != nil {
			return fmt.Errorf("locating bounce recipient's INBOX: %w", err)
		}
		_, err = acc.Append(ctx, mb.ID, int64(len(data)), time.Now(), store.Flags{}, nil, nil, nil, nil)
		return err
	}
	if err != store.ErrNotFound {
		return err
	}
	_, err = Enqueue(ctx, si.DB, smtpaddr.Path{}, []smtpaddr.Path{to}, data, time.Time{}, 4*24*time.Hour)
	return err
}

// DeliveryAgent owns one delivery attempt end to end: lock the row, skip
// if not yet retriable, dial/reuse a client,
// hand it the recipient list, record outcomes, and bounce on failure.
type DeliveryAgent struct {
	db            *store.DB
	pool          *smtpclient.Pool
	injector      Injector
	ehloHost      string
	smartHost     string
	retryInterval time.Duration
	mgr           *SpoolManager
}

// Attempt runs one delivery attempt for deliveryID.
func (a *DeliveryAgent) Attempt(ctx context.Context, deliveryID int64) error {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.QueueDeliveryDuration.WithLabelValues("1", result).Observe(time.Since(start).Seconds())
	}()

	tx, err := a.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		result = "error"
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var d Delivery
	row := tx.QueryRowContext(ctx, `
		SELECT id, sender_localpart, sender_domain, data, created_at, tried_at, deliver_after, expires_at
		FROM deliveries WHERE id = $1 FOR UPDATE`, deliveryID)
	if err := row.Scan(&d.ID, &d.SenderLocalpart, &d.SenderDomain, &d.Data, &d.CreatedAt, &d.TriedAt, &d.DeliverAfter, &d.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil // already completed and removed by a concurrent attempt.
		}
		result = "error"
		return fmt.Errorf("locking delivery %d: %w", deliveryID, err)
	}
	if d.TriedAt != nil && d.TriedAt.Add(a.retryInterval).After(time.Now()) {
		return nil // not yet retriable; SpoolManager's query shouldn't have selected this, but double-check under the lock.
	}

	recs, err := recipientsFor(ctx, tx, d.ID)
	if err != nil {
		result = "error"
		return err
	}
	d.Recipients = recs

	expired := time.Now().After(d.ExpiresAt)

	var pending []Recipient
	for _, r := range recs {
		if r.Status == StatusUnknown {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return tx.Commit()
	}

	if expired {
		for _, r := range pending {
			if err := a.updateRecipient(ctx, tx, r.ID, StatusFailed, "5.4.7"); err != nil {
				result = "error"
				return err
			}
		}
		if err := a.finishAttempt(ctx, tx, d.ID); err != nil {
			result = "error"
			return err
		}
		if err := tx.Commit(); err != nil {
			a.mgr.shutdown()
			result = "error"
			return fmt.Errorf("committing expired delivery: %w", err)
		}
		committed = true
		if !d.Sender().IsZero() {
			a.bounce(ctx, d, pending, "5.4.7 message expired in queue")
		}
		return nil
	}

	client, err := a.pool.Provide(ctx, a.smartHost)
	if err != nil {
		result = "error"
		return fmt.Errorf("obtaining smtp client for %s: %w", a.smartHost, err)
	}

	var failedBounce []Recipient
	if limit := client.SizeLimit(); limit > 0 && int64(len(d.Data)) > limit {
		// The negotiated SIZE extension rules out this message outright;
		// don't even attempt the transaction, and don't hold the client's
		// connection hostage for a send that can never succeed.
		a.pool.Return(a.smartHost, client, true)
		for _, r := range pending {
			if err := a.updateRecipient(ctx, tx, r.ID, StatusFailed, "5.3.4"); err != nil {
				result = "error"
				return err
			}
			failedBounce = append(failedBounce, r)
		}
		pending = nil
	} else if !client.SupportsSMTPUTF8() {
		var sendable []Recipient
		for _, r := range pending {
			if d.Sender().RequiresUTF8() || r.Path().RequiresUTF8() {
				if err := a.updateRecipient(ctx, tx, r.ID, StatusFailed, "5.6.7"); err != nil {
					result = "error"
					return err
				}
				failedBounce = append(failedBounce, r)
				continue
			}
			sendable = append(sendable, r)
		}
		pending = sendable
	}

	if len(pending) == 0 {
		if err := a.finishAttempt(ctx, tx, d.ID); err != nil {
			result = "error"
			return err
		}
		if err := tx.Commit(); err != nil {
			a.mgr.shutdown()
			result = "error"
			return fmt.Errorf("committing delivery attempt: %w", err)
		}
		committed = true
		if len(failedBounce) > 0 && !d.Sender().IsZero() {
			a.bounce(ctx, d, failedBounce, "")
		}
		return nil
	}

	rcptTo := make([]string, len(pending))
	for i, r := range pending {
		rcptTo[i] = r.Path().String()
	}
	resps, err := client.DeliverMultiple(ctx, d.Sender().String(), rcptTo, int64(len(d.Data)), bytes.NewReader(d.Data))
	connFatal := err != nil
	if connFatal {
		a.pool.Evict(a.smartHost)
	} else {
		if rerr := client.Reset(); rerr != nil {
			a.pool.Evict(a.smartHost)
		} else {
			a.pool.Return(a.smartHost, client, true)
		}
	}

	for i, r := range pending {
		if connFatal || i >= len(resps) {
			// Connection died before this recipient's outcome was known; leave
			// it Unknown for the next attempt.
			continue
		}
		resp := resps[i]
		switch {
		case resp.Failed:
			if err := a.updateRecipient(ctx, tx, r.ID, StatusFailed, resp.Ecode); err != nil {
				result = "error"
				return err
			}
			failedBounce = append(failedBounce, r)
		case resp.Delayed:
			if err := a.updateRecipient(ctx, tx, r.ID, StatusDelayed, resp.Ecode); err != nil {
				result = "error"
				return err
			}
		default:
			if err := a.updateRecipient(ctx, tx, r.ID, StatusRelayed, resp.Ecode); err != nil {
				result = "error"
				return err
			}
		}
	}

	if err := a.finishAttempt(ctx, tx, d.ID); err != nil {
		result = "error"
		return err
	}
	if err := tx.Commit(); err != nil {
		a.mgr.shutdown()
		result = "error"
		return fmt.Errorf("committing delivery attempt: %w", err)
	}
	committed = true

	if len(failedBounce) > 0 && !d.Sender().IsZero() {
		a.bounce(ctx, d, failedBounce, "")
	}
	return nil
}

func (a *DeliveryAgent) updateRecipient(ctx context.Context, tx *sql.Tx, id int64, status RecipientStatus, ecode string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE delivery_recipients SET status = $1, ecode = $2, last_attempt = now() WHERE id = $3`,
		status, ecode, id)
	return err
}

func (a *DeliveryAgent) finishAttempt(ctx context.Context, tx *sql.Tx, deliveryID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE deliveries SET tried_at = now() WHERE id = $1`, deliveryID)
	return err
}

// bounce composes and injects a DSN for the recipients in failed.
// Composition/injection failures are logged,
// not propagated, since the delivery attempt itself already committed.
func (a *DeliveryAgent) bounce(ctx context.Context, d Delivery, failed []Recipient, reason string) {
	msg := &dsn.Message{
		From:         smtpaddr.Path{}, // Null reverse-path, per RFC 3464 §3.
		To:           d.Sender(),
		Subject:      "Delivery Status Notification (Failure)",
		ReportingMTA: a.ehloHost,
		ArrivalDate:  d.CreatedAt,
		TextBody:     "The message could not be delivered to the following recipients.",
	}
	for _, r := range failed {
		status := r.Ecode
		if status == "" {
			status = "5.0.0"
		}
		msg.Recipients = append(msg.Recipients, dsn.Recipient{
			FinalRecipient:  r.Path(),
			Action:          dsn.Failed,
			Status:          status,
			LastAttemptDate: time.Now(),
		})
	}
	data, err := msg.Compose()
	if err != nil {
		log.Errorx("composing bounce dsn", err, mlog.Field("delivery", d.ID))
		return
	}
	if err := a.injector.Inject(ctx, d.Sender(), data); err != nil {
		log.Errorx("injecting bounce dsn", err, mlog.Field("delivery", d.ID))
	}
}
