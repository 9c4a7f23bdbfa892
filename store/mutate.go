package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Append inserts a new message into mb, assigning the next UID and
// bumping the mailbox's uidnext/nextmodseq, all under the mailbox's row
// lock so concurrent APPENDs/local deliveries never race on UID
// assignment. size/received/flags/root describe the message; root may be
// nil when the caller has no parsed MIME tree yet (the external parser
// populates part_numbers/header_fields asynchronously in a full
// deployment; tests and simple APPENDs may pass a minimal Part). Opens and
// commits its own transaction; AppendTx is the building block for callers
// that need several appends (and other inserts) to commit together.
func (a *Account) Append(ctx context.Context, mailboxID int64, size int64, received time.Time, flags Flags, keywords []string, root *Part, env *Envelope, origin *Comm) (UID, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	uid, modSeq, err := a.AppendTx(ctx, tx, mailboxID, size, received, flags, keywords, root, env)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}

	Broadcast(a.ID, origin, []Change{ChangeAddUID{MailboxID: mailboxID, UID: uid, ModSeq: modSeq, Flags: flags, Keywords: keywords}})
	return uid, nil
}

// AppendTx does Append's inserts against a transaction the caller owns,
// leaving commit, rollback, and the ChangeAddUID broadcast to it. This is
// what lets several local-recipient appends and a queue.EnqueueTx share
// one transaction, so a crash partway through a multi-recipient delivery
// can't leave some mailboxes holding the message and others not.
func (a *Account) AppendTx(ctx context.Context, tx *sql.Tx, mailboxID int64, size int64, received time.Time, flags Flags, keywords []string, root *Part, env *Envelope) (UID, ModSeq, error) {
	mb, err := LockMailbox(ctx, tx, mailboxID)
	if err != nil {
		return 0, 0, err
	}
	uid := mb.UIDNext
	modSeq := mb.NextModSeq

	var contentID int64
	kwJSON, _ := json.Marshal(keywords)
	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (mailbox_id, uid, modseq, size, received, seen, answered, flagged, deleted, draft, forwarded, keywords, expunged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false)
		RETURNING id`,
		mailboxID, uid, modSeq, size, received, flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, flags.Forwarded, kwJSON)
	if err := row.Scan(&contentID); err != nil {
		return 0, 0, fmt.Errorf("inserting message: %w", err)
	}

	if root != nil {
		tree, _ := json.Marshal(root)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO part_numbers (mailbox_id, uid, part_tree) VALUES ($1, $2, $3)`,
			mailboxID, uid, tree); err != nil {
			return 0, 0, fmt.Errorf("inserting part tree: %w", err)
		}
	}
	if env != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO header_fields (mailbox_id, uid, part_path, date, subject, in_reply_to, message_id)
			VALUES ($1, $2, '', $3, $4, $5, $6)`,
			mailboxID, uid, env.Date, env.Subject, env.InReplyTo, env.MessageID); err != nil {
			return 0, 0, fmt.Errorf("inserting header fields: %w", err)
		}
		for _, group := range []struct {
			kind  string
			addrs []Address
		}{
			{"from", env.From}, {"sender", env.Sender}, {"reply-to", env.ReplyTo},
			{"to", env.To}, {"cc", env.Cc}, {"bcc", env.Bcc},
		} {
			for pos, addr := range group.addrs {
				var groupName *string
				if addr.GroupName != "" {
					groupName = &addr.GroupName
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO address_fields (mailbox_id, uid, part_path, kind, position, name, localpart, domain, group_name, group_end)
					VALUES ($1, $2, '', $3, $4, $5, $6, $7, $8, $9)`,
					mailboxID, uid, group.kind, pos, addr.Name, addr.Localpart, addr.Domain, groupName, addr.GroupEnd); err != nil {
					return 0, 0, fmt.Errorf("inserting address field: %w", err)
				}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mailboxes SET uidnext = uidnext + 1, nextmodseq = nextmodseq + 1 WHERE id = $1`, mailboxID); err != nil {
		return 0, 0, fmt.Errorf("advancing mailbox counters: %w", err)
	}
	return uid, modSeq, nil
}

// ApplyStore updates the flags of uids in mailboxID per mask/value
// (STORE's semantics: only bits set in mask are touched) and bumps each
// touched message's modseq and the mailbox's nextmodseq once. Returns the
// new modseq, for the caller's "modseq advances by exactly 1 per STORE"
// testable property when a single message is touched.
func (a *Account) ApplyStore(ctx context.Context, mailboxID int64, uids []UID, mask, value Flags, addKeywords, removeKeywords []string, origin *Comm) (ModSeq, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	mb, err := LockMailbox(ctx, tx, mailboxID)
	if err != nil {
		return 0, err
	}
	modSeq := mb.NextModSeq

	rows, err := tx.QueryContext(ctx, `
		SELECT uid, seen, answered, flagged, deleted, draft, forwarded, keywords
		FROM messages WHERE mailbox_id = $1 AND uid = ANY($2) AND NOT expunged`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return 0, fmt.Errorf("reading current flags: %w", err)
	}
	type row struct {
		uid  UID
		f    Flags
		kw   []string
	}
	var current []row
	for rows.Next() {
		var r row
		var kwJSON []byte
		if err := rows.Scan(&r.uid, &r.f.Seen, &r.f.Answered, &r.f.Flagged, &r.f.Deleted, &r.f.Draft, &r.f.Forwarded, &kwJSON); err != nil {
			rows.Close()
			return 0, err
		}
		json.Unmarshal(kwJSON, &r.kw)
		current = append(current, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var changes []Change
	for _, r := range current {
		newFlags := r.f.Apply(mask, value)
		newKw := mergeKeywords(r.kw, addKeywords, removeKeywords)
		kwJSON, _ := json.Marshal(newKw)
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET seen=$1, answered=$2, flagged=$3, deleted=$4, draft=$5, forwarded=$6, keywords=$7, modseq=$8
			WHERE mailbox_id=$9 AND uid=$10`,
			newFlags.Seen, newFlags.Answered, newFlags.Flagged, newFlags.Deleted, newFlags.Draft, newFlags.Forwarded, kwJSON, modSeq, mailboxID, r.uid); err != nil {
			return 0, fmt.Errorf("updating flags for uid %d: %w", r.uid, err)
		}
		changes = append(changes, ChangeFlags{MailboxID: mailboxID, UID: r.uid, ModSeq: modSeq, Flags: newFlags, Keywords: newKw})
	}

	if _, err := tx.ExecContext(ctx, `UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = $1`, mailboxID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing store: %w", err)
	}

	for _, uid := range uids {
		a.cache.Invalidate(mailboxID, uid)
	}
	Broadcast(a.ID, origin, changes)
	return modSeq, nil
}

func mergeKeywords(current, add, remove []string) []string {
	set := map[string]bool{}
	for _, k := range current {
		set[k] = true
	}
	for _, k := range add {
		set[k] = true
	}
	for _, k := range remove {
		delete(set, k)
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Expunge permanently removes every \Deleted message in mailboxID,
// recording each in deleted_messages with its expunge time, and
// broadcasts the removal.
func (a *Account) Expunge(ctx context.Context, mailboxID int64, origin *Comm) ([]UID, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mb, err := LockMailbox(ctx, tx, mailboxID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT uid FROM messages WHERE mailbox_id = $1 AND deleted AND NOT expunged ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, err
	}
	var uids []UID
	for rows.Next() {
		var u UID
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, err
		}
		uids = append(uids, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, tx.Commit()
	}

	modSeq := mb.NextModSeq
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_messages (mailbox_id, uid, expunged_at)
		SELECT mailbox_id, uid, now() FROM messages WHERE mailbox_id = $1 AND uid = ANY($2)`,
		mailboxID, pqUIDArray(uids)); err != nil {
		return nil, fmt.Errorf("recording deleted_messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET expunged = true, modseq = $1 WHERE mailbox_id = $2 AND uid = ANY($3)`,
		modSeq, mailboxID, pqUIDArray(uids)); err != nil {
		return nil, fmt.Errorf("marking expunged: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = $1`, mailboxID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing expunge: %w", err)
	}

	for _, u := range uids {
		a.cache.Invalidate(mailboxID, u)
	}
	Broadcast(a.ID, origin, []Change{ChangeRemoveUIDs{MailboxID: mailboxID, UIDs: uids, ModSeq: modSeq}})
	return uids, nil
}

// ExpungeUIDs permanently removes exactly the given uids from mailboxID,
// regardless of their \Deleted flag, for MOVE's "copy then remove the
// moved set" semantics, where removing
// every \Deleted message would be wrong if the mailbox holds other
// \Deleted messages the client didn't select.
func (a *Account) ExpungeUIDs(ctx context.Context, mailboxID int64, uids []UID, origin *Comm) error {
	if len(uids) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	mb, err := LockMailbox(ctx, tx, mailboxID)
	if err != nil {
		return err
	}
	modSeq := mb.NextModSeq

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_messages (mailbox_id, uid, expunged_at)
		SELECT mailbox_id, uid, now() FROM messages WHERE mailbox_id = $1 AND uid = ANY($2) AND NOT expunged`,
		mailboxID, pqUIDArray(uids)); err != nil {
		return fmt.Errorf("recording deleted_messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET expunged = true, modseq = $1 WHERE mailbox_id = $2 AND uid = ANY($3) AND NOT expunged`,
		modSeq, mailboxID, pqUIDArray(uids)); err != nil {
		return fmt.Errorf("marking expunged: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = $1`, mailboxID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing move-expunge: %w", err)
	}

	for _, u := range uids {
		a.cache.Invalidate(mailboxID, u)
	}
	Broadcast(a.ID, origin, []Change{ChangeRemoveUIDs{MailboxID: mailboxID, UIDs: uids, ModSeq: modSeq}})
	return nil
}

// Copy duplicates uids from srcMailboxID into dstMailboxID, sharing
// content (same message "id") but assigning fresh UIDs in the
// destination, per COPYUID semantics. Returns the newly assigned
// destination UIDs (in ascending source-UID order, expunged sources
// skipped) and the destination's uidvalidity, for the tagged
// "COPYUID uidvalidity srcset dstset" response.
func (a *Account) Copy(ctx context.Context, srcMailboxID, dstMailboxID int64, uids []UID, origin *Comm) (dstUIDs []UID, dstUIDValidity uint32, err error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	dst, err := LockMailbox(ctx, tx, dstMailboxID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT uid, id, size, received, seen, answered, flagged, deleted, draft, forwarded, keywords
		FROM messages WHERE mailbox_id = $1 AND uid = ANY($2) AND NOT expunged ORDER BY uid`, srcMailboxID, pqUIDArray(uids))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	nextUID := dst.UIDNext
	modSeq := dst.NextModSeq
	var changes []Change
	for rows.Next() {
		var srcUID UID
		var contentID int64
		var size int64
		var received time.Time
		var f Flags
		var kwJSON []byte
		if err := rows.Scan(&srcUID, &contentID, &size, &received, &f.Seen, &f.Answered, &f.Flagged, &f.Deleted, &f.Draft, &f.Forwarded, &kwJSON); err != nil {
			return nil, 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (mailbox_id, uid, modseq, size, received, seen, answered, flagged, deleted, draft, forwarded, keywords, expunged, copy_of)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,false,$13)`,
			dstMailboxID, nextUID, modSeq, size, received, f.Seen, f.Answered, f.Flagged, f.Deleted, f.Draft, f.Forwarded, kwJSON, contentID); err != nil {
			return nil, 0, fmt.Errorf("copying message: %w", err)
		}
		dstUIDs = append(dstUIDs, nextUID)
		changes = append(changes, ChangeAddUID{MailboxID: dstMailboxID, UID: nextUID, ModSeq: modSeq, Flags: f})
		nextUID++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mailboxes SET uidnext = $1, nextmodseq = nextmodseq + 1 WHERE id = $2`, nextUID, dstMailboxID); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("committing copy: %w", err)
	}

	Broadcast(a.ID, origin, changes)
	return dstUIDs, dst.UIDValidity, nil
}

// PurgeMailboxes expunges every message across the given set of mailboxes
// in one transaction, recording all of them in deleted_messages with a
// single set-valued insert rather than one INSERT per mailbox. This is the
// account-removal primitive: an external admin tool (webadmin's
// AccountRemove, in the teacher) collects every mailbox id belonging to
// the account being torn down and calls this once, so the purge is
// recorded in one transaction instead of a mailbox at a time.
func (a *Account) PurgeMailboxes(ctx context.Context, mailboxIDs []int64, origin *Comm) error {
	if len(mailboxIDs) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := pq.Array(mailboxIDs)
	for _, mailboxID := range mailboxIDs {
		if _, err := LockMailbox(ctx, tx, mailboxID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_messages (mailbox_id, uid, expunged_at)
		SELECT mailbox_id, uid, now() FROM messages WHERE mailbox_id = ANY($1) AND NOT expunged`,
		ids); err != nil {
		return fmt.Errorf("recording deleted_messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET expunged = true WHERE mailbox_id = ANY($1) AND NOT expunged`, ids); err != nil {
		return fmt.Errorf("marking expunged: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = ANY($1)`, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing purge: %w", err)
	}

	var changes []Change
	for _, mailboxID := range mailboxIDs {
		changes = append(changes, ChangeRemoveUIDs{MailboxID: mailboxID})
	}
	Broadcast(a.ID, origin, changes)
	return nil
}
