package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

var ErrNotFound = errors.New("store: not found")

// Account is one authenticated owner of mailboxes, bound to the process
// pool and process-wide cache. Each IMAP/LMTP session opens exactly one
// Account for the lifetime of its authenticated state.
type Account struct {
	db    *DB
	cache *Cache

	ID       int64
	Email    string
}

// OpenAccount looks up an account by its primary login address, comparing
// in Unicode NFC form so visually identical addresses that arrived with a
// different combining-character decomposition still match (the same
// normalization mox applies to addresses throughout store/account.go).
func OpenAccount(ctx context.Context, db *DB, cache *Cache, email string) (*Account, error) {
	email = norm.NFC.String(email)
	var id int64
	row := db.sql.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = $1 AND NOT disabled`, email)
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	return &Account{db: db, cache: cache, ID: id, Email: email}, nil
}

// Authenticate checks a plaintext password against the account's stored
// credential. Credential storage/hashing policy lives in the schema
// (password_hash column, bcrypt-style); the caller is imapserver's LOGIN
// command.
func (a *Account) Authenticate(ctx context.Context, password string) error {
	var hash string
	row := a.db.sql.QueryRowContext(ctx, `SELECT password_hash FROM accounts WHERE id = $1`, a.ID)
	if err := row.Scan(&hash); err != nil {
		return fmt.Errorf("reading credential: %w", err)
	}
	if !checkPassword(hash, password) {
		return errors.New("store: invalid credentials")
	}
	return nil
}

// Mailbox looks up a mailbox by name within the account.
func (a *Account) Mailbox(ctx context.Context, name string) (Mailbox, error) {
	var mb Mailbox
	row := a.db.sql.QueryRowContext(ctx, `
		SELECT id, account_id, name, uidnext, uidvalidity, nextmodseq, deleted, subscribed, specialuse
		FROM mailboxes WHERE account_id = $1 AND name = $2 AND NOT deleted`, a.ID, name)
	err := row.Scan(&mb.ID, &mb.AccountID, &mb.Name, &mb.UIDNext, &mb.UIDValidity, &mb.NextModSeq, &mb.Deleted, &mb.Subscribed, &mb.SpecialUse)
	if err == sql.ErrNoRows {
		return Mailbox{}, ErrNotFound
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("looking up mailbox %q: %w", name, err)
	}
	return mb, nil
}

// ListMailboxes returns every non-deleted mailbox for the account, used by
// LIST/LSUB/NAMESPACE.
func (a *Account) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	rows, err := a.db.sql.QueryContext(ctx, `
		SELECT id, account_id, name, uidnext, uidvalidity, nextmodseq, deleted, subscribed, specialuse
		FROM mailboxes WHERE account_id = $1 AND NOT deleted ORDER BY name`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	defer rows.Close()
	var mbs []Mailbox
	for rows.Next() {
		var mb Mailbox
		if err := rows.Scan(&mb.ID, &mb.AccountID, &mb.Name, &mb.UIDNext, &mb.UIDValidity, &mb.NextModSeq, &mb.Deleted, &mb.Subscribed, &mb.SpecialUse); err != nil {
			return nil, fmt.Errorf("scanning mailbox: %w", err)
		}
		mbs = append(mbs, mb)
	}
	return mbs, rows.Err()
}

// CreateMailbox inserts a new, empty mailbox and broadcasts the creation
// to other sessions on the account (so LIST results update live).
func (a *Account) CreateMailbox(ctx context.Context, name string, origin *Comm) (Mailbox, error) {
	tx, err := a.db.BeginTx(ctx)
	if err != nil {
		return Mailbox{}, err
	}
	defer tx.Rollback()

	var mb Mailbox
	row := tx.QueryRowContext(ctx, `
		INSERT INTO mailboxes (account_id, name, uidnext, uidvalidity, nextmodseq, subscribed)
		VALUES ($1, $2, 1, (EXTRACT(EPOCH FROM now())::bigint & 2147483647), 1, true)
		RETURNING id, account_id, name, uidnext, uidvalidity, nextmodseq, deleted, subscribed, specialuse`,
		a.ID, name)
	if err := row.Scan(&mb.ID, &mb.AccountID, &mb.Name, &mb.UIDNext, &mb.UIDValidity, &mb.NextModSeq, &mb.Deleted, &mb.Subscribed, &mb.SpecialUse); err != nil {
		if isUniqueViolation(err) {
			return Mailbox{}, fmt.Errorf("mailbox %q already exists", name)
		}
		return Mailbox{}, fmt.Errorf("creating mailbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Mailbox{}, fmt.Errorf("committing mailbox creation: %w", err)
	}
	Broadcast(a.ID, origin, []Change{ChangeMailboxCreate{Mailbox: mb}})
	return mb, nil
}

// Cache exposes the process-wide cache shared by all accounts, for
// packages that assemble FETCH responses.
func (a *Account) Cache() *Cache { return a.cache }

// Querier is the subset of *sql.DB/*sql.Tx that the fetch-facet queries
// need, letting imapserver tests substitute an in-memory fake without a
// live Postgres connection.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a *Account) Querier() Querier { return a.db.sql }
