package smtpserver

import (
	"context"
	"strings"

	"github.com/usrlocalben/corvid/smtpaddr"
	"github.com/usrlocalben/corvid/store"
)

// Disposition is what Sieve evaluation decided to do with one recipient of
// an incoming message.
type Disposition int

const (
	DispositionReject Disposition = iota
	DispositionLocal
	DispositionForward
)

// RecipientPlan is the per-recipient outcome of Sieve evaluation: where an
// accepted message's copy for this recipient goes, or why it was rejected.
type RecipientPlan struct {
	Disposition Disposition
	AccountID   int64
	MailboxID   int64
	RejectCode  int    // SMTP reply code for DispositionReject, e.g. 550.
	RejectEcode string // Enhanced status code, e.g. "5.1.1".
	RejectText  string
}

// Discloser evaluates Sieve for one recipient of an in-progress SMTP/LMTP
// transaction. Sieve's rule language and evaluation engine are a separate
// external component; this system depends only on this interface.
type Discloser interface {
	Disclose(ctx context.Context, rcpt smtpaddr.Path) (RecipientPlan, error)
}

// BurlFetcher retrieves a BURL-referenced message body (RFC 4468) instead
// of receiving it inline over DATA/BDAT. The URL fetch transport is out of
// scope; BurlFetcher exists so the server can still negotiate and name the
// extension without fabricating a transport underneath it.
type BurlFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// AccountDiscloser is the default Discloser: recipients whose address
// matches a local account go to that account's INBOX; recipients in a
// configured local domain but with no matching account are rejected
// (no such user); everything else is forwarded to the outbound spool for
// relay. This stands in for Sieve's full rule language with the single
// rule every deployment needs regardless of custom filters: "deliver to
// the owning account, or relay it on."
type AccountDiscloser struct {
	DB           *store.DB
	Cache        *store.Cache
	LocalDomains map[string]bool
}

func (d *AccountDiscloser) Disclose(ctx context.Context, rcpt smtpaddr.Path) (RecipientPlan, error) {
	acc, err := store.OpenAccount(ctx, d.DB, d.Cache, rcpt.String())
	if err == nil {
		mb, err := acc.Mailbox(ctx, "INBOX")
		if err != nil {
			return RecipientPlan{Disposition: DispositionReject, RejectCode: 450, RejectEcode: "4.2.0", RejectText: "mailbox temporarily unavailable"}, nil
		}
		return RecipientPlan{Disposition: DispositionLocal, AccountID: acc.ID, MailboxID: mb.ID}, nil
	}
	if err != store.ErrNotFound {
		return RecipientPlan{}, err
	}
	if d.LocalDomains[strings.ToLower(string(rcpt.Domain))] {
		return RecipientPlan{Disposition: DispositionReject, RejectCode: 550, RejectEcode: "5.1.1", RejectText: "no such user here"}, nil
	}
	return RecipientPlan{Disposition: DispositionForward}, nil
}
