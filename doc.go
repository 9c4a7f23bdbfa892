/*
Command corvid runs an IMAP4rev1 (with CONDSTORE/QRESYNC-adjacent
extensions), SMTP/Submission/LMTP, and outbound spool core against a
Postgres backing store.

  - IMAP4rev1 connection engine: one goroutine per connection, a
    process-wide broadcast switchboard for cross-session mailbox updates,
    a batched per-facet message loader shared through a content cache.
  - SMTP/Submission/LMTP connection engine: MAIL FROM/RCPT TO/DATA and BDAT
    chunking, Sieve-driven per-recipient disposition via an injected
    Discloser, local delivery or re-spooling for relay.
  - A relational outbound spool: delivery attempts with retry backoff,
    bounce composition, and an idle SMTP client pool for the smarthost leg.

# Commands

	corvid serve [-config path]
	corvid help

User and account administration (adding accounts, changing passwords,
inspecting or requeuing spooled deliveries) is a separate command-line
frontend this binary doesn't ship; store.Querier and queue.Due/
queue.Enqueue expose the operations such a frontend would call into.
*/
package main
