package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// LoadFacets fetches exactly the requested facets for uids in mailboxID
// that the cache doesn't already have loaded, merges the result into each
// Message obtained from cache.Acquire, and returns them in uid order. This
// is the batched, per-facet query layer the imapserver fetch planner
// drives: one round trip per facet per batch, not per
// message.
func LoadFacets(ctx context.Context, q Querier, cache *Cache, mailboxID int64, uids []UID, want Facet) ([]*Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	ids, modseqs, expunged, err := contentIDs(ctx, q, mailboxID, uids)
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, len(uids))
	var needFlags, needTrivia, needHeader, needAddr, needBody, needParts, needAnno []UID
	for i, u := range uids {
		m := cache.Acquire(mailboxID, u, ids[u], modseqs[u])
		m.Expunged = expunged[u]
		msgs[i] = m
		if want.Has(FacetFlags) && !m.HasFacet(FacetFlags) {
			needFlags = append(needFlags, u)
		}
		if want.Has(FacetTrivia) && !m.HasFacet(FacetTrivia) {
			needTrivia = append(needTrivia, u)
		}
		if want.Has(FacetHeader) && !m.HasFacet(FacetHeader) {
			needHeader = append(needHeader, u)
		}
		if want.Has(FacetAddresses) && !m.HasFacet(FacetAddresses) {
			needAddr = append(needAddr, u)
		}
		if want.Has(FacetBody) && !m.HasFacet(FacetBody) {
			needBody = append(needBody, u)
		}
		if want.Has(FacetPartNumbers) && !m.HasFacet(FacetPartNumbers) {
			needParts = append(needParts, u)
		}
		if want.Has(FacetAnnotations) && !m.HasFacet(FacetAnnotations) {
			needAnno = append(needAnno, u)
		}
	}

	byUID := make(map[UID]*Message, len(msgs))
	for _, m := range msgs {
		byUID[m.UID] = m
	}

	if len(needFlags) > 0 {
		if err := loadFlags(ctx, q, mailboxID, needFlags, byUID); err != nil {
			return nil, err
		}
	}
	if len(needTrivia) > 0 {
		if err := loadTrivia(ctx, q, mailboxID, needTrivia, byUID); err != nil {
			return nil, err
		}
	}
	if len(needAddr) > 0 || len(needHeader) > 0 {
		if err := loadEnvelope(ctx, q, mailboxID, union(needAddr, needHeader), byUID); err != nil {
			return nil, err
		}
	}
	if len(needParts) > 0 || len(needBody) > 0 {
		if err := loadParts(ctx, q, mailboxID, union(needParts, needBody), byUID); err != nil {
			return nil, err
		}
	}
	if len(needAnno) > 0 {
		if err := loadAnnotations(ctx, q, mailboxID, needAnno, byUID); err != nil {
			return nil, err
		}
	}

	return msgs, nil
}

func union(a, b []UID) []UID {
	seen := map[UID]bool{}
	out := make([]UID, 0, len(a)+len(b))
	for _, u := range a {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range b {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// contentIDs also reports, per uid, whether the row is already marked
// expunged: expunged rows stay in messages with expunged set, so a
// session whose view of the
// mailbox predates a concurrent EXPUNGE from another session can still
// resolve the uid here while the row is no longer live. Callers use this
// to detect a FETCH racing a concurrent expunge (RFC 2180).
func contentIDs(ctx context.Context, q Querier, mailboxID int64, uids []UID) (map[UID]int64, map[UID]ModSeq, map[UID]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, id, modseq, expunged FROM messages
		WHERE mailbox_id = $1 AND uid = ANY($2)`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading content ids: %w", err)
	}
	defer rows.Close()
	ids := map[UID]int64{}
	modseqs := map[UID]ModSeq{}
	expunged := map[UID]bool{}
	for rows.Next() {
		var u UID
		var id int64
		var ms ModSeq
		var exp bool
		if err := rows.Scan(&u, &id, &ms, &exp); err != nil {
			return nil, nil, nil, err
		}
		ids[u] = id
		modseqs[u] = ms
		expunged[u] = exp
	}
	return ids, modseqs, expunged, rows.Err()
}

func loadFlags(ctx context.Context, q Querier, mailboxID int64, uids []UID, byUID map[UID]*Message) error {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, seen, answered, flagged, deleted, draft, forwarded, keywords
		FROM messages WHERE mailbox_id = $1 AND uid = ANY($2)`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading flags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u UID
		var f Flags
		var kwJSON []byte
		if err := rows.Scan(&u, &f.Seen, &f.Answered, &f.Flagged, &f.Deleted, &f.Draft, &f.Forwarded, &kwJSON); err != nil {
			return err
		}
		m := byUID[u]
		if m == nil {
			continue
		}
		m.Flags = f
		if len(kwJSON) > 0 {
			json.Unmarshal(kwJSON, &m.Keywords)
		}
		m.markLoaded(FacetFlags)
	}
	return rows.Err()
}

func loadTrivia(ctx context.Context, q Querier, mailboxID int64, uids []UID, byUID map[UID]*Message) error {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, size, received, modseq FROM messages
		WHERE mailbox_id = $1 AND uid = ANY($2)`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading trivia: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u UID
		var t Trivia
		if err := rows.Scan(&u, &t.Size, &t.Received, &t.ModSeq); err != nil {
			return err
		}
		m := byUID[u]
		if m == nil {
			continue
		}
		m.Size = t.Size
		m.Received = t.Received
		m.ModSeq = t.ModSeq
		m.markLoaded(FacetTrivia)
	}
	return rows.Err()
}

// loadEnvelope fetches header_fields and address_fields rows and
// assembles an Envelope per message. header_fields/address_fields are
// written once by the external parser at delivery time; this is a pure
// read path.
func loadEnvelope(ctx context.Context, q Querier, mailboxID int64, uids []UID, byUID map[UID]*Message) error {
	hrows, err := q.QueryContext(ctx, `
		SELECT uid, date, subject, in_reply_to, message_id FROM header_fields
		WHERE mailbox_id = $1 AND uid = ANY($2) AND part_path = ''`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading header fields: %w", err)
	}
	defer hrows.Close()
	envs := map[UID]*Envelope{}
	for hrows.Next() {
		var u UID
		e := &Envelope{}
		if err := hrows.Scan(&u, &e.Date, &e.Subject, &e.InReplyTo, &e.MessageID); err != nil {
			return err
		}
		envs[u] = e
	}
	if err := hrows.Err(); err != nil {
		return err
	}

	arows, err := q.QueryContext(ctx, `
		SELECT uid, kind, name, localpart, domain, group_name, group_end FROM address_fields
		WHERE mailbox_id = $1 AND uid = ANY($2) AND part_path = '' ORDER BY uid, kind, position`,
		mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading address fields: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var u UID
		var kind string
		var addr Address
		var groupName *string
		if err := arows.Scan(&u, &kind, &addr.Name, &addr.Localpart, &addr.Domain, &groupName, &addr.GroupEnd); err != nil {
			return err
		}
		if groupName != nil {
			addr.GroupName = *groupName
		}
		e := envs[u]
		if e == nil {
			e = &Envelope{}
			envs[u] = e
		}
		switch kind {
		case "from":
			e.From = append(e.From, addr)
		case "sender":
			e.Sender = append(e.Sender, addr)
		case "reply-to":
			e.ReplyTo = append(e.ReplyTo, addr)
		case "to":
			e.To = append(e.To, addr)
		case "cc":
			e.Cc = append(e.Cc, addr)
		case "bcc":
			e.Bcc = append(e.Bcc, addr)
		}
	}
	if err := arows.Err(); err != nil {
		return err
	}

	for u, e := range envs {
		m := byUID[u]
		if m == nil {
			continue
		}
		m.Envelope = e
		m.markLoaded(FacetAddresses | FacetHeader)
	}
	return nil
}

// loadParts fetches the part_numbers tree for each uid, stored by the
// external parser as one JSON document per message (rather than one row
// per node) since the tree is read as a whole for both BODYSTRUCTURE and
// BODY[section] slicing.
func loadParts(ctx context.Context, q Querier, mailboxID int64, uids []UID, byUID map[UID]*Message) error {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, part_tree FROM part_numbers
		WHERE mailbox_id = $1 AND uid = ANY($2)`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading part tree: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u UID
		var tree []byte
		if err := rows.Scan(&u, &tree); err != nil {
			return err
		}
		m := byUID[u]
		if m == nil {
			continue
		}
		var root Part
		if err := json.Unmarshal(tree, &root); err != nil {
			return fmt.Errorf("decoding part tree for uid %d: %w", u, err)
		}
		m.Root = &root
		m.markLoaded(FacetPartNumbers | FacetBody)
	}
	return rows.Err()
}

func loadAnnotations(ctx context.Context, q Querier, mailboxID int64, uids []UID, byUID map[UID]*Message) error {
	rows, err := q.QueryContext(ctx, `
		SELECT uid, entry, value_priv, value_shared FROM annotations
		WHERE mailbox_id = $1 AND uid = ANY($2) ORDER BY uid, entry`, mailboxID, pqUIDArray(uids))
	if err != nil {
		return fmt.Errorf("loading annotations: %w", err)
	}
	defer rows.Close()
	byUIDAnno := map[UID][]Annotation{}
	for rows.Next() {
		var u UID
		var a Annotation
		if err := rows.Scan(&u, &a.Entry, &a.ValuePriv, &a.ValueShared); err != nil {
			return err
		}
		byUIDAnno[u] = append(byUIDAnno[u], a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range uids {
		m := byUID[u]
		if m == nil {
			continue
		}
		m.Annotations = byUIDAnno[u]
		m.markLoaded(FacetAnnotations)
	}
	return nil
}

// ContentFetcher reads a byte range of a message's raw on-disk form (large
// message bodies live outside the relational rows proper) so the fetch
// assembler stays independent of storage medium. start/end come from a
// Part's HeaderOffset/BodyOffset/EndOffset.
type ContentFetcher interface {
	ReadRange(ctx context.Context, contentID, start, end int64) ([]byte, error)
}
