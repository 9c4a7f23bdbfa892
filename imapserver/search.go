package imapserver

import (
	"context"
	"strings"

	"github.com/usrlocalben/corvid/store"
)

// searchCriterion is one parsed SEARCH key: flag/UID-based narrowing plus
// RFC 3501 §6.4.4's SUBJECT/BODY/TEXT substring keys. Other extension keys
// (header/date searches) are treated as ALL (matches everything), which is
// the conservative direction for a search filter.
type searchCriterion struct {
	kind string // ALL, SEEN, UNSEEN, DELETED, UNDELETED, ANSWERED, UNANSWERED, FLAGGED, UNFLAGGED, UID, SUBJECT, BODY, TEXT.
	uids []store.UID
	text string // Lower-cased needle, for SUBJECT/BODY/TEXT.
}

// needsFacets reports which store.Facet bits matchesCriteria needs loaded
// to evaluate crit, beyond the always-loaded FacetFlags.
func needsFacets(crit []searchCriterion) store.Facet {
	var want store.Facet
	for _, c := range crit {
		switch c.kind {
		case "SUBJECT":
			want |= store.FacetHeader
		case "BODY", "TEXT":
			want |= store.FacetBody | store.FacetPartNumbers
		}
	}
	return want
}

func parseSearchCriteria(sess *store.Session, args []token, isUID bool) ([]searchCriterion, error) {
	var crit []searchCriterion
	for i := 0; i < len(args); i++ {
		kw := strings.ToUpper(args[i].str)
		switch kw {
		case "ALL", "SEEN", "UNSEEN", "DELETED", "UNDELETED", "ANSWERED", "UNANSWERED", "FLAGGED", "UNFLAGGED", "NEW", "RECENT", "OLD":
			crit = append(crit, searchCriterion{kind: kw})
		case "UID":
			i++
			if i >= len(args) {
				continue
			}
			uids, err := resolveSet(sess, args[i].str, true)
			if err != nil {
				return nil, err
			}
			crit = append(crit, searchCriterion{kind: "UID", uids: uids})
		case "SUBJECT", "BODY", "TEXT":
			i++
			if i >= len(args) {
				continue
			}
			crit = append(crit, searchCriterion{kind: kw, text: strings.ToLower(args[i].str)})
		case "CHARSET":
			i++ // Skip the charset name argument; SUBJECT/BODY/TEXT matching is done against already charset-decoded text regardless.
		default:
			// Unsupported key (body/header/date searches): ignore rather than
			// fail the whole command, matching mox's lenient posture for
			// extension keys it doesn't implement.
		}
	}
	if len(crit) == 0 {
		crit = append(crit, searchCriterion{kind: "ALL"})
	}
	return crit, nil
}

func matchesCriteria(ctx context.Context, fetcher store.ContentFetcher, m *store.Message, crit []searchCriterion) bool {
	for _, c := range crit {
		switch c.kind {
		case "ALL", "NEW", "RECENT", "OLD":
		case "SEEN":
			if !m.Flags.Seen {
				return false
			}
		case "UNSEEN":
			if m.Flags.Seen {
				return false
			}
		case "DELETED":
			if !m.Flags.Deleted {
				return false
			}
		case "UNDELETED":
			if m.Flags.Deleted {
				return false
			}
		case "ANSWERED":
			if !m.Flags.Answered {
				return false
			}
		case "UNANSWERED":
			if m.Flags.Answered {
				return false
			}
		case "FLAGGED":
			if !m.Flags.Flagged {
				return false
			}
		case "UNFLAGGED":
			if m.Flags.Flagged {
				return false
			}
		case "UID":
			found := false
			for _, u := range c.uids {
				if u == m.UID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "SUBJECT":
			if m.Envelope == nil || !strings.Contains(strings.ToLower(m.Envelope.Subject), c.text) {
				return false
			}
		case "BODY", "TEXT":
			if !bodyContains(ctx, fetcher, m.ID, m.Root, c.text, c.kind == "TEXT") {
				return false
			}
		}
	}
	return true
}

// bodyContains reports whether p or any of its subparts, decoded to UTF-8
// text, contains the (already lower-cased) needle. headerToo additionally
// checks p's own header block, which TEXT wants and BODY doesn't. Grounded
// on mjl--mox/imapserver/search.go's mailContains/mailContainsReader, using
// store.Part.DecodedBody for the content-transfer and charset decoding step
// mox's message.Part.ReaderUTF8OrBinary does.
func bodyContains(ctx context.Context, fetcher store.ContentFetcher, contentID int64, p *store.Part, needle string, headerToo bool) bool {
	if p == nil || fetcher == nil {
		return false
	}
	if headerToo && p.HasOffsets() {
		if hdr, err := fetcher.ReadRange(ctx, contentID, p.HeaderOffset, p.BodyOffset); err == nil {
			if strings.Contains(strings.ToLower(string(hdr)), needle) {
				return true
			}
		}
	}
	if len(p.Parts) == 0 {
		if p.MediaType != "TEXT" {
			return false
		}
		body, err := p.DecodedBody(ctx, fetcher, contentID)
		if err != nil {
			return false
		}
		return strings.Contains(strings.ToLower(string(body)), needle)
	}
	for i := range p.Parts {
		pp := &p.Parts[i]
		nestedHeaderToo := pp.MediaType == "MESSAGE" && (pp.MediaSubType == "RFC822" || pp.MediaSubType == "GLOBAL")
		if bodyContains(ctx, fetcher, contentID, pp, needle, nestedHeaderToo) {
			return true
		}
	}
	return false
}
