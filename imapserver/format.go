package imapserver

import (
	"fmt"
	"mime"
	"sort"
	"strings"
	"time"

	"github.com/usrlocalben/corvid/store"
)

// nstring renders s as an IMAP quoted string, or NIL if s is empty, per
// the "nstring" ABNF production used throughout ENVELOPE/BODYSTRUCTURE.
// Empty-string-as-NIL matches mox's envelope formatting: IMAP has no way
// to distinguish an absent field from an empty one, so absent wins.
func nstring(s string) string {
	if s == "" {
		return "NIL"
	}
	return imapQuote(s)
}

func nstringPtr(s *string) string {
	if s == nil {
		return "NIL"
	}
	return nstring(*s)
}

func imapQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// formatDate renders t as an IMAP date-time literal, e.g.
// "05-Aug-2026 13:04:05 +0000", for INTERNALDATE.
func formatDate(t time.Time) string {
	return `"` + t.Format("02-Jan-2006 15:04:05 -0700") + `"`
}

// formatFlags renders a message's system flags and keywords as a FLAGS
// attribute value (without the leading "FLAGS " or surrounding
// parentheses stripped — callers embed the result inside an attribute
// list). \Recent is session-local and added by the caller if this UID is
// in the session's recent set.
func formatFlags(m *store.Message, recent bool) string {
	var flags []string
	if m.Flags.Seen {
		flags = append(flags, `\Seen`)
	}
	if m.Flags.Answered {
		flags = append(flags, `\Answered`)
	}
	if m.Flags.Flagged {
		flags = append(flags, `\Flagged`)
	}
	if m.Flags.Deleted {
		flags = append(flags, `\Deleted`)
	}
	if m.Flags.Draft {
		flags = append(flags, `\Draft`)
	}
	if recent {
		flags = append(flags, `\Recent`)
	}
	for _, k := range m.Keywords {
		if k == "$Forwarded" && m.Flags.Forwarded {
			continue // Already carried structurally; avoid emitting it twice.
		}
		flags = append(flags, k)
	}
	if m.Flags.Forwarded {
		flags = append(flags, "$Forwarded")
	}
	return "(" + strings.Join(flags, " ") + ")"
}

// formatAddressList renders an address-list ENVELOPE component: NIL if
// empty, else a parenthesized list of (name NIL localpart domain)
// 4-tuples per RFC 3501 §7.4.2. The "NIL" in position 2 is the address's
// historical source-route field, unused since RFC 2822.
//
// An RFC 2822 group is a (start-marker, member..., end-marker) run: the
// start marker has the group name in the mailbox position with NIL host
// ("(NIL NIL gname NIL)"), the end marker is all-NIL ("(NIL NIL NIL
// NIL)"), and an empty group ("undisclosed-recipients:;") still emits
// both markers back to back with nothing between them.
func formatAddressList(addrs []store.Address) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch {
		case a.GroupEnd:
			b.WriteString("(NIL NIL NIL NIL)")
		case a.GroupName != "":
			fmt.Fprintf(&b, "(NIL NIL %s NIL)", nstring(encodePhrase(a.GroupName)))
		default:
			fmt.Fprintf(&b, "(%s NIL %s %s)", nstring(encodePhrase(a.Name)), nstring(a.Localpart), nstring(a.Domain))
		}
	}
	b.WriteByte(')')
	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// encodePhrase RFC 2047-encodes name when it isn't plain ASCII: ENVELOPE's nstring
// fields are IMAP strings, not MIME words, so a raw UTF-8 display name
// would round-trip through most clients fine but isn't what the RFC
// requires the server hand back.
func encodePhrase(name string) string {
	if name == "" || isASCII(name) {
		return name
	}
	return mime.QEncoding.Encode("utf-8", name)
}

// formatEnvelope renders the 10-element ENVELOPE list per RFC 3501
// §7.4.2: date subject from sender reply-to to cc bcc in-reply-to
// message-id.
func formatEnvelope(env *store.Envelope) string {
	if env == nil {
		return "NIL"
	}
	date := "NIL"
	if !env.Date.IsZero() {
		date = nstring(env.Date.Format(time.RFC1123Z))
	}
	sender := env.Sender
	if len(sender) == 0 {
		sender = env.From
	}
	replyTo := env.ReplyTo
	if len(replyTo) == 0 {
		replyTo = env.From
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		date, nstring(env.Subject),
		formatAddressList(env.From), formatAddressList(sender), formatAddressList(replyTo),
		formatAddressList(env.To), formatAddressList(env.Cc), formatAddressList(env.Bcc),
		nstring(env.InReplyTo), nstring(env.MessageID))
}

// formatBodyStructure renders a part tree as BODYSTRUCTURE (extended=true,
// RFC 3501 §7.4.2's "extension data") or plain BODY (extended=false).
func formatBodyStructure(p *store.Part, extended bool) string {
	if p == nil {
		return "NIL"
	}
	if p.IsMultipart() {
		var b strings.Builder
		b.WriteByte('(')
		for _, child := range p.Parts {
			b.WriteString(formatBodyStructure(&child, extended))
		}
		fmt.Fprintf(&b, " %s", nstring(p.MediaSubType))
		if extended {
			fmt.Fprintf(&b, " %s %s %s", formatParams(p.Params), formatDisposition(p.Disposition), formatLanguage(p.Language))
			b.WriteString(" " + nstring(p.Location))
		}
		b.WriteByte(')')
		return b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(%s %s %s %s %s %s %d",
		nstring(p.MediaType), nstring(p.MediaSubType), formatParams(p.Params),
		nstring(p.ContentID), nstring(p.Description), nstring(strings.ToUpper(orDefault(p.Encoding, "7BIT"))), p.Octets)

	switch {
	case p.IsMessage():
		fmt.Fprintf(&b, " %s", formatEnvelope(p.Envelope))
		inner := p.Message
		if inner == nil {
			inner = &store.Part{}
		}
		fmt.Fprintf(&b, " %s %d", formatBodyStructure(inner, extended), p.Lines)
	case p.MediaType == "TEXT":
		fmt.Fprintf(&b, " %d", p.Lines)
	}

	if extended {
		md5 := "NIL"
		if p.MD5 != "" {
			md5 = nstring(p.MD5)
		}
		fmt.Fprintf(&b, " %s %s %s %s", md5, formatDisposition(p.Disposition), formatLanguage(p.Language), nstring(p.Location))
	}
	b.WriteByte(')')
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// formatParams renders a BODYSTRUCTURE parameter list in sorted-by-name
// order: params comes from a map, and the wire format has no room for
// per-message key ordering, so an unsorted walk would make the same
// message FETCH differently between runs.
func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, nstring(strings.ToUpper(k)), nstring(params[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func formatDisposition(d *store.Disposition) string {
	if d == nil {
		return "NIL"
	}
	return fmt.Sprintf("(%s %s)", nstring(strings.ToUpper(d.Type)), formatParams(d.Params))
}

func formatLanguage(langs []string) string {
	if len(langs) == 0 {
		return "NIL"
	}
	if len(langs) == 1 {
		return nstring(langs[0])
	}
	parts := make([]string, len(langs))
	for i, l := range langs {
		parts[i] = nstring(l)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// formatAnnotation renders one entry's (priv-value size-priv shared-value
// size-shared) quad for a METADATA-style ANNOTATION FETCH attribute.
// wantPriv/wantShared, from the attrib-match the client sent, blank out
// the side it didn't ask for rather than omitting it, keeping the quad
// shape fixed.
func formatAnnotation(a store.Annotation, wantPriv, wantShared bool) string {
	valuePriv, sizePriv := nstringPtr(a.ValuePriv), fmt.Sprint(a.SizePriv())
	valueShared, sizeShared := nstringPtr(a.ValueShared), fmt.Sprint(a.SizeShared())
	if !wantPriv {
		valuePriv, sizePriv = "NIL", "0"
	}
	if !wantShared {
		valueShared, sizeShared = "NIL", "0"
	}
	return fmt.Sprintf("%s (%s %s %s %s)", imapQuote(a.Entry), valuePriv, sizePriv, valueShared, sizeShared)
}
