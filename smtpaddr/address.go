// Package smtpaddr holds the address value types shared by the SMTP
// server, SMTP client and outbound spool: Localpart, Domain and Path
// (forward/reverse path as used in MAIL FROM / RCPT TO). Domain name
// validation, IDNA conversion and MX/DNS lookups belong to the address
// resolver, an external collaborator this package only assumes the
// presence of a syntactically valid, already-resolved domain string.
package smtpaddr

import (
	"strconv"
	"strings"
)

// Localpart is a decoded local part of an address, before the "@". An
// empty string is a valid localpart (the null reverse-path).
type Localpart string

// String returns a packed representation suitable for the wire, quoting
// the localpart if it is not a valid dot-string.
func (lp Localpart) String() string {
	if isDotString(string(lp)) {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

func isDotString(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f) &&
				!strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c) {
				return false
			}
		}
	}
	return true
}

// LogString is like String but marks quoted/escaped forms for log output.
func (lp Localpart) LogString() string {
	s := lp.String()
	qs := strconv.QuoteToASCII(s)
	if qs != `"`+s+`"` {
		return "/" + qs
	}
	return s
}

// Domain is an already-validated domain name or a bracketed literal
// address, as produced by the external address resolver.
type Domain string

func (d Domain) IsZero() bool { return d == "" }

func (d Domain) String() string { return string(d) }

// Path is an SMTP forward/reverse path, as used in MAIL FROM/RCPT TO.
type Path struct {
	Localpart Localpart
	Domain    Domain
}

func (p Path) IsZero() bool {
	return p.Localpart == "" && p.Domain.IsZero()
}

// String returns the packed "localpart@domain" representation. For the
// null reverse-path (empty localpart and domain) it returns the empty
// string; callers add the angle brackets.
func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.Domain.String()
}

func (p Path) Equal(o Path) bool {
	return p.Localpart == o.Localpart && strings.EqualFold(string(p.Domain), string(o.Domain))
}

// RequiresUTF8 reports whether p has a non-ASCII localpart or domain,
// meaning it can only be sent with the SMTPUTF8 extension (RFC 6531).
func (p Path) RequiresUTF8() bool {
	for _, c := range string(p.Localpart) {
		if c > 0x7f {
			return true
		}
	}
	for _, c := range string(p.Domain) {
		if c > 0x7f {
			return true
		}
	}
	return false
}
