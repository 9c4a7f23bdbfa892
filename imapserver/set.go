package imapserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/usrlocalben/corvid/store"
)

// parseNumSet parses a sequence-set (RFC 3501 §9, "sequence-set") such as
// "1:3,7,9:*" into the literal numbers it denotes, bounded by max for "*".
// Ranges are inclusive and may run in either direction.
func parseNumSet(spec string, max uint32) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty sequence-set member")
		}
		lo, hi, err := parseNumRange(part, max)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		for n := lo; n <= hi; n++ {
			out = append(out, n)
		}
	}
	return out, nil
}

func parseNumRange(part string, max uint32) (lo, hi uint32, err error) {
	colon := strings.IndexByte(part, ':')
	if colon < 0 {
		n, err := parseNumOrStar(part, max)
		return n, n, err
	}
	lo, err = parseNumOrStar(part[:colon], max)
	if err != nil {
		return 0, 0, err
	}
	hi, err = parseNumOrStar(part[colon+1:], max)
	return lo, hi, err
}

func parseNumOrStar(s string, max uint32) (uint32, error) {
	if s == "*" {
		return max, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return uint32(n), nil
}

// resolveSet turns a sequence-set argument into the session's UIDs it
// denotes, in ascending order with duplicates removed: for a UID command
// the numbers are UIDs directly (filtered to those the session currently
// has); otherwise they're 1-based MSNs resolved via the session's current
// UID<->MSN mapping.
func resolveSet(sess *store.Session, spec string, isUID bool) ([]store.UID, error) {
	max := uint32(sess.NumMessages())
	if isUID {
		if len(sess.UIDs()) > 0 {
			max = uint32(sess.UIDs()[len(sess.UIDs())-1])
		} else {
			max = 0
		}
	}
	nums, err := parseNumSet(spec, max)
	if err != nil {
		return nil, err
	}
	seen := map[store.UID]bool{}
	var out []store.UID
	if isUID {
		have := map[store.UID]bool{}
		for _, u := range sess.UIDs() {
			have[u] = true
		}
		for _, n := range nums {
			u := store.UID(n)
			if have[u] && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	} else {
		for _, n := range nums {
			u := sess.UIDAt(int(n))
			if u != 0 && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return sortUIDs(out), nil
}

func sortUIDs(uids []store.UID) []store.UID {
	for i := 1; i < len(uids); i++ {
		for j := i; j > 0 && uids[j-1] > uids[j]; j-- {
			uids[j-1], uids[j] = uids[j], uids[j-1]
		}
	}
	return uids
}

// formatUIDSet renders uids (assumed ascending) back into compact
// sequence-set form, for COPYUID/UID EXPUNGE style tagged response codes.
func formatUIDSet(uids []store.UID) string {
	if len(uids) == 0 {
		return ""
	}
	var parts []string
	start := uids[0]
	prev := uids[0]
	flush := func(end store.UID) {
		if start == end {
			parts = append(parts, fmt.Sprint(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", start, end))
		}
	}
	for _, u := range uids[1:] {
		if u == prev+1 {
			prev = u
			continue
		}
		flush(prev)
		start, prev = u, u
	}
	flush(prev)
	return strings.Join(parts, ",")
}
