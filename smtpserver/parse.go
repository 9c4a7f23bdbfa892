package smtpserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/usrlocalben/corvid/smtpaddr"
)

// parsePath parses the "<localpart@domain>" (or "<>" for the null
// reverse-path) argument of MAIL FROM/RCPT TO, returning the remaining
// parameter string unparsed.
func parsePath(arg string) (smtpaddr.Path, string, error) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "<") {
		return smtpaddr.Path{}, "", fmt.Errorf("missing leading <")
	}
	end := strings.IndexByte(arg, '>')
	if end < 0 {
		return smtpaddr.Path{}, "", fmt.Errorf("missing trailing >")
	}
	addr := arg[1:end]
	rest := strings.TrimSpace(arg[end+1:])
	if addr == "" {
		return smtpaddr.Path{}, rest, nil
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return smtpaddr.Path{}, "", fmt.Errorf("address missing @domain")
	}
	return smtpaddr.Path{Localpart: smtpaddr.Localpart(addr[:at]), Domain: smtpaddr.Domain(addr[at+1:])}, rest, nil
}

// mailParams is the parsed SP-separated "KEY" or "KEY=VALUE" parameter set
// following a MAIL FROM/RCPT TO path (the server recognizes SIZE,
// SMTPUTF8, BURL and HOLDFOR; any other key, HOLDUNTIL included, is kept
// as unknown).
type mailParams struct {
	size      int64
	smtpUTF8  bool
	burl      string
	holdFor   int64
	unknown   []string
}

func parseParams(s string) mailParams {
	var p mailParams
	for _, field := range strings.Fields(s) {
		key, val, hasVal := strings.Cut(field, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			if hasVal {
				p.size, _ = strconv.ParseInt(val, 10, 64)
			}
		case "SMTPUTF8":
			p.smtpUTF8 = true
		case "BURL":
			if hasVal {
				p.burl = val
			}
		case "HOLDFOR":
			if hasVal {
				p.holdFor, _ = strconv.ParseInt(val, 10, 64)
			}
		default:
			p.unknown = append(p.unknown, field)
		}
	}
	return p
}
