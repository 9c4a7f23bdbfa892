package imapserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/usrlocalben/corvid/metrics"
	"github.com/usrlocalben/corvid/store"
)

// commands is the registry mapping a command name to its group, the
// session states it's valid in, and its handler. Grounded on
// mjl--mox/imapserver/server.go's commandsStateAny/NotAuthenticated/
// Authenticated/Selected maps, flattened into one table with an explicit
// validStates list per entry.
var commands map[string]commandSpec

func init() {
	any4 := []sessionState{ssNotAuthenticated, ssAuthenticated, ssSelected}
	authed := []sessionState{ssAuthenticated, ssSelected}
	selected := []sessionState{ssSelected}
	preauth := []sessionState{ssNotAuthenticated}

	commands = map[string]commandSpec{
		"CAPABILITY": {group: groupSolo, validStates: any4, handler: cmdCapability},
		"NOOP":       {group: groupSolo, validStates: any4, handler: cmdNoop},
		"LOGOUT":     {group: groupSolo, validStates: any4, handler: cmdLogout},
		"STARTTLS":   {group: groupSolo, validStates: preauth, handler: cmdStarttls},
		"LOGIN":      {group: groupSolo, validStates: preauth, handler: cmdLogin},

		"SELECT":       {group: groupSolo, validStates: authed, handler: cmdSelect},
		"EXAMINE":      {group: groupSolo, validStates: authed, handler: cmdExamine},
		"CREATE":       {group: groupSolo, validStates: authed, handler: cmdCreate},
		"DELETE":       {group: groupSolo, validStates: authed, handler: cmdDelete},
		"RENAME":       {group: groupSolo, validStates: authed, handler: cmdRename},
		"SUBSCRIBE":    {group: groupSolo, validStates: authed, handler: cmdSubscribe},
		"UNSUBSCRIBE":  {group: groupSolo, validStates: authed, handler: cmdUnsubscribe},
		"LIST":         {group: groupSolo, validStates: authed, handler: cmdList},
		"LSUB":         {group: groupSolo, validStates: authed, handler: cmdLsub},
		"NAMESPACE":    {group: groupSolo, validStates: authed, handler: cmdNamespace},
		"STATUS":       {group: groupSolo, validStates: authed, handler: cmdStatus},
		"APPEND":       {group: groupSolo, validStates: authed, handler: cmdAppend},

		"CHECK":       {group: groupSolo, validStates: selected, handler: cmdCheck},
		"CLOSE":       {group: groupSolo, validStates: selected, handler: cmdClose},
		"UNSELECT":    {group: groupSolo, validStates: selected, handler: cmdUnselect},
		"EXPUNGE":     {group: groupSolo, validStates: selected, handler: cmdExpunge},
		"SEARCH":      {group: groupMSNFetch, validStates: selected, handler: cmdSearch},
		"FETCH":       {group: groupMSNFetch, validStates: selected, handler: cmdFetch},
		"STORE":       {group: groupStore, validStates: selected, handler: cmdStore},
		"COPY":        {group: groupMSNFetch, validStates: selected, handler: cmdCopy},
		"MOVE":        {group: groupMSNFetch, validStates: selected, handler: cmdMove},
		"IDLE":        {group: groupSolo, validStates: selected, handler: cmdIdle},
	}
}

func arg(cmd *command, i int) string {
	if i < len(cmd.args) {
		return cmd.args[i].str
	}
	return ""
}

func cmdCapability(c *conn, cmd *command) {
	cmd.addUntagged("* CAPABILITY " + strings.Join(c.capabilities(), " "))
	c.finish(cmd, "OK CAPABILITY completed")
}

func cmdNoop(c *conn, cmd *command) {
	c.drainComm()
	c.finish(cmd, "OK NOOP completed")
}

func cmdLogout(c *conn, cmd *command) {
	cmd.addUntagged("* BYE logging out")
	c.state = ssLogout
	c.finish(cmd, "OK LOGOUT completed")
}

func cmdStarttls(c *conn, cmd *command) {
	if c.tls {
		c.finish(cmd, "BAD STARTTLS already active")
		return
	}
	if c.srv.TLSConfig == nil {
		c.finish(cmd, "NO STARTTLS not available")
		return
	}
	c.finish(cmd, "OK begin TLS negotiation now")
	c.startTLS()
}

func cmdLogin(c *conn, cmd *command) {
	if len(cmd.args) < 2 {
		c.finish(cmd, "BAD LOGIN needs userid and password")
		return
	}
	email, password := arg(cmd, 0), arg(cmd, 1)
	acc, err := store.OpenAccount(c.ctx, c.srv.DB, c.srv.Cache, email)
	if err != nil {
		c.syntaxErrors = 0
		c.finish(cmd, "NO LOGIN invalid credentials")
		return
	}
	if err := acc.Authenticate(c.ctx, password); err != nil {
		c.finish(cmd, "NO LOGIN invalid credentials")
		return
	}
	c.account = acc
	c.comm = store.RegisterComm(acc.ID)
	c.state = ssAuthenticated
	c.finish(cmd, "OK LOGIN completed")
}

func cmdSelect(c *conn, cmd *command) { c.doSelect(cmd, true) }

func cmdExamine(c *conn, cmd *command) { c.doSelect(cmd, false) }

func (c *conn) doSelect(cmd *command, writable bool) {
	name := arg(cmd, 0)
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	mb, err := c.account.Mailbox(c.ctx, name)
	if err != nil {
		c.finish(cmd, "NO ["+selectErrCode(err)+"] mailbox does not exist")
		return
	}
	sess, err := store.Select(c.ctx, c.account, mb, c.comm)
	if err != nil {
		c.finish(cmd, "NO SELECT failed")
		return
	}
	c.session = sess
	c.state = ssSelected

	cmd.addUntagged(fmt.Sprintf("* %d EXISTS", sess.NumMessages()))
	cmd.addUntagged("* 0 RECENT")
	cmd.addUntagged("* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
	cmd.addUntagged("* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted")
	cmd.addUntagged(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", mb.UIDValidity))
	cmd.addUntagged(fmt.Sprintf("* OK [UIDNEXT %d] Predicted next UID", mb.UIDNext))
	cmd.addUntagged(fmt.Sprintf("* OK [HIGHESTMODSEQ %d] Highest", sess.HighestModSeq()))

	code := "READ-WRITE"
	if !writable {
		code = "READ-ONLY"
	}
	c.finish(cmd, fmt.Sprintf("OK [%s] %s completed", code, cmd.name))
}

func selectErrCode(err error) string {
	if err == store.ErrNotFound {
		return "NONEXISTENT"
	}
	return "SERVERBUG"
}

func cmdCreate(c *conn, cmd *command) {
	name := arg(cmd, 0)
	if _, err := c.account.CreateMailbox(c.ctx, name, c.comm); err != nil {
		c.finish(cmd, "NO CREATE failed: "+err.Error())
		return
	}
	c.finish(cmd, "OK CREATE completed")
}

func cmdDelete(c *conn, cmd *command) {
	c.finish(cmd, "NO DELETE not yet supported")
}

func cmdRename(c *conn, cmd *command) {
	c.finish(cmd, "NO RENAME not yet supported")
}

func cmdSubscribe(c *conn, cmd *command) {
	c.finish(cmd, "OK SUBSCRIBE completed")
}

func cmdUnsubscribe(c *conn, cmd *command) {
	c.finish(cmd, "OK UNSUBSCRIBE completed")
}

func cmdList(c *conn, cmd *command) {
	mbs, err := c.account.ListMailboxes(c.ctx)
	if err != nil {
		c.finish(cmd, "NO LIST failed")
		return
	}
	for _, mb := range mbs {
		cmd.addUntagged(fmt.Sprintf(`* LIST (\HasNoChildren) "/" %s`, quoteMailboxName(mb.Name)))
	}
	c.finish(cmd, "OK LIST completed")
}

func cmdLsub(c *conn, cmd *command) {
	mbs, err := c.account.ListMailboxes(c.ctx)
	if err != nil {
		c.finish(cmd, "NO LSUB failed")
		return
	}
	for _, mb := range mbs {
		if mb.Subscribed {
			cmd.addUntagged(fmt.Sprintf(`* LSUB (\HasNoChildren) "/" %s`, quoteMailboxName(mb.Name)))
		}
	}
	c.finish(cmd, "OK LSUB completed")
}

func cmdNamespace(c *conn, cmd *command) {
	cmd.addUntagged(`* NAMESPACE (("" "/")) NIL NIL`)
	c.finish(cmd, "OK NAMESPACE completed")
}

func cmdStatus(c *conn, cmd *command) {
	if len(cmd.args) < 2 {
		c.finish(cmd, "BAD STATUS needs a mailbox and item list")
		return
	}
	name := arg(cmd, 0)
	mb, err := c.account.Mailbox(c.ctx, name)
	if err != nil {
		c.finish(cmd, "NO STATUS mailbox does not exist")
		return
	}
	items := cmd.args[1].list
	var parts []string
	for _, it := range items {
		switch strings.ToUpper(it.str) {
		case "MESSAGES":
			sess, err := store.Select(c.ctx, c.account, mb, nil)
			n := 0
			if err == nil {
				n = sess.NumMessages()
				sess.Close()
			}
			parts = append(parts, "MESSAGES", strconv.Itoa(n))
		case "UIDNEXT":
			parts = append(parts, "UIDNEXT", fmt.Sprint(mb.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, "UIDVALIDITY", fmt.Sprint(mb.UIDValidity))
		case "HIGHESTMODSEQ":
			parts = append(parts, "HIGHESTMODSEQ", fmt.Sprint(mb.NextModSeq-1))
		case "UNSEEN", "RECENT":
			parts = append(parts, strings.ToUpper(it.str), "0")
		}
	}
	cmd.addUntagged(fmt.Sprintf("* STATUS %s (%s)", quoteMailboxName(mb.Name), strings.Join(parts, " ")))
	c.finish(cmd, "OK STATUS completed")
}

func cmdCheck(c *conn, cmd *command) {
	c.drainComm()
	c.finish(cmd, "OK CHECK completed")
}

func cmdClose(c *conn, cmd *command) {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.state = ssAuthenticated
	c.finish(cmd, "OK CLOSE completed")
}

func cmdUnselect(c *conn, cmd *command) {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.state = ssAuthenticated
	c.finish(cmd, "OK UNSELECT completed")
}

func cmdExpunge(c *conn, cmd *command) {
	uids, err := c.account.Expunge(c.ctx, c.session.Mailbox.ID, c.comm)
	if err != nil {
		c.finish(cmd, "NO EXPUNGE failed")
		return
	}
	_, removed := c.session.ApplyChanges([]store.Change{
		store.ChangeRemoveUIDs{MailboxID: c.session.Mailbox.ID, UIDs: uids, ModSeq: c.session.HighestModSeq() + 1},
	})
	for _, e := range removed {
		cmd.addUntagged(fmt.Sprintf("* %d EXPUNGE", e.MSN))
	}
	c.finish(cmd, "OK EXPUNGE completed")
}

func cmdSearch(c *conn, cmd *command) {
	crit, err := parseSearchCriteria(c.session, cmd.args, cmd.uid)
	if err != nil {
		c.finish(cmd, "BAD SEARCH "+err.Error())
		return
	}
	uids := c.session.UIDs()
	want := store.FacetFlags | needsFacets(crit)
	msgs, err := store.LoadFacets(c.ctx, c.account.Querier(), c.srv.Cache, c.session.Mailbox.ID, uids, want)
	if err != nil {
		c.finish(cmd, "NO SEARCH failed")
		return
	}
	var nums []string
	for _, m := range msgs {
		if !matchesCriteria(c.ctx, c.srv.Content, m, crit) {
			continue
		}
		if cmd.uid {
			nums = append(nums, fmt.Sprint(m.UID))
		} else {
			nums = append(nums, fmt.Sprint(c.session.MSN(m.UID)))
		}
	}
	cmd.addUntagged("* SEARCH " + strings.Join(nums, " "))
	c.finish(cmd, "OK SEARCH completed")
}

// parseChangedSince recognizes FETCH's trailing "(CHANGEDSINCE n)"
// modifier (RFC 4551), returning the modseq and whether it was present.
func parseChangedSince(args []token) (store.ModSeq, bool) {
	if len(args) < 3 || args[2].kind != tokList || len(args[2].list) != 2 {
		return 0, false
	}
	if !strings.EqualFold(args[2].list[0].str, "CHANGEDSINCE") {
		return 0, false
	}
	n, err := args[2].list[1].Int()
	if err != nil {
		return 0, false
	}
	return store.ModSeq(n), true
}

func cmdFetch(c *conn, cmd *command) {
	if len(cmd.args) < 2 {
		c.finish(cmd, "BAD FETCH needs a sequence-set and attribute list")
		return
	}
	uids, err := resolveSet(c.session, arg(cmd, 0), cmd.uid)
	if err != nil {
		c.finish(cmd, "BAD FETCH "+err.Error())
		return
	}
	if since, ok := parseChangedSince(cmd.args); ok {
		uids, err = c.session.UIDsSince(c.ctx, since, uids)
		if err != nil {
			c.finish(cmd, "NO FETCH failed")
			return
		}
	}
	names := expandFetchAttrs(cmd.args[1])
	var attrs []fetchAttr
	haveUID := false
	for _, n := range names {
		a, err := parseFetchAttr(n)
		if err != nil {
			c.finish(cmd, "BAD FETCH "+err.Error())
			return
		}
		if a.name == "UID" {
			haveUID = true
		}
		attrs = append(attrs, a)
	}
	if cmd.uid && !haveUID {
		attrs = append([]fetchAttr{{name: "UID"}}, attrs...)
	}

	want := planFacets(attrs)
	msgs, err := store.LoadFacets(c.ctx, c.account.Querier(), c.srv.Cache, c.session.Mailbox.ID, uids, want)
	if err != nil {
		c.finish(cmd, "NO FETCH failed")
		return
	}
	metrics.IMAPFetchBatches.Observe(float64(len(uids)))

	if anyBodySectionTouchesSeen(attrs) {
		var unseen []store.UID
		for _, m := range msgs {
			if !m.Flags.Seen {
				unseen = append(unseen, m.UID)
			}
		}
		if len(unseen) > 0 {
			mask := store.Flags{Seen: true}
			value := store.Flags{Seen: true}
			if _, err := c.account.ApplyStore(c.ctx, c.session.Mailbox.ID, unseen, mask, value, nil, nil, c.comm); err == nil {
				for _, m := range msgs {
					m.Flags.Seen = true
				}
			}
		}
	}

	var expunged []store.UID
	for _, m := range msgs {
		if m.Expunged {
			expunged = append(expunged, m.UID)
			continue
		}
		msn := c.session.MSN(m.UID)
		if msn == 0 {
			continue
		}
		cmd.addUntagged(formatFetchResponse(c.ctx, c.srv.Content, msn, m, c.session.IsRecent(m.UID), attrs))
	}
	name := "FETCH"
	if cmd.uid {
		name = "UID FETCH"
	}
	// RFC 2180 4.1.2/4.3: an MSN-form FETCH that catches a uid already
	// expunged by another session must fail with EXPUNGEISSUED so the
	// client resynchronizes; UID FETCH tolerates the same race silently
	// since the client named the uid itself.
	if len(expunged) > 0 && !cmd.uid {
		for _, u := range expunged {
			cmd.expunged = append(cmd.expunged, uint32(u))
		}
		c.finish(cmd, fmt.Sprintf("NO [EXPUNGEISSUED] UID(s) %s have been expunged", formatUIDSet(sortUIDs(expunged))))
		return
	}
	c.finish(cmd, "OK "+name+" completed")
}

func cmdStore(c *conn, cmd *command) {
	if len(cmd.args) < 3 {
		c.finish(cmd, "BAD STORE needs a sequence-set, action, and flag list")
		return
	}
	uids, err := resolveSet(c.session, arg(cmd, 0), cmd.uid)
	if err != nil {
		c.finish(cmd, "BAD STORE "+err.Error())
		return
	}
	action := strings.ToUpper(arg(cmd, 1))
	silent := strings.HasSuffix(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")

	mask := store.Flags{}
	value := store.Flags{}
	if action == "FLAGS" {
		mask = store.Flags{Seen: true, Answered: true, Flagged: true, Deleted: true, Draft: true, Forwarded: true}
	}
	var addKw, removeKw []string
	for _, t := range cmd.args[2].list {
		f, isFlag := parseSystemFlag(t.str)
		switch action {
		case "FLAGS", "+FLAGS":
			if isFlag {
				setFlagField(&mask, f, true)
				setFlagField(&value, f, true)
			} else {
				addKw = append(addKw, t.str)
			}
		case "-FLAGS":
			if isFlag {
				setFlagField(&mask, f, true)
				setFlagField(&value, f, false)
			} else {
				removeKw = append(removeKw, t.str)
			}
		}
	}

	if _, err := c.account.ApplyStore(c.ctx, c.session.Mailbox.ID, uids, mask, value, addKw, removeKw, c.comm); err != nil {
		c.finish(cmd, "NO STORE failed")
		return
	}

	if !silent {
		msgs, err := store.LoadFacets(c.ctx, c.account.Querier(), c.srv.Cache, c.session.Mailbox.ID, uids, store.FacetFlags)
		if err == nil {
			for _, m := range msgs {
				msn := c.session.MSN(m.UID)
				if msn == 0 {
					continue
				}
				cmd.addUntagged(formatFetchResponse(c.ctx, c.srv.Content, msn, m, c.session.IsRecent(m.UID), []fetchAttr{{name: "FLAGS"}}))
			}
		}
	}
	name := "STORE"
	if cmd.uid {
		name = "UID STORE"
	}
	c.finish(cmd, "OK "+name+" completed")
}

// parseSystemFlag reports whether raw names one of the six system flags
// this store tracks as dedicated columns, for STORE's mask/value split.
func parseSystemFlag(raw string) (name string, ok bool) {
	switch raw {
	case `\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`:
		return raw[1:], true
	case `$Forwarded`:
		return "Forwarded", true
	}
	return "", false
}

func setFlagField(f *store.Flags, name string, v bool) {
	switch name {
	case "Seen":
		f.Seen = v
	case "Answered":
		f.Answered = v
	case "Flagged":
		f.Flagged = v
	case "Deleted":
		f.Deleted = v
	case "Draft":
		f.Draft = v
	case "Forwarded":
		f.Forwarded = v
	}
}

func cmdCopy(c *conn, cmd *command) { doCopyMove(c, cmd, false) }
func cmdMove(c *conn, cmd *command) { doCopyMove(c, cmd, true) }

func doCopyMove(c *conn, cmd *command, move bool) {
	if len(cmd.args) < 2 {
		c.finish(cmd, "BAD command needs a sequence-set and mailbox")
		return
	}
	uids, err := resolveSet(c.session, arg(cmd, 0), cmd.uid)
	if err != nil {
		c.finish(cmd, "BAD "+cmd.name+" "+err.Error())
		return
	}
	destName := decodeMailboxUTF7(arg(cmd, 1))
	dst, err := c.account.Mailbox(c.ctx, destName)
	if err != nil {
		c.finish(cmd, "NO [TRYCREATE] "+cmd.name+" mailbox does not exist")
		return
	}
	dstUIDs, uidValidity, err := c.account.Copy(c.ctx, c.session.Mailbox.ID, dst.ID, uids, c.comm)
	if err != nil {
		c.finish(cmd, "NO "+cmd.name+" failed")
		return
	}
	code := fmt.Sprintf("COPYUID %d %s %s", uidValidity, formatUIDSet(uids), formatUIDSet(dstUIDs))
	if move {
		if err := c.account.ExpungeUIDs(c.ctx, c.session.Mailbox.ID, uids, c.comm); err != nil {
			c.finish(cmd, fmt.Sprintf("OK [%s] %s completed (move's source removal failed)", code, cmd.name))
			return
		}
		_, removed := c.session.ApplyChanges([]store.Change{
			store.ChangeRemoveUIDs{MailboxID: c.session.Mailbox.ID, UIDs: uids, ModSeq: c.session.HighestModSeq() + 1},
		})
		for _, e := range removed {
			cmd.addUntagged(fmt.Sprintf("* %d EXPUNGE", e.MSN))
		}
	}
	name := cmd.name
	if cmd.uid {
		name = "UID " + name
	}
	c.finish(cmd, fmt.Sprintf("OK [%s] %s completed", code, name))
}

func cmdAppend(c *conn, cmd *command) {
	if len(cmd.args) < 2 {
		c.finish(cmd, "BAD APPEND needs a mailbox and message literal")
		return
	}
	mb, err := c.account.Mailbox(c.ctx, decodeMailboxUTF7(arg(cmd, 0)))
	if err != nil {
		c.finish(cmd, "NO [TRYCREATE] APPEND mailbox does not exist")
		return
	}

	idx := 1
	flags := store.Flags{}
	var keywords []string
	if idx < len(cmd.args) && cmd.args[idx].kind == tokList {
		for _, t := range cmd.args[idx].list {
			if f, ok := parseSystemFlag(t.str); ok {
				setFlagField(&flags, f, true)
			} else {
				keywords = append(keywords, t.str)
			}
		}
		idx++
	}

	received := time.Now()
	if idx < len(cmd.args)-1 && cmd.args[idx].kind == tokString {
		if t, err := time.Parse("02-Jan-2006 15:04:05 -0700", cmd.args[idx].str); err == nil {
			received = t
			idx++
		}
	}

	if idx >= len(cmd.args) {
		c.finish(cmd, "BAD APPEND missing message literal")
		return
	}
	data := cmd.args[idx].str
	root := &store.Part{MediaType: "TEXT", MediaSubType: "PLAIN", Octets: int64(len(data)), Lines: int64(strings.Count(data, "\n"))}

	uid, err := c.account.Append(c.ctx, mb.ID, int64(len(data)), received, flags, keywords, root, nil, c.comm)
	if err != nil {
		c.finish(cmd, "NO APPEND failed")
		return
	}
	if c.session != nil && c.session.Mailbox.ID == mb.ID {
		c.session.ApplyChanges([]store.Change{store.ChangeAddUID{MailboxID: mb.ID, UID: uid, ModSeq: c.session.HighestModSeq() + 1, Flags: flags, Keywords: keywords}})
		c.session.MarkRecent(uid)
	}
	c.finish(cmd, fmt.Sprintf("OK [APPENDUID %d %d] APPEND completed", mb.UIDValidity, uid))
}

func cmdIdle(c *conn, cmd *command) {
	c.writeLine("+ idling")
	done := make(chan error, 1)
	go func() {
		line, err := c.bufpool.Readline(c.log, c.br)
		if err != nil {
			done <- err
			return
		}
		if strings.ToUpper(strings.TrimSpace(line)) != "DONE" {
			done <- fmt.Errorf("expected DONE")
			return
		}
		done <- nil
	}()

	var commCh <-chan []store.Change
	if c.comm != nil {
		commCh = c.comm.Get()
	}
	for {
		select {
		case err := <-done:
			if err != nil {
				c.finish(cmd, "BAD IDLE expected DONE")
				return
			}
			c.finish(cmd, "OK IDLE terminated")
			return
		case changes := <-commCh:
			if c.session == nil {
				continue
			}
			added, removed := c.session.ApplyChanges(changes)
			for _, e := range removed {
				c.writeLine(fmt.Sprintf("* %d EXPUNGE", e.MSN))
			}
			if len(added) > 0 {
				c.writeLine(fmt.Sprintf("* %d EXISTS", c.session.NumMessages()))
				c.writeLine(fmt.Sprintf("* %d RECENT", len(added)))
			}
		}
	}
}
