// Package dsn composes Delivery Status Notification messages (RFC 3464),
// the bounce/delay reports the outbound spool injects back to a sender
// when a delivery fails or is significantly delayed.
package dsn

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/usrlocalben/corvid/smtpaddr"
)

// Action is the per-recipient delivery outcome reported in a DSN.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
)

// Recipient holds one per-recipient delivery-status block.
type Recipient struct {
	FinalRecipient  smtpaddr.Path
	Action          Action
	Status          string // Enhanced status code, e.g. "5.2.0".
	RemoteMTA       string
	DiagnosticCode  string
	LastAttemptDate time.Time
}

// Message is a DSN: human-readable text, machine-parsable per-recipient
// data, and an optional copy of the original message's headers.
type Message struct {
	SMTPUTF8     bool
	From         smtpaddr.Path // Should use the null reverse-path when sent: ../rfc/3464:421.
	To           smtpaddr.Path // Original sender, taken from the failed delivery's MAIL FROM.
	Subject      string
	MessageID    string
	References   string // Message-Id of the original message, for threading.
	TextBody     string
	ReportingMTA string
	ArrivalDate  time.Time
	Recipients   []Recipient
	OriginalHead []byte // Original message headers, included as the third MIME part.
}

// Compose renders the DSN as a complete RFC 5322 message with a
// multipart/report body, ready to be handed to the outbound spool via the
// Injector interface (queue.Injector).
func (m *Message) Compose() ([]byte, error) {
	buf := &bytes.Buffer{}
	header := func(k, v string) { fmt.Fprintf(buf, "%s: %s\r\n", k, v) }

	header("From", fmt.Sprintf("<%s>", m.From.String()))
	header("To", fmt.Sprintf("<%s>", m.To.String()))
	header("Subject", m.Subject)
	header("Message-Id", fmt.Sprintf("<%s>", m.MessageID))
	if m.References != "" {
		header("References", m.References)
	}
	header("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	header("Auto-Submitted", "auto-replied")
	header("MIME-Version", "1.0")

	mp := multipart.NewWriter(buf)
	header("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary=%q`, mp.Boundary()))
	buf.WriteString("\r\n")

	// Part 1: human-readable explanation.
	if err := writePart(mp, "text/plain; charset=utf-8", strings.ReplaceAll(m.TextBody, "\n", "\r\n")); err != nil {
		return nil, err
	}

	// Part 2: machine-parsable delivery-status fields.
	status := &bytes.Buffer{}
	fmt.Fprintf(status, "Reporting-MTA: dns;%s\r\n", m.ReportingMTA)
	if !m.ArrivalDate.IsZero() {
		fmt.Fprintf(status, "Arrival-Date: %s\r\n", m.ArrivalDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}
	for _, r := range m.Recipients {
		status.WriteString("\r\n")
		fmt.Fprintf(status, "Final-Recipient: rfc822;%s\r\n", r.FinalRecipient.String())
		fmt.Fprintf(status, "Action: %s\r\n", r.Action)
		fmt.Fprintf(status, "Status: %s\r\n", r.Status)
		if r.RemoteMTA != "" {
			fmt.Fprintf(status, "Remote-MTA: dns;%s\r\n", r.RemoteMTA)
		}
		if r.DiagnosticCode != "" {
			fmt.Fprintf(status, "Diagnostic-Code: smtp;%s\r\n", r.DiagnosticCode)
		}
		if !r.LastAttemptDate.IsZero() {
			fmt.Fprintf(status, "Last-Attempt-Date: %s\r\n", r.LastAttemptDate.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
		}
	}
	if err := writePart(mp, "message/delivery-status", status.String()); err != nil {
		return nil, err
	}

	// Part 3: optional original headers.
	if len(m.OriginalHead) > 0 {
		if err := writePart(mp, "text/rfc822-headers", string(m.OriginalHead)); err != nil {
			return nil, err
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mp *multipart.Writer, contentType, body string) error {
	w, err := mp.CreatePart(map[string][]string{"Content-Type": {contentType}})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}
