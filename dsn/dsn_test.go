package dsn

import (
	"strings"
	"testing"
	"time"

	"github.com/usrlocalben/corvid/smtpaddr"
)

func TestComposeStructure(t *testing.T) {
	msg := &Message{
		From:         smtpaddr.Path{},
		To:           smtpaddr.Path{Localpart: "sender", Domain: "example.com"},
		Subject:      "Delivery Status Notification (Failure)",
		MessageID:    "abc123",
		ReportingMTA: "mx.example.org",
		ArrivalDate:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TextBody:     "delivery failed",
		Recipients: []Recipient{
			{
				FinalRecipient:  smtpaddr.Path{Localpart: "rcpt", Domain: "example.net"},
				Action:          Failed,
				Status:          "5.1.1",
				LastAttemptDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
	}
	data, err := msg.Compose()
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	s := string(data)

	for _, want := range []string{
		"From: <>",
		"To: <sender@example.com>",
		"Subject: Delivery Status Notification (Failure)",
		"Content-Type: multipart/report",
		"Reporting-MTA: dns;mx.example.org",
		"Final-Recipient: rfc822;rcpt@example.net",
		"Action: failed",
		"Status: 5.1.1",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("composed DSN missing %q\nfull message:\n%s", want, s)
		}
	}
}

func TestComposeNoRecipients(t *testing.T) {
	msg := &Message{
		From:         smtpaddr.Path{},
		To:           smtpaddr.Path{Localpart: "sender", Domain: "example.com"},
		ReportingMTA: "mx.example.org",
	}
	if _, err := msg.Compose(); err != nil {
		t.Fatalf("Compose with no recipients should still succeed: %v", err)
	}
}
