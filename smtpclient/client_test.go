package smtpclient

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestExtractEcode(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"5.1.1 no such user", "5.1.1"},
		{"2.0.0 OK", "2.0.0"},
		{"no enhanced code here", ""},
		{"", ""},
		{"5.1 too short", ""},
	}
	for _, c := range cases {
		if got := extractEcode(c.text); got != c.want {
			t.Errorf("extractEcode(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestClassify(t *testing.T) {
	r := classify(550, "5.1.1 no such user")
	if !r.Failed || r.Delayed {
		t.Errorf("550 should classify as Failed, got %+v", r)
	}
	if r.Ecode != "5.1.1" {
		t.Errorf("Ecode = %q", r.Ecode)
	}

	r = classify(450, "mailbox busy")
	if !r.Delayed || r.Failed {
		t.Errorf("450 should classify as Delayed, got %+v", r)
	}
	if r.Ecode != defaultEcodes[450] {
		t.Errorf("Ecode = %q, want default %q", r.Ecode, defaultEcodes[450])
	}

	r = classify(250, "OK")
	if r.Failed || r.Delayed {
		t.Errorf("250 should be neither failed nor delayed, got %+v", r)
	}
}

// TestWriteBodyDotStuffing exercises writeBody's escaping of lines
// beginning with ".", CR/LF canonicalization, and final terminator, per
// the dot-stuffing round-trip property: un-dot-stuff(dot-stuff(B)) must
// equal B with its line endings canonicalized to CRLF.
func TestWriteBodyDotStuffing(t *testing.T) {
	in := "Subject: test\n.leading dot\nnormal line\n..two dots\n"
	var out bytes.Buffer
	c := &Client{bw: bufio.NewWriter(&out), writeTimeout: time.Minute}
	if err := c.writeBody(strings.NewReader(in)); err != nil {
		t.Fatalf("writeBody: %v", err)
	}
	got := out.String()
	want := "Subject: test\r\n" +
		"..leading dot\r\n" +
		"normal line\r\n" +
		"...two dots\r\n" +
		".\r\n"
	if got != want {
		t.Errorf("writeBody output:\n%q\nwant:\n%q", got, want)
	}
}

func TestWriteBodyNoTrailingNewline(t *testing.T) {
	var out bytes.Buffer
	c := &Client{bw: bufio.NewWriter(&out), writeTimeout: time.Minute}
	if err := c.writeBody(strings.NewReader("no trailing newline")); err != nil {
		t.Fatalf("writeBody: %v", err)
	}
	want := "no trailing newline\r\n.\r\n"
	if got := out.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
