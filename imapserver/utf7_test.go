package imapserver

import "testing"

func TestUTF7RoundTrip(t *testing.T) {
	cases := []string{
		"INBOX",
		"Entwürfe", // "Entwürfe"
		"&",
		"a&b",
		"日本語", // Japanese
	}
	for _, name := range cases {
		enc := encodeMailboxUTF7(name)
		dec := decodeMailboxUTF7(enc)
		if dec != name {
			t.Errorf("round trip %q -> %q -> %q", name, enc, dec)
		}
	}
}

func TestEncodeMailboxUTF7Ampersand(t *testing.T) {
	if got, want := encodeMailboxUTF7("&"), "&-"; got != want {
		t.Errorf("encodeMailboxUTF7(&) = %q, want %q", got, want)
	}
}

func TestQuoteMailboxName(t *testing.T) {
	if got, want := quoteMailboxName("INBOX"), "INBOX"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := quoteMailboxName("my folder"), `"my folder"`; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
