package smtpaddr

import "testing"

func TestLocalpartString(t *testing.T) {
	cases := []struct {
		lp   Localpart
		want string
	}{
		{"joe", "joe"},
		{"joe.bloggs", "joe.bloggs"},
		{"joe bloggs", `"joe bloggs"`},
		{`joe"bloggs`, `"joe\"bloggs"`},
		{"", `""`},
	}
	for _, c := range cases {
		if got := c.lp.String(); got != c.want {
			t.Errorf("Localpart(%q).String() = %q, want %q", string(c.lp), got, c.want)
		}
	}
}

func TestPathString(t *testing.T) {
	p := Path{Localpart: "joe", Domain: "example.com"}
	if got, want := p.String(), "joe@example.com"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := (Path{}).String(), ""; got != want {
		t.Errorf("null path String() = %q, want %q", got, want)
	}
}

func TestPathIsZero(t *testing.T) {
	if !(Path{}).IsZero() {
		t.Error("zero-value Path is not IsZero")
	}
	if (Path{Localpart: "joe", Domain: "example.com"}).IsZero() {
		t.Error("non-empty Path reports IsZero")
	}
}

func TestPathEqual(t *testing.T) {
	a := Path{Localpart: "joe", Domain: "Example.com"}
	b := Path{Localpart: "joe", Domain: "example.COM"}
	if !a.Equal(b) {
		t.Error("domains should compare case-insensitively")
	}
	c := Path{Localpart: "Joe", Domain: "example.com"}
	if a.Equal(c) {
		t.Error("localparts should compare case-sensitively")
	}
}

func TestPathRequiresUTF8(t *testing.T) {
	if (Path{Localpart: "joe", Domain: "example.com"}).RequiresUTF8() {
		t.Error("ascii address should not require SMTPUTF8")
	}
	if !(Path{Localpart: "jöe", Domain: "example.com"}).RequiresUTF8() {
		t.Error("non-ascii localpart should require SMTPUTF8")
	}
	if !(Path{Localpart: "joe", Domain: "exämple.com"}).RequiresUTF8() {
		t.Error("non-ascii domain should require SMTPUTF8")
	}
}
