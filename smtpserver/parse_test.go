package smtpserver

import "testing"

func TestParsePath(t *testing.T) {
	p, rest, err := parsePath("<joe@example.com> SIZE=100")
	if err != nil {
		t.Fatalf("parsePath: %v", err)
	}
	if p.Localpart != "joe" || p.Domain != "example.com" {
		t.Errorf("got %+v", p)
	}
	if rest != "SIZE=100" {
		t.Errorf("rest = %q", rest)
	}
}

func TestParsePathNullReversePath(t *testing.T) {
	p, _, err := parsePath("<>")
	if err != nil {
		t.Fatalf("parsePath: %v", err)
	}
	if !p.IsZero() {
		t.Errorf("expected null reverse-path, got %+v", p)
	}
}

func TestParsePathMissingBrackets(t *testing.T) {
	if _, _, err := parsePath("joe@example.com"); err == nil {
		t.Error("expected error for missing <>")
	}
}

func TestParsePathMissingAt(t *testing.T) {
	if _, _, err := parsePath("<joe>"); err == nil {
		t.Error("expected error for missing @domain")
	}
}

func TestParseParams(t *testing.T) {
	p := parseParams("SIZE=12345 SMTPUTF8 HOLDFOR=60 X-UNKNOWN=1")
	if p.size != 12345 {
		t.Errorf("size = %d", p.size)
	}
	if !p.smtpUTF8 {
		t.Error("expected smtpUTF8")
	}
	if p.holdFor != 60 {
		t.Errorf("holdFor = %d", p.holdFor)
	}
	if len(p.unknown) != 1 || p.unknown[0] != "X-UNKNOWN=1" {
		t.Errorf("unknown = %v", p.unknown)
	}
}

func TestParseParamsEmpty(t *testing.T) {
	p := parseParams("")
	if p.size != 0 || p.smtpUTF8 || p.burl != "" {
		t.Errorf("expected zero-value mailParams, got %+v", p)
	}
}
