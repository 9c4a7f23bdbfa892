package imapserver

import (
	"reflect"
	"testing"

	"github.com/usrlocalben/corvid/store"
)

func TestParseNumSet(t *testing.T) {
	got, err := parseNumSet("1:3,7,9:10", 100)
	if err != nil {
		t.Fatalf("parseNumSet: %v", err)
	}
	want := []uint32{1, 2, 3, 7, 9, 10}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseNumSetStar(t *testing.T) {
	got, err := parseNumSet("5:*", 8)
	if err != nil {
		t.Fatalf("parseNumSet: %v", err)
	}
	want := []uint32{5, 6, 7, 8}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseNumSetReversedRange(t *testing.T) {
	got, err := parseNumSet("5:3", 10)
	if err != nil {
		t.Fatalf("parseNumSet: %v", err)
	}
	want := []uint32{3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseNumSetEmptyMember(t *testing.T) {
	if _, err := parseNumSet("1,,3", 10); err == nil {
		t.Error("expected error for empty sequence-set member")
	}
}

func TestFormatUIDSet(t *testing.T) {
	cases := []struct {
		uids []store.UID
		want string
	}{
		{nil, ""},
		{[]store.UID{1}, "1"},
		{[]store.UID{1, 2, 3}, "1:3"},
		{[]store.UID{1, 2, 3, 7, 9, 10}, "1:3,7,9:10"},
	}
	for _, c := range cases {
		if got := formatUIDSet(c.uids); got != c.want {
			t.Errorf("formatUIDSet(%v) = %q, want %q", c.uids, got, c.want)
		}
	}
}
