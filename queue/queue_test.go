package queue

import "testing"

func TestRecipientPath(t *testing.T) {
	r := Recipient{Localpart: "joe", Domain: "example.com"}
	p := r.Path()
	if p.Localpart != "joe" || p.Domain != "example.com" {
		t.Errorf("got %+v", p)
	}
}

func TestDeliverySender(t *testing.T) {
	d := Delivery{SenderLocalpart: "joe", SenderDomain: "example.com"}
	s := d.Sender()
	if s.Localpart != "joe" || s.Domain != "example.com" {
		t.Errorf("got %+v", s)
	}
}

func TestDeliverySenderNull(t *testing.T) {
	d := Delivery{}
	if !d.Sender().IsZero() {
		t.Error("empty sender fields should produce the null reverse-path")
	}
}
