package store

import "testing"

func TestFlagsApply(t *testing.T) {
	f := Flags{Seen: false, Flagged: true}
	mask := Flags{Seen: true, Deleted: true}
	value := Flags{Seen: true, Deleted: true}
	got := f.Apply(mask, value)
	want := Flags{Seen: true, Flagged: true, Deleted: true}
	if got != want {
		t.Errorf("Apply() = %+v, want %+v", got, want)
	}
}

func TestFlagsApplyUntouchedBitsPreserved(t *testing.T) {
	f := Flags{Flagged: true, Draft: true}
	got := f.Apply(Flags{}, Flags{Seen: true, Deleted: true})
	if got != f {
		t.Errorf("a zero mask should leave flags unchanged, got %+v", got)
	}
}

func TestFacetHas(t *testing.T) {
	loaded := FacetHeader | FacetFlags
	if !loaded.Has(FacetHeader) {
		t.Error("expected FacetHeader to be set")
	}
	if loaded.Has(FacetBody) {
		t.Error("FacetBody should not be set")
	}
	if !loaded.Has(FacetHeader | FacetFlags) {
		t.Error("expected combined mask to be satisfied")
	}
	if loaded.Has(FacetHeader | FacetBody) {
		t.Error("combined mask should fail when one bit is missing")
	}
}

func TestPartIsMultipart(t *testing.T) {
	p := &Part{MediaType: "MULTIPART", MediaSubType: "MIXED"}
	if !p.IsMultipart() {
		t.Error("expected IsMultipart")
	}
	if p.IsMessage() {
		t.Error("multipart should not be IsMessage")
	}
}

func TestPartIsMessage(t *testing.T) {
	for _, sub := range []string{"RFC822", "GLOBAL"} {
		p := &Part{MediaType: "MESSAGE", MediaSubType: sub}
		if !p.IsMessage() {
			t.Errorf("MESSAGE/%s should be IsMessage", sub)
		}
	}
	p := &Part{MediaType: "MESSAGE", MediaSubType: "DISPOSITION-NOTIFICATION"}
	if p.IsMessage() {
		t.Error("MESSAGE/DISPOSITION-NOTIFICATION should not be IsMessage")
	}
}

func TestMessageHasFacet(t *testing.T) {
	m := &Message{}
	if m.HasFacet(FacetFlags) {
		t.Error("fresh Message should have no facets loaded")
	}
	m.markLoaded(FacetFlags)
	if !m.HasFacet(FacetFlags) {
		t.Error("expected FacetFlags after markLoaded")
	}
	if m.HasFacet(FacetBody) {
		t.Error("markLoaded(FacetFlags) should not set FacetBody")
	}
}

func TestAnnotationSize(t *testing.T) {
	a := Annotation{}
	if a.SizePriv() != "0" || a.SizeShared() != "0" {
		t.Errorf("nil values should report size 0, got priv=%s shared=%s", a.SizePriv(), a.SizeShared())
	}
	v := "hello"
	a.ValuePriv = &v
	if a.SizePriv() != "5" {
		t.Errorf("SizePriv() = %s, want 5", a.SizePriv())
	}
}
