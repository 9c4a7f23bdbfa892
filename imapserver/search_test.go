package imapserver

import (
	"context"
	"testing"

	"github.com/usrlocalben/corvid/store"
)

func TestParseSearchCriteriaSubjectBodyText(t *testing.T) {
	for _, kw := range []string{"SUBJECT", "BODY", "TEXT"} {
		crit, err := parseSearchCriteria(&store.Session{}, []token{{str: kw}, {str: "hello world"}}, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(crit) != 1 || crit[0].kind != kw || crit[0].text != "hello world" {
			t.Errorf("%s: got %+v", kw, crit)
		}
	}
}

func TestNeedsFacets(t *testing.T) {
	crit := []searchCriterion{{kind: "SUBJECT"}, {kind: "BODY"}}
	want := needsFacets(crit)
	if !want.Has(store.FacetHeader) || !want.Has(store.FacetBody) || !want.Has(store.FacetPartNumbers) {
		t.Errorf("needsFacets(%+v) = %v, missing expected bits", crit, want)
	}
}

func TestMatchesCriteriaSubject(t *testing.T) {
	m := &store.Message{Envelope: &store.Envelope{Subject: "Re: Quarterly Report"}}
	crit := []searchCriterion{{kind: "SUBJECT", text: "quarterly"}}
	if !matchesCriteria(context.Background(), nil, m, crit) {
		t.Error("expected SUBJECT match")
	}
	crit = []searchCriterion{{kind: "SUBJECT", text: "invoice"}}
	if matchesCriteria(context.Background(), nil, m, crit) {
		t.Error("expected SUBJECT mismatch")
	}
}

func TestBodyContainsSingleTextPart(t *testing.T) {
	root := &store.Part{
		MediaType:    "TEXT",
		MediaSubType: "PLAIN",
		HeaderOffset: 0,
		BodyOffset:   15,
		EndOffset:    33,
	}
	fetcher := &fakeContentFetcher{data: []byte("Subject: hi\r\n\r\nhello decoded body")}
	m := &store.Message{ID: 1, Root: root}

	if !matchesCriteria(context.Background(), fetcher, m, []searchCriterion{{kind: "BODY", text: "decoded body"}}) {
		t.Error("expected BODY match against decoded part content")
	}
	if matchesCriteria(context.Background(), fetcher, m, []searchCriterion{{kind: "BODY", text: "subject"}}) {
		t.Error("BODY should not match the header block")
	}
	if !matchesCriteria(context.Background(), fetcher, m, []searchCriterion{{kind: "TEXT", text: "subject"}}) {
		t.Error("TEXT should also match the header block")
	}
}
