package imapserver

import (
	"context"
	"testing"

	"github.com/usrlocalben/corvid/store"
)

type fakeContentFetcher struct {
	data []byte
}

func (f *fakeContentFetcher) ReadRange(ctx context.Context, contentID, start, end int64) ([]byte, error) {
	if end <= start {
		end = int64(len(f.data))
	}
	return f.data[start:end], nil
}

func TestParseFetchAttrBodySection(t *testing.T) {
	a, err := parseFetchAttr("BODY[HEADER]")
	if err != nil {
		t.Fatal(err)
	}
	if a.name != "BODY[HEADER]" || a.section != "HEADER" {
		t.Errorf("got name=%q section=%q", a.name, a.section)
	}
}

func TestParseFetchAttrBodyPeekPartial(t *testing.T) {
	a, err := parseFetchAttr("BODY.PEEK[TEXT]<0.10>")
	if err != nil {
		t.Fatal(err)
	}
	if !a.peek || a.section != "TEXT" || a.partial == nil || a.partial[0] != 0 || a.partial[1] != 10 {
		t.Errorf("got %+v", a)
	}
}

func TestFormatBodySectionWholeMessage(t *testing.T) {
	m := &store.Message{
		ID: 1,
		Root: &store.Part{
			HeaderOffset: 0,
			BodyOffset:   13,
			EndOffset:    24,
		},
	}
	fetcher := &fakeContentFetcher{data: []byte("Subject: hi\r\n\r\nbody text")}
	got := formatBodySection(context.Background(), fetcher, m.ID, m, fetchAttr{name: "BODY[]"})
	want := `{24}` + "\r\n" + "Subject: hi\r\n\r\nbody text"
	if got != want {
		t.Errorf("formatBodySection() = %q, want %q", got, want)
	}
}

func TestFormatBodySectionNoOffsets(t *testing.T) {
	m := &store.Message{ID: 1, Root: &store.Part{}}
	fetcher := &fakeContentFetcher{data: []byte("irrelevant")}
	got := formatBodySection(context.Background(), fetcher, m.ID, m, fetchAttr{name: "BODY[]"})
	if got != `""` {
		t.Errorf("formatBodySection() with no recorded offsets = %q, want %q", got, `""`)
	}
}

func TestFormatBodySectionPartial(t *testing.T) {
	m := &store.Message{
		ID:   1,
		Root: &store.Part{HeaderOffset: 0, BodyOffset: 0, EndOffset: 11},
	}
	fetcher := &fakeContentFetcher{data: []byte("hello world")}
	got := formatBodySection(context.Background(), fetcher, m.ID, m, fetchAttr{name: "BODY[TEXT]<0.5>", section: "TEXT", partial: &[2]int64{0, 5}})
	want := "{5}\r\nhello"
	if got != want {
		t.Errorf("formatBodySection() partial = %q, want %q", got, want)
	}
}
