package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// DecodeReader returns a reader that transcodes r from charset to UTF-8.
// For empty, us-ascii, utf-8 or unrecognized charsets the original reader is
// returned unchanged. Grounded on mjl--mox/moxio/decode.go.
func DecodeReader(charset string, r io.Reader) io.Reader {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8":
		return r
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return r
	}
	return enc.NewDecoder().Reader(r)
}

// cteReader undoes p.Encoding (Content-Transfer-Encoding), base64 or
// quoted-printable, before DecodeReader sees the bytes. Grounded on
// mjl--mox/message/part.go's newDecoder.
func cteReader(encoding string, r io.Reader) io.Reader {
	switch encoding {
	case "BASE64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "QUOTED-PRINTABLE":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

// charset returns p's declared charset MIME parameter, if any, matched
// case-insensitively against p.Params.
func (p *Part) charset() string {
	for k, v := range p.Params {
		if strings.EqualFold(k, "charset") {
			return v
		}
	}
	return ""
}

// DecodedBody returns p's body transfer-decoded and transcoded to UTF-8,
// for search and preview use. Returns nil without error if p has no
// recorded byte range to read.
func (p *Part) DecodedBody(ctx context.Context, fetcher ContentFetcher, contentID int64) ([]byte, error) {
	if !p.HasOffsets() {
		return nil, nil
	}
	raw, err := fetcher.ReadRange(ctx, contentID, p.BodyOffset, p.EndOffset)
	if err != nil {
		return nil, err
	}
	r := DecodeReader(p.charset(), cteReader(p.Encoding, bytes.NewReader(raw)))
	return io.ReadAll(r)
}
