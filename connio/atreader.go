package connio

import "io"

// AtReader adapts an io.ReaderAt to io.Reader starting at a fixed offset,
// used by store.FileContentFetcher.ReadRange to read a byte range of a
// message file into a buffer.
type AtReader struct {
	R      io.ReaderAt
	Offset int64
}

func (r *AtReader) Read(p []byte) (int, error) {
	n, err := r.R.ReadAt(p, r.Offset)
	r.Offset += int64(n)
	return n, err
}
