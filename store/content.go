package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/usrlocalben/corvid/connio"
)

// msgDirChars mirrors mjl--mox's sharding alphabet so message files
// spread across subdirectories instead of piling up in one, 8k files deep.
const msgDirChars = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-_"

// MessagePath returns contentID's on-disk path relative to a data
// directory's "msg" subdirectory. Grounded on mjl--mox/store/account.go's
// MessagePath sharding scheme.
func MessagePath(contentID int64) string {
	v := contentID >> 13
	dir := ""
	for {
		dir += string(msgDirChars[int(v)&(len(msgDirChars)-1)])
		v >>= 6
		if v == 0 {
			break
		}
	}
	return fmt.Sprintf("%s/%d", dir, contentID)
}

// FileContentFetcher implements ContentFetcher against the spooled data
// directory, reading raw message bytes the external delivery pipeline
// wrote at accept time. Grounded on mjl--mox/store/account.go's
// MessageReader/MsgReader, generalized here to byte-range reads rather
// than a whole-message reader since IMAP needs sub-part slices.
type FileContentFetcher struct {
	DataDir string
}

func (f *FileContentFetcher) path(contentID int64) string {
	return filepath.Join(f.DataDir, "msg", MessagePath(contentID))
}

// ReadRange returns the bytes of contentID's message file in [start,end).
// end <= start reads to the end of the file.
func (f *FileContentFetcher) ReadRange(ctx context.Context, contentID, start, end int64) ([]byte, error) {
	file, err := os.Open(f.path(contentID))
	if err != nil {
		return nil, fmt.Errorf("opening message file: %w", err)
	}
	defer file.Close()

	if end <= start {
		fi, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat message file: %w", err)
		}
		end = fi.Size()
	}
	if end <= start {
		return nil, nil
	}
	buf := make([]byte, end-start)
	r := &connio.AtReader{R: file, Offset: start}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading message bytes: %w", err)
	}
	return buf, nil
}
