package connio

import (
	"io"
	"sync/atomic"

	"github.com/usrlocalben/corvid/mlog"
)

// TraceLevel controls how much of a connection's traffic a TraceReader or
// TraceWriter logs: commands, SASL/auth exchanges (redacted), and full
// application data each have their own level so an operator can trace
// protocol flow without dumping message bodies.
type TraceLevel int32

const (
	TraceCmd  TraceLevel = iota // Command/response lines.
	TraceAuth                   // SASL exchanges; payloads are not logged verbatim.
	TraceData                   // Literal/message body bytes.
)

// TraceReader wraps an io.Reader, logging bytes read at or below the
// currently configured trace level.
type TraceReader struct {
	r     io.Reader
	log   mlog.Log
	level atomic.Int32
}

func NewTraceReader(r io.Reader, log mlog.Log) *TraceReader {
	return &TraceReader{r: r, log: log}
}

func (t *TraceReader) SetTrace(level TraceLevel) { t.level.Store(int32(level)) }

func (t *TraceReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		switch TraceLevel(t.level.Load()) {
		case TraceData:
		case TraceAuth:
			t.log.Trace("read", mlog.Field("bytes", n))
		default:
			t.log.Trace("read", mlog.Field("data", string(p[:n])))
		}
	}
	return n, err
}

// TraceWriter wraps an io.Writer with the same level-gated logging.
type TraceWriter struct {
	w     io.Writer
	log   mlog.Log
	level atomic.Int32
}

func NewTraceWriter(w io.Writer, log mlog.Log) *TraceWriter {
	return &TraceWriter{w: w, log: log}
}

func (t *TraceWriter) SetTrace(level TraceLevel) { t.level.Store(int32(level)) }

func (t *TraceWriter) Write(p []byte) (int, error) {
	switch TraceLevel(t.level.Load()) {
	case TraceData:
	case TraceAuth:
		t.log.Trace("write", mlog.Field("bytes", len(p)))
	default:
		t.log.Trace("write", mlog.Field("data", string(p)))
	}
	return t.w.Write(p)
}
