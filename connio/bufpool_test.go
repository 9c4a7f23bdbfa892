package connio

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/usrlocalben/corvid/mlog"
)

func TestBufpoolReadlineCRLF(t *testing.T) {
	bp := NewBufpool(4, 64)
	log := mlog.New("test")
	r := bufio.NewReader(strings.NewReader("a1 NOOP\r\nsecond line\n"))

	line, err := bp.Readline(log, r)
	if err != nil {
		t.Fatalf("Readline: %v", err)
	}
	if line != "a1 NOOP" {
		t.Errorf("line = %q", line)
	}

	line, err = bp.Readline(log, r)
	if err != nil {
		t.Fatalf("Readline: %v", err)
	}
	if line != "second line" {
		t.Errorf("line = %q", line)
	}
}

func TestBufpoolReadlineTooLong(t *testing.T) {
	bp := NewBufpool(1, 8)
	log := mlog.New("test")
	r := bufio.NewReader(strings.NewReader("this line is way too long\r\n"))
	_, err := bp.Readline(log, r)
	if !errors.Is(err, ErrLineTooLong) {
		t.Errorf("err = %v, want ErrLineTooLong", err)
	}
}

func TestBufpoolReadlineUnexpectedEOF(t *testing.T) {
	bp := NewBufpool(1, 64)
	log := mlog.New("test")
	r := bufio.NewReader(strings.NewReader("no newline here"))
	_, err := bp.Readline(log, r)
	if err == nil {
		t.Error("expected an error when the stream ends without a newline")
	}
}

func TestBufpoolReuse(t *testing.T) {
	bp := NewBufpool(1, 64)
	log := mlog.New("test")
	for i := 0; i < 3; i++ {
		r := bufio.NewReader(strings.NewReader("a1 NOOP\r\n"))
		line, err := bp.Readline(log, r)
		if err != nil {
			t.Fatalf("Readline #%d: %v", i, err)
		}
		if line != "a1 NOOP" {
			t.Errorf("line #%d = %q", i, line)
		}
	}
}
