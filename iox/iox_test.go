package iox

import (
	"bytes"
	"errors"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

type shortWriter struct{ max int }

func (s shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.max {
		return s.max, errors.New("short write")
	}
	return len(p), nil
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewCountingWriter(&buf)
	_, _ = w.Write([]byte("abc"))
	_, _ = w.Write([]byte("defg"))
	if w.N != 7 {
		t.Errorf("N = %d, want 7", w.N)
	}
	if buf.String() != "abcdefg" {
		t.Errorf("buf = %q", buf.String())
	}

	short := NewCountingWriter(shortWriter{max: 2})
	if _, err := short.Write([]byte("xyz")); err == nil {
		t.Error("expected short write error")
	}
	if short.N != 2 {
		t.Errorf("N after short write = %d, want 2", short.N)
	}
}
