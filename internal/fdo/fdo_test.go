package fdo

import "testing"

func TestStubCompileRejectsEmptySource(t *testing.T) {
	c := NewStubCompiler()
	if _, err := c.Compile("", [2]byte{'A', 'a'}, 1); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestStubCompileRoundTrip(t *testing.T) {
	c := NewStubCompiler()
	chunks, err := c.Compile("hello", [2]byte{'A', 'a'}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "hello" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestExtractStreamPlainText(t *testing.T) {
	c := NewStubCompiler()
	p, err := c.ExtractStream([]byte("hello world"))
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if p.Text != "hello world" {
		t.Errorf("got %q", p.Text)
	}
}

func TestExtractStreamFieldMarkers(t *testing.T) {
	c := NewStubCompiler()
	raw := append([]byte("hi "), append([]byte{0x01}, append([]byte("windowId=7"), 0x02)...)...)
	p, err := c.ExtractStream(raw)
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if p.Text != "hi " {
		t.Errorf("unexpected text: %q", p.Text)
	}
	if p.Fields["windowId"] != "7" {
		t.Errorf("unexpected fields: %v", p.Fields)
	}
}

func TestExtractStreamUnterminatedMarkerErrors(t *testing.T) {
	c := NewStubCompiler()
	if _, err := c.ExtractStream([]byte{0x01, 'a'}); err == nil {
		t.Fatal("expected error for unterminated field marker")
	}
}
