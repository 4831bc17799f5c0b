package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileSink is the on-disk xfer.OutputSink completed and aborted uploads
// write through. It remembers its own target path so an aborted or
// failed transfer can be deleted (spec.md §4.8 "Partial-file cleanup").
type fileSink struct {
	path string
	f    *os.File
}

// newFileSink opens a regular file under dir to receive one upload's bytes.
// filename is sanitized to its base name so a malicious client can't escape
// dir via path traversal.
func newFileSink(dir, filename string) (*fileSink, string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload.bin"
	}
	path := filepath.Join(dir, base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open sink %s: %w", path, err)
	}
	return &fileSink{path: path, f: f}, path, nil
}

func (s *fileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *fileSink) Close() error { return s.f.Close() }

// Remove deletes the file at its target path. A file that's already gone
// (or was never created) is not an error.
func (s *fileSink) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
