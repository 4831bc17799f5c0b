// Package fdo defines the boundary to the FDO compiler: an external
// collaborator that turns a textual DSL into client-consumable "P3 chunks"
// and, in the other direction, extracts structured parameters out of a raw
// FDO byte stream. The core protocol engine never inspects FDO bytes itself
// past this interface.
package fdo

import (
	"bytes"
	"fmt"
)

// Chunk is one compiled unit of an FDO response, ready to be embedded
// verbatim into a DATA frame payload.
type Chunk []byte

// Params is the structured result of extracting a raw FDO stream: the
// decoded textual payload plus whatever key/value fields the stream
// carried (window ids, response ids, and so on are looked up by the
// caller via the Fields map).
type Params struct {
	Text   string
	Fields map[string]string
}

// Compiler is the external FDO collaborator contract. token and streamId
// are threaded through so a given compiler implementation can vary its
// output shape per call site (atom stream vs. picture vs. noop wrapper)
// without the core needing to know the DSL.
type Compiler interface {
	Compile(source string, token [2]byte, streamID uint16) ([]Chunk, error)
	ExtractStream(raw []byte) (Params, error)
}

// StubCompiler is a minimal, dependency-free Compiler good enough to drive
// the core's chat/IM/DOD handlers end to end in tests and in a standalone
// run where no real FDO collaborator is wired in. It treats "source" as
// already-final text and emits it as a single chunk; ExtractStream treats
// the raw bytes as text, peeling off any embedded "\x01key=value\x02"
// field markers, which is sufficient for the reassembly-then-decode path
// chat and IM handlers rely on.
type StubCompiler struct{}

// NewStubCompiler constructs the reference compiler.
func NewStubCompiler() *StubCompiler { return &StubCompiler{} }

// Compile returns source unchanged as a single chunk. An empty source is an
// error.
func (StubCompiler) Compile(source string, token [2]byte, streamID uint16) ([]Chunk, error) {
	if source == "" {
		return nil, fmt.Errorf("fdo: empty source for token %q", token)
	}
	return []Chunk{Chunk(source)}, nil
}

// ExtractStream decodes raw as plain text. Embedded FDO field markers, if
// present, are of the form "\x01key=value\x02" and are peeled off into
// Fields; everything else is Text.
func (StubCompiler) ExtractStream(raw []byte) (Params, error) {
	p := Params{Fields: make(map[string]string)}
	var text bytes.Buffer
	i := 0
	for i < len(raw) {
		if raw[i] == 0x01 {
			end := bytes.IndexByte(raw[i:], 0x02)
			if end < 0 {
				return Params{}, fmt.Errorf("fdo: unterminated field marker at offset %d", i)
			}
			kv := raw[i+1 : i+end]
			eq := bytes.IndexByte(kv, '=')
			if eq >= 0 {
				p.Fields[string(kv[:eq])] = string(kv[eq+1:])
			}
			i += end + 1
			continue
		}
		text.WriteByte(raw[i])
		i++
	}
	p.Text = text.String()
	return p, nil
}
