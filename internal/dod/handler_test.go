package dod

import (
	"bytes"
	"os"
	"testing"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/registry"
	"p3server/internal/session"
)

type memDrift struct {
	ref       map[uint32][]byte
	mismatch  map[uint32]int
}

func newMemDrift() *memDrift {
	return &memDrift{ref: make(map[uint32][]byte), mismatch: make(map[uint32]int)}
}

func (m *memDrift) GetIDBReference(gid uint32) ([]byte, bool, error) {
	b, ok := m.ref[gid]
	return b, ok, nil
}

func (m *memDrift) RecordIDBReference(gid uint32, ref []byte) error {
	m.ref[gid] = append([]byte(nil), ref...)
	return nil
}

func (m *memDrift) RecordIDBMismatch(gid uint32) error {
	m.mismatch[gid]++
	return nil
}

func newTestConn(buf *bytes.Buffer) *registry.UserConnection {
	return registry.NewUserConnection("bobby", frame.NewPacer(buf, "bobby"), session.PlatformUnknown)
}

func TestHandleF2NotFoundSendsShortACK(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	payload := make([]byte, 10)
	payload[2], payload[3], payload[4], payload[5] = 0, 0, 1, 1 // gid=0x00000101, no registry entry
	f := frame.NewData(TokenF2, 0x2100, payload)

	res := h.HandleF2("bobby", conn, f)
	if res.Found {
		t.Fatal("expected Found=false for unresolved gid")
	}
	wire := buf.Bytes()
	if len(wire) == 0 || wire[3] != byte(frame.TypeShortACK) {
		t.Fatalf("expected short ACK frame, got %x", wire)
	}
}

func TestHandleF2ResolvedCompilesAndDrains(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	gid := GID(0x00287B98)
	resolver.RegisterDSL(gid, "picture-bytes")
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	payload := make([]byte, 10)
	payload[2], payload[3], payload[4], payload[5] = 0x00, 0x28, 0x7B, 0x98
	f := frame.NewData(TokenF2, 0x2100, payload)

	res := h.HandleF2("bobby", conn, f)
	if !res.Found {
		t.Fatal("expected Found=true")
	}
	if buf.Len() == 0 {
		t.Fatal("expected bytes written to pacer output")
	}
}

func TestHandleF2DriftDetection(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	gid := GID(0x00287B98)
	resolver.RegisterDSL(gid, "version-1")
	drift := newMemDrift()
	h := NewHandler(fdo.NewStubCompiler(), resolver, drift, nil)

	payload := make([]byte, 10)
	payload[2], payload[3], payload[4], payload[5] = 0x00, 0x28, 0x7B, 0x98
	f := frame.NewData(TokenF2, 0x2100, payload)

	h.HandleF2("bobby", conn, f)
	if len(drift.ref) != 1 {
		t.Fatalf("expected one reference recorded, got %d", len(drift.ref))
	}

	// Re-register a different source for the same GID and compile again:
	// the drift store should record a mismatch, not overwrite the reference.
	resolver.RegisterDSL(gid, "version-2-drifted")
	h.HandleF2("bobby", conn, f)
	if drift.mismatch[uint32(gid)] != 1 {
		t.Fatalf("expected one mismatch recorded, got %d", drift.mismatch[uint32(gid)])
	}
}

func TestHandleF1ExtractionFailureSendsTemplate(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	f := frame.NewData(TokenF1, 0x2100, []byte{1, 2, 3}) // too short for +10 offset
	res := h.HandleF1("bobby", conn, f)
	if !res.Dropped {
		t.Fatal("expected Dropped=true for extraction failure")
	}
	if buf.Len() == 0 {
		t.Fatal("expected FDO template frame to be written")
	}
}

func field(key, val string) string {
	return string([]byte{0x01}) + key + "=" + val + string([]byte{0x02})
}

func TestHandleK1WrapsInnerFDOWithResponseID(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	gid := GID(42)
	resolver.RegisterDSL(gid, "inner-atoms")
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	raw := field("gid", "42") + field("responseId", "99")
	f := frame.NewData(TokenK1, 0x2100, []byte(raw))

	res := h.HandleK1("bobby", conn, f)
	if !res.Found {
		t.Fatal("expected Found=true")
	}
	if !bytes.Contains(buf.Bytes(), []byte("responseId=99")) {
		t.Errorf("expected echoed responseId in compiled output, got %x", buf.Bytes())
	}
}

func TestHandleK1MissingGIDIsNoop(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	f := frame.NewData(TokenK1, 0x2100, []byte(field("responseId", "1")))
	res := h.HandleK1("bobby", conn, f)
	if !res.Dropped {
		t.Fatal("expected Dropped=true when inner FDO has no gid field")
	}
}

func TestHandleFHNoGIDsSendsControlACK(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	f := frame.NewData(TokenFH, 0x2100, []byte(field("formId", "1")))
	res := h.HandleFH("bobby", conn, f)
	if res.Found {
		t.Fatal("expected Found=false for empty pair list")
	}
	wire := buf.Bytes()
	if len(wire) == 0 || wire[3] != byte(frame.TypeShortACK) {
		t.Fatalf("expected short ACK control frame, got %x", wire)
	}
}

func TestHandleFHIteratesPairs(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	resolver.RegisterDSL(GID(1), "form-source-1")
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	raw := field("formId", "7") + field("pairs", "txA:1,txB:999")
	f := frame.NewData(TokenFH, 0x2100, []byte(raw))
	res := h.HandleFH("bobby", conn, f)
	if !res.Found {
		t.Fatal("expected Found=true")
	}
	out := buf.Bytes()
	if !bytes.Contains(out, []byte("txA")) {
		t.Errorf("expected response for found GID pair txA, got %x", out)
	}
	if !bytes.Contains(out, []byte("empty=1")) {
		t.Errorf("expected empty response for unresolved GID pair txB, got %x", out)
	}
}

func TestHandleFHMalformedPairsDrops(t *testing.T) {
	var buf bytes.Buffer
	conn := newTestConn(&buf)
	resolver := NewFileResolver(t.TempDir(), nil)
	h := NewHandler(fdo.NewStubCompiler(), resolver, nil, nil)

	raw := field("pairs", "not-a-valid-pair")
	f := frame.NewData(TokenFH, 0x2100, []byte(raw))
	res := h.HandleFH("bobby", conn, f)
	if !res.Dropped {
		t.Fatal("expected Dropped=true for malformed pairs field")
	}
}

func TestLowColorSelectsBWVariant(t *testing.T) {
	dir := t.TempDir()
	gid := GID(0x00287B98)
	disp := FormatDisplay(gid)
	if err := os.WriteFile(dir+"/"+disp+".fdo", []byte("color-variant"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/"+disp+".bw", []byte("bw-variant"), 0o644); err != nil {
		t.Fatal(err)
	}
	resolver := NewFileResolver(dir, nil)

	src, found := resolver.Resolve(gid, false)
	if !found || src != "color-variant" {
		t.Fatalf("expected color-variant, got %q found=%v", src, found)
	}
	src, found = resolver.Resolve(gid, true)
	if !found || src != "bw-variant" {
		t.Fatalf("expected bw-variant, got %q found=%v", src, found)
	}
}
