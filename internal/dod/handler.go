package dod

import (
	"bytes"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/registry"
)

// Tokens handled by this package.
var (
	TokenFH = [2]byte{'f', 'h'}
	TokenF1 = [2]byte{'f', '1'}
	TokenF2 = [2]byte{'f', '2'}
	TokenK1 = [2]byte{'K', '1'}
)

// SourceResolver is the FDO source-resolution collaborator: a DSL registry
// keyed by GID takes precedence over filesystem templates, and a
// low-color user preference selects a ".bw" variant when available.
// Selected sources are preprocessed (button theme substitution) by the
// resolver before the core compiles them.
type SourceResolver interface {
	Resolve(gid GID, lowColor bool) (source string, found bool)
}

// DriftStore persists the IDB drift log: the first-compiled reference bytes
// per GID, and a count of later mismatches. Optional — a nil DriftStore
// disables drift checking.
type DriftStore interface {
	GetIDBReference(gid uint32) ([]byte, bool, error)
	RecordIDBReference(gid uint32, referenceBytes []byte) error
	RecordIDBMismatch(gid uint32) error
}

// Result reports the disposition of one handled DOD frame.
type Result struct {
	Found   bool
	Dropped bool
	Reason  string
}

// Handler processes fh/f1/f2/K1 DOD tokens.
type Handler struct {
	Compiler fdo.Compiler
	Resolver SourceResolver
	Drift    DriftStore
	LowColor func(screenname string) bool

	driftMu sync.Mutex
}

// NewHandler constructs a DOD handler. lowColor may be nil, in which case
// no user is ever treated as low-color.
func NewHandler(compiler fdo.Compiler, resolver SourceResolver, drift DriftStore, lowColor func(string) bool) *Handler {
	return &Handler{Compiler: compiler, Resolver: resolver, Drift: drift, LowColor: lowColor}
}

func (h *Handler) isLowColor(screenname string) bool {
	return h.LowColor != nil && h.LowColor(screenname)
}

func (h *Handler) enqueueAndDrain(conn *registry.UserConnection, f *frame.Frame, label string) {
	conn.Pacer.EnqueuePrioritySafe(f, label)
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain %s for %q: %v", label, conn.Screenname, err)
	}
}

// HandleF2 processes the f2 (picture/idb) token: GID at binary offset +2.
// An atom FDO registered for the same GID pre-empts picture data, in which
// case the response type is "a" instead of "p". Extraction failure or an
// unresolved GID both yield the short ACK control frame.
func (h *Handler) HandleF2(screenname string, conn *registry.UserConnection, f *frame.Frame) Result {
	gid, ok := ExtractF2(f.Payload)
	if !ok {
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:f2-error")
		return Result{Dropped: true, Reason: "f2: GID extraction failed"}
	}

	streamID := frame.NormalizeStreamID(f.StreamID)
	lowColor := h.isLowColor(screenname)

	source, found := h.Resolver.Resolve(gid, lowColor)
	if !found {
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:f2-empty")
		return Result{Found: false}
	}

	respType := "p"
	if strings.HasPrefix(source, "atom:") {
		respType = "a"
	}
	src := fmt.Sprintf("type=%s;gid=%s;bytes=%s", respType, FormatDisplay(gid), source)

	chunks, err := h.Compiler.Compile(src, TokenF2, streamID)
	if err != nil {
		log.Printf("[dod] compile f2 gid=%s: %v", FormatDisplay(gid), err)
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:f2-compile-error")
		return Result{Dropped: true, Reason: "f2: compile failed"}
	}
	h.checkDrift(gid, chunks)

	for _, c := range chunks {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenF2, streamID, c), "dod:f2")
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain f2 for %q: %v", screenname, err)
	}
	return Result{Found: true}
}

// HandleF1 processes the f1 (atom stream) token: GID at binary offset +10.
func (h *Handler) HandleF1(screenname string, conn *registry.UserConnection, f *frame.Frame) Result {
	streamID := frame.NormalizeStreamID(f.StreamID)

	gid, ok := ExtractF1(f.Payload)
	if !ok {
		h.sendFDOTemplate(conn, streamID, "f1 failed")
		return Result{Dropped: true, Reason: "f1: GID extraction failed"}
	}

	source, found := h.Resolver.Resolve(gid, h.isLowColor(screenname))
	if !found {
		h.sendFDOTemplate(conn, streamID, "f1 empty")
		return Result{Found: false}
	}

	src := fmt.Sprintf("gid=%s;atoms=%s", FormatDisplay(gid), source)
	chunks, err := h.Compiler.Compile(src, TokenF1, streamID)
	if err != nil {
		log.Printf("[dod] compile f1 gid=%s: %v", FormatDisplay(gid), err)
		h.sendFDOTemplate(conn, streamID, "f1 failed")
		return Result{Dropped: true, Reason: "f1: compile failed"}
	}
	h.checkDrift(gid, chunks)

	for _, c := range chunks {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenF1, streamID, c), "dod:f1")
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain f1 for %q: %v", screenname, err)
	}
	return Result{Found: true}
}

func (h *Handler) sendFDOTemplate(conn *registry.UserConnection, streamID uint16, kind string) {
	chunks, err := h.Compiler.Compile("template="+kind, TokenF1, streamID)
	if err != nil {
		log.Printf("[dod] compile %s template: %v", kind, err)
		return
	}
	for _, c := range chunks {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenF1, streamID, c), "dod:"+kind)
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain %s: %v", kind, err)
	}
}

// HandleK1 processes the K1 token: the GID lives inside an inner FDO
// de_data block, along with a response id that the server must echo back
// verbatim, wrapped around the (possibly re-resolved) inner source.
func (h *Handler) HandleK1(screenname string, conn *registry.UserConnection, f *frame.Frame) Result {
	streamID := frame.NormalizeStreamID(f.StreamID)

	params, err := h.Compiler.ExtractStream(f.Payload)
	if err != nil {
		h.sendNoopFDO(conn, streamID, "K1 failed")
		return Result{Dropped: true, Reason: fmt.Sprintf("K1: extract inner FDO: %v", err)}
	}

	gidStr, hasGID := params.Fields["gid"]
	if !hasGID {
		h.sendNoopFDO(conn, streamID, "K1 failed")
		return Result{Dropped: true, Reason: "K1: inner FDO missing gid"}
	}
	gidNum, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		h.sendNoopFDO(conn, streamID, "K1 failed")
		return Result{Dropped: true, Reason: "K1: malformed gid field"}
	}
	gid := GID(gidNum)
	responseID := params.Fields["responseId"]

	source, found := h.Resolver.Resolve(gid, h.isLowColor(screenname))
	if !found {
		h.sendNoopFDO(conn, streamID, "K1 empty")
		return Result{Found: false}
	}

	src := fmt.Sprintf("responseId=%s;gid=%s;source=%s", responseID, FormatDisplay(gid), source)
	chunks, err := h.Compiler.Compile(src, TokenK1, streamID)
	if err != nil {
		log.Printf("[dod] compile K1 gid=%s: %v", FormatDisplay(gid), err)
		h.sendNoopFDO(conn, streamID, "K1 failed")
		return Result{Dropped: true, Reason: "K1: compile failed"}
	}
	h.checkDrift(gid, chunks)

	for _, c := range chunks {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenK1, streamID, c), "dod:K1")
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain K1 for %q: %v", screenname, err)
	}
	return Result{Found: true}
}

func (h *Handler) sendNoopFDO(conn *registry.UserConnection, streamID uint16, kind string) {
	chunks, err := h.Compiler.Compile("noop="+kind, TokenK1, streamID)
	if err != nil {
		log.Printf("[dod] compile %s noop: %v", kind, err)
		return
	}
	for _, c := range chunks {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenK1, streamID, c), "dod:"+kind)
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain %s: %v", kind, err)
	}
}

// gidPair is one (transactionId, GID) entry from an fh request's FDO-encoded
// list.
type gidPair struct {
	TransactionID string
	GID           GID
}

func parsePairs(raw string) ([]gidPair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var pairs []gidPair
	for _, entry := range strings.Split(raw, ",") {
		kv := strings.SplitN(entry, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("dod: malformed pair %q", entry)
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("dod: malformed gid in pair %q: %w", entry, err)
		}
		pairs = append(pairs, gidPair{TransactionID: kv[0], GID: GID(n)})
	}
	return pairs, nil
}

// HandleFH processes the fh token: an FDO-encoded list of (transactionId,
// GID) pairs plus a form id. Each pair gets its own DOD-response payload;
// an empty pair list (no GIDs at all) just acknowledges with a short
// control frame instead of iterating zero responses.
func (h *Handler) HandleFH(screenname string, conn *registry.UserConnection, f *frame.Frame) Result {
	streamID := frame.NormalizeStreamID(f.StreamID)

	params, err := h.Compiler.ExtractStream(f.Payload)
	if err != nil {
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:fh-error")
		return Result{Dropped: true, Reason: fmt.Sprintf("fh: extract failed: %v", err)}
	}

	pairs, err := parsePairs(params.Fields["pairs"])
	if err != nil {
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:fh-error")
		return Result{Dropped: true, Reason: fmt.Sprintf("fh: %v", err)}
	}
	if len(pairs) == 0 {
		h.enqueueAndDrain(conn, frame.NewShortACK(), "dod:fh-no-gids")
		return Result{Found: false}
	}

	formID := params.Fields["formId"]
	lowColor := h.isLowColor(screenname)
	for _, pair := range pairs {
		source, found := h.Resolver.Resolve(pair.GID, lowColor)
		if !found {
			src := fmt.Sprintf("formId=%s;transactionId=%s;gid=%s;empty=1", formID, pair.TransactionID, FormatDisplay(pair.GID))
			chunks, cerr := h.Compiler.Compile(src, TokenFH, streamID)
			if cerr != nil {
				log.Printf("[dod] compile fh empty gid=%s: %v", FormatDisplay(pair.GID), cerr)
				continue
			}
			for _, c := range chunks {
				conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenFH, streamID, c), "dod:fh-empty")
			}
			continue
		}

		src := fmt.Sprintf("formId=%s;transactionId=%s;gid=%s;source=%s", formID, pair.TransactionID, FormatDisplay(pair.GID), source)
		chunks, cerr := h.Compiler.Compile(src, TokenFH, streamID)
		if cerr != nil {
			log.Printf("[dod] compile fh gid=%s: %v", FormatDisplay(pair.GID), cerr)
			continue
		}
		h.checkDrift(pair.GID, chunks)
		for _, c := range chunks {
			conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenFH, streamID, c), "dod:fh")
		}
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[dod] drain fh for %q: %v", screenname, err)
	}
	return Result{Found: true}
}

// checkDrift compares chunks' concatenated bytes against the stored
// reference for gid, recording it as the reference on first sight and
// logging a mismatch (with offset, ±20-byte hex context, and differing
// byte count) on any later disagreement. This is an operational aid, never
// an error — no caller behavior changes based on its outcome.
func (h *Handler) checkDrift(gid GID, chunks []fdo.Chunk) {
	if h.Drift == nil {
		return
	}
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	compiled := buf.Bytes()

	h.driftMu.Lock()
	defer h.driftMu.Unlock()

	ref, found, err := h.Drift.GetIDBReference(uint32(gid))
	if err != nil {
		log.Printf("[dod] drift lookup gid=%s: %v", FormatDisplay(gid), err)
		return
	}
	if !found {
		if err := h.Drift.RecordIDBReference(uint32(gid), compiled); err != nil {
			log.Printf("[dod] drift record reference gid=%s: %v", FormatDisplay(gid), err)
		}
		return
	}
	if bytes.Equal(ref, compiled) {
		return
	}

	offset, diffCount := firstDiff(ref, compiled)
	log.Printf("[dod] IDB drift gid=%s offset=%d diff_bytes=%d\n  reference: %s\n  compiled:  %s",
		FormatDisplay(gid), offset, diffCount, hexContext(ref, offset), hexContext(compiled, offset))
	if err := h.Drift.RecordIDBMismatch(uint32(gid)); err != nil {
		log.Printf("[dod] drift record mismatch gid=%s: %v", FormatDisplay(gid), err)
	}
}

// firstDiff returns the offset of the first differing byte between a and b
// (or min(len(a),len(b)) if one is a prefix of the other) and the total
// count of differing bytes across the shared length plus any length delta.
func firstDiff(a, b []byte) (offset, diffCount int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	offset = -1
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if offset < 0 {
				offset = i
			}
			diffCount++
		}
	}
	if offset < 0 {
		offset = n
	}
	diffCount += abs(len(a) - len(b))
	return offset, diffCount
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// hexContext renders up to 20 bytes before and after offset in b as hex,
// for drift log readability.
func hexContext(b []byte, offset int) string {
	lo := offset - 20
	if lo < 0 {
		lo = 0
	}
	hi := offset + 20
	if hi > len(b) {
		hi = len(b)
	}
	return fmt.Sprintf("%x", b[lo:hi])
}
