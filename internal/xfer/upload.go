package xfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"p3server/internal/frame"
	"p3server/internal/registry"
	"p3server/internal/session"
)

// UploadPhase is the upload transfer's state, spec.md §4.8.
type UploadPhase int

const (
	UploadAwaitingThResponse UploadPhase = iota
	UploadAwaitingTdResponse
	UploadAwaitingData
	UploadReceivingData
	UploadCompleted
	UploadAborted
	UploadFailed
)

func (p UploadPhase) String() string {
	switch p {
	case UploadAwaitingThResponse:
		return "AwaitingThResponse"
	case UploadAwaitingTdResponse:
		return "AwaitingTdResponse"
	case UploadAwaitingData:
		return "AwaitingData"
	case UploadReceivingData:
		return "ReceivingData"
	case UploadCompleted:
		return "Completed"
	case UploadAborted:
		return "Aborted"
	case UploadFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FlowControlInterval is the default number of received data frames between
// tN flow-control acknowledgements (spec.md §4.8 allows 6 or 8; an
// UploadHandler's FlowControlEvery overrides it).
const FlowControlInterval = 6

// DefaultMaxUploadSize is the upload handler's default size cap (spec.md
// §3 "max-size cap"), used when an UploadHandler doesn't set its own.
const DefaultMaxUploadSize = 50 * 1024 * 1024

// OutputSink is where completed upload bytes land. A real server backs this
// with a file or object-store write; tests use an in-memory sink. Remove
// deletes whatever the sink wrote at its target path — called on abort,
// failure, and disconnect cleanup to satisfy spec.md §4.8/§4.9's partial-
// file cleanup requirement. It is never called after a successful
// completion.
type OutputSink interface {
	Write(p []byte) (int, error)
	Close() error
	Remove() error
}

// OutputOpener creates the sink an upload writes into, named by filename,
// and reports the target path the sink writes to (spec.md §3 Upload.
// targetPath) so the handler can log and reason about it without reaching
// into the sink implementation.
type OutputOpener func(filename string) (sink OutputSink, targetPath string, err error)

// Upload is the server-side state of one inbound file transfer.
type Upload struct {
	TransferID   string
	Filename     string
	TargetPath   string
	RespToken    uint16
	Owner        string
	ExpectedSize int64 // declared by the client's td response; 0 if unknown
	MaxSize      int64 // this handler's cap; 0 means unlimited
	Received     int64
	frameCount   int

	mu    sync.Mutex
	phase UploadPhase
	sink  OutputSink
	buf   bytes.Buffer // accumulates escape-coded bytes until xe
}

// Phase returns the upload's current phase.
func (u *Upload) Phase() UploadPhase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

func (u *Upload) setPhase(p UploadPhase) {
	u.mu.Lock()
	u.phase = p
	u.mu.Unlock()
}

// UploadRegistry enforces one in-flight upload per connection.
type UploadRegistry struct {
	mu      sync.Mutex
	byOwner map[string]*Upload
}

// NewUploadRegistry constructs an empty upload registry.
func NewUploadRegistry() *UploadRegistry {
	return &UploadRegistry{byOwner: make(map[string]*Upload)}
}

func (r *UploadRegistry) get(owner string) (*Upload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byOwner[owner]
	return u, ok
}

func (r *UploadRegistry) put(owner string, u *Upload) {
	r.mu.Lock()
	r.byOwner[owner] = u
	r.mu.Unlock()
}

func (r *UploadRegistry) remove(owner string, u *Upload) {
	r.mu.Lock()
	if cur, ok := r.byOwner[owner]; ok && cur == u {
		delete(r.byOwner, owner)
	}
	r.mu.Unlock()
}

// UploadSnapshot is a point-in-time view of one in-flight upload, for
// reporting surfaces that must not touch Upload's internal lock.
type UploadSnapshot struct {
	TransferID string
	Owner      string
	Filename   string
	Received   int64
	Phase      string
}

// Snapshot lists every currently tracked upload.
func (r *UploadRegistry) Snapshot() []UploadSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UploadSnapshot, 0, len(r.byOwner))
	for _, u := range r.byOwner {
		out = append(out, UploadSnapshot{
			TransferID: u.TransferID,
			Owner:      u.Owner,
			Filename:   u.Filename,
			Received:   u.Received,
			Phase:      u.Phase().String(),
		})
	}
	return out
}

// UploadHandler drives the th/td/tf(start)/xd/xb/xe/xK/tN/fX orchestration.
type UploadHandler struct {
	Registry         *UploadRegistry
	Open             OutputOpener
	Store            xferLog
	FlowControlEvery int   // 6 or 8; applies to every upload this handler drives
	MaxUploadSize    int64 // spec.md §3 "max-size cap"; 0 means unlimited

	tokenSeq uint16
	seqMu    sync.Mutex
}

// NewUploadHandler constructs a handler with spec.md's default flow-control
// cadence of every 6th received data frame and DefaultMaxUploadSize cap.
func NewUploadHandler(open OutputOpener, store xferLog) *UploadHandler {
	return &UploadHandler{
		Registry:         NewUploadRegistry(),
		Open:             open,
		Store:            store,
		FlowControlEvery: FlowControlInterval,
		MaxUploadSize:    DefaultMaxUploadSize,
	}
}

func (h *UploadHandler) nextRespToken() uint16 {
	h.seqMu.Lock()
	h.tokenSeq++
	t := h.tokenSeq
	h.seqMu.Unlock()
	return t
}

// HandleTF processes a client-initiated upload-start tf frame (flag bit
// TFStartUpload set): allocates a response token and replies with th.
func (h *UploadHandler) HandleTF(owner string, conn *registry.UserConnection, streamID uint16) (*Upload, error) {
	if existing, ok := h.Registry.get(owner); ok {
		switch existing.Phase() {
		case UploadCompleted, UploadAborted, UploadFailed:
		default:
			return nil, fmt.Errorf("xfer: upload already in flight for %q", owner)
		}
	}

	token := h.nextRespToken()
	u := &Upload{
		TransferID: uuid.New().String(),
		RespToken:  token,
		Owner:      owner,
		MaxSize:    h.MaxUploadSize,
		phase:      UploadAwaitingThResponse,
	}
	h.Registry.put(owner, u)

	th := EncodeTH(token)
	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTH, streamID, th), "xfer:th")
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain th for %q: %v", owner, err)
	}
	return u, nil
}

// HandleTd processes the client's td response: filename, declared size,
// and result code (spec.md §4.8's TD_OUT(size, rc=0)). It's the
// AwaitingTdResponse gate — a non-zero rc or a declared size over the
// handler's cap fails the upload here, before any sink is ever opened.
// On success it opens the output sink, echoes td, sends the tf(0x80)
// start-of-upload frame carrying the filename (with the Windows
// NUL-separator-token convention, spec.md §4.8 "Filename carriage"), and
// hands off to AwaitingData.
func (h *UploadHandler) HandleTd(owner string, conn *registry.UserConnection, streamID uint16, payload []byte, platform session.Platform) error {
	u, ok := h.Registry.get(owner)
	if !ok || u.Phase() != UploadAwaitingThResponse {
		return fmt.Errorf("xfer: no upload awaiting td for %q", owner)
	}
	u.setPhase(UploadAwaitingTdResponse)

	filename, size, rc, err := decodeTdResponse(payload, platform)
	if err != nil {
		h.fail(owner, u, conn, streamID, err)
		return err
	}
	if rc != 0 {
		err := fmt.Errorf("xfer: client reported td error rc=%d", rc)
		h.fail(owner, u, conn, streamID, err)
		return err
	}
	if u.MaxSize > 0 && int64(size) > u.MaxSize {
		err := fmt.Errorf("xfer: declared size %d exceeds cap %d", size, u.MaxSize)
		h.fail(owner, u, conn, streamID, err)
		return err
	}
	u.Filename = filename
	u.ExpectedSize = int64(size)

	sink, targetPath, err := h.Open(filename)
	if err != nil {
		h.fail(owner, u, conn, streamID, err)
		return err
	}
	u.mu.Lock()
	u.sink = sink
	u.mu.Unlock()
	u.TargetPath = targetPath

	td := EncodeTD(u.RespToken, 0, filename)
	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTD, streamID, td), "xfer:td")
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain td for %q: %v", owner, err)
	}

	tf := EncodeTF(TFStartUpload, 0, 0, 0, filename, platform == session.PlatformWindows, u.RespToken)
	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTF, streamID, tf), "xfer:tf-start")
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain tf-start for %q: %v", owner, err)
	}

	u.setPhase(UploadAwaitingData)
	return nil
}

// decodeTdResponse pulls the filename, declared size, and result code out
// of td's wire-encoded response (spec.md §4.8): a NUL-terminated name
// (Windows clients follow it with the 0x90 marker and the 2-byte echoed
// response token, Mac clients don't), then a 4-byte big-endian size and a
// 1-byte rc.
func decodeTdResponse(payload []byte, platform session.Platform) (filename string, size uint32, rc byte, err error) {
	if len(payload) == 0 {
		return "", 0, 0, fmt.Errorf("xfer: empty td payload")
	}
	nul := bytes.IndexByte(payload, 0x00)
	if nul < 0 {
		return "", 0, 0, fmt.Errorf("xfer: td payload missing name terminator")
	}
	filename = string(payload[:nul])
	rest := payload[nul+1:]
	if platform == session.PlatformWindows && len(rest) >= 3 && rest[0] == 0x90 {
		// the 0x90 marker + 2-byte echoed response token are acknowledgement
		// scaffolding, not part of the name or the size/rc trailer.
		rest = rest[3:]
	}
	if len(rest) < 5 {
		return "", 0, 0, fmt.Errorf("xfer: td payload missing size/rc trailer")
	}
	size = binary.BigEndian.Uint32(rest[:4])
	rc = rest[4]
	return filename, size, rc, nil
}

// HandleXD processes one inbound data chunk (xd/xb), appending it to the
// upload buffer and, every FlowControlEvery frames, emitting a tN
// flow-control acknowledgement.
func (h *UploadHandler) HandleXD(owner string, conn *registry.UserConnection, streamID uint16, chunk []byte) error {
	u, ok := h.Registry.get(owner)
	if !ok {
		return fmt.Errorf("xfer: no upload in flight for %q", owner)
	}
	if u.Phase() == UploadAwaitingData {
		u.setPhase(UploadReceivingData)
	}
	if u.Phase() != UploadReceivingData {
		return fmt.Errorf("xfer: upload %s not receiving data (phase=%s)", u.TransferID, u.Phase())
	}

	decoded := frame.UnescapeData(chunk)
	u.mu.Lock()
	u.buf.Write(decoded)
	u.frameCount++
	u.Received += int64(len(decoded))
	count := u.frameCount
	received := u.Received
	u.mu.Unlock()

	if (u.MaxSize > 0 && received > u.MaxSize) || (u.ExpectedSize > 0 && received > u.ExpectedSize) {
		err := fmt.Errorf("xfer: upload %s exceeded declared size (received=%d expected=%d cap=%d)",
			u.TransferID, received, u.ExpectedSize, u.MaxSize)
		h.fail(owner, u, conn, streamID, err)
		return err
	}

	every := h.FlowControlEvery
	if every <= 0 {
		every = FlowControlInterval
	}
	if count%every == 0 {
		conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTN, streamID, nil), "xfer:tn")
		if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
			log.Printf("[xfer] drain tn for %q: %v", owner, err)
		}
	}
	return nil
}

// HandleXE processes xe, the client's end-of-data marker: flushes the
// buffered bytes to the sink, closes it, marks Completed, and emits fX.
func (h *UploadHandler) HandleXE(owner string, conn *registry.UserConnection, streamID uint16) error {
	u, ok := h.Registry.get(owner)
	if !ok {
		return fmt.Errorf("xfer: no upload in flight for %q", owner)
	}

	u.mu.Lock()
	data := u.buf.Bytes()
	sink := u.sink
	u.mu.Unlock()

	if sink != nil {
		if _, err := sink.Write(data); err != nil {
			h.fail(owner, u, conn, streamID, err)
			return err
		}
		if err := sink.Close(); err != nil {
			h.fail(owner, u, conn, streamID, err)
			return err
		}
	}

	// Received is already tallied incrementally by HandleXD; data's length
	// should match it exactly (xe carries no new bytes of its own).
	u.setPhase(UploadCompleted)
	h.Registry.remove(owner, u)

	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenFX, streamID, EncodeFX(0, "ok")), "xfer:fx-ok")
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain fx for %q: %v", owner, err)
	}

	if h.Store != nil {
		if err := h.Store.InsertXferLog(u.TransferID, "upload", owner, u.Filename, u.Received); err != nil {
			log.Printf("[xfer] log upload completion: %v", err)
		}
	}
	return nil
}

// HandleXK processes the client's xK abort: discards buffered bytes,
// deletes any partial sink content, and marks Aborted without emitting fX
// (spec.md §8 scenario S6 — client-initiated abort gets no result frame).
func (h *UploadHandler) HandleXK(owner string) {
	u, ok := h.Registry.get(owner)
	if !ok {
		return
	}
	h.cleanupPartial(u)
	u.setPhase(UploadAborted)
	h.Registry.remove(owner, u)
}

// fail marks u Failed, cleans up any partial sink content, and emits an
// error fX result.
func (h *UploadHandler) fail(owner string, u *Upload, conn *registry.UserConnection, streamID uint16, cause error) {
	log.Printf("[xfer] upload %s for %q failed: %v", u.TransferID, owner, cause)
	h.cleanupPartial(u)
	u.setPhase(UploadFailed)
	h.Registry.remove(owner, u)

	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenFX, streamID, EncodeFX(1, cause.Error())), "xfer:fx-error")
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain fx-error for %q: %v", owner, err)
	}
}

// cleanupPartial closes the sink and deletes whatever partial bytes it
// wrote at the upload's target path (spec.md §4.8 "Partial-file cleanup",
// §4.9 step 3, §8 scenario S6). Only called on Aborted/Failed/disconnect
// paths — a successful HandleXE never reaches it.
func (h *UploadHandler) cleanupPartial(u *Upload) {
	u.mu.Lock()
	sink := u.sink
	u.sink = nil
	u.buf.Reset()
	u.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		log.Printf("[xfer] close partial sink for upload %s: %v", u.TransferID, err)
	}
	if err := sink.Remove(); err != nil {
		log.Printf("[xfer] remove partial file %s for upload %s: %v", u.TargetPath, u.TransferID, err)
	}
}

// DisconnectCleanup releases any in-flight upload for owner on connection
// teardown, same as a client-initiated abort.
func (h *UploadHandler) DisconnectCleanup(owner string) {
	h.HandleXK(owner)
}
