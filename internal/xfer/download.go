package xfer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/registry"
)

// DownloadPhase is the download transfer's state, spec.md §3/§4.7.
type DownloadPhase int

const (
	DownloadAwaitingXG DownloadPhase = iota
	DownloadSendingData
	DownloadCompleted
	DownloadFailed
	DownloadCancelled
)

func (p DownloadPhase) String() string {
	switch p {
	case DownloadAwaitingXG:
		return "AwaitingXG"
	case DownloadSendingData:
		return "SendingData"
	case DownloadCompleted:
		return "Completed"
	case DownloadFailed:
		return "Failed"
	case DownloadCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// DefaultXGTimeout is how long a download waits in AwaitingXG before being
// marked Failed (spec.md §5, configurable).
const DefaultXGTimeout = 30 * time.Second

// Download is the server-side state of one outbound file transfer.
type Download struct {
	TransferID string
	Filename   string
	FileSize   int64
	FileID     [3]byte
	Payload    []byte // pre-escaped wire payload (frame.EscapeData already applied)
	Timestamp  int64  // unix seconds at initiation
	Owner      string
	Start      time.Time

	mu      sync.Mutex
	phase   DownloadPhase
	timeout *time.Timer
}

// Phase returns the transfer's current phase.
func (d *Download) Phase() DownloadPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Download) setPhase(p DownloadPhase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
}

// xferLog is the optional durable completion ledger (store.Store satisfies
// this).
type xferLog interface {
	InsertXferLog(transferID, direction, screenname, filename string, sizeBytes int64) error
}

// DownloadRegistry enforces one in-flight download per connection and owns
// the AwaitingXG timeout for each.
type DownloadRegistry struct {
	mu   sync.Mutex
	byOwner map[string]*Download
}

// NewDownloadRegistry constructs an empty download registry.
func NewDownloadRegistry() *DownloadRegistry {
	return &DownloadRegistry{byOwner: make(map[string]*Download)}
}

func (r *DownloadRegistry) get(owner string) (*Download, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byOwner[owner]
	return d, ok
}

func (r *DownloadRegistry) put(owner string, d *Download) {
	r.mu.Lock()
	r.byOwner[owner] = d
	r.mu.Unlock()
}

func (r *DownloadRegistry) remove(owner string, d *Download) {
	r.mu.Lock()
	if cur, ok := r.byOwner[owner]; ok && cur == d {
		delete(r.byOwner, owner)
	}
	r.mu.Unlock()
}

// DownloadSnapshot is a point-in-time view of one in-flight download, for
// reporting surfaces that must not touch Download's internal lock.
type DownloadSnapshot struct {
	TransferID string
	Owner      string
	Filename   string
	FileSize   int64
	Phase      string
	Start      time.Time
}

// Snapshot lists every currently tracked download.
func (r *DownloadRegistry) Snapshot() []DownloadSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DownloadSnapshot, 0, len(r.byOwner))
	for _, d := range r.byOwner {
		out = append(out, DownloadSnapshot{
			TransferID: d.TransferID,
			Owner:      d.Owner,
			Filename:   d.Filename,
			FileSize:   d.FileSize,
			Phase:      d.Phase().String(),
			Start:      d.Start,
		})
	}
	return out
}

// CancelAll removes owner's download, if any, and stops its pending
// timeout, for connection teardown. Other owners' downloads are untouched.
func (r *DownloadRegistry) CancelAll(owner string) {
	r.mu.Lock()
	d, ok := r.byOwner[owner]
	if ok {
		delete(r.byOwner, owner)
	}
	r.mu.Unlock()
	if ok {
		d.mu.Lock()
		if d.timeout != nil {
			d.timeout.Stop()
		}
		d.mu.Unlock()
	}
}

// DownloadHandler drives the tj/tf/xG/F7/F9 orchestration.
type DownloadHandler struct {
	Compiler  fdo.Compiler
	Registry  *DownloadRegistry
	XGTimeout time.Duration
	ChunkSize int
	Store     xferLog
	Library   string // library/subject prefix compiled into the TJ_IN text field
}

// NewDownloadHandler constructs a handler with spec.md defaults (30s
// timeout, 950-byte chunks).
func NewDownloadHandler(compiler fdo.Compiler, reg *DownloadRegistry, store xferLog) *DownloadHandler {
	return &DownloadHandler{
		Compiler:  compiler,
		Registry:  reg,
		XGTimeout: DefaultXGTimeout,
		ChunkSize: DataChunkSize,
		Store:     store,
		Library:   "library",
	}
}

// Initiate begins a new download for owner: it emits the announce FDO, the
// tj descriptor, and the tf start frame, then arms the AwaitingXG timeout.
// A second initiation while a prior download for the same owner is still
// AwaitingXG fails outright (one in-flight download per connection).
func (h *DownloadHandler) Initiate(owner string, conn *registry.UserConnection, filename, subject string, data []byte, streamID uint16) (*Download, error) {
	if existing, ok := h.Registry.get(owner); ok && existing.Phase() == DownloadAwaitingXG {
		return nil, fmt.Errorf("xfer: download already in flight for %q", owner)
	}

	fileID := deriveFileID(filename)
	now := time.Now()

	d := &Download{
		TransferID: uuid.New().String(),
		Filename:   filename,
		FileSize:   int64(len(data)),
		FileID:     fileID,
		Payload:    frame.EscapeData(data),
		Timestamp:  now.Unix(),
		Owner:      owner,
		Start:      now,
		phase:      DownloadAwaitingXG,
	}

	announceSrc := fmt.Sprintf("event=xfer-announce;filename=%s;size=%d", filename, d.FileSize)
	chunks, err := h.Compiler.Compile(announceSrc, TokenTJ, streamID)
	if err != nil {
		log.Printf("[xfer] compile download announce for %q: %v", owner, err)
	} else {
		for _, c := range chunks {
			conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTJ, streamID, c), "xfer:announce")
		}
	}

	tj := EncodeTJ(0, fileID, uint32(d.Timestamp), uint32(d.FileSize), h.Library, subject)
	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTJ, streamID, tj), "xfer:tj")

	tf := EncodeTF(0, uint32(d.FileSize), uint32(d.Timestamp), uint32(d.Timestamp), filename, false, 0)
	conn.Pacer.EnqueuePrioritySafe(frame.NewData(TokenTF, streamID, tf), "xfer:tf")

	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain download init for %q: %v", owner, err)
	}

	h.Registry.put(owner, d)
	timeout := h.XGTimeout
	if timeout <= 0 {
		timeout = DefaultXGTimeout
	}
	d.timeout = time.AfterFunc(timeout, func() {
		if d.Phase() != DownloadAwaitingXG {
			return
		}
		d.setPhase(DownloadFailed)
		h.Registry.remove(owner, d)
		log.Printf("[xfer] download %s for %q timed out awaiting xG", d.TransferID, owner)
	})

	return d, nil
}

// HandleXG processes the client's ACK to proceed: cancels the AwaitingXG
// timeout, transitions to SendingData, and emits the pre-encoded payload
// split into 950-byte F7 chunks with a terminal F9 (an empty file still
// emits a single empty F9).
func (h *DownloadHandler) HandleXG(owner string, conn *registry.UserConnection, streamID uint16) error {
	d, ok := h.Registry.get(owner)
	if !ok {
		return fmt.Errorf("xfer: no download in flight for %q", owner)
	}
	if d.Phase() != DownloadAwaitingXG {
		return fmt.Errorf("xfer: download %s not awaiting xG (phase=%s)", d.TransferID, d.Phase())
	}

	d.mu.Lock()
	if d.timeout != nil {
		d.timeout.Stop()
	}
	d.mu.Unlock()
	d.setPhase(DownloadSendingData)

	chunkSize := h.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DataChunkSize
	}

	payload := d.Payload
	if len(payload) == 0 {
		conn.Pacer.EnqueueSafe(frame.NewData(TokenF9, streamID, nil), "xfer:f9-empty")
	} else {
		for off := 0; off < len(payload); off += chunkSize {
			end := off + chunkSize
			if end > len(payload) {
				end = len(payload)
			}
			chunk := payload[off:end]
			token := TokenF7
			if end == len(payload) {
				token = TokenF9
			}
			conn.Pacer.EnqueueSafe(frame.NewData(token, streamID, chunk), "xfer:data")
		}
	}

	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[xfer] drain download data for %q: %v", owner, err)
	}

	h.markCompleted(owner, d)
	return nil
}

func (h *DownloadHandler) markCompleted(owner string, d *Download) {
	d.setPhase(DownloadCompleted)
	h.Registry.remove(owner, d)
	if h.Store != nil {
		if err := h.Store.InsertXferLog(d.TransferID, "download", owner, d.Filename, d.FileSize); err != nil {
			log.Printf("[xfer] log download completion: %v", err)
		}
	}
}

// HandleCancel processes xK: marks the transfer Cancelled and removes it
// from the registry.
func (h *DownloadHandler) HandleCancel(owner string) {
	d, ok := h.Registry.get(owner)
	if !ok {
		return
	}
	d.mu.Lock()
	if d.timeout != nil {
		d.timeout.Stop()
	}
	d.mu.Unlock()
	d.setPhase(DownloadCancelled)
	h.Registry.remove(owner, d)
}

// deriveFileID derives a stable 3-byte file id from filename, good enough
// for the TJ_IN descriptor's fileId field (the protocol treats this as an
// opaque per-transfer handle, not a content hash).
func deriveFileID(filename string) [3]byte {
	var h [3]byte
	var acc uint32
	for i, c := range []byte(filename) {
		acc = acc*31 + uint32(c) + uint32(i)
	}
	h[0] = byte(acc >> 16)
	h[1] = byte(acc >> 8)
	h[2] = byte(acc)
	return h
}
