package frame

import "sync"

// UniEndStream marks the final frame of a multi-frame stream in its
// payload's first byte. Chat (Aa) and instant-message (iS/iT) handlers
// both reassemble this way, keyed by the frame's stream id.
const UniEndStream = 0x01

// Reassembler accumulates payload chunks per stream id until a terminal
// frame arrives, then hands back the concatenated bytes. It is safe for
// concurrent use by the one connection goroutine that owns it (reassembly
// is per-connection; stream ids never collide across sessions per
// spec.md §5).
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint16][][]byte
}

// NewReassembler constructs an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint16][][]byte)}
}

// Feed appends chunk to the FIFO for streamID. If end is true, the
// accumulated chunks (including this one) are concatenated, the stream's
// entry is cleared, and the result is returned with complete=true.
func (r *Reassembler) Feed(streamID uint16, chunk []byte, end bool) (result []byte, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[streamID] = append(r.pending[streamID], chunk)
	if !end {
		return nil, false
	}

	parts := r.pending[streamID]
	delete(r.pending, streamID)

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, true
}

// Pending reports whether streamID has accumulated, not-yet-terminated
// chunks, for tests (checking `pendingStreams[id]` is emptied).
func (r *Reassembler) Pending(streamID uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[streamID]
	return ok
}
