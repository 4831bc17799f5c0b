package frame

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// DefaultBurstCap matches the client's P3 receive window (~16 frames).
// Legacy clients drop the connection if flooded past a small burst.
const DefaultBurstCap = 16

// queuedFrame pairs a frame with a label used only for logging. Most
// entries carry a *Frame encoded via Encode; entries whose wire shape
// doesn't fit Encode's token+stream-id assumption (the AA chat-message
// frame) instead carry a custom encoder called with the same just-in-time
// tx/rx stamps.
type queuedFrame struct {
	f      *Frame
	encode func(tx, rx byte) []byte
	label  string
}

// Pacer owns egress for one connection: a priority queue (broadcast/ACK
// frames) and a normal queue (bulk transfer data), drained with a burst cap
// so legacy clients are never flooded past their small receive window.
type Pacer struct {
	mu       sync.Mutex
	priority []queuedFrame
	normal   []queuedFrame
	w        io.Writer
	burstCap int
	txSeq    byte
	rxSeq    byte
	tag      string // connection label for log lines
}

// NewPacer creates a pacer writing restamped frames to w.
func NewPacer(w io.Writer, tag string) *Pacer {
	return &Pacer{w: w, burstCap: DefaultBurstCap, tag: tag}
}

// EnqueueSafe appends f to the normal queue. Safe for concurrent callers.
func (p *Pacer) EnqueueSafe(f *Frame, label string) {
	p.mu.Lock()
	p.normal = append(p.normal, queuedFrame{f: f, label: label})
	p.mu.Unlock()
}

// EnqueuePrioritySafe appends f to the priority queue. Safe for concurrent
// callers. Broadcast and ACK frames use this so they overtake bulk-transfer
// data already queued for the same connection.
func (p *Pacer) EnqueuePrioritySafe(f *Frame, label string) {
	p.mu.Lock()
	p.priority = append(p.priority, queuedFrame{f: f, label: label})
	p.mu.Unlock()
}

// EnqueueCustomPrioritySafe appends a custom-encoded frame (see
// EncodeCustom) to the priority queue.
func (p *Pacer) EnqueueCustomPrioritySafe(encode func(tx, rx byte) []byte, label string) {
	p.mu.Lock()
	p.priority = append(p.priority, queuedFrame{encode: encode, label: label})
	p.mu.Unlock()
}

// NoteFrameReceived bumps the RX sequence counter stamped into subsequent
// outbound frames, acknowledging one more inbound frame observed.
func (p *Pacer) NoteFrameReceived() {
	p.mu.Lock()
	p.rxSeq++
	p.mu.Unlock()
}

// DrainLimited writes up to burst frames (priority queue first, then
// normal), restamping CRC/length/TX/RX on each just before send. It returns
// when both queues are empty or the cap is reached. Callers enqueuing a
// broadcast frame MUST call DrainLimited afterward — the recipient's own
// connection goroutine may currently be idle and would otherwise never
// flush the frame.
func (p *Pacer) DrainLimited(burst int) (sent int, err error) {
	if burst <= 0 {
		burst = p.burstCap
	}
	for sent < burst {
		qf, ok := p.popNext()
		if !ok {
			break
		}
		p.mu.Lock()
		p.txSeq++
		tx, rx := p.txSeq, p.rxSeq
		p.mu.Unlock()

		var wire []byte
		if qf.encode != nil {
			wire = qf.encode(tx, rx)
		} else {
			wire = Encode(qf.f, tx, rx)
		}
		if _, werr := p.w.Write(wire); werr != nil {
			return sent, fmt.Errorf("pacer: write %s: %w", qf.label, werr)
		}
		sent++
	}
	if sent > 0 {
		log.Printf("[pacer %s] drained %d frame(s)", p.tag, sent)
	}
	return sent, nil
}

func (p *Pacer) popNext() (queuedFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.priority) > 0 {
		qf := p.priority[0]
		p.priority = p.priority[1:]
		return qf, true
	}
	if len(p.normal) > 0 {
		qf := p.normal[0]
		p.normal = p.normal[1:]
		return qf, true
	}
	return queuedFrame{}, false
}

// QueueDepths returns the current priority and normal queue lengths, for
// metrics and tests.
func (p *Pacer) QueueDepths() (priority, normal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.priority), len(p.normal)
}
