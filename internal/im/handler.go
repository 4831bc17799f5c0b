package im

import (
	"fmt"
	"log"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/msgsplit"
	"p3server/internal/registry"
	"p3server/internal/session"
	"p3server/internal/textenc"
)

// Tokens handled by this package.
var (
	TokenIS = [2]byte{'i', 'S'} // ACK response, no echo to sender
	TokenIT = [2]byte{'i', 'T'} // noop response, echoed to sender
)

// MaxIMLength is the 512-char-per-IM limit from spec.md §6.
const MaxIMLength = 512

// InstantMessage is the parsed result of a reassembled iS/iT stream.
type InstantMessage struct {
	Recipient  string // empty if this is a reply
	Message    string
	ResponseID int // 0 if absent
	HasRespID  bool
}

// Result reports the disposition of one handled frame, for logging and
// tests — never an error the dispatcher needs to re-raise (spec.md §7).
type Result struct {
	Delivered bool
	Echoed    bool
	Dropped   bool
	Reason    string
}

// Handler processes iS/iT frames: reassembly, conversation id resolution,
// delivery, and (for iT) echo back to the sender.
type Handler struct {
	Registry     *registry.UserRegistry
	Conversation *ConversationIdManager
	Compiler     fdo.Compiler
	Theme        string
}

// NewHandler constructs an IM handler with a default theme.
func NewHandler(reg *registry.UserRegistry, conv *ConversationIdManager, compiler fdo.Compiler) *Handler {
	return &Handler{Registry: reg, Conversation: conv, Compiler: compiler, Theme: "default"}
}

// HandleFrame feeds f into reassembler for the sender's session and, once a
// stream completes, parses and delivers the instant message. reassembler
// is owned by the sender's connection (stream ids are per-connection
// scoped, spec.md §5).
func (h *Handler) HandleFrame(reassembler *frame.Reassembler, senderScreenname string, platform session.Platform, f *frame.Frame) (Result, error) {
	end := len(f.Payload) > 0 && f.Payload[0] == frame.UniEndStream
	chunk := f.Payload
	if end {
		chunk = f.Payload[1:]
	}

	raw, complete := reassembler.Feed(f.StreamID, chunk, end)
	if !complete {
		return Result{}, nil
	}

	params, err := h.Compiler.ExtractStream(raw)
	if err != nil {
		return Result{}, fmt.Errorf("im: extract stream: %w", err)
	}
	msg, err := parseInstantMessage(params)
	if err != nil {
		return Result{}, fmt.Errorf("im: parse instant message: %w", err)
	}
	msg.Message = textenc.Decode(msg.Message, platform)

	return h.deliver(senderScreenname, f.Token, f.StreamID, msg), nil
}

func parseInstantMessage(p fdo.Params) (InstantMessage, error) {
	msg := InstantMessage{Message: p.Text, Recipient: p.Fields["recipient"]}
	if rid, ok := p.Fields["responseId"]; ok {
		var n int
		if _, err := fmt.Sscanf(rid, "%d", &n); err != nil {
			return InstantMessage{}, fmt.Errorf("malformed responseId %q: %w", rid, err)
		}
		if n < 1 || n > 65535 {
			log.Printf("[im] protocol violation: responseId %d out of [1,65535]", n)
		}
		msg.ResponseID = n
		msg.HasRespID = true
	}
	return msg, nil
}

// deliver routes msg to its recipient (resolving via the conversation
// manager if this is a reply), building the receive-IM FDO and enqueuing
// it on the recipient's pacer. For iT, it also builds and delivers a
// send-echo FDO to the sender. DOD-exclusive recipients get the IM
// dropped, never deferred — the documented asymmetry vs. chat broadcast
// (spec.md §9 open question 4).
func (h *Handler) deliver(sender string, token [2]byte, streamID uint16, msg InstantMessage) Result {
	recipient := msg.Recipient
	if recipient == "" {
		if !msg.HasRespID {
			return Result{Dropped: true, Reason: "reply with no responseId"}
		}
		other, ok := h.Conversation.OtherParticipant(msg.ResponseID, sender)
		if !ok {
			return Result{Dropped: true, Reason: "unknown responseId"}
		}
		recipient = other
	}

	convID := h.Conversation.GetOrCreate(sender, recipient)

	conn, online := h.Registry.GetConnection(recipient)
	if !online {
		return Result{Dropped: true, Reason: "recipient offline"}
	}
	if conn.DODExclusivityActive() {
		return Result{Dropped: true, Reason: "recipient DOD-exclusive"}
	}

	res := Result{}
	for _, seg := range msgsplit.Split(msg.Message, MaxIMLength) {
		src := fmt.Sprintf("windowId=%d;sender=%s;body=%s;conversationId=%d;theme=%s",
			convID, sender, seg, convID, h.Theme)
		chunks, err := h.Compiler.Compile(src, token, streamID)
		if err != nil {
			log.Printf("[im] compile receive-IM for %q: %v", recipient, err)
			continue
		}
		for _, c := range chunks {
			conn.Pacer.EnqueuePrioritySafe(frame.NewData(token, streamID, c), "im:deliver")
		}
	}
	if _, err := conn.Pacer.DrainLimited(10); err != nil {
		log.Printf("[im] drain for %q: %v", recipient, err)
	}
	res.Delivered = true

	if token == TokenIT {
		if senderConn, ok := h.Registry.GetConnection(sender); ok {
			echoSrc := fmt.Sprintf("windowId=%d;conversationId=%d;echo=1", convID, convID)
			chunks, err := h.Compiler.Compile(echoSrc, token, streamID)
			if err != nil {
				log.Printf("[im] compile echo for %q: %v", sender, err)
			} else {
				for _, c := range chunks {
					senderConn.Pacer.EnqueuePrioritySafe(frame.NewData(token, streamID, c), "im:echo")
				}
				if _, err := senderConn.Pacer.DrainLimited(10); err != nil {
					log.Printf("[im] drain echo for %q: %v", sender, err)
				}
				res.Echoed = true
			}
		}
	}

	return res
}
