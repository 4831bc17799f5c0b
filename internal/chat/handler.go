// Package chat implements the Aa/CJ/CO/CL/ME chat token handler: join
// admission with a 10-second confirmation window, multi-frame chat message
// reassembly, and CA/CB arrival/departure broadcast — all routed through
// the shared UserRegistry for tag assignment and fan-out.
package chat

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/msgsplit"
	"p3server/internal/registry"
	"p3server/internal/textenc"
)

// Tokens handled by this package.
var (
	TokenAa = [2]byte{'A', 'a'} // inbound chat message (client)
	TokenAA = [2]byte{'A', 'A'} // outbound chat message (broadcast)
	TokenME = [2]byte{'M', 'E'}
	TokenCJ = [2]byte{'C', 'J'}
	TokenCO = [2]byte{'C', 'O'}
	TokenCL = [2]byte{'C', 'L'}
	TokenCA = [2]byte{'C', 'A'}
	TokenCB = [2]byte{'C', 'B'}
)

// RoomName is the single logical chat room this protocol supports.
const RoomName = "Dialtone Lobby"

// MaxChatLength is the 92-char-per-message limit from spec.md §6.
const MaxChatLength = 92

// COTimeout is how long a joiner has to send CO after CJ/ME before the
// handler logs a warning (spec.md §5 — a warning only, no rollback).
const COTimeout = 10 * time.Second

// ringBufferMaxLines bounds the durable chat-line snapshot per room.
const ringBufferMaxLines = 200

// chatLog, if set, persists completed chat lines and room existence;
// optional, since the core is runnable without a backing store.
type chatLog interface {
	TouchChatRoom(name string) error
	AppendChatLine(roomName string, tag int, screenname, body string, maxLines int) error
}

// Result reports the disposition of one handled frame.
type Result struct {
	Joined    bool
	Opened    bool
	Left      bool
	Broadcast registry.BroadcastResult
	Dropped   bool
	Reason    string
}

// Handler processes chat tokens for every connection sharing this
// registry. Join timers are tracked per screenname; reassembly is owned
// per-connection by the caller (stream ids are per-connection scoped).
type Handler struct {
	Registry *registry.UserRegistry
	Compiler fdo.Compiler
	Store    chatLog

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewHandler constructs a chat handler.
func NewHandler(reg *registry.UserRegistry, compiler fdo.Compiler, store chatLog) *Handler {
	return &Handler{
		Registry: reg,
		Compiler: compiler,
		Store:    store,
		timers:   make(map[string]*time.Timer),
	}
}

// HandleJoin processes CJ or ME: assigns (if needed) the joiner's tag,
// builds and sends the room snapshot, and arms the CO confirmation timer.
func (h *Handler) HandleJoin(screenname string, conn *registry.UserConnection, token [2]byte, streamID uint16) Result {
	tag := h.Registry.AssignGlobalChatTag(screenname)
	if tag < 0 {
		return Result{Dropped: true, Reason: "tag pool exhausted"}
	}

	if h.Store != nil {
		if err := h.Store.TouchChatRoom(RoomName); err != nil {
			log.Printf("[chat] touch room: %v", err)
		}
	}

	snapshot := h.buildRoomSnapshot(screenname, tag)
	chunks, err := h.Compiler.Compile(snapshot, token, streamID)
	if err != nil {
		log.Printf("[chat] compile room snapshot for %q: %v", screenname, err)
	} else {
		for _, c := range chunks {
			conn.Pacer.EnqueuePrioritySafe(frame.NewData(token, streamID, c), "chat:snapshot")
		}
		if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
			log.Printf("[chat] drain snapshot for %q: %v", screenname, err)
		}
	}

	h.armTimer(screenname)
	return Result{Joined: true}
}

// buildRoomSnapshot lists every ordered human member plus the joiner.
// spec.md §4.4 also has the FDO snapshot list "all bots" ahead of the
// members; the bot roster lives in the chat-bot pipeline (spec.md §1
// treats it as an external collaborator the core never inspects), so
// it isn't enumerable here — see DESIGN.md.
func (h *Handler) buildRoomSnapshot(joiner string, joinerTag int) string {
	var parts []string
	for _, member := range h.Registry.GetOrderedChatMembers() {
		if tag, ok := h.Registry.ChatTag(member.Screenname); ok {
			parts = append(parts, fmt.Sprintf("%s:%d", member.Screenname, tag))
		}
	}
	parts = append(parts, fmt.Sprintf("%s:%d", joiner, joinerTag))
	return fmt.Sprintf("room=%s;members=%s", RoomName, strings.Join(parts, ","))
}

func (h *Handler) armTimer(screenname string) {
	key := strings.ToLower(screenname)
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if t, ok := h.timers[key]; ok {
		t.Stop()
	}
	h.timers[key] = time.AfterFunc(COTimeout, func() {
		log.Printf("[chat] CO confirmation timeout for %q", screenname)
	})
}

func (h *Handler) cancelTimer(screenname string) {
	key := strings.ToLower(screenname)
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if t, ok := h.timers[key]; ok {
		t.Stop()
		delete(h.timers, key)
	}
}

// HandleOpen processes CO: cancels the timeout, marks the connection
// in-chat (assigning a tag if it somehow wasn't already), and broadcasts a
// CA arrival frame to every other chat member.
func (h *Handler) HandleOpen(screenname string, conn *registry.UserConnection) Result {
	h.cancelTimer(screenname)

	tag := h.Registry.AssignGlobalChatTag(screenname)
	if tag < 0 {
		return Result{Dropped: true, Reason: "tag pool exhausted"}
	}
	conn.EnterChat(time.Now())

	ca := h.buildNotification(TokenCA, tag, screenname)
	res := h.Registry.BroadcastToChat(ca, "chat:arrival", screenname)
	return Result{Opened: true, Broadcast: res}
}

// HandleLeave processes CL: broadcasts CB with the departing user's tag
// (captured before release), then flips inChat false and releases the tag.
// Disconnect cleanup calls this same path.
func (h *Handler) HandleLeave(screenname string, conn *registry.UserConnection) Result {
	h.cancelTimer(screenname)

	tag, hadTag := h.Registry.ChatTag(screenname)
	var res registry.BroadcastResult
	if hadTag {
		cb := h.buildNotification(TokenCB, tag, screenname)
		res = h.Registry.BroadcastToChat(cb, "chat:departure", screenname)
	}
	conn.LeaveChat()
	h.Registry.ReleaseChatTag(screenname)
	return Result{Left: true, Broadcast: res}
}

// buildNotification compiles a CA/CB arrival/departure FDO atom and wraps
// it as a standard DATA frame. The literal byte layout spec.md §6 shows
// for this notification ("mS CA/CB") is an FDO atom stream — exactly the
// kind of content the core always delegates to the FDO compiler rather
// than hand-assembling, consistent with how every other FDO-bearing token
// in this server is built.
func (h *Handler) buildNotification(token [2]byte, tag int, screenname string) *frame.Frame {
	src := fmt.Sprintf("event=%s;tag=%d;screenname=%s", notificationKind(token), tag, screenname)
	streamID := frame.NormalizeStreamID(0)
	chunks, err := h.Compiler.Compile(src, token, streamID)
	if err != nil || len(chunks) == 0 {
		log.Printf("[chat] compile notification %s for %q: %v", token, screenname, err)
		return frame.NewData(token, streamID, nil)
	}
	return frame.NewData(token, streamID, chunks[0])
}

func notificationKind(token [2]byte) string {
	if token == TokenCA {
		return "arrival"
	}
	return "departure"
}

// HandleMessage processes one Aa frame: feeds the reassembler, and once a
// chat message completes, looks up the sender's tag, builds the AA
// broadcast frame by hand (the wire format is specified directly, not
// FDO-compiled), and enqueues it to the sender (echo) and every other chat
// member.
func (h *Handler) HandleMessage(reassembler *frame.Reassembler, screenname string, conn *registry.UserConnection, f *frame.Frame) (Result, error) {
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
		return Result{}, fmt.Errorf("chat: extract stream: %w", err)
	}

	tag, ok := h.Registry.ChatTag(screenname)
	if !ok {
		return Result{Dropped: true, Reason: "sender not in chat"}, nil
	}

	text := asciiOnly(textenc.Decode(params.Text, conn.Platform))
	segments := msgsplit.Split(text, MaxChatLength)

	// Echo to sender, one AA frame per split segment, preserving order.
	for _, segment := range segments {
		seg := segment
		conn.Pacer.EnqueueCustomPrioritySafe(func(tx, rx byte) []byte {
			return buildAAFrame(byte(tag), seg, tx, rx)
		}, "chat:echo")
	}
	if _, err := conn.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
		log.Printf("[chat] drain echo for %q: %v", screenname, err)
	}

	// Broadcast to everyone else in chat, same segment order. Every
	// segment is its own broadcast; counts accumulate across all of them
	// so a multi-segment message's Result reflects the whole message, not
	// just its last segment.
	var res registry.BroadcastResult
	for _, segment := range segments {
		segRes := h.broadcastAA(byte(tag), segment, screenname)
		res.Sent += segRes.Sent
		res.Deferred += segRes.Deferred
		res.Skipped += segRes.Skipped
		res.Excluded += segRes.Excluded
		res.NotInChat += segRes.NotInChat
	}

	if h.Store != nil {
		if err := h.Store.AppendChatLine(RoomName, tag, screenname, text, ringBufferMaxLines); err != nil {
			log.Printf("[chat] append ring buffer line: %v", err)
		}
	}

	return Result{Broadcast: res}, nil
}

func (h *Handler) broadcastAA(tag byte, segment, excludeScreenname string) registry.BroadcastResult {
	excludeKey := strings.ToLower(excludeScreenname)
	var res registry.BroadcastResult
	for _, c := range h.Registry.GetAllConnections() {
		if strings.ToLower(c.Screenname) == excludeKey {
			res.Excluded++
			continue
		}
		if !c.InChat() {
			res.NotInChat++
			continue
		}
		tail := append([]byte{TokenAA[0], TokenAA[1], tag}, []byte(segment)...)
		if c.DODExclusivityActive() {
			c.PushDeferred(registry.DeferredBroadcast{
				Bytes:              frame.EncodeCustom(frame.TypeData, tail, 0, 0),
				Label:              "chat:broadcast",
				EnqueueWallclockMs: time.Now().UnixMilli(),
			})
			res.Deferred++
			continue
		}
		c.Pacer.EnqueueCustomPrioritySafe(func(tx, rx byte) []byte {
			return frame.EncodeCustom(frame.TypeData, tail, tx, rx)
		}, "chat:broadcast")
		if _, err := c.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
			log.Printf("[chat] drain broadcast for %q: %v", c.Screenname, err)
		}
		res.Sent++
	}
	return res
}

func buildAAFrame(tag byte, message string, tx, rx byte) []byte {
	tail := append([]byte{TokenAA[0], TokenAA[1], tag}, []byte(message)...)
	return frame.EncodeCustom(frame.TypeData, tail, tx, rx)
}

// asciiOnly replaces every byte outside printable ASCII (0x20–0x7E) with a
// space, so non-ASCII bytes, control bytes and DEL all become spaces, per
// spec.md §6/§9 (lossy by design for 1995-era clients, no escape mechanism).
func asciiOnly(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c > 0x7E || c < 0x20 {
			b[i] = ' '
		}
	}
	return string(b)
}
