package im

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/registry"
	"p3server/internal/session"
)

func field(key, val string) []byte {
	return append(append([]byte{0x01}, []byte(key+"="+val)...), 0x02)
}

func newConn(name string, w io.Writer) *registry.UserConnection {
	return registry.NewUserConnection(name, frame.NewPacer(w, name), session.PlatformUnknown)
}

func newHandler() (*Handler, *registry.UserRegistry) {
	reg := registry.NewUserRegistry(nil)
	return NewHandler(reg, NewConversationIdManager(), fdo.NewStubCompiler()), reg
}

func sendFrames(t *testing.T, h *Handler, reasm *frame.Reassembler, sender string, streamID uint16, token [2]byte, rawChunks [][]byte) Result {
	t.Helper()
	var last Result
	for i, chunk := range rawChunks {
		end := i == len(rawChunks)-1
		payload := chunk
		if end {
			payload = append([]byte{frame.UniEndStream}, chunk...)
		}
		f := frame.NewData(token, streamID, payload)
		res, err := h.HandleFrame(reasm, sender, session.PlatformUnknown, f)
		if err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
		last = res
	}
	return last
}

func TestDeliverToOnlineRecipientIS(t *testing.T) {
	h, reg := newHandler()
	var buf bytes.Buffer
	reg.Register("bob", newConn("bob", &buf))
	reg.Register("alice", newConn("alice", io.Discard))

	raw := append([]byte("hello bob"), field("recipient", "bob")...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x10, TokenIS, [][]byte{raw})

	if !res.Delivered || res.Echoed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if buf.Len() == 0 {
		t.Error("expected a frame to be written to the recipient's pacer")
	}
}

func TestDeliverEchoesOnlyForIT(t *testing.T) {
	h, reg := newHandler()
	var bobBuf, aliceBuf bytes.Buffer
	reg.Register("bob", newConn("bob", &bobBuf))
	reg.Register("alice", newConn("alice", &aliceBuf))

	raw := append([]byte("hi"), field("recipient", "bob")...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x11, TokenIT, [][]byte{raw})

	if !res.Delivered || !res.Echoed {
		t.Fatalf("expected delivered+echoed for iT, got %+v", res)
	}
	if aliceBuf.Len() == 0 {
		t.Error("expected an echo frame written to the sender's pacer")
	}
}

func TestDeliverDropsOfflineRecipient(t *testing.T) {
	h, _ := newHandler()
	raw := append([]byte("hi"), field("recipient", "ghost")...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x12, TokenIS, [][]byte{raw})
	if !res.Dropped {
		t.Fatalf("expected dropped for offline recipient, got %+v", res)
	}
}

func TestDeliverDropsDODExclusiveRecipientNotDeferred(t *testing.T) {
	h, reg := newHandler()
	bobConn := newConn("bob", io.Discard)
	bobConn.SetDODExclusivity(true)
	reg.Register("bob", bobConn)
	reg.Register("alice", newConn("alice", io.Discard))

	raw := append([]byte("hi"), field("recipient", "bob")...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x13, TokenIS, [][]byte{raw})
	if !res.Dropped || res.Reason != "recipient DOD-exclusive" {
		t.Fatalf("expected DOD-exclusive drop, got %+v", res)
	}
	if len(bobConn.DrainDeferred()) != 0 {
		t.Error("IMs must be dropped, not deferred, for DOD-exclusive recipients")
	}
}

func TestReplyResolvesRecipientViaResponseID(t *testing.T) {
	h, reg := newHandler()
	var bobBuf bytes.Buffer
	reg.Register("bob", newConn("bob", &bobBuf))
	reg.Register("alice", newConn("alice", io.Discard))

	convID := h.Conversation.GetOrCreate("alice", "bob")

	raw := append([]byte("replying"), field("responseId", fmt.Sprintf("%d", convID))...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x14, TokenIS, [][]byte{raw})
	if !res.Delivered {
		t.Fatalf("expected reply to resolve and deliver, got %+v", res)
	}
}

func TestReplyWithUnknownResponseIDDrops(t *testing.T) {
	h, reg := newHandler()
	reg.Register("bob", newConn("bob", io.Discard))

	raw := append([]byte("hi"), field("responseId", "54321")...)
	res := sendFrames(t, h, frame.NewReassembler(), "alice", 0x15, TokenIS, [][]byte{raw})
	if !res.Dropped || res.Reason != "unknown responseId" {
		t.Fatalf("expected drop for unknown responseId, got %+v", res)
	}
}

func TestMultiFrameReassemblyOnlyCompletesOnEndMarker(t *testing.T) {
	h, reg := newHandler()
	var bobBuf bytes.Buffer
	reg.Register("bob", newConn("bob", &bobBuf))
	reg.Register("alice", newConn("alice", io.Discard))

	reasm := frame.NewReassembler()
	f1 := frame.NewData(TokenIS, 0x4242, []byte("hel"))
	res1, err := h.HandleFrame(reasm, "alice", session.PlatformUnknown, f1)
	if err != nil || res1.Delivered || res1.Dropped {
		t.Fatalf("expected no disposition on first non-terminal frame, got %+v err=%v", res1, err)
	}
	if !reasm.Pending(0x4242) {
		t.Fatal("expected stream 0x4242 pending after first frame")
	}

	f2 := frame.NewData(TokenIS, 0x4242, []byte("lo"))
	res2, _ := h.HandleFrame(reasm, "alice", session.PlatformUnknown, f2)
	if res2.Delivered {
		t.Fatal("expected still no disposition before terminal frame")
	}

	final := append([]byte{frame.UniEndStream}, field("recipient", "bob")...)
	f3 := frame.NewData(TokenIS, 0x4242, final)
	res3, err := h.HandleFrame(reasm, "alice", session.PlatformUnknown, f3)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if !res3.Delivered {
		t.Fatalf("expected delivery on terminal frame, got %+v", res3)
	}
	if reasm.Pending(0x4242) {
		t.Error("expected pendingStreams[0x4242] to be emptied")
	}
}
