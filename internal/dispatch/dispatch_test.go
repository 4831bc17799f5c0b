package dispatch

import (
	"bytes"
	"testing"

	"p3server/internal/chat"
	"p3server/internal/dod"
	"p3server/internal/fdo"
	"p3server/internal/frame"
	"p3server/internal/im"
	"p3server/internal/registry"
	"p3server/internal/session"
	"p3server/internal/xfer"
)

func newTestDispatcher() (*Dispatcher, *registry.UserRegistry) {
	reg := registry.NewUserRegistry(nil)
	compiler := fdo.NewStubCompiler()
	chatH := chat.NewHandler(reg, compiler, nil)
	imH := im.NewHandler(reg, im.NewConversationIdManager(), compiler)
	resolver := dod.NewFileResolver("/tmp/p3-dispatch-test", nil)
	dodH := dod.NewHandler(compiler, resolver, nil, nil)
	dl := xfer.NewDownloadHandler(compiler, xfer.NewDownloadRegistry(), nil)
	ul := xfer.NewUploadHandler(func(string) (xfer.OutputSink, string, error) {
		return nil, "", nil
	}, nil)
	return NewDispatcher(chatH, imH, dodH, dl, ul), reg
}

func newTestDispatchConn(buf *bytes.Buffer, screenname string, reg *registry.UserRegistry) *Conn {
	uc := registry.NewUserConnection(screenname, frame.NewPacer(buf, screenname), session.PlatformUnknown)
	reg.Register(screenname, uc)
	return NewConn(screenname, uc, session.PlatformUnknown)
}

func TestDispatchChatJoinOpensRoomSnapshot(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "ella", reg)

	f := frame.NewData(chat.TokenCJ, 0x2100, nil)
	d.Dispatch(c, f)

	if buf.Len() == 0 {
		t.Fatal("expected a room snapshot frame written on CJ")
	}
}

func TestDispatchUnknownTokenInvokesHookButWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "frank", reg)

	var seen string
	d.OnUnknownToken = func(token string) { seen = token }

	f := frame.NewData([2]byte{'z', 'z'}, 0x2100, nil)
	d.Dispatch(c, f)

	if seen != "zz" {
		t.Fatalf("expected hook called with %q, got %q", "zz", seen)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written for unrecognized token, got %x", buf.Bytes())
	}
}

func TestDispatchDODF2RoutesToHandler(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "gina", reg)

	payload := make([]byte, 10)
	payload[2], payload[3], payload[4], payload[5] = 0, 0, 0, 1
	f := frame.NewData(dod.TokenF2, 0x2100, payload)
	d.Dispatch(c, f)

	if buf.Len() == 0 {
		t.Fatal("expected a response frame for f2 (at least the short ACK)")
	}
}

func TestDispatchXferTFRequiresUploadStartFlag(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "hank", reg)

	plain := xfer.EncodeTF(0, 0, 0, 0, "nope.txt", false, 0)
	f := frame.NewData(xfer.TokenTF, 0x2100, plain)
	d.Dispatch(c, f)
	if buf.Len() != 0 {
		t.Fatalf("expected no upload started for a plain (non-upload) tf, got %x", buf.Bytes())
	}

	startFlag := xfer.EncodeTF(xfer.TFStartUpload, 0, 0, 0, "yes.txt", false, 0)
	f2 := frame.NewData(xfer.TokenTF, 0x2100, startFlag)
	d.Dispatch(c, f2)
	if buf.Len() == 0 {
		t.Fatal("expected th response once the upload-start flag is set")
	}
}

func TestDispatchXferXKIsSafeWithNoTransferInFlight(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "ivy", reg)

	f := frame.NewData(xfer.TokenXK, 0x2100, nil)
	d.Dispatch(c, f) // must not panic
}

func TestDisconnectCleanupLeavesChatAndClearsTransfers(t *testing.T) {
	var buf bytes.Buffer
	d, reg := newTestDispatcher()
	c := newTestDispatchConn(&buf, "jack", reg)

	d.Dispatch(c, frame.NewData(chat.TokenCJ, 0x2100, nil))
	d.Dispatch(c, frame.NewData(chat.TokenCO, 0x2100, nil))
	if !c.UserConn.InChat() {
		t.Fatal("expected InChat=true after CJ/CO")
	}

	DisconnectCleanup(d, "jack", c.UserConn)
	if c.UserConn.InChat() {
		t.Fatal("expected InChat=false after disconnect cleanup")
	}
}
