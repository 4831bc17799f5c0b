// Package dispatch implements the static token→handler table (spec.md
// §4.2): one lookup per inbound frame, routing into the chat, im, dod, and
// xfer packages. Unrecognized tokens are silently dropped; a handler
// returning an error is logged and swallowed — neither ever tears down the
// connection goroutine.
package dispatch

import (
	"log"

	"p3server/internal/chat"
	"p3server/internal/dod"
	"p3server/internal/frame"
	"p3server/internal/im"
	"p3server/internal/registry"
	"p3server/internal/session"
	"p3server/internal/xfer"
)

// Conn is the per-connection dispatch context: the registry's view of the
// session plus the reassemblers that must not be shared across
// connections (stream ids are per-connection scoped, spec.md §5).
type Conn struct {
	Screenname      string
	UserConn        *registry.UserConnection
	Platform        session.Platform
	ChatReassembler *frame.Reassembler
	IMReassembler   *frame.Reassembler
}

// NewConn constructs a fresh dispatch context for a just-authenticated
// session.
func NewConn(screenname string, uc *registry.UserConnection, platform session.Platform) *Conn {
	return &Conn{
		Screenname:      screenname,
		UserConn:        uc,
		Platform:        platform,
		ChatReassembler: frame.NewReassembler(),
		IMReassembler:   frame.NewReassembler(),
	}
}

// Dispatcher owns the shared protocol handlers every connection routes
// through. One Dispatcher serves every connection; per-connection state
// lives in Conn.
type Dispatcher struct {
	Chat     *chat.Handler
	IM       *im.Handler
	DOD      *dod.Handler
	Download *xfer.DownloadHandler
	Upload   *xfer.UploadHandler

	// OnUnknownToken, if set, is notified of every unrecognized token seen
	// (for metrics); it never changes dispatch behavior.
	OnUnknownToken func(token string)
}

// NewDispatcher constructs a dispatcher wired to the given protocol
// handlers. Any of them may be nil if that feature area is disabled; the
// corresponding tokens are then treated as unrecognized.
func NewDispatcher(chatH *chat.Handler, imH *im.Handler, dodH *dod.Handler, dl *xfer.DownloadHandler, ul *xfer.UploadHandler) *Dispatcher {
	return &Dispatcher{Chat: chatH, IM: imH, DOD: dodH, Download: dl, Upload: ul}
}

type handlerFunc func(d *Dispatcher, c *Conn, f *frame.Frame)

// table is the static compile-time token→handler map described in
// spec.md §4.2. It never changes at runtime; Dispatch does one map lookup
// per frame.
var table = map[string]handlerFunc{
	tok(chat.TokenCJ): dispatchChatJoin,
	tok(chat.TokenME): dispatchChatJoin,
	tok(chat.TokenCO): dispatchChatOpen,
	tok(chat.TokenCL): dispatchChatLeave,
	tok(chat.TokenAa): dispatchChatMessage,

	tok(im.TokenIS): dispatchIM,
	tok(im.TokenIT): dispatchIM,

	tok(dod.TokenFH): dispatchDODFH,
	tok(dod.TokenF1): dispatchDODF1,
	tok(dod.TokenF2): dispatchDODF2,
	tok(dod.TokenK1): dispatchDODK1,

	tok(xfer.TokenXG): dispatchXferXG,
	tok(xfer.TokenXK): dispatchXferXK,
	tok(xfer.TokenTF): dispatchXferTF,
	tok(xfer.TokenTD): dispatchXferTD,
	tok(xfer.TokenXD): dispatchXferXD,
	tok(xfer.TokenXB): dispatchXferXD,
	tok(xfer.TokenXE): dispatchXferXE,
}

func tok(t [2]byte) string { return string(t[:]) }

// Dispatch routes f to its handler, if one is registered. An unrecognized
// token is dropped without a response, per spec.md §4.2.
func (d *Dispatcher) Dispatch(c *Conn, f *frame.Frame) {
	fn, ok := table[f.TokenString()]
	if !ok {
		if d.OnUnknownToken != nil {
			d.OnUnknownToken(f.TokenString())
		}
		return
	}
	fn(d, c, f)
}

func dispatchChatJoin(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Chat == nil {
		return
	}
	d.Chat.HandleJoin(c.Screenname, c.UserConn, f.Token, f.StreamID)
}

func dispatchChatOpen(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Chat == nil {
		return
	}
	d.Chat.HandleOpen(c.Screenname, c.UserConn)
}

func dispatchChatLeave(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Chat == nil {
		return
	}
	d.Chat.HandleLeave(c.Screenname, c.UserConn)
}

func dispatchChatMessage(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Chat == nil {
		return
	}
	if _, err := d.Chat.HandleMessage(c.ChatReassembler, c.Screenname, c.UserConn, f); err != nil {
		log.Printf("[dispatch] chat message from %q: %v", c.Screenname, err)
	}
}

func dispatchIM(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.IM == nil {
		return
	}
	if _, err := d.IM.HandleFrame(c.IMReassembler, c.Screenname, c.Platform, f); err != nil {
		log.Printf("[dispatch] im frame from %q: %v", c.Screenname, err)
	}
}

func dispatchDODFH(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.DOD == nil {
		return
	}
	d.DOD.HandleFH(c.Screenname, c.UserConn, f)
}

func dispatchDODF1(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.DOD == nil {
		return
	}
	d.DOD.HandleF1(c.Screenname, c.UserConn, f)
}

func dispatchDODF2(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.DOD == nil {
		return
	}
	d.DOD.HandleF2(c.Screenname, c.UserConn, f)
}

func dispatchDODK1(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.DOD == nil {
		return
	}
	d.DOD.HandleK1(c.Screenname, c.UserConn, f)
}

func dispatchXferXG(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Download == nil {
		return
	}
	if err := d.Download.HandleXG(c.Screenname, c.UserConn, frame.NormalizeStreamID(f.StreamID)); err != nil {
		log.Printf("[dispatch] xG from %q: %v", c.Screenname, err)
	}
}

// dispatchXferXK handles xK for whichever direction is actually in
// flight for this connection: both HandleCancel and HandleXK are no-ops
// when there's nothing registered for the owner, so it's safe to try both
// rather than track which direction owns the token.
func dispatchXferXK(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Download != nil {
		d.Download.HandleCancel(c.Screenname)
	}
	if d.Upload != nil {
		d.Upload.HandleXK(c.Screenname)
	}
}

func dispatchXferTF(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Upload == nil {
		return
	}
	if len(f.Payload) == 0 || f.Payload[0]&xfer.TFStartUpload == 0 {
		// A tf without the upload-start flag is the server's own
		// download-announce shape; never expected inbound.
		return
	}
	if _, err := d.Upload.HandleTF(c.Screenname, c.UserConn, frame.NormalizeStreamID(f.StreamID)); err != nil {
		log.Printf("[dispatch] tf (upload start) from %q: %v", c.Screenname, err)
	}
}

func dispatchXferTD(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Upload == nil {
		return
	}
	if err := d.Upload.HandleTd(c.Screenname, c.UserConn, frame.NormalizeStreamID(f.StreamID), f.Payload, c.Platform); err != nil {
		log.Printf("[dispatch] td from %q: %v", c.Screenname, err)
	}
}

func dispatchXferXD(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Upload == nil {
		return
	}
	if err := d.Upload.HandleXD(c.Screenname, c.UserConn, frame.NormalizeStreamID(f.StreamID), f.Payload); err != nil {
		log.Printf("[dispatch] xd from %q: %v", c.Screenname, err)
	}
}

func dispatchXferXE(d *Dispatcher, c *Conn, f *frame.Frame) {
	if d.Upload == nil {
		return
	}
	if err := d.Upload.HandleXE(c.Screenname, c.UserConn, frame.NormalizeStreamID(f.StreamID)); err != nil {
		log.Printf("[dispatch] xe from %q: %v", c.Screenname, err)
	}
}

// DisconnectCleanup releases connection-scoped state that outlives a
// single frame: the chat membership/tag (via the chat handler's own
// leave path) and any in-flight upload/download for owner.
func DisconnectCleanup(d *Dispatcher, screenname string, uc *registry.UserConnection) {
	if d.Chat != nil && uc.InChat() {
		d.Chat.HandleLeave(screenname, uc)
	}
	if d.Download != nil {
		d.Download.Registry.CancelAll(screenname)
	}
	if d.Upload != nil {
		d.Upload.DisconnectCleanup(screenname)
	}
}
