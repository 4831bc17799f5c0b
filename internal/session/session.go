// Package session holds the per-connection P3 session: identity, platform,
// and the opaque INIT handshake record, scoped to exactly one TCP
// connection and never shared across goroutines except through the
// registry's UserConnection view.
package session

import (
	"fmt"
	"time"
)

// Platform identifies the client OS family, derived from the 0xA3 INIT
// handshake. AOL 3.0 shipped distinct Mac and Windows clients with
// different text encodings and XFER filename conventions.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformMac
	PlatformWindows
)

func (p Platform) String() string {
	switch p {
	case PlatformMac:
		return "Mac"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// InitData is the opaque record parsed out of the 0xA3 handshake frame.
// The core only needs the platform signature and a few identifying bytes;
// everything else is retained verbatim for logging/diagnostics.
type InitData struct {
	RawPayload      []byte
	ClientVersion   string
	PlatformHint    byte
}

// ParseInit extracts platform and version information from a raw 0xA3
// payload. AOL 3.0 Windows clients stamp a non-zero byte at offset 0;
// Mac clients stamp zero. Only an empty payload leaves the platform
// Unknown; ClientVersion is set only for payloads longer than 4 bytes.
func ParseInit(payload []byte) InitData {
	d := InitData{RawPayload: append([]byte(nil), payload...)}
	if len(payload) == 0 {
		return d
	}
	d.PlatformHint = payload[0]
	if len(payload) > 4 {
		d.ClientVersion = string(payload[1:4])
	}
	return d
}

// Platform derives the client platform from the handshake hint.
func (d InitData) Platform() Platform {
	if len(d.RawPayload) == 0 {
		return PlatformUnknown
	}
	if d.PlatformHint == 0 {
		return PlatformMac
	}
	return PlatformWindows
}

// Session is one per TCP connection: created on accept, destroyed on
// close, never shared across connections.
type Session struct {
	RouterChannel int
	Screenname    string
	password      string // secret, cleared on disconnect
	Authenticated bool
	Ephemeral     bool
	Platform      Platform
	Init          InitData
	ConnectedAt   time.Time
}

// New creates a freshly-accepted, unauthenticated session.
func New() *Session {
	return &Session{ConnectedAt: time.Now(), Platform: PlatformUnknown}
}

// SetPassword stores the SSO password for the duration of the sign-on
// handshake. Cleared explicitly by ClearPassword on disconnect.
func (s *Session) SetPassword(pw string) {
	s.password = pw
}

// Password returns the SSO password (empty once cleared).
func (s *Session) Password() string {
	return s.password
}

// ClearPassword zeroes the stored password, required on disconnect per
// spec.md §4.9 step 6.
func (s *Session) ClearPassword() {
	s.password = ""
}

// Authenticate marks the session authenticated under screenname, applying
// the session invariant: authenticated ⇒ screenname is set.
func (s *Session) Authenticate(screenname string, ephemeral bool) error {
	if screenname == "" {
		return fmt.Errorf("session: cannot authenticate with empty screenname")
	}
	s.Screenname = screenname
	s.Ephemeral = ephemeral
	s.Authenticated = true
	return nil
}

// ApplyInit records the parsed INIT handshake and derives the platform.
func (s *Session) ApplyInit(d InitData) {
	s.Init = d
	s.Platform = d.Platform()
}
