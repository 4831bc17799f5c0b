package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"p3server/internal/credstore"
	"p3server/internal/dispatch"
	"p3server/internal/frame"
	"p3server/internal/ratelimit"
	"p3server/internal/registry"
	"p3server/internal/session"
)

// Tokens handled directly by the accept loop, before a connection is handed
// to the dispatcher: the INIT handshake and the sign-on credentials. These
// sit outside spec.md's core protocol engine (the credential store is an
// external collaborator, spec.md §1) so there's no canonical wire name for
// them; px/sn are this server's own choice, never colliding with the
// dispatch table's tokens.
var (
	tokenInit   = [2]byte{'p', 'x'}
	tokenSignOn = [2]byte{'s', 'n'}
)

// signOnTimeout bounds how long a freshly accepted connection has to
// complete the px/sn handshake before it's dropped.
const signOnTimeout = 15 * time.Second

// Server owns the P3 TCP listener: accept, per-IP rate limiting, sign-on,
// and handing authenticated connections to the dispatcher. Modeled on the
// teacher's own Server (addr/Run(ctx) shape), with an HTTP/WS frontend
// swapped for a raw framed TCP one.
type Server struct {
	addr        string
	idleTimeout time.Duration

	Registry   *registry.UserRegistry
	Guests     *registry.EphemeralGuestRegistry
	Dispatcher *dispatch.Dispatcher
	Creds      credstore.CredentialStore
	Limiter    *ratelimit.IPLimiter
}

// NewServer constructs a P3 listener bound to addr.
func NewServer(addr string, idleTimeout time.Duration, reg *registry.UserRegistry, guests *registry.EphemeralGuestRegistry, d *dispatch.Dispatcher, creds credstore.CredentialStore, limiter *ratelimit.IPLimiter) *Server {
	return &Server{
		addr:        addr,
		idleTimeout: idleTimeout,
		Registry:    reg,
		Guests:      guests,
		Dispatcher:  d,
		Creds:       creds,
		Limiter:     limiter,
	}
}

// Run accepts connections on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Printf("[listener] listening on %s", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[listener] accept: %v", err)
			continue
		}

		remoteIP := remoteHost(conn)
		if s.Limiter != nil && !s.Limiter.Allow(remoteIP) {
			log.Printf("[listener] rate limit: rejecting connection from %s", remoteIP)
			_ = conn.Close()
			continue
		}

		go s.handleConn(conn)
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// handleConn drives one TCP connection end to end: the px/sn sign-on
// handshake, then the dispatch.Dispatch loop until the client disconnects
// or sends a malformed frame the codec can't recover from.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := session.New()
	pacer := frame.NewPacer(conn, conn.RemoteAddr().String())

	if err := conn.SetReadDeadline(time.Now().Add(signOnTimeout)); err != nil {
		log.Printf("[listener] set sign-on deadline: %v", err)
		return
	}
	if err := s.readInit(conn, sess); err != nil {
		log.Printf("[listener] %s: init: %v", conn.RemoteAddr(), err)
		return
	}
	screenname, ephemeral, err := s.readSignOn(conn, sess)
	if err != nil {
		log.Printf("[listener] %s: sign-on: %v", conn.RemoteAddr(), err)
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.Printf("[listener] clear sign-on deadline: %v", err)
		return
	}

	uc := registry.NewUserConnection(screenname, pacer, sess.Platform)
	uc.ForceClose = func() { _ = conn.Close() }
	if previous, replaced := s.Registry.Register(screenname, uc); replaced {
		log.Printf("[listener] %q displaced a prior session", screenname)
		_ = previous
	}

	dconn := dispatch.NewConn(screenname, uc, sess.Platform)
	log.Printf("[listener] %q signed on from %s (platform=%s ephemeral=%v)", screenname, conn.RemoteAddr(), sess.Platform, ephemeral)

	defer func() {
		dispatch.DisconnectCleanup(s.Dispatcher, screenname, uc)
		s.Registry.Unregister(screenname, uc)
		if ephemeral && s.Guests != nil {
			s.Guests.Release(screenname)
		}
		sess.ClearPassword()
		log.Printf("[listener] %q disconnected", screenname)
	}()

	for {
		if s.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
				log.Printf("[listener] %q: set idle deadline: %v", screenname, err)
				return
			}
		}
		f, err := frame.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("[listener] %q: decode: %v", screenname, err)
			}
			return
		}
		s.Dispatcher.Dispatch(dconn, f)
	}
}

// readInit reads the px handshake frame and applies it to sess.
func (s *Server) readInit(conn net.Conn, sess *session.Session) error {
	f, err := frame.Decode(conn)
	if err != nil {
		return fmt.Errorf("read init frame: %w", err)
	}
	if f.Token != tokenInit {
		return fmt.Errorf("expected init token %q, got %q", tokenInit, f.TokenString())
	}
	sess.ApplyInit(session.ParseInit(f.Payload))
	return nil
}

// readSignOn reads the sn credentials frame (screenname NUL password NUL)
// and authenticates via the credential store, or via guest allocation when
// the client asks for an ephemeral name by sending an empty screenname
// field.
func (s *Server) readSignOn(conn net.Conn, sess *session.Session) (screenname string, ephemeral bool, err error) {
	f, err := frame.Decode(conn)
	if err != nil {
		return "", false, fmt.Errorf("read sign-on frame: %w", err)
	}
	if f.Token != tokenSignOn {
		return "", false, fmt.Errorf("expected sign-on token %q, got %q", tokenSignOn, f.TokenString())
	}

	requested, password := splitSignOnPayload(f.Payload)
	sess.SetPassword(password)

	if requested == "" {
		if s.Guests == nil {
			return "", false, errors.New("guest sign-on not available")
		}
		name, err := s.Guests.Allocate()
		if err != nil {
			return "", false, fmt.Errorf("allocate guest name: %w", err)
		}
		if err := (credstore.GuestAuthenticator{}).Authenticate(name, password); err != nil {
			s.Guests.Release(name)
			return "", false, err
		}
		if err := sess.Authenticate(name, true); err != nil {
			s.Guests.Release(name)
			return "", false, err
		}
		return name, true, nil
	}

	if s.Creds != nil {
		if err := s.Creds.Verify(context.Background(), requested, password); err != nil {
			return "", false, fmt.Errorf("authenticate %q: %w", requested, err)
		}
	}
	if err := sess.Authenticate(requested, false); err != nil {
		return "", false, err
	}
	return requested, false, nil
}

// splitSignOnPayload parses the sn frame body: a NUL-terminated screenname
// (empty for a guest request) followed by a NUL-terminated password.
func splitSignOnPayload(payload []byte) (screenname, password string) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return string(payload), ""
	}
	screenname = string(payload[:nul])
	rest := payload[nul+1:]
	for i, b := range rest {
		if b == 0 {
			rest = rest[:i]
			break
		}
	}
	return screenname, string(rest)
}
