// Package registry implements the user/session registry: single-session
// enforcement keyed by lowercased screenname, the chat tag allocator, and
// the ephemeral guest name pool.
package registry

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"p3server/internal/frame"
	"p3server/internal/session"
)

// DisplacedMessage is sent to a session being forced off by a newer login
// for the same screenname.
const DisplacedMessage = "You've been signed on from another location"

// DeferredBroadcast is a chat frame queued against a connection while its
// DOD transfer is in progress, flushed once exclusivity clears.
type DeferredBroadcast struct {
	Bytes              []byte
	Label              string
	EnqueueWallclockMs int64
}

// UserConnection is the registry's view of one session: identity, its
// pacer, and the handful of fields that may legitimately be touched from
// other connections' goroutines (dodExclusivity, inChat, the deferred
// queue). All other fields are owned exclusively by the connection's own
// goroutine.
type UserConnection struct {
	Screenname string // original case, as registered
	Pacer      *frame.Pacer
	Platform   session.Platform

	// Disconnect gracefully closes the connection after sending message.
	// ForceClose is used if Disconnect is nil or returns an error.
	Disconnect func(message string) error
	ForceClose func()

	active            atomic.Bool
	dodExclusivity    atomic.Bool
	inChat            atomic.Bool
	chatJoinTimestamp atomic.Int64 // monotonic nanos; 0 when out of chat

	deferredMu sync.Mutex
	deferred   []DeferredBroadcast
}

// NewUserConnection constructs an active UserConnection.
func NewUserConnection(screenname string, pacer *frame.Pacer, platform session.Platform) *UserConnection {
	uc := &UserConnection{Screenname: screenname, Pacer: pacer, Platform: platform}
	uc.active.Store(true)
	return uc
}

// SetDODExclusivity toggles whether this connection currently has an
// in-flight DOD transfer; chat broadcasts are deferred while true.
func (c *UserConnection) SetDODExclusivity(active bool) { c.dodExclusivity.Store(active) }

// DODExclusivityActive reports the current DOD-exclusivity state.
func (c *UserConnection) DODExclusivityActive() bool { return c.dodExclusivity.Load() }

// InChat reports whether the user currently has inChat=true.
func (c *UserConnection) InChat() bool { return c.inChat.Load() }

// ChatJoinTimestamp returns the monotonic nanosecond timestamp of entry
// into chat, or 0 if not in chat. Maintains the invariant
// chatJoinTimestamp > 0 ⇔ inChat.
func (c *UserConnection) ChatJoinTimestamp() int64 { return c.chatJoinTimestamp.Load() }

// EnterChat sets inChat=true and stamps the join timestamp.
func (c *UserConnection) EnterChat(now time.Time) {
	c.chatJoinTimestamp.Store(now.UnixNano())
	c.inChat.Store(true)
}

// LeaveChat clears inChat and the join timestamp together, preserving the
// invariant.
func (c *UserConnection) LeaveChat() {
	c.inChat.Store(false)
	c.chatJoinTimestamp.Store(0)
}

// PushDeferred appends a broadcast to this connection's deferred FIFO.
func (c *UserConnection) PushDeferred(d DeferredBroadcast) {
	c.deferredMu.Lock()
	c.deferred = append(c.deferred, d)
	c.deferredMu.Unlock()
}

// DrainDeferred removes and returns all deferred broadcasts, oldest first.
func (c *UserConnection) DrainDeferred() []DeferredBroadcast {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	out := c.deferred
	c.deferred = nil
	return out
}

// BroadcastResult tallies the outcome of a chat fan-out, per spec.md §4.3.
type BroadcastResult struct {
	Sent, Deferred, Skipped, Excluded, NotInChat int
}

// UserRegistry is the singleton user/session registry. It also owns the
// chat tag allocator, since tag lifetime is tied 1:1 to registry presence.
type UserRegistry struct {
	mu sync.Mutex

	conns map[string]*UserConnection // key: lowercase(screenname)

	tagForUser map[string]int // key: lowercase(screenname)
	userForTag map[int]string
	freeTags   []int
	lastTag    map[string]int
	tagCounter int // last tag handed out via the counter path; starts at 1 (tag 1 reserved)

	auditFn func(actorTag int, screenname, action, target string)
}

// NewUserRegistry constructs an empty registry. auditFn, if non-nil, is
// invoked for duplicate-login displacements and tag-pool exhaustion.
func NewUserRegistry(auditFn func(actorTag int, screenname, action, target string)) *UserRegistry {
	return &UserRegistry{
		conns:      make(map[string]*UserConnection),
		tagForUser: make(map[string]int),
		userForTag: make(map[int]string),
		lastTag:    make(map[string]int),
		tagCounter: 1,
		auditFn:    auditFn,
	}
}

func canonicalKey(screenname string) string {
	return strings.ToLower(screenname)
}

// Register performs an atomic check-and-replace for key = lowercase(username).
// If an active connection already occupies the key, its graceful disconnect
// is scheduled asynchronously with DisplacedMessage; if that fails or no
// handler is provided, the old connection is force-closed. Returns the
// previous connection, if any.
func (r *UserRegistry) Register(username string, conn *UserConnection) (previous *UserConnection, replaced bool) {
	key := canonicalKey(username)

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if old == nil {
		return nil, false
	}

	old.active.Store(false)
	log.Printf("[registry] displacing prior connection for %q", username)
	if r.auditFn != nil {
		r.auditFn(0, username, "duplicate_login_displacement", key)
	}
	go func() {
		if old.Disconnect != nil {
			if err := old.Disconnect(DisplacedMessage); err == nil {
				return
			}
		}
		if old.ForceClose != nil {
			old.ForceClose()
		}
	}()
	return old, true
}

// Unregister removes username from the registry if conn is still the
// current occupant (avoids unregistering a connection that has already
// been displaced by a newer login for the same key).
func (r *UserRegistry) Unregister(username string, conn *UserConnection) {
	key := canonicalKey(username)
	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
	}
	r.mu.Unlock()
}

// IsOnline reports whether username currently has an active connection.
func (r *UserRegistry) IsOnline(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[canonicalKey(username)]
	return ok
}

// GetConnection returns the current connection for username, if any.
func (r *UserRegistry) GetConnection(username string) (*UserConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[canonicalKey(username)]
	return c, ok
}

// GetAllConnections returns a snapshot of all registered connections.
func (r *UserRegistry) GetAllConnections() []*UserConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UserConnection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// OnlineCount returns the number of registered connections.
func (r *UserRegistry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// GetOrderedChatMembers returns connections with inChat=true, ordered by
// chatJoinTimestamp ascending (earliest joiner first).
func (r *UserRegistry) GetOrderedChatMembers() []*UserConnection {
	all := r.GetAllConnections()
	members := make([]*UserConnection, 0, len(all))
	for _, c := range all {
		if c.InChat() {
			members = append(members, c)
		}
	}
	sortByJoinTimestamp(members)
	return members
}

func sortByJoinTimestamp(members []*UserConnection) {
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j-1].ChatJoinTimestamp() > members[j].ChatJoinTimestamp(); j-- {
			members[j-1], members[j] = members[j], members[j-1]
		}
	}
}

// ---------------------------------------------------------------------------
// Chat tag allocator
// ---------------------------------------------------------------------------

const (
	minTag = 2
	maxTag = 255
)

// AssignGlobalChatTag implements the four-step priority from spec.md §4.3:
// existing assignment, then last-used reclaim, then free pool, then counter
// (with emergency scan on exhaustion). Returns -1 if the tag space is
// exhausted.
func (r *UserRegistry) AssignGlobalChatTag(username string) int {
	key := canonicalKey(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	if tag, ok := r.tagForUser[key]; ok {
		return tag
	}

	if last, ok := r.lastTag[key]; ok {
		if _, taken := r.userForTag[last]; !taken {
			r.assignLocked(key, last)
			return last
		}
	}

	if len(r.freeTags) > 0 {
		tag := r.freeTags[0]
		r.freeTags = r.freeTags[1:]
		r.assignLocked(key, tag)
		return tag
	}

	r.tagCounter++
	if r.tagCounter > maxTag {
		for t := minTag; t <= maxTag; t++ {
			if _, taken := r.userForTag[t]; !taken {
				r.assignLocked(key, t)
				return t
			}
		}
		log.Printf("[registry] tag pool exhausted assigning %q", username)
		if r.auditFn != nil {
			r.auditFn(0, username, "tag_pool_exhausted", "")
		}
		return -1
	}
	r.assignLocked(key, r.tagCounter)
	return r.tagCounter
}

func (r *UserRegistry) assignLocked(key string, tag int) {
	r.tagForUser[key] = tag
	r.userForTag[tag] = key
	r.lastTag[key] = tag
}

// ReleaseChatTag removes key's tag from the forward/inverse maps and
// returns it to the free pool, but keeps userLastTag so a returning user
// gets their old tag back.
func (r *UserRegistry) ReleaseChatTag(username string) {
	key := canonicalKey(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	tag, ok := r.tagForUser[key]
	if !ok {
		return
	}
	delete(r.tagForUser, key)
	delete(r.userForTag, tag)
	r.freeTags = append(r.freeTags, tag)
}

// ChatTag returns the current tag for username, or (0, false) if none.
func (r *UserRegistry) ChatTag(username string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag, ok := r.tagForUser[canonicalKey(username)]
	return tag, ok
}

// UserForTag returns the screenname key currently holding tag.
func (r *UserRegistry) UserForTag(tag int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.userForTag[tag]
	return u, ok
}

// TagSnapshot returns copies of the forward/inverse tag maps, for
// inspection and tests; no CLI subcommand exposes them.
func (r *UserRegistry) TagSnapshot() (forward map[string]int, inverse map[int]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	forward = make(map[string]int, len(r.tagForUser))
	for k, v := range r.tagForUser {
		forward[k] = v
	}
	inverse = make(map[int]string, len(r.userForTag))
	for k, v := range r.userForTag {
		inverse[k] = v
	}
	return forward, inverse
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

// BroadcastToChat fans f out to every chat member except excludeKey (pass
// "" to exclude no one). Members with an in-flight DOD transfer get the
// frame deferred instead of delivered immediately.
func (r *UserRegistry) BroadcastToChat(f *frame.Frame, label, excludeUsername string) BroadcastResult {
	excludeKey := ""
	if excludeUsername != "" {
		excludeKey = canonicalKey(excludeUsername)
	}

	var res BroadcastResult
	for _, c := range r.GetAllConnections() {
		key := canonicalKey(c.Screenname)
		if !c.active.Load() {
			res.Skipped++
			continue
		}
		if excludeKey != "" && key == excludeKey {
			res.Excluded++
			continue
		}
		if !c.InChat() {
			res.NotInChat++
			continue
		}
		if c.DODExclusivityActive() {
			c.PushDeferred(DeferredBroadcast{
				Bytes:              frame.Encode(f, 0, 0),
				Label:              label,
				EnqueueWallclockMs: time.Now().UnixMilli(),
			})
			res.Deferred++
			continue
		}
		c.Pacer.EnqueuePrioritySafe(f, label)
		if _, err := c.Pacer.DrainLimited(frame.DefaultBurstCap); err != nil {
			log.Printf("[registry] drain for %q: %v", c.Screenname, err)
		}
		res.Sent++
	}
	return res
}

// DisplaceAndAudit is a convenience wrapper so handlers recording a
// displacement (outside of Register's own internal bookkeeping) share the
// same audit path.
func (r *UserRegistry) DisplaceAndAudit(actorTag int, screenname, action, target string) {
	if r.auditFn != nil {
		r.auditFn(actorTag, screenname, action, target)
	}
}
