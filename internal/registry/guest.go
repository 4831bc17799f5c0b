package registry

import (
	"fmt"
	"math/rand"
	"sync"
)

const (
	guestMin       = 1000
	guestMax       = 9999 // exclusive upper bound per spec.md §3
	guestPoolSize  = guestMax - guestMin
	guestMaxTriesMultiplier = 1 // "> pool-size attempts" before exhaustion is fatal
)

// EphemeralGuestRegistry tracks in-use "~GuestNNNN" names, N ∈ [1000,9999).
type EphemeralGuestRegistry struct {
	mu   sync.Mutex
	used map[int]struct{}
}

// NewEphemeralGuestRegistry constructs an empty guest registry.
func NewEphemeralGuestRegistry() *EphemeralGuestRegistry {
	return &EphemeralGuestRegistry{used: make(map[int]struct{})}
}

// Allocate draws a number uniformly from [1000,9999), rejecting collisions.
// Exhaustion (more than pool-size attempts without finding a free number)
// is a fatal error for this allocation.
func (g *EphemeralGuestRegistry) Allocate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	maxAttempts := guestPoolSize * (guestMaxTriesMultiplier + 1)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		n := guestMin + rand.Intn(guestPoolSize)
		if _, taken := g.used[n]; taken {
			continue
		}
		g.used[n] = struct{}{}
		return fmt.Sprintf("~Guest%04d", n), nil
	}
	return "", fmt.Errorf("registry: ephemeral guest pool exhausted")
}

// Release frees a previously allocated guest name. No-op if name is not a
// recognized guest allocation.
func (g *EphemeralGuestRegistry) Release(name string) {
	var n int
	if _, err := fmt.Sscanf(name, "~Guest%04d", &n); err != nil {
		return
	}
	g.mu.Lock()
	delete(g.used, n)
	g.mu.Unlock()
}

// InUseCount returns the number of currently allocated guest names.
func (g *EphemeralGuestRegistry) InUseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.used)
}
