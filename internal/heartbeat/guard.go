package heartbeat

import (
	"sync"
	"time"
)

const guardPruneThreshold = 4096

// Guard remembers network addresses that polled for devices that do not
// exist, so repeated probes skip the durable store for a cooldown window.
// Entries live in memory only.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	marked   map[string]time.Time
	now      func() time.Time
}

func NewGuard(cooldown time.Duration) *Guard {
	return NewGuardWithNow(cooldown, time.Now)
}

func NewGuardWithNow(cooldown time.Duration, now func() time.Time) *Guard {
	return &Guard{cooldown: cooldown, marked: make(map[string]time.Time), now: now}
}

func (g *Guard) Blocked(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.marked[addr]
	if !ok {
		return false
	}
	if g.now().Sub(at) >= g.cooldown {
		delete(g.marked, addr)
		return false
	}
	return true
}

func (g *Guard) Mark(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if len(g.marked) >= guardPruneThreshold {
		for a, at := range g.marked {
			if now.Sub(at) >= g.cooldown {
				delete(g.marked, a)
			}
		}
	}
	g.marked[addr] = now
}

func (g *Guard) Clear(addr string) {
	g.mu.Lock()
	delete(g.marked, addr)
	g.mu.Unlock()
}
