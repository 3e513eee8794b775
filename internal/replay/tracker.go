// Package replay implements the replay subsystem: a short-lived token
// tracker that lets the control server hand a caller a single-use
// credential the proxy later recognises on the way back in, plus the
// executor that actually resends a stored request through the local
// proxy.
package replay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mtford90/procsi/internal/assert"
	"github.com/mtford90/procsi/internal/store"
)

// MaxEntries bounds the tracker; registering past the cap evicts the
// oldest entry.
const MaxEntries = 1000

// TTL is how long a token remains consumable after registration.
const TTL = 60 * time.Second

const sweepInterval = 30 * time.Second

type entry struct {
	originID  string
	initiator store.ReplayInitiator
	expiresAt time.Time
}

// Tracker is an in-process map of replay tokens to their origin, the
// same "register, consume once, sweep expired entries" shape the
// teacher's worker applies to its ring buffer, adapted from a
// fixed-capacity ring to a TTL'd map since replay tokens are consumed
// out of order rather than drained FIFO.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string // insertion order, oldest first, for capacity eviction

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Tracker and starts its background sweep goroutine.
func New() *Tracker {
	t := &Tracker{
		entries:  make(map[string]entry),
		stopChan: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Register mints a fresh token bound to originID/initiator, evicting
// the oldest entry first if the tracker is at capacity.
func (t *Tracker) Register(originID string, initiator store.ReplayInitiator) (string, error) {
	if err := assert.Check(originID != "", "replay origin id must not be empty"); err != nil {
		return "", err
	}

	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generating replay token: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepExpiredLocked()

	if len(t.order) >= MaxEntries {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}

	t.entries[token] = entry{originID: originID, initiator: initiator, expiresAt: time.Now().Add(TTL)}
	t.order = append(t.order, token)

	return token, nil
}

// Consume removes and returns token's origin/initiator if it exists
// and has not expired. A missing or expired token returns ok=false;
// the caller treats the request as a normal (non-replay) one.
func (t *Tracker) Consume(token string) (originID string, initiator store.ReplayInitiator, ok bool) {
	if token == "" {
		return "", "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, present := t.entries[token]
	if !present {
		return "", "", false
	}
	delete(t.entries, token)
	t.removeFromOrder(token)

	if time.Now().After(e.expiresAt) {
		return "", "", false
	}
	return e.originID, e.initiator, true
}

// Close stops the background sweep. Idempotent.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepExpired()
		case <-t.stopChan:
			return
		}
	}
}

func (t *Tracker) sweepExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepExpiredLocked()
}

// sweepExpiredLocked does the actual sweep; callers must hold t.mu.
func (t *Tracker) sweepExpiredLocked() {
	now := time.Now()
	var kept []string
	for _, token := range t.order {
		e, present := t.entries[token]
		if !present {
			continue
		}
		if now.After(e.expiresAt) {
			delete(t.entries, token)
			continue
		}
		kept = append(kept, token)
	}
	t.order = kept
}

func (t *Tracker) removeFromOrder(token string) {
	for i, tok := range t.order {
		if tok == token {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
