// ABOUTME: Thread-safe TTL ledger of issued nonces
// ABOUTME: Guarantees a nonce is never handed to two handshakes within the process

package nonce

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned when every draw collided with an issued nonce.
var ErrExhausted = errors.New("nonce generator produced only duplicates")

// maxDraws bounds how many times Issue re-draws on a collision.
const maxDraws = 3

// Defaults for the gateway ledger. Entries only need to outlive a handshake.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 100_000
)

type ledgerEntry struct {
	issued  time.Time
	element *list.Element
}

// Ledger remembers recently issued nonces. It is a TTL-based, size-limited set
// with insertion-order eviction.
type Ledger struct {
	mu      sync.Mutex
	issued  map[Nonce]*ledgerEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewLedger creates a ledger. A background goroutine prunes expired entries
// until Close is called.
func NewLedger(ttl time.Duration, maxSize int) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	l := &Ledger{
		issued:  make(map[Nonce]*ledgerEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Issue draws a nonce from gen that has not been issued within the TTL and
// records it. A collision triggers a fresh draw; after three collisions the
// generator is considered broken.
func (l *Ledger) Issue(gen Generator) (Nonce, error) {
	for range maxDraws {
		n, err := gen()
		if err != nil {
			return Nonce{}, err
		}
		if !l.CheckAndMark(n) {
			return n, nil
		}
	}
	return Nonce{}, ErrExhausted
}

// CheckAndMark atomically reports whether n was already issued and marks it if not.
func (l *Ledger) CheckAndMark(n Nonce) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.issued[n]; ok && now.Sub(entry.issued) < l.ttl {
		return true
	} else if ok {
		entry.issued = now
		l.order.MoveToBack(entry.element)
		return false
	}

	if len(l.issued) >= l.maxSize {
		l.evictOldest()
	}
	l.issued[n] = &ledgerEntry{issued: now, element: l.order.PushBack(n)}
	return false
}

// Len returns the number of tracked nonces.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issued)
}

// Must be called with mu held.
func (l *Ledger) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	n, _ := front.Value.(Nonce)
	l.order.Remove(front)
	delete(l.issued, n)
}

func (l *Ledger) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune()
		case <-l.done:
			return
		}
	}
}

// prune drops expired entries. The order list is oldest first, so it stops at
// the first live entry.
func (l *Ledger) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for e := l.order.Front(); e != nil; {
		n, _ := e.Value.(Nonce)
		entry := l.issued[n]
		if entry == nil || now.Sub(entry.issued) < l.ttl {
			return
		}
		next := e.Next()
		l.order.Remove(e)
		delete(l.issued, n)
		e = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
