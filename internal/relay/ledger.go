package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// PendingMessage is an outbound relay payload still waiting for its ack.
type PendingMessage struct {
	MessageID  string
	DataType   string
	Payload    json.RawMessage
	CreatedAt  time.Time
	RetryCount int
	MaxRetries int
	TTL        time.Duration
}

func (m PendingMessage) HasExceededRetries() bool {
	return m.RetryCount >= m.MaxRetries
}

func (m PendingMessage) IsExpired(now time.Time) bool {
	return now.Sub(m.CreatedAt) > m.TTL
}

// Ledger keeps unacknowledged messages in insertion order. Entries that run
// out of retries or age are moved to a failed set until the caller retries
// or clears them.
type Ledger struct {
	mu         sync.Mutex
	maxRetries int
	ttl        time.Duration
	now        func() time.Time

	order   []string
	entries map[string]*PendingMessage
	sent    map[string]bool
	failed  []PendingMessage
}

func NewLedger(maxRetries int, ttl time.Duration, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		maxRetries: maxRetries,
		ttl:        ttl,
		now:        now,
		entries:    make(map[string]*PendingMessage),
		sent:       make(map[string]bool),
	}
}

func (l *Ledger) Add(messageID, dataType string, payload json.RawMessage) PendingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := &PendingMessage{
		MessageID:  messageID,
		DataType:   dataType,
		Payload:    payload,
		CreatedAt:  l.now(),
		MaxRetries: l.maxRetries,
		TTL:        l.ttl,
	}
	l.entries[messageID] = msg
	l.order = append(l.order, messageID)
	return *msg
}

// MarkSent records that messageID went out at least once, so the next replay
// counts as a retry.
func (l *Ledger) MarkSent(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[messageID]; ok {
		l.sent[messageID] = true
	}
}

// Ack removes the entry for messageID and reports whether it was pending.
func (l *Ledger) Ack(messageID string) (PendingMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, ok := l.entries[messageID]
	if !ok {
		return PendingMessage{}, false
	}
	l.remove(messageID)
	return *msg, true
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Pending() []PendingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PendingMessage, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

func (l *Ledger) Failed() []PendingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PendingMessage(nil), l.failed...)
}

// PrepareReplay walks the ledger in order. Exhausted or expired entries move
// to the failed set; the rest are returned for transmission and marked sent.
// Only entries that already went out have their retry count bumped.
func (l *Ledger) PrepareReplay() (resend, failed []PendingMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.order[:0]
	for _, id := range l.order {
		msg := l.entries[id]
		if msg.HasExceededRetries() || msg.IsExpired(now) {
			delete(l.entries, id)
			delete(l.sent, id)
			l.failed = append(l.failed, *msg)
			failed = append(failed, *msg)
			continue
		}
		if l.sent[id] {
			msg.RetryCount++
		}
		l.sent[id] = true
		resend = append(resend, *msg)
		kept = append(kept, id)
	}
	l.order = kept
	return resend, failed
}

// ExpireStale moves entries older than the TTL to the failed set.
func (l *Ledger) ExpireStale() []PendingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expired []PendingMessage
	kept := l.order[:0]
	for _, id := range l.order {
		msg := l.entries[id]
		if msg.IsExpired(now) {
			delete(l.entries, id)
			delete(l.sent, id)
			l.failed = append(l.failed, *msg)
			expired = append(expired, *msg)
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
	return expired
}

// RetryFailed puts every failed entry back at the end of the ledger with a
// fresh retry budget and age.
func (l *Ledger) RetryFailed() []PendingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	requeued := make([]PendingMessage, 0, len(l.failed))
	for _, msg := range l.failed {
		msg.RetryCount = 0
		msg.CreatedAt = now
		m := msg
		l.entries[m.MessageID] = &m
		l.order = append(l.order, m.MessageID)
		requeued = append(requeued, m)
	}
	l.failed = nil
	return requeued
}

// Clear drops pending and failed entries and returns the pending IDs.
func (l *Ledger) Clear() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.order
	l.order = nil
	l.entries = make(map[string]*PendingMessage)
	l.sent = make(map[string]bool)
	l.failed = nil
	return ids
}

func (l *Ledger) remove(id string) {
	delete(l.entries, id)
	delete(l.sent, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
