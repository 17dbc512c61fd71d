package dispatch

import (
	"sync"

	"github.com/MarcoPoloResearchLab/hive/internal/records"
)

// Receipt reports what the dispatcher did with one acknowledged message.
type Receipt struct {
	MessageID string
	Outcome   string
	// Record is the stored record for commands and notifications.
	Record records.Record
	// AppliedFields lists the fields a command update changed; empty, not nil, for a no-op.
	AppliedFields []string
	// Err is set when the message was acknowledged without effect: rejected input or an unknown command.
	Err error
}

// Receipts hands dispatch results back to the callers that published the
// messages. Only messages handled by this process produce a receipt.
type Receipts struct {
	mu      sync.Mutex
	waiting map[string]chan Receipt
}

// NewReceipts constructs an empty receipt book.
func NewReceipts() *Receipts {
	return &Receipts{waiting: make(map[string]chan Receipt)}
}

// Expect registers interest in messageID. Call it before publishing; the
// returned cancel forgets the interest and must always be called.
func (r *Receipts) Expect(messageID string) (<-chan Receipt, func()) {
	ch := make(chan Receipt, 1)
	r.mu.Lock()
	r.waiting[messageID] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		if r.waiting[messageID] == ch {
			delete(r.waiting, messageID)
		}
		r.mu.Unlock()
	}
}

// Pending reports how many receipts are still expected.
func (r *Receipts) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

func (r *Receipts) deliver(receipt Receipt) {
	if r == nil || receipt.MessageID == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.waiting[receipt.MessageID]
	delete(r.waiting, receipt.MessageID)
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- receipt:
	default:
	}
}
