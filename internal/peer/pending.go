package peer

import (
	"slices"

	"github.com/pairlink/relay-server-go/internal/model"
)

// MaxPendingSignals bounds the signals held per remote device while its
// negotiation context does not exist yet.
const MaxPendingSignals = 64

// PendingBuffer queues negotiation signals that arrive before the local
// link for their sender exists. It is owned by one goroutine and takes no
// locks.
type PendingBuffer struct {
	max    int
	queues map[string][]model.Signal
}

func NewPendingBuffer(max int) *PendingBuffer {
	if max <= 0 {
		max = MaxPendingSignals
	}
	return &PendingBuffer{
		max:    max,
		queues: make(map[string][]model.Signal),
	}
}

// Push appends sig to the sender's queue. When the queue is full the oldest
// candidate is dropped, or the oldest signal when no candidate is queued,
// and Push reports true.
func (b *PendingBuffer) Push(sig model.Signal) (dropped bool) {
	q := b.queues[sig.SenderDeviceID]
	if len(q) >= b.max {
		victim := slices.IndexFunc(q, func(s model.Signal) bool {
			return s.Kind == model.SignalCandidate
		})
		if victim < 0 {
			victim = 0
		}
		q = slices.Delete(q, victim, victim+1)
		dropped = true
	}
	b.queues[sig.SenderDeviceID] = append(q, sig)
	return dropped
}

// Drain returns and forgets every queued signal from peerID, oldest first.
func (b *PendingBuffer) Drain(peerID string) []model.Signal {
	q := b.queues[peerID]
	delete(b.queues, peerID)
	return q
}

// Discard drops the queue of peerID.
func (b *PendingBuffer) Discard(peerID string) {
	delete(b.queues, peerID)
}

// Reset drops every queue.
func (b *PendingBuffer) Reset() {
	clear(b.queues)
}

func (b *PendingBuffer) Len(peerID string) int {
	return len(b.queues[peerID])
}
