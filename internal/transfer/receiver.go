package transfer

import (
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

const (
	// DefaultCompletionGrace is how long a transfer may still miss chunks
	// after the sender declared it complete.
	DefaultCompletionGrace = 5 * time.Second
	// DefaultIdleTimeout aborts transfers that stop receiving chunks.
	DefaultIdleTimeout = 2 * time.Minute

	maxClosedIDs = 1024
)

type ReceiverOptions struct {
	CompletionGrace time.Duration
	IdleTimeout     time.Duration
	Now             func() time.Time
}

// Progress is recomputed on every accepted chunk.
type Progress struct {
	TransferID    string
	Received      int
	Total         int
	ReceivedBytes int64
	Percent       float64
}

// Completed is a fully reassembled transfer.
type Completed struct {
	TransferID string
	Meta       *model.FileMetadata
	Data       []byte
}

// Transfer is an in-progress reassembly.
type Transfer struct {
	ID            string
	Meta          *model.FileMetadata
	Total         int
	chunks        map[int][]byte
	receivedBytes int64
	lastActivity  time.Time
	// closingSince is set once the sender declared the transfer complete
	// while chunks were still missing.
	closingSince time.Time
}

func (t *Transfer) progress() Progress {
	p := Progress{
		TransferID:    t.ID,
		Received:      len(t.chunks),
		Total:         t.Total,
		ReceivedBytes: t.receivedBytes,
	}
	switch {
	case t.Meta != nil && t.Meta.FileSize > 0:
		p.Percent = min(100, float64(t.receivedBytes)*100/float64(t.Meta.FileSize))
	case t.Total > 0:
		p.Percent = float64(len(t.chunks)) * 100 / float64(t.Total)
	}
	return p
}

func (t *Transfer) covered() bool {
	return t.Total > 0 && len(t.chunks) == t.Total
}

// Receiver reassembles inbound transfers. Chunks may arrive out of order and
// more than once. A transfer completes exactly once, when every index in
// [0,total) is present, and is released at that point. Once completed or
// aborted, a transfer id is remembered and later frames for it are dropped.
//
// A Receiver is owned by a single goroutine.
type Receiver struct {
	opts      ReceiverOptions
	transfers map[string]*Transfer
	completed *idSet
	aborted   *idSet
}

func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.CompletionGrace <= 0 {
		opts.CompletionGrace = DefaultCompletionGrace
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Receiver{
		opts:      opts,
		transfers: make(map[string]*Transfer),
		completed: newIDSet(maxClosedIDs),
		aborted:   newIDSet(maxClosedIDs),
	}
}

// Begin registers file metadata ahead of its chunks.
func (r *Receiver) Begin(meta model.FileMetadata) {
	if r.closed(meta.FileID) {
		return
	}
	t := r.transfer(meta.FileID)
	t.Meta = &meta
}

// Accept stores one chunk. It returns the completed transfer when this chunk
// filled the last gap. Chunks of an already completed transfer report full
// progress; chunks of an aborted one return a zero Progress.
func (r *Receiver) Accept(chunk model.FileChunk) (Progress, *Completed, error) {
	if chunk.FileID == "" {
		return Progress{}, nil, apperrors.MissingRequired("transferId")
	}
	if r.completed.has(chunk.FileID) {
		return Progress{TransferID: chunk.FileID, Received: chunk.TotalChunks, Total: chunk.TotalChunks, Percent: 100}, nil, nil
	}
	if r.aborted.has(chunk.FileID) {
		return Progress{}, nil, nil
	}
	if chunk.TotalChunks <= 0 || chunk.ChunkIndex < 0 || chunk.ChunkIndex >= chunk.TotalChunks {
		return Progress{}, nil, apperrors.InvalidInput("chunk", "index out of range")
	}

	t := r.transfer(chunk.FileID)
	if t.Total == 0 {
		t.Total = chunk.TotalChunks
	}
	if t.Total != chunk.TotalChunks {
		r.Abort(chunk.FileID)
		return Progress{}, nil, apperrors.TransferAborted(chunk.FileID, "inconsistent chunk count")
	}

	t.lastActivity = r.opts.Now()
	if _, dup := t.chunks[chunk.ChunkIndex]; !dup {
		data := make([]byte, len(chunk.Data))
		copy(data, chunk.Data)
		t.chunks[chunk.ChunkIndex] = data
		t.receivedBytes += int64(len(data))
	}

	progress := t.progress()
	if !t.covered() {
		return progress, nil, nil
	}
	return progress, r.finish(t), nil
}

// Complete handles the sender's explicit completion signal. With every chunk
// present the transfer completes; otherwise it gets a grace period for late
// chunks before Expire aborts it. Completing twice is a no-op, as is
// completing a transfer that was aborted or never seen.
func (r *Receiver) Complete(transferID string) (*Completed, error) {
	t, ok := r.transfers[transferID]
	if !ok {
		if !r.closed(transferID) {
			log.Debug().Str("transferId", transferID).Msg("completion for unknown transfer")
		}
		return nil, nil
	}
	if t.covered() {
		return r.finish(t), nil
	}
	if t.closingSince.IsZero() {
		t.closingSince = r.opts.Now()
	}
	return nil, nil
}

// Abort drops an in-progress transfer. Nothing is delivered for it.
func (r *Receiver) Abort(transferID string) bool {
	if _, ok := r.transfers[transferID]; !ok {
		return false
	}
	delete(r.transfers, transferID)
	r.aborted.add(transferID)
	return true
}

// Expire aborts transfers whose completion grace ran out or that went idle,
// and returns the errors describing them.
func (r *Receiver) Expire(now time.Time) []error {
	var aborted []error
	for id, t := range r.transfers {
		var reason string
		switch {
		case !t.closingSince.IsZero() && now.Sub(t.closingSince) >= r.opts.CompletionGrace:
			reason = "chunks missing after completion"
		case now.Sub(t.lastActivity) >= r.opts.IdleTimeout:
			reason = "no chunks received"
		default:
			continue
		}

		log.Warn().
			Str("transferId", id).
			Int("received", len(t.chunks)).
			Int("total", t.Total).
			Str("reason", reason).
			Msg("transfer aborted")

		delete(r.transfers, id)
		r.aborted.add(id)
		aborted = append(aborted, apperrors.TransferAborted(id, reason).WithDetails(map[string]string{"transferId": id}))
	}
	return aborted
}

// Reset drops every in-progress transfer. Used on session teardown.
func (r *Receiver) Reset() {
	clear(r.transfers)
}

// Active returns the number of in-progress transfers.
func (r *Receiver) Active() int {
	return len(r.transfers)
}

func (r *Receiver) transfer(id string) *Transfer {
	t, ok := r.transfers[id]
	if !ok {
		t = &Transfer{
			ID:           id,
			chunks:       make(map[int][]byte),
			lastActivity: r.opts.Now(),
		}
		r.transfers[id] = t
	}
	return t
}

func (r *Receiver) finish(t *Transfer) *Completed {
	data := make([]byte, 0, t.receivedBytes)
	for i := 0; i < t.Total; i++ {
		data = append(data, t.chunks[i]...)
	}

	delete(r.transfers, t.ID)
	r.completed.add(t.ID)

	return &Completed{
		TransferID: t.ID,
		Meta:       t.Meta,
		Data:       data,
	}
}

func (r *Receiver) closed(id string) bool {
	return r.completed.has(id) || r.aborted.has(id)
}

// idSet remembers the most recent ids up to a bound.
type idSet struct {
	max   int
	ids   map[string]struct{}
	order []string
}

func newIDSet(max int) *idSet {
	return &idSet{max: max, ids: make(map[string]struct{})}
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) add(id string) {
	if s.has(id) {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}
