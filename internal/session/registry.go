// Package session owns pairing sessions: invitation codes, device slots and
// the presence of each device.
//
// A Registry keeps two maps (code → session, session id → session) behind a
// registry-wide RWMutex that is only held for map access. Every session has
// its own mutex guarding its device slots, so operations on different
// sessions never contend. Lock order is registry → session → connection
// index; nothing acquires the registry lock while holding a session lock.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

// DefaultStaleAfter is how long a device slot may go without activity
// before it can be reclaimed.
const DefaultStaleAfter = 5 * time.Minute

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	MaxDevices int
	StaleAfter time.Duration
	Now        func() time.Time
	NewCode    func() string
	NewID      func() string
}

func (o Options) withDefaults() Options {
	if o.MaxDevices <= 0 {
		o.MaxDevices = model.MaxDevicesPerSession
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewCode == nil {
		o.NewCode = GenerateCode
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// ReclaimFunc is called, outside any registry lock, for every slot removed
// because it went stale.
type ReclaimFunc func(ref model.DeviceRef, wasOnline bool)

type Registry struct {
	opts Options

	mu        sync.RWMutex
	sessions  map[string]*pairingSession
	codes     map[string]string
	onReclaim ReclaimFunc

	// connMu guards the reverse index from connection handle to device.
	connMu sync.Mutex
	conns  map[string]model.DeviceRef
}

type pairingSession struct {
	mu        sync.Mutex
	id        string
	code      string
	createdAt time.Time
	devices   []*deviceSlot
	closed    bool
}

type deviceSlot struct {
	id           string
	handle       string
	online       bool
	lastActivity time.Time
	joinedAt     time.Time
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*pairingSession),
		codes:    make(map[string]string),
		conns:    make(map[string]model.DeviceRef),
	}
}

// OnReclaim registers the callback for stale slots removed during
// authentication. Call before the registry is shared.
func (r *Registry) OnReclaim(fn ReclaimFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReclaim = fn
}

// StaleAfter returns the configured device staleness window.
func (r *Registry) StaleAfter() time.Duration {
	return r.opts.StaleAfter
}

// IssueCode creates an empty session bound to a fresh invitation code.
func (r *Registry) IssueCode() (code string, sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempts := 0; attempts < maxCodeAttempts; attempts++ {
		candidate := NormalizeCode(r.opts.NewCode())
		if candidate == "" {
			continue
		}
		if _, taken := r.codes[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		return "", "", fmt.Errorf("generate invitation code: no free code after %d attempts", maxCodeAttempts)
	}

	s := &pairingSession{
		id:        r.opts.NewID(),
		code:      code,
		createdAt: r.opts.Now(),
	}
	r.sessions[s.id] = s
	r.codes[code] = s.id

	log.Info().
		Str("sessionId", s.id).
		Int("liveSessions", len(r.sessions)).
		Msg("invitation code issued")

	return code, s.id, nil
}

// Authenticate claims a device slot in the session bound to code.
func (r *Registry) Authenticate(code string) (sessionID string, deviceID string, err error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return "", "", apperrors.InvalidCode()
	}

	r.mu.RLock()
	s := r.sessions[r.codes[normalized]]
	onReclaim := r.onReclaim
	r.mu.RUnlock()

	if s == nil {
		return "", "", apperrors.InvalidCode()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", "", apperrors.InvalidCode()
	}

	now := r.opts.Now()
	reclaimed := s.removeStale(now.Add(-r.opts.StaleAfter))
	r.dropHandles(s.id, reclaimed)

	if len(s.devices) >= r.opts.MaxDevices {
		s.mu.Unlock()
		r.notifyReclaimed(onReclaim, s.id, reclaimed)
		return "", "", apperrors.SessionFull()
	}

	slot := &deviceSlot{
		id:           r.opts.NewID(),
		lastActivity: now,
		joinedAt:     now,
	}
	s.devices = append(s.devices, slot)
	count := len(s.devices)
	s.mu.Unlock()

	r.notifyReclaimed(onReclaim, s.id, reclaimed)

	log.Info().
		Str("sessionId", s.id).
		Str("deviceId", slot.id).
		Int("deviceCount", count).
		Msg("device authenticated")

	return s.id, slot.id, nil
}

// ExpireIfUnused removes the session and its code only if no device slot is
// occupied. The check and the removal happen under the session lock, and
// Authenticate refuses closed sessions, so an occupied session is never
// expired.
func (r *Registry) ExpireIfUnused(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.devices) > 0 {
		return false
	}

	s.closed = true
	delete(r.sessions, sessionID)
	if r.codes[s.code] == sessionID {
		delete(r.codes, s.code)
	}
	return true
}

// RemoveDevice frees a slot on explicit disconnect.
func (r *Registry) RemoveDevice(sessionID, deviceID string) bool {
	s := r.session(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, slot := range s.devices {
		if slot.id != deviceID {
			continue
		}
		s.devices = append(s.devices[:i], s.devices[i+1:]...)
		r.dropHandles(sessionID, []*deviceSlot{slot})
		return true
	}
	return false
}

// RemoveStaleDevice removes the slot only if it is still inactive since
// staleBefore. It returns the removed slot.
func (r *Registry) RemoveStaleDevice(sessionID, deviceID string, staleBefore time.Time) (model.DeviceSlot, bool) {
	s := r.session(sessionID)
	if s == nil {
		return model.DeviceSlot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, slot := range s.devices {
		if slot.id != deviceID {
			continue
		}
		if !slot.lastActivity.Before(staleBefore) {
			return model.DeviceSlot{}, false
		}
		s.devices = append(s.devices[:i], s.devices[i+1:]...)
		r.dropHandles(sessionID, []*deviceSlot{slot})
		return slot.snapshot(), true
	}
	return model.DeviceSlot{}, false
}

// Session returns a snapshot of one session.
func (r *Registry) Session(sessionID string) (model.SessionSnapshot, bool) {
	s := r.session(sessionID)
	if s == nil {
		return model.SessionSnapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.SessionSnapshot{}, false
	}
	return s.snapshot(), true
}

// Devices returns every occupied slot of a session, online or not.
func (r *Registry) Devices(sessionID string) ([]model.DeviceSlot, bool) {
	snap, ok := r.Session(sessionID)
	if !ok {
		return nil, false
	}
	return snap.Devices, true
}

// HasDevice reports whether deviceID occupies a slot in the session.
func (r *Registry) HasDevice(sessionID, deviceID string) bool {
	s := r.session(sessionID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.find(deviceID) != nil
}

// Snapshot copies every live session. Used by the sweeper.
func (r *Registry) Snapshot() []model.SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*pairingSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snapshots := make([]model.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if !s.closed {
			snapshots = append(snapshots, s.snapshot())
		}
		s.mu.Unlock()
	}
	return snapshots
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) session(sessionID string) *pairingSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// dropHandles removes reverse-index entries of removed slots. Callers hold
// the session lock.
func (r *Registry) dropHandles(sessionID string, slots []*deviceSlot) {
	if len(slots) == 0 {
		return
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()

	for _, slot := range slots {
		if slot.handle == "" {
			continue
		}
		if ref, ok := r.conns[slot.handle]; ok && ref.SessionID == sessionID && ref.DeviceID == slot.id {
			delete(r.conns, slot.handle)
		}
	}
}

func (r *Registry) notifyReclaimed(fn ReclaimFunc, sessionID string, slots []*deviceSlot) {
	for _, slot := range slots {
		log.Info().
			Str("sessionId", sessionID).
			Str("deviceId", slot.id).
			Bool("wasOnline", slot.online).
			Msg("stale device slot reclaimed")
		if fn != nil {
			fn(model.DeviceRef{SessionID: sessionID, DeviceID: slot.id}, slot.online)
		}
	}
}

func (s *pairingSession) find(deviceID string) *deviceSlot {
	for _, slot := range s.devices {
		if slot.id == deviceID {
			return slot
		}
	}
	return nil
}

// removeStale drops slots inactive since cutoff and returns them.
func (s *pairingSession) removeStale(cutoff time.Time) []*deviceSlot {
	var removed []*deviceSlot
	kept := s.devices[:0]
	for _, slot := range s.devices {
		if slot.lastActivity.Before(cutoff) {
			removed = append(removed, slot)
			continue
		}
		kept = append(kept, slot)
	}
	for i := len(kept); i < len(s.devices); i++ {
		s.devices[i] = nil
	}
	s.devices = kept
	return removed
}

func (s *pairingSession) snapshot() model.SessionSnapshot {
	devices := make([]model.DeviceSlot, 0, len(s.devices))
	for _, slot := range s.devices {
		devices = append(devices, slot.snapshot())
	}
	return model.SessionSnapshot{
		ID:             s.id,
		InvitationCode: s.code,
		CreatedAt:      s.createdAt,
		Devices:        devices,
	}
}

func (d *deviceSlot) snapshot() model.DeviceSlot {
	return model.DeviceSlot{
		DeviceID:         d.id,
		ConnectionHandle: d.handle,
		LastActivityAt:   d.lastActivity,
		Online:           d.online,
		JoinedAt:         d.joinedAt,
	}
}
