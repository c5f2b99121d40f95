package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/audit"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/session"
)

// PresenceNotifier is told about slots and sessions the sweeper removed.
type PresenceNotifier interface {
	DeviceRemoved(ctx context.Context, ref model.DeviceRef, wasOnline bool)
	SessionExpired(ctx context.Context, sessionID string)
}

// ReportPurger deletes stored connection reports.
type ReportPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SweeperConfig struct {
	Interval         time.Duration
	UnusedSessionTTL time.Duration
	DeviceStaleAfter time.Duration
	ReportRetention  time.Duration
	Now              func() time.Time
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	ExpiredSessions int
	RemovedDevices  int
}

// Sweeper periodically expires unused sessions and reclaims stale device
// slots. Every removal goes through the registry's guarded operations, so a
// sweep racing with authentication never removes an occupied session.
type Sweeper struct {
	registry *session.Registry
	notifier PresenceNotifier
	reports  ReportPurger
	cfg      SweeperConfig

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. notifier and reports may be nil.
func NewSweeper(registry *session.Registry, notifier PresenceNotifier, reports ReportPurger, cfg SweeperConfig) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DeviceStaleAfter <= 0 {
		cfg.DeviceStaleAfter = registry.StaleAfter()
	}
	return &Sweeper{
		registry: registry,
		notifier: notifier,
		reports:  reports,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("unusedSessionTTL", s.cfg.UnusedSessionTTL).
		Dur("deviceStaleAfter", s.cfg.DeviceStaleAfter).
		Msg("expiration sweeper started")
}

// Stop halts the sweeper and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	log.Info().Msg("expiration sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures are logged and the pass moves on.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	now := s.cfg.Now()
	staleBefore := now.Add(-s.cfg.DeviceStaleAfter)

	for _, snap := range s.registry.Snapshot() {
		if !snap.HasDevices() {
			if now.Sub(snap.CreatedAt) < s.cfg.UnusedSessionTTL {
				continue
			}
			if s.registry.ExpireIfUnused(snap.ID) {
				result.ExpiredSessions++
				s.sessionExpired(ctx, snap)
			}
			continue
		}

		for _, device := range snap.Devices {
			if !device.LastActivityAt.Before(staleBefore) {
				continue
			}
			removed, ok := s.registry.RemoveStaleDevice(snap.ID, device.DeviceID, staleBefore)
			if !ok {
				continue
			}
			result.RemovedDevices++

			log.Info().
				Str("sessionId", snap.ID).
				Str("deviceId", removed.DeviceID).
				Time("lastActivity", removed.LastActivityAt).
				Msg("stale device removed")

			if s.notifier != nil {
				s.notifier.DeviceRemoved(ctx, model.DeviceRef{SessionID: snap.ID, DeviceID: removed.DeviceID}, removed.Online)
			}
		}
	}

	if s.reports != nil && s.cfg.ReportRetention > 0 {
		s.runCleanup(ctx, "connection reports", func(ctx context.Context) (int64, error) {
			return s.reports.DeleteOlderThan(ctx, now.Add(-s.cfg.ReportRetention))
		})
	}

	if result.ExpiredSessions > 0 || result.RemovedDevices > 0 {
		log.Info().
			Int("expiredSessions", result.ExpiredSessions).
			Int("removedDevices", result.RemovedDevices).
			Int("liveSessions", s.registry.Count()).
			Msg("sweep completed")
	}

	return result
}

func (s *Sweeper) sessionExpired(ctx context.Context, snap model.SessionSnapshot) {
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionExpired,
		SessionID: snap.ID,
		Details:   map[string]interface{}{"ageSeconds": int64(s.cfg.Now().Sub(snap.CreatedAt).Seconds())},
	})
	if s.notifier != nil {
		s.notifier.SessionExpired(ctx, snap.ID)
	}
}

func (s *Sweeper) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
