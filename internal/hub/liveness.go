package hub

import (
	"context"
	"time"

	"tradepulse/logger"
)

// supervisor keeps sessions honest. On every ping interval it sends a
// transport-level ping to each session and evicts any session whose
// last heartbeat is older than the liveness timeout. Evicted sessions
// go through the normal disconnect path, so channel membership and
// registry state stay consistent.
type supervisor struct {
	hub          *Hub
	pingInterval time.Duration
	timeout      time.Duration
	log          *logger.Entry
}

func newSupervisor(h *Hub, pingInterval, timeout time.Duration, log *logger.Entry) *supervisor {
	return &supervisor{
		hub:          h,
		pingInterval: pingInterval,
		timeout:      timeout,
		log:          log,
	}
}

func (sv *supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.sweep()
		}
	}
}

func (sv *supervisor) sweep() {
	deadline := time.Now().Add(-sv.timeout)

	for _, session := range sv.hub.registry.Snapshot() {
		if session.LastHeartbeat().Before(deadline) {
			sv.log.WithFields(logger.Fields{
				"session_id": session.ID,
				"user_id":    session.UserID,
			}).Warn("session missed liveness deadline, evicting")
			sv.hub.Disconnect(session, "liveness timeout")
			continue
		}

		if err := session.Ping(); err != nil {
			sv.log.WithFields(logger.Fields{
				"session_id": session.ID,
			}).WithError(err).Debug("ping failed")
		}
	}
}
