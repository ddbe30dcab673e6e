// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"time"
)

// PresenceEstimator derives a best-effort "last seen" time per user from
// message timestamps, read-receipt timestamps and explicit presence events.
// It is an explicitly named heuristic, not authoritative presence.
//
// Invariant: the estimate for a user is monotonic non-decreasing. Observe
// never moves a user's last-seen time backwards.
type PresenceEstimator struct {
	lastSeen map[string]int64
}

// NewPresenceEstimator returns an empty estimator.
func NewPresenceEstimator() *PresenceEstimator {
	return &PresenceEstimator{lastSeen: map[string]int64{}}
}

// Observe folds a timestamp into the estimate for userID. It returns true
// when the estimate advanced.
func (p *PresenceEstimator) Observe(userID string, timestampMS int64) bool {
	if userID == "" {
		return false
	}
	if timestampMS <= p.lastSeen[userID] {
		return false
	}
	p.lastSeen[userID] = timestampMS
	return true
}

// LastSeen returns the estimate for userID in milliseconds, or 0 when the
// user has never been observed.
func (p *PresenceEstimator) LastSeen(userID string) int64 {
	return p.lastSeen[userID]
}

// SeenWithin reports whether userID was observed within window of now.
func (p *PresenceEstimator) SeenWithin(userID string, now time.Time, window time.Duration) bool {
	ts := p.lastSeen[userID]
	if ts == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(ts)) < window
}

func (p *PresenceEstimator) snapshot() map[string]int64 {
	out := make(map[string]int64, len(p.lastSeen))
	for k, v := range p.lastSeen {
		out[k] = v
	}
	return out
}

func (p *PresenceEstimator) restore(lastSeen map[string]int64) {
	p.lastSeen = map[string]int64{}
	for k, v := range lastSeen {
		p.lastSeen[k] = v
	}
}
