// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"sync"

	"github.com/pkg/errors"
)

// Signal names one invalidation category. Every keyed read accessor on the
// Store is declared against exactly one Signal; a fired Signal means any
// value read through its accessors before the fire may be stale.
type Signal int

const (
	SignalRoomList Signal = iota
	SignalMessage
	SignalRedaction
	SignalRoomType
	SignalRoomPhase
	SignalRoomActive
	SignalReadReceipt
	SignalUnreadTotal
	SignalRoomSummary
	SignalPresence
	SignalSyncComplete

	numSignals
)

var signalNames = [numSignals]string{
	"room_list",
	"message",
	"redaction",
	"room_type",
	"room_phase",
	"room_active",
	"read_receipt",
	"unread_total",
	"room_summary",
	"presence",
	"sync_complete",
}

func (s Signal) String() string {
	if s < 0 || s >= numSignals {
		return "unknown"
	}
	return signalNames[s]
}

// ErrReentrantMutation is returned when a signal subscriber calls back into
// a store mutation while the mutation that fired the signal is still on the
// stack. Subscribers must defer mutations to a later turn.
var ErrReentrantMutation = errors.New("state: store mutation re-entered from a signal subscriber")

// Notifier fans invalidation signals out to subscribers. Delivery is
// synchronous, within the same turn as the mutation that produced the
// signal, and in subscription order.
type Notifier struct {
	mu   sync.Mutex
	subs [numSignals][]func(Signal)
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn for one signal. There is no unsubscribe; observers
// live as long as the store they watch.
func (n *Notifier) Subscribe(sig Signal, fn func(Signal)) {
	if sig < 0 || sig >= numSignals {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[sig] = append(n.subs[sig], fn)
}

func (n *Notifier) fire(sig Signal) {
	n.mu.Lock()
	fns := n.subs[sig]
	n.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}
