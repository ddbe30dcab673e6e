package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierDeliversInSubscriptionOrder(t *testing.T) {
	n := NewNotifier()

	var order []int
	n.Subscribe(SignalMessage, func(Signal) { order = append(order, 1) })
	n.Subscribe(SignalMessage, func(Signal) { order = append(order, 2) })
	n.Subscribe(SignalRoomList, func(Signal) { order = append(order, 3) })

	n.fire(SignalMessage)
	assert.Equal(t, []int{1, 2}, order, "only the fired signal's subscribers run, in order")

	n.fire(SignalRoomList)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestNotifierPassesTheSignal(t *testing.T) {
	n := NewNotifier()

	var got Signal
	n.Subscribe(SignalRedaction, func(sig Signal) { got = sig })
	n.fire(SignalRedaction)
	assert.Equal(t, SignalRedaction, got)
}

func TestNotifierIgnoresOutOfRangeSubscribe(t *testing.T) {
	n := NewNotifier()
	n.Subscribe(Signal(-1), func(Signal) { t.Fatal("must never run") })
	n.Subscribe(numSignals, func(Signal) { t.Fatal("must never run") })
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "room_list", SignalRoomList.String())
	assert.Equal(t, "sync_complete", SignalSyncComplete.String())
	assert.Equal(t, "unknown", Signal(99).String())
}
