package eventutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palaver-im/palaver/types"
)

func rawEvent(id, evType string, ts int64) types.RawEvent {
	return types.RawEvent{
		EventID:        id,
		Type:           evType,
		Sender:         "@bob:test.org",
		Content:        json.RawMessage(`{"msgtype":"m.text","body":"hi"}`),
		OriginServerTS: ts,
	}
}

func memberEvent(id string, membership, prevMembership types.Membership) types.RawEvent {
	key := "@bob:test.org"
	ev := types.RawEvent{
		EventID:  id,
		Type:     types.MRoomMember,
		Sender:   "@bob:test.org",
		StateKey: &key,
		Content:  json.RawMessage(`{"membership":"` + string(membership) + `"}`),
	}
	if prevMembership != "" {
		ev.Unsigned = &types.Unsigned{
			PrevContent: json.RawMessage(`{"membership":"` + string(prevMembership) + `"}`),
		}
	}
	return ev
}

func TestInclude(t *testing.T) {
	nameChange := rawEvent("$n", types.MRoomName, 0)
	nameChange.Unsigned = &types.Unsigned{PrevContent: json.RawMessage(`{"name":"old"}`)}
	nameInitial := rawEvent("$n", types.MRoomName, 0)

	tests := []struct {
		name     string
		event    types.RawEvent
		roomType types.RoomType
		want     bool
	}{
		{"message in group", rawEvent("$m", types.MRoomMessage, 0), types.RoomTypeGroup, true},
		{"message in community", rawEvent("$m", types.MRoomMessage, 0), types.RoomTypeCommunity, true},
		{"encrypted", rawEvent("$e", types.MRoomEncrypted, 0), types.RoomTypeDirect, true},
		{"redaction", rawEvent("$r", types.MRoomRedaction, 0), types.RoomTypeGroup, true},
		{"member in group", memberEvent("$j", types.MembershipJoin, ""), types.RoomTypeGroup, true},
		{"member in community", memberEvent("$j", types.MembershipJoin, ""), types.RoomTypeCommunity, false},
		{"no-op membership transition", memberEvent("$j", types.MembershipJoin, types.MembershipJoin), types.RoomTypeGroup, false},
		{"real membership transition", memberEvent("$j", types.MembershipJoin, types.MembershipInvite), types.RoomTypeGroup, true},
		{"name change", nameChange, types.RoomTypeGroup, true},
		{"initial name is not news", nameInitial, types.RoomTypeGroup, false},
		{"name change in notepad", nameChange, types.RoomTypeNotepad, false},
		{"unknown type", rawEvent("$x", "m.room.pinned_events", 0), types.RoomTypeGroup, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := tc.event
			assert.Equal(t, tc.want, Include(&ev, tc.roomType))
		})
	}
}

func TestNormalizeMarksDayBoundaries(t *testing.T) {
	day := func(y int, m time.Month, d, hour int) int64 {
		return time.Date(y, m, d, hour, 0, 0, 0, time.UTC).UnixMilli()
	}

	// Newest first: two events on the 30th, one on the 29th.
	events := []types.RawEvent{
		rawEvent("$c", types.MRoomMessage, day(2025, 8, 30, 15)),
		rawEvent("$b", types.MRoomMessage, day(2025, 8, 30, 9)),
		rawEvent("$a", types.MRoomMessage, day(2025, 8, 29, 22)),
	}

	out := Normalize(events, types.RoomTypeGroup, 0)
	require.Len(t, out, 3)
	assert.True(t, out[0].DateChange, "newest event opens its day")
	assert.False(t, out[1].DateChange, "same day as its successor")
	assert.True(t, out[2].DateChange, "crossed into the 29th")
}

func TestNormalizeSeedsDayCursorFromReference(t *testing.T) {
	ts := time.Date(2025, 8, 30, 9, 0, 0, 0, time.UTC).UnixMilli()
	ref := time.Date(2025, 8, 30, 15, 0, 0, 0, time.UTC).UnixMilli()

	out := Normalize([]types.RawEvent{rawEvent("$a", types.MRoomMessage, ts)}, types.RoomTypeGroup, ref)
	require.Len(t, out, 1)
	assert.False(t, out[0].DateChange, "continues the reference day")
}

func TestNormalizeCollapsesDuplicateDeliveries(t *testing.T) {
	ev := rawEvent("$dup", types.MRoomMessage, 1000)
	out := Normalize([]types.RawEvent{ev, ev, rawEvent("$other", types.MRoomMessage, 900)}, types.RoomTypeGroup, 0)

	require.Len(t, out, 2)
	assert.Equal(t, "$dup", out[0].EventID)
	assert.Equal(t, "$other", out[1].EventID)
}

func TestNormalizeMarksRedactedAndEdited(t *testing.T) {
	redacted := rawEvent("$gone", types.MRoomMessage, 1000)
	redacted.Redacted = true

	emptied := rawEvent("$empty", types.MRoomMessage, 900)
	emptied.Content = json.RawMessage(`{}`)

	edited := rawEvent("$edited", types.MRoomMessage, 800)
	edited.Unsigned = &types.Unsigned{
		Relations: json.RawMessage(`{"m.replace":{"event_id":"$new"}}`),
	}

	out := Normalize([]types.RawEvent{redacted, emptied, edited}, types.RoomTypeGroup, 0)
	require.Len(t, out, 3)
	assert.True(t, out[0].IsRedacted, "locally marked")
	assert.True(t, out[1].IsRedacted, "server stripped the content")
	assert.False(t, out[2].IsRedacted)
	assert.True(t, out[2].IsEdited)
}

func TestReversed(t *testing.T) {
	in := []types.RawEvent{
		rawEvent("$a", types.MRoomMessage, 1),
		rawEvent("$b", types.MRoomMessage, 2),
	}
	out := Reversed(in)
	require.Len(t, out, 2)
	assert.Equal(t, "$b", out[0].EventID)
	assert.Equal(t, "$a", out[1].EventID)
	assert.Equal(t, "$a", in[0].EventID, "input untouched")
}
