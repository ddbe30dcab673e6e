package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palaver-im/palaver/types"
)

var testNow = time.Date(2025, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return NewStore(Options{
		UserID: "@alice:test.org",
		Now:    func() time.Time { return testNow },
	})
}

// ============================================================================
// Payload builders.
// ============================================================================

func mkMessage(id, sender, body string, ts int64) types.RawEvent {
	return types.RawEvent{
		EventID:        id,
		Type:           types.MRoomMessage,
		Sender:         sender,
		Content:        json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)),
		OriginServerTS: ts,
	}
}

func mkMember(userID string, membership types.Membership, displayName string, ts int64) types.RawEvent {
	key := userID
	return types.RawEvent{
		EventID:        "$member-" + userID + fmt.Sprint(ts),
		Type:           types.MRoomMember,
		Sender:         userID,
		StateKey:       &key,
		Content:        json.RawMessage(fmt.Sprintf(`{"membership":%q,"displayname":%q}`, membership, displayName)),
		OriginServerTS: ts,
	}
}

func mkStateEvent(evType, content string) types.RawEvent {
	key := ""
	return types.RawEvent{
		EventID:  "$state-" + evType,
		Type:     evType,
		StateKey: &key,
		Content:  json.RawMessage(content),
	}
}

func mkRedaction(id, target string, ts int64) types.RawEvent {
	return types.RawEvent{
		EventID:        id,
		Type:           types.MRoomRedaction,
		Sender:         "@bob:test.org",
		Redacts:        target,
		Content:        json.RawMessage(`{}`),
		OriginServerTS: ts,
	}
}

func mkReceipt(eventID, userID string, ts int64) types.RawEvent {
	return types.RawEvent{
		Type: types.MReceipt,
		Content: json.RawMessage(fmt.Sprintf(
			`{%q:{"m.read":{%q:{"ts":%d}}}}`, eventID, userID, ts,
		)),
	}
}

func joinPayload(roomID string, data types.RoomData) *types.SyncPayload {
	return &types.SyncPayload{
		NextBatch: "token",
		Rooms: &types.RoomsSection{
			Join: map[string]types.RoomData{roomID: data},
		},
	}
}

// ============================================================================
// Bootstrap.
// ============================================================================

func TestApplyInitialSnapshot(t *testing.T) {
	s := newTestStore()

	payload := &types.SyncPayload{
		NextBatch: "s1",
		AccountData: &types.EventList{Events: []types.RawEvent{{
			Type:    types.MDirect,
			Content: json.RawMessage(`{"@bob:test.org":["!direct:test.org"]}`),
		}}},
		Rooms: &types.RoomsSection{
			Invite: map[string]types.RoomData{
				"!invited:test.org": {
					InviteState: types.EventList{Events: []types.RawEvent{
						mkMember("@carol:test.org", types.MembershipJoin, "Carol", 100),
					}},
				},
			},
			Join: map[string]types.RoomData{
				"!direct:test.org": {
					State: types.EventList{Events: []types.RawEvent{
						mkMember("@alice:test.org", types.MembershipJoin, "Alice", 100),
						mkMember("@bob:test.org", types.MembershipJoin, "Bob", 100),
					}},
				},
				"!group:test.org": {
					State: types.EventList{Events: []types.RawEvent{
						mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
					}},
				},
				"!community:test.org": {
					State: types.EventList{Events: []types.RawEvent{
						mkStateEvent(types.MRoomJoinRules, `{"join_rule":"public"}`),
						mkStateEvent(types.MRoomCanonicalAlias, `{"alias":"#town:test.org"}`),
					}},
				},
			},
		},
	}
	require.NoError(t, s.ApplyInitialSnapshot(payload))

	tests := []struct {
		roomID    string
		wantPhase types.RoomPhase
		wantType  types.RoomType
	}{
		{"!invited:test.org", types.PhaseInvite, types.RoomTypeDirect},
		{"!direct:test.org", types.PhaseJoin, types.RoomTypeDirect},
		{"!group:test.org", types.PhaseJoin, types.RoomTypeGroup},
		{"!community:test.org", types.PhaseJoin, types.RoomTypeCommunity},
	}
	for _, tc := range tests {
		phase, ok := s.RoomPhase(tc.roomID)
		require.True(t, ok, tc.roomID)
		assert.Equal(t, tc.wantPhase, phase, tc.roomID)
		assert.Equal(t, tc.wantType, s.RoomType(tc.roomID), tc.roomID)
	}

	// Invite aggregates are seeded unread so the invite gets noticed.
	invited, _ := s.Room("!invited:test.org")
	assert.Equal(t, 1, invited.UnreadCount)

	// The registry names the counterpart of a direct room.
	direct, _ := s.Room("!direct:test.org")
	assert.Equal(t, "@bob:test.org", direct.ContactID)
	assert.True(t, direct.Active, "counterpart joined, room must be active")

	// A community without a name borrows its alias.
	community, _ := s.Room("!community:test.org")
	assert.Equal(t, "#town:test.org", community.Name)
	assert.True(t, community.Active)
}

func TestApplyInitialTimelines(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	snapshot := joinPayload("!direct:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkMember("@alice:test.org", types.MembershipJoin, "Alice", ts),
			mkMember("@bob:test.org", types.MembershipJoin, "Bob", ts),
		}},
	})
	require.NoError(t, s.ApplyInitialSnapshot(snapshot))
	assert.False(t, s.SyncComplete())

	timelines := joinPayload("!direct:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "hello", ts-1000),
			mkMessage("$m2", "@bob:test.org", "anyone there?", ts),
		}},
		Ephemeral: types.EventList{Events: []types.RawEvent{
			mkReceipt("$m1", "@bob:test.org", ts-500),
		}},
		UnreadNotifications: &types.UnreadNotifications{NotificationCount: 2},
	})
	require.NoError(t, s.ApplyInitialTimelines(timelines))

	assert.True(t, s.SyncComplete())
	assert.Equal(t, 2, s.TimelineLength("!direct:test.org"))

	events := s.NewRoomEvents("!direct:test.org")
	require.Len(t, events, 2)
	assert.Equal(t, "$m2", events[0].EventID, "view is newest first")

	room, _ := s.Room("!direct:test.org")
	assert.Equal(t, 2, room.UnreadCount)
	assert.Equal(t, "$m1", room.ReadReceipts["@bob:test.org"].EventID)

	// Timeline activity stands in for presence.
	assert.Equal(t, ts, s.LastSeen("@bob:test.org"))
}

// ============================================================================
// Incremental merge: dispatch cases.
// ============================================================================

func TestIncrementalMergeIsIdempotent(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!group:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))

	payload := joinPayload("!group:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "hi", ts),
		}},
		UnreadNotifications: &types.UnreadNotifications{NotificationCount: 1},
	})
	require.NoError(t, s.ApplyIncrementalPayload(payload))
	require.NoError(t, s.ApplyIncrementalPayload(payload))

	assert.Equal(t, 1, s.TimelineLength("!group:test.org"), "re-delivered events must not duplicate")
	room, _ := s.Room("!group:test.org")
	assert.Equal(t, 1, room.UnreadCount)
}

func TestAcceptedInviteBecomesJoined(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(&types.SyncPayload{
		Rooms: &types.RoomsSection{
			Invite: map[string]types.RoomData{
				"!room:test.org": {
					InviteState: types.EventList{Events: []types.RawEvent{
						mkMember("@bob:test.org", types.MembershipJoin, "Bob", ts),
					}},
				},
			},
		},
	}))

	var phaseFired bool
	s.Notifier().Subscribe(SignalRoomPhase, func(Signal) { phaseFired = true })

	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "welcome", ts),
		}},
	})))

	room, _ := s.Room("!room:test.org")
	assert.Equal(t, types.PhaseJoin, room.Phase)
	assert.Equal(t, 0, room.UnreadCount, "invite seed is cleared on join")
	assert.True(t, room.Active)
	assert.True(t, phaseFired)
}

func TestUnresolvedRoomResolvesOnLaterEvidence(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()
	require.NoError(t, s.ApplyInitialSnapshot(&types.SyncPayload{}))

	// First sight: a freshly created room with no usable evidence.
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!new:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@alice:test.org", "first", ts),
		}},
	})))
	assert.Equal(t, types.RoomTypeUnresolved, s.RoomType("!new:test.org"))
	assert.Empty(t, s.SortedRoomList(), "unresolved rooms are not displayable")

	// Second payload carries a name: the room resolves to a group.
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!new:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Planning"}`),
		}},
	})))
	assert.Equal(t, types.RoomTypeGroup, s.RoomType("!new:test.org"))
	require.Len(t, s.SortedRoomList(), 1)
}

func TestRoomTypeIsImmutableOnceResolved(t *testing.T) {
	s := newTestStore()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.Equal(t, types.RoomTypeGroup, s.RoomType("!room:test.org"))

	// Later contradictory evidence must not reclassify the room.
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkStateEvent(types.MRoomJoinRules, `{"join_rule":"public"}`),
			mkStateEvent(types.MRoomCreate, `{"is_notepad":true}`),
		}},
	})))
	assert.Equal(t, types.RoomTypeGroup, s.RoomType("!room:test.org"))
}

func TestLeaveIsTerminal(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))

	require.NoError(t, s.ApplyIncrementalPayload(&types.SyncPayload{
		Rooms: &types.RoomsSection{
			Leave: map[string]types.RoomData{"!room:test.org": {}},
		},
	}))
	phase, _ := s.RoomPhase("!room:test.org")
	require.Equal(t, types.PhaseLeave, phase)

	// A stray join section afterwards must not resurrect the room.
	before := s.TimelineLength("!room:test.org")
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$late", "@bob:test.org", "ghost", ts),
		}},
	})))
	phase, _ = s.RoomPhase("!room:test.org")
	assert.Equal(t, types.PhaseLeave, phase)
	assert.Equal(t, before, s.TimelineLength("!room:test.org"))
	assert.Empty(t, s.SortedRoomList(), "left rooms drop out of the list")
}

// ============================================================================
// Redactions.
// ============================================================================

func TestRedactionPropagates(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.NoError(t, s.ApplyInitialTimelines(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "delete me", ts-1000),
		}},
	})))

	var redactionFired bool
	s.Notifier().Subscribe(SignalRedaction, func(Signal) { redactionFired = true })

	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkRedaction("$r1", "$m1", ts),
		}},
	})))

	assert.True(t, redactionFired)
	assert.Equal(t, []string{"$m1"}, s.RedactedEvents("!room:test.org"))

	all := s.AllRoomEvents("!room:test.org")
	var found bool
	for _, ev := range all {
		if ev.EventID == "$m1" {
			found = true
			assert.True(t, ev.IsRedacted)
		}
	}
	assert.True(t, found, "redacted event stays in the projection, marked")
}

func TestRedactionBlanksViewBody(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.NoError(t, s.ApplyInitialTimelines(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "secret", ts),
		}},
	})))

	// Redaction arriving as pure state, leaving the projected batch intact.
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkRedaction("$r1", "$m1", ts+1),
		}},
	})))

	events := s.NewRoomEvents("!room:test.org")
	require.Len(t, events, 1)
	assert.True(t, events[0].IsRedacted)
	assert.NotContains(t, string(events[0].Content), "secret", "no preview may leak redacted content")
}

// ============================================================================
// Timeline merging.
// ============================================================================

func TestLimitedTimelineReplacesHistory(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.NoError(t, s.ApplyInitialTimelines(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "old", ts-5000),
		}},
	})))

	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{
			Events: []types.RawEvent{
				mkMessage("$m8", "@bob:test.org", "much later", ts-100),
				mkMessage("$m9", "@bob:test.org", "latest", ts),
			},
			Limited:   true,
			PrevBatch: "t42-1",
		},
	})))

	assert.Equal(t, 2, s.TimelineLength("!room:test.org"), "limited slice replaces stored history")
	assert.Equal(t, "t42-1", s.PaginationToken("!room:test.org"))
	assert.True(t, s.TimelineTruncated("!room:test.org"))
}

func TestLimitedTimelineWithStartTokenAppends(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.NoError(t, s.ApplyInitialTimelines(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "first", ts-5000),
		}},
	})))

	// A limited flag with a start-of-history token means there is nothing
	// older to fetch; the slice appends instead of replacing.
	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{
			Events:    []types.RawEvent{mkMessage("$m2", "@bob:test.org", "second", ts)},
			Limited:   true,
			PrevBatch: "s11_22",
		},
	})))

	assert.Equal(t, 2, s.TimelineLength("!room:test.org"))
	assert.False(t, s.TimelineTruncated("!room:test.org"))
}

func TestMergeOlderHistoryDeduplicatesSeam(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))
	require.NoError(t, s.ApplyInitialTimelines(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m3", "@bob:test.org", "third", ts-1000),
			mkMessage("$m4", "@bob:test.org", "fourth", ts),
		}},
	})))

	// The fetched page overlaps the stored timeline at $m3.
	added := s.MergeOlderHistory("!room:test.org", []types.RawEvent{
		mkMessage("$m1", "@bob:test.org", "first", ts-3000),
		mkMessage("$m2", "@bob:test.org", "second", ts-2000),
		mkMessage("$m3", "@bob:test.org", "third", ts-1000),
	}, "t10-5", true)

	assert.Equal(t, 2, added)
	assert.Equal(t, 4, s.TimelineLength("!room:test.org"))
	assert.Equal(t, "t10-5", s.PaginationToken("!room:test.org"))

	all := s.AllRoomEvents("!room:test.org")
	require.Len(t, all, 4)
	assert.Equal(t, "$m4", all[0].EventID)
	assert.Equal(t, "$m1", all[3].EventID)
}

func TestApplyPresencePayload(t *testing.T) {
	s := newTestStore()
	nowMS := testNow.UnixMilli()

	presenceOnly := func(lastActiveAgo int64) *types.SyncPayload {
		return &types.SyncPayload{
			Presence: &types.EventList{Events: []types.RawEvent{{
				Type:    types.MPresence,
				Sender:  "@bob:test.org",
				Content: json.RawMessage(fmt.Sprintf(`{"last_active_ago":%d}`, lastActiveAgo)),
			}}},
		}
	}

	require.NoError(t, s.ApplyPresencePayload(presenceOnly(60_000)))
	assert.Equal(t, nowMS-60_000, s.LastSeen("@bob:test.org"))

	// A staler report never moves the estimate backwards.
	require.NoError(t, s.ApplyPresencePayload(presenceOnly(120_000)))
	assert.Equal(t, nowMS-60_000, s.LastSeen("@bob:test.org"))

	require.NoError(t, s.ApplyPresencePayload(presenceOnly(1_000)))
	assert.Equal(t, nowMS-1_000, s.LastSeen("@bob:test.org"))
}

// ============================================================================
// Robustness.
// ============================================================================

func TestMalformedReceiptContentIsIgnored(t *testing.T) {
	s := newTestStore()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))

	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Ephemeral: types.EventList{Events: []types.RawEvent{{
			Type:    types.MReceipt,
			Content: json.RawMessage(`"not an object"`),
		}}},
	})))

	room, _ := s.Room("!room:test.org")
	assert.Empty(t, room.ReadReceipts)
}

func TestSubscriberCannotMutateReentrantly(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload("!room:test.org", types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkStateEvent(types.MRoomName, `{"name":"Climbing"}`),
		}},
	})))

	var reentrantErr error
	s.Notifier().Subscribe(SignalMessage, func(Signal) {
		reentrantErr = s.ApplyIncrementalPayload(&types.SyncPayload{})
	})

	require.NoError(t, s.ApplyIncrementalPayload(joinPayload("!room:test.org", types.RoomData{
		Timeline: types.Timeline{Events: []types.RawEvent{
			mkMessage("$m1", "@bob:test.org", "hi", ts),
		}},
	})))
	assert.ErrorIs(t, reentrantErr, ErrReentrantMutation)
}

func TestDirectRegistryResolvesLaterRooms(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()
	require.NoError(t, s.ApplyInitialSnapshot(&types.SyncPayload{}))

	require.NoError(t, s.ApplyIncrementalPayload(&types.SyncPayload{
		AccountData: &types.EventList{Events: []types.RawEvent{{
			Type:    types.MDirect,
			Content: json.RawMessage(`{"@bob:test.org":["!dm:test.org"]}`),
		}}},
		Rooms: &types.RoomsSection{
			Join: map[string]types.RoomData{
				"!dm:test.org": {
					Timeline: types.Timeline{Events: []types.RawEvent{
						mkMessage("$m1", "@bob:test.org", "hey", ts),
					}},
				},
			},
		},
	}))

	assert.Equal(t, types.RoomTypeDirect, s.RoomType("!dm:test.org"))
	room, _ := s.Room("!dm:test.org")
	assert.Equal(t, "@bob:test.org", room.ContactID)
}

func TestUnreadStaysClearedWhileViewing(t *testing.T) {
	s := newTestStore()
	ts := testNow.UnixMilli()
	roomID := "!viewed:test.org"

	require.NoError(t, s.ApplyInitialSnapshot(joinPayload(roomID, types.RoomData{
		State: types.EventList{Events: []types.RawEvent{
			mkMember("@bob:test.org", types.MembershipJoin, "Bob", ts),
		}},
	})))

	// The viewer has the room open: every incoming message is read
	// immediately and a receipt is sent, which the client mirrors locally
	// by clearing the counter without waiting for the server to catch up.
	lastSeen := 0
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.ApplyIncrementalPayload(joinPayload(roomID, types.RoomData{
			Timeline: types.Timeline{Events: []types.RawEvent{
				mkMessage(fmt.Sprintf("$viewed-%d", i), "@bob:test.org", "ping", ts+int64(i)),
			}},
			UnreadNotifications: &types.UnreadNotifications{NotificationCount: 1},
		})))
		s.SetUnread(roomID, 0)

		room, ok := s.Room(roomID)
		require.True(t, ok)
		assert.LessOrEqual(t, room.UnreadCount, lastSeen,
			"unread count must not grow while the room is being read")
		lastSeen = room.UnreadCount
	}

	room, _ := s.Room(roomID)
	assert.Equal(t, 0, room.UnreadCount)
}
