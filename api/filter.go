// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package api

// EventsFilter narrows one section of a sync response by event type.
type EventsFilter struct {
	Limit           *int     `json:"limit,omitempty"`
	Types           []string `json:"types"`
	LazyLoadMembers bool     `json:"lazy_load_members,omitempty"`
}

// RoomFilter narrows the per-room sections of a sync response.
type RoomFilter struct {
	Timeline     EventsFilter `json:"timeline"`
	State        EventsFilter `json:"state"`
	Ephemeral    EventsFilter `json:"ephemeral"`
	IncludeLeave bool         `json:"include_leave"`
	AccountData  EventsFilter `json:"account_data"`
}

// SyncFilter is the inline filter sent with every sync request.
type SyncFilter struct {
	Room        RoomFilter   `json:"room"`
	AccountData EventsFilter `json:"account_data"`
	Presence    EventsFilter `json:"presence"`
}

var stateEventTypes = []string{
	"m.room.third_party_invite",
	"m.room.member",
	"m.room.name",
	"m.room.avatar",
	"m.room.canonical_alias",
	"m.room.join_rules",
	"m.room.power_levels",
	"m.room.topic",
	"m.room.create",
}

func zero() *int {
	n := 0
	return &n
}

// SnapshotFilter requests room state only: no timelines, no ephemeral
// events. The bootstrap uses it to get a displayable room list as fast as
// possible.
func SnapshotFilter() SyncFilter {
	return SyncFilter{
		Room: RoomFilter{
			Timeline:    EventsFilter{Limit: zero(), Types: []string{}},
			State:       EventsFilter{Types: stateEventTypes, LazyLoadMembers: true},
			Ephemeral:   EventsFilter{Limit: zero(), Types: []string{}},
			AccountData: EventsFilter{Limit: zero(), Types: []string{}},
		},
		AccountData: EventsFilter{Types: []string{"m.direct", "m.push_rules"}},
		Presence:    EventsFilter{Types: []string{"m.presence"}},
	}
}

// StreamFilter requests everything the merge consumes: timelines, state
// deltas, receipts, the direct-room registry and presence.
func StreamFilter() SyncFilter {
	timelineTypes := append([]string{
		"m.room.message",
		"m.room.encrypted",
		"m.room.redaction",
	}, stateEventTypes...)
	return SyncFilter{
		Room: RoomFilter{
			Timeline:     EventsFilter{Types: timelineTypes},
			State:        EventsFilter{Types: stateEventTypes, LazyLoadMembers: true},
			Ephemeral:    EventsFilter{Types: []string{"m.receipt"}, LazyLoadMembers: true},
			IncludeLeave: true,
			AccountData:  EventsFilter{Types: []string{"m.direct"}},
		},
		AccountData: EventsFilter{Types: []string{"m.direct"}},
		Presence:    EventsFilter{Types: []string{"m.presence"}},
	}
}

// PaginationEventTypes is the type filter for backward history fetches,
// depending on the room's type. Membership noise is left out of community
// history.
func PaginationEventTypes(community bool) []string {
	if community {
		return []string{"m.room.message", "m.room.name", "m.room.avatar", "m.room.encrypted"}
	}
	return []string{"m.room.message", "m.room.member", "m.room.name", "m.room.avatar", "m.room.encrypted"}
}
