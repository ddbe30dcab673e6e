// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// EventList wraps a bare list of events, the shape the protocol uses for
// account data, presence, ephemeral and state sections.
type EventList struct {
	Events []RawEvent `json:"events"`
}

// Timeline is the incremental slice of a room's history in one payload.
type Timeline struct {
	Events []RawEvent `json:"events"`
	// Limited means the slice is not contiguous with what the client
	// already holds; PrevBatch bounds a backward fetch to fill the gap.
	Limited   bool   `json:"limited"`
	PrevBatch string `json:"prev_batch"`
}

// SummaryCounts carries the server's member-count summary for a room.
// Pointer fields distinguish "absent" from zero.
type SummaryCounts struct {
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
	Heroes             []string `json:"m.heroes,omitempty"`
}

// UnreadNotifications is the server-computed unread counter pair.
type UnreadNotifications struct {
	NotificationCount int `json:"notification_count"`
	HighlightCount    int `json:"highlight_count"`
}

// RoomData is everything a sync payload reports for one room. Any section
// may be absent; an absent section means "no update for that facet".
type RoomData struct {
	State               EventList            `json:"state"`
	InviteState         EventList            `json:"invite_state"`
	Timeline            Timeline             `json:"timeline"`
	Summary             *SummaryCounts       `json:"summary,omitempty"`
	Ephemeral           EventList            `json:"ephemeral"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// RoomsSection splits the payload's rooms by our membership transition.
type RoomsSection struct {
	Invite map[string]RoomData `json:"invite,omitempty"`
	Join   map[string]RoomData `json:"join,omitempty"`
	Leave  map[string]RoomData `json:"leave,omitempty"`
}

// SyncPayload is one incremental batch of server-reported changes across all
// rooms, bounded by the continuation token in NextBatch.
type SyncPayload struct {
	NextBatch   string        `json:"next_batch"`
	AccountData *EventList    `json:"account_data,omitempty"`
	Presence    *EventList    `json:"presence,omitempty"`
	Rooms       *RoomsSection `json:"rooms,omitempty"`
}

// DecodeSyncPayload reads a sync payload off the wire.
func DecodeSyncPayload(r io.Reader) (*SyncPayload, error) {
	var payload SyncPayload
	if err := json_.NewDecoder(r).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decoding sync payload")
	}
	return &payload, nil
}

// MessagesResponse is a backward pagination page.
type MessagesResponse struct {
	Chunk []RawEvent `json:"chunk"`
	Start string     `json:"start"`
	End   string     `json:"end"`
}

// Snapshot is the unit the persistence bridge writes at checkpoints and
// restores at startup.
type Snapshot struct {
	Aggregates    []*RoomAggregate  `json:"aggregates"`
	LastSeen      map[string]int64  `json:"last_seen"`
	DirectRooms   map[string]string `json:"direct_rooms,omitempty"`
	NextSyncToken string            `json:"next_sync_token"`
}
