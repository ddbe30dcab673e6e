// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Protocol event types the client reconciles. Everything else passes through
// the store untouched and is dropped by the normalizer.
const (
	MRoomMessage          = "m.room.message"
	MRoomMember           = "m.room.member"
	MRoomRedaction        = "m.room.redaction"
	MRoomEncrypted        = "m.room.encrypted"
	MRoomName             = "m.room.name"
	MRoomAvatar           = "m.room.avatar"
	MRoomCanonicalAlias   = "m.room.canonical_alias"
	MRoomJoinRules        = "m.room.join_rules"
	MRoomPowerLevels      = "m.room.power_levels"
	MRoomTopic            = "m.room.topic"
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	MRoomCreate           = "m.room.create"
	MReceipt              = "m.receipt"
	MPresence             = "m.presence"
	MDirect               = "m.direct"
)

// Unsigned carries server-added metadata on a raw event.
type Unsigned struct {
	PrevContent   json.RawMessage `json:"prev_content,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Relations     json.RawMessage `json:"m.relations,omitempty"`
}

// RawEvent is a timeline or state event exactly as the server delivered it,
// plus the local redaction mark applied by the store.
type RawEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
	Redacts        string          `json:"redacts,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`

	// Redacted is a local overlay, not a wire field. It is set when a
	// redaction referencing this event has been applied.
	Redacted bool `json:"_redacted,omitempty"`
}

// StateKeyValue returns the state key, or "" for non-state events.
func (e *RawEvent) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// ContentField reads a field out of the raw content without unmarshalling
// the whole document.
func (e *RawEvent) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.Content, path)
}

// Membership returns the membership value of a member event's content.
func (e *RawEvent) Membership() Membership {
	return Membership(e.ContentField("membership").String())
}

// PrevMembership returns the membership carried in unsigned prev_content,
// or "" when the event has no previous content.
func (e *RawEvent) PrevMembership() Membership {
	if e.Unsigned == nil || len(e.Unsigned.PrevContent) == 0 {
		return ""
	}
	return Membership(gjson.GetBytes(e.Unsigned.PrevContent, "membership").String())
}

// HasPrevContent reports whether the event represents a change to earlier
// state rather than the initial value.
func (e *RawEvent) HasPrevContent() bool {
	return e.Unsigned != nil && len(e.Unsigned.PrevContent) > 0
}

// IsDirectHint reports the is_direct flag some membership events carry.
func (e *RawEvent) IsDirectHint() bool {
	return e.ContentField("is_direct").Bool()
}

// IsNotepadCreate reports whether a room-creation event marks the room as a
// private notepad.
func (e *RawEvent) IsNotepadCreate() bool {
	return e.Type == MRoomCreate && e.ContentField("is_notepad").Bool()
}

// IsEdited reports whether the event carries an m.replace relation.
func (e *RawEvent) IsEdited() bool {
	if e.Unsigned == nil || len(e.Unsigned.Relations) == 0 {
		return false
	}
	return gjson.GetBytes(e.Unsigned.Relations, "m\\.replace").Exists()
}

// ContentIsEmpty reports whether the content object carries no fields,
// which is how redacted events arrive from the server.
func (e *RawEvent) ContentIsEmpty() bool {
	if len(e.Content) == 0 {
		return true
	}
	parsed := gjson.ParseBytes(e.Content)
	if !parsed.IsObject() {
		return false
	}
	empty := true
	parsed.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}
