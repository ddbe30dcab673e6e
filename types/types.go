// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package types

import (
	"encoding/json"
)

// RoomPhase is the lifecycle stage of our own membership in a room.
// Phases only ever move forward: invite -> join -> leave. Leave is terminal.
type RoomPhase string

const (
	PhaseInvite RoomPhase = "invite"
	PhaseJoin   RoomPhase = "join"
	PhaseLeave  RoomPhase = "leave"
)

// IsTerminal returns true once the room can no longer change phase.
func (p RoomPhase) IsTerminal() bool {
	return p == PhaseLeave
}

// RoomType is the conversation shape. It is inferred from sync evidence and
// assigned at most once; an unresolved type is the empty string.
type RoomType string

const (
	RoomTypeUnresolved RoomType = ""
	RoomTypeDirect     RoomType = "direct"
	RoomTypeGroup      RoomType = "group"
	RoomTypeCommunity  RoomType = "community"
	RoomTypeNotepad    RoomType = "notepad"
)

// Resolved returns true once the type has been inferred. A resolved type
// never changes again.
func (t RoomType) Resolved() bool {
	return t != RoomTypeUnresolved
}

func (t RoomType) String() string {
	if t == RoomTypeUnresolved {
		return "unresolved"
	}
	return string(t)
}

// Membership is a member's state in a room as reported by membership events.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
)

// Member is one user's state within one room. Membership events and
// power-level events both contribute to it; updates merge field by field so
// a power-level change never erases a previously known display name.
type Member struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Membership  Membership `json:"membership,omitempty"`
	PowerLevel  int        `json:"power_level,omitempty"`
	IsDirect    bool       `json:"is_direct,omitempty"`
}

// ReadReceipt is the newest event a user has acknowledged in a room.
type ReadReceipt struct {
	EventID     string `json:"event_id"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ViewEvent is the normalized projection of a raw event for display. Once
// produced it is never mutated except for redaction and edit overlays.
type ViewEvent struct {
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Content         json.RawMessage `json:"content"`
	TimestampMS     int64           `json:"timestamp_ms"`
	SenderID        string          `json:"sender_id"`
	StateKey        string          `json:"state_key,omitempty"`
	PreviousContent json.RawMessage `json:"previous_content,omitempty"`
	DateChange      bool            `json:"date_change"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	Redacts         string          `json:"redacts,omitempty"`
	IsRedacted      bool            `json:"is_redacted"`
	IsEdited        bool            `json:"is_edited"`
}

// RoomAggregate is the reconciled state of one room. There is exactly one
// aggregate per room ID at any time; aggregates are created the first time a
// room ID appears in a sync payload and removed only by explicit user action.
type RoomAggregate struct {
	ID    string    `json:"id"`
	Phase RoomPhase `json:"phase"`
	Type  RoomType  `json:"type,omitempty"`

	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Alias     string `json:"alias,omitempty"`
	Topic     string `json:"topic,omitempty"`
	JoinRule  string `json:"join_rule,omitempty"`

	// ContactID identifies the counterpart in a direct room.
	ContactID string `json:"contact_id,omitempty"`
	// ThirdPartyInviteID holds the display name of a pending third-party
	// invite until the signed membership event arrives.
	ThirdPartyInviteID string `json:"third_party_invite_id,omitempty"`

	Heroes       []string `json:"heroes,omitempty"`
	JoinedCount  int      `json:"joined_count,omitempty"`
	InvitedCount int      `json:"invited_count,omitempty"`

	Members map[string]*Member `json:"members"`

	// RawTimeline holds events in server order, oldest first.
	RawTimeline []RawEvent `json:"raw_timeline"`
	// ViewEvents is the derived newest-first projection of the most recent
	// timeline batch.
	ViewEvents  []ViewEvent `json:"view_events"`
	ViewLimited bool        `json:"view_limited,omitempty"`

	UnreadCount int  `json:"unread_count"`
	Active      bool `json:"active"`

	PaginationToken   string `json:"pagination_token,omitempty"`
	TimelineTruncated bool   `json:"timeline_truncated,omitempty"`

	ReadReceipts     map[string]ReadReceipt `json:"read_receipts"`
	RedactedEventIDs map[string]struct{}    `json:"redacted_event_ids,omitempty"`
}

// NewRoomAggregate returns an aggregate with its maps initialised.
func NewRoomAggregate(roomID string, phase RoomPhase) *RoomAggregate {
	return &RoomAggregate{
		ID:               roomID,
		Phase:            phase,
		Members:          map[string]*Member{},
		ReadReceipts:     map[string]ReadReceipt{},
		RedactedEventIDs: map[string]struct{}{},
	}
}

// Clone returns a deep copy of the aggregate. The merge path keeps
// mutating the stored aggregate after the store lock is released, so
// anything handed to another goroutine must be a copy, never the live
// value.
func (r *RoomAggregate) Clone() *RoomAggregate {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Members = make(map[string]*Member, len(r.Members))
	for id, m := range r.Members {
		mc := *m
		cp.Members[id] = &mc
	}
	cp.ReadReceipts = make(map[string]ReadReceipt, len(r.ReadReceipts))
	for id, rr := range r.ReadReceipts {
		cp.ReadReceipts[id] = rr
	}
	cp.RedactedEventIDs = make(map[string]struct{}, len(r.RedactedEventIDs))
	for id := range r.RedactedEventIDs {
		cp.RedactedEventIDs[id] = struct{}{}
	}
	cp.Heroes = append([]string(nil), r.Heroes...)
	cp.RawTimeline = append([]RawEvent(nil), r.RawTimeline...)
	cp.ViewEvents = append([]ViewEvent(nil), r.ViewEvents...)
	return &cp
}

// Member returns the member record for userID, or nil.
func (r *RoomAggregate) Member(userID string) *Member {
	return r.Members[userID]
}

// MergeMember folds upd into the existing member record, creating it if
// needed. Zero-valued fields in upd leave the stored value untouched.
func (r *RoomAggregate) MergeMember(upd Member) {
	m, ok := r.Members[upd.ID]
	if !ok {
		cp := upd
		r.Members[upd.ID] = &cp
		return
	}
	if upd.DisplayName != "" {
		m.DisplayName = upd.DisplayName
	}
	if upd.AvatarURL != "" {
		m.AvatarURL = upd.AvatarURL
	}
	if upd.Membership != "" {
		m.Membership = upd.Membership
	}
	if upd.PowerLevel != 0 {
		m.PowerLevel = upd.PowerLevel
	}
	if upd.IsDirect {
		m.IsDirect = true
	}
}

// JoinedMemberTotal counts members whose membership is join.
func (r *RoomAggregate) JoinedMemberTotal() int {
	n := 0
	for _, m := range r.Members {
		if m.Membership == MembershipJoin {
			n++
		}
	}
	return n
}

// NewestViewEvent returns the newest projected event, or nil.
func (r *RoomAggregate) NewestViewEvent() *ViewEvent {
	if len(r.ViewEvents) == 0 {
		return nil
	}
	return &r.ViewEvents[0]
}

// OldestRawEventID returns the ID of the oldest raw timeline entry, or "".
func (r *RoomAggregate) OldestRawEventID() string {
	if len(r.RawTimeline) == 0 {
		return ""
	}
	return r.RawTimeline[0].EventID
}
