// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package eventutil turns raw protocol events into view-ready events. The
// functions here are pure: they read nothing from the store and are safe to
// unit-test in isolation.
package eventutil

import (
	"time"

	"github.com/palaver-im/palaver/types"
)

// Include decides whether a raw event survives projection for a room of the
// given type. Membership events are hidden inside community rooms, and
// name/avatar events only show when they represent an actual change (they
// carry previous content) outside notepad rooms. A membership event whose
// membership equals its own previous membership is a no-op transition and
// produces no visible event.
func Include(ev *types.RawEvent, roomType types.RoomType) bool {
	if ev == nil {
		return false
	}

	included := false
	switch ev.Type {
	case types.MRoomMessage, types.MRoomRedaction, types.MRoomEncrypted, types.MRoomThirdPartyInvite:
		included = true
	case types.MRoomMember:
		included = roomType != types.RoomTypeCommunity
	case types.MRoomName, types.MRoomAvatar:
		included = ev.HasPrevContent() && roomType != types.RoomTypeNotepad
	}
	if !included {
		return false
	}

	if ev.Type == types.MRoomMember && ev.HasPrevContent() && ev.PrevMembership() == ev.Membership() {
		return false
	}
	return true
}

// Normalize filters and projects raw events, newest first, into view events.
//
// referenceTS seeds the day-boundary cursor for continuing a backward scan
// across a pagination seam; pass 0 to seed from the calendar day after now
// (the forward scan case). Given the same inputs, Normalize always returns
// the same output.
func Normalize(events []types.RawEvent, roomType types.RoomType, referenceTS int64) []types.ViewEvent {
	if len(events) == 0 {
		return nil
	}

	var lastDay time.Time
	if referenceTS != 0 {
		lastDay = dayOf(time.UnixMilli(referenceTS))
	} else {
		lastDay = dayOf(time.Now().AddDate(0, 0, 1))
	}

	out := make([]types.ViewEvent, 0, len(events))
	lastID := ""
	for i := range events {
		ev := &events[i]
		if !Include(ev, roomType) {
			continue
		}
		// Duplicate delivery guard: consecutive surviving events with the
		// same ID collapse to one.
		if ev.EventID != "" && ev.EventID == lastID {
			continue
		}
		lastID = ev.EventID

		thisDay := dayOf(time.UnixMilli(ev.OriginServerTS))
		dateChange := thisDay.Before(lastDay)
		lastDay = thisDay

		view := types.ViewEvent{
			EventID:     ev.EventID,
			Type:        ev.Type,
			Content:     ev.Content,
			TimestampMS: ev.OriginServerTS,
			SenderID:    ev.Sender,
			StateKey:    ev.StateKeyValue(),
			DateChange:  dateChange,
			Redacts:     ev.Redacts,
			IsRedacted:  ev.Redacted || ev.ContentIsEmpty(),
			IsEdited:    ev.IsEdited(),
		}
		if ev.Unsigned != nil {
			view.PreviousContent = ev.Unsigned.PrevContent
			view.TransactionID = ev.Unsigned.TransactionID
		}
		out = append(out, view)
	}
	return out
}

// Reversed returns a newest-first copy of a server-ordered event slice.
func Reversed(events []types.RawEvent) []types.RawEvent {
	out := make([]types.RawEvent, len(events))
	for i := range events {
		out[len(events)-1-i] = events[i]
	}
	return out
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
