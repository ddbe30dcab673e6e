// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/palaver-im/palaver/internal/eventutil"
	"github.com/palaver-im/palaver/types"
)

// effects accumulates which facets changed while a payload is applied. One
// payload fires each signal at most once, after every room section has been
// merged. Flags from different rooms combine with OR, never overwrite.
type effects struct {
	message     bool
	redaction   bool
	member      bool
	name        bool
	avatar      bool
	alias       bool
	joinRule    bool
	powerLevel  bool
	active      bool
	readReceipt bool
	unread      bool
	newRoom     bool
	phase       bool
	roomType    bool
	presence    bool

	syncCompleted bool
	unreadTotal   int
}

func (e *effects) merge(o effects) {
	e.message = e.message || o.message
	e.redaction = e.redaction || o.redaction
	e.member = e.member || o.member
	e.name = e.name || o.name
	e.avatar = e.avatar || o.avatar
	e.alias = e.alias || o.alias
	e.joinRule = e.joinRule || o.joinRule
	e.powerLevel = e.powerLevel || o.powerLevel
	e.active = e.active || o.active
	e.readReceipt = e.readReceipt || o.readReceipt
	e.unread = e.unread || o.unread
	e.newRoom = e.newRoom || o.newRoom
	e.phase = e.phase || o.phase
	e.roomType = e.roomType || o.roomType
	e.presence = e.presence || o.presence
}

// beginApply flags the store as mid-mutation so a subscriber cannot mutate
// it from inside a signal callback.
func (s *Store) beginApply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applying {
		return ErrReentrantMutation
	}
	s.applying = true
	return nil
}

func (s *Store) endApply() {
	s.mu.Lock()
	s.applying = false
	s.mu.Unlock()
}

// ApplyInitialSnapshot rebuilds the aggregate set from the first payload of
// a session: the direct-room registry from account data, one aggregate per
// invited room (seeded unread so the invite is noticed) and one per joined
// room, with types inferred eagerly so every room is displayable at once.
// Timelines are deliberately left out; ApplyInitialTimelines fills them in
// a second stage so the room list renders before message history is
// processed.
func (s *Store) ApplyInitialSnapshot(payload *types.SyncPayload) error {
	if err := s.beginApply(); err != nil {
		return err
	}
	defer s.endApply()

	s.mu.Lock()
	s.rooms = map[string]*types.RoomAggregate{}
	s.applyDirectRegistry(payload)

	var eff effects
	s.applyPresenceSection(payload, &eff)

	if payload.Rooms == nil {
		eff.syncCompleted = !s.syncComplete
		s.syncComplete = true
		s.mu.Unlock()
		s.fireEffects(eff)
		payloadsApplied.WithLabelValues("initial_snapshot").Inc()
		return nil
	}

	for roomID, data := range payload.Rooms.Invite {
		r := types.NewRoomAggregate(roomID, types.PhaseInvite)
		r.UnreadCount = 1
		s.rooms[roomID] = r
		s.seedRoom(r, data, &eff)
	}
	for roomID, data := range payload.Rooms.Join {
		r := types.NewRoomAggregate(roomID, types.PhaseJoin)
		s.rooms[roomID] = r
		s.seedRoom(r, data, &eff)
	}
	s.mu.Unlock()

	s.notifier.fire(SignalRoomList)
	s.fireEffects(eff)
	payloadsApplied.WithLabelValues("initial_snapshot").Inc()
	return nil
}

// ApplyInitialTimelines is the second stage of the bootstrap: it folds the
// initial payload's timelines into the aggregates built by
// ApplyInitialSnapshot and marks the first sync cycle complete.
func (s *Store) ApplyInitialTimelines(payload *types.SyncPayload) error {
	if err := s.beginApply(); err != nil {
		return err
	}
	defer s.endApply()

	s.mu.Lock()
	var eff effects
	if payload.Rooms != nil {
		for roomID, data := range payload.Rooms.Join {
			r, ok := s.rooms[roomID]
			if !ok || r.Phase != types.PhaseJoin {
				continue
			}
			s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
				s.updateTimeline(r, data.Timeline, roomEff)
				s.updateViewEvents(r, data.Timeline, roomEff)
				if r.Type != types.RoomTypeCommunity {
					s.updateReadReceipts(r, data, roomEff)
					s.presenceFromTimeline(r, roomEff)
					s.updateUnreadCount(r, data, roomEff)
				}
			})
		}
	}
	eff.syncCompleted = !s.syncComplete
	s.syncComplete = true
	eff.unreadTotal = s.unreadTotalLocked("")
	s.mu.Unlock()

	s.fireEffects(eff)
	s.notifier.fire(SignalMessage)
	s.notifier.fire(SignalRoomList)
	payloadsApplied.WithLabelValues("initial_timelines").Inc()
	return nil
}

// ApplyIncrementalPayload merges one incremental payload into the store.
// Invited rooms are handled first so a same-payload join sees the invite
// aggregate, then joined rooms through the four-way dispatch, then leaves.
// A failure in one room's section abandons that section only; the rest of
// the payload still applies.
func (s *Store) ApplyIncrementalPayload(payload *types.SyncPayload) error {
	if err := s.beginApply(); err != nil {
		return err
	}
	defer s.endApply()

	s.mu.Lock()
	s.applyDirectRegistry(payload)

	var eff effects
	s.applyPresenceSection(payload, &eff)

	if payload.Rooms == nil {
		eff.syncCompleted = !s.syncComplete
		s.syncComplete = true
		s.mu.Unlock()
		s.fireEffects(eff)
		payloadsApplied.WithLabelValues("incremental").Inc()
		return nil
	}

	for roomID, data := range payload.Rooms.Invite {
		if _, known := s.rooms[roomID]; known {
			continue
		}
		s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
			roomsMerged.WithLabelValues("new_invite").Inc()
			r := types.NewRoomAggregate(roomID, types.PhaseInvite)
			r.UnreadCount = 1
			s.rooms[roomID] = r
			s.seedRoom(r, data, roomEff)
			roomEff.newRoom = true
		})
	}

	for roomID, data := range payload.Rooms.Join {
		r, known := s.rooms[roomID]
		switch {
		case known && r.Phase == types.PhaseJoin && r.Type.Resolved():
			s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
				roomsMerged.WithLabelValues("update_join").Inc()
				s.updateJoinRoom(r, data, roomEff)
			})
		case known && r.Phase == types.PhaseJoin:
			s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
				roomsMerged.WithLabelValues("resolve_join").Inc()
				s.updateUnresolvedJoinRoom(r, data, roomEff)
			})
		case known && r.Phase == types.PhaseInvite:
			s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
				roomsMerged.WithLabelValues("accept_invite").Inc()
				s.updateAcceptedInviteRoom(r, data, roomEff)
			})
		case !known:
			s.mergeRoomSection(roomID, &eff, func(roomEff *effects) {
				roomsMerged.WithLabelValues("new_join").Inc()
				s.initialiseNewJoinRoom(roomID, data, roomEff)
			})
		}
		// A left room never matches: leave is terminal.
	}

	for roomID := range payload.Rooms.Leave {
		r, known := s.rooms[roomID]
		if !known || r.Phase == types.PhaseLeave {
			continue
		}
		roomsMerged.WithLabelValues("leave").Inc()
		r.Phase = types.PhaseLeave
		eff.phase = true
	}

	eff.syncCompleted = !s.syncComplete
	s.syncComplete = true
	eff.unreadTotal = s.unreadTotalLocked("")
	s.mu.Unlock()

	s.fireEffects(eff)
	payloadsApplied.WithLabelValues("incremental").Inc()
	return nil
}

// mergeRoomSection runs one room's merge, containing any panic so a
// malformed section cannot take down the payload.
func (s *Store) mergeRoomSection(roomID string, eff *effects, fn func(*effects)) {
	var roomEff effects
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("merging room section: %v", rec)
				logrus.WithField("room_id", roomID).WithError(err).Error("Abandoned room section")
				sentry.CaptureException(err)
				mergeFailures.Inc()
			}
		}()
		fn(&roomEff)
	}()
	eff.merge(roomEff)
}

// ----------------------------------------------------------------------------
// Dispatch cases.
// ----------------------------------------------------------------------------

// updateJoinRoom is the steady-state case: a known, type-resolved room.
func (s *Store) updateJoinRoom(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	s.updateTimeline(r, data.Timeline, eff)
	s.updateViewEvents(r, data.Timeline, eff)
	s.applyRoomEvents(r, data.Timeline.Events, eff)
	s.applyRoomEvents(r, data.State.Events, eff)

	if r.Type != types.RoomTypeCommunity && eff.member {
		applySummary(r, data.Summary)
		eff.active = recomputeActive(r) || eff.active
	}
	if r.Type != types.RoomTypeCommunity {
		s.updateReadReceipts(r, data, eff)
		s.updateUnreadCount(r, data, eff)
	}
}

// updateUnresolvedJoinRoom retries type inference on a room whose earlier
// payloads carried too little evidence.
func (s *Store) updateUnresolvedJoinRoom(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	applySummary(r, data.Summary)
	s.applyRoomEvents(r, data.Timeline.Events, eff)
	s.tryResolveType(r)
	s.updateTimeline(r, data.Timeline, eff)
	s.updateViewEvents(r, data.Timeline, eff)

	if r.Type.Resolved() {
		eff.newRoom = true
		eff.roomType = true
		if r.Type == types.RoomTypeDirect {
			s.setContactID(r)
		}
		eff.active = recomputeActive(r) || eff.active
	}
}

// updateAcceptedInviteRoom flips an invite aggregate to joined. The unread
// seed is cleared and the room becomes active immediately; the counterpart
// is by definition present.
func (s *Store) updateAcceptedInviteRoom(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	s.updateTimeline(r, data.Timeline, eff)
	s.updateViewEvents(r, data.Timeline, eff)
	applySummary(r, data.Summary)
	s.applyRoomEvents(r, data.Timeline.Events, eff)

	r.Phase = types.PhaseJoin
	r.UnreadCount = 0
	r.Active = true
	eff.phase = true
	eff.active = true
}

// initialiseNewJoinRoom creates the aggregate for a room first seen in the
// joined section.
func (s *Store) initialiseNewJoinRoom(roomID string, data types.RoomData, eff *effects) {
	r := types.NewRoomAggregate(roomID, types.PhaseJoin)
	s.rooms[roomID] = r

	applySummary(r, data.Summary)
	s.applyRoomEvents(r, data.State.Events, eff)
	s.applyRoomEvents(r, data.Timeline.Events, eff)
	s.tryResolveType(r)
	s.updateTimeline(r, data.Timeline, eff)
	s.updateViewEvents(r, data.Timeline, eff)

	if r.Type.Resolved() {
		eff.newRoom = true
		eff.roomType = true
		if r.Type == types.RoomTypeDirect {
			s.setContactID(r)
		}
		eff.active = recomputeActive(r) || eff.active
	}
}

// seedRoom populates a fresh aggregate from an initial-snapshot section or
// a first-seen invite. Type inference is eager here: a snapshot must leave
// every room displayable.
func (s *Store) seedRoom(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	if r.Phase == types.PhaseInvite {
		s.applyRoomEvents(r, data.InviteState.Events, eff)
	} else {
		s.applyRoomEvents(r, data.State.Events, eff)
	}
	applySummary(r, data.Summary)
	s.resolveTypeEager(r)
	if r.Type == types.RoomTypeDirect {
		s.setContactID(r)
	}
	if r.Type == types.RoomTypeCommunity && r.Name == "" {
		r.Name = r.Alias
	}
	if r.Phase == types.PhaseJoin {
		recomputeActive(r)
	}
}

// ----------------------------------------------------------------------------
// Section helpers.
// ----------------------------------------------------------------------------

// applyDirectRegistry folds an m.direct account-data event into the
// room-to-contact registry. Content is keyed by contact, listing their
// direct rooms.
func (s *Store) applyDirectRegistry(payload *types.SyncPayload) {
	if payload.AccountData == nil {
		return
	}
	for i := range payload.AccountData.Events {
		ev := &payload.AccountData.Events[i]
		if ev.Type != types.MDirect {
			continue
		}
		gjson.ParseBytes(ev.Content).ForEach(func(contactID, roomIDs gjson.Result) bool {
			for _, roomID := range roomIDs.Array() {
				if roomID.String() != "" {
					s.directRooms[roomID.String()] = contactID.String()
				}
			}
			return true
		})
	}
}

// ApplyPresencePayload updates presence estimates only, leaving every room
// aggregate untouched. Used when a payload carries nothing but presence.
func (s *Store) ApplyPresencePayload(payload *types.SyncPayload) error {
	if err := s.beginApply(); err != nil {
		return err
	}
	defer s.endApply()

	s.mu.Lock()
	var eff effects
	s.applyPresenceSection(payload, &eff)
	s.mu.Unlock()

	s.fireEffects(eff)
	payloadsApplied.WithLabelValues("presence").Inc()
	return nil
}

// applyPresenceSection folds server-reported presence into the estimator.
// last_active_ago is relative to payload arrival.
func (s *Store) applyPresenceSection(payload *types.SyncPayload, eff *effects) {
	if payload.Presence == nil {
		return
	}
	nowMS := s.now().UnixMilli()
	for i := range payload.Presence.Events {
		ev := &payload.Presence.Events[i]
		if ev.Type != types.MPresence || len(ev.Content) == 0 {
			continue
		}
		lastActive := nowMS - ev.ContentField("last_active_ago").Int()
		if s.presence.Observe(ev.Sender, lastActive) {
			eff.presence = true
		}
	}
}

// applyRoomEvents folds state and timeline events into the aggregate's
// non-timeline facets. Timeline storage itself is updateTimeline's job.
func (s *Store) applyRoomEvents(r *types.RoomAggregate, events []types.RawEvent, eff *effects) {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case types.MRoomMessage:
			eff.message = true
			if r.Type != types.RoomTypeCommunity {
				eff.presence = s.presence.Observe(ev.Sender, ev.OriginServerTS) || eff.presence
			}

		case types.MRoomMember:
			if r.Type != types.RoomTypeCommunity {
				eff.member = true
				eff.presence = s.presence.Observe(ev.Sender, ev.OriginServerTS) || eff.presence
			}
			s.applyMemberEvent(r, ev)

		case types.MRoomRedaction:
			eff.redaction = true
			s.addRedactedEvent(r, ev)

		case types.MRoomName:
			eff.name = true
			r.Name = ev.ContentField("name").String()

		case types.MRoomAvatar:
			eff.avatar = true
			r.AvatarURL = ev.ContentField("url").String()

		case types.MRoomCanonicalAlias:
			eff.alias = true
			r.Alias = ev.ContentField("alias").String()

		case types.MRoomJoinRules:
			eff.joinRule = true
			r.JoinRule = ev.ContentField("join_rule").String()

		case types.MRoomPowerLevels:
			eff.powerLevel = true
			applyPowerLevels(r, ev)

		case types.MRoomTopic:
			r.Topic = ev.ContentField("topic").String()

		case types.MRoomThirdPartyInvite:
			eff.member = true
			r.ThirdPartyInviteID = ev.ContentField("display_name").String()

		case types.MRoomCreate:
			if ev.IsNotepadCreate() && !r.Type.Resolved() {
				r.Type = types.RoomTypeNotepad
				r.Active = true
				eff.roomType = true
			}
		}
	}
}

func (s *Store) applyMemberEvent(r *types.RoomAggregate, ev *types.RawEvent) {
	member := types.Member{
		ID:          ev.StateKeyValue(),
		DisplayName: ev.ContentField("displayname").String(),
		AvatarURL:   ev.ContentField("avatar_url").String(),
		Membership:  ev.Membership(),
		IsDirect:    ev.IsDirectHint(),
	}
	if member.ID == "" {
		return
	}
	r.MergeMember(member)

	// A signed membership event settles a pending third-party invite; the
	// placeholder contact gives way to the real one.
	if r.ThirdPartyInviteID != "" && ev.ContentField("third_party_signed").Exists() {
		s.setContactID(r)
		r.ThirdPartyInviteID = ""
	}
}

func applyPowerLevels(r *types.RoomAggregate, ev *types.RawEvent) {
	ev.ContentField("users").ForEach(func(key, value gjson.Result) bool {
		member := types.Member{
			ID:         key.String(),
			PowerLevel: int(value.Int()),
		}
		if member.PowerLevel == 100 {
			member.Membership = types.MembershipJoin
		}
		r.MergeMember(member)
		return true
	})
}

func applySummary(r *types.RoomAggregate, summary *types.SummaryCounts) {
	if summary == nil {
		return
	}
	if summary.JoinedMemberCount != nil {
		r.JoinedCount = *summary.JoinedMemberCount
	}
	if summary.InvitedMemberCount != nil {
		r.InvitedCount = *summary.InvitedMemberCount
	}
	if len(summary.Heroes) > 0 {
		r.Heroes = summary.Heroes
	}
}

// addRedactedEvent records a redaction and propagates it to the stored
// timeline and the projected view, blanking the projected body so no
// preview can leak redacted content.
func (s *Store) addRedactedEvent(r *types.RoomAggregate, ev *types.RawEvent) {
	target := ev.Redacts
	if target == "" {
		return
	}
	r.RedactedEventIDs[target] = struct{}{}

	for i := range r.RawTimeline {
		if r.RawTimeline[i].EventID == target {
			r.RawTimeline[i].Redacted = true
			break
		}
	}
	for i := range r.ViewEvents {
		if r.ViewEvents[i].EventID != target {
			continue
		}
		r.ViewEvents[i].IsRedacted = true
		if blanked, err := sjson.SetBytes(r.ViewEvents[i].Content, "body", ""); err == nil {
			r.ViewEvents[i].Content = blanked
		}
	}
	if s.fulltext != nil {
		if err := s.fulltext.RemoveMessage(target); err != nil {
			logrus.WithField("event_id", target).WithError(err).Warn("Failed to drop redacted event from search index")
		}
	}
}

// updateTimeline folds a payload's timeline slice into the stored raw
// timeline. A limited slice replaces the timeline, since the gap between it
// and what we hold is unknowable; the stored pagination token then bounds a
// backward fetch over that gap. Tokens with an "s" prefix are the server's
// way of saying the room has no earlier history despite the limited flag,
// so those append as usual.
func (s *Store) updateTimeline(r *types.RoomAggregate, tl types.Timeline, eff *effects) {
	if len(tl.Events) == 0 {
		return
	}

	if tl.Limited && !strings.HasPrefix(tl.PrevBatch, "s") {
		r.RawTimeline = append([]types.RawEvent(nil), tl.Events...)
		r.PaginationToken = tl.PrevBatch
		r.TimelineTruncated = true
	} else {
		seen := make(map[string]struct{}, len(r.RawTimeline))
		for i := range r.RawTimeline {
			seen[r.RawTimeline[i].EventID] = struct{}{}
		}
		for i := range tl.Events {
			if _, dup := seen[tl.Events[i].EventID]; dup {
				continue
			}
			r.RawTimeline = append(r.RawTimeline, tl.Events[i])
		}
		if r.PaginationToken == "" && tl.PrevBatch != "" {
			r.PaginationToken = tl.PrevBatch
		}
	}

	s.indexMessages(r.ID, tl.Events)
}

func (s *Store) indexMessages(roomID string, events []types.RawEvent) {
	if s.fulltext == nil {
		return
	}
	for i := range events {
		ev := &events[i]
		if ev.Type != types.MRoomMessage || ev.Redacted {
			continue
		}
		body := messageBody(ev.Content)
		if body == "" {
			continue
		}
		if err := s.fulltext.IndexMessage(roomID, ev.EventID, ev.Sender, body, ev.OriginServerTS); err != nil {
			logrus.WithField("event_id", ev.EventID).WithError(err).Warn("Failed to index message")
		}
	}
}

// updateViewEvents projects the payload's timeline slice into the
// newest-first view. An empty projection keeps the previous one; a slice of
// nothing but excluded events must not blank the room preview.
func (s *Store) updateViewEvents(r *types.RoomAggregate, tl types.Timeline, eff *effects) {
	if len(tl.Events) == 0 {
		return
	}
	reversed := eventutil.Reversed(tl.Events)
	s.applyRedactionOverlay(r, reversed)
	r.ViewLimited = tl.Limited

	projected := eventutil.Normalize(reversed, r.Type, 0)
	if len(projected) > 0 {
		r.ViewEvents = projected
	}
}

// updateReadReceipts folds ephemeral receipt events into the per-user
// receipt map. Receipts only ever advance our picture of a user, so they
// double as a presence estimate.
func (s *Store) updateReadReceipts(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	for i := range data.Ephemeral.Events {
		ev := &data.Ephemeral.Events[i]
		if ev.Type != types.MReceipt {
			continue
		}
		gjson.ParseBytes(ev.Content).ForEach(func(eventID, perEvent gjson.Result) bool {
			perEvent.Get("m\\.read").ForEach(func(userID, receipt gjson.Result) bool {
				uid := userID.String()
				if uid == "" {
					return true
				}
				ts := receipt.Get("ts").Int()
				r.ReadReceipts[uid] = types.ReadReceipt{
					EventID:     eventID.String(),
					TimestampMS: ts,
				}
				eff.readReceipt = true
				// Receipts double as a presence estimate: acknowledging an
				// event proves the user was around at the receipt's time.
				eff.presence = s.presence.Observe(uid, ts) || eff.presence
				return true
			})
			return true
		})
	}
}

// updateUnreadCount adopts the server-computed unread counter when present.
func (s *Store) updateUnreadCount(r *types.RoomAggregate, data types.RoomData, eff *effects) {
	if data.UnreadNotifications == nil {
		return
	}
	if r.UnreadCount != data.UnreadNotifications.NotificationCount {
		eff.unread = true
	}
	r.UnreadCount = data.UnreadNotifications.NotificationCount
}

// presenceFromTimeline seeds presence from each sender's newest timeline
// event, used once at bootstrap before any receipts have been seen.
func (s *Store) presenceFromTimeline(r *types.RoomAggregate, eff *effects) {
	seen := map[string]struct{}{}
	for i := len(r.RawTimeline) - 1; i >= 0; i-- {
		ev := &r.RawTimeline[i]
		if _, done := seen[ev.Sender]; done {
			continue
		}
		seen[ev.Sender] = struct{}{}
		eff.presence = s.presence.Observe(ev.Sender, ev.OriginServerTS) || eff.presence
	}
}

// ----------------------------------------------------------------------------
// Type inference, contact resolution, active status.
// ----------------------------------------------------------------------------

// resolveTypeEager infers a type from whatever evidence is present, falling
// back to direct. Only the initial snapshot uses it: a bootstrapped room
// must be displayable immediately.
func (s *Store) resolveTypeEager(r *types.RoomAggregate) {
	if r.Type.Resolved() {
		return
	}
	switch {
	case s.directRooms[r.ID] != "":
		r.Type = types.RoomTypeDirect
	case r.JoinRule == "public":
		r.Type = types.RoomTypeCommunity
	case r.Name != "":
		r.Type = types.RoomTypeGroup
	default:
		r.Type = types.RoomTypeDirect
	}
}

// tryResolveType infers a type only from positive evidence, leaving the
// room unresolved otherwise. Incremental merges use it so a room created a
// moment ago is not misclassified before its first real state arrives.
func (s *Store) tryResolveType(r *types.RoomAggregate) {
	if r.Type.Resolved() {
		return
	}
	switch {
	case s.directRooms[r.ID] != "":
		r.Type = types.RoomTypeDirect
	case r.JoinRule == "public":
		r.Type = types.RoomTypeCommunity
	case r.Name != "":
		r.Type = types.RoomTypeGroup
	default:
		for _, m := range r.Members {
			if m.IsDirect {
				r.Type = types.RoomTypeDirect
				return
			}
		}
	}
}

// setContactID resolves the counterpart of a direct room, in declining
// order of confidence: the direct registry, any member who is not us, the
// server's hero list, a pending third-party invite, and finally a sentinel.
func (s *Store) setContactID(r *types.RoomAggregate) {
	switch {
	case s.directRooms[r.ID] != "":
		r.ContactID = s.directRooms[r.ID]
	case len(r.Members) > 1:
		for memberID := range r.Members {
			if memberID != s.userID {
				r.ContactID = memberID
				break
			}
		}
	case len(r.Heroes) > 0:
		r.ContactID = r.Heroes[0]
	case r.ThirdPartyInviteID != "":
		r.ContactID = r.ThirdPartyInviteID
	default:
		r.ContactID = "unknown"
	}
}

// recomputeActive derives the room's active status and reports whether it
// changed. Communities and notepads are unconditionally active; a direct
// room is active while the counterpart is joined; a group while more than
// one member is.
func recomputeActive(r *types.RoomAggregate) bool {
	was := r.Active
	switch r.Type {
	case types.RoomTypeCommunity, types.RoomTypeNotepad:
		r.Active = true
	case types.RoomTypeDirect:
		m := r.Member(r.ContactID)
		r.Active = m != nil && m.Membership == types.MembershipJoin
	default:
		r.Active = r.JoinedCount > 1
	}
	return r.Active != was
}

// MergeOlderHistory prepends a page of older events fetched by backward
// pagination. The page arrives oldest-first; events already held (the seam
// overlap between the page and the stored timeline) are dropped by ID. The
// room's pagination token moves to the page's far edge. Returns how many
// events were actually added.
func (s *Store) MergeOlderHistory(roomID string, olderOldestFirst []types.RawEvent, endToken string, truncated bool) int {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0
	}

	seen := make(map[string]struct{}, len(r.RawTimeline))
	for i := range r.RawTimeline {
		seen[r.RawTimeline[i].EventID] = struct{}{}
	}
	merged := make([]types.RawEvent, 0, len(olderOldestFirst)+len(r.RawTimeline))
	for i := range olderOldestFirst {
		if _, dup := seen[olderOldestFirst[i].EventID]; dup {
			continue
		}
		merged = append(merged, olderOldestFirst[i])
	}
	added := len(merged)
	r.RawTimeline = append(merged, r.RawTimeline...)
	s.applyRedactionOverlay(r, r.RawTimeline)
	r.PaginationToken = endToken
	r.TimelineTruncated = truncated
	s.indexMessages(roomID, olderOldestFirst)
	s.mu.Unlock()

	if added > 0 {
		s.notifier.fire(SignalMessage)
	}
	return added
}

// fireEffects delivers the payload's accumulated invalidations, each signal
// at most once, outside the store lock.
func (s *Store) fireEffects(eff effects) {
	if eff.readReceipt {
		s.notifier.fire(SignalReadReceipt)
	}
	if eff.message || eff.member || eff.name || eff.avatar {
		s.notifier.fire(SignalMessage)
	}
	if eff.redaction {
		s.notifier.fire(SignalRedaction)
	}
	if eff.roomType {
		s.notifier.fire(SignalRoomType)
	}
	if eff.phase {
		s.notifier.fire(SignalRoomPhase)
	}
	if eff.active {
		s.notifier.fire(SignalRoomActive)
	}
	if eff.message || eff.newRoom || eff.phase || eff.redaction || eff.member || eff.name || eff.avatar {
		s.notifier.fire(SignalRoomList)
	}
	if eff.unread {
		unreadTotalGauge.Set(float64(eff.unreadTotal))
		s.notifier.fire(SignalRoomList)
		s.notifier.fire(SignalUnreadTotal)
		s.notifier.fire(SignalRoomSummary)
	}
	if eff.roomType || eff.phase || eff.newRoom || eff.avatar || eff.name || eff.member {
		s.notifier.fire(SignalRoomSummary)
	}
	if eff.presence || eff.readReceipt {
		s.notifier.fire(SignalPresence)
	}
	if eff.syncCompleted {
		s.notifier.fire(SignalSyncComplete)
	}
}
