// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package state owns the authoritative in-memory aggregate of all rooms and
// applies incremental sync payloads to it. All mutations run to completion,
// including synchronous signal delivery, before the next payload is applied;
// the embedded mutex only guards against reads from other goroutines, it is
// not a licence for concurrent mutation.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/palaver-im/palaver/internal/eventutil"
	"github.com/palaver-im/palaver/types"
)

// DefaultInactivityWindow bounds how old a member's presence estimate may be
// before their read receipt stops depressing the room's read marker.
const DefaultInactivityWindow = 7 * 24 * time.Hour

// Indexer receives message bodies as they are projected, so a search index
// can stay in step with the store. Implementations must tolerate duplicate
// offers of the same event ID.
type Indexer interface {
	IndexMessage(roomID, eventID, senderID, body string, originTS int64) error
	RemoveMessage(eventID string) error
}

// Options configures a Store.
type Options struct {
	// UserID is our own full user ID; it is excluded from read markers,
	// contact resolution and user listings.
	UserID string
	// InactivityWindow overrides DefaultInactivityWindow when non-zero.
	InactivityWindow time.Duration
	// Fulltext, when non-nil, is fed message bodies as they arrive.
	Fulltext Indexer
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the room state store. Instantiate one per session; there is no
// package-level instance.
type Store struct {
	mu sync.Mutex

	userID           string
	inactivityWindow time.Duration
	now              func() time.Time
	fulltext         Indexer

	rooms       map[string]*types.RoomAggregate
	directRooms map[string]string // room ID -> contact ID, from the account-level direct registry
	presence    *PresenceEstimator
	notifier    *Notifier

	syncComplete bool
	applying     bool
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	window := opts.InactivityWindow
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		userID:           opts.UserID,
		inactivityWindow: window,
		now:              now,
		fulltext:         opts.Fulltext,
		rooms:            map[string]*types.RoomAggregate{},
		directRooms:      map[string]string{},
		presence:         NewPresenceEstimator(),
		notifier:         NewNotifier(),
	}
}

// Notifier exposes the store's invalidation signals for subscription.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// ----------------------------------------------------------------------------
// Keyed read accessors. Each accessor is tied to exactly one signal; a value
// read after that signal fired reflects every mutation that produced it.
// ----------------------------------------------------------------------------

// RoomPhase returns the lifecycle phase of a room. Signal: SignalRoomPhase.
func (s *Store) RoomPhase(roomID string) (types.RoomPhase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return "", false
	}
	return r.Phase, true
}

// RoomType returns the inferred room type. Signal: SignalRoomType.
func (s *Store) RoomType(roomID string) types.RoomType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Type
	}
	return types.RoomTypeUnresolved
}

// RoomActive returns the room's derived active status. Signal: SignalRoomActive.
func (s *Store) RoomActive(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Active
	}
	return false
}

// Room returns a copy of the aggregate for roomID. Copying keeps callers
// on other goroutines safe from the merge path mutating the stored value
// after the lock is released. Signal: SignalRoomSummary.
func (s *Store) Room(roomID string) (*types.RoomAggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// NewRoomEvents returns the newest-first projection of the most recent
// timeline batch for a room. Signal: SignalMessage.
func (s *Store) NewRoomEvents(roomID string) []types.ViewEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return append([]types.ViewEvent(nil), r.ViewEvents...)
	}
	return nil
}

// AllRoomEvents projects the full raw timeline of a room, newest first.
// Signal: SignalMessage.
func (s *Store) AllRoomEvents(roomID string) []types.ViewEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	raw := eventutil.Reversed(r.RawTimeline)
	s.applyRedactionOverlay(r, raw)
	return eventutil.Normalize(raw, r.Type, 0)
}

// RedactedEvents returns the IDs of events redacted in a room. Signal:
// SignalRedaction.
func (s *Store) RedactedEvents(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.RedactedEventIDs))
	for id := range r.RedactedEventIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReadMarker computes the read-marker timestamp for a room: the minimum,
// over all other members considered currently active, of their most recent
// read receipt. Long-absent members (outside the inactivity window, with no
// recent receipt either) are skipped so they cannot permanently depress the
// marker. Signal: SignalReadReceipt.
func (s *Store) ReadMarker(roomID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	var marker int64
	for userID, receipt := range r.ReadReceipts {
		if userID == s.userID {
			continue
		}
		if !s.userIsActiveLocked(r, userID) {
			continue
		}
		if marker == 0 || receipt.TimestampMS < marker {
			marker = receipt.TimestampMS
		}
	}
	return marker
}

// UserIsActive reports whether a member counts as active for read-marker
// purposes. Signal: SignalPresence.
func (s *Store) UserIsActive(roomID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	return s.userIsActiveLocked(r, userID)
}

func (s *Store) userIsActiveLocked(r *types.RoomAggregate, userID string) bool {
	now := s.now()
	if s.presence.SeenWithin(userID, now, s.inactivityWindow) {
		return true
	}
	receipt, ok := r.ReadReceipts[userID]
	if !ok {
		// Never heard from them at all: give the benefit of the doubt
		// rather than silently hiding their reads forever.
		return true
	}
	return now.Sub(time.UnixMilli(receipt.TimestampMS)) < s.inactivityWindow
}

// LastSeen returns the presence estimate for a user in milliseconds.
// Signal: SignalPresence.
func (s *Store) LastSeen(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.LastSeen(userID)
}

// UnreadTotal sums unread counts across all aggregates except the room
// currently being viewed. Signal: SignalUnreadTotal.
func (s *Store) UnreadTotal(viewedRoomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadTotalLocked(viewedRoomID)
}

func (s *Store) unreadTotalLocked(viewedRoomID string) int {
	total := 0
	for _, r := range s.rooms {
		if r.ID == viewedRoomID {
			continue
		}
		if r.UnreadCount > 0 {
			total += r.UnreadCount
		}
	}
	return total
}

// SortedRoomList returns displayable rooms (resolved type, not left),
// ordered by phase, then unread count, then newest activity. Signal:
// SignalRoomList.
func (s *Store) SortedRoomList() []*types.RoomAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.RoomAggregate, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.Phase == types.PhaseLeave || !r.Type.Resolved() {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.UnreadCount != b.UnreadCount {
			return a.UnreadCount > b.UnreadCount
		}
		return newestEventTime(a) > newestEventTime(b)
	})
	return out
}

func newestEventTime(r *types.RoomAggregate) int64 {
	if ev := r.NewestViewEvent(); ev != nil {
		return ev.TimestampMS
	}
	return 0
}

// SyncComplete reports whether the first sync cycle has finished. Signal:
// SignalSyncComplete.
func (s *Store) SyncComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncComplete
}

// SetSyncComplete records first-cycle completion and fires its signal.
func (s *Store) SetSyncComplete(complete bool) {
	s.mu.Lock()
	s.syncComplete = complete
	s.mu.Unlock()
	s.notifier.fire(SignalSyncComplete)
}

// ----------------------------------------------------------------------------
// Unkeyed accessors: conversions and lookups the UI needs but that carry no
// invalidation contract of their own.
// ----------------------------------------------------------------------------

// RoomName resolves a display name: the counterpart's name for direct
// rooms, otherwise the room name falling back to the alias.
func (s *Store) RoomName(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ""
	}
	if r.Type == types.RoomTypeDirect {
		if m := r.Member(r.ContactID); m != nil && m.DisplayName != "" {
			return m.DisplayName
		}
		return r.ContactID
	}
	if r.Name != "" {
		return r.Name
	}
	return r.Alias
}

// Alias returns the room's canonical alias.
func (s *Store) Alias(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Alias
	}
	return ""
}

// Topic returns the room's topic.
func (s *Store) Topic(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Topic
	}
	return ""
}

// MemberName returns a member's display name, falling back to their ID.
func (s *Store) MemberName(roomID, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		if m := r.Member(userID); m != nil && m.DisplayName != "" {
			return m.DisplayName
		}
	}
	return userID
}

// PowerLevel returns a member's power level, or 0.
func (s *Store) PowerLevel(roomID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		if m := r.Member(userID); m != nil {
			return m.PowerLevel
		}
	}
	return 0
}

// InviteSender returns the counterpart member of an invite room.
func (s *Store) InviteSender(roomID string) *types.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	for id, m := range r.Members {
		if id != s.userID {
			return m
		}
	}
	return nil
}

// Users aggregates every known counterpart across non-community rooms,
// preferring the richest profile seen for each.
func (s *Store) Users() []types.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]types.Member{}
	for _, r := range s.rooms {
		if r.Type == types.RoomTypeCommunity {
			continue
		}
		for _, m := range r.Members {
			u := users[m.ID]
			u.ID = m.ID
			if m.DisplayName != "" {
				u.DisplayName = m.DisplayName
			}
			if m.AvatarURL != "" {
				u.AvatarURL = m.AvatarURL
			}
			users[m.ID] = u
		}
	}
	out := make([]types.Member, 0, len(users))
	for id, u := range users {
		if id == "" || id == s.userID {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImageTimeline extracts image messages from a room's raw timeline, newest
// first, along with the pagination token bounding older history.
func (s *Store) ImageTimeline(roomID string) ([]types.RawEvent, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ""
	}
	var out []types.RawEvent
	for _, ev := range r.RawTimeline {
		if ev.Type != types.MRoomMessage || ev.Redacted {
			continue
		}
		if ev.ContentField("msgtype").String() != "m.image" {
			continue
		}
		if ev.ContentField("url").String() == "" {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OriginServerTS > out[j].OriginServerTS
	})
	return out, r.PaginationToken
}

// TimelineLength returns the number of raw timeline entries held for a room.
func (s *Store) TimelineLength(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return len(r.RawTimeline)
	}
	return 0
}

// PaginationToken returns the token bounding the next backward fetch.
func (s *Store) PaginationToken(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.PaginationToken
	}
	return ""
}

// TimelineTruncated reports whether older history exists beyond what the
// store holds.
func (s *Store) TimelineTruncated(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.TimelineTruncated
	}
	return false
}

// SearchMessages queries the optional fulltext index.
func (s *Store) SearchMessages(term string, limit int) ([]string, error) {
	s.mu.Lock()
	ft := s.fulltext
	s.mu.Unlock()
	if ft == nil {
		return nil, nil
	}
	searcher, ok := ft.(interface {
		Search(term string, limit int) ([]string, error)
	})
	if !ok {
		return nil, nil
	}
	return searcher.Search(term, limit)
}

// ----------------------------------------------------------------------------
// User-action mutations.
// ----------------------------------------------------------------------------

// SetUnread overrides a room's unread count, typically to zero it while the
// room is being viewed.
func (s *Store) SetUnread(roomID string, unread int) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if ok {
		r.UnreadCount = unread
		unreadTotalGauge.Set(float64(s.unreadTotalLocked("")))
	}
	s.mu.Unlock()
	if ok {
		s.notifier.fire(SignalUnreadTotal)
		s.notifier.fire(SignalRoomList)
	}
}

// RemoveRoom deletes an aggregate after the user left or declined a room.
// The sync merge never removes aggregates itself.
func (s *Store) RemoveRoom(roomID string) {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if ok {
		s.notifier.fire(SignalRoomList)
	}
}

// Clear empties the store at logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.rooms = map[string]*types.RoomAggregate{}
	s.directRooms = map[string]string{}
	s.presence = NewPresenceEstimator()
	s.syncComplete = false
	s.mu.Unlock()
	s.notifier.fire(SignalRoomList)
}

// ----------------------------------------------------------------------------
// Persistence bridge.
// ----------------------------------------------------------------------------

// Snapshot captures a deep copy of the store for the persistence bridge,
// safe to marshal off the sync goroutine. The sync token is filled in by
// the caller that owns it.
func (s *Store) Snapshot() *types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	aggregates := make([]*types.RoomAggregate, 0, len(s.rooms))
	for _, r := range s.rooms {
		aggregates = append(aggregates, r.Clone())
	}
	sort.Slice(aggregates, func(i, j int) bool { return aggregates[i].ID < aggregates[j].ID })
	direct := make(map[string]string, len(s.directRooms))
	for k, v := range s.directRooms {
		direct[k] = v
	}
	return &types.Snapshot{
		Aggregates:  aggregates,
		LastSeen:    s.presence.snapshot(),
		DirectRooms: direct,
	}
}

// Restore replaces the store's contents from a persisted snapshot. An
// empty snapshot is rejected and leaves the store untouched, so startup
// falls back to a cold full-state sync instead of restoring a blank world.
func (s *Store) Restore(snap *types.Snapshot) bool {
	if snap == nil || len(snap.Aggregates) == 0 {
		return false
	}
	s.mu.Lock()
	s.rooms = make(map[string]*types.RoomAggregate, len(snap.Aggregates))
	for _, r := range snap.Aggregates {
		if r == nil || r.ID == "" {
			continue
		}
		if r.Members == nil {
			r.Members = map[string]*types.Member{}
		}
		if r.ReadReceipts == nil {
			r.ReadReceipts = map[string]types.ReadReceipt{}
		}
		if r.RedactedEventIDs == nil {
			r.RedactedEventIDs = map[string]struct{}{}
		}
		s.rooms[r.ID] = r
	}
	s.directRooms = map[string]string{}
	for k, v := range snap.DirectRooms {
		s.directRooms[k] = v
	}
	s.presence.restore(snap.LastSeen)
	s.mu.Unlock()
	s.notifier.fire(SignalRoomList)
	return true
}

// applyRedactionOverlay marks events in a projected slice whose IDs are in
// the room's redaction set, covering redactions that arrived before their
// target event did.
func (s *Store) applyRedactionOverlay(r *types.RoomAggregate, events []types.RawEvent) {
	if len(r.RedactedEventIDs) == 0 {
		return
	}
	for i := range events {
		if _, ok := r.RedactedEventIDs[events[i].EventID]; ok {
			events[i].Redacted = true
		}
	}
}

// messageBody extracts the plain body of a message event for indexing.
func messageBody(content []byte) string {
	return gjson.GetBytes(content, "body").String()
}
