// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package pagination extends room timelines backwards on demand. Sync only
// ever delivers the newest slice of a room; scrolling up is served here.
package pagination

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/palaver-im/palaver/api"
	"github.com/palaver-im/palaver/types"
)

// ErrFetchInFlight is returned when a room already has a backward fetch
// running. The caller retries after the first fetch lands; issuing both
// would race on the pagination token.
var ErrFetchInFlight = errors.New("pagination: a backward fetch for this room is already in flight")

// Store is the slice of the room state store the paginator needs.
type Store interface {
	RoomType(roomID string) types.RoomType
	PaginationToken(roomID string) string
	MergeOlderHistory(roomID string, olderOldestFirst []types.RawEvent, endToken string, truncated bool) int
}

// Fetcher is the slice of the homeserver client the paginator needs.
type Fetcher interface {
	Messages(ctx context.Context, roomID, from string, limit int, eventTypes []string) (*types.MessagesResponse, error)
}

var pagesFetched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "palaver",
		Subsystem: "pagination",
		Name:      "pages_fetched_total",
		Help:      "Backward history pages fetched, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(pagesFetched)
}

// Paginator coordinates backward history fetches, one per room at a time.
type Paginator struct {
	store    Store
	fetcher  Fetcher
	pageSize int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPaginator returns a paginator fetching pageSize events per request.
func NewPaginator(store Store, fetcher Fetcher, pageSize int) *Paginator {
	if pageSize <= 0 {
		pageSize = 40
	}
	return &Paginator{
		store:    store,
		fetcher:  fetcher,
		pageSize: pageSize,
		inFlight: map[string]struct{}{},
	}
}

func (p *Paginator) acquire(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[roomID]; busy {
		return false
	}
	p.inFlight[roomID] = struct{}{}
	return true
}

func (p *Paginator) release(roomID string) {
	p.mu.Lock()
	delete(p.inFlight, roomID)
	p.mu.Unlock()
}

// ExtendBackward fetches one page of history older than what the store
// holds for roomID and merges it in. It returns the number of events the
// store actually gained: zero with a nil error means history is exhausted.
func (p *Paginator) ExtendBackward(ctx context.Context, roomID string) (int, error) {
	token := p.store.PaginationToken(roomID)
	if token == "" {
		return 0, nil
	}
	if !p.acquire(roomID) {
		return 0, ErrFetchInFlight
	}
	defer p.release(roomID)

	community := p.store.RoomType(roomID) == types.RoomTypeCommunity
	page, err := p.fetcher.Messages(ctx, roomID, token, p.pageSize, api.PaginationEventTypes(community))
	if err != nil {
		pagesFetched.WithLabelValues("error").Inc()
		logrus.WithField("room_id", roomID).WithError(err).Warn("Backward history fetch failed")
		return 0, err
	}
	pagesFetched.WithLabelValues("ok").Inc()

	// A full page means the server may hold yet older events; a short one
	// means this page reached the start of history.
	truncated := len(page.Chunk) == p.pageSize

	// The chunk arrives newest first; the store keeps oldest first.
	oldestFirst := make([]types.RawEvent, len(page.Chunk))
	for i := range page.Chunk {
		oldestFirst[len(page.Chunk)-1-i] = page.Chunk[i]
	}

	added := p.store.MergeOlderHistory(roomID, oldestFirst, page.End, truncated)
	return added, nil
}
