// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package adminapi exposes a local HTTP surface for inspecting the synced
// room state: the room list, backward history fetches, message search and
// Prometheus metrics. It binds to loopback only and carries no auth.
package adminapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/palaver-im/palaver/internal/httputil"
	"github.com/palaver-im/palaver/pagination"
	"github.com/palaver-im/palaver/state"
	"github.com/palaver-im/palaver/types"
)

type roomSummary struct {
	RoomID      string          `json:"room_id"`
	Name        string          `json:"name"`
	Type        types.RoomType  `json:"type"`
	Phase       types.RoomPhase `json:"phase"`
	UnreadCount int             `json:"unread_count"`
	Active      bool            `json:"active"`
}

type roomListResponse struct {
	Rooms       []roomSummary `json:"rooms"`
	UnreadTotal int           `json:"unread_total"`
}

type extendResponse struct {
	RoomID         string `json:"room_id"`
	EventsFetched  int    `json:"events_fetched"`
	TimelineLength int    `json:"timeline_length"`
}

type searchResponse struct {
	Term     string   `json:"term"`
	EventIDs []string `json:"event_ids"`
}

// Setup registers every admin route on the given router. The rate limiter
// guards the history endpoint in particular, since each hit can trigger a
// homeserver fetch.
func Setup(router *mux.Router, store *state.Store, paginator *pagination.Paginator, limits *httputil.RateLimits) {
	if limits != nil {
		router.Use(limits.Middleware)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Handle("/rooms", util.MakeJSONAPI(util.NewJSONRequestHandler(
		func(req *http.Request) util.JSONResponse {
			return listRooms(store)
		},
	))).Methods(http.MethodGet)

	router.Handle("/rooms/{roomID}/history", util.MakeJSONAPI(util.NewJSONRequestHandler(
		func(req *http.Request) util.JSONResponse {
			vars := mux.Vars(req)
			return extendHistory(req.Context(), store, paginator, vars["roomID"])
		},
	))).Methods(http.MethodPost)

	router.Handle("/search", util.MakeJSONAPI(util.NewJSONRequestHandler(
		func(req *http.Request) util.JSONResponse {
			return searchMessages(store, req.URL.Query().Get("term"), req.URL.Query().Get("limit"))
		},
	))).Methods(http.MethodGet)
}

func listRooms(store *state.Store) util.JSONResponse {
	aggregates := store.SortedRoomList()
	rooms := make([]roomSummary, 0, len(aggregates))
	for _, agg := range aggregates {
		rooms = append(rooms, roomSummary{
			RoomID:      agg.ID,
			Name:        store.RoomName(agg.ID),
			Type:        agg.Type,
			Phase:       agg.Phase,
			UnreadCount: agg.UnreadCount,
			Active:      agg.Active,
		})
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: roomListResponse{Rooms: rooms, UnreadTotal: store.UnreadTotal("")},
	}
}

func extendHistory(ctx context.Context, store *state.Store, paginator *pagination.Paginator, roomID string) util.JSONResponse {
	if _, ok := store.RoomPhase(roomID); !ok {
		return util.MessageResponse(http.StatusNotFound, "unknown room")
	}
	fetched, err := paginator.ExtendBackward(ctx, roomID)
	if err == pagination.ErrFetchInFlight {
		return util.MessageResponse(http.StatusConflict, "a history fetch for this room is already running")
	}
	if err != nil {
		return util.ErrorResponse(err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: extendResponse{
			RoomID:         roomID,
			EventsFetched:  fetched,
			TimelineLength: store.TimelineLength(roomID),
		},
	}
}

func searchMessages(store *state.Store, term, limitStr string) util.JSONResponse {
	if term == "" {
		return util.MessageResponse(http.StatusBadRequest, "missing search term")
	}
	limit := 50
	if limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return util.MessageResponse(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	eventIDs, err := store.SearchMessages(term, limit)
	if err != nil {
		return util.ErrorResponse(err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: searchResponse{Term: term, EventIDs: eventIDs},
	}
}
