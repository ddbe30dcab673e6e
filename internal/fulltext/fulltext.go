// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package fulltext provides a local message search index. Messages are
// indexed as they stream in from sync and removed again when redacted, so a
// search can never surface content its author withdrew.
package fulltext

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/pkg/errors"
)

// Search wraps the underlying index. Not safe for concurrent Close.
type Search struct {
	index bleve.Index
}

// Message is the indexed projection of one message event.
type Message struct {
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	Body        string `json:"body"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// New opens or creates an index at path.
func New(path string) (*Search, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, indexMapping())
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening fulltext index")
	}
	return &Search{index: index}, nil
}

// NewMemOnly creates an in-memory index, used in tests and when no durable
// search path is configured.
func NewMemOnly() (*Search, error) {
	index, err := bleve.NewMemOnly(indexMapping())
	if err != nil {
		return nil, errors.Wrap(err, "creating in-memory fulltext index")
	}
	return &Search{index: index}, nil
}

func indexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	msg := bleve.NewDocumentMapping()
	body := bleve.NewTextFieldMapping()
	msg.AddFieldMappingsAt("body", body)
	room := bleve.NewKeywordFieldMapping()
	msg.AddFieldMappingsAt("room_id", room)
	sender := bleve.NewKeywordFieldMapping()
	msg.AddFieldMappingsAt("sender_id", sender)

	m.DefaultMapping = msg
	return m
}

// IndexMessage adds or replaces one message document, keyed by event ID.
func (s *Search) IndexMessage(roomID, eventID, senderID, body string, originTS int64) error {
	return s.index.Index(eventID, Message{
		RoomID:      roomID,
		SenderID:    senderID,
		Body:        body,
		TimestampMS: originTS,
	})
}

// RemoveMessage drops a document, typically after a redaction. Removing an
// ID that was never indexed is not an error.
func (s *Search) RemoveMessage(eventID string) error {
	return s.index.Delete(eventID)
}

// Search returns the event IDs of messages matching term, best first.
func (s *Search) Search(term string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	query := bleve.NewMatchQuery(term)
	query.SetField("body")

	req := bleve.NewSearchRequest(query)
	req.Size = limit

	result, err := s.index.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "searching fulltext index")
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close releases the index.
func (s *Search) Close() error {
	return s.index.Close()
}
