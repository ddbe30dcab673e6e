// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package api is the homeserver HTTP client. It covers exactly the surface
// the sync driver, the paginator and the UI-facing store operations need.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/palaver-im/palaver/types"
)

const prefix = "/_matrix/client/r0"

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is the homeserver surface consumed by the rest of the module.
type Client interface {
	// Sync performs one long-poll. An empty since requests the initial
	// snapshot; timeout bounds how long the server may hold the request.
	Sync(ctx context.Context, since string, filter SyncFilter, timeout time.Duration) (*types.SyncPayload, error)
	// Messages fetches up to limit events older than from, newest first.
	Messages(ctx context.Context, roomID, from string, limit int, eventTypes []string) (*types.MessagesResponse, error)
	// SendReadReceipt acknowledges an event. Suppressed while offline.
	SendReadReceipt(ctx context.Context, roomID, eventID string) error
	// SendMessage posts a message event and returns its server-assigned ID.
	SendMessage(ctx context.Context, roomID string, content json.RawMessage) (string, error)
	// Profile fetches a user's profile, served from cache when fresh.
	Profile(ctx context.Context, userID string) (*ProfileInfo, error)
}

// ProfileInfo is a user's global profile.
type ProfileInfo struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// HTTPError is a non-2xx response from the homeserver.
type HTTPError struct {
	StatusCode int
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("homeserver returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsUnknownToken reports whether err means the access token has been
// invalidated and the session must re-authenticate.
func IsUnknownToken(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == "M_UNKNOWN_TOKEN"
}

// Options configures an HTTPClient.
type Options struct {
	HomeserverURL string
	AccessToken   string
	// Timeout is the transport-level request timeout. It must exceed the
	// long-poll timeout passed to Sync or every poll fails early.
	Timeout time.Duration
	// Offline, when non-nil, is shared with the sync driver; read receipts
	// are suppressed while it is set.
	Offline *atomic.Bool
}

// HTTPClient implements Client against a homeserver.
type HTTPClient struct {
	base        *url.URL
	accessToken string
	client      *http.Client
	offline     *atomic.Bool
	profiles    *cache.Cache
}

// NewHTTPClient validates the homeserver URL and returns a ready client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.HomeserverURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing homeserver URL")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("homeserver URL %q must be http or https", opts.HomeserverURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	offline := opts.Offline
	if offline == nil {
		offline = atomic.NewBool(false)
	}
	return &HTTPClient{
		base:        base,
		accessToken: opts.AccessToken,
		client:      &http.Client{Timeout: timeout},
		offline:     offline,
		profiles:    cache.New(time.Hour, 10*time.Minute),
	}, nil
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = u.Path + prefix + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close() // nolint: errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		_ = json_.NewDecoder(resp.Body).Decode(httpErr)
		return httpErr
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body) // nolint: errcheck
		return nil
	}
	if err := json_.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

// Sync implements Client.
func (c *HTTPClient) Sync(ctx context.Context, since string, filter SyncFilter, timeout time.Duration) (*types.SyncPayload, error) {
	encoded, err := json_.Marshal(filter)
	if err != nil {
		return nil, errors.Wrap(err, "encoding sync filter")
	}
	query := url.Values{
		"filter":  []string{string(encoded)},
		"timeout": []string{strconv.FormatInt(timeout.Milliseconds(), 10)},
	}
	if since != "" {
		query.Set("since", since)
	}

	var payload types.SyncPayload
	if err := c.do(ctx, http.MethodGet, c.endpoint("/sync", query), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Messages implements Client.
func (c *HTTPClient) Messages(ctx context.Context, roomID, from string, limit int, eventTypes []string) (*types.MessagesResponse, error) {
	filter, err := json_.Marshal(struct {
		Types []string `json:"types"`
	}{Types: eventTypes})
	if err != nil {
		return nil, errors.Wrap(err, "encoding messages filter")
	}
	query := url.Values{
		"from":   []string{from},
		"dir":    []string{"b"},
		"limit":  []string{strconv.Itoa(limit)},
		"filter": []string{string(filter)},
	}

	var page types.MessagesResponse
	path := "/rooms/" + roomID + "/messages"
	if err := c.do(ctx, http.MethodGet, c.endpoint(path, query), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendReadReceipt implements Client. While the server is unreachable the
// receipt is dropped rather than queued: a newer one will supersede it as
// soon as the connection returns.
func (c *HTTPClient) SendReadReceipt(ctx context.Context, roomID, eventID string) error {
	if c.offline.Load() {
		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": eventID,
		}).Debug("Offline, dropping read receipt")
		return nil
	}
	path := "/rooms/" + roomID + "/receipt/m.read/" + eventID
	return c.do(ctx, http.MethodPost, c.endpoint(path, nil), strings.NewReader("{}"), nil)
}

// SendMessage implements Client. The transaction ID makes retries safe: the
// server deduplicates on it.
func (c *HTTPClient) SendMessage(ctx context.Context, roomID string, content json.RawMessage) (string, error) {
	txnID := uuid.NewString()
	path := "/rooms/" + roomID + "/send/m.room.message/" + txnID

	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, c.endpoint(path, nil), bytes.NewReader(content), &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// Profile implements Client.
func (c *HTTPClient) Profile(ctx context.Context, userID string) (*ProfileInfo, error) {
	if cached, ok := c.profiles.Get(userID); ok {
		profile := cached.(ProfileInfo)
		return &profile, nil
	}

	var profile ProfileInfo
	path := "/profile/" + userID
	if err := c.do(ctx, http.MethodGet, c.endpoint(path, nil), nil, &profile); err != nil {
		return nil, err
	}
	c.profiles.Set(userID, profile, cache.DefaultExpiration)
	return &profile, nil
}
