package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"

	"github.com/palaver-im/palaver/api"
	"github.com/palaver-im/palaver/types"
)

type result struct {
	payload *types.SyncPayload
	err     error
}

type call struct {
	since   string
	filter  api.SyncFilter
	respond chan result
}

// scriptedSyncer hands each poll to the test, which decides the response.
type scriptedSyncer struct {
	calls chan call
}

func newScriptedSyncer() *scriptedSyncer {
	return &scriptedSyncer{calls: make(chan call)}
}

func (s *scriptedSyncer) Sync(ctx context.Context, since string, filter api.SyncFilter, _ time.Duration) (*types.SyncPayload, error) {
	c := call{since: since, filter: filter, respond: make(chan result)}
	select {
	case s.calls <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.respond:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedSyncer) expect(t *testing.T) call {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sync poll")
		return call{}
	}
}

type recordingStore struct {
	mu           sync.Mutex
	applied      []string
	syncComplete bool
}

func (r *recordingStore) record(op string) {
	r.mu.Lock()
	r.applied = append(r.applied, op)
	r.mu.Unlock()
}

func (r *recordingStore) ApplyInitialSnapshot(*types.SyncPayload) error {
	r.record("snapshot")
	return nil
}

func (r *recordingStore) ApplyInitialTimelines(*types.SyncPayload) error {
	r.record("timelines")
	return nil
}

func (r *recordingStore) ApplyIncrementalPayload(*types.SyncPayload) error {
	r.record("incremental")
	return nil
}

func (r *recordingStore) SetSyncComplete(complete bool) {
	r.mu.Lock()
	r.syncComplete = complete
	r.mu.Unlock()
}

func (r *recordingStore) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

func payload(next string) *types.SyncPayload {
	return &types.SyncPayload{NextBatch: next}
}

// isSnapshotFilter distinguishes the state-only bootstrap filter from the
// streaming one by its zero timeline limit.
func isSnapshotFilter(f api.SyncFilter) bool {
	return f.Room.Timeline.Limit != nil && *f.Room.Timeline.Limit == 0
}

func stopDriver(cancel context.CancelFunc, d *Driver) {
	cancel()
	d.Stop()
}

func TestColdStartRunsTwoStageBootstrap(t *testing.T) {
	syncer := newScriptedSyncer()
	store := &recordingStore{}
	d := NewDriver(store, syncer, Options{RetryDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	// Stage one: state-only snapshot, no since token.
	c := syncer.expect(t)
	assert.Equal(t, "", c.since)
	assert.True(t, isSnapshotFilter(c.filter))
	c.respond <- result{payload: payload("s1")}

	// Stage two: token-less streaming poll for the initial timelines.
	c = syncer.expect(t)
	assert.Equal(t, "", c.since)
	assert.False(t, isSnapshotFilter(c.filter))
	c.respond <- result{payload: payload("s2")}

	// Steady state resumes from the stage-two token.
	c = syncer.expect(t)
	assert.Equal(t, "s2", c.since)
	c.respond <- result{payload: payload("s3")}

	c = syncer.expect(t)
	assert.Equal(t, "s3", c.since)
	stopDriver(cancel, d)

	assert.Equal(t, []string{"snapshot", "timelines", "incremental"}, store.ops())
	assert.Equal(t, "s3", d.NextToken())
}

func TestWarmStartSkipsBootstrap(t *testing.T) {
	syncer := newScriptedSyncer()
	store := &recordingStore{}
	d := NewDriver(store, syncer, Options{RetryDelay: time.Millisecond})
	d.SetNextToken("s41")

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	c := syncer.expect(t)
	assert.Equal(t, "s41", c.since)
	assert.False(t, isSnapshotFilter(c.filter))
	c.respond <- result{payload: payload("s42")}

	c = syncer.expect(t)
	assert.Equal(t, "s42", c.since)
	stopDriver(cancel, d)

	assert.Equal(t, []string{"incremental"}, store.ops())
}

func TestPollFailureGoesOfflineAndRetries(t *testing.T) {
	syncer := newScriptedSyncer()
	store := &recordingStore{}
	offline := atomic.NewBool(false)
	d := NewDriver(store, syncer, Options{RetryDelay: time.Millisecond, Offline: offline})
	d.SetNextToken("s41")

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	c := syncer.expect(t)
	c.respond <- result{err: context.DeadlineExceeded}

	// The retry arrives with the same token; meanwhile we are offline and
	// the store was released from its loading state.
	c = syncer.expect(t)
	assert.Equal(t, "s41", c.since)
	assert.True(t, offline.Load())
	store.mu.Lock()
	assert.True(t, store.syncComplete)
	store.mu.Unlock()

	c.respond <- result{payload: payload("s42")}
	c = syncer.expect(t)
	assert.Equal(t, "s42", c.since)
	assert.False(t, offline.Load(), "a successful poll clears the offline flag")
	stopDriver(cancel, d)
}

func TestUnknownTokenStopsTheLoop(t *testing.T) {
	syncer := newScriptedSyncer()
	store := &recordingStore{}
	var invalidated bool
	d := NewDriver(store, syncer, Options{
		RetryDelay:     time.Millisecond,
		OnUnknownToken: func() { invalidated = true },
	})
	d.SetNextToken("s41")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	c := syncer.expect(t)
	c.respond <- result{err: &api.HTTPError{StatusCode: 401, Code: "M_UNKNOWN_TOKEN"}}

	d.Stop()
	assert.True(t, invalidated)

	select {
	case <-syncer.calls:
		t.Fatal("loop must not poll again after token invalidation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStalePayloadIsDiscardedAfterStop(t *testing.T) {
	syncer := newScriptedSyncer()
	store := &recordingStore{}
	d := NewDriver(store, syncer, Options{RetryDelay: time.Millisecond})
	d.SetNextToken("s41")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	c := syncer.expect(t)
	d.stopped.Store(true) // Stop() would block on the in-flight poll
	c.respond <- result{payload: payload("s42")}
	d.Stop()

	assert.Empty(t, store.ops(), "payload delivered after stop is dropped")
	assert.Equal(t, "s41", d.NextToken())
}
