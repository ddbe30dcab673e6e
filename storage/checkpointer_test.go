package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palaver-im/palaver/types"
)

type fakeDatabase struct {
	saved []*types.Snapshot
	err   error
}

func (f *fakeDatabase) Save(_ context.Context, snap *types.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeDatabase) Load(context.Context) (*types.Snapshot, error) {
	return nil, ErrNoSnapshot
}

func (f *fakeDatabase) Clear(context.Context) error { return nil }
func (f *fakeDatabase) Close() error                { return nil }

type fakeSnapshotter struct{ snap *types.Snapshot }

func (f *fakeSnapshotter) Snapshot() *types.Snapshot { return f.snap }

type fakeTokens struct{ token string }

func (f *fakeTokens) NextToken() string { return f.token }

func TestCheckpointSkipsWithoutToken(t *testing.T) {
	db := &fakeDatabase{}
	c := NewCheckpointer(db, &fakeSnapshotter{snap: &types.Snapshot{}}, &fakeTokens{}, 0)

	require.NoError(t, c.Checkpoint(context.Background()))
	assert.Empty(t, db.saved)
}

func TestCheckpointSkipsUnchangedToken(t *testing.T) {
	db := &fakeDatabase{}
	tokens := &fakeTokens{token: "s1"}
	c := NewCheckpointer(db, &fakeSnapshotter{snap: &types.Snapshot{}}, tokens, 0)

	require.NoError(t, c.Checkpoint(context.Background()))
	require.NoError(t, c.Checkpoint(context.Background()))
	assert.Len(t, db.saved, 1)

	tokens.token = "s2"
	require.NoError(t, c.Checkpoint(context.Background()))
	assert.Len(t, db.saved, 2)
	assert.Equal(t, "s2", db.saved[1].NextSyncToken)
}

func TestCheckpointStampsToken(t *testing.T) {
	db := &fakeDatabase{}
	c := NewCheckpointer(db, &fakeSnapshotter{snap: &types.Snapshot{}}, &fakeTokens{token: "s9"}, 0)

	require.NoError(t, c.Checkpoint(context.Background()))
	require.Len(t, db.saved, 1)
	assert.Equal(t, "s9", db.saved[0].NextSyncToken)
}

func TestCheckpointRetriesAfterSaveFailure(t *testing.T) {
	db := &fakeDatabase{err: assert.AnError}
	c := NewCheckpointer(db, &fakeSnapshotter{snap: &types.Snapshot{}}, &fakeTokens{token: "s1"}, 0)

	require.Error(t, c.Checkpoint(context.Background()))

	// The token was not recorded as persisted, so the next tick tries again.
	db.err = nil
	require.NoError(t, c.Checkpoint(context.Background()))
	assert.Len(t, db.saved, 1)
}
