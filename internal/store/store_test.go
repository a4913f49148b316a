package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/senutpal/kvpaxos/internal/ballot"
)

func openTestStore(t *testing.T) *ReplicaStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "replica.db")
	s, err := Open("sqlite", dsn, "kvlog", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Bootstrap(context.Background()))
	return s
}

func TestEnsureRowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.EnsureRow(ctx, "a", 1))
	require.NoError(t, s.EnsureRow(ctx, "a", 1))

	row, ok, err := s.ReadRow(ctx, "a", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, row.PromisedValid)
	require.EqualValues(t, 0, row.Promised)
	require.True(t, row.AcceptedValid)
	require.EqualValues(t, 0, row.Accepted)
	require.False(t, row.HasValue)
	require.False(t, row.Learned())
}

func TestPromiseAcceptLearnLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureRow(ctx, "k", 1))

	seq := ballot.Ballot(100)
	require.NoError(t, s.UpdatePromised(ctx, "k", 1, seq))

	row, ok, err := s.ReadRow(ctx, "k", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, seq, row.Promised)

	accepted, err := s.ConditionalAccept(ctx, "k", 1, seq, seq, []byte("v1"))
	require.NoError(t, err)
	require.True(t, accepted)

	// A stale ballot must not be accepted.
	stale, err := s.ConditionalAccept(ctx, "k", 1, ballot.Ballot(50), ballot.Ballot(50), []byte("stale"))
	require.NoError(t, err)
	require.False(t, stale)

	learned, err := s.ConditionalLearn(ctx, "k", 1, seq)
	require.NoError(t, err)
	require.True(t, learned)

	row, ok, err = s.ReadRow(ctx, "k", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, row.Learned())
	require.Equal(t, []byte("v1"), row.Value)
}

func TestConditionalLearnRejectsBallotMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureRow(ctx, "k", 1))
	require.NoError(t, s.UpdatePromised(ctx, "k", 1, 10))
	ok, err := s.ConditionalAccept(ctx, "k", 1, 10, 10, []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)

	learned, err := s.ConditionalLearn(ctx, "k", 1, 11)
	require.NoError(t, err)
	require.False(t, learned)
}

func TestHighestLearnedAndGarbageCollection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	versions := []struct {
		version int64
		seq     ballot.Ballot
	}{{1, 10}, {2, 20}}
	for _, vs := range versions {
		require.NoError(t, s.EnsureRow(ctx, "k", vs.version))
		require.NoError(t, s.UpdatePromised(ctx, "k", vs.version, vs.seq))
		ok, err := s.ConditionalAccept(ctx, "k", vs.version, vs.seq, vs.seq, []byte("val"))
		require.NoError(t, err)
		require.True(t, ok)
		learned, err := s.ConditionalLearn(ctx, "k", vs.version, vs.seq)
		require.NoError(t, err)
		require.True(t, learned)
	}

	version, value, found, err := s.HighestLearned(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, version)
	require.Equal(t, []byte("val"), value)

	// Learning version 2 must have garbage-collected version 1.
	_, ok, err := s.ReadRow(ctx, "k", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteBelowPrunesOlderVersionsOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, v := range []int64{1, 2, 3} {
		require.NoError(t, s.EnsureRow(ctx, "k", v))
	}
	require.NoError(t, s.EnsureRow(ctx, "other", 1))

	require.NoError(t, s.DeleteBelow(ctx, "k", 3))

	for _, v := range []int64{1, 2} {
		_, ok, err := s.ReadRow(ctx, "k", v)
		require.NoError(t, err)
		require.False(t, ok)
	}
	_, ok, err := s.ReadRow(ctx, "k", 3)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ReadRow(ctx, "other", 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReadRepairInstallsLearnedRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureRow(ctx, "k", 1))

	ok, err := s.ReadRepair(ctx, "k", 5, []byte("repaired"))
	require.NoError(t, err)
	require.True(t, ok)

	version, value, found, err := s.HighestLearned(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 5, version)
	require.Equal(t, []byte("repaired"), value)
}
