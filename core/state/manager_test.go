package state

import (
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"escrowd/storage"
)

type kvRecord struct {
	Name   string
	Amount *uint256.Int
	At     uint64
}

func newTestManager() (*Manager, *storage.MemDB) {
	db := storage.NewMemDB()
	return NewManager(db), db
}

func TestKVRoundTripOutsideUnit(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, m.KVPut(ctx, []byte("rec"), kvRecord{Name: "a", Amount: uint256.NewInt(42), At: 7}))

	var got kvRecord
	ok, err := m.KVGet(ctx, []byte("rec"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", got.Name)
	require.Equal(t, uint64(42), got.Amount.Uint64())
	require.Equal(t, uint64(7), got.At)

	ok, err = m.KVGet(ctx, []byte("missing"), &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAtomicRevertsOnError(t *testing.T) {
	m, db := newTestManager()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.KVPut(ctx, []byte("x"), uint64(1)); err != nil {
			return err
		}
		var v uint64
		ok, err := m.KVGet(ctx, []byte("x"), &v)
		require.NoError(t, err)
		require.True(t, ok, "writes must be visible inside the unit")
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, db.Len())

	ok, err := m.KVGet(ctx, []byte("x"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUncommittedWritesInvisibleOutsideUnit(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	err := m.Atomic(ctx, func(inner context.Context) error {
		require.NoError(t, m.KVPut(inner, []byte("x"), uint64(1)))
		ok, err := m.KVGet(context.Background(), []byte("x"), nil)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	ok, err := m.KVGet(ctx, []byte("x"), nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNestedUnitRevertsOnlyItsWrites(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	var fired []string

	err := m.Atomic(ctx, func(ctx context.Context) error {
		require.NoError(t, m.KVPut(ctx, []byte("outer"), uint64(1)))
		m.OnCommit(ctx, func() { fired = append(fired, "outer") })
		inner := m.Atomic(ctx, func(ctx context.Context) error {
			require.NoError(t, m.KVPut(ctx, []byte("outer"), uint64(2)))
			require.NoError(t, m.KVPut(ctx, []byte("inner"), uint64(3)))
			m.OnCommit(ctx, func() { fired = append(fired, "inner") })
			return errors.New("inner failed")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	var v uint64
	ok, err := m.KVGet(ctx, []byte("outer"), &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
	ok, err = m.KVGet(ctx, []byte("inner"), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"outer"}, fired)
}

func TestOnCommitDroppedOnRevert(t *testing.T) {
	m, _ := newTestManager()
	fired := false
	_ = m.Atomic(context.Background(), func(ctx context.Context) error {
		m.OnCommit(ctx, func() { fired = true })
		return errors.New("abort")
	})
	require.False(t, fired)
}

func TestKVAppendDeduplicates(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.KVAppend(ctx, []byte("idx"), []byte{1}))
	require.NoError(t, m.KVAppend(ctx, []byte("idx"), []byte{2}))
	require.NoError(t, m.KVAppend(ctx, []byte("idx"), []byte{1}))

	var list [][]byte
	require.NoError(t, m.KVGetList(ctx, []byte("idx"), &list))
	require.Equal(t, [][]byte{{1}, {2}}, list)

	var empty [][]byte
	require.NoError(t, m.KVGetList(ctx, []byte("none"), &empty))
	require.NotNil(t, empty)
	require.Len(t, empty, 0)
}

func TestKVDelete(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	require.NoError(t, m.KVPut(ctx, []byte("k"), uint64(5)))
	require.NoError(t, m.KVDelete(ctx, []byte("k")))
	ok, err := m.KVGet(ctx, []byte("k"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}
