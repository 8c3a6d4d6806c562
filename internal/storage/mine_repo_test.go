package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseRepo(t *testing.T, repo MineRepo) {
	ctx := context.Background()

	t.Run("Load missing", func(t *testing.T) {
		_, found, err := repo.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Save and Load", func(t *testing.T) {
		rec := MineRecord{
			OwnerID:     "u-1",
			OwnerName:   "Alice",
			MineName:    "Alice's Mine",
			SizeLevel:   3,
			BeaconLevel: 2,
			TaxRate:     0.25,
			Allowed:     []string{"u-2"},
			WorldName:   "mine_alice",
		}
		require.NoError(t, repo.Save(ctx, rec))

		got, found, err := repo.Load(ctx, "u-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Alice's Mine", got.MineName)
		assert.Equal(t, 3, got.SizeLevel)
		assert.Equal(t, 2, got.BeaconLevel)
		assert.InDelta(t, 0.25, got.TaxRate, 1e-9)
		assert.Equal(t, []string{"u-2"}, got.Allowed)
		assert.Equal(t, "mine_alice", got.WorldName)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, MineRecord{OwnerID: "u-1", OwnerName: "Alice", SizeLevel: 4}))
		got, _, err := repo.Load(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, 4, got.SizeLevel)
		assert.Empty(t, got.Allowed)
	})

	t.Run("List sorted", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, MineRecord{OwnerID: "u-0", OwnerName: "Bob", SizeLevel: 1}))
		list, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "u-0", list[0].OwnerID)
		assert.Equal(t, "u-1", list[1].OwnerID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "u-0"))
		require.NoError(t, repo.Delete(ctx, "u-0"))
		_, found, err := repo.Load(ctx, "u-0")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestMemoryMineRepo(t *testing.T) {
	repo := NewMemoryMineRepo()
	exerciseRepo(t, repo)

	t.Run("Returned records are copies", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, repo.Save(ctx, MineRecord{OwnerID: "c", Allowed: []string{"a"}}))
		got, _, _ := repo.Load(ctx, "c")
		got.Allowed[0] = "mutated"
		again, _, _ := repo.Load(ctx, "c")
		assert.Equal(t, "a", again.Allowed[0])
	})

	require.NoError(t, repo.Close())
	_, _, err := repo.Load(context.Background(), "u-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadgerMineRepo(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerMineRepo(dir)
	require.NoError(t, err)
	exerciseRepo(t, repo)
	require.NoError(t, repo.Close())

	t.Run("Survives reopen", func(t *testing.T) {
		reopened, err := NewBadgerMineRepo(dir)
		require.NoError(t, err)
		defer reopened.Close()

		got, found, err := reopened.Load(context.Background(), "u-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 4, got.SizeLevel)
	})

	assert.NoError(t, repo.Close())
	assert.ErrorIs(t, repo.Save(context.Background(), MineRecord{OwnerID: "x"}), ErrClosed)
}
