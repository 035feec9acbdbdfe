package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hotelier/pkg/db/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type window struct {
	ID     string `gorm:"primaryKey"`
	Prefix string
	Active bool
	Seq    int
}

func setupStore(t *testing.T) Repository[window] {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&window{}))
	return ProvideStore[window](conn)
}

func TestStoreFindAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	require.NoError(t, store.Create(ctx, &window{ID: "a", Prefix: "FEH", Active: false, Seq: 1}))
	require.NoError(t, store.Create(ctx, &window{ID: "b", Prefix: "FEH", Active: true, Seq: 2}))
	require.NoError(t, store.Create(ctx, &window{ID: "c", Prefix: "NCH", Active: true, Seq: 3}))

	all, err := store.Find(ctx, &window{Prefix: "FEH"}, option.WithSortBy("seq", "asc"))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)

	active, err := store.FindOne(ctx, &window{Prefix: "FEH", Active: true})
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b", active.ID)

	missing, err := store.FindOne(ctx, &window{Prefix: "XXX"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Update(ctx, "b", map[string]any{"active": false}))
	assert.ErrorIs(t, store.Update(ctx, "zzz", map[string]any{"active": false}), gorm.ErrRecordNotFound)

	count, err := store.Count(ctx, &window{Prefix: "FEH"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
