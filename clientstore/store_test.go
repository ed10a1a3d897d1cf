package clientstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/qor5/x/v3/gormx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pablovelazquezb/electro"
	"github.com/Pablovelazquezb/electro/clientstore"
)

func setupStore(t *testing.T) *clientstore.Store {
	ctx := context.Background()
	suite := gormx.MustStartTestSuite(ctx)
	t.Cleanup(func() { _ = suite.Stop(context.Background()) })

	store, err := clientstore.New(&clientstore.Config{DB: suite.DB()})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestClientCRUD(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	created, err := store.Create(ctx, "  Client 1 ", "https://egauge90707.egaug.es")
	require.NoError(t, err)
	assert.Equal(t, "Client 1", created.Name)
	assert.Equal(t, "client_1", created.DataTable)
	assert.Empty(t, created.Columns)
	_, err = uuid.Parse(created.ID)
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.URL, got.URL)

	require.NoError(t, store.UpdateColumns(ctx, created.ID, []string{"Usage", "Inv 6-8+"}))
	got, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Usage", "Inv 6-8+"}, got.Columns)

	newURL := "https://egauge1.egaug.es"
	updated, err := store.Update(ctx, created.ID, clientstore.ClientUpdate{URL: &newURL})
	require.NoError(t, err)
	assert.Equal(t, newURL, updated.URL)
	assert.Equal(t, "Client 1", updated.Name)
	assert.Equal(t, "client_1", updated.DataTable, "table never changes")

	_, err = store.Update(ctx, created.ID, clientstore.ClientUpdate{})
	assert.Equal(t, electro.KindInvalidRequest, electro.KindOf(err))

	second, err := store.Create(ctx, "2nd Site", "https://egauge2.egaug.es")
	require.NoError(t, err)
	assert.Equal(t, "data_2nd_site", second.DataTable)

	clients, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, second.ID, clients[0].ID, "newest first")

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.True(t, errors.Is(err, electro.ErrNotFound))

	err = store.Delete(ctx, created.ID)
	assert.True(t, errors.Is(err, electro.ErrNotFound))
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	_, err := store.Create(ctx, "Client 1", "https://a.egaug.es")
	require.NoError(t, err)

	// same derived table
	_, err = store.Create(ctx, "client-1", "https://b.egaug.es")
	require.Error(t, err)
	assert.True(t, errors.Is(err, clientstore.ErrClientExists))
	assert.Equal(t, electro.KindInvalidRequest, electro.KindOf(err))

	// same name
	_, err = store.Create(ctx, "Client 1", "https://c.egaug.es")
	assert.True(t, errors.Is(err, clientstore.ErrClientExists))

	_, err = store.Create(ctx, "", "https://c.egaug.es")
	assert.Equal(t, electro.KindInvalidRequest, electro.KindOf(err))
}

func TestGetUnknownClient(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	_, err := store.Get(ctx, uuid.NewString())
	assert.Equal(t, electro.KindNotFound, electro.KindOf(err))

	_, err = store.Get(ctx, "not-a-uuid")
	assert.Equal(t, electro.KindNotFound, electro.KindOf(err))

	err = store.UpdateColumns(ctx, uuid.NewString(), []string{"Usage"})
	assert.Equal(t, electro.KindNotFound, electro.KindOf(err))
}

func TestCreateRejectsUnusableTables(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	for name, input := range map[string]string{
		"registry table": "Clients",
		"too long":       strings.Repeat("Solar Plant ", 6),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := store.Create(ctx, input, "https://a.egaug.es")
			require.Error(t, err)
			assert.Equal(t, electro.KindInvalidRequest, electro.KindOf(err))
		})
	}

	clients, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)

	_, err = store.Create(ctx, strings.Repeat("x", 63), "https://a.egaug.es")
	require.NoError(t, err)
}
