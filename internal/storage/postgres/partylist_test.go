package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusvr/presence/internal/presence"
	"github.com/janusvr/presence/internal/storage/postgres"
	"github.com/janusvr/presence/internal/testutil"
)

func TestPartyListRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	ctx := context.Background()
	repo := postgres.NewPartyListRepository(pc.RawPool)

	entry := presence.PartyEntry{
		RoomID:        "garden",
		RoomURL:       "http://example.com/garden.html",
		RoomName:      "The Garden",
		ClientVersion: "60.1",
	}

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, map[string]presence.PartyEntry{"alice": entry}))

		loaded, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]presence.PartyEntry{"alice": entry}, loaded)
	})

	t.Run("save replaces wholesale", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, map[string]presence.PartyEntry{
			"bob": {RoomID: "attic", RoomURL: "https://example.com/attic.html"},
		}))

		loaded, err := repo.Load(ctx)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.NotContains(t, loaded, "alice")
		assert.Contains(t, loaded, "bob")
	})

	t.Run("save empty clears the table", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, nil))

		loaded, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})
}
