package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// newTestStore connects to CATALOG_TEST_DSN; the tests are skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CATALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, DefaultConfig(dsn))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func player(teamID, playerID, userID string) catalog.Entity {
	attrs := catalog.Attributes{"teamId": teamID, "playerId": playerID, "firstName": "Pat", "userId": userID}
	key, _ := catalog.BuildKey(catalog.EntityPlayer, teamID, playerID)
	return catalog.Entity{
		Type:    catalog.EntityPlayer,
		Key:     key,
		Attrs:   attrs,
		Indexes: catalog.DeriveIndexEntries(catalog.EntityPlayer, attrs),
	}
}

func TestTransactAndIndexQuery(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	teamID, userID := uuid.NewString(), uuid.NewString()
	p1 := player(teamID, uuid.NewString(), userID)
	p2 := player(teamID, uuid.NewString(), userID)

	events, err := s.Transact(ctx, []kv.WriteOp{kv.Create(p1), kv.Create(p2)})
	is.NoErr(err)
	is.Equal(len(events), 2)

	page, err := s.Query(ctx, kv.Query{Index: catalog.IndexUserPlayers, PartitionKey: catalog.UserPlayersPartition(userID), Limit: 1})
	is.NoErr(err)
	is.Equal(len(page.Items), 1)
	is.True(page.NextCursor != "")

	next, err := s.Query(ctx, kv.Query{Index: catalog.IndexUserPlayers, PartitionKey: catalog.UserPlayersPartition(userID), Limit: 1, Cursor: page.NextCursor})
	is.NoErr(err)
	is.Equal(len(next.Items), 1)
	is.True(next.Items[0].Key != page.Items[0].Key)

	// unlinking drops the index entry with the same write
	ghost := player(teamID, p1.Attrs.String("playerId"), "")
	ghost.Attrs["userId"] = nil
	ghost.Indexes = catalog.DeriveIndexEntries(catalog.EntityPlayer, ghost.Attrs)
	_, err = s.Transact(ctx, []kv.WriteOp{kv.Replace(ghost, 1)})
	is.NoErr(err)

	page, err = s.Query(ctx, kv.Query{Index: catalog.IndexUserPlayers, PartitionKey: catalog.UserPlayersPartition(userID)})
	is.NoErr(err)
	is.Equal(len(page.Items), 1)
}

func TestTransactConditionFailure(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	teamID := uuid.NewString()
	p := player(teamID, uuid.NewString(), "")
	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(p)})
	is.NoErr(err)

	other := player(teamID, uuid.NewString(), "")
	_, err = s.Transact(ctx, []kv.WriteOp{kv.Create(other), kv.Create(p)})
	var cfe *kv.ConditionFailedError
	is.True(errors.As(err, &cfe))
	is.Equal(cfe.Failed, []int{1})

	_, err = s.Get(ctx, other.Key)
	is.True(catalog.IsNotFound(err)) // rolled back
}
