package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
)

func team(id string) catalog.Entity {
	attrs := catalog.Attributes{"teamId": id, "name": "Team " + id, catalog.AttrStatus: catalog.StatusActive}
	key, _ := catalog.BuildKey(catalog.EntityTeam, id)
	return catalog.Entity{
		Type:    catalog.EntityTeam,
		Key:     key,
		Attrs:   attrs,
		Indexes: catalog.DeriveIndexEntries(catalog.EntityTeam, attrs),
	}
}

func TestTransactVersions(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()

	events, err := s.Transact(ctx, []kv.WriteOp{kv.Create(team("t1"))})
	is.NoErr(err)
	is.Equal(len(events), 1)
	is.True(events[0].IsCreate())
	is.Equal(events[0].Version, int64(1))

	got, err := s.Get(ctx, team("t1").Key)
	is.NoErr(err)
	is.Equal(got.Version, int64(1))

	updated := team("t1")
	updated.Attrs["name"] = "Renamed"
	events, err = s.Transact(ctx, []kv.WriteOp{kv.Replace(updated, 1)})
	is.NoErr(err)
	is.Equal(events[0].Version, int64(2))
	is.Equal(events[0].Old["name"], "Team t1")
	is.Equal(events[0].New["name"], "Renamed")

	_, err = s.Transact(ctx, []kv.WriteOp{kv.Replace(updated, 1)})
	var cfe *kv.ConditionFailedError
	is.True(errors.As(err, &cfe))
	is.Equal(cfe.Failed, []int{0})
	is.True(errors.Is(err, catalog.ErrConflict))
}

func TestTransactAllOrNothing(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()

	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(team("t1"))})
	is.NoErr(err)
	s.DrainChanges()

	_, err = s.Transact(ctx, []kv.WriteOp{kv.Create(team("t2")), kv.Create(team("t1"))})
	is.True(errors.Is(err, catalog.ErrConflict))
	_, err = s.Get(ctx, team("t2").Key)
	is.True(catalog.IsNotFound(err)) // first op not applied
	is.Equal(len(s.DrainChanges()), 0)
}

func TestTransactFaultRollsBack(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()

	s.InjectFault(FailAt(2, errors.New("connection reset")))
	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(team("a")), kv.Create(team("b")), kv.Create(team("c"))})
	is.True(errors.Is(err, catalog.ErrTransient))
	is.Equal(s.Len(), 0)
	is.Equal(len(s.DrainChanges()), 0)

	// the fault is consumed; the retry succeeds
	_, err = s.Transact(ctx, []kv.WriteOp{kv.Create(team("a")), kv.Create(team("b")), kv.Create(team("c"))})
	is.NoErr(err)
	is.Equal(s.Len(), 3)
}

func TestTransactRejectsDuplicateKeys(t *testing.T) {
	is := is.New(t)
	s := NewStore()
	_, err := s.Transact(context.Background(), []kv.WriteOp{kv.Put(team("a")), kv.Delete(team("a").Key)})
	is.True(errors.Is(err, catalog.ErrValidation))
}

func TestQueryPagination(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()

	var ops []kv.WriteOp
	for _, id := range []string{"e", "a", "d", "b", "c"} {
		ops = append(ops, kv.Create(team(id)))
	}
	_, err := s.Transact(ctx, ops)
	is.NoErr(err)

	q := kv.Query{Index: catalog.IndexByType, PartitionKey: catalog.TypePartition(catalog.EntityTeam), Limit: 2}
	var ids []string
	for {
		page, err := s.Query(ctx, q)
		is.NoErr(err)
		for _, e := range page.Items {
			ids = append(ids, e.Attrs.String("teamId"))
		}
		if page.NextCursor == "" {
			break
		}
		q.Cursor = page.NextCursor
	}
	is.Equal(ids, []string{"a", "b", "c", "d", "e"})
}

func TestQueryPrimaryPrefix(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()

	player := catalog.Entity{
		Type:  catalog.EntityPlayer,
		Key:   catalog.Key{PK: "TEAM#t1", SK: "PLAYER#p1"},
		Attrs: catalog.Attributes{"teamId": "t1", "playerId": "p1"},
	}
	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(team("t1")), kv.Create(player)})
	is.NoErr(err)

	page, err := s.Query(ctx, kv.Query{PartitionKey: "TEAM#t1", SortPrefix: catalog.SortPrefixPlayer})
	is.NoErr(err)
	is.Equal(len(page.Items), 1)
	is.Equal(page.Items[0].Key, player.Key)
}

func TestScanDeleted(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	old := team("old")
	old.Attrs[catalog.AttrStatus] = catalog.StatusDeleted
	old.Attrs[catalog.AttrDeletedAt] = catalog.FormatTime(base)
	recent := team("recent")
	recent.Attrs[catalog.AttrStatus] = catalog.StatusDeleted
	recent.Attrs[catalog.AttrDeletedAt] = catalog.FormatTime(base.Add(48 * time.Hour))
	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(old), kv.Create(recent), kv.Create(team("live"))})
	is.NoErr(err)

	got, err := s.ScanDeleted(ctx, base.Add(24*time.Hour), 10)
	is.NoErr(err)
	is.Equal(len(got), 1)
	is.Equal(got[0].Key, old.Key)
}

func TestGetReturnsCopy(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	s := NewStore()
	_, err := s.Transact(ctx, []kv.WriteOp{kv.Create(team("t1"))})
	is.NoErr(err)

	got, err := s.Get(ctx, team("t1").Key)
	is.NoErr(err)
	got.Attrs["name"] = "mutated"

	again, err := s.Get(ctx, team("t1").Key)
	is.NoErr(err)
	is.Equal(again.Attrs["name"], "Team t1")
}
