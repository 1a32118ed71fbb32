package lifecycle

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/audit"
	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/entities"
	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// Anonymize scrubs a deleted user's personal data: every linked player loses
// its PII and becomes a ghost, the free-agent listing and pending invites
// addressed to the user's email are removed, and the user record is marked
// anonymized. Linked records are written first and the user last, so a
// failed run is completed by calling Anonymize again.
func (s *Sweeper) Anonymize(ctx context.Context, userID, actor string) error {
	key, err := catalog.BuildKey(catalog.EntityUser, userID)
	if err != nil {
		return err
	}
	user, err := s.entities.Lookup(ctx, catalog.EntityUser, key, true)
	if err != nil {
		return err
	}
	if user.Attrs.String(catalog.AttrLifecycleState) == StateAnonymized {
		return nil
	}
	if !user.IsDeleted() {
		return catalog.ValidationErrorf("user %s must be deleted before anonymization", userID)
	}

	var ops []kv.WriteOp

	players, err := s.entities.QueryAll(ctx, string(catalog.IndexUserPlayers),
		entities.PatternKey{Partition: catalog.UserPlayersPartition(userID)}, true)
	if err != nil {
		return err
	}
	for _, p := range players {
		op, _, err := s.entities.Prepare(p, func(attrs catalog.Attributes) error {
			scrub(catalog.EntityPlayer, attrs, userID)
			attrs["userId"] = nil
			return nil
		})
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	listingKey, err := catalog.BuildKey(catalog.EntityFreeAgentListing, userID)
	if err != nil {
		return err
	}
	listing, err := s.store.Get(ctx, listingKey)
	switch {
	case err == nil:
		ops = append(ops, kv.DeleteVersion(listing.Key, listing.Version))
	case !catalog.IsNotFound(err):
		return err
	}

	if email := user.Attrs.String("email"); email != "" {
		invites, err := s.entities.QueryAll(ctx, string(catalog.IndexByType), entities.PatternKey{
			Partition:  catalog.TypePartition(catalog.EntityInvite),
			SortPrefix: catalog.EmailSortPrefix(email),
		}, false)
		if err != nil {
			return err
		}
		for _, inv := range invites {
			if inv.Attrs.String(catalog.AttrStatus) == catalog.InvitePending {
				ops = append(ops, kv.DeleteVersion(inv.Key, inv.Version))
			}
		}
	}

	if err := s.commitOps(ctx, ops); err != nil {
		return fmt.Errorf("failed to scrub records linked to user %s: %w", userID, err)
	}

	now := s.clock.Now()
	userOp, _, err := s.entities.Prepare(user, func(attrs catalog.Attributes) error {
		scrub(catalog.EntityUser, attrs, userID)
		attrs[catalog.AttrLifecycleState] = StateAnonymized
		attrs["anonymizedAt"] = catalog.FormatTime(now)
		return nil
	})
	if err != nil {
		return err
	}
	auditOp, rec, err := s.audit.Prepare(audit.Record{
		Event:      audit.EventAnonymized,
		EntityType: catalog.EntityUser,
		Key:        key,
		Actor:      actor,
		Detail:     fmt.Sprintf("%d players unlinked", len(players)),
	})
	if err != nil {
		return err
	}
	if _, err := s.entities.Coordinator().ExecuteAtomic(ctx, []kv.WriteOp{userOp, auditOp}); err != nil {
		return fmt.Errorf("failed to anonymize user %s: %w", userID, err)
	}
	s.audit.Archive(ctx, rec)

	log.Info().
		Str("user_id", userID).
		Int("players", len(players)).
		Msg("user anonymized")
	return nil
}

// scrub replaces the type's PII attributes. Required fields get a
// placeholder; the rest are cleared.
func scrub(t catalog.EntityType, attrs catalog.Attributes, userID string) {
	s, err := catalog.SchemaFor(t)
	if err != nil {
		return
	}
	for _, f := range s.PIIFields {
		switch {
		case f == "email":
			attrs[f] = userID + "@anonymized.invalid"
		case slices.Contains(s.RequiredFields, f):
			attrs[f] = "Anonymous"
		default:
			attrs[f] = nil
		}
	}
}
