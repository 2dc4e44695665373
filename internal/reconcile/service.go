// Package reconcile keeps the denormalized project_authorizations table in
// step with the grant paths that justify it. Reconcile handles the grant
// direction (a group gains a sharing link into a project); Revoke handles the
// symmetric removal. Both walk the group's effective membership one page at a
// time and apply each page as a single transaction, so memory and transaction
// size stay bounded by the batch size and a failed run can always be retried:
// already-synchronized users diff to a no-op.
package reconcile

import (
	"context"

	"authsync/internal/access"
	"authsync/internal/store"
)

// DefaultBatchSize bounds how many members are diffed and written per
// transaction. It is the single tunable for peak memory and lock footprint.
const DefaultBatchSize = 1000

// MemberPager yields pages of effective members. An empty page means the
// sequence is exhausted. Each user id appears in exactly one page.
type MemberPager interface {
	NextPage(ctx context.Context) ([]store.EffectiveMember, error)
}

// MembershipSource resolves a group's membership, folded across the group's
// ancestor chain to each user's best level.
type MembershipSource interface {
	EffectiveMembers(groupID int64, pageSize int) MemberPager
}

// AuthorizationStore is the persistence surface the engine writes through.
// ApplyAuthorizationBatch must be atomic: the deletes and inserts of one call
// either all become visible or none do, with deletes applied first.
type AuthorizationStore interface {
	GetAuthorizations(ctx context.Context, projectID int64, userIDs []int64) (map[int64]access.Level, error)
	ApplyAuthorizationBatch(ctx context.Context, projectID int64, deleteUserIDs []int64, inserts []store.ProjectAuthorization) error
	RemainingAccess(ctx context.Context, projectID int64, userIDs []int64, excludeGroupID int64) (map[int64]access.Level, error)
}

type Service struct {
	source    MembershipSource
	authz     AuthorizationStore
	batchSize int
}

func New(source MembershipSource, authz AuthorizationStore, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{source: source, authz: authz, batchSize: batchSize}
}

// Reconcile brings project authorizations up to date after the group gained a
// sharing link into the project. Stored levels only ever rise: a user whose
// existing level already covers the incoming one is left untouched, an
// outranked row is replaced (delete then insert, same transaction), and users
// with no row get one. Cancellation is honored between batches only;
// committed batches stay committed.
func (s *Service) Reconcile(ctx context.Context, projectID, groupID int64) error {
	pager := s.source.EffectiveMembers(groupID, s.batchSize)
	batch := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		members, err := pager.NextPage(ctx)
		if err != nil {
			return &SourceError{GroupID: groupID, Err: err}
		}
		if len(members) == 0 {
			return nil
		}
		batch++
		if err := s.applyGrantBatch(ctx, projectID, batch, members); err != nil {
			return err
		}
	}
}

func (s *Service) applyGrantBatch(ctx context.Context, projectID int64, batch int, members []store.EffectiveMember) error {
	userIDs := memberUserIDs(members)

	existing, err := s.authz.GetAuthorizations(ctx, projectID, userIDs)
	if err != nil {
		return &StoreError{ProjectID: projectID, Batch: batch, UserIDs: userIDs, Err: err}
	}

	var deletes []int64
	var inserts []store.ProjectAuthorization
	for _, member := range members {
		if current, ok := existing[member.UserID]; ok {
			// The user may already hold access through an unrelated
			// grant path; equal levels are a no-op so retries never
			// rewrite rows.
			if current >= member.AccessLevel {
				continue
			}
			deletes = append(deletes, member.UserID)
		}
		inserts = append(inserts, store.ProjectAuthorization{
			UserID:      member.UserID,
			ProjectID:   projectID,
			AccessLevel: member.AccessLevel,
		})
	}

	if len(deletes) == 0 && len(inserts) == 0 {
		return nil
	}
	if err := s.authz.ApplyAuthorizationBatch(ctx, projectID, deletes, inserts); err != nil {
		return &StoreError{ProjectID: projectID, Batch: batch, UserIDs: userIDs, Err: err}
	}
	return nil
}

// Revoke recomputes authorizations after the group's sharing link into the
// project was removed. For every member the revoked link used to cover, the
// stored level is reduced to the best level still derivable through any other
// grant path, or the row is deleted when no path survives.
func (s *Service) Revoke(ctx context.Context, projectID, groupID int64) error {
	pager := s.source.EffectiveMembers(groupID, s.batchSize)
	batch := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		members, err := pager.NextPage(ctx)
		if err != nil {
			return &SourceError{GroupID: groupID, Err: err}
		}
		if len(members) == 0 {
			return nil
		}
		batch++
		if err := s.applyRevokeBatch(ctx, projectID, groupID, batch, members); err != nil {
			return err
		}
	}
}

func (s *Service) applyRevokeBatch(ctx context.Context, projectID, groupID int64, batch int, members []store.EffectiveMember) error {
	userIDs := memberUserIDs(members)

	existing, err := s.authz.GetAuthorizations(ctx, projectID, userIDs)
	if err != nil {
		return &StoreError{ProjectID: projectID, Batch: batch, UserIDs: userIDs, Err: err}
	}
	remaining, err := s.authz.RemainingAccess(ctx, projectID, userIDs, groupID)
	if err != nil {
		return &StoreError{ProjectID: projectID, Batch: batch, UserIDs: userIDs, Err: err}
	}

	var deletes []int64
	var inserts []store.ProjectAuthorization
	for _, member := range members {
		current, ok := existing[member.UserID]
		if !ok {
			continue
		}
		keep, hasPath := remaining[member.UserID]
		if !hasPath {
			deletes = append(deletes, member.UserID)
			continue
		}
		if keep >= current {
			continue
		}
		deletes = append(deletes, member.UserID)
		inserts = append(inserts, store.ProjectAuthorization{
			UserID:      member.UserID,
			ProjectID:   projectID,
			AccessLevel: keep,
		})
	}

	if len(deletes) == 0 && len(inserts) == 0 {
		return nil
	}
	if err := s.authz.ApplyAuthorizationBatch(ctx, projectID, deletes, inserts); err != nil {
		return &StoreError{ProjectID: projectID, Batch: batch, UserIDs: userIDs, Err: err}
	}
	return nil
}

func memberUserIDs(members []store.EffectiveMember) []int64 {
	ids := make([]int64, len(members))
	for i, member := range members {
		ids[i] = member.UserID
	}
	return ids
}
