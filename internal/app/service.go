package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"authsync/internal/config"
	"authsync/internal/lease"
	"authsync/internal/store"
	"authsync/internal/util"
)

type dataStore interface {
	GetProject(context.Context, int64) (store.Project, error)
	GetNamespace(context.Context, int64) (store.Namespace, error)
	CreateProjectGroupLink(context.Context, int64, int64) (store.ProjectGroupLink, error)
	DeleteProjectGroupLink(context.Context, int64, int64) (bool, error)
	Ping(context.Context) error
}

type reconciler interface {
	Reconcile(ctx context.Context, projectID, groupID int64) error
	Revoke(ctx context.Context, projectID, groupID int64) error
}

type runLease interface {
	Acquire(ctx context.Context, projectID, groupID int64) (func(context.Context) error, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	engine reconciler
	lease  runLease
}

func New(cfg config.Config, dataStore dataStore, engine reconciler) *Service {
	return &Service{cfg: cfg, store: dataStore, engine: engine}
}

func NewWithLease(cfg config.Config, dataStore dataStore, engine reconciler, runLease runLease) *Service {
	return &Service{cfg: cfg, store: dataStore, engine: engine, lease: runLease}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// ShareProject records the group-to-project sharing link and synchronously
// reconciles the derived authorizations it implies. The event is delivered
// at-least-once upstream; re-running for an existing link is a no-op diff.
func (s *Service) ShareProject(ctx context.Context, projectID, groupID int64) error {
	if err := s.checkPair(ctx, projectID, groupID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, projectID, groupID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.store.CreateProjectGroupLink(ctx, projectID, groupID); err != nil {
		return fmt.Errorf("record group link: %w", err)
	}

	runID := util.NewID("run")
	started := time.Now()
	if err := s.engine.Reconcile(ctx, projectID, groupID); err != nil {
		return fmt.Errorf("reconcile project %d group %d: %w", projectID, groupID, err)
	}
	log.Printf("run %s: reconciled project %d group %d in %dms", runID, projectID, groupID, time.Since(started).Milliseconds())
	return nil
}

// UnshareProject removes the sharing link and recomputes every affected
// user's remaining access, deleting rows that no other grant path justifies.
func (s *Service) UnshareProject(ctx context.Context, projectID, groupID int64) error {
	if err := s.checkPair(ctx, projectID, groupID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, projectID, groupID)
	if err != nil {
		return err
	}
	defer release()

	deleted, err := s.store.DeleteProjectGroupLink(ctx, projectID, groupID)
	if err != nil {
		return fmt.Errorf("remove group link: %w", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Group link not found", nil)
	}

	runID := util.NewID("run")
	started := time.Now()
	if err := s.engine.Revoke(ctx, projectID, groupID); err != nil {
		return fmt.Errorf("revoke project %d group %d: %w", projectID, groupID, err)
	}
	log.Printf("run %s: revoked project %d group %d in %dms", runID, projectID, groupID, time.Since(started).Milliseconds())
	return nil
}

func (s *Service) checkPair(ctx context.Context, projectID, groupID int64) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return fmt.Errorf("get project: %w", err)
	}
	if _, err := s.store.GetNamespace(ctx, groupID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Group not found", nil)
		}
		return fmt.Errorf("get group: %w", err)
	}
	return nil
}

func (s *Service) acquire(ctx context.Context, projectID, groupID int64) (func(), error) {
	if s.lease == nil {
		return func() {}, nil
	}
	release, err := s.lease.Acquire(ctx, projectID, groupID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, domainError(http.StatusConflict, "RUN_IN_PROGRESS", "A reconciliation run for this project and group is already in progress", nil)
		}
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			log.Printf("release run lease for project %d group %d: %v", projectID, groupID, err)
		}
	}, nil
}

// Ping verifies the backing database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingLease verifies the lease backend, when one is configured.
func (s *Service) PingLease(ctx context.Context) error {
	if s.lease == nil {
		return nil
	}
	return s.lease.Ping(ctx)
}
