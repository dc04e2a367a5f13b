package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SoftwareHeritage/swh-vault/cmd/vault/storage"
	"github.com/SoftwareHeritage/swh-vault/common/config"
	"github.com/SoftwareHeritage/swh-vault/common/logger"
	"github.com/SoftwareHeritage/swh-vault/common/models"
)

// GCService expires bundles from the cache. A bundle is eligible once it
// is in a terminal state, not sticky, and has not been fetched within
// the retention window. In-flight rows are never touched so the cooking
// state machine stays consistent under concurrent eviction.
type GCService struct {
	store     BundleStore
	artifacts storage.ArtifactStore
	cfg       *config.Config
	log       *logger.Logger
	cron      *cron.Cron
}

func NewGCService(store BundleStore, artifacts storage.ArtifactStore, cfg *config.Config, log *logger.Logger) *GCService {
	return &GCService{
		store:     store,
		artifacts: artifacts,
		cfg:       cfg,
		log:       log,
	}
}

// Start schedules periodic sweeps using the configured cron expression
func (g *GCService) Start() error {
	g.cron = cron.New()
	_, err := g.cron.AddFunc(g.cfg.GC.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		evicted, err := g.Sweep(ctx, time.Now(), g.cfg.GC.Retention)
		if err != nil {
			g.log.Error("cache sweep failed", "error", err)
			return
		}
		if evicted > 0 {
			g.log.Info("cache sweep completed", "evicted", evicted)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	g.cron.Start()
	g.log.Info("cache expiry scheduled", "schedule", g.cfg.GC.Schedule, "retention", g.cfg.GC.Retention)
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish
func (g *GCService) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// Sweep evicts every bundle whose last access predates now minus the
// retention window. Returns the number of bundles evicted.
func (g *GCService) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	expired, err := g.store.ListExpired(ctx, now, retention)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired bundles: %w", err)
	}

	evicted := 0
	for _, bundle := range expired {
		ok, err := g.evict(ctx, bundle)
		if err != nil {
			g.log.Error("eviction failed", "bundle_id", bundle.ID, "error", err)
			continue
		}
		if ok {
			evicted++
		}
	}

	return evicted, nil
}

// ExpireOldest evicts the n least recently accessed evictable bundles
// regardless of retention; used to reclaim space under pressure
func (g *GCService) ExpireOldest(ctx context.Context, n int) (int, error) {
	oldest, err := g.store.ListOldest(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("failed to list oldest bundles: %w", err)
	}

	evicted := 0
	for _, bundle := range oldest {
		ok, err := g.evict(ctx, bundle)
		if err != nil {
			g.log.Error("eviction failed", "bundle_id", bundle.ID, "error", err)
			continue
		}
		if ok {
			evicted++
		}
	}

	return evicted, nil
}

// evict removes a bundle. Bytes go before the row so a fetch racing the
// eviction sees at worst a done row with missing bytes, which maps to
// not-found, never a row resurrected without its artifact. The row
// delete itself rechecks eligibility: a row reset to pending or pinned
// after listing is skipped, keeping its subscriptions. Returns whether
// the bundle was actually removed.
func (g *GCService) evict(ctx context.Context, bundle *models.BundleRequest) (bool, error) {
	if err := g.artifacts.Delete(ctx, bundle.ID); err != nil {
		return false, fmt.Errorf("failed to delete artifact: %w", err)
	}

	if err := g.store.Delete(ctx, bundle.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			g.log.Debug("skipping eviction, bundle no longer evictable", "bundle_id", bundle.ID)
			return false, nil
		}
		return false, fmt.Errorf("failed to delete bundle row: %w", err)
	}

	g.log.Debug("bundle evicted",
		"bundle_id", bundle.ID, "type", bundle.Type, "last_access", bundle.LastAccessAt)
	return true, nil
}
